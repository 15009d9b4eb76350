package hours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-10-17 is a Saturday, 2026-10-21 a Wednesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.October, day, hour, minute, 0, 0, time.Local)
}

func officeHours() Config {
	return Config{Enabled: true, WorkDays: Weekdays, StartHour: 9, EndHour: 18}
}

func TestIsWithinWindow_WeekendSuppressed(t *testing.T) {
	require.Equal(t, time.Saturday, at(17, 10, 0).Weekday())
	require.Equal(t, time.Wednesday, at(21, 10, 0).Weekday())

	assert.False(t, IsWithinWindow(at(17, 10, 0), officeHours()), "Saturday 10:00")
	assert.True(t, IsWithinWindow(at(21, 10, 0), officeHours()), "Wednesday 10:00")
}

func TestIsWithinWindow_HourBounds(t *testing.T) {
	cfg := officeHours()

	assert.False(t, IsWithinWindow(at(21, 8, 59), cfg))
	assert.True(t, IsWithinWindow(at(21, 9, 0), cfg), "start is inclusive")
	assert.True(t, IsWithinWindow(at(21, 17, 59), cfg))
	assert.False(t, IsWithinWindow(at(21, 18, 0), cfg), "end is exclusive")
}

func TestIsWithinWindow_Disabled(t *testing.T) {
	cfg := officeHours()
	cfg.Enabled = false

	assert.True(t, IsWithinWindow(at(17, 3, 0), cfg))
}

func TestIsWithinWindow_WrapsMidnight(t *testing.T) {
	// Friday 22:00 to Saturday 02:00 belongs to Friday
	cfg := Config{Enabled: true, WorkDays: []time.Weekday{time.Friday}, StartHour: 22, EndHour: 2}

	assert.True(t, IsWithinWindow(at(16, 23, 0), cfg), "Friday 23:00")
	assert.True(t, IsWithinWindow(at(17, 1, 30), cfg), "Saturday 01:30 is still Friday's window")
	assert.False(t, IsWithinWindow(at(17, 2, 0), cfg))
	assert.False(t, IsWithinWindow(at(16, 1, 0), cfg), "Friday 01:00 belongs to Thursday")
	assert.False(t, IsWithinWindow(at(16, 12, 0), cfg))
}

func TestIsWithinWindow_WholeDay(t *testing.T) {
	cfg := Config{Enabled: true, WorkDays: []time.Weekday{time.Saturday}, StartHour: 0, EndHour: 0}

	assert.True(t, IsWithinWindow(at(17, 3, 0), cfg))
	assert.False(t, IsWithinWindow(at(18, 3, 0), cfg))
}

func TestNextOpening(t *testing.T) {
	cfg := officeHours()

	// Saturday morning opens Monday 09:00
	assert.Equal(t, at(19, 9, 0), NextOpening(at(17, 10, 30), cfg))
	// Wednesday 19:00 opens Thursday 09:00
	assert.Equal(t, at(22, 9, 0), NextOpening(at(21, 19, 0), cfg))
	// Already open
	assert.Equal(t, at(21, 10, 15), NextOpening(at(21, 10, 15), cfg))
	// Never opens
	assert.True(t, NextOpening(at(21, 19, 0), Config{Enabled: true}).IsZero())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Mon-Fri 09:00-18:00", Describe(officeHours()))
	assert.Equal(t, "any time", Describe(Config{}))
	assert.Equal(t, "Mon,Wed 22:00-02:00",
		Describe(Config{Enabled: true, WorkDays: []time.Weekday{time.Wednesday, time.Monday}, StartHour: 22, EndHour: 2}))
	assert.Equal(t, "Sat,Sun all day",
		Describe(Config{Enabled: true, WorkDays: []time.Weekday{time.Sunday, time.Saturday}, StartHour: 5, EndHour: 5}))
}

func TestParseWeekday(t *testing.T) {
	d, err := ParseWeekday("Wed")
	require.NoError(t, err)
	assert.Equal(t, time.Wednesday, d)

	d, err = ParseWeekday("sunday")
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, d)

	_, err = ParseWeekday("funday")
	assert.Error(t, err)
}
