// Package hours decides whether a scheduled run may fire right now.
package hours

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/engage/errors"
)

// Config is the allowed window: a set of weekdays and an hour range.
// StartHour is inclusive, EndHour exclusive. When StartHour > EndHour the
// window wraps midnight and belongs to the weekday it opened on.
// StartHour == EndHour means the whole day.
type Config struct {
	Enabled   bool           `json:"enabled"`
	WorkDays  []time.Weekday `json:"work_days"`
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
}

// Weekdays is Monday through Friday.
var Weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// Default is Mon-Fri 09:00-18:00, disabled.
func Default() Config {
	return Config{WorkDays: Weekdays, StartHour: 9, EndHour: 18}
}

func (c Config) worksOn(d time.Weekday) bool {
	for _, w := range c.WorkDays {
		if w == d {
			return true
		}
	}
	return false
}

// IsWithinWindow reports whether now falls in the window. A disabled gate always allows.
func IsWithinWindow(now time.Time, cfg Config) bool {
	if !cfg.Enabled {
		return true
	}
	h := now.Hour()

	switch {
	case cfg.StartHour == cfg.EndHour:
		return cfg.worksOn(now.Weekday())
	case cfg.StartHour < cfg.EndHour:
		return cfg.worksOn(now.Weekday()) && h >= cfg.StartHour && h < cfg.EndHour
	default:
		// Wraps midnight: the late part belongs to today, the early part to yesterday.
		if h >= cfg.StartHour {
			return cfg.worksOn(now.Weekday())
		}
		if h < cfg.EndHour {
			return cfg.worksOn(now.AddDate(0, 0, -1).Weekday())
		}
		return false
	}
}

// NextOpening returns the first hour boundary at or after now that lies inside
// the window. It returns now when already inside, and the zero time when the
// window can never open (enabled with no work days).
func NextOpening(now time.Time, cfg Config) time.Time {
	if IsWithinWindow(now, cfg) {
		return now
	}
	if len(cfg.WorkDays) == 0 {
		return time.Time{}
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	for i := 0; i < 8*24; i++ {
		t = t.Add(time.Hour)
		if IsWithinWindow(t, cfg) {
			return t
		}
	}
	return time.Time{}
}

// Describe renders the window for notifications, e.g. "Mon-Fri 09:00-18:00".
func Describe(cfg Config) string {
	if !cfg.Enabled {
		return "any time"
	}
	hoursPart := fmt.Sprintf("%02d:00-%02d:00", cfg.StartHour, cfg.EndHour%24)
	if cfg.StartHour == cfg.EndHour {
		hoursPart = "all day"
	}
	return describeDays(cfg.WorkDays) + " " + hoursPart
}

func describeDays(days []time.Weekday) string {
	if len(days) == 0 {
		return "no days"
	}
	var set [7]bool
	for _, d := range days {
		set[d] = true
	}

	// Walk Monday..Sunday and collapse consecutive runs.
	order := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday}
	var parts []string
	for i := 0; i < len(order); {
		if !set[order[i]] {
			i++
			continue
		}
		j := i
		for j+1 < len(order) && set[order[j+1]] {
			j++
		}
		switch {
		case j == i:
			parts = append(parts, short(order[i]))
		case j == i+1:
			parts = append(parts, short(order[i]), short(order[j]))
		default:
			parts = append(parts, short(order[i])+"-"+short(order[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

func short(d time.Weekday) string {
	return d.String()[:3]
}

// ParseWeekday accepts full or three-letter English names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, errors.Newf("unknown weekday %q", s)
}
