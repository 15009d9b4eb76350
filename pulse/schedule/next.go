package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTolerance is how far from a schedule's time a fire may land and still match it.
const DefaultTolerance = 2 * time.Minute

var dailyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Occurrence is the next time a schedule fires.
type Occurrence struct {
	Schedule Schedule
	FireAt   time.Time
}

// NextFire is the next instant c falls on at or after now: today's time if it
// has not passed, otherwise tomorrow's. Tomorrow is computed with a daily
// cron spec so DST transitions land on the right wall-clock time.
func NextFire(c ClockTime, now time.Time) time.Time {
	if today := c.On(now); !today.Before(now) {
		return today
	}
	spec, err := dailyParser.Parse(fmt.Sprintf("%d %d * * *", c.Minute, c.Hour))
	if err != nil {
		return c.On(now.AddDate(0, 0, 1))
	}
	return spec.Next(now)
}

// ComputeNextOccurrence returns the schedule with the smallest wait from now.
// Ties go to the first in sort order. It reports false for an empty list.
func ComputeNextOccurrence(schedules []Schedule, now time.Time) (Occurrence, bool) {
	var best Occurrence
	found := false
	for _, sch := range schedules {
		at := NextFire(sch.Time, now)
		if !found || at.Before(best.FireAt) {
			best = Occurrence{Schedule: sch, FireAt: at}
			found = true
		}
	}
	return best, found
}

// MatchAt returns the first schedule, in sort order, whose time is within
// tolerance of now. Yesterday's and tomorrow's instants are considered too,
// so 23:59 matches a fire at 00:01. Instants at or before firedThrough have
// already run and never match; a zero firedThrough skips nothing.
func MatchAt(schedules []Schedule, now time.Time, tolerance time.Duration, firedThrough time.Time) (Schedule, time.Time, bool) {
	for _, sch := range schedules {
		for _, day := range []int{0, -1, 1} {
			at := sch.Time.On(now.AddDate(0, 0, day))
			if !firedThrough.IsZero() && !at.After(firedThrough) {
				continue
			}
			if diff := now.Sub(at); diff <= tolerance && diff >= -tolerance {
				return sch, at, true
			}
		}
	}
	return Schedule{}, time.Time{}, false
}

// FormatCountdown renders a wait as "HH:MM:SS"; negative waits render as zero.
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
