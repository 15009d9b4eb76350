// Package schedule holds the daily time-of-day schedules of each automation
// family and the scheduler that arms a single timer for the soonest one.
package schedule

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/run"
)

// ClockTime is a wall-clock time of day, serialized "HH:MM".
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime accepts "H:MM" or "HH:MM" in 24-hour form.
func ParseClockTime(s string) (ClockTime, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ClockTime{}, errors.NewInvalidRequestError("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, errors.NewInvalidRequestError("hour in %q must be 0-23", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || m < 0 || m > 59 {
		return ClockTime{}, errors.NewInvalidRequestError("minute in %q must be 00-59", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// MustClockTime is ParseClockTime for literals.
func MustClockTime(s string) ClockTime {
	c, err := ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Minutes is the offset from midnight, used for ordering.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

// On returns the instant c falls on the calendar day of t, in t's location.
func (c ClockTime) On(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, c.Hour, c.Minute, 0, 0, t.Location())
}

func (c ClockTime) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "time must be a string")
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c ClockTime) MarshalYAML() (any, error) { return c.String(), nil }

func (c *ClockTime) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseClockTime(node.Value)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Schedule is one recurring daily trigger plus the settings of the run it starts.
// Unset settings are taken from the set's defaults when the schedule fires.
type Schedule struct {
	Time     ClockTime    `json:"time" yaml:"time"`
	Label    string       `json:"label,omitempty" yaml:"label,omitempty"`
	Settings run.Settings `json:"settings" yaml:"settings"`
}

// Set is a family's schedules, kept sorted ascending by time of day, with at
// most one schedule per time.
type Set struct {
	Family    run.Family   `json:"family" yaml:"family"`
	Enabled   bool         `json:"enabled" yaml:"enabled"`
	Schedules []Schedule   `json:"schedules" yaml:"schedules"`
	Defaults  run.Settings `json:"defaults" yaml:"defaults"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"updated_at"`
}

// NewSet returns an empty, disabled set.
func NewSet(family run.Family, defaults run.Settings) *Set {
	return &Set{Family: family, Schedules: []Schedule{}, Defaults: defaults}
}

func (s *Set) sort() {
	slices.SortStableFunc(s.Schedules, func(a, b Schedule) int {
		return a.Time.Minutes() - b.Time.Minutes()
	})
}

// Upsert adds sch, replacing any schedule at the same time. It reports whether one was replaced.
func (s *Set) Upsert(sch Schedule) bool {
	defer s.sort()
	for i := range s.Schedules {
		if s.Schedules[i].Time == sch.Time {
			s.Schedules[i] = sch
			return true
		}
	}
	s.Schedules = append(s.Schedules, sch)
	return false
}

// Remove deletes the schedule at t.
func (s *Set) Remove(t ClockTime) error {
	i := s.index(t)
	if i < 0 {
		return errors.NewNotFoundError("no %s schedule at %s", s.Family, t)
	}
	s.Schedules = slices.Delete(s.Schedules, i, i+1)
	return nil
}

// Update replaces the schedule at t with sch. The replacement may move to a
// new time, in which case a schedule already there is overwritten.
func (s *Set) Update(t ClockTime, sch Schedule) error {
	i := s.index(t)
	if i < 0 {
		return errors.NewNotFoundError("no %s schedule at %s", s.Family, t)
	}
	s.Schedules = slices.Delete(s.Schedules, i, i+1)
	s.Upsert(sch)
	return nil
}

// Find returns the schedule at t.
func (s *Set) Find(t ClockTime) (Schedule, bool) {
	if i := s.index(t); i >= 0 {
		return s.Schedules[i], true
	}
	return Schedule{}, false
}

func (s *Set) index(t ClockTime) int {
	return slices.IndexFunc(s.Schedules, func(sch Schedule) bool { return sch.Time == t })
}

// SettingsFor merges the set's defaults under sch's own settings.
func (s *Set) SettingsFor(sch Schedule) run.Settings {
	return sch.Settings.Merge(s.Defaults)
}

// Validate checks that every schedule would produce a runnable configuration.
func (s *Set) Validate() error {
	for _, sch := range s.Schedules {
		if err := s.SettingsFor(sch).Validate(); err != nil {
			return errors.Wrapf(err, "schedule %s", sch.Time)
		}
	}
	return nil
}

// Clone returns a copy whose schedule slice can be mutated independently.
func (s *Set) Clone() *Set {
	c := *s
	c.Schedules = slices.Clone(s.Schedules)
	return &c
}
