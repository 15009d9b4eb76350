package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/hours"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/store"
)

// Runner starts a run and blocks until it ends. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, settings run.Settings, opts ...executor.Option) (*run.Session, error)
}

// Notification is a user-visible message about a scheduled run.
type Notification struct {
	Family  run.Family `json:"family"`
	Kind    string     `json:"kind"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Time    time.Time  `json:"time"`
}

// Notifier delivers notifications to whoever is watching (dashboard, desktop).
type Notifier interface {
	Notify(n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

// Config tunes a scheduler.
type Config struct {
	// Tolerance is how far a fire may drift from a schedule's time and still match it.
	Tolerance time.Duration
	// ResyncInterval is how often the persisted set is checked for edits made by other processes.
	ResyncInterval time.Duration
	BusinessHours  hours.Config
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Tolerance:      DefaultTolerance,
		ResyncInterval: 30 * time.Second,
		BusinessHours:  hours.Default(),
	}
}

// Deps are the collaborators a scheduler uses.
type Deps struct {
	Store      store.Store
	Runner     Runner
	Timer      Timer             // optional, wall-clock timer when nil
	Gate       agent.FeatureGate // optional, allows everything when nil
	Notifier   Notifier          // optional
	Executions *ExecutionLog     // optional, shared log on Store when nil
	Logger     *zap.SugaredLogger
	Clock      func() time.Time
}

// NextExecution is the soonest upcoming fire.
type NextExecution struct {
	Time      ClockTime    `json:"time"`
	Label     string       `json:"label,omitempty"`
	FireAt    time.Time    `json:"fire_at"`
	TimeUntil run.Duration `json:"time_until"`
	Countdown string       `json:"countdown"`
}

// Status is a read-only view of a scheduler.
type Status struct {
	Family    run.Family     `json:"family"`
	Enabled   bool           `json:"enabled"`
	Schedules []Schedule     `json:"schedules"`
	Next      *NextExecution `json:"next,omitempty"`
}

// Scheduler owns one family's schedule set and keeps exactly one timer armed
// for the soonest occurrence while enabled.
type Scheduler struct {
	family     run.Family
	cfg        Config
	defaults   run.Settings
	sets       *SetStore
	runner     Runner
	timer      Timer
	gate       agent.FeatureGate
	notifier   Notifier
	executions *ExecutionLog
	logger     *zap.SugaredLogger
	pulseLog   *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	timeNow    func() time.Time

	mu    sync.Mutex
	set   *Set
	hours hours.Config
	armed *Occurrence
	// firedThrough is the instant of the last matched fire; arming never
	// targets it or anything earlier, so one occurrence runs once.
	firedThrough time.Time
	// stopped is set once by Stop; nothing arms or fires afterwards.
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler for family. defaults seed the set when none is persisted.
// Call Load or Start before use.
func New(family run.Family, defaults run.Settings, cfg Config, deps Deps) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = logger.ComponentLogger("pulse.schedule")
	}
	if deps.Timer == nil {
		deps.Timer = NewTimer()
	}
	if deps.Gate == nil {
		deps.Gate = agent.AllowAll{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Executions == nil {
		deps.Executions = NewExecutionLog(deps.Store, 0)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	log := deps.Logger.With(logger.FieldFamily, family)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		family:     family,
		cfg:        cfg,
		defaults:   defaults,
		sets:       NewSetStore(deps.Store),
		runner:     deps.Runner,
		timer:      deps.Timer,
		gate:       deps.Gate,
		notifier:   deps.Notifier,
		executions: deps.Executions,
		logger:     log,
		pulseLog:   logger.AddPulseSymbol(log),
		timeNow:    deps.Clock,
		set:        NewSet(family, defaults),
		hours:      cfg.BusinessHours,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Family is the family this scheduler serves.
func (s *Scheduler) Family() run.Family { return s.family }

// Load reads the persisted set and arms the timer when it is enabled.
func (s *Scheduler) Load(ctx context.Context) error {
	set, err := s.sets.Load(ctx, s.family, s.defaults)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.set = set
	s.armLocked()
	s.mu.Unlock()
	return nil
}

// Start loads the set, arms the timer and begins watching the store for
// edits made by other processes.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	if s.cfg.ResyncInterval > 0 {
		s.wg.Add(1)
		go s.resyncLoop()
	}
	s.pulseLog.Infow("Scheduler started", "schedules", len(s.Set().Schedules), "enabled", s.Set().Enabled)
	return nil
}

// Stop disarms the timer for good, cancels a fire in flight and waits for it
// and the resync loop to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.timer.Cancel()
	s.armed = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.pulseLog.Infow("Scheduler stopped")
}

func (s *Scheduler) resyncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Resync(s.ctx); err != nil {
				s.pulseLog.Warnw("Schedule resync failed", logger.FieldError, err)
			}
		}
	}
}

// Resync reloads the persisted set and re-arms when it changed since last
// seen. It reports whether anything changed.
func (s *Scheduler) Resync(ctx context.Context) (bool, error) {
	set, err := s.sets.Load(ctx, s.family, s.defaults)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if set.UpdatedAt.Equal(s.set.UpdatedAt) {
		return false, nil
	}
	s.set = set
	s.armLocked()
	s.pulseLog.Infow("Schedules changed in store, re-armed", "schedules", len(set.Schedules), "enabled", set.Enabled)
	return true, nil
}

// Set returns a copy of the current schedule set.
func (s *Scheduler) Set() *Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Clone()
}

// Enable turns the scheduler on and arms the soonest occurrence.
func (s *Scheduler) Enable(ctx context.Context) error {
	return s.mutate(ctx, func(set *Set) error {
		set.Enabled = true
		return nil
	})
}

// Disable turns the scheduler off and disarms the timer.
func (s *Scheduler) Disable(ctx context.Context) error {
	return s.mutate(ctx, func(set *Set) error {
		set.Enabled = false
		return nil
	})
}

// Add inserts sch, replacing any schedule at the same time.
func (s *Scheduler) Add(ctx context.Context, sch Schedule) error {
	return s.mutate(ctx, func(set *Set) error {
		if err := set.SettingsFor(sch).Validate(); err != nil {
			return errors.Wrapf(err, "schedule %s", sch.Time)
		}
		set.Upsert(sch)
		return nil
	})
}

// Remove deletes the schedule at t.
func (s *Scheduler) Remove(ctx context.Context, t ClockTime) error {
	return s.mutate(ctx, func(set *Set) error {
		return set.Remove(t)
	})
}

// Update replaces the schedule at t with sch.
func (s *Scheduler) Update(ctx context.Context, t ClockTime, sch Schedule) error {
	return s.mutate(ctx, func(set *Set) error {
		if err := set.SettingsFor(sch).Validate(); err != nil {
			return errors.Wrapf(err, "schedule %s", sch.Time)
		}
		return set.Update(t, sch)
	})
}

// ReplaceDefaults swaps the family-wide settings merged under every schedule.
func (s *Scheduler) ReplaceDefaults(ctx context.Context, defaults run.Settings) error {
	return s.mutate(ctx, func(set *Set) error {
		set.Defaults = defaults
		return set.Validate()
	})
}

// Replace swaps the whole set, as when importing.
func (s *Scheduler) Replace(ctx context.Context, next *Set) error {
	return s.mutate(ctx, func(set *Set) error {
		set.Enabled = next.Enabled
		set.Defaults = next.Defaults
		set.Schedules = append([]Schedule{}, next.Schedules...)
		seen := make(map[ClockTime]bool, len(set.Schedules))
		for _, sch := range set.Schedules {
			if seen[sch.Time] {
				return errors.NewInvalidRequestError("two schedules at %s", sch.Time)
			}
			seen[sch.Time] = true
		}
		return set.Validate()
	})
}

// SetBusinessHours swaps the business-hours window (config hot reload).
func (s *Scheduler) SetBusinessHours(cfg hours.Config) {
	s.mu.Lock()
	s.hours = cfg
	s.mu.Unlock()
}

// mutate applies fn to a copy of the set, persists it, then swaps it in and
// re-arms. A failing fn or write leaves the current set untouched.
func (s *Scheduler) mutate(ctx context.Context, fn func(*Set) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.set.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = s.timeNow()
	if err := s.sets.Save(ctx, next); err != nil {
		return err
	}
	s.set = next
	s.armLocked()
	return nil
}

// armLocked (re)arms the single timer for the soonest occurrence, or
// disarms it when disabled or empty. Caller holds s.mu.
func (s *Scheduler) armLocked() {
	if s.stopped {
		s.timer.Cancel()
		s.armed = nil
		return
	}
	if !s.set.Enabled || len(s.set.Schedules) == 0 {
		if s.armed != nil {
			s.pulseLog.Infow("Scheduler disarmed", "enabled", s.set.Enabled, "schedules", len(s.set.Schedules))
		}
		s.timer.Cancel()
		s.armed = nil
		return
	}

	from := s.timeNow()
	if !s.firedThrough.IsZero() && !from.After(s.firedThrough) {
		from = s.firedThrough.Add(time.Second)
	}
	occ, _ := ComputeNextOccurrence(s.set.Schedules, from)
	s.armed = &occ
	s.timer.Schedule(occ.FireAt, s.onFire)
	s.pulseLog.Infow("Next scheduled run armed",
		logger.FieldSchedule, occ.Schedule.Time.String(),
		logger.FieldFireAt, occ.FireAt.Format(time.RFC3339),
		"in", occ.FireAt.Sub(s.timeNow()).Round(time.Second).String(),
	)
}

// Armed returns the occurrence the timer is armed for.
func (s *Scheduler) Armed() (Occurrence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == nil {
		return Occurrence{}, false
	}
	return *s.armed, true
}

// Status derives the next execution from the set without touching the timer.
func (s *Scheduler) Status(now time.Time) Status {
	s.mu.Lock()
	set := s.set.Clone()
	s.mu.Unlock()

	st := Status{Family: s.family, Enabled: set.Enabled, Schedules: set.Schedules}
	if st.Schedules == nil {
		st.Schedules = []Schedule{}
	}
	if !set.Enabled {
		return st
	}
	if occ, ok := ComputeNextOccurrence(set.Schedules, now); ok {
		until := occ.FireAt.Sub(now)
		st.Next = &NextExecution{
			Time:      occ.Schedule.Time,
			Label:     occ.Schedule.Label,
			FireAt:    occ.FireAt,
			TimeUntil: run.Duration(until),
			Countdown: FormatCountdown(until),
		}
	}
	return st
}

func (s *Scheduler) onFire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	s.Fire(s.ctx)
}

// Fire handles a timer fire: match a schedule, apply the gates, run, record,
// and always re-arm.
func (s *Scheduler) Fire(ctx context.Context) {
	now := s.timeNow()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	set := s.set.Clone()
	bh := s.hours
	firedThrough := s.firedThrough
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.armLocked()
		s.mu.Unlock()
	}()

	if !set.Enabled {
		s.pulseLog.Debugw("Timer fired while disabled")
		return
	}

	sch, at, ok := MatchAt(set.Schedules, now, s.cfg.Tolerance, firedThrough)
	if !ok {
		s.pulseLog.Infow("Stale timer fire, no schedule within tolerance", "now", now.Format("15:04:05"))
		return
	}
	s.mu.Lock()
	if at.After(s.firedThrough) {
		s.firedThrough = at
	}
	s.mu.Unlock()

	log := s.pulseLog.With(logger.FieldSchedule, sch.Time.String())
	exec := Execution{Family: s.family, Timestamp: now, Schedule: sch}

	if !hours.IsWithinWindow(now, bh) {
		window := hours.Describe(bh)
		msg := fmt.Sprintf("Scheduled %s run at %s skipped: outside business hours (%s).", s.family, sch.Time, window)
		if next := hours.NextOpening(now, bh); !next.IsZero() {
			msg += " Next window opens " + next.Format("Mon 15:04") + "."
		}
		log.Infow("Scheduled run suppressed by business hours", "window", window)
		s.notifier.Notify(Notification{
			Family:  s.family,
			Kind:    "schedule_suppressed",
			Title:   "Scheduled run skipped",
			Message: msg,
			Time:    now,
		})
		exec.Skipped = SkipOutsideBusinessHours
		s.record(ctx, exec)
		return
	}

	feature := "schedule." + string(s.family)
	if !s.gate.Allowed(ctx, feature) {
		log.Warnw("Scheduled run not allowed by plan", "feature", feature)
		exec.Skipped = SkipFeatureDenied
		s.record(ctx, exec)
		return
	}

	log.Infow("Scheduled run starting", "query", set.SettingsFor(sch).Describe())
	sess, err := s.runner.Run(ctx, set.SettingsFor(sch), executor.WithSchedule(sch.Time.String()))
	switch {
	case err != nil:
		exec.Error = err.Error()
		log.Warnw("Scheduled run did not start", logger.FieldError, err)
	case sess != nil:
		exec.SessionID = sess.ID
		exec.Status = sess.Status
		exec.Success = sess.Status == run.StatusCompleted
		exec.Error = sess.Error
		log.Infow("Scheduled run finished",
			logger.FieldRunID, sess.ID,
			logger.FieldStatus, sess.Status,
			logger.FieldProcessed, sess.Processed,
		)
	}
	s.record(ctx, exec)
}

func (s *Scheduler) record(ctx context.Context, exec Execution) {
	if err := s.executions.Append(context.WithoutCancel(ctx), exec); err != nil {
		s.pulseLog.Errorw("Failed to record schedule execution", logger.FieldError, err)
	}
}
