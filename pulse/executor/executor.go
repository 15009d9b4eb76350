// Package executor drives one run of an automation family: discovery,
// per-item actions with quota accounting, cooperative stop, and exactly-once
// finalization of the session and live-state records.
package executor

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/db"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/pulse/quota"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/store"
	"github.com/teranos/engage/sym"
)

// State is the executor's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

func stateFor(status run.Status) State {
	switch status {
	case run.StatusCompleted:
		return StateCompleted
	case run.StatusStopped:
		return StateStopped
	case run.StatusFailed:
		return StateFailed
	}
	return StateRunning
}

// pulseLogger wraps zap.SugaredLogger with the lifecycle vocabulary.
// Levels give the visual distinction:
//   - DEBUG level: Starting (✿ run openings, recovery)
//   - WARN level: Closing (❀ run endings)
//   - INFO level: Pulse (everything in between)
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// Config tunes one executor.
type Config struct {
	Retry RetryPolicy
	// DiscoveryTimeout is the wall-clock ceiling for discovering one target.
	DiscoveryTimeout time.Duration
	// DiscoveryIdleTimeout ends discovery of a target when no new qualifying item turned up for this long.
	DiscoveryIdleTimeout time.Duration
	// MaxPagesPerTarget bounds discovery calls for one target.
	MaxPagesPerTarget int
	// PollInterval is the countdown tick of the post-comment cool-down.
	PollInterval time.Duration
	// DefaultCommentTemplates are used when neither the generator nor the settings provide text.
	DefaultCommentTemplates []string
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Retry:                DefaultRetryPolicy(),
		DiscoveryTimeout:     10 * time.Minute,
		DiscoveryIdleTimeout: 90 * time.Second,
		MaxPagesPerTarget:    200,
		PollInterval:         5 * time.Second,
		DefaultCommentTemplates: []string{
			"Thanks for sharing this.",
			"Great insight, appreciate the post.",
			"Really interesting perspective.",
		},
	}
}

// Deps are the collaborators an executor drives.
type Deps struct {
	Store    store.Store
	History  *run.History
	Quota    *quota.Tracker
	Agent    agent.PageAgent
	Gate     agent.FeatureGate      // optional, allows everything when nil
	Comments agent.CommentGenerator // optional, templates only when nil
	Emitter  ProgressEmitter        // optional
	Logger   *zap.SugaredLogger     // optional
	Clock    func() time.Time       // optional, injectable for testing
}

// activeRun is the state of the run in flight.
type activeRun struct {
	session       *run.Session
	stop          chan struct{}
	stopOnce      sync.Once
	stopRequested bool
	done          chan struct{}
}

// Executor runs one family's jobs, one at a time. State lives on the
// instance, so families run side by side without sharing anything but the
// store and the quota counters.
type Executor struct {
	family   run.Family
	cfg      Config
	store    store.Store
	history  *run.History
	quota    *quota.Tracker
	agent    agent.PageAgent
	gate     agent.FeatureGate
	comments agent.CommentGenerator
	emitter  ProgressEmitter
	log      pulseLogger
	timeNow  func() time.Time

	mu       sync.Mutex
	state    State
	cur      *activeRun
	progress *Progress
	last     *run.Session
}

// New creates an idle executor for family.
func New(family run.Family, cfg Config, deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = logger.ComponentLogger("pulse.executor")
	}
	if deps.Gate == nil {
		deps.Gate = agent.AllowAll{}
	}
	if deps.Emitter == nil {
		deps.Emitter = nopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.History == nil {
		deps.History = run.NewHistory(deps.Store, 0)
	}
	if cfg.MaxPagesPerTarget <= 0 {
		cfg.MaxPagesPerTarget = DefaultConfig().MaxPagesPerTarget
	}
	if len(cfg.DefaultCommentTemplates) == 0 {
		cfg.DefaultCommentTemplates = DefaultConfig().DefaultCommentTemplates
	}
	return &Executor{
		family:   family,
		cfg:      cfg,
		store:    deps.Store,
		history:  deps.History,
		quota:    deps.Quota,
		agent:    deps.Agent,
		gate:     deps.Gate,
		comments: deps.Comments,
		emitter:  deps.Emitter,
		log:      pulseLogger{deps.Logger.With(logger.FieldFamily, family)},
		timeNow:  deps.Clock,
		state:    StateIdle,
	}
}

// Family is the family this executor serves.
func (e *Executor) Family() run.Family { return e.family }

// Option adjusts how a run is recorded.
type Option func(*run.Session)

// WithSchedule marks the run as triggered by the schedule at hh:mm.
func WithSchedule(at string) Option {
	return func(s *run.Session) {
		s.Trigger = run.TriggerSchedule
		s.ScheduleTime = at
	}
}

// Run executes a run to completion and returns the final session.
// A run already in progress is rejected with errors.ErrRunInProgress.
func (e *Executor) Run(ctx context.Context, settings run.Settings, opts ...Option) (*run.Session, error) {
	ar, err := e.begin(ctx, settings, opts)
	if err != nil {
		return nil, err
	}
	e.execute(ctx, ar, settings)

	e.mu.Lock()
	defer e.mu.Unlock()
	return ar.session.Clone(), nil
}

// Start transitions to Running synchronously and executes in the background.
// It returns the session as created.
func (e *Executor) Start(ctx context.Context, settings run.Settings, opts ...Option) (*run.Session, error) {
	ar, err := e.begin(ctx, settings, opts)
	if err != nil {
		return nil, err
	}
	started := ar.session.Clone()
	go e.execute(ctx, ar, settings)
	return started, nil
}

// Wait blocks until the run in flight (if any) ends and returns the last session.
func (e *Executor) Wait(ctx context.Context) (*run.Session, error) {
	e.mu.Lock()
	cur := e.cur
	e.mu.Unlock()
	if cur != nil {
		select {
		case <-cur.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.LastSession(), nil
}

// StopResult is the answer to a stop request.
type StopResult struct {
	Stopped   bool   `json:"stopped"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// Stop asks the run in flight to stop at its next poll point. It is
// idempotent: with no run in flight it succeeds with a message and touches nothing.
func (e *Executor) Stop() StopResult {
	e.mu.Lock()
	cur := e.cur
	if cur == nil {
		e.mu.Unlock()
		return StopResult{Stopped: false, Message: "No run in progress"}
	}
	already := cur.stopRequested
	cur.stopRequested = true
	id := cur.session.ID
	e.mu.Unlock()

	cur.stopOnce.Do(func() { close(cur.stop) })
	if already {
		return StopResult{Stopped: true, SessionID: id, Message: "Stop already requested"}
	}
	e.log.Pulse("Stop requested", logger.FieldRunID, id)
	return StopResult{Stopped: true, SessionID: id, Message: "Stop requested"}
}

// IsActive reports whether a run is in flight.
func (e *Executor) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

// State is the current lifecycle state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress is the live progress of the run in flight, or nil.
func (e *Executor) Progress() *Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.progress == nil {
		return nil
	}
	p := *e.progress
	return &p
}

// CurrentSession is a snapshot of the session in flight, or nil.
func (e *Executor) CurrentSession() *run.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return nil
	}
	return e.cur.session.Clone()
}

// LastSession is the most recent session this executor ran (in flight or finished).
func (e *Executor) LastSession() *run.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		return e.cur.session.Clone()
	}
	return e.last.Clone()
}

// begin performs steps 1 and 2: claim Running, persist the active flag and
// the started session.
func (e *Executor) begin(ctx context.Context, settings run.Settings, opts []Option) (*activeRun, error) {
	now := e.timeNow()
	sess := run.NewSession(e.family, settings, run.TriggerManual, now)
	for _, opt := range opts {
		opt(sess)
	}

	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrRunInProgress, "%s run rejected", e.family)
	}
	ar := &activeRun{session: sess, stop: make(chan struct{}), done: make(chan struct{})}
	e.cur = ar
	e.state = StateRunning
	e.progress = nil
	e.mu.Unlock()

	rec := ActiveRecord{SessionID: sess.ID, StartedAt: now, PID: os.Getpid()}
	if err := claimActive(ctx, e.store, e.family, rec); err != nil {
		e.mu.Lock()
		e.cur = nil
		e.state = StateIdle
		e.mu.Unlock()
		close(ar.done)
		if errors.Is(err, errors.ErrRunInProgress) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to persist active run flag")
	}

	if err := e.history.Upsert(ctx, sess.Clone()); err != nil {
		e.log.Errorw("Failed to persist started session", logger.FieldRunID, sess.ID, "error", err)
	}

	e.log.Starting("Run started",
		logger.FieldRunID, sess.ID,
		"query", sess.Query,
		"target", sess.Target,
		logger.FieldTrigger, sess.Trigger,
	)
	e.emitter.EmitState(e.family, StateRunning, sess.Clone())
	return ar, nil
}

// finish is the single exit of every run. Session.Finalize guards against a
// second terminal write.
func (e *Executor) finish(ctx context.Context, ar *activeRun, status run.Status, errMsg string) {
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	finalized := ar.session.Finalize(status, errMsg, e.timeNow())
	final := ar.session.Clone()
	e.mu.Unlock()
	if !finalized {
		return
	}

	if err := e.store.Delete(ctx, ActiveKey(e.family)); err != nil {
		e.log.Errorw("Failed to clear active run flag", logger.FieldRunID, final.ID, "error", err)
	}
	if err := e.store.Delete(ctx, ProgressKey(e.family)); err != nil {
		e.log.Errorw("Failed to clear run progress", logger.FieldRunID, final.ID, "error", err)
	}
	if err := e.history.Upsert(ctx, final); err != nil {
		if db.IsDatabaseClosed(err) {
			// The active flag survives too, so the next start marks the session interrupted.
			e.log.Warnw("Database closed before the final session was saved", logger.FieldRunID, final.ID)
		} else {
			e.log.Errorw("Failed to persist final session", logger.FieldRunID, final.ID, "error", err)
		}
	}

	terminal := stateFor(status)
	e.mu.Lock()
	e.state = terminal
	e.emitter.EmitState(e.family, terminal, final.Clone())
	e.last = final
	e.cur = nil
	e.progress = nil
	e.state = StateIdle
	e.mu.Unlock()
	close(ar.done)

	fields := []interface{}{
		logger.FieldRunID, final.ID,
		logger.FieldStatus, final.Status,
		logger.FieldProcessed, final.Processed,
		"successful", final.Successful,
		"duration", final.Duration.String(),
	}
	if final.Error != "" {
		fields = append(fields, logger.FieldError, final.Error)
	}
	e.log.Closing("Run finished", fields...)
}
