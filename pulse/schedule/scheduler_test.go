package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/agent/fixture"
	"github.com/teranos/engage/errors"
	testdb "github.com/teranos/engage/internal/testing"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/hours"
	"github.com/teranos/engage/pulse/quota"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeRunner records the settings and trigger of every run.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []run.Settings
	sessions []*run.Session
	err      error
}

func (r *fakeRunner) Run(_ context.Context, settings run.Settings, opts ...executor.Option) (*run.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, settings)
	if r.err != nil {
		return nil, r.err
	}
	sess := run.NewSession(run.FamilyKeyword, settings, run.TriggerManual, time.Now())
	for _, opt := range opts {
		opt(sess)
	}
	sess.Processed = settings.Quota
	sess.Finalize(run.StatusCompleted, "", time.Now())
	r.sessions = append(r.sessions, sess)
	return sess, nil
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(note Notification) {
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
}

type denyAll struct{}

func (denyAll) Allowed(context.Context, string) bool { return false }

func likeDefaults() run.Settings {
	return run.Settings{Source: run.SourceKeyword, Keywords: []string{"golang"}, Quota: 5, Actions: run.Actions{Like: true}}
}

type fixture struct {
	store    store.Store
	clock    *fakeClock
	timer    *FakeTimer
	runner   *fakeRunner
	notifier *recordingNotifier
	log      *ExecutionLog
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	s := store.NewSQLiteStore(testdb.CreateTestDB(t), nil)
	return &fixture{
		store:    s,
		clock:    &fakeClock{now: now},
		timer:    &FakeTimer{},
		runner:   &fakeRunner{},
		notifier: &recordingNotifier{},
		log:      NewExecutionLog(s, 0),
	}
}

func (f *fixture) scheduler(t *testing.T, cfg Config, gate agent.FeatureGate) *Scheduler {
	t.Helper()
	s := New(run.FamilyKeyword, likeDefaults(), cfg, Deps{
		Store:      f.store,
		Runner:     f.runner,
		Timer:      f.timer,
		Gate:       gate,
		Notifier:   f.notifier,
		Executions: f.log,
		Clock:      f.clock.Now,
	})
	require.NoError(t, s.Load(context.Background()))
	return s
}

func noHours() Config {
	cfg := DefaultConfig()
	cfg.BusinessHours.Enabled = false
	return cfg
}

func (f *fixture) armedAt(t *testing.T) time.Time {
	t.Helper()
	fireAt, ok := f.timer.Armed()
	require.True(t, ok, "timer should be armed")
	return fireAt
}

func TestScheduler_ArmsSingleTimerForSoonest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 10, 0, 0))
	s := f.scheduler(t, noHours(), nil)

	// Given: two schedules added while disabled
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("14:00")}))
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00")}))
	_, armed := f.timer.Armed()
	assert.False(t, armed)

	// When: enabled at 10:00
	require.NoError(t, s.Enable(ctx))

	// Then: one timer targets 14:00 today
	assert.True(t, at(21, 14, 0, 0).Equal(f.armedAt(t)))
	occ, ok := s.Armed()
	require.True(t, ok)
	assert.Equal(t, "14:00", occ.Schedule.Time.String())

	// And: removing 14:00 re-arms for 09:00 tomorrow
	require.NoError(t, s.Remove(ctx, MustClockTime("14:00")))
	assert.True(t, at(22, 9, 0, 0).Equal(f.armedAt(t)))

	// And: disabling disarms
	require.NoError(t, s.Disable(ctx))
	_, armed = f.timer.Armed()
	assert.False(t, armed)
}

func TestScheduler_FireRunsMatchedScheduleAndRearms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 8, 0, 0))
	s := f.scheduler(t, noHours(), nil)

	// Given: the family defaults plus a 09:00 entry with its own keywords and quota
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00"), Settings: run.Settings{Keywords: []string{"hiring"}, Quota: 3}}))
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("14:00")}))
	require.NoError(t, s.Enable(ctx))
	require.True(t, at(21, 9, 0, 0).Equal(f.armedAt(t)))

	// When: the timer fires at 09:00:20
	f.clock.Set(at(21, 9, 0, 20))
	require.True(t, f.timer.Fire())

	// Then: the 09:00 settings ran, merged over the defaults
	require.Equal(t, 1, f.runner.Calls())
	got := f.runner.calls[0]
	assert.Equal(t, []string{"hiring"}, got.Keywords)
	assert.Equal(t, 3, got.Quota)
	assert.True(t, got.Actions.Like)
	assert.Equal(t, run.TriggerSchedule, f.runner.sessions[0].Trigger)
	assert.Equal(t, "09:00", f.runner.sessions[0].ScheduleTime)

	// And: an execution was recorded and the timer moved on to 14:00
	execs, err := f.log.List(ctx, run.FamilyKeyword, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Success)
	assert.Equal(t, run.StatusCompleted, execs[0].Status)
	assert.Equal(t, f.runner.sessions[0].ID, execs[0].SessionID)
	assert.Equal(t, "09:00", execs[0].Schedule.Time.String())
	assert.True(t, at(21, 14, 0, 0).Equal(f.armedAt(t)))
}

func TestScheduler_ScheduledKeywordRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 8, 0, 0))
	tracker := quota.NewTracker(quota.NewKVBackend(f.store, quota.ModeReset), quota.Limits{quota.Likes: 50}, nil)

	// Given: 5 posts found for "hiring", 3 of them with at least 10 likes
	likes := []int{20, 1, 15, 2, 30}
	items := make([]fixture.Item, len(likes))
	for i, n := range likes {
		items[i] = fixture.Item{
			WorkItem: agent.WorkItem{ID: fmt.Sprintf("p%d", i+1), Metrics: agent.Metrics{Likes: n}},
			Keywords: []string{"hiring"},
		}
	}
	pages := fixture.New(fixture.File{Items: items})
	cfg := executor.DefaultConfig()
	cfg.Retry = executor.RetryPolicy{MaxAttempts: 1}
	ex := executor.New(run.FamilyKeyword, cfg, executor.Deps{Store: f.store, Quota: tracker, Agent: pages})

	defaults := likeDefaults()
	defaults.Qualification = run.Qualification{MinLikes: 10}
	s := New(run.FamilyKeyword, defaults, noHours(), Deps{
		Store:      f.store,
		Runner:     ex,
		Timer:      f.timer,
		Executions: f.log,
		Clock:      f.clock.Now,
	})
	require.NoError(t, s.Load(ctx))

	// And: one schedule at 09:00 liking up to 3 "hiring" posts, no comments
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00"), Settings: run.Settings{
		Keywords: []string{"hiring"},
		Quota:    3,
		Actions:  run.Actions{Like: true, Comment: false},
	}}))
	require.NoError(t, s.Enable(ctx))

	// When: the 09:00 timer fires
	f.clock.Set(at(21, 9, 0, 0))
	require.True(t, f.timer.Fire())

	// Then: the session completed with the three qualifying posts processed
	execs, err := f.log.List(ctx, run.FamilyKeyword, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.True(t, execs[0].Success, execs[0].Error)

	sess, err := run.NewHistory(f.store, 0).Get(ctx, execs[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, sess.Status)
	assert.Equal(t, 3, sess.Processed)
	assert.Equal(t, run.TriggerSchedule, sess.Trigger)
	assert.Equal(t, "09:00", sess.ScheduleTime)

	// And: likes were counted exactly three times
	summary, err := tracker.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Get(quota.Likes).Count)
	assert.Len(t, pages.Performed(), 3)
	for _, p := range pages.Performed() {
		assert.Equal(t, agent.ActionLike, p.Kind)
		assert.Contains(t, []string{"p1", "p3", "p5"}, p.ItemID)
	}
}

func TestScheduler_SameOccurrenceRunsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 8, 59, 0))
	s := f.scheduler(t, noHours(), nil)
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00")}))
	require.NoError(t, s.Enable(ctx))

	// When: the timer fires a few seconds early and the run is instant
	f.clock.Set(at(21, 8, 59, 58))
	require.True(t, f.timer.Fire())

	// Then: the re-arm targets tomorrow, not the occurrence just handled
	assert.Equal(t, 1, f.runner.Calls())
	assert.True(t, at(22, 9, 0, 0).Equal(f.armedAt(t)))
}

func TestScheduler_AdjacentSchedulesEachRunOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 8, 0, 0))
	s := f.scheduler(t, noHours(), nil)

	// Given: two schedules one minute apart, both inside the match tolerance
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00"), Settings: run.Settings{Keywords: []string{"first"}}}))
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:01"), Settings: run.Settings{Keywords: []string{"second"}}}))
	require.NoError(t, s.Enable(ctx))

	// When: 09:00 fires, then the armed 09:01 fires
	f.clock.Set(at(21, 9, 0, 0))
	require.True(t, f.timer.Fire())
	require.True(t, at(21, 9, 1, 0).Equal(f.armedAt(t)))
	f.clock.Set(at(21, 9, 1, 0))
	require.True(t, f.timer.Fire())

	// Then: each schedule ran with its own settings, in order
	require.Equal(t, 2, f.runner.Calls())
	assert.Equal(t, []string{"first"}, f.runner.calls[0].Keywords)
	assert.Equal(t, []string{"second"}, f.runner.calls[1].Keywords)
	assert.Equal(t, "09:01", f.runner.sessions[1].ScheduleTime)

	// And: the next arm is tomorrow's 09:00
	assert.True(t, at(22, 9, 0, 0).Equal(f.armedAt(t)))
}

// blockingRunner holds a run open until its context is cancelled.
type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, _ run.Settings, _ ...executor.Option) (*run.Session, error) {
	close(r.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestScheduler_StopWaitsForFireAndStaysDisarmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 8, 0, 0))
	runner := &blockingRunner{started: make(chan struct{})}
	s := New(run.FamilyKeyword, likeDefaults(), noHours(), Deps{
		Store:      f.store,
		Runner:     runner,
		Timer:      f.timer,
		Executions: f.log,
		Clock:      f.clock.Now,
	})
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00")}))
	require.NoError(t, s.Enable(ctx))

	// Given: a scheduled run in flight
	f.clock.Set(at(21, 9, 0, 0))
	fired := make(chan struct{})
	go func() {
		f.timer.Fire()
		close(fired)
	}()
	<-runner.started

	// When: the scheduler is stopped
	s.Stop()

	// Then: Stop returned only after the fire recorded its execution
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("fire still running after Stop returned")
	}
	execs, err := f.log.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Success)

	// And: the fire's re-arm did not bring the timer back
	_, armed := f.timer.Armed()
	assert.False(t, armed)
	_, ok := s.Armed()
	assert.False(t, ok)

	// And: a late fire after Stop does nothing
	s.Fire(ctx)
	_, armed = f.timer.Armed()
	assert.False(t, armed)
	execs, err = f.log.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestScheduler_BusinessHoursSuppression(t *testing.T) {
	tests := []struct {
		name       string
		now        time.Time
		wantRun    bool
		wantNotify bool
	}{
		{"saturday is suppressed", at(17, 10, 0, 0), false, true},
		{"wednesday runs", at(21, 10, 0, 0), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tt.now.Add(-time.Hour))
			cfg := DefaultConfig()
			cfg.BusinessHours = hours.Config{Enabled: true, WorkDays: hours.Weekdays, StartHour: 9, EndHour: 18}
			s := f.scheduler(t, cfg, nil)
			require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("10:00")}))
			require.NoError(t, s.Enable(ctx))

			f.clock.Set(tt.now)
			require.True(t, f.timer.Fire())

			assert.Equal(t, tt.wantRun, f.runner.Calls() == 1)
			assert.Equal(t, tt.wantNotify, len(f.notifier.notes) == 1)
			if tt.wantNotify {
				note := f.notifier.notes[0]
				assert.Contains(t, note.Message, "outside business hours (Mon-Fri 09:00-18:00)")
				assert.Contains(t, note.Message, "Next window opens Mon 09:00")

				execs, err := f.log.List(ctx, "", 0)
				require.NoError(t, err)
				require.Len(t, execs, 1)
				assert.Equal(t, SkipOutsideBusinessHours, execs[0].Skipped)
				assert.False(t, execs[0].Success)
			}

			// Suppression is a normal skip: the next occurrence is armed either way
			f.armedAt(t)
		})
	}
}

func TestScheduler_StaleFireRearmsWithoutRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 8, 0, 0))
	s := f.scheduler(t, noHours(), nil)
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00")}))
	require.NoError(t, s.Enable(ctx))

	// When: a drifted timer fires at 08:30
	f.clock.Set(at(21, 8, 30, 0))
	require.True(t, f.timer.Fire())

	// Then: nothing runs and 09:00 today is armed again
	assert.Zero(t, f.runner.Calls())
	assert.True(t, at(21, 9, 0, 0).Equal(f.armedAt(t)))
	execs, err := f.log.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestScheduler_FeatureGateDenialRearms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 8, 0, 0))
	s := f.scheduler(t, noHours(), denyAll{})
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00")}))
	require.NoError(t, s.Enable(ctx))

	f.clock.Set(at(21, 9, 0, 0))
	require.True(t, f.timer.Fire())

	assert.Zero(t, f.runner.Calls())
	assert.True(t, at(22, 9, 0, 0).Equal(f.armedAt(t)))

	execs, err := f.log.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, SkipFeatureDenied, execs[0].Skipped)
}

func TestScheduler_RejectedRunIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 8, 0, 0))
	f.runner.err = errors.Wrap(errors.ErrRunInProgress, "keyword run rejected")
	s := f.scheduler(t, noHours(), nil)
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00")}))
	require.NoError(t, s.Enable(ctx))

	f.clock.Set(at(21, 9, 0, 0))
	require.True(t, f.timer.Fire())

	execs, err := f.log.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Success)
	assert.Contains(t, execs[0].Error, "already in progress")
	f.armedAt(t)
}

func TestScheduler_StatusIsPureRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 10, 0, 0))
	s := f.scheduler(t, noHours(), nil)
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00")}))
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("14:00"), Label: "afternoon"}))
	require.NoError(t, s.Enable(ctx))
	arms := f.timer.Arms()

	st := s.Status(at(21, 10, 0, 0))

	assert.True(t, st.Enabled)
	assert.Len(t, st.Schedules, 2)
	require.NotNil(t, st.Next)
	assert.Equal(t, "14:00", st.Next.Time.String())
	assert.Equal(t, "afternoon", st.Next.Label)
	assert.Equal(t, 4*time.Hour, st.Next.TimeUntil.Std())
	assert.Equal(t, "04:00:00", st.Next.Countdown)
	assert.Equal(t, arms, f.timer.Arms(), "status must not re-arm")

	require.NoError(t, s.Disable(ctx))
	assert.Nil(t, s.Status(at(21, 10, 0, 0)).Next)
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 10, 0, 0))
	s := New(run.FamilyKeyword, run.Settings{}, noHours(), Deps{Store: f.store, Runner: f.runner, Timer: f.timer, Clock: f.clock.Now})
	require.NoError(t, s.Load(ctx))

	err := s.Add(ctx, Schedule{Time: MustClockTime("09:00"), Settings: run.Settings{Source: run.SourceURL, Quota: 5, Actions: run.Actions{Like: true}}})

	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Empty(t, s.Set().Schedules)
}

func TestScheduler_PersistsAndResyncs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 10, 0, 0))
	s := f.scheduler(t, noHours(), nil)
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00")}))
	require.NoError(t, s.Enable(ctx))

	// Given: another process edits the same family's schedules
	other := New(run.FamilyKeyword, likeDefaults(), noHours(), Deps{Store: f.store, Runner: f.runner, Timer: &FakeTimer{}, Clock: func() time.Time { return at(21, 10, 5, 0) }})
	require.NoError(t, other.Load(ctx))
	assert.True(t, other.Set().Enabled)
	require.NoError(t, other.Add(ctx, Schedule{Time: MustClockTime("12:00")}))

	// When: this scheduler resyncs
	changed, err := s.Resync(ctx)
	require.NoError(t, err)

	// Then: it picks up the edit and re-arms for 12:00
	assert.True(t, changed)
	assert.Len(t, s.Set().Schedules, 2)
	assert.True(t, at(21, 12, 0, 0).Equal(f.armedAt(t)))

	changed, err = s.Resync(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestScheduler_ReplaceDefaults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(21, 8, 0, 0))
	s := f.scheduler(t, noHours(), nil)
	require.NoError(t, s.Add(ctx, Schedule{Time: MustClockTime("09:00")}))
	require.NoError(t, s.Enable(ctx))

	require.NoError(t, s.ReplaceDefaults(ctx, run.Settings{Source: run.SourceFeed, Quota: 7, Actions: run.Actions{Follow: true}}))

	f.clock.Set(at(21, 9, 0, 0))
	require.True(t, f.timer.Fire())
	require.Equal(t, 1, f.runner.Calls())
	assert.Equal(t, run.SourceFeed, f.runner.calls[0].Source)
	assert.Equal(t, 7, f.runner.calls[0].Quota)
}

func TestExecutionLog_Bounded(t *testing.T) {
	ctx := context.Background()
	s := store.NewSQLiteStore(testdb.CreateTestDB(t), nil)
	l := NewExecutionLog(s, 0)

	for i := 0; i < 55; i++ {
		require.NoError(t, l.Append(ctx, Execution{Family: run.FamilyKeyword, Timestamp: at(21, 0, i, 0)}))
	}

	execs, err := l.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, execs, DefaultExecutionLimit)
	assert.True(t, at(21, 0, 54, 0).Equal(execs[0].Timestamp), "most recent first")
	assert.NotEmpty(t, execs[0].ID)

	none, err := l.List(ctx, run.FamilyPeopleSearch, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
