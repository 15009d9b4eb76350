package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/errors"
	testdb "github.com/teranos/engage/internal/testing"
	"github.com/teranos/engage/store"
)

// fakeClock is a settable clock for trackers under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

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

func day(d int, hour int) time.Time {
	return time.Date(2026, time.October, d, hour, 0, 0, 0, time.Local)
}

func newStore(t *testing.T) *store.SQLiteStore {
	return store.NewSQLiteStore(testdb.CreateTestDB(t), nil)
}

func TestTracker_ResetInPlaceOnNewDay(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	clock := newFakeClock(day(18, 22))
	tracker := NewTrackerWithClock(NewKVBackend(s, ModeReset), Limits{Likes: 10}, nil, clock.Now)

	// Given: 3 likes recorded on the 18th
	for i := 0; i < 3; i++ {
		_, err := tracker.Increment(ctx, Likes)
		require.NoError(t, err)
	}

	// When: the summary is read on the 19th
	clock.Set(day(19, 8))
	summary, err := tracker.Summary(ctx)
	require.NoError(t, err)

	// Then: today's counts are zero and the single record was re-stamped in place
	assert.Equal(t, "2026-10-19", summary.Date)
	assert.Equal(t, 0, summary.Get(Likes).Count)

	var rec record
	require.NoError(t, store.GetJSON(ctx, s, countersKey, &rec))
	assert.Equal(t, "2026-10-19", rec.Date)
	assert.Empty(t, rec.Counts)
}

func TestTracker_PerDateKeepsHistory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	clock := newFakeClock(day(18, 22))
	backend := NewKVBackend(s, ModePerDate)
	tracker := NewTrackerWithClock(backend, Limits{Likes: 10}, nil, clock.Now)

	// Given: 3 likes on the 18th
	for i := 0; i < 3; i++ {
		_, err := tracker.Increment(ctx, Likes)
		require.NoError(t, err)
	}

	// When: one like on the 19th
	clock.Set(day(19, 9))
	allowed, err := tracker.CheckAndReserve(ctx, Likes)
	require.NoError(t, err)
	require.True(t, allowed)
	inc, err := tracker.Increment(ctx, Likes)
	require.NoError(t, err)

	// Then: today starts from zero and the 18th is untouched
	assert.Equal(t, 1, inc.Count)
	history, err := tracker.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "2026-10-19", history[0].Date)
	assert.Equal(t, 1, history[0].Counts[Likes])
	assert.Equal(t, "2026-10-18", history[1].Date)
	assert.Equal(t, 3, history[1].Counts[Likes])
}

// countsOnly hides History, like the Redis backend.
type countsOnly struct{ Backend }

func TestTracker_HistoryWithoutStoredDays(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(day(19, 10))
	tracker := NewTrackerWithClock(countsOnly{NewKVBackend(newStore(t), ModePerDate)}, nil, nil, clock.Now)
	_, err := tracker.Increment(ctx, Likes)
	require.NoError(t, err)

	history, err := tracker.History(ctx)

	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "2026-10-19", history[0].Date)
	assert.Equal(t, 1, history[0].Counts[Likes])
}

func TestTracker_CheckAndReserve(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(day(19, 10))
	tracker := NewTrackerWithClock(NewKVBackend(newStore(t), ModeReset),
		Limits{Likes: 2, Shares: 0}, nil, clock.Now)

	allowed, err := tracker.CheckAndReserve(ctx, Likes)
	require.NoError(t, err)
	assert.True(t, allowed)

	for i := 0; i < 2; i++ {
		_, err := tracker.Increment(ctx, Likes)
		require.NoError(t, err)
	}
	allowed, err = tracker.CheckAndReserve(ctx, Likes)
	require.NoError(t, err)
	assert.False(t, allowed, "count == limit is denied")

	allowed, err = tracker.CheckAndReserve(ctx, Shares)
	require.NoError(t, err)
	assert.False(t, allowed, "limit 0 allows nothing")

	allowed, err = tracker.CheckAndReserve(ctx, Follows)
	require.NoError(t, err)
	assert.True(t, allowed, "no limit configured")
}

func TestTracker_IncrementReportsExceeded(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewKVBackend(newStore(t), ModeReset), Limits{Comments: 1}, nil)

	first, err := tracker.Increment(ctx, Comments)
	require.NoError(t, err)
	assert.False(t, first.Exceeded)

	// A concurrent consumer took the slot we checked for
	second, err := tracker.Increment(ctx, Comments)
	require.NoError(t, err)
	assert.True(t, second.Exceeded)
	assert.Equal(t, 2, second.Count)
	assert.Equal(t, 1, second.Limit)

	unlimited, err := tracker.Increment(ctx, Follows)
	require.NoError(t, err)
	assert.False(t, unlimited.Limited)
	assert.False(t, unlimited.Exceeded)
}

type countingBackend struct {
	reads int
	err   error
}

func (b *countingBackend) Counts(context.Context, string) (Counts, error) {
	b.reads++
	if b.err != nil {
		return nil, b.err
	}
	return Counts{}, nil
}

func (b *countingBackend) Increment(context.Context, string, Category) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	return 1, nil
}

func TestTracker_UnlimitedCategoryNeverReads(t *testing.T) {
	backend := &countingBackend{err: errors.New("unreachable")}
	tracker := NewTracker(backend, Limits{Likes: 5}, nil)

	allowed, err := tracker.CheckAndReserve(context.Background(), Connections)

	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, backend.reads)
}

func TestTracker_FailsClosedWhenStateUnreadable(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	// Given: the counters record cannot be read
	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs(countersKey).
		WillReturnError(errors.New("disk I/O error"))

	tracker := NewTracker(NewKVBackend(store.NewSQLiteStore(conn, nil), ModeReset), Limits{Likes: 100}, nil)

	// When: a limited category is checked
	allowed, err := tracker.CheckAndReserve(context.Background(), Likes)

	// Then: the action is denied and the read error surfaces
	assert.False(t, allowed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_FailsClosedOnMalformedRecord(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Set(ctx, countersKey, []byte("{not json")))
	tracker := NewTracker(NewKVBackend(s, ModeReset), Limits{Likes: 100}, nil)

	allowed, err := tracker.CheckAndReserve(ctx, Likes)

	assert.False(t, allowed)
	assert.Error(t, err)
}

func TestTracker_IncrementErrorIsReturned(t *testing.T) {
	tracker := NewTracker(&countingBackend{err: errors.New("locked")}, Limits{Likes: 5}, nil)

	_, err := tracker.Increment(context.Background(), Likes)

	assert.Error(t, err)
}

func TestTracker_SummaryPercentages(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewKVBackend(newStore(t), ModeReset), Limits{Likes: 3, Comments: 0}, nil)
	_, err := tracker.Increment(ctx, Likes)
	require.NoError(t, err)

	summary, err := tracker.Summary(ctx)
	require.NoError(t, err)

	require.Len(t, summary.Categories, len(Categories))
	likes := summary.Get(Likes)
	assert.Equal(t, 1, likes.Count)
	assert.Equal(t, 3, likes.Limit)
	assert.Equal(t, 33.3, likes.PercentageUsed)
	assert.True(t, summary.Get(Comments).Limited)
	assert.False(t, summary.Get(Shares).Limited)
}

func TestTracker_SetLimitsHotReload(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewKVBackend(newStore(t), ModeReset), Limits{Likes: 0}, nil)

	allowed, _ := tracker.CheckAndReserve(ctx, Likes)
	assert.False(t, allowed)

	tracker.SetLimits(Limits{Likes: 10})
	allowed, err := tracker.CheckAndReserve(ctx, Likes)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTracker_PolicyDefaultsToStop(t *testing.T) {
	tracker := NewTracker(&countingBackend{}, nil, nil)
	tracker.SetPolicies(map[Category]ExceededPolicy{Comments: PolicyFail, Likes: "bogus"})

	assert.Equal(t, PolicyFail, tracker.Policy(Comments))
	assert.Equal(t, PolicyStop, tracker.Policy(Likes))
	assert.Equal(t, PolicyStop, tracker.Policy(Shares))
}

func TestTracker_DenialErrorCarriesHint(t *testing.T) {
	tracker := NewTracker(&countingBackend{}, Limits{Likes: 100}, nil)

	err := tracker.DenialError(Likes)

	assert.True(t, errors.Is(err, errors.ErrQuotaExceeded))
	assert.Contains(t, err.Error(), "daily likes limit of 100 reached")
	assert.Contains(t, errors.FlattenHints(err), "quota.limits.likes")
}

// Two families sharing the likes counter must never lose an increment.
func TestTracker_ConcurrentFamiliesShareCounters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	keyword := NewTracker(NewKVBackend(s, ModeReset), nil, nil)
	people := NewTracker(NewKVBackend(s, ModeReset), nil, nil)

	var wg sync.WaitGroup
	for _, tr := range []*Tracker{keyword, people} {
		wg.Add(1)
		go func(tr *Tracker) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := tr.Increment(ctx, Likes)
				assert.NoError(t, err)
			}
		}(tr)
	}
	wg.Wait()

	summary, err := keyword.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, summary.Get(Likes).Count)
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, Likes, CategoryFor(agent.ActionLike))
	assert.Equal(t, Connections, CategoryFor(agent.ActionConnect))
	assert.True(t, Comments.Valid())
	assert.False(t, Category("retweets").Valid())
}
