package quota

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBackendKeyLayout(t *testing.T) {
	b := NewRedisBackend(nil, "")
	assert.Equal(t, "engage:quota:2026-10-19:likes", b.key("2026-10-19", Likes))
}

// Runs against a real server when ENGAGE_TEST_REDIS_ADDR is set.
func TestRedisBackendAgainstServer(t *testing.T) {
	addr := os.Getenv("ENGAGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ENGAGE_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	prefix := fmt.Sprintf("engage-test:%d", time.Now().UnixNano())
	tracker := NewTrackerWithClock(NewRedisBackend(client, prefix), Limits{Likes: 2}, nil,
		func() time.Time { return day(19, 10) })

	inc, err := tracker.Increment(ctx, Likes)
	require.NoError(t, err)
	assert.Equal(t, 1, inc.Count)

	allowed, err := tracker.CheckAndReserve(ctx, Likes)
	require.NoError(t, err)
	assert.True(t, allowed)

	_, err = tracker.Increment(ctx, Likes)
	require.NoError(t, err)
	allowed, err = tracker.CheckAndReserve(ctx, Likes)
	require.NoError(t, err)
	assert.False(t, allowed)

	// A new day is a new key: nothing to reset
	next := NewTrackerWithClock(NewRedisBackend(client, prefix), Limits{Likes: 2}, nil,
		func() time.Time { return day(20, 10) })
	summary, err := next.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Get(Likes).Count)
}
