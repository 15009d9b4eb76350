package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/engage/errors"
)

func TestRetryPolicy_LinearBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
}

func TestRetryPolicy_SucceedsAfterFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	w := waiter{stop: make(chan struct{})}

	var failures []int
	attempts, err := p.do(context.Background(), w,
		func(attempt int, err error) { failures = append(failures, attempt) },
		func(attempt int) error {
			if attempt < 3 {
				return errors.New("flaky")
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, failures)
}

func TestRetryPolicy_Exhaustion(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	w := waiter{stop: make(chan struct{})}

	attempts, err := p.do(context.Background(), w, nil, func(int) error { return errors.New("element missing") })

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, err.Error(), "gave up after 2 attempts")
	assert.Contains(t, err.Error(), "element missing")
	assert.NotErrorIs(t, err, errStopRequested)
}

func TestRetryPolicy_StopInterruptsBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}
	stop := make(chan struct{})
	w := waiter{stop: stop}

	begin := time.Now()
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(stop)
	}()
	attempts, err := p.do(context.Background(), w, nil, func(int) error { return errors.New("nope") })

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, errStopRequested)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestWaiter_SleepHonorsContext(t *testing.T) {
	w := waiter{stop: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaiter_CountdownReportsRemaining(t *testing.T) {
	w := waiter{stop: make(chan struct{})}

	var reported []time.Duration
	err := w.countdown(context.Background(), 25*time.Millisecond, 10*time.Millisecond, func(d time.Duration) {
		reported = append(reported, d)
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{25 * time.Millisecond, 15 * time.Millisecond, 5 * time.Millisecond}, reported)
}

func TestWaitingStep(t *testing.T) {
	assert.Equal(t, "Waiting 45s", waitingStep(45*time.Second))
	assert.Equal(t, "Waiting 5s", waitingStep(4600*time.Millisecond))
}
