package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/engage/errors"
)

// errStopRequested unwinds a run after Stop. It is never surfaced as a failure.
var errStopRequested = errors.New("stop requested")

// waiter performs the interruptible waits of one run. Every delay selects on
// its timer, the run's stop channel and the context, so a stop takes effect
// the moment it is issued.
type waiter struct {
	stop <-chan struct{}
}

// check returns errStopRequested or the context error if either has fired.
func (w waiter) check(ctx context.Context) error {
	select {
	case <-w.stop:
		return errStopRequested
	default:
	}
	return ctx.Err()
}

// sleep waits d unless interrupted.
func (w waiter) sleep(ctx context.Context, d time.Duration) error {
	if err := w.check(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-w.stop:
		return errStopRequested
	case <-ctx.Done():
		return ctx.Err()
	}
}

// countdown waits total in tick-sized steps, reporting the remaining time
// before each step so observers can show "Waiting Ns".
func (w waiter) countdown(ctx context.Context, total, tick time.Duration, report func(remaining time.Duration)) error {
	if tick <= 0 {
		tick = total
	}
	for remaining := total; remaining > 0; remaining -= tick {
		report(remaining)
		if err := w.sleep(ctx, min(tick, remaining)); err != nil {
			return err
		}
	}
	return nil
}

// RetryPolicy is the one retry helper shared by discovery, item open and
// every action. Backoff is linear: BaseDelay * attempt.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
}

// DefaultRetryPolicy is three attempts, two seconds apart, then four.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

// Backoff is the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// do runs op until it succeeds, the attempts run out, or a stop interrupts.
// It returns the number of attempts made. A stop during backoff returns the
// stop error; exhaustion returns the last op error.
func (p RetryPolicy) do(ctx context.Context, w waiter, onFailure func(attempt int, err error), op func(attempt int) error) (int, error) {
	attempts := max(p.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := w.check(ctx); err != nil {
			return attempt - 1, err
		}
		lastErr = op(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if err := w.check(ctx); err != nil {
			return attempt, err
		}
		if onFailure != nil {
			onFailure(attempt, lastErr)
		}
		if attempt < attempts {
			if err := w.sleep(ctx, p.Backoff(attempt)); err != nil {
				return attempt, err
			}
		}
	}
	return attempts, errors.Wrapf(lastErr, "gave up after %d attempts", attempts)
}

// waitingStep is the progress text shown during a countdown.
func waitingStep(remaining time.Duration) string {
	return fmt.Sprintf("Waiting %ds", int(remaining.Round(time.Second)/time.Second))
}
