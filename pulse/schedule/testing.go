package schedule

import (
	"sync"
	"time"
)

// FakeTimer records the armed fire time and only fires when told to.
// It is safe for use from tests in other packages.
type FakeTimer struct {
	mu     sync.Mutex
	fireAt time.Time
	fn     func()
	arms   int
}

func (f *FakeTimer) Schedule(fireAt time.Time, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fireAt = fireAt
	f.fn = fn
	f.arms++
}

func (f *FakeTimer) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fireAt = time.Time{}
	f.fn = nil
}

// Armed returns the pending fire time.
func (f *FakeTimer) Armed() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fireAt, f.fn != nil
}

// Arms counts Schedule calls.
func (f *FakeTimer) Arms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.arms
}

// Fire runs the armed callback synchronously. It reports false when nothing is armed.
func (f *FakeTimer) Fire() bool {
	f.mu.Lock()
	fn := f.fn
	f.fireAt = time.Time{}
	f.fn = nil
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}
