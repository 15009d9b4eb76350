package schedule

import (
	"sync"
	"time"
)

// Timer arms a single callback. Scheduling again replaces the previous arm,
// so a scheduler never has more than one outstanding fire.
type Timer interface {
	Schedule(fireAt time.Time, fn func())
	Cancel()
}

type realTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

// NewTimer returns a Timer backed by time.AfterFunc.
func NewTimer() Timer { return &realTimer{} }

func (t *realTimer) Schedule(fireAt time.Time, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(time.Until(fireAt), fn)
}

func (t *realTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
