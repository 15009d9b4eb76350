package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/engage/agent"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// Trigger says who started a run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
)

// ActionOutcome is what happened to one action on one item.
type ActionOutcome struct {
	Kind     agent.ActionKind `json:"kind"`
	Success  bool             `json:"success"`
	NoOp     bool             `json:"no_op,omitempty"`
	Counted  bool             `json:"counted,omitempty"` // quota was incremented
	Attempts int              `json:"attempts"`
	Detail   string           `json:"detail,omitempty"`
	Error    string           `json:"error,omitempty"`
	// Comment audit
	Text string `json:"text,omitempty"`
}

// ItemOutcome is the audit record for one item.
type ItemOutcome struct {
	ItemID  string          `json:"item_id"`
	URL     string          `json:"url,omitempty"`
	Author  string          `json:"author,omitempty"`
	Excerpt string          `json:"excerpt,omitempty"`
	Skipped string          `json:"skipped,omitempty"` // reason the item was not processed
	Actions []ActionOutcome `json:"actions,omitempty"`
}

// Succeeded reports whether any action on the item succeeded.
func (o ItemOutcome) Succeeded() bool {
	for _, a := range o.Actions {
		if a.Success {
			return true
		}
	}
	return false
}

// Session records one execution attempt from trigger to terminal status.
type Session struct {
	ID           string        `json:"id"`
	Type         Family        `json:"type"`
	Query        string        `json:"query"`
	Target       int           `json:"target"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	Duration     Duration      `json:"duration"`
	Processed    int           `json:"processed"`
	Successful   int           `json:"successful"`
	Status       Status        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Trigger      Trigger       `json:"trigger"`
	ScheduleTime string        `json:"schedule_time,omitempty"`
	Items        []ItemOutcome `json:"items,omitempty"`
}

// NewSession creates a session in StatusStarted.
func NewSession(family Family, settings Settings, trigger Trigger, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Type:      family,
		Query:     settings.Describe(),
		Target:    settings.Quota,
		StartTime: now,
		Status:    StatusStarted,
		Trigger:   trigger,
	}
}

// Finalize moves the session to a terminal status. It returns false and
// changes nothing when the session is already terminal.
func (s *Session) Finalize(status Status, errMsg string, now time.Time) bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = status
	s.Error = errMsg
	end := now
	s.EndTime = &end
	s.Duration = Duration(now.Sub(s.StartTime))
	return true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	c.Items = make([]ItemOutcome, len(s.Items))
	for i, it := range s.Items {
		it.Actions = append([]ActionOutcome(nil), it.Actions...)
		c.Items[i] = it
	}
	return &c
}
