package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/store"
)

const (
	// ExecutionsKey holds the bounded execution list, most recent first.
	ExecutionsKey = "schedule.executions"
	// DefaultExecutionLimit is how many executions are kept.
	DefaultExecutionLimit = 50
)

// Skip reasons recorded on executions that did not start a run.
const (
	SkipOutsideBusinessHours = "outside_business_hours"
	SkipFeatureDenied        = "feature_denied"
)

// Execution is the compact record of one schedule fire.
type Execution struct {
	ID        string     `json:"id"`
	Family    run.Family `json:"family"`
	Timestamp time.Time  `json:"timestamp"`
	Success   bool       `json:"success"`
	Schedule  Schedule   `json:"schedule"`

	// Set when a run was started
	SessionID string     `json:"session_id,omitempty"`
	Status    run.Status `json:"status,omitempty"`

	Skipped string `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecutionLog is the bounded list of executions across every family.
type ExecutionLog struct {
	store store.Store
	limit int
}

// NewExecutionLog returns a log capped at limit (DefaultExecutionLimit when <= 0).
func NewExecutionLog(s store.Store, limit int) *ExecutionLog {
	if limit <= 0 {
		limit = DefaultExecutionLimit
	}
	return &ExecutionLog{store: s, limit: limit}
}

// Append prepends e, assigning an ID when missing, and evicts past the cap.
func (l *ExecutionLog) Append(ctx context.Context, e Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	err := store.UpdateJSON(ctx, l.store, ExecutionsKey, func(list *[]Execution) error {
		*list = append([]Execution{e}, *list...)
		if len(*list) > l.limit {
			*list = (*list)[:l.limit]
		}
		return nil
	})
	return errors.Wrap(err, "failed to record schedule execution")
}

// List returns up to limit executions, most recent first, optionally for one family.
func (l *ExecutionLog) List(ctx context.Context, family run.Family, limit int) ([]Execution, error) {
	var list []Execution
	err := store.GetJSON(ctx, l.store, ExecutionsKey, &list)
	if errors.IsNotFoundError(err) {
		return []Execution{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read schedule executions")
	}
	out := make([]Execution, 0, len(list))
	for _, e := range list {
		if family != "" && e.Family != family {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
