package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/internal/util"
)

// Tracker enforces daily per-category limits over a Backend.
type Tracker struct {
	backend Backend
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	limits   Limits
	policies map[Category]ExceededPolicy

	timeNow func() time.Time // Injectable for testing
}

// NewTracker creates a tracker with real time
func NewTracker(backend Backend, limits Limits, logger *zap.SugaredLogger) *Tracker {
	return NewTrackerWithClock(backend, limits, logger, time.Now)
}

// NewTrackerWithClock creates a tracker with injectable clock (for testing)
func NewTrackerWithClock(backend Backend, limits Limits, logger *zap.SugaredLogger, timeNow func() time.Time) *Tracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	t := &Tracker{
		backend:  backend,
		logger:   logger,
		policies: map[Category]ExceededPolicy{},
		timeNow:  timeNow,
	}
	t.SetLimits(limits)
	return t
}

// Today is the local calendar date the tracker is counting against.
func (t *Tracker) Today() string {
	return t.timeNow().Local().Format(DateLayout)
}

// SetLimits replaces the configured limits; safe to call while runs are active.
func (t *Tracker) SetLimits(limits Limits) {
	copied := make(Limits, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	t.mu.Lock()
	t.limits = copied
	t.mu.Unlock()
}

// SetPolicies replaces the per-category exceeded policies.
func (t *Tracker) SetPolicies(policies map[Category]ExceededPolicy) {
	copied := make(map[Category]ExceededPolicy, len(policies))
	for k, v := range policies {
		copied[k] = v
	}
	t.mu.Lock()
	t.policies = copied
	t.mu.Unlock()
}

// Limit returns the configured limit for cat and whether one is configured.
func (t *Tracker) Limit(cat Category) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	limit, ok := t.limits[cat]
	return limit, ok
}

// Policy returns what a run does when cat is found exceeded mid-run. Defaults to PolicyStop.
func (t *Tracker) Policy(cat Category) ExceededPolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.policies[cat]; ok && p == PolicyFail {
		return PolicyFail
	}
	return PolicyStop
}

// CheckAndReserve reports whether today's count for cat is below its limit.
// With no limit configured it answers true without reading state. With a
// limit configured but counters unreadable it answers false along with the
// read error.
func (t *Tracker) CheckAndReserve(ctx context.Context, cat Category) (bool, error) {
	limit, ok := t.Limit(cat)
	if !ok {
		return true, nil
	}
	if limit <= 0 {
		return false, nil
	}

	counts, err := t.backend.Counts(ctx, t.Today())
	if err != nil {
		t.logger.Errorw("Quota state unreadable, denying action",
			"category", cat,
			"limit", limit,
			"error", err,
		)
		return false, errors.Wrapf(err, "failed to read %s quota", cat)
	}
	return counts[cat] < limit, nil
}

// Increment is the outcome of recording one action.
type Increment struct {
	Category Category `json:"category"`
	Count    int      `json:"count"`
	Limit    int      `json:"limit"`
	Limited  bool     `json:"limited"`
	// Exceeded means the new count is above the limit: another consumer used
	// the last slot between our check and our action.
	Exceeded bool `json:"exceeded"`
}

// Increment records one performed action against today's counters.
// The write is synchronous; a returned error means the action happened but
// was not counted, which callers log and carry on from.
func (t *Tracker) Increment(ctx context.Context, cat Category) (Increment, error) {
	count, err := t.backend.Increment(ctx, t.Today(), cat)
	if err != nil {
		return Increment{Category: cat}, err
	}

	inc := Increment{Category: cat, Count: count}
	if limit, ok := t.Limit(cat); ok {
		inc.Limit = limit
		inc.Limited = true
		inc.Exceeded = count > limit
	}

	t.logger.Debugw("Quota incremented",
		"category", cat,
		"count", count,
		"limit", inc.Limit,
		"exceeded", inc.Exceeded,
	)
	return inc, nil
}

// DenialError builds the user-facing error for a category whose limit was reached.
func (t *Tracker) DenialError(cat Category) error {
	limit, _ := t.Limit(cat)
	err := errors.Wrapf(errors.ErrQuotaExceeded, "daily %s limit of %d reached", cat, limit)
	return errors.WithHint(err, fmt.Sprintf("raise quota.limits.%s or wait until tomorrow", cat))
}

// CategoryUsage is one line of the summary.
type CategoryUsage struct {
	Category       Category `json:"category"`
	Count          int      `json:"count"`
	Limit          int      `json:"limit"`
	Limited        bool     `json:"limited"`
	PercentageUsed float64  `json:"percentage_used"`
}

// Summary is today's usage across every category.
type Summary struct {
	Date       string          `json:"date"`
	Categories []CategoryUsage `json:"categories"`
}

// Get returns the usage line for cat, or a zero value when absent.
func (s *Summary) Get(cat Category) CategoryUsage {
	for _, c := range s.Categories {
		if c.Category == cat {
			return c
		}
	}
	return CategoryUsage{Category: cat}
}

// Summary reads today's counters (applying the midnight reset) and pairs them with limits.
func (t *Tracker) Summary(ctx context.Context) (*Summary, error) {
	date := t.Today()
	counts, err := t.backend.Counts(ctx, date)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read quota summary")
	}

	summary := &Summary{Date: date, Categories: make([]CategoryUsage, 0, len(Categories))}
	for _, cat := range Categories {
		u := CategoryUsage{Category: cat, Count: counts[cat]}
		if limit, ok := t.Limit(cat); ok {
			u.Limit = limit
			u.Limited = true
			u.PercentageUsed = util.Percentage(u.Count, limit)
			if limit == 0 && u.Count > 0 {
				u.PercentageUsed = 100
			}
		}
		summary.Categories = append(summary.Categories, u)
	}
	return summary, nil
}

// historyBackend is a Backend that keeps past days.
type historyBackend interface {
	History(ctx context.Context) ([]DayCounts, error)
}

// History returns the recorded days, newest first. Backends without history
// report today's counts only.
func (t *Tracker) History(ctx context.Context) ([]DayCounts, error) {
	if hb, ok := t.backend.(historyBackend); ok {
		days, err := hb.History(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read quota history")
		}
		if days == nil {
			days = []DayCounts{}
		}
		return days, nil
	}
	today := t.Today()
	counts, err := t.backend.Counts(ctx, today)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read quota counts")
	}
	return []DayCounts{{Date: today, Counts: nonNil(counts)}}, nil
}
