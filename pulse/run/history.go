package run

import (
	"context"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/store"
)

const (
	// HistoryKey holds the bounded session list, most recent first.
	HistoryKey = "run.history"
	// DefaultHistoryLimit is how many sessions are kept.
	DefaultHistoryLimit = 100
)

// History is the bounded, most-recent-first list of sessions across all families.
type History struct {
	store store.Store
	limit int
}

// NewHistory returns a history capped at limit (DefaultHistoryLimit when <= 0).
func NewHistory(s store.Store, limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{store: s, limit: limit}
}

// Limit is the cap in effect.
func (h *History) Limit() int { return h.limit }

// Upsert replaces the session with the same ID in place, or prepends it.
// Entries past the cap are evicted from the old end.
func (h *History) Upsert(ctx context.Context, s *Session) error {
	err := store.UpdateJSON(ctx, h.store, HistoryKey, func(list *[]Session) error {
		for i := range *list {
			if (*list)[i].ID == s.ID {
				(*list)[i] = *s
				return nil
			}
		}
		*list = append([]Session{*s}, *list...)
		if len(*list) > h.limit {
			*list = (*list)[:h.limit]
		}
		return nil
	})
	return errors.Wrapf(err, "failed to persist session %s", s.ID)
}

// List returns up to limit sessions, most recent first. limit <= 0 returns all.
// The family filter is skipped when empty.
func (h *History) List(ctx context.Context, family Family, limit int) ([]Session, error) {
	var list []Session
	err := store.GetJSON(ctx, h.store, HistoryKey, &list)
	if errors.IsNotFoundError(err) {
		return []Session{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(list))
	for _, s := range list {
		if family != "" && s.Type != family {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get returns one session by ID.
func (h *History) Get(ctx context.Context, id string) (*Session, error) {
	list, err := h.List(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, errors.NewNotFoundError("session %s", id)
}
