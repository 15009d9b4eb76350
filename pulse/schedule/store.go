package schedule

import (
	"context"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/store"
)

// SetKey is where family's schedule set is persisted.
func SetKey(family run.Family) string { return "schedule.set." + string(family) }

// SetStore persists one schedule set per family.
type SetStore struct {
	store store.Store
}

// NewSetStore creates a schedule set store
func NewSetStore(s store.Store) *SetStore {
	return &SetStore{store: s}
}

// Load returns family's set, or a new disabled set carrying defaults when none was saved.
func (s *SetStore) Load(ctx context.Context, family run.Family, defaults run.Settings) (*Set, error) {
	var set Set
	err := store.GetJSON(ctx, s.store, SetKey(family), &set)
	if errors.IsNotFoundError(err) {
		return NewSet(family, defaults), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s schedules", family)
	}
	set.Family = family
	if set.Schedules == nil {
		set.Schedules = []Schedule{}
	}
	set.sort()
	return &set, nil
}

// Save writes set, sorted.
func (s *SetStore) Save(ctx context.Context, set *Set) error {
	set.sort()
	if err := store.SetJSON(ctx, s.store, SetKey(set.Family), set); err != nil {
		return errors.Wrapf(err, "failed to save %s schedules", set.Family)
	}
	return nil
}
