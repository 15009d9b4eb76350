package quota

import (
	"context"
	"sort"
	"strings"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/store"
)

// Backend stores daily counters.
type Backend interface {
	// Counts returns the counters for date. A backend holding counters for an
	// earlier date resets them before answering.
	Counts(ctx context.Context, date string) (Counts, error)
	// Increment atomically adds one to category on date and returns the new count.
	Increment(ctx context.Context, date string, cat Category) (int, error)
}

// Mode selects how KVBackend lays counters out in the store.
type Mode string

const (
	// ModeReset keeps one record holding {date, counts}, reset in place on a new day.
	ModeReset Mode = "reset"
	// ModePerDate keeps one record per date; earlier dates stay untouched.
	ModePerDate Mode = "per_date"
	// ModeRedis selects RedisBackend instead of a KVBackend.
	ModeRedis Mode = "redis"
)

const (
	countersKey       = "quota.counters"
	countersKeyPrefix = "quota.counters."
)

// record is the stored shape of one day's counters.
type record struct {
	Date   string `json:"date"`
	Counts Counts `json:"counts"`
}

// KVBackend keeps counters in a store.Store. Every increment is a single
// store.Update transaction, so concurrent families never lose updates.
type KVBackend struct {
	store store.Store
	mode  Mode
}

// NewKVBackend returns a store-backed counter backend. An unknown mode falls back to ModeReset.
func NewKVBackend(s store.Store, mode Mode) *KVBackend {
	if mode != ModePerDate {
		mode = ModeReset
	}
	return &KVBackend{store: s, mode: mode}
}

// Mode reports the layout in use.
func (b *KVBackend) Mode() Mode { return b.mode }

func (b *KVBackend) Counts(ctx context.Context, date string) (Counts, error) {
	if b.mode == ModePerDate {
		var rec record
		err := store.GetJSON(ctx, b.store, countersKeyPrefix+date, &rec)
		if errors.IsNotFoundError(err) {
			return Counts{}, nil
		}
		if err != nil {
			return nil, err
		}
		return nonNil(rec.Counts), nil
	}

	var rec record
	err := store.GetJSON(ctx, b.store, countersKey, &rec)
	if errors.IsNotFoundError(err) {
		return Counts{}, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Date == date {
		return nonNil(rec.Counts), nil
	}

	// Stale date stamp: reset in place before answering.
	var fresh record
	err = store.UpdateJSON(ctx, b.store, countersKey, func(cur *record) error {
		if cur.Date != date {
			cur.Date = date
			cur.Counts = Counts{}
		}
		fresh = *cur
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to reset quota counters")
	}
	return nonNil(fresh.Counts), nil
}

func (b *KVBackend) Increment(ctx context.Context, date string, cat Category) (int, error) {
	key := countersKey
	if b.mode == ModePerDate {
		key = countersKeyPrefix + date
	}

	var count int
	err := store.UpdateJSON(ctx, b.store, key, func(cur *record) error {
		if cur.Date != date {
			cur.Date = date
			cur.Counts = Counts{}
		}
		if cur.Counts == nil {
			cur.Counts = Counts{}
		}
		cur.Counts[cat]++
		count = cur.Counts[cat]
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to increment %s", cat)
	}
	return count, nil
}

// DayCounts is one historical day in ModePerDate.
type DayCounts struct {
	Date   string `json:"date"`
	Counts Counts `json:"counts"`
}

// History returns stored days, newest first. Only ModePerDate keeps history;
// ModeReset returns at most the current record.
func (b *KVBackend) History(ctx context.Context) ([]DayCounts, error) {
	if b.mode == ModeReset {
		var rec record
		err := store.GetJSON(ctx, b.store, countersKey, &rec)
		if errors.IsNotFoundError(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []DayCounts{{Date: rec.Date, Counts: nonNil(rec.Counts)}}, nil
	}

	lister, ok := b.store.(store.Lister)
	if !ok {
		return nil, errors.New("store cannot list keys")
	}
	keys, err := lister.Keys(ctx, countersKeyPrefix)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	days := make([]DayCounts, 0, len(keys))
	for _, k := range keys {
		var rec record
		if err := store.GetJSON(ctx, b.store, k, &rec); err != nil {
			return nil, err
		}
		days = append(days, DayCounts{Date: strings.TrimPrefix(k, countersKeyPrefix), Counts: nonNil(rec.Counts)})
	}
	return days, nil
}

func nonNil(c Counts) Counts {
	if c == nil {
		return Counts{}
	}
	return c
}
