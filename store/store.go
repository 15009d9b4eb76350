// Package store is the durable key/value map every engage component persists through.
//
// Schedule sets, run history, quota counters, live run state and execution
// history all live here as JSON documents under well-known keys. Update is
// the only way to change a record based on its current value: it runs the
// read, the caller's function and the write in one transaction, so two
// automation families bumping the same counter never lose an increment.
package store

import (
	"context"
	"encoding/json"

	"github.com/teranos/engage/errors"
)

// Store is a durable key/value map.
type Store interface {
	// Get returns the value stored under key, or an error wrapping
	// errors.ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Update atomically replaces the value under key with fn(current).
	// current is nil when the key is absent. Returning a nil value deletes
	// the key; returning an error aborts without writing.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
}

// GetJSON decodes the record under key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s", key)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", key)
	}
	return s.Set(ctx, key, raw)
}

// UpdateJSON is Update for JSON records. fn receives the decoded current
// value (the zero T when absent) and mutates it in place.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(cur *T) error) error {
	return s.Update(ctx, key, func(raw []byte) ([]byte, error) {
		var cur T
		if raw != nil {
			if err := json.Unmarshal(raw, &cur); err != nil {
				return nil, errors.Wrapf(err, "failed to decode %s", key)
			}
		}
		if err := fn(&cur); err != nil {
			return nil, err
		}
		out, err := json.Marshal(cur)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s", key)
		}
		return out, nil
	})
}
