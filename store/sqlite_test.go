package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/engage/db"
	"github.com/teranos/engage/errors"
	testdb "github.com/teranos/engage/internal/testing"
)

func TestSQLiteStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewSQLiteStore(testdb.CreateTestDB(t), nil)

	_, err := s.Get(ctx, "schedule.set.keyword")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err), "missing key should be ErrNotFound")

	require.NoError(t, s.Set(ctx, "schedule.set.keyword", []byte(`{"enabled":true}`)))
	got, err := s.Get(ctx, "schedule.set.keyword")
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":true}`, string(got))

	require.NoError(t, s.Set(ctx, "schedule.set.keyword", []byte(`{"enabled":false}`)))
	got, err = s.Get(ctx, "schedule.set.keyword")
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":false}`, string(got))

	require.NoError(t, s.Delete(ctx, "schedule.set.keyword"))
	require.NoError(t, s.Delete(ctx, "schedule.set.keyword"), "deleting twice is fine")
	_, err = s.Get(ctx, "schedule.set.keyword")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSQLiteStore_UpdateSeesAbsentAsNil(t *testing.T) {
	ctx := context.Background()
	s := NewSQLiteStore(testdb.CreateTestDB(t), nil)

	var seen []byte
	called := false
	err := s.Update(ctx, "run.active.keyword", func(cur []byte) ([]byte, error) {
		called = true
		seen = cur
		return []byte("1"), nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Nil(t, seen)

	// Returning nil deletes the key
	require.NoError(t, s.Update(ctx, "run.active.keyword", func(cur []byte) ([]byte, error) {
		assert.Equal(t, []byte("1"), cur)
		return nil, nil
	}))
	_, err = s.Get(ctx, "run.active.keyword")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSQLiteStore_UpdateErrorLeavesValue(t *testing.T) {
	ctx := context.Background()
	s := NewSQLiteStore(testdb.CreateTestDB(t), nil)
	require.NoError(t, s.Set(ctx, "k", []byte("before")))

	err := s.Update(ctx, "k", func(cur []byte) ([]byte, error) {
		return []byte("after"), errors.New("abort")
	})
	require.Error(t, err)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "before", string(got))
}

// Two writers incrementing the same counter must never lose an update.
func TestSQLiteStore_ConcurrentUpdatesDoNotLoseIncrements(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "engage.db"), nil)
	require.NoError(t, err)
	defer conn.Close()
	s := NewSQLiteStore(conn, nil)

	type counter struct {
		N int `json:"n"`
	}

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, UpdateJSON(ctx, s, "quota.counters", func(c *counter) error {
					c.N++
					return nil
				}))
			}
		}()
	}
	wg.Wait()

	var final counter
	require.NoError(t, GetJSON(ctx, s, "quota.counters", &final))
	assert.Equal(t, writers*perWriter, final.N)
}

func TestSQLiteStore_Keys(t *testing.T) {
	ctx := context.Background()
	s := NewSQLiteStore(testdb.CreateTestDB(t), nil)
	for _, k := range []string{"quota.counters.2026-10-19", "quota.counters.2026-10-18", "run.history"} {
		require.NoError(t, s.Set(ctx, k, []byte("{}")))
	}

	keys, err := s.Keys(ctx, "quota.counters.")
	require.NoError(t, err)
	assert.Equal(t, []string{"quota.counters.2026-10-18", "quota.counters.2026-10-19"}, keys)
}

func TestSQLiteStore_GetReadFailureIsNotNotFound(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs("quota.counters").
		WillReturnError(errors.New("disk I/O error"))

	_, err = NewSQLiteStore(conn, nil).Get(context.Background(), "quota.counters")

	require.Error(t, err)
	assert.False(t, errors.IsNotFoundError(err), "an unreadable record must not look like a missing one")
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_UpdateRollsBackOnWriteFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs("quota.counters").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"n":1}`)))
	mock.ExpectExec("INSERT INTO kv_store").
		WithArgs("quota.counters", sqlmock.AnyArg()).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err = NewSQLiteStore(conn, nil).Update(context.Background(), "quota.counters", func(cur []byte) ([]byte, error) {
		return []byte(`{"n":2}`), nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write quota.counters")
	assert.NoError(t, mock.ExpectationsWereMet())
}
