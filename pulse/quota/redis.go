package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/engage/errors"
)

// redisTTL keeps a day's keys around long enough for a late summary read, then lets Redis drop them.
const redisTTL = 48 * time.Hour

// RedisBackend is a remote quota authority shared by several engage processes.
// Each (date, category) pair is its own key, so a new day starts at zero
// without any reset step.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps a connected client. prefix defaults to "engage:quota".
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "engage:quota"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// DialRedis connects and pings, the way queue triggers do it.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to connect to Redis at %s", addr)
	}
	return client, nil
}

func (b *RedisBackend) key(date string, cat Category) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, date, cat)
}

func (b *RedisBackend) Counts(ctx context.Context, date string) (Counts, error) {
	keys := make([]string, len(Categories))
	for i, cat := range Categories {
		keys[i] = b.key(date, cat)
	}

	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read quota counters from Redis")
	}

	counts := Counts{}
	for i, v := range values {
		if v == nil {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(fmt.Sprint(v), "%d", &n); err != nil {
			return nil, errors.Wrapf(err, "malformed counter %s", keys[i])
		}
		counts[Categories[i]] = n
	}
	return counts, nil
}

func (b *RedisBackend) Increment(ctx context.Context, date string, cat Category) (int, error) {
	key := b.key(date, cat)

	var incr *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, redisTTL)
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to increment %s in Redis", key)
	}
	return int(incr.Val()), nil
}
