package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	relayerr "licenserelay/internal/errors"
)

// RedisStore keeps window counters in Redis so all relay instances
// share one view of a key's request rate.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func windowKey(key string, windowStart time.Time) string {
	return fmt.Sprintf("lr:rl:%s:%d", key, windowStart.Unix())
}

// Incr implements Store. The current window counter is incremented and
// both window counters expire automatically once they can no longer
// influence an estimate.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int64, int64, error) {
	windowStart := now.Truncate(window)
	currKey := windowKey(key, windowStart)
	prevKey := windowKey(key, windowStart.Add(-window))

	var incr *redis.IntCmd
	var prevGet *redis.StringCmd

	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, currKey)
		p.Expire(ctx, currKey, 2*window)
		prevGet = p.Get(ctx, prevKey)
		return nil
	})
	if err != nil && err != redis.Nil {
		return 0, 0, relayerr.Wrap(relayerr.KindTransient, "ratelimit.Incr", "counter store unavailable", err)
	}

	curr := incr.Val()

	var prev int64
	if raw, err := prevGet.Int64(); err == nil {
		prev = raw
	}

	return curr, prev, nil
}
