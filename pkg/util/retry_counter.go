package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryCounter keeps consecutive-failure counts in Redis.
type RetryCounter struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRetryCounter(rdb *redis.Client, prefix string, ttl time.Duration) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl, prefix: prefix}
}

// IncrementAndGet increments key and returns the new count. The TTL is set on
// the first increment.
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	full := r.prefix + ":" + key
	count, err := r.rdb.Incr(ctx, full).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 && r.ttl > 0 {
		r.rdb.Expire(ctx, full, r.ttl)
	}
	return count, nil
}

// Reset clears key.
func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+":"+key).Err()
}
