package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper remembers keys in Redis with SETNX so a request or message is
// processed once per TTL.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewDeduper creates a deduper whose keys live under prefix. logger may be nil.
func NewDeduper(rdb *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{rdb: rdb, ttl: ttl, prefix: prefix, logger: logger}
}

// AcquireOnce returns true the first time key is seen within the TTL.
// When Redis is unavailable it fails open and returns true.
func (d *Deduper) AcquireOnce(ctx context.Context, scope, key string) bool {
	full := d.prefix + ":" + scope + ":" + key

	ok, err := d.rdb.SetNX(ctx, full, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("dedup_key", full),
			zap.Error(err),
		)
		return true
	}
	if !ok {
		d.logger.Info("Skipped duplicated request", zap.String("dedup_key", full))
	}
	return ok
}

// Release forgets key so a failed first attempt can be retried.
func (d *Deduper) Release(ctx context.Context, scope, key string) {
	full := d.prefix + ":" + scope + ":" + key
	if err := d.rdb.Del(ctx, full).Err(); err != nil {
		d.logger.Warn("Redis dedup release failed", zap.String("dedup_key", full), zap.Error(err))
	}
}
