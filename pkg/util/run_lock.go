package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock is a best-effort distributed mutex for singleton jobs.
type RunLock struct {
	rdb   *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

// NewRunLock creates a lock on key. owner identifies this process.
func NewRunLock(rdb *redis.Client, key, owner string, ttl time.Duration) *RunLock {
	return &RunLock{rdb: rdb, key: key, owner: owner, ttl: ttl}
}

// TryAcquire returns true when the lock was free. Redis errors are returned
// so the caller can decide between skipping and running unguarded.
func (l *RunLock) TryAcquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

// Release drops the lock if this owner still holds it.
func (l *RunLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err()
}
