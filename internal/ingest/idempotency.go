package ingest

import (
	"context"
	"sync"
	"time"

	"opsledger/pkg/clock"
)

// Idempotency remembers request keys. *util.Deduper satisfies it with Redis.
type Idempotency interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
	Release(ctx context.Context, scope, key string)
}

// MemoryIdempotency is the in-process fallback when Redis is not configured.
// Keys only survive as long as the process.
type MemoryIdempotency struct {
	clock clock.Clock
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryIdempotency(clk clock.Clock, ttl time.Duration) *MemoryIdempotency {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryIdempotency{clock: clk, ttl: ttl, seen: make(map[string]time.Time)}
}

func (m *MemoryIdempotency) AcquireOnce(_ context.Context, scope, key string) bool {
	full := scope + ":" + key
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.seen[full]; ok && now.Before(exp) {
		return false
	}
	m.seen[full] = now.Add(m.ttl)
	if len(m.seen) > 4096 {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	return true
}

func (m *MemoryIdempotency) Release(_ context.Context, scope, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, scope+":"+key)
}
