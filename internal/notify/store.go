// Package notify stores notifications and delivers them over independent
// per-channel workers.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"opsledger/internal/model"
	"opsledger/internal/tenant"
)

// Ref addresses a notification across tenants. Only the sweeper sees refs.
type Ref struct {
	TenantID string
	ID       uuid.UUID
}

// MutateFunc edits n in place and reports whether anything changed.
type MutateFunc func(n *model.Notification) (bool, error)

// Store persists notifications. Every scoped method sees only the scope's tenant.
type Store interface {
	Insert(ctx context.Context, scope tenant.Scope, n *model.Notification) error
	Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*model.Notification, error)
	// Mutate applies fn to the current row under a row lock and persists it
	// when fn reports a change. It returns the row as stored afterwards.
	Mutate(ctx context.Context, scope tenant.Scope, id uuid.UUID, fn MutateFunc) (*model.Notification, error)
	// List returns one page ordered by priority desc, then recency.
	List(ctx context.Context, scope tenant.Scope, q model.NotificationQuery) ([]*model.Notification, error)
	// Count counts rows matching q, ignoring Limit and Offset.
	Count(ctx context.Context, scope tenant.Scope, q model.NotificationQuery) (int64, error)
	// ListActionable returns pending, undismissed notifications across tenants
	// that are due or expired at now. System-level.
	ListActionable(ctx context.Context, now time.Time, limit int) ([]Ref, error)
}
