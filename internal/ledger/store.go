// Package ledger is the append-mostly activity event store. Rows live in
// monthly partitions; every row operation is scoped to one tenant by the
// backend itself, and partition maintenance goes through a separate
// system-level interface.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"opsledger/internal/model"
	"opsledger/internal/tenant"
)

const (
	DefaultQueryLimit    = 100
	MaxQueryLimit        = 1000
	DefaultMaxQueryRange = 400 * 24 * time.Hour
)

// EventStore is tenant-scoped row access. Implementations apply the scope's
// tenant predicate before any caller filter.
type EventStore interface {
	// Insert stores e, which already carries ID, TenantID and CreatedAt.
	Insert(ctx context.Context, scope tenant.Scope, e *model.ActivityEvent) error
	// Query returns at most q.Limit+1 rows in ledger order after q.After.
	Query(ctx context.Context, scope tenant.Scope, q model.EventQuery) ([]*model.ActivityEvent, error)
	Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*model.ActivityEvent, error)
	// Aggregate groups non-archived events with occurred_at in [from, to).
	Aggregate(ctx context.Context, scope tenant.Scope, from, to time.Time) (*model.EventAggregate, error)
}

// PartitionStore is system-level partition maintenance used by the lifecycle manager.
type PartitionStore interface {
	// CreatePartition creates p if absent and reports whether it did.
	CreatePartition(ctx context.Context, p model.Partition) (bool, error)
	ListPartitions(ctx context.Context) ([]model.Partition, error)
	SetPartitionState(ctx context.Context, name string, state model.PartitionState, at time.Time) error
	// ArchivePartition flags every unarchived row and returns how many changed.
	ArchivePartition(ctx context.Context, name string, at time.Time) (int64, error)
	// MigrateExceptions copies rows whose severity is in severities into the
	// exceptions partition. Rows already copied are skipped.
	MigrateExceptions(ctx context.Context, name string, severities []model.Severity, at time.Time) (int64, error)
	DropPartition(ctx context.Context, name string, at time.Time) error
	// ExportPartition streams every row of a partition in ledger order.
	ExportPartition(ctx context.Context, name string, fn func(*model.ActivityEvent) error) error
	SetColdKey(ctx context.Context, name, key string) error
}

// Store is a complete ledger backend.
type Store interface {
	EventStore
	PartitionStore
	Backend() string
}
