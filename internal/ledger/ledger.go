package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
	"opsledger/pkg/logger"
	"opsledger/pkg/metrics"
)

// ViolationEventType is the audit event recorded for rejected cross-tenant access.
const ViolationEventType = "security.tenant_isolation_violation"

// Options tunes a Ledger.
type Options struct {
	MaxQueryRange time.Duration
}

// Ledger is the only path by which activity events are written or read.
type Ledger struct {
	store    Store
	enforcer *tenant.Enforcer
	clock    clock.Clock
	logger   *zap.Logger
	maxRange time.Duration

	stampMu   sync.Mutex
	lastStamp time.Time
}

// New wires a ledger over store. enforcer may be nil in tests that never name
// a foreign tenant.
func New(store Store, enforcer *tenant.Enforcer, clk clock.Clock, logger *zap.Logger, opts Options) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if enforcer == nil {
		enforcer = tenant.NewEnforcer(logger, clk)
	}
	if opts.MaxQueryRange <= 0 {
		opts.MaxQueryRange = DefaultMaxQueryRange
	}
	return &Ledger{
		store:    store,
		enforcer: enforcer,
		clock:    clk,
		logger:   logger,
		maxRange: opts.MaxQueryRange,
	}
}

// Store exposes the backend for partition maintenance.
func (l *Ledger) Store() Store { return l.store }

// Enforcer returns the enforcer the ledger authorizes with.
func (l *Ledger) Enforcer() *tenant.Enforcer { return l.enforcer }

// Clock returns the ledger's clock.
func (l *Ledger) Clock() clock.Clock { return l.clock }

// stamp returns a created_at strictly after every previous stamp of this ledger.
func (l *Ledger) stamp() time.Time {
	now := model.Micro(l.clock.Now())
	l.stampMu.Lock()
	defer l.stampMu.Unlock()
	if !now.After(l.lastStamp) {
		now = l.lastStamp.Add(time.Microsecond)
	}
	l.lastStamp = now
	return now
}

// Append validates e, stamps its id and created_at and stores it under the
// scope's tenant. e.TenantID, when set, must be the scope's tenant.
func (l *Ledger) Append(ctx context.Context, scope tenant.Scope, e *model.ActivityEvent) (uuid.UUID, error) {
	start := time.Now()
	outcome := "error"
	defer func() { metrics.RecordAppend(l.store.Backend(), outcome, time.Since(start)) }()

	if err := l.enforcer.Authorize(ctx, scope, e.TenantID, "ledger.append"); err != nil {
		outcome = "rejected"
		return uuid.Nil, err
	}
	e.TenantID = scope.TenantID()
	e.Archived = false
	e.ArchivedAt = nil
	e.OccurredAt = model.Micro(e.OccurredAt)
	if err := model.CheckEventInvariants(e); err != nil {
		outcome = "invalid"
		return uuid.Nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, errs.Internal("failed to generate event id", err)
	}
	e.ID = id
	e.CreatedAt = l.stamp()

	if err := l.store.Insert(ctx, scope, e); err != nil {
		if errors.Is(err, errs.ErrNoCoveringPartition) {
			outcome = "no_partition"
		}
		return uuid.Nil, err
	}
	outcome = "ok"
	return id, nil
}

// Query returns one page of events in ledger order. From and To are mandatory.
func (l *Ledger) Query(ctx context.Context, scope tenant.Scope, q model.EventQuery) (*model.EventPage, error) {
	if err := l.enforcer.Authorize(ctx, scope, q.TenantID, "ledger.query"); err != nil {
		return nil, err
	}
	if err := l.CheckRange(q.From, q.To); err != nil {
		return nil, err
	}
	if q.MinSeverity != "" && !q.MinSeverity.Valid() {
		return nil, errs.Validation("min_severity", "unknown severity %q", q.MinSeverity)
	}
	if q.Category != "" && !q.Category.Valid() {
		return nil, errs.Validation("category", "unknown category %q", q.Category)
	}
	switch {
	case q.Limit < 0:
		return nil, errs.Validation("limit", "must not be negative")
	case q.Limit == 0:
		q.Limit = DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		q.Limit = MaxQueryLimit
	}
	q.TenantID = scope.TenantID()
	q.From, q.To = q.From.UTC(), q.To.UTC()

	start := time.Now()
	rows, err := l.store.Query(ctx, scope, q)
	metrics.RecordQuery(l.store.Backend(), time.Since(start))
	if err != nil {
		return nil, err
	}

	page := &model.EventPage{Events: rows}
	if len(rows) > q.Limit {
		page.Events = rows[:q.Limit]
		page.Next = model.CursorOf(page.Events[q.Limit-1])
	}
	if page.Events == nil {
		page.Events = []*model.ActivityEvent{}
	}
	return page, nil
}

// CheckRange enforces the mandatory, bounded query window.
func (l *Ledger) CheckRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return errs.RangeRequired("both from and to are required")
	}
	if !to.After(from) {
		return errs.Validation("to", "must be after from")
	}
	if to.Sub(from) > l.maxRange {
		return errs.Validation("to", "range exceeds %s", l.maxRange)
	}
	return nil
}

// Get returns one event of the scope's tenant.
func (l *Ledger) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*model.ActivityEvent, error) {
	if err := scope.Check("ledger.get"); err != nil {
		return nil, err
	}
	return l.store.Get(ctx, scope, id)
}

// Aggregate groups the scope's non-archived events in [from, to).
func (l *Ledger) Aggregate(ctx context.Context, scope tenant.Scope, from, to time.Time) (*model.EventAggregate, error) {
	if err := scope.Check("ledger.aggregate"); err != nil {
		return nil, err
	}
	if err := l.CheckRange(from, to); err != nil {
		return nil, err
	}
	return l.store.Aggregate(ctx, scope, from.UTC(), to.UTC())
}

// AuditViolation records v as a security event under the violating caller's
// tenant. Registered as an enforcer hook; ctx carries the SuppressAudit flag.
func (l *Ledger) AuditViolation(ctx context.Context, v tenant.Violation) {
	scope, err := tenant.NewScope(v.ScopeTenant, v.Principal, tenant.RoleSystem)
	if err != nil {
		return
	}
	actor := &model.Actor{Kind: model.ActorSystem, ID: "tenant-enforcer"}
	if v.Principal != "" {
		actor = &model.Actor{Kind: model.ActorUser, ID: v.Principal}
	}
	e := &model.ActivityEvent{
		Actor:    actor,
		Type:     ViolationEventType,
		Category: model.CategorySecurity,
		Severity: model.SeverityWarning,
		Payload: map[string]interface{}{
			"requested_tenant": v.RequestedTenant,
			"operation":        v.Operation,
		},
		Description: "cross-tenant access attempt rejected",
		OccurredAt:  v.At,
	}
	if _, err := l.Append(tenant.SuppressAudit(ctx), scope, e); err != nil {
		logger.WithTrace(ctx, l.logger).Warn("Failed to record tenant violation audit event",
			zap.String("tenant_id", v.ScopeTenant),
			zap.Error(err),
		)
	}
}
