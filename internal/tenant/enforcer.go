package tenant

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/pkg/clock"
	"opsledger/pkg/logger"
	"opsledger/pkg/metrics"
)

// Violation describes one rejected cross-tenant access.
type Violation struct {
	ScopeTenant     string
	RequestedTenant string
	Principal       string
	Operation       string
	At              time.Time
}

// ViolationHook is notified of every violation outside a suppressed context.
type ViolationHook func(ctx context.Context, v Violation)

type suppressKey struct{}

// SuppressAudit marks ctx so violations raised under it do not invoke hooks.
// Hooks run with this flag set, which keeps an audit write from auditing itself.
func SuppressAudit(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// AuditSuppressed reports whether ctx carries the SuppressAudit flag.
func AuditSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}

// Enforcer authorizes requests that name a tenant explicitly.
type Enforcer struct {
	logger *zap.Logger
	clock  clock.Clock

	mu    sync.RWMutex
	hooks []ViolationHook
}

// NewEnforcer creates an enforcer. clk defaults to the real clock.
func NewEnforcer(logger *zap.Logger, clk clock.Clock) *Enforcer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Enforcer{logger: logger, clock: clk}
}

// OnViolation registers a hook.
func (e *Enforcer) OnViolation(h ViolationHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Authorize checks that resourceTenant, when named, is the scope's tenant.
// An empty resourceTenant means the request did not name one and inherits the scope.
func (e *Enforcer) Authorize(ctx context.Context, scope Scope, resourceTenant, op string) error {
	if err := scope.Check(op); err != nil {
		return err
	}
	if resourceTenant == "" || resourceTenant == scope.TenantID() {
		return nil
	}

	v := Violation{
		ScopeTenant:     scope.TenantID(),
		RequestedTenant: resourceTenant,
		Principal:       scope.Principal(),
		Operation:       op,
		At:              e.clock.Now(),
	}
	metrics.IncrementTenantViolation(op)
	logger.WithTrace(ctx, e.logger).Warn("tenant isolation violation",
		zap.String("tenant_id", v.ScopeTenant),
		zap.String("requested_tenant", v.RequestedTenant),
		zap.String("principal", v.Principal),
		zap.String("operation", op),
	)

	if !AuditSuppressed(ctx) {
		e.mu.RLock()
		hooks := append([]ViolationHook(nil), e.hooks...)
		e.mu.RUnlock()
		hookCtx := SuppressAudit(ctx)
		for _, h := range hooks {
			h(hookCtx, v)
		}
	}
	return errs.TenantIsolation(v.ScopeTenant, v.RequestedTenant, op)
}
