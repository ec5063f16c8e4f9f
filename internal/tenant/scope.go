// Package tenant carries the capability every tenant-scoped operation requires
// and the enforcer that rejects cross-tenant access.
package tenant

import (
	"context"

	"opsledger/internal/errs"
	"opsledger/internal/model"
)

// Role is the caller's role inside its tenant.
type Role string

const (
	RoleMember   Role = "member"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
	// RoleSystem is used by schedulers acting on behalf of a tenant.
	RoleSystem Role = "system"
)

// Scope is the tenant capability. The zero value is not a valid scope and is
// rejected before any storage access; a valid one only comes from NewScope.
type Scope struct {
	tenantID  string
	principal string
	role      Role
}

// NewScope validates tenantID and returns a scope for principal acting in it.
func NewScope(tenantID, principal string, role Role) (Scope, error) {
	if tenantID == "" {
		return Scope{}, errs.NoTenantContext("new scope")
	}
	if !model.ValidTenantID(tenantID) {
		return Scope{}, errs.Validation("tenant_id", "malformed tenant id %q", tenantID)
	}
	if role == "" {
		role = RoleMember
	}
	return Scope{tenantID: tenantID, principal: principal, role: role}, nil
}

// MustScope is NewScope for tests and fixed system tenants. It panics on error.
func MustScope(tenantID, principal string, role Role) Scope {
	s, err := NewScope(tenantID, principal, role)
	if err != nil {
		panic(err)
	}
	return s
}

// TenantID returns the scoped tenant.
func (s Scope) TenantID() string { return s.tenantID }

// Principal returns the acting principal id, possibly "".
func (s Scope) Principal() string { return s.principal }

// Role returns the acting role.
func (s Scope) Role() Role { return s.role }

// Valid reports whether s was produced by NewScope.
func (s Scope) Valid() bool { return s.tenantID != "" }

// Check returns NoTenantContext for an invalid scope.
func (s Scope) Check(op string) error {
	if !s.Valid() {
		return errs.NoTenantContext(op)
	}
	return nil
}

type scopeKey struct{}

// WithScope stores s in ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope stored in ctx, or NoTenantContext.
func FromContext(ctx context.Context) (Scope, error) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	if !ok || !s.Valid() {
		return Scope{}, errs.NoTenantContext("request")
	}
	return s, nil
}
