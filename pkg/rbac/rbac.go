package rbac

import "fmt"

// Permissions.
const (
	PermissionEventsWrite        = "events:write"
	PermissionEventsRead         = "events:read"
	PermissionNotificationsWrite = "notifications:write"
	PermissionNotificationsRead  = "notifications:read"
	PermissionAnalyticsRun       = "analytics:run"
	PermissionAnalyticsRead      = "analytics:read"
	PermissionOpsLifecycle       = "ops:lifecycle"
	PermissionOpsOutbox          = "ops:outbox"
)

// Roles carried in the token's role claim.
const (
	RoleMember   = "member"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var rolePermissions = map[string][]string{
	RoleMember: {
		PermissionEventsWrite,
		PermissionEventsRead,
		PermissionNotificationsWrite,
		PermissionNotificationsRead,
		PermissionAnalyticsRead,
	},
	RoleOperator: {
		PermissionEventsWrite,
		PermissionEventsRead,
		PermissionNotificationsWrite,
		PermissionNotificationsRead,
		PermissionAnalyticsRead,
		PermissionAnalyticsRun,
	},
	RoleAdmin: {
		PermissionEventsWrite,
		PermissionEventsRead,
		PermissionNotificationsWrite,
		PermissionNotificationsRead,
		PermissionAnalyticsRead,
		PermissionAnalyticsRun,
		PermissionOpsLifecycle,
		PermissionOpsOutbox,
	},
}

// KnownRole reports whether role has a permission set.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission reports whether role grants permission.
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission is HasPermission returning a *PermissionDeniedError.
func CheckPermission(principal, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Principal:  principal,
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError is returned when a role lacks a permission.
type PermissionDeniedError struct {
	Principal  string
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("insufficient permissions: role %q lacks %s", e.Role, e.Permission)
}
