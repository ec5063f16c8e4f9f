// Package errs provides the structured error taxonomy shared by the ledger,
// the notification pipeline and the HTTP layer. Every error carries a
// category, a code and a retryable flag so callers can branch with errors.Is
// instead of string matching.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies errors by the component that raised them.
type Category string

const (
	CategoryValidation Category = "VALIDATION"
	CategoryQuery      Category = "QUERY"
	CategoryTenant     Category = "TENANT"
	CategoryLedger     Category = "LEDGER"
	CategoryNotFound   Category = "NOT_FOUND"
	CategoryDelivery   Category = "DELIVERY"
	CategoryLifecycle  Category = "LIFECYCLE"
	CategoryInternal   Category = "INTERNAL"
)

const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeDuplicateRequest    = "DUPLICATE_REQUEST"
	CodeRangeRequired       = "RANGE_REQUIRED"
	CodeNoTenantContext     = "NO_TENANT_CONTEXT"
	CodeTenantIsolation     = "TENANT_ISOLATION_VIOLATION"
	CodeNoCoveringPartition = "NO_COVERING_PARTITION"
	CodeNotFound            = "NOT_FOUND"
	CodeDeliveryFailure     = "DELIVERY_FAILURE"
	CodeLifecycleFailure    = "LIFECYCLE_FAILURE"
	CodeInternal            = "INTERNAL"
)

// Error is the structured error type used throughout opsledger.
type Error struct {
	Category  Category
	Code      string
	Message   string
	Field     string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, msg)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Sentinels for errors.Is checks. Only Category and Code take part in matching.
var (
	ErrValidation          = &Error{Category: CategoryValidation, Code: CodeValidation}
	ErrDuplicateRequest    = &Error{Category: CategoryValidation, Code: CodeDuplicateRequest}
	ErrRangeRequired       = &Error{Category: CategoryQuery, Code: CodeRangeRequired}
	ErrNoTenantContext     = &Error{Category: CategoryTenant, Code: CodeNoTenantContext}
	ErrTenantIsolation     = &Error{Category: CategoryTenant, Code: CodeTenantIsolation}
	ErrNoCoveringPartition = &Error{Category: CategoryLedger, Code: CodeNoCoveringPartition}
	ErrNotFound            = &Error{Category: CategoryNotFound, Code: CodeNotFound}
	ErrDeliveryFailure     = &Error{Category: CategoryDelivery, Code: CodeDeliveryFailure}
	ErrLifecycleFailure    = &Error{Category: CategoryLifecycle, Code: CodeLifecycleFailure}
	ErrInternal            = &Error{Category: CategoryInternal, Code: CodeInternal}
)

// Validation reports malformed or invariant-violating input on a field.
func Validation(field, format string, args ...interface{}) *Error {
	return &Error{
		Category: CategoryValidation,
		Code:     CodeValidation,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	}
}

// DuplicateRequest reports a replayed idempotency key.
func DuplicateRequest(key string) *Error {
	return &Error{
		Category: CategoryValidation,
		Code:     CodeDuplicateRequest,
		Message:  "request already processed",
		Details:  map[string]interface{}{"idempotency_key": key},
	}
}

// RangeRequired reports a query without mandatory time bounds.
func RangeRequired(msg string) *Error {
	return &Error{Category: CategoryQuery, Code: CodeRangeRequired, Message: msg}
}

// NoTenantContext reports an operation attempted without an established tenant scope.
func NoTenantContext(op string) *Error {
	return &Error{
		Category: CategoryTenant,
		Code:     CodeNoTenantContext,
		Message:  "no tenant context for " + op,
	}
}

// TenantIsolation reports a cross-tenant access attempt.
func TenantIsolation(scopeTenant, requestedTenant, op string) *Error {
	return &Error{
		Category: CategoryTenant,
		Code:     CodeTenantIsolation,
		Message:  "cross-tenant access denied",
		Details: map[string]interface{}{
			"scope_tenant":     scopeTenant,
			"requested_tenant": requestedTenant,
			"operation":        op,
		},
	}
}

// NoCoveringPartition reports that no partition covers an event timestamp.
func NoCoveringPartition(at string) *Error {
	return &Error{
		Category: CategoryLedger,
		Code:     CodeNoCoveringPartition,
		Message:  "no partition covers occurred_at " + at,
	}
}

// NotFound reports an absent row. Rows owned by other tenants are reported the same way.
func NotFound(kind, id string) *Error {
	return &Error{
		Category: CategoryNotFound,
		Code:     CodeNotFound,
		Message:  kind + " " + id + " not found",
	}
}

// Delivery wraps a channel delivery failure.
func Delivery(channel string, retryable bool, cause error) *Error {
	return &Error{
		Category:  CategoryDelivery,
		Code:      CodeDeliveryFailure,
		Message:   "delivery via " + channel + " failed",
		Cause:     cause,
		Retryable: retryable,
	}
}

// Lifecycle wraps a failed partition transition. Always retryable on the next run.
func Lifecycle(partition, step string, cause error) *Error {
	return &Error{
		Category:  CategoryLifecycle,
		Code:      CodeLifecycleFailure,
		Message:   step + " of " + partition + " failed",
		Cause:     cause,
		Retryable: true,
	}
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) *Error {
	return &Error{Category: CategoryInternal, Code: CodeInternal, Message: msg, Cause: cause}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the category from an error chain, or "" for foreign errors.
func GetCategory(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the code from an error chain, or "" for foreign errors.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As returns the first *Error in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
