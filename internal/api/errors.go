// Package api holds the gin handlers of the public /v1 surface and the
// operator /admin surface. Handlers translate HTTP into service calls and
// typed errors back into status codes; they hold no business rules.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/internal/tenant"
	"opsledger/pkg/logger"
	"opsledger/pkg/rbac"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// StatusFor maps an error onto its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrRangeRequired):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNoTenantContext):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrTenantIsolation):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrDuplicateRequest), errors.Is(err, errs.ErrNoCoveringPartition):
		return http.StatusConflict
	}
	var denied *rbac.PermissionDeniedError
	if errors.As(err, &denied) {
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// WriteError aborts c with the status and envelope for err. Unexpected errors
// are logged and their text is not echoed to the caller.
func WriteError(c *gin.Context, log *zap.Logger, err error) {
	status := StatusFor(err)
	body := ErrorBody{
		Category: string(errs.CategoryInternal),
		Code:     errs.CodeInternal,
		Message:  "internal error",
	}

	var denied *rbac.PermissionDeniedError
	if e, ok := errs.As(err); ok && status != http.StatusInternalServerError {
		body = ErrorBody{Category: string(e.Category), Code: e.Code, Message: e.Message, Field: e.Field}
	} else if errors.As(err, &denied) {
		body = ErrorBody{Category: string(errs.CategoryTenant), Code: "PERMISSION_DENIED", Message: denied.Error()}
	}

	if status == http.StatusInternalServerError && log != nil {
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

// scopeOf returns the caller's scope, writing 401 when the request carries none.
func scopeOf(c *gin.Context) (tenant.Scope, bool) {
	scope, err := tenant.FromContext(c.Request.Context())
	if err != nil {
		WriteError(c, nil, err)
		return tenant.Scope{}, false
	}
	return scope, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		WriteError(c, nil, errs.Validation("id", "not a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

// queryTime parses an RFC3339 query parameter; absent yields the zero time.
func queryTime(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errs.Validation(name, "not an RFC3339 timestamp")
	}
	return t.UTC(), nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validation(name, "not an integer")
	}
	return n, nil
}

func queryBool(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errs.Validation(name, "not a boolean")
	}
	return b, nil
}
