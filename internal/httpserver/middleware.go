package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"opsledger/internal/api"
	"opsledger/internal/errs"
	"opsledger/internal/tenant"
	"opsledger/pkg/config"
	"opsledger/pkg/metrics"
	"opsledger/pkg/rbac"
	"opsledger/pkg/trace"
	"opsledger/pkg/util"
)

// TraceMiddleware adopts the caller's X-Trace-ID or mints one, and echoes it.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := trace.FromHeader(c.GetHeader(trace.Header))
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.Header, traceID)
		c.Next()
	}
}

// RequestLogMiddleware logs every request and records its latency by route.
func RequestLogMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, strconv.Itoa(status), latency)

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String("trace_id", trace.FromContext(c.Request.Context())),
		)
	}
}

func denyTenant(c *gin.Context, tenantID string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": api.ErrorBody{
		Category: string(errs.CategoryTenant),
		Code:     "TENANT_INACTIVE",
		Message:  "tenant " + tenantID + " is not active",
	}})
}

// AuthMiddleware verifies the bearer token and attaches the caller's tenant
// scope to the request context. Unknown or deactivated tenants get 403.
func AuthMiddleware(cfg config.JWTConfig, directory tenant.Directory, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			api.WriteError(c, nil, errs.NoTenantContext("missing bearer token"))
			return
		}

		claims, err := util.ParseJWT(token, cfg.Secret, cfg.Issuer)
		if err != nil {
			logger.Debug("Rejected bearer token", zap.Error(err))
			api.WriteError(c, nil, errs.NoTenantContext("invalid bearer token"))
			return
		}
		if !rbac.KnownRole(claims.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": api.ErrorBody{
				Category: string(errs.CategoryTenant),
				Code:     "UNKNOWN_ROLE",
				Message:  "unknown role " + strconv.Quote(claims.Role),
			}})
			return
		}

		if directory != nil {
			t, err := directory.Get(c.Request.Context(), claims.TenantID)
			switch {
			case errors.Is(err, errs.ErrNotFound):
				denyTenant(c, claims.TenantID)
				return
			case err != nil:
				api.WriteError(c, logger, err)
				return
			case !t.Active:
				denyTenant(c, claims.TenantID)
				return
			}
		}

		scope, err := tenant.NewScope(claims.TenantID, claims.Subject, tenant.Role(claims.Role))
		if err != nil {
			api.WriteError(c, nil, err)
			return
		}
		c.Request = c.Request.WithContext(tenant.WithScope(c.Request.Context(), scope))
		c.Set("tenant_id", claims.TenantID)
		c.Set("principal", claims.Subject)
		c.Set("role", claims.Role)

		c.Next()
	}
}

// RequirePermission rejects callers whose role lacks permission.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, err := tenant.FromContext(c.Request.Context())
		if err != nil {
			api.WriteError(c, nil, err)
			return
		}

		if err := rbac.CheckPermission(scope.Principal(), string(scope.Role()), permission); err != nil {
			api.WriteError(c, nil, err)
			return
		}

		c.Next()
	}
}
