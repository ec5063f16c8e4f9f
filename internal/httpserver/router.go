package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"opsledger/internal/api"
	"opsledger/internal/tenant"
	"opsledger/pkg/config"
	ledgerotel "opsledger/pkg/otel"
	"opsledger/pkg/rbac"
)

// ReadyCheck is one dependency checked by /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers groups the route handlers. Analytics and Admin may be nil, which
// leaves their routes unregistered.
type Handlers struct {
	Events        *api.EventHandler
	Notifications *api.NotificationHandler
	Analytics     *api.AnalyticsHandler
	Admin         *api.AdminHandler
}

// Options carries the router's cross-cutting dependencies.
type Options struct {
	JWT       config.JWTConfig
	Directory tenant.Directory
	Ready     []ReadyCheck
	Logger    *zap.Logger
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), ledgerotel.GinMiddleware(), RequestLogMiddleware(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for _, rc := range opts.Ready {
			if err := rc.Check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": rc.Name + "_not_ready", "error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := AuthMiddleware(opts.JWT, opts.Directory, logger)

	v1 := r.Group("/v1")
	v1.Use(auth)
	{
		v1.POST("/activity-events", RequirePermission(rbac.PermissionEventsWrite), h.Events.Record)
		v1.GET("/activity-events", RequirePermission(rbac.PermissionEventsRead), h.Events.Query)
		v1.GET("/activity-events/:id", RequirePermission(rbac.PermissionEventsRead), h.Events.Get)

		v1.POST("/notifications", RequirePermission(rbac.PermissionNotificationsWrite), h.Notifications.Create)
		v1.GET("/notifications", RequirePermission(rbac.PermissionNotificationsRead), h.Notifications.List)
		v1.GET("/notifications/:id", RequirePermission(rbac.PermissionNotificationsRead), h.Notifications.Get)
		v1.PATCH("/notifications/:id", RequirePermission(rbac.PermissionNotificationsWrite), h.Notifications.Update)

		if h.Analytics != nil {
			v1.POST("/analytics/run", RequirePermission(rbac.PermissionAnalyticsRun), h.Analytics.Run)
			v1.GET("/analytics/summary", RequirePermission(rbac.PermissionAnalyticsRead), h.Analytics.Summary)
		}
	}

	if h.Admin != nil {
		admin := r.Group("/admin")
		admin.Use(auth)
		{
			admin.POST("/lifecycle/run", RequirePermission(rbac.PermissionOpsLifecycle), h.Admin.RunLifecycle)
			admin.GET("/partitions", RequirePermission(rbac.PermissionOpsLifecycle), h.Admin.ListPartitions)
			admin.POST("/outbox/replay", RequirePermission(rbac.PermissionOpsOutbox), h.Admin.ReplayOutboxEvent)
			admin.POST("/outbox/replay-failed", RequirePermission(rbac.PermissionOpsOutbox), h.Admin.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Engine.ServeHTTP(w, req)
}
