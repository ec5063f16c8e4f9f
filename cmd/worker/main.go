package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"opsledger/internal/app"
	"opsledger/pkg/config"
	"opsledger/pkg/logger"
	ledgerotel "opsledger/pkg/otel"
	"opsledger/pkg/mq"
)

const requestedQueue = "notification.requested.q"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	env := config.GetConfigEnv()
	cfg, err := app.LoadConfig(env, config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log)
	defer log.Sync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info("Starting opsledger worker...",
		zap.String("env", env),
		zap.String("driver", cfg.Ledger.Driver),
		zap.String("trigger", cfg.Ingest.Trigger),
		zap.String("mq_url", cfg.MQ.URL),
	)
	if cfg.Ledger.Driver == app.DriverMemory {
		log.Warn("Memory driver selected, the worker only sees its own process state")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := ledgerotel.Init(ctx, cfg.Tracing, "opsledger-worker", version, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	a.StartWorkers(ctx)
	log.Info("Lifecycle, sweeper, analytics and outbox jobs started")

	if cfg.MQ.URL != "" {
		log.Info("Initializing MQ consumer for notification.requested...",
			zap.String("queue", requestedQueue),
			zap.String("routing_key", mq.RoutingNotificationRequested),
		)
		consumer, err := mq.NewConsumer(cfg.MQ.URL, requestedQueue, mq.RoutingNotificationRequested, log)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.Error(err))
		}
		defer consumer.Close()
		consumer.SetHandler(a.RequestedHandler().Handle)

		go func() {
			if err := consumer.StartConsuming(ctx); err != nil {
				log.Error("notification.requested consumer failed", zap.Error(err))
				stop()
			}
		}()
		log.Info("notification.requested consumer started successfully")
	}

	var srv *http.Server
	if cfg.Workers.Port != "" {
		r := gin.New()
		r.Use(gin.Recovery())
		r.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))

		srv = &http.Server{Addr: cfg.Workers.Port, Handler: r}
		go func() {
			log.Info("Worker HTTP server starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Worker HTTP server failed", zap.Error(err))
			}
		}()
	}

	log.Info("opsledger worker is fully initialized and running")
	<-ctx.Done()
	log.Info("Shutting down opsledger worker gracefully...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Worker HTTP server shutdown error", zap.Error(err))
		}
	}

	log.Info("opsledger worker shutdown complete")
}
