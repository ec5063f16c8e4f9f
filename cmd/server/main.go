package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"opsledger/internal/app"
	"opsledger/pkg/config"
	"opsledger/pkg/logger"
	ledgerotel "opsledger/pkg/otel"
)

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

	log.Info("Starting opsledger server...",
		zap.String("env", env),
		zap.String("driver", cfg.Ledger.Driver),
		zap.String("port", cfg.Server.Port),
		zap.Bool("in_process_workers", cfg.Workers.InProcess),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := ledgerotel.Init(ctx, cfg.Tracing, "opsledger-server", version, log)
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

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	if cfg.Workers.InProcess {
		a.StartWorkers(workerCtx)
		log.Info("Background jobs running in-process")
	}

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: a.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Info("opsledger server is fully initialized and running")

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Error("HTTP server failed", zap.Error(err))
		exitCode = 1
	}
	log.Info("Shutting down opsledger server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	cancelWorkers()
	a.Close()

	log.Info("opsledger server shutdown complete")
	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}
