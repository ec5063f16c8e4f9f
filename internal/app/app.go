package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"opsledger/internal/alert"
	"opsledger/internal/analytics"
	"opsledger/internal/api"
	"opsledger/internal/coldstore"
	"opsledger/internal/httpserver"
	"opsledger/internal/ingest"
	"opsledger/internal/ledger"
	"opsledger/internal/lifecycle"
	"opsledger/internal/model"
	"opsledger/internal/notify"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
	"opsledger/pkg/db"
	"opsledger/pkg/mq"
	"opsledger/pkg/outbox"
	redisclient "opsledger/pkg/redis"
	"opsledger/pkg/util"
)

const (
	keyPrefix          = "opsledger"
	lifecycleLockKey   = keyPrefix + ":lifecycle:run"
	failureCounterTTL  = 30 * 24 * time.Hour
	failureCounterPref = keyPrefix + ":lifecycle:failures"
	idempotencyPrefix  = keyPrefix + ":idem"
)

// App holds every component of one process. Optional components are nil when
// the configuration leaves them out: Pool without the postgres driver, Redis
// without redis.addr, Publisher without mq.url, Outbox without postgres.
type App struct {
	Config *Config
	Logger *zap.Logger
	Clock  clock.Clock

	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Publisher *mq.Publisher

	Directory tenant.Directory
	Enforcer  *tenant.Enforcer
	Store     ledger.Store
	Ledger    *ledger.Ledger
	Alerter   *alert.Alerter
	Lifecycle *lifecycle.Manager

	Notifications notify.Store
	Dispatcher    *notify.Dispatcher
	Notify        *notify.Service

	Idempotency ingest.Idempotency
	Ingest      *ingest.Service
	Trigger     *ingest.AsyncTrigger

	Outbox *outbox.Repository
	Replay *outbox.ReplayService

	Analytics *analytics.Aggregator

	closers []func()
}

// New connects the configured backends and wires the services on top of them.
// On error everything opened so far is closed.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger, Clock: clock.Real{}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err = a.connect(ctx); err != nil {
		return nil, err
	}

	var alertPub alert.Publisher
	if a.Publisher != nil {
		alertPub = a.Publisher
	}
	a.Alerter = alert.New(alertPub, logger, a.Clock)
	a.Enforcer = tenant.NewEnforcer(logger, a.Clock)

	if a.Pool != nil {
		a.Directory = tenant.NewPostgresDirectory(a.Pool)
		a.Store = ledger.NewPostgresStore(a.Pool, logger).WithLockTimeout(cfg.Ledger.DDLLockTimeout)
		a.Notifications = notify.NewPostgresStore(a.Pool, logger)
		a.Outbox = outbox.NewRepository(a.Pool)
	} else {
		a.Directory = tenant.NewMemoryDirectory(cfg.Ledger.Tenants...)
		a.Store = ledger.NewMemoryStore(a.Clock)
		a.Notifications = notify.NewMemoryStore()
	}

	a.Ledger = ledger.New(a.Store, a.Enforcer, a.Clock, logger, ledger.Options{MaxQueryRange: cfg.Ledger.MaxQueryRange})
	a.Enforcer.OnViolation(a.Ledger.AuditViolation)

	if a.Lifecycle, err = a.buildLifecycle(ctx); err != nil {
		return nil, err
	}

	a.Dispatcher = notify.NewDispatcher(a.Notifications, a.senders(), cfg.Notify.Dispatch, a.Clock, logger,
		notify.WithAlerter(a.Alerter))
	a.Notify = notify.NewService(a.Notifications, a.Dispatcher, a.Enforcer, a.Clock, logger)

	if a.Redis != nil {
		a.Idempotency = util.NewDeduper(a.Redis, idempotencyPrefix, cfg.Ingest.IdempotencyTTL, logger)
	} else {
		a.Idempotency = ingest.NewMemoryIdempotency(a.Clock, cfg.Ingest.IdempotencyTTL)
	}

	rules, err := ingest.CompileRules(cfg.Ingest.Rules)
	if err != nil {
		return nil, err
	}
	var trigger ingest.Trigger
	switch cfg.Ingest.Trigger {
	case TriggerOutbox:
		trigger = ingest.NewOutboxTrigger(a.Outbox)
	default:
		a.Trigger = ingest.NewAsyncTrigger(a.Notify, cfg.Ingest.QueueSize, cfg.Ingest.Workers, logger)
		a.Trigger.Start()
		a.closers = append(a.closers, a.Trigger.Stop)
		trigger = a.Trigger
	}
	a.Ingest = ingest.NewService(a.Ledger, a.Clock, logger,
		ingest.WithRules(rules),
		ingest.WithTrigger(trigger),
		ingest.WithIdempotency(a.Idempotency),
		ingest.WithAlerter(a.Alerter),
	)

	if a.Outbox != nil && a.Publisher != nil {
		a.Replay = outbox.NewReplayService(a.Outbox, a.Publisher, logger)
	}

	var summaries analytics.Store = analytics.NewMemoryStore()
	if a.Pool != nil {
		summaries = analytics.NewPostgresStore(a.Pool)
	}
	a.Analytics = analytics.NewAggregator(a.Ledger, summaries, a.Directory, a.Clock, logger)

	logger.Info("Application wired",
		zap.String("driver", cfg.Ledger.Driver),
		zap.String("trigger", cfg.Ingest.Trigger),
		zap.Bool("redis", a.Redis != nil),
		zap.Bool("mq", a.Publisher != nil),
		zap.Int("rules", len(rules)),
	)
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config

	if cfg.Ledger.Driver == DriverPostgres {
		pool, err := db.NewConnection(ctx, cfg.DB, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.Pool = pool
		if cfg.Ledger.Migrate {
			if err := db.Migrate(ctx, pool, a.Logger); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}

	if cfg.Redis.Enabled() {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			// Redis helpers fail open, keep the client and let it reconnect.
			a.Logger.Warn("Redis unavailable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		a.Redis = rdb
	}

	if cfg.MQ.URL != "" {
		pub, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to message broker: %w", err)
		}
		a.Publisher = pub
	}
	return nil
}

func (a *App) buildLifecycle(ctx context.Context) (*lifecycle.Manager, error) {
	cfg := a.Config
	opts := []lifecycle.Option{lifecycle.WithAlerter(a.Alerter)}

	if a.Redis != nil {
		opts = append(opts,
			lifecycle.WithRunLock(util.NewRunLock(a.Redis, lifecycleLockKey, processOwner(), cfg.Lifecycle.RunLockTTL)),
			lifecycle.WithFailureCounter(util.NewRetryCounter(a.Redis, failureCounterPref, failureCounterTTL)),
		)
	}

	if cfg.Lifecycle.ColdExport {
		var objects coldstore.ObjectStore
		switch cfg.ColdStore.Backend {
		case "s3":
			s3Store, err := coldstore.NewS3Store(ctx, cfg.ColdStore.S3)
			if err != nil {
				return nil, fmt.Errorf("failed to configure s3 cold store: %w", err)
			}
			objects = s3Store
		default:
			local, err := coldstore.NewLocalStore(cfg.ColdStore.LocalPath)
			if err != nil {
				return nil, fmt.Errorf("failed to configure local cold store: %w", err)
			}
			objects = local
		}
		opts = append(opts, lifecycle.WithExporter(coldstore.NewExporter(objects, cfg.ColdStore.Prefix, a.Logger)))
	}

	return lifecycle.NewManager(a.Store, cfg.Lifecycle, a.Clock, a.Logger, opts...), nil
}

func (a *App) senders() []notify.Sender {
	cfg := a.Config.Notify
	senders := []notify.Sender{
		notify.WebSender{},
		notify.NewWebhookSender(cfg.WebhookURL, cfg.WebhookTimeout),
	}
	if a.Publisher != nil {
		for _, g := range cfg.Gateways {
			senders = append(senders, notify.NewGatewaySender(model.Channel(g), a.Publisher))
		}
	}
	return senders
}

func processOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Router builds the HTTP surface over the wired services.
func (a *App) Router() *httpserver.Router {
	handlers := httpserver.Handlers{
		Events:        api.NewEventHandler(a.Ingest, a.Ledger, a.Logger),
		Notifications: api.NewNotificationHandler(a.Notify, a.Logger),
		Analytics:     api.NewAnalyticsHandler(a.Analytics, a.Logger),
		Admin:         api.NewAdminHandler(a.Lifecycle, a.Replay, a.Logger),
	}

	var ready []httpserver.ReadyCheck
	if a.Pool != nil {
		ready = append(ready, httpserver.ReadyCheck{Name: "db", Check: a.Pool.Ping})
	}
	if a.Publisher != nil {
		ready = append(ready, httpserver.ReadyCheck{Name: "mq", Check: func(context.Context) error {
			if !a.Publisher.IsConnected() {
				return fmt.Errorf("broker connection closed")
			}
			return nil
		}})
	}

	return httpserver.NewRouter(handlers, httpserver.Options{
		JWT:       a.Config.JWT,
		Directory: a.Directory,
		Ready:     ready,
		Logger:    a.Logger,
	})
}

// Sweeper returns a sweeper bound to the app's dispatcher.
func (a *App) Sweeper() *notify.Sweeper {
	return notify.NewSweeper(a.Notifications, a.Dispatcher, a.Clock, a.Logger, a.Config.Notify.SweepInterval)
}

// OutboxDispatcher returns nil unless both the outbox table and the broker
// are available.
func (a *App) OutboxDispatcher() *outbox.Dispatcher {
	if a.Outbox == nil || a.Publisher == nil {
		return nil
	}
	return outbox.NewDispatcher(a.Outbox, a.Publisher, a.Logger).
		WithInterval(a.Config.Outbox.Interval).
		WithBatchSize(a.Config.Outbox.BatchSize).
		WithMaxRetries(a.Config.Outbox.MaxRetries)
}

// RequestedHandler consumes notification.requested messages into the
// notification service.
func (a *App) RequestedHandler() *ingest.RequestedHandler {
	return ingest.NewRequestedHandler(a.Notify, a.Idempotency, a.Clock, a.Logger)
}

// StartWorkers launches the periodic jobs and returns immediately. They stop
// when ctx is done.
func (a *App) StartWorkers(ctx context.Context) {
	go lifecycle.NewScheduler(a.Lifecycle, a.Logger).Start(ctx)
	go a.Sweeper().Start(ctx)
	go analytics.NewScheduler(a.Analytics, a.Config.Analytics.Interval, a.Logger).Start(ctx)
	if d := a.OutboxDispatcher(); d != nil {
		go d.Start(ctx)
	}
}

// Close releases resources in reverse order of acquisition. It is safe on a
// partially built App.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
