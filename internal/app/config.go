package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"opsledger/internal/coldstore"
	"opsledger/internal/ingest"
	"opsledger/internal/lifecycle"
	"opsledger/internal/model"
	"opsledger/internal/notify"
	"opsledger/pkg/config"
	"opsledger/pkg/logger"
	ledgerotel "opsledger/pkg/otel"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	TriggerAsync  = "async"
	TriggerOutbox = "outbox"
)

// LedgerConfig selects the storage backend.
type LedgerConfig struct {
	Driver        string        `yaml:"driver"`
	MaxQueryRange time.Duration `yaml:"max_query_range"`
	// Tenants seeds the in-memory directory; PostgreSQL reads the tenants table.
	Tenants []string `yaml:"tenants"`
	Migrate bool     `yaml:"migrate"`
	// DDLLockTimeout bounds how long partition DDL waits on locks held by
	// queries; a timed out step is retried on the next lifecycle run.
	DDLLockTimeout time.Duration `yaml:"ddl_lock_timeout"`
}

// IngestConfig tunes the ingestion path and its notification rules.
type IngestConfig struct {
	Trigger        string              `yaml:"trigger"`
	QueueSize      int                 `yaml:"queue_size"`
	Workers        int                 `yaml:"workers"`
	IdempotencyTTL time.Duration       `yaml:"idempotency_ttl"`
	Rules          []ingest.RuleConfig `yaml:"rules"`
}

// NotifyConfig tunes delivery. Gateways lists the channels handed to the
// broker as notification.deliver.<channel> messages.
type NotifyConfig struct {
	Dispatch       notify.DispatchConfig `yaml:"dispatch"`
	WebhookURL     string                `yaml:"webhook_url"`
	WebhookTimeout time.Duration         `yaml:"webhook_timeout"`
	Gateways       []string              `yaml:"gateways"`
	SweepInterval  time.Duration         `yaml:"sweep_interval"`
}

// ColdStoreConfig selects where archived partitions are exported.
type ColdStoreConfig struct {
	Backend   string             `yaml:"backend"` // "", local, s3
	LocalPath string             `yaml:"local_path"`
	Prefix    string             `yaml:"prefix"`
	S3        coldstore.S3Config `yaml:"s3"`
}

// WorkersConfig decides whether cmd/server also runs the background jobs.
// The memory driver always runs them in-process.
type WorkersConfig struct {
	InProcess bool `yaml:"in_process"`
	// Port serves /healthz and /metrics from cmd/worker. Empty disables it.
	Port string `yaml:"port"`
}

type AnalyticsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// Config is the full process configuration shared by every binary.
type Config struct {
	Log       logger.Options      `yaml:"log"`
	Server    config.ServerConfig `yaml:"server"`
	JWT       config.JWTConfig    `yaml:"jwt"`
	DB        config.DBConfig     `yaml:"db"`
	MQ        config.MQConfig     `yaml:"mq"`
	Redis     config.RedisConfig  `yaml:"redis"`
	Ledger    LedgerConfig        `yaml:"ledger"`
	Ingest    IngestConfig        `yaml:"ingest"`
	Notify    NotifyConfig        `yaml:"notify"`
	Lifecycle lifecycle.Config    `yaml:"lifecycle"`
	ColdStore ColdStoreConfig     `yaml:"coldstore"`
	Analytics AnalyticsConfig     `yaml:"analytics"`
	Outbox    OutboxConfig        `yaml:"outbox"`
	Workers   WorkersConfig       `yaml:"workers"`
	Tracing   ledgerotel.Config   `yaml:"tracing"`
}

// LoadConfig reads config/<env>.yaml over config/base.yaml, applies
// environment overrides and defaults, and validates the result.
func LoadConfig(env, dir string) (*Config, error) {
	raw, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	if endpoint := os.Getenv("OTEL_COLLECTOR_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = endpoint
	}
	if driver := os.Getenv("LEDGER_DRIVER"); driver != "" {
		cfg.Ledger.Driver = driver
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults.
func (c *Config) Normalize() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if !strings.Contains(c.Server.Port, ":") {
		c.Server.Port = ":" + c.Server.Port
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "opsledger"
	}
	if c.DB.SlowQuery <= 0 {
		c.DB.SlowQuery = 200 * time.Millisecond
	}

	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = DriverMemory
	}
	if c.Ledger.Driver == DriverMemory {
		c.Workers.InProcess = true
	}
	if c.Ledger.DDLLockTimeout <= 0 {
		c.Ledger.DDLLockTimeout = 5 * time.Second
	}

	c.Ingest.Trigger = strings.ToLower(strings.TrimSpace(c.Ingest.Trigger))
	if c.Ingest.Trigger == "" {
		c.Ingest.Trigger = TriggerAsync
	}
	if c.Ingest.QueueSize <= 0 {
		c.Ingest.QueueSize = 1024
	}
	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = 4
	}
	if c.Ingest.IdempotencyTTL <= 0 {
		c.Ingest.IdempotencyTTL = 24 * time.Hour
	}

	c.Notify.Dispatch.Normalize()
	if c.Notify.WebhookTimeout <= 0 {
		c.Notify.WebhookTimeout = 10 * time.Second
	}
	if c.Notify.SweepInterval <= 0 {
		c.Notify.SweepInterval = 30 * time.Second
	}

	c.Lifecycle.Normalize()

	if c.Analytics.Interval <= 0 {
		c.Analytics.Interval = time.Hour
	}

	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 5
	}
}

// Validate rejects combinations no binary can run with.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case DriverMemory:
		if c.Ingest.Trigger == TriggerOutbox {
			return fmt.Errorf("ingest.trigger %q requires ledger.driver %q", TriggerOutbox, DriverPostgres)
		}
	case DriverPostgres:
		if c.DB.Host == "" || c.DB.Name == "" {
			return fmt.Errorf("ledger.driver %q requires db.host and db.name", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown ledger.driver %q", c.Ledger.Driver)
	}

	switch c.Ingest.Trigger {
	case TriggerAsync:
	case TriggerOutbox:
		if c.MQ.URL == "" {
			return fmt.Errorf("ingest.trigger %q requires mq.url", TriggerOutbox)
		}
	default:
		return fmt.Errorf("unknown ingest.trigger %q", c.Ingest.Trigger)
	}

	if len(c.Notify.Gateways) > 0 && c.MQ.URL == "" {
		return fmt.Errorf("notify.gateways requires mq.url")
	}
	for _, g := range c.Notify.Gateways {
		ch := model.Channel(g)
		if !ch.Valid() || ch == model.ChannelWeb || ch == model.ChannelWebhook {
			return fmt.Errorf("notify.gateways: %q cannot be delivered through the broker", g)
		}
	}

	switch c.ColdStore.Backend {
	case "", "local", "s3":
	default:
		return fmt.Errorf("unknown coldstore.backend %q", c.ColdStore.Backend)
	}
	if c.Lifecycle.ColdExport && c.ColdStore.Backend == "" {
		return fmt.Errorf("lifecycle.cold_export requires coldstore.backend")
	}

	if c.JWT.Secret == "" || strings.HasPrefix(c.JWT.Secret, "${") {
		return fmt.Errorf("jwt.secret is required")
	}
	if _, err := ingest.CompileRules(c.Ingest.Rules); err != nil {
		return fmt.Errorf("invalid ingest.rules: %w", err)
	}
	return nil
}
