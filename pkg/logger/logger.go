package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"opsledger/pkg/trace"
)

// Log is the process-wide logger set by NewLogger.
var Log *zap.Logger

// Options tunes the logger built by NewLogger.
type Options struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

// NewLogger builds a zap production logger, or a development one when asked,
// and installs it as Log.
func NewLogger(opts ...Options) *zap.Logger {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	cfg := zap.NewProductionConfig()
	if o.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	if o.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(o.Level)); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	Log = l
	return l
}

// WithTrace adds the context trace_id to logger.
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := trace.FromContext(ctx)
	if traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}

// WithTenant adds tenant_id and trace_id to logger.
func WithTenant(ctx context.Context, logger *zap.Logger, tenantID string) *zap.Logger {
	return WithTrace(ctx, logger).With(zap.String("tenant_id", tenantID))
}
