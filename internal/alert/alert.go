// Package alert raises operator-facing alerts: an error log, a counter and,
// when a broker is configured, an ops.alert message.
package alert

import (
	"context"

	"go.uber.org/zap"

	contractmq "opsledger/contracts/mq"
	"opsledger/pkg/clock"
	"opsledger/pkg/logger"
	"opsledger/pkg/metrics"
	"opsledger/pkg/mq"
	"opsledger/pkg/trace"
)

// Publisher is the subset of mq.Publisher the alerter uses.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Alerter raises alerts. The zero publisher only logs and counts.
type Alerter struct {
	pub    Publisher
	logger *zap.Logger
	clock  clock.Clock
}

// New creates an alerter. pub may be nil.
func New(pub Publisher, logger *zap.Logger, clk clock.Clock) *Alerter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Alerter{pub: pub, logger: logger, clock: clk}
}

// Raise records one alert. Publishing failures are logged and swallowed.
func (a *Alerter) Raise(ctx context.Context, kind, tenantID, subject, message string, labels map[string]string) {
	metrics.IncrementAlert(kind)
	log := logger.WithTrace(ctx, a.logger)
	log.Error("Operational alert",
		zap.String("kind", kind),
		zap.String("tenant_id", tenantID),
		zap.String("subject", subject),
		zap.String("message", message),
		zap.Any("labels", labels),
	)
	if a.pub == nil {
		return
	}
	payload := contractmq.OpsAlertPayload{
		Kind:     kind,
		TenantID: tenantID,
		Subject:  subject,
		Message:  message,
		Labels:   labels,
		RaisedAt: a.clock.Now(),
		TraceID:  trace.FromContext(ctx),
	}
	if err := a.pub.Publish(ctx, mq.RoutingOpsAlert, payload); err != nil {
		log.Warn("Failed to publish alert", zap.String("kind", kind), zap.Error(err))
	}
}
