package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	contractmq "opsledger/contracts/mq"
	"opsledger/internal/errs"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
	"opsledger/pkg/logger"
	"opsledger/pkg/metrics"
)

const (
	consumerPrincipal = "notification-consumer"
	dedupScope        = "outbox"
)

// RequestedHandler consumes notification.requested envelopes published by the
// outbox dispatcher and creates the notification with delivery.
type RequestedHandler struct {
	creator Creator
	dedup   Idempotency
	clock   clock.Clock
	logger  *zap.Logger
}

func NewRequestedHandler(creator Creator, dedup Idempotency, clk clock.Clock, logger *zap.Logger) *RequestedHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RequestedHandler{creator: creator, dedup: dedup, clock: clk, logger: logger}
}

// Handle matches mq.MessageHandler. A redelivered outbox id is acknowledged
// without creating a second notification.
func (h *RequestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var env contractmq.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	var p contractmq.NotificationRequestedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode notification request: %w", err)
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int64("outbox_id", env.OutboxID),
		zap.String("tenant_id", p.TenantID),
		zap.String("rule", p.RuleName),
	)

	if env.TenantID != "" && p.TenantID != env.TenantID {
		metrics.IncrementTriggerDrop("outbox", "tenant_mismatch")
		log.Error("Notification request tenant does not match envelope", zap.String("envelope_tenant", env.TenantID))
		return nil
	}
	scope, err := tenant.NewScope(p.TenantID, consumerPrincipal, tenant.RoleSystem)
	if err != nil {
		metrics.IncrementTriggerDrop("outbox", "bad_tenant")
		log.Error("Dropping notification request", zap.Error(err))
		return nil
	}
	draft, err := draftFromPayload(&p)
	if err != nil {
		metrics.IncrementTriggerDrop("outbox", "bad_payload")
		log.Error("Dropping notification request", zap.Error(err))
		return nil
	}
	if expiredOnArrival(draft, h.clock.Now()) {
		metrics.IncrementTriggerDrop("outbox", "expired")
		log.Info("Notification request expired before delivery")
		return nil
	}

	key := outboxKey(env.OutboxID)
	if h.dedup != nil && !h.dedup.AcquireOnce(ctx, dedupScope, key) {
		return nil
	}
	n, err := h.creator.Create(ctx, scope, draft, true)
	if err != nil {
		if h.dedup != nil {
			h.dedup.Release(ctx, dedupScope, key)
		}
		if errs.GetCategory(err) == errs.CategoryValidation {
			metrics.IncrementTriggerDrop("outbox", "invalid")
			log.Error("Dropping invalid notification request", zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to create notification: %w", err)
	}
	log.Info("Notification created from request", zap.String("notification_id", n.ID.String()))
	return nil
}
