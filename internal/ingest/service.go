// Package ingest records activity events and fires the notification rules
// they match.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractmq "opsledger/contracts/mq"
	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
	"opsledger/pkg/logger"
	"opsledger/pkg/metrics"
)

// ErrQueueFull is returned by a trigger that sheds load.
var ErrQueueFull = errors.New("trigger queue full")

// Appender is satisfied by *ledger.Ledger.
type Appender interface {
	Append(ctx context.Context, scope tenant.Scope, e *model.ActivityEvent) (uuid.UUID, error)
}

// Alerter is satisfied by *alert.Alerter.
type Alerter interface {
	Raise(ctx context.Context, kind, tenantID, subject, message string, labels map[string]string)
}

type Service struct {
	ledger      Appender
	clock       clock.Clock
	logger      *zap.Logger
	rules       []*Rule
	trigger     Trigger
	idempotency Idempotency
	alerter     Alerter
}

type Option func(*Service)

func WithRules(rules []*Rule) Option {
	return func(s *Service) { s.rules = rules }
}

func WithTrigger(t Trigger) Option {
	return func(s *Service) { s.trigger = t }
}

func WithIdempotency(i Idempotency) Option {
	return func(s *Service) { s.idempotency = i }
}

func WithAlerter(a Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

func NewService(l Appender, clk clock.Clock, logger *zap.Logger, opts ...Option) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Service{ledger: l, clock: clk, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

type recordOptions struct {
	idempotencyKey string
}

type RecordOption func(*recordOptions)

// WithIdempotencyKey rejects a replay of key with DuplicateRequest.
func WithIdempotencyKey(key string) RecordOption {
	return func(o *recordOptions) { o.idempotencyKey = key }
}

// Record validates the draft, appends it and fires matching rules. Rule
// failures are logged and never fail the write.
func (s *Service) Record(ctx context.Context, scope tenant.Scope, draft *model.EventDraft, opts ...RecordOption) (uuid.UUID, error) {
	var o recordOptions
	for _, fn := range opts {
		fn(&o)
	}
	if err := scope.Check("ingest.record"); err != nil {
		return uuid.Nil, err
	}
	tenantID := scope.TenantID()
	if draft != nil && draft.TenantID != "" {
		tenantID = draft.TenantID
	}
	e, err := model.BuildEvent(tenantID, draft, s.clock.Now())
	if err != nil {
		return uuid.Nil, err
	}

	keyed := o.idempotencyKey != "" && s.idempotency != nil
	if keyed && !s.idempotency.AcquireOnce(ctx, scope.TenantID(), o.idempotencyKey) {
		return uuid.Nil, errs.DuplicateRequest(o.idempotencyKey)
	}

	log := logger.WithTenant(ctx, s.logger, scope.TenantID())
	id, err := s.ledger.Append(ctx, scope, e)
	if err != nil {
		if keyed {
			s.idempotency.Release(ctx, scope.TenantID(), o.idempotencyKey)
		}
		if errors.Is(err, errs.ErrNoCoveringPartition) {
			s.raiseNoPartition(ctx, scope, e)
		}
		return uuid.Nil, err
	}
	log.Debug("Activity event recorded", zap.String("event_id", id.String()), zap.String("type", e.Type))

	s.fire(ctx, scope, e, log)
	return id, nil
}

func (s *Service) raiseNoPartition(ctx context.Context, scope tenant.Scope, e *model.ActivityEvent) {
	if s.alerter == nil {
		return
	}
	at := e.OccurredAt.Format(time.RFC3339Nano)
	s.alerter.Raise(ctx, contractmq.AlertNoCoveringPartition, scope.TenantID(),
		"activity_events", "no partition covers occurred_at "+at,
		map[string]string{"occurred_at": at, "type": e.Type})
}

func (s *Service) fire(ctx context.Context, scope tenant.Scope, e *model.ActivityEvent, log *zap.Logger) {
	if s.trigger == nil || len(s.rules) == 0 {
		return
	}
	now := s.clock.Now()
	for _, r := range s.rules {
		if !r.Matches(e) {
			continue
		}
		d, err := r.Render(e, now)
		if err != nil {
			reason := "render_failed"
			if errors.Is(err, errNoRecipient) {
				reason = "no_recipient"
			}
			metrics.IncrementTriggerDrop(s.trigger.Name(), reason)
			log.Warn("Notification rule skipped", zap.String("rule", r.Name()), zap.String("event_id", e.ID.String()), zap.Error(err))
			continue
		}
		req := Request{Rule: r.Name(), EventID: e.ID, Draft: d}
		if err := s.trigger.Fire(ctx, scope, req); err != nil {
			reason := "fire_failed"
			if errors.Is(err, ErrQueueFull) {
				reason = "queue_full"
			}
			metrics.IncrementTriggerDrop(s.trigger.Name(), reason)
			log.Warn("Notification trigger failed", zap.String("rule", r.Name()), zap.String("event_id", e.ID.String()), zap.Error(err))
		}
	}
}
