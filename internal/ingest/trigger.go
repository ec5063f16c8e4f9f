package ingest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractmq "opsledger/contracts/mq"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/logger"
	"opsledger/pkg/metrics"
	"opsledger/pkg/mq"
	"opsledger/pkg/outbox"
	"opsledger/pkg/trace"
)

// Request asks for a notification on behalf of a recorded event.
type Request struct {
	Rule    string
	EventID uuid.UUID
	Draft   *model.NotificationDraft
}

// Trigger hands requests off without waiting for delivery. Fire must not block
// on the notification path.
type Trigger interface {
	Name() string
	Fire(ctx context.Context, scope tenant.Scope, req Request) error
}

// Creator is satisfied by *notify.Service.
type Creator interface {
	Create(ctx context.Context, scope tenant.Scope, draft *model.NotificationDraft, dispatch bool) (*model.Notification, error)
}

type job struct {
	ctx   context.Context
	scope tenant.Scope
	req   Request
}

// AsyncTrigger queues requests in memory for a fixed set of workers. A full
// queue drops the request.
type AsyncTrigger struct {
	creator Creator
	logger  *zap.Logger
	queue   chan job
	workers int

	once sync.Once
	wg   sync.WaitGroup
}

func NewAsyncTrigger(creator Creator, queueSize, workers int, logger *zap.Logger) *AsyncTrigger {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	return &AsyncTrigger{creator: creator, logger: logger, queue: make(chan job, queueSize), workers: workers}
}

func (t *AsyncTrigger) Name() string { return "async" }

// Fire enqueues req. It returns ErrQueueFull instead of blocking.
func (t *AsyncTrigger) Fire(ctx context.Context, scope tenant.Scope, req Request) error {
	j := job{ctx: trace.WithContext(context.Background(), trace.FromContext(ctx)), scope: scope, req: req}
	select {
	case t.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. They exit once Stop closes the queue and it drains.
func (t *AsyncTrigger) Start() {
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for j := range t.queue {
				t.handle(j)
			}
		}()
	}
}

// Stop closes the queue and waits for queued requests to finish.
func (t *AsyncTrigger) Stop() {
	t.once.Do(func() { close(t.queue) })
	t.wg.Wait()
}

func (t *AsyncTrigger) handle(j job) {
	log := logger.WithTrace(j.ctx, t.logger)
	n, err := t.creator.Create(j.ctx, j.scope, j.req.Draft, true)
	if err != nil {
		metrics.IncrementTriggerDrop(t.Name(), "create_failed")
		log.Error("Failed to create triggered notification",
			zap.String("tenant_id", j.scope.TenantID()),
			zap.String("rule", j.req.Rule),
			zap.String("event_id", j.req.EventID.String()),
			zap.Error(err),
		)
		return
	}
	log.Debug("Triggered notification created",
		zap.String("rule", j.req.Rule),
		zap.String("notification_id", n.ID.String()),
	)
}

// OutboxWriter is satisfied by *outbox.Repository.
type OutboxWriter interface {
	Insert(ctx context.Context, event *outbox.Event) error
}

// OutboxTrigger persists requests as notification.requested outbox rows for
// the outbox dispatcher to publish.
type OutboxTrigger struct {
	writer OutboxWriter
}

func NewOutboxTrigger(writer OutboxWriter) *OutboxTrigger {
	return &OutboxTrigger{writer: writer}
}

func (t *OutboxTrigger) Name() string { return "outbox" }

func (t *OutboxTrigger) Fire(ctx context.Context, scope tenant.Scope, req Request) error {
	eventID := req.EventID.String()
	ev, err := outbox.NewEvent(scope.TenantID(), "activity_event", &eventID,
		mq.RoutingNotificationRequested, requestedPayload(scope.TenantID(), req, trace.FromContext(ctx)))
	if err != nil {
		return err
	}
	return t.writer.Insert(ctx, ev)
}

func requestedPayload(tenantID string, req Request, traceID string) contractmq.NotificationRequestedPayload {
	d := req.Draft
	p := contractmq.NotificationRequestedPayload{
		TenantID:      tenantID,
		SourceEventID: req.EventID.String(),
		RuleName:      req.Rule,
		RecipientKind: d.RecipientKind,
		RecipientID:   d.RecipientID,
		Type:          d.Type,
		Category:      d.Category,
		Priority:      d.Priority,
		Title:         d.Title,
		Message:       d.Message,
		Content:       d.Content,
		Channels:      d.Channels,
		ExpiresAt:     d.ExpiresAt,
		TraceID:       traceID,
	}
	if d.RelatedType != nil && d.RelatedID != nil {
		p.RelatedType, p.RelatedID = *d.RelatedType, *d.RelatedID
	}
	return p
}

// draftFromPayload is the inverse of requestedPayload.
func draftFromPayload(p *contractmq.NotificationRequestedPayload) (*model.NotificationDraft, error) {
	d := &model.NotificationDraft{
		TenantID:      p.TenantID,
		RecipientKind: p.RecipientKind,
		RecipientID:   p.RecipientID,
		Type:          p.Type,
		Category:      p.Category,
		Priority:      p.Priority,
		Title:         p.Title,
		Message:       p.Message,
		Content:       p.Content,
		Channels:      p.Channels,
		ExpiresAt:     p.ExpiresAt,
	}
	if p.RelatedType != "" && p.RelatedID != "" {
		typ, id := p.RelatedType, p.RelatedID
		d.RelatedType, d.RelatedID = &typ, &id
	}
	if p.SourceEventID != "" {
		id, err := uuid.Parse(p.SourceEventID)
		if err != nil {
			return nil, err
		}
		d.SourceEventID = &id
	}
	return d, nil
}

func outboxKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// expiredOnArrival reports whether a queued request outlived its expiry.
func expiredOnArrival(d *model.NotificationDraft, now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}
