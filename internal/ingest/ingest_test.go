package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractmq "opsledger/contracts/mq"
	"opsledger/internal/errs"
	"opsledger/internal/ledger"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
	"opsledger/pkg/mq"
	"opsledger/pkg/outbox"
)

var (
	scopeA = tenant.MustScope("tenant-a", "alice", tenant.RoleMember)
	scopeB = tenant.MustScope("tenant-b", "bob", tenant.RoleMember)
)

type recordingCreator struct {
	mu     sync.Mutex
	drafts []*model.NotificationDraft
	scopes []tenant.Scope
	err    error
}

func (c *recordingCreator) Create(_ context.Context, scope tenant.Scope, d *model.NotificationDraft, _ bool) (*model.Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.drafts = append(c.drafts, d)
	c.scopes = append(c.scopes, scope)
	return &model.Notification{ID: uuid.New(), TenantID: scope.TenantID()}, nil
}

func (c *recordingCreator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.drafts)
}

type recordingAlerter struct {
	mu    sync.Mutex
	kinds []string
}

func (a *recordingAlerter) Raise(_ context.Context, kind, _, _, _ string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

func newLedger(t *testing.T) (*ledger.Ledger, *ledger.MemoryStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore(clk)
	_, err := store.CreatePartition(context.Background(), model.MonthlyPartition(clk.Now()))
	require.NoError(t, err)
	return ledger.New(store, nil, clk, zap.NewNop(), ledger.Options{}), store, clk
}

func assignRule(t *testing.T) []*Rule {
	t.Helper()
	rules, err := CompileRules([]RuleConfig{{
		Name:          "assignment",
		EventType:     "work_order.*",
		RecipientFrom: "payload.assignee",
		Priority:      7,
		Title:         "{{.Type}} at {{.Payload.site}}",
		Message:       "Work order {{.Entity.ID}} needs attention",
		Channels:      []string{"web", "email"},
		ExpiresIn:     time.Hour,
	}})
	require.NoError(t, err)
	return rules
}

func woDraft(assignee string) *model.EventDraft {
	typ, id := "work_order", "wo-1"
	return &model.EventDraft{
		Type:       "work_order.created",
		EntityType: &typ,
		EntityID:   &id,
		Payload:    map[string]interface{}{"site": "plant-7", "assignee": assignee},
	}
}

func TestRecordAppendsEvent(t *testing.T) {
	l, _, clk := newLedger(t)
	svc := NewService(l, clk, zap.NewNop())

	id, err := svc.Record(context.Background(), scopeA, woDraft("u-1"))
	require.NoError(t, err)

	e, err := l.Get(context.Background(), scopeA, id)
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), e.OccurredAt)
	assert.Equal(t, "plant-7", e.Payload["site"])

	_, err = svc.Record(context.Background(), scopeA, &model.EventDraft{Type: "Bad Type"})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = svc.Record(context.Background(), tenant.Scope{}, woDraft("u-1"))
	assert.ErrorIs(t, err, errs.ErrNoTenantContext)
}

func TestRecordForeignTenantIsRejected(t *testing.T) {
	l, _, clk := newLedger(t)
	svc := NewService(l, clk, zap.NewNop())
	d := woDraft("u-1")
	d.TenantID = "tenant-b"

	_, err := svc.Record(context.Background(), scopeA, d)
	assert.ErrorIs(t, err, errs.ErrTenantIsolation)
}

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	l, _, clk := newLedger(t)
	svc := NewService(l, clk, zap.NewNop(), WithIdempotency(NewMemoryIdempotency(clk, 24*time.Hour)))
	ctx := context.Background()

	first, err := svc.Record(ctx, scopeA, woDraft("u-1"), WithIdempotencyKey("req-1"))
	require.NoError(t, err)
	_, err = svc.Record(ctx, scopeA, woDraft("u-1"), WithIdempotencyKey("req-1"))
	assert.ErrorIs(t, err, errs.ErrDuplicateRequest)

	other, err := svc.Record(ctx, scopeB, woDraft("u-1"), WithIdempotencyKey("req-1"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	clk.Advance(25 * time.Hour)
	_, err = svc.Record(ctx, scopeA, woDraft("u-1"), WithIdempotencyKey("req-1"))
	assert.NoError(t, err, "keys expire after the ttl")
}

func TestFailedAppendReleasesIdempotencyKey(t *testing.T) {
	l, store, clk := newLedger(t)
	alerts := &recordingAlerter{}
	svc := NewService(l, clk, zap.NewNop(),
		WithIdempotency(NewMemoryIdempotency(clk, time.Hour)),
		WithAlerter(alerts),
	)
	ctx := context.Background()

	future := clk.Now().AddDate(1, 0, 0)
	d := woDraft("u-1")
	d.OccurredAt = &future
	_, err := svc.Record(ctx, scopeA, d, WithIdempotencyKey("k"))
	require.ErrorIs(t, err, errs.ErrNoCoveringPartition)
	assert.Equal(t, []string{contractmq.AlertNoCoveringPartition}, alerts.kinds)

	_, err = store.CreatePartition(ctx, model.MonthlyPartition(future))
	require.NoError(t, err)
	_, err = svc.Record(ctx, scopeA, d, WithIdempotencyKey("k"))
	require.NoError(t, err)
}

func TestMatchingRuleFiresAsyncTrigger(t *testing.T) {
	l, _, clk := newLedger(t)
	creator := &recordingCreator{}
	trig := NewAsyncTrigger(creator, 8, 2, zap.NewNop())
	trig.Start()
	svc := NewService(l, clk, zap.NewNop(), WithRules(assignRule(t)), WithTrigger(trig))

	id, err := svc.Record(context.Background(), scopeA, woDraft("u-9"))
	require.NoError(t, err)
	_, err = svc.Record(context.Background(), scopeA, &model.EventDraft{Type: "invoice.paid"})
	require.NoError(t, err)
	trig.Stop()

	require.Equal(t, 1, creator.count())
	d := creator.drafts[0]
	assert.Equal(t, "tenant-a", creator.scopes[0].TenantID())
	assert.Equal(t, "u-9", d.RecipientID)
	assert.Equal(t, "work_order.created at plant-7", d.Title)
	assert.Equal(t, "Work order wo-1 needs attention", d.Message)
	assert.Equal(t, []string{"web", "email"}, d.Channels)
	assert.Equal(t, 7, d.Priority)
	require.NotNil(t, d.SourceEventID)
	assert.Equal(t, id, *d.SourceEventID)
	require.NotNil(t, d.RelatedID)
	assert.Equal(t, "wo-1", *d.RelatedID)
	require.NotNil(t, d.ExpiresAt)
	assert.Equal(t, clk.Now().Add(time.Hour), *d.ExpiresAt)
}

func TestRuleWithoutRecipientIsSkipped(t *testing.T) {
	l, _, clk := newLedger(t)
	creator := &recordingCreator{}
	trig := NewAsyncTrigger(creator, 8, 1, zap.NewNop())
	trig.Start()
	svc := NewService(l, clk, zap.NewNop(), WithRules(assignRule(t)), WithTrigger(trig))

	_, err := svc.Record(context.Background(), scopeA, woDraft(""))
	require.NoError(t, err)
	trig.Stop()
	assert.Zero(t, creator.count())
}

func TestFullQueueNeverFailsTheWrite(t *testing.T) {
	l, _, clk := newLedger(t)
	creator := &recordingCreator{}
	trig := NewAsyncTrigger(creator, 1, 1, zap.NewNop())
	svc := NewService(l, clk, zap.NewNop(), WithRules(assignRule(t)), WithTrigger(trig))

	for i := 0; i < 3; i++ {
		_, err := svc.Record(context.Background(), scopeA, woDraft("u-1"))
		require.NoError(t, err)
	}
	assert.ErrorIs(t, trig.Fire(context.Background(), scopeA, Request{}), ErrQueueFull)

	trig.Start()
	trig.Stop()
	assert.Equal(t, 1, creator.count())
}

func TestCreateFailureIsSwallowedByAsyncTrigger(t *testing.T) {
	l, _, clk := newLedger(t)
	creator := &recordingCreator{err: errors.New("db down")}
	trig := NewAsyncTrigger(creator, 4, 1, zap.NewNop())
	trig.Start()
	svc := NewService(l, clk, zap.NewNop(), WithRules(assignRule(t)), WithTrigger(trig))

	_, err := svc.Record(context.Background(), scopeA, woDraft("u-1"))
	require.NoError(t, err)
	trig.Stop()
}

type captureWriter struct {
	events []*outbox.Event
}

func (w *captureWriter) Insert(_ context.Context, ev *outbox.Event) error {
	ev.ID = int64(len(w.events) + 1)
	ev.CreatedAt = time.Now()
	w.events = append(w.events, ev)
	return nil
}

func envelopeBody(t *testing.T, ev *outbox.Event) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(outbox.Envelope(context.Background(), ev))
	require.NoError(t, err)
	return body
}

func TestOutboxTriggerIsConsumedOnce(t *testing.T) {
	l, _, clk := newLedger(t)
	writer := &captureWriter{}
	svc := NewService(l, clk, zap.NewNop(), WithRules(assignRule(t)), WithTrigger(NewOutboxTrigger(writer)))

	id, err := svc.Record(context.Background(), scopeA, woDraft("u-3"))
	require.NoError(t, err)
	require.Len(t, writer.events, 1)
	ev := writer.events[0]
	assert.Equal(t, mq.RoutingNotificationRequested, ev.RoutingKey)
	assert.Equal(t, "tenant-a", ev.TenantID)
	require.NotNil(t, ev.AggregateID)
	assert.Equal(t, id.String(), *ev.AggregateID)

	creator := &recordingCreator{}
	h := NewRequestedHandler(creator, NewMemoryIdempotency(clk, time.Hour), clk, zap.NewNop())
	body := envelopeBody(t, ev)
	require.NoError(t, h.Handle(context.Background(), body))
	require.NoError(t, h.Handle(context.Background(), body))

	require.Equal(t, 1, creator.count())
	d := creator.drafts[0]
	assert.Equal(t, "u-3", d.RecipientID)
	assert.Equal(t, "tenant-a", creator.scopes[0].TenantID())
	require.NotNil(t, d.SourceEventID)
	assert.Equal(t, id, *d.SourceEventID)
	assert.Equal(t, "wo-1", *d.RelatedID)
}

func TestRequestedHandlerRetriesTransientFailures(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	creator := &recordingCreator{err: errors.New("connection refused")}
	h := NewRequestedHandler(creator, NewMemoryIdempotency(clk, time.Hour), clk, zap.NewNop())

	ev, err := outbox.NewEvent("tenant-a", "activity_event", nil, mq.RoutingNotificationRequested,
		contractmq.NotificationRequestedPayload{TenantID: "tenant-a", RecipientID: "u-1", Type: "x", Title: "t", Channels: []string{"web"}})
	require.NoError(t, err)
	ev.ID = 42
	body := envelopeBody(t, ev)

	require.Error(t, h.Handle(context.Background(), body))
	creator.err = nil
	require.NoError(t, h.Handle(context.Background(), body))
	assert.Equal(t, 1, creator.count())
}

func TestRequestedHandlerDropsBadRequests(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	creator := &recordingCreator{}
	h := NewRequestedHandler(creator, nil, clk, zap.NewNop())

	past := clk.Now().Add(-time.Minute)
	cases := map[string]contractmq.NotificationRequestedPayload{
		"malformed tenant": {TenantID: "bad tenant", RecipientID: "u-1", Title: "t"},
		"expired":          {TenantID: "tenant-a", RecipientID: "u-1", Title: "t", ExpiresAt: &past},
		"bad source id":    {TenantID: "tenant-a", RecipientID: "u-1", Title: "t", SourceEventID: "nope"},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			ev, err := outbox.NewEvent(p.TenantID, "activity_event", nil, mq.RoutingNotificationRequested, p)
			require.NoError(t, err)
			assert.NoError(t, h.Handle(context.Background(), envelopeBody(t, ev)))
		})
	}
	assert.Zero(t, creator.count())

	assert.Error(t, h.Handle(context.Background(), json.RawMessage(`{not json`)))
}

func TestCompileRulesRejectsBadConfig(t *testing.T) {
	cases := map[string]RuleConfig{
		"no event type":    {Recipient: "u", Title: "t"},
		"bad glob":         {EventType: "a.[", Recipient: "u", Title: "t"},
		"no recipient":     {EventType: "a.b", Title: "t"},
		"bad source":       {EventType: "a.b", RecipientFrom: "header", Title: "t"},
		"no title":         {EventType: "a.b", Recipient: "u"},
		"bad template":     {EventType: "a.b", Recipient: "u", Title: "{{.Type"},
		"bad min severity": {EventType: "a.b", Recipient: "u", Title: "t", MinSeverity: "loud"},
		"bad category":     {EventType: "a.b", Recipient: "u", Title: "t", Category: "incident"},
		"bad kind":         {EventType: "a.b", Recipient: "u", Title: "t", RecipientKind: "team"},
		"bad priority":     {EventType: "a.b", Recipient: "u", Title: "t", Priority: 10},
		"bad channel":      {EventType: "a.b", Recipient: "u", Title: "t", Channels: []string{"pager"}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CompileRules([]RuleConfig{c})
			assert.Error(t, err)
		})
	}
}

func TestRuleMatching(t *testing.T) {
	rules, err := CompileRules([]RuleConfig{
		{Name: "exact", EventType: "invoice.paid", Recipient: "fin", Title: "paid"},
		{Name: "severe", EventType: "*", MinSeverity: "error", RecipientFrom: "actor", Title: "{{.Type}}"},
	})
	require.NoError(t, err)

	paid := &model.ActivityEvent{Type: "invoice.paid", Severity: model.SeverityInfo}
	crash := &model.ActivityEvent{Type: "job.crashed", Severity: model.SeverityCritical, Actor: &model.Actor{Kind: model.ActorUser, ID: "ops-1"}}

	assert.True(t, rules[0].Matches(paid))
	assert.False(t, rules[0].Matches(crash))
	assert.False(t, rules[1].Matches(paid))
	assert.True(t, rules[1].Matches(crash))

	d, err := rules[1].Render(crash, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ops-1", d.RecipientID)
	assert.Equal(t, []string{"web"}, d.Channels)
	assert.Nil(t, d.RelatedType)
}
