package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsledger/internal/errs"
)

func strp(s string) *string { return &s }

var testNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func TestBuildEventDefaults(t *testing.T) {
	e, err := BuildEvent("acme", &EventDraft{Type: "invoice.created"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, CategoryUserAction, e.Category)
	assert.Equal(t, SeverityInfo, e.Severity)
	assert.Equal(t, testNow, e.OccurredAt)
	assert.NotNil(t, e.Payload)
	assert.Nil(t, e.Actor)
	assert.Nil(t, e.Entity)
}

func TestBuildEventTruncatesToMicroseconds(t *testing.T) {
	at := time.Date(2025, 1, 15, 10, 0, 0, 123456789, time.UTC)
	e, err := BuildEvent("acme", &EventDraft{Type: "invoice.created", OccurredAt: &at}, testNow)
	require.NoError(t, err)
	assert.Equal(t, 123456000, e.OccurredAt.Nanosecond())
}

func TestBuildEventRejects(t *testing.T) {
	cases := []struct {
		name  string
		draft *EventDraft
		field string
	}{
		{"nil draft", nil, "event"},
		{"missing type", &EventDraft{}, "type"},
		{"flat type", &EventDraft{Type: "created"}, "type"},
		{"uppercase type", &EventDraft{Type: "Invoice.Created"}, "type"},
		{"unknown category", &EventDraft{Type: "a.b", Category: "gossip"}, "category"},
		{"unknown severity", &EventDraft{Type: "a.b", Severity: "fatal"}, "severity"},
		{"entity type without id", &EventDraft{Type: "a.b", EntityType: strp("invoice")}, "entity"},
		{"parent id without type", &EventDraft{Type: "a.b", ParentID: strp("p1")}, "parent"},
		{"user actor without id", &EventDraft{Type: "a.b", ActorKind: "user"}, "actor_id"},
		{"unknown actor kind", &EventDraft{Type: "a.b", ActorKind: "robot", ActorID: "r1"}, "actor_kind"},
		{"long description", &EventDraft{Type: "a.b", Description: strings.Repeat("x", MaxDescriptionLength+1)}, "description"},
		{"zero occurred_at", &EventDraft{Type: "a.b", OccurredAt: &time.Time{}}, "occurred_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildEvent("acme", tc.draft, testNow)
			require.ErrorIs(t, err, errs.ErrValidation)
			e, ok := errs.As(err)
			require.True(t, ok)
			assert.Equal(t, tc.field, e.Field)
		})
	}
}

func TestBuildEventSystemActorNeedsNoID(t *testing.T) {
	e, err := BuildEvent("acme", &EventDraft{Type: "job.started", ActorKind: "system"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, &Actor{Kind: ActorSystem}, e.Actor)
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityWarning))
	assert.True(t, SeverityWarning.AtLeast(SeverityWarning))
	assert.False(t, SeverityInfo.AtLeast(SeverityWarning))
	assert.Equal(t, -1, Severity("fatal").Rank())
}

func TestExecutionMs(t *testing.T) {
	v, ok := ExecutionMs(map[string]interface{}{"execution_time_ms": float64(12.5)})
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)

	v, ok = ExecutionMs(map[string]interface{}{"duration_ms": 40})
	assert.True(t, ok)
	assert.Equal(t, float64(40), v)

	_, ok = ExecutionMs(map[string]interface{}{"execution_time_ms": "fast"})
	assert.False(t, ok)
}

func TestBuildNotificationDefaults(t *testing.T) {
	n, err := BuildNotification("acme", &NotificationDraft{
		RecipientID: "u1",
		Type:        "invoice.overdue",
		Title:       "Invoice overdue",
		Channels:    []string{"web", "email", "web"},
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, RecipientUser, n.Recipient.Kind)
	assert.Equal(t, NotifyInfo, n.Category)
	assert.Equal(t, DefaultPriority, n.Priority)
	assert.Equal(t, []Channel{ChannelWeb, ChannelEmail}, n.Channels)
	require.Len(t, n.DeliveryStatus, 2)
	for _, st := range n.DeliveryStatus {
		assert.Equal(t, DeliveryPending, st.State)
	}
	assert.Equal(t, OutcomePending, n.DeliveryOutcome)
	assert.False(t, n.Read)
	assert.NoError(t, CheckNotificationInvariants(n))
}

func TestBuildNotificationRejects(t *testing.T) {
	past := testNow.Add(-time.Minute)
	later := testNow.Add(time.Hour)
	tooLate := testNow.Add(2 * time.Hour)
	base := func() *NotificationDraft {
		return &NotificationDraft{RecipientID: "u1", Type: "t", Title: "x", Channels: []string{"web"}}
	}
	cases := []struct {
		name   string
		mutate func(d *NotificationDraft)
		field  string
	}{
		{"no recipient", func(d *NotificationDraft) { d.RecipientID = " " }, "recipient_id"},
		{"bad kind", func(d *NotificationDraft) { d.RecipientKind = "planet" }, "recipient_kind"},
		{"priority low", func(d *NotificationDraft) { d.Priority = -1 }, "priority"},
		{"priority high", func(d *NotificationDraft) { d.Priority = 10 }, "priority"},
		{"no channels", func(d *NotificationDraft) { d.Channels = nil }, "channels"},
		{"unknown channel", func(d *NotificationDraft) { d.Channels = []string{"pigeon"} }, "channels"},
		{"expired at creation", func(d *NotificationDraft) { d.ExpiresAt = &past }, "expires_at"},
		{"expires at creation instant", func(d *NotificationDraft) { now := testNow; d.ExpiresAt = &now }, "expires_at"},
		{"scheduled after expiry", func(d *NotificationDraft) { d.ExpiresAt = &later; d.ScheduledFor = &tooLate }, "scheduled_for"},
		{"no title", func(d *NotificationDraft) { d.Title = "" }, "title"},
		{"bad category", func(d *NotificationDraft) { d.Category = "spam" }, "category"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := base()
			tc.mutate(d)
			_, err := BuildNotification("acme", d, testNow)
			require.ErrorIs(t, err, errs.ErrValidation)
			e, _ := errs.As(err)
			assert.Equal(t, tc.field, e.Field)
		})
	}
}

func newNotification(t *testing.T, channels ...string) *Notification {
	t.Helper()
	n, err := BuildNotification("acme", &NotificationDraft{RecipientID: "u1", Type: "t", Title: "x", Channels: channels}, testNow)
	require.NoError(t, err)
	return n
}

func TestNotificationReadAndDismissAreIndependent(t *testing.T) {
	n := newNotification(t, "web", "email")
	n.DeliveryStatus[ChannelWeb].State = DeliveryDelivered

	n.Dismiss(testNow.Add(time.Minute))
	assert.True(t, n.Dismissed)
	assert.False(t, n.Read)
	assert.Nil(t, n.ReadAt)
	assert.Equal(t, DeliveryCancelled, n.DeliveryStatus[ChannelEmail].State)
	assert.Equal(t, OutcomePartial, n.DeliveryOutcome)
	assert.False(t, n.Unread(testNow))

	first := testNow.Add(2 * time.Minute)
	n.MarkRead(first)
	n.MarkRead(first.Add(time.Hour))
	require.NotNil(t, n.ReadAt)
	assert.Equal(t, first, *n.ReadAt)
	assert.NoError(t, CheckNotificationInvariants(n))
}

func TestNotificationExpire(t *testing.T) {
	n := newNotification(t, "email", "sms")
	n.DeliveryStatus[ChannelSMS].State = DeliveryFailed

	assert.True(t, n.Expire(testNow.Add(time.Hour)))
	assert.Equal(t, DeliveryExpired, n.DeliveryStatus[ChannelEmail].State)
	assert.Equal(t, OutcomeExpired, n.DeliveryOutcome)
	assert.False(t, n.Expire(testNow.Add(2*time.Hour)))
}

func TestRecomputeOutcome(t *testing.T) {
	cases := []struct {
		name   string
		states []DeliveryState
		want   DeliveryOutcome
	}{
		{"all delivered", []DeliveryState{DeliveryDelivered, DeliveryDelivered}, OutcomeDelivered},
		{"all failed", []DeliveryState{DeliveryFailed, DeliveryFailed}, OutcomeAllFailed},
		{"mixed", []DeliveryState{DeliveryDelivered, DeliveryFailed}, OutcomePartial},
		{"pending wins", []DeliveryState{DeliveryDelivered, DeliveryPending}, OutcomePending},
		{"cancelled", []DeliveryState{DeliveryCancelled, DeliveryFailed}, OutcomeCancelled},
	}
	chans := []Channel{ChannelWeb, ChannelEmail}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := &Notification{DeliveryStatus: map[Channel]*ChannelStatus{}}
			for i, st := range tc.states {
				n.DeliveryStatus[chans[i]] = &ChannelStatus{State: st}
			}
			n.RecomputeOutcome()
			assert.Equal(t, tc.want, n.DeliveryOutcome)
		})
	}
}

func TestNotificationOrdering(t *testing.T) {
	a := &Notification{Priority: 9, CreatedAt: testNow}
	b := &Notification{Priority: 5, CreatedAt: testNow.Add(time.Hour)}
	c := &Notification{Priority: 5, CreatedAt: testNow}
	assert.True(t, NotificationBefore(a, b))
	assert.True(t, NotificationBefore(b, c))
	assert.False(t, NotificationBefore(c, b))
}

func TestMonthlyPartition(t *testing.T) {
	p := MonthlyPartition(time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, "activity_events_p202512", p.Name)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), p.End)
	assert.True(t, p.Covers(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, p.Covers(p.End))
	assert.Equal(t, PartitionPlanned, p.State)
}
