package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractmq "opsledger/contracts/mq"
	"opsledger/pkg/clock"
	"opsledger/pkg/mq"
	"opsledger/pkg/trace"
)

type capture struct {
	keys     []string
	payloads []any
	err      error
}

func (c *capture) Publish(_ context.Context, key string, payload any) error {
	c.keys = append(c.keys, key)
	c.payloads = append(c.payloads, payload)
	return c.err
}

func TestRaisePublishesOpsAlert(t *testing.T) {
	pub := &capture{}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(pub, zap.NewNop(), clock.NewManual(at))

	ctx := trace.WithContext(context.Background(), "trace-1")
	a.Raise(ctx, contractmq.AlertNoCoveringPartition, "acme", "activity_events", "no partition", map[string]string{"occurred_at": "2026"})

	require.Equal(t, []string{mq.RoutingOpsAlert}, pub.keys)
	got := pub.payloads[0].(contractmq.OpsAlertPayload)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Equal(t, at, got.RaisedAt)
}

func TestRaiseSurvivesPublishFailure(t *testing.T) {
	pub := &capture{err: errors.New("broker down")}
	a := New(pub, zap.NewNop(), nil)
	assert.NotPanics(t, func() {
		a.Raise(context.Background(), contractmq.AlertLifecycleFailure, "", "p", "m", nil)
	})
	assert.Len(t, pub.keys, 1)
}

func TestRaiseWithoutPublisher(t *testing.T) {
	a := New(nil, zap.NewNop(), nil)
	assert.NotPanics(t, func() {
		a.Raise(context.Background(), contractmq.AlertDeliveryAllFailed, "acme", "n", "m", nil)
	})
}
