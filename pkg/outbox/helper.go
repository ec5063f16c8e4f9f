package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	contractmq "opsledger/contracts/mq"
	"opsledger/pkg/trace"
)

// NewEvent 将 payload 编码为待发送的 outbox 事件
func NewEvent(tenantID, aggregateType string, aggregateID *string, routingKey string, payload interface{}) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outbox payload: %w", err)
	}
	return &Event{
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}, nil
}

// Envelope 把 outbox 事件包装成发布用的信封
func Envelope(ctx context.Context, event *Event) contractmq.Envelope {
	return contractmq.Envelope{
		OutboxID:   event.ID,
		TenantID:   event.TenantID,
		RoutingKey: event.RoutingKey,
		TraceID:    trace.FromContext(ctx),
		Payload:    event.Payload,
		CreatedAt:  event.CreatedAt.UTC().Truncate(time.Microsecond),
	}
}

// contextFromPayload 从 payload 中提取 trace_id（如果存在）
func contextFromPayload(ctx context.Context, payload json.RawMessage) context.Context {
	var head struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &head); err == nil && head.TraceID != "" {
		return trace.WithContext(ctx, head.TraceID)
	}
	return ctx
}
