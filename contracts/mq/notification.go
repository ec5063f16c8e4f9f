package mq

import (
	"encoding/json"
	"time"
)

// Envelope wraps every message the outbox dispatcher publishes so consumers
// can deduplicate on OutboxID.
type Envelope struct {
	OutboxID   int64           `json:"outbox_id"`
	TenantID   string          `json:"tenant_id"`
	RoutingKey string          `json:"routing_key"`
	TraceID    string          `json:"trace_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NotificationRequestedPayload asks the worker to create and dispatch a
// notification for a recorded activity event.
type NotificationRequestedPayload struct {
	TenantID      string                 `json:"tenant_id"`
	SourceEventID string                 `json:"source_event_id"`
	RuleName      string                 `json:"rule_name"`
	RecipientKind string                 `json:"recipient_kind"`
	RecipientID   string                 `json:"recipient_id"`
	Type          string                 `json:"type"`
	Category      string                 `json:"category"`
	Priority      int                    `json:"priority"`
	Title         string                 `json:"title"`
	Message       string                 `json:"message"`
	Content       map[string]interface{} `json:"content,omitempty"`
	RelatedType   string                 `json:"related_type,omitempty"`
	RelatedID     string                 `json:"related_id,omitempty"`
	Channels      []string               `json:"channels"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	TraceID       string                 `json:"trace_id,omitempty"`
}

// NotificationDeliverPayload is handed to the external email, sms or push gateway.
type NotificationDeliverPayload struct {
	NotificationID string                 `json:"notification_id"`
	TenantID       string                 `json:"tenant_id"`
	Channel        string                 `json:"channel"`
	RecipientKind  string                 `json:"recipient_kind"`
	RecipientID    string                 `json:"recipient_id"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Content        map[string]interface{} `json:"content,omitempty"`
	Priority       int                    `json:"priority"`
	Attempt        int                    `json:"attempt"`
	TraceID        string                 `json:"trace_id,omitempty"`
}
