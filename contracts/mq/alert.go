package mq

import "time"

// Alert kinds.
const (
	AlertNoCoveringPartition = "no_covering_partition"
	AlertLifecycleFailure    = "lifecycle_failure"
	AlertDeliveryAllFailed   = "delivery_all_failed"
)

// OpsAlertPayload is an operator-facing alert published to ops.alert.
type OpsAlertPayload struct {
	Kind     string            `json:"kind"`
	TenantID string            `json:"tenant_id,omitempty"`
	Subject  string            `json:"subject"`
	Message  string            `json:"message"`
	Labels   map[string]string `json:"labels,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
	TraceID  string            `json:"trace_id,omitempty"`
}
