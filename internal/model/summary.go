package model

import "time"

// AnalyticsSummary is the derived per-tenant report for one window [WindowStart, WindowEnd).
type AnalyticsSummary struct {
	TenantID       string          `json:"tenant_id"`
	WindowStart    time.Time       `json:"window_start"`
	WindowEnd      time.Time       `json:"window_end"`
	Total          int64           `json:"total"`
	ByTypeHour     []TypeHourCount `json:"by_type_hour"`
	ByActor        []ActorCount    `json:"by_actor"`
	AvgExecutionMs *float64        `json:"avg_execution_ms,omitempty"`
	PeakHour       int             `json:"peak_hour"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// Tenant is a directory entry. Tenants are created out-of-band and only ever deactivated.
type Tenant struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}
