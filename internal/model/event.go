package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Category classifies an activity event.
type Category string

const (
	CategoryUserAction  Category = "user_action"
	CategorySystemEvent Category = "system_event"
	CategoryIntegration Category = "integration"
	CategorySecurity    Category = "security"
	CategoryPerformance Category = "performance"
)

// Categories lists every valid event category.
var Categories = []Category{
	CategoryUserAction,
	CategorySystemEvent,
	CategoryIntegration,
	CategorySecurity,
	CategoryPerformance,
}

// Valid reports enum membership.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Severity is ordered from Debug to Critical.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Severities lists every valid severity in ascending order.
var Severities = []Severity{
	SeverityDebug,
	SeverityInfo,
	SeverityWarning,
	SeverityError,
	SeverityCritical,
}

// Rank returns the position of s in Severities, or -1 when s is not a member.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if s == v {
			return i
		}
	}
	return -1
}

// Valid reports enum membership.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ActorKind identifies who performed an action.
type ActorKind string

const (
	ActorUser    ActorKind = "user"
	ActorSystem  ActorKind = "system"
	ActorSession ActorKind = "session"
)

// Valid reports enum membership.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorUser, ActorSystem, ActorSession:
		return true
	}
	return false
}

// Actor is the optional originator of an event.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// EntityRef is a polymorphic (type, id) reference into a table the ledger does not own.
// Referential existence is the owning collaborator's concern.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ActivityEvent is an immutable fact recorded by the ingestion path.
// Only Archived and ArchivedAt change after the write, and only in bulk.
type ActivityEvent struct {
	ID          uuid.UUID              `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	Actor       *Actor                 `json:"actor,omitempty"`
	Type        string                 `json:"type"`
	Category    Category               `json:"category"`
	Severity    Severity               `json:"severity"`
	Entity      *EntityRef             `json:"entity,omitempty"`
	Parent      *EntityRef             `json:"parent,omitempty"`
	Payload     map[string]interface{} `json:"payload"`
	Description string                 `json:"description,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
	CreatedAt   time.Time              `json:"created_at"`
	Archived    bool                   `json:"archived"`
	ArchivedAt  *time.Time             `json:"archived_at,omitempty"`
}

// ActorID returns the actor id or "".
func (e *ActivityEvent) ActorID() string {
	if e.Actor == nil {
		return ""
	}
	return e.Actor.ID
}

// Clone returns a deep-enough copy for handing rows out of an in-memory store.
func (e *ActivityEvent) Clone() *ActivityEvent {
	cp := *e
	if e.Actor != nil {
		a := *e.Actor
		cp.Actor = &a
	}
	if e.Entity != nil {
		r := *e.Entity
		cp.Entity = &r
	}
	if e.Parent != nil {
		r := *e.Parent
		cp.Parent = &r
	}
	if e.ArchivedAt != nil {
		t := *e.ArchivedAt
		cp.ArchivedAt = &t
	}
	cp.Payload = clonePayload(e.Payload)
	return &cp
}

func clonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// EventDraft is the caller-supplied shape of an event before the ledger stamps it.
// Entity and parent references arrive as loose pairs and are validated together.
type EventDraft struct {
	TenantID    string                 `json:"tenant_id,omitempty"`
	ActorKind   string                 `json:"actor_kind,omitempty"`
	ActorID     string                 `json:"actor_id,omitempty"`
	Type        string                 `json:"type"`
	Category    string                 `json:"category"`
	Severity    string                 `json:"severity"`
	EntityType  *string                `json:"entity_type,omitempty"`
	EntityID    *string                `json:"entity_id,omitempty"`
	ParentType  *string                `json:"parent_type,omitempty"`
	ParentID    *string                `json:"parent_id,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Description string                 `json:"description,omitempty"`
	OccurredAt  *time.Time             `json:"occurred_at,omitempty"`
}

// EventQuery selects events within a mandatory time range [From, To).
type EventQuery struct {
	TenantID        string
	EntityType      string
	EntityID        string
	ParentType      string
	ParentID        string
	Types           []string
	Category        Category
	MinSeverity     Severity
	ActorID         string
	From            time.Time
	To              time.Time
	IncludeArchived bool
	Limit           int
	After           *Cursor
}

// Cursor is the keyset position of the last row of a page.
type Cursor struct {
	OccurredAt time.Time `json:"o"`
	CreatedAt  time.Time `json:"c"`
	ID         uuid.UUID `json:"i"`
}

// EventPage is one page of query results.
type EventPage struct {
	Events []*ActivityEvent
	Next   *Cursor
}

// Before reports whether a sorts strictly before b in ledger order
// (occurred_at, then created_at, then id).
func Before(a, b *ActivityEvent) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// AfterCursor reports whether e sorts strictly after c.
func AfterCursor(e *ActivityEvent, c *Cursor) bool {
	if c == nil {
		return true
	}
	return Before(&ActivityEvent{OccurredAt: c.OccurredAt, CreatedAt: c.CreatedAt, ID: c.ID}, e)
}

// CursorOf returns the cursor positioned at e.
func CursorOf(e *ActivityEvent) *Cursor {
	return &Cursor{OccurredAt: e.OccurredAt, CreatedAt: e.CreatedAt, ID: e.ID}
}

// Matches applies the non-tenant filters of q to e. Tenant scoping is applied
// by the store before this is ever consulted.
func (q *EventQuery) Matches(e *ActivityEvent) bool {
	if e.OccurredAt.Before(q.From) || !e.OccurredAt.Before(q.To) {
		return false
	}
	if e.Archived && !q.IncludeArchived {
		return false
	}
	if q.EntityType != "" && (e.Entity == nil || e.Entity.Type != q.EntityType) {
		return false
	}
	if q.EntityID != "" && (e.Entity == nil || e.Entity.ID != q.EntityID) {
		return false
	}
	if q.ParentType != "" && (e.Parent == nil || e.Parent.Type != q.ParentType) {
		return false
	}
	if q.ParentID != "" && (e.Parent == nil || e.Parent.ID != q.ParentID) {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	if q.MinSeverity != "" && !e.Severity.AtLeast(q.MinSeverity) {
		return false
	}
	if q.ActorID != "" && e.ActorID() != q.ActorID {
		return false
	}
	return true
}

// TypeHourCount is one (type, hour-of-day) bucket of an aggregate.
type TypeHourCount struct {
	Type  string `json:"type"`
	Hour  int    `json:"hour"`
	Count int64  `json:"count"`
}

// ActorCount is one actor bucket of an aggregate. Events without actor use "".
type ActorCount struct {
	ActorID string `json:"actor_id"`
	Count   int64  `json:"count"`
}

// EventAggregate holds the raw grouped counts the analytics aggregator summarizes.
type EventAggregate struct {
	ByTypeHour     []TypeHourCount
	ByActor        []ActorCount
	ExecTimeSumMs  float64
	ExecTimeSample int64
}

// Payload keys consulted for execution time, in order.
const (
	PayloadExecutionTimeMs = "execution_time_ms"
	PayloadDurationMs      = "duration_ms"
)

// ExecutionMs extracts the numeric execution time from a payload.
func ExecutionMs(payload map[string]interface{}) (float64, bool) {
	for _, key := range []string{PayloadExecutionTimeMs, PayloadDurationMs} {
		switch v := payload[key].(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
