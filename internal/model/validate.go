package model

import (
	"regexp"
	"strings"
	"time"

	"opsledger/internal/errs"
)

const (
	MaxTypeLength        = 128
	MaxDescriptionLength = 4096
	MaxRefLength         = 128
)

var (
	eventTypePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
	entityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	tenantIDPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)
)

// ValidEventType reports whether t is a namespaced lowercase identifier such as invoice.created.
func ValidEventType(t string) bool {
	return len(t) <= MaxTypeLength && eventTypePattern.MatchString(t)
}

// ValidTenantID reports whether id is an acceptable opaque tenant identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// Micro truncates t to the microsecond resolution the store persists.
func Micro(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// BuildEvent validates a draft and turns it into an event for tenantID.
// ID and CreatedAt are left for the store to stamp.
func BuildEvent(tenantID string, d *EventDraft, now time.Time) (*ActivityEvent, error) {
	if d == nil {
		return nil, errs.Validation("event", "draft is required")
	}
	typ := strings.TrimSpace(d.Type)
	if typ == "" {
		return nil, errs.Validation("type", "is required")
	}
	if !ValidEventType(typ) {
		return nil, errs.Validation("type", "must be a namespaced lowercase identifier like invoice.created, got %q", typ)
	}

	category := Category(d.Category)
	if d.Category == "" {
		category = CategoryUserAction
	}
	if !category.Valid() {
		return nil, errs.Validation("category", "unknown category %q", d.Category)
	}

	severity := Severity(d.Severity)
	if d.Severity == "" {
		severity = SeverityInfo
	}
	if !severity.Valid() {
		return nil, errs.Validation("severity", "unknown severity %q", d.Severity)
	}

	entity, err := buildRef("entity", d.EntityType, d.EntityID)
	if err != nil {
		return nil, err
	}
	parent, err := buildRef("parent", d.ParentType, d.ParentID)
	if err != nil {
		return nil, err
	}

	var actor *Actor
	if d.ActorKind != "" || d.ActorID != "" {
		kind := ActorKind(d.ActorKind)
		if d.ActorKind == "" {
			kind = ActorUser
		}
		if !kind.Valid() {
			return nil, errs.Validation("actor_kind", "unknown actor kind %q", d.ActorKind)
		}
		if d.ActorID == "" && kind != ActorSystem {
			return nil, errs.Validation("actor_id", "is required for %s actors", kind)
		}
		actor = &Actor{Kind: kind, ID: d.ActorID}
	}

	if len(d.Description) > MaxDescriptionLength {
		return nil, errs.Validation("description", "exceeds %d characters", MaxDescriptionLength)
	}

	occurredAt := now
	if d.OccurredAt != nil {
		if d.OccurredAt.IsZero() {
			return nil, errs.Validation("occurred_at", "must not be the zero time")
		}
		occurredAt = *d.OccurredAt
	}

	payload := d.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return &ActivityEvent{
		TenantID:    tenantID,
		Actor:       actor,
		Type:        typ,
		Category:    category,
		Severity:    severity,
		Entity:      entity,
		Parent:      parent,
		Payload:     payload,
		Description: d.Description,
		OccurredAt:  Micro(occurredAt),
	}, nil
}

// buildRef enforces that both halves of a polymorphic reference are set or neither is.
func buildRef(field string, typ, id *string) (*EntityRef, error) {
	hasType := typ != nil && *typ != ""
	hasID := id != nil && *id != ""
	if hasType != hasID {
		return nil, errs.Validation(field, "%s_type and %s_id must be provided together", field, field)
	}
	if !hasType {
		return nil, nil
	}
	if !entityTypePattern.MatchString(*typ) || len(*typ) > MaxRefLength {
		return nil, errs.Validation(field+"_type", "must be a lowercase identifier, got %q", *typ)
	}
	if len(*id) > MaxRefLength {
		return nil, errs.Validation(field+"_id", "exceeds %d characters", MaxRefLength)
	}
	return &EntityRef{Type: *typ, ID: *id}, nil
}

// CheckEventInvariants verifies the stored-row invariants of e.
func CheckEventInvariants(e *ActivityEvent) error {
	if e.TenantID == "" {
		return errs.Validation("tenant_id", "must not be empty")
	}
	if e.Entity != nil && (e.Entity.Type == "" || e.Entity.ID == "") {
		return errs.Validation("entity", "entity_type and entity_id must be provided together")
	}
	if e.Parent != nil && (e.Parent.Type == "" || e.Parent.ID == "") {
		return errs.Validation("parent", "parent_type and parent_id must be provided together")
	}
	if e.Archived != (e.ArchivedAt != nil) {
		return errs.Validation("archived_at", "must be set iff archived")
	}
	if !ValidEventType(e.Type) {
		return errs.Validation("type", "invalid event type %q", e.Type)
	}
	if !e.Severity.Valid() {
		return errs.Validation("severity", "unknown severity %q", e.Severity)
	}
	if !e.Category.Valid() {
		return errs.Validation("category", "unknown category %q", e.Category)
	}
	return nil
}

const (
	MaxTitleLength   = 255
	MaxMessageLength = 8192
)

// BuildNotification validates a draft and returns a notification with every channel pending.
// ID is left for the store to stamp.
func BuildNotification(tenantID string, d *NotificationDraft, now time.Time) (*Notification, error) {
	if d == nil {
		return nil, errs.Validation("notification", "draft is required")
	}
	kind := RecipientKind(d.RecipientKind)
	if d.RecipientKind == "" {
		kind = RecipientUser
	}
	if !kind.Valid() {
		return nil, errs.Validation("recipient_kind", "unknown recipient kind %q", d.RecipientKind)
	}
	if strings.TrimSpace(d.RecipientID) == "" {
		return nil, errs.Validation("recipient_id", "is required")
	}
	if strings.TrimSpace(d.Type) == "" {
		return nil, errs.Validation("type", "is required")
	}
	if len(d.Type) > MaxTypeLength {
		return nil, errs.Validation("type", "exceeds %d characters", MaxTypeLength)
	}

	category := NotificationCategory(d.Category)
	if d.Category == "" {
		category = NotifyInfo
	}
	if !category.Valid() {
		return nil, errs.Validation("category", "unknown category %q", d.Category)
	}

	priority := d.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, errs.Validation("priority", "must be between %d and %d, got %d", MinPriority, MaxPriority, d.Priority)
	}

	if strings.TrimSpace(d.Title) == "" {
		return nil, errs.Validation("title", "is required")
	}
	if len(d.Title) > MaxTitleLength {
		return nil, errs.Validation("title", "exceeds %d characters", MaxTitleLength)
	}
	if len(d.Message) > MaxMessageLength {
		return nil, errs.Validation("message", "exceeds %d characters", MaxMessageLength)
	}

	if len(d.Channels) == 0 {
		return nil, errs.Validation("channels", "at least one channel is required")
	}
	channels := make([]Channel, 0, len(d.Channels))
	status := make(map[Channel]*ChannelStatus, len(d.Channels))
	for _, raw := range d.Channels {
		ch := Channel(raw)
		if !ch.Valid() {
			return nil, errs.Validation("channels", "unknown channel %q", raw)
		}
		if _, dup := status[ch]; dup {
			continue
		}
		channels = append(channels, ch)
		status[ch] = &ChannelStatus{State: DeliveryPending}
	}

	related, err := buildRef("related", d.RelatedType, d.RelatedID)
	if err != nil {
		return nil, err
	}

	created := Micro(now)
	var expires, scheduled *time.Time
	if d.ExpiresAt != nil {
		t := Micro(*d.ExpiresAt)
		if !t.After(created) {
			return nil, errs.Validation("expires_at", "must be after creation time %s", created.Format(time.RFC3339Nano))
		}
		expires = &t
	}
	if d.ScheduledFor != nil {
		t := Micro(*d.ScheduledFor)
		if expires != nil && !t.Before(*expires) {
			return nil, errs.Validation("scheduled_for", "must be before expires_at")
		}
		scheduled = &t
	}

	n := &Notification{
		TenantID:       tenantID,
		Recipient:      Recipient{Kind: kind, ID: d.RecipientID},
		SenderID:       d.SenderID,
		Type:           d.Type,
		Category:       category,
		Priority:       priority,
		Title:          d.Title,
		Message:        d.Message,
		Content:        d.Content,
		Related:        related,
		Channels:       channels,
		DeliveryStatus: status,
		ScheduledFor:   scheduled,
		ExpiresAt:      expires,
		SourceEventID:  d.SourceEventID,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	n.RecomputeOutcome()
	return n, nil
}

// CheckNotificationInvariants verifies the stored-row invariants of n.
func CheckNotificationInvariants(n *Notification) error {
	if n.TenantID == "" {
		return errs.Validation("tenant_id", "must not be empty")
	}
	if n.Read != (n.ReadAt != nil) {
		return errs.Validation("read_at", "must be set iff read")
	}
	if n.Dismissed != (n.DismissedAt != nil) {
		return errs.Validation("dismissed_at", "must be set iff dismissed")
	}
	if n.ExpiresAt != nil && !n.ExpiresAt.After(n.CreatedAt) {
		return errs.Validation("expires_at", "must be after created_at")
	}
	if n.Priority < MinPriority || n.Priority > MaxPriority {
		return errs.Validation("priority", "out of range")
	}
	return nil
}
