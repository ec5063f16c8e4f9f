package model

import (
	"time"

	"github.com/google/uuid"
)

// RecipientKind identifies what a notification recipient id refers to.
type RecipientKind string

const (
	RecipientUser       RecipientKind = "user"
	RecipientRole       RecipientKind = "role"
	RecipientDepartment RecipientKind = "department"
	RecipientBusiness   RecipientKind = "business"
	RecipientExternal   RecipientKind = "external"
)

// Valid reports enum membership.
func (k RecipientKind) Valid() bool {
	switch k {
	case RecipientUser, RecipientRole, RecipientDepartment, RecipientBusiness, RecipientExternal:
		return true
	}
	return false
}

// NotificationCategory is the presentation category of a notification.
type NotificationCategory string

const (
	NotifyInfo      NotificationCategory = "info"
	NotifySuccess   NotificationCategory = "success"
	NotifyWarning   NotificationCategory = "warning"
	NotifyError     NotificationCategory = "error"
	NotifyUrgent    NotificationCategory = "urgent"
	NotifyMarketing NotificationCategory = "marketing"
)

// Valid reports enum membership.
func (c NotificationCategory) Valid() bool {
	switch c {
	case NotifyInfo, NotifySuccess, NotifyWarning, NotifyError, NotifyUrgent, NotifyMarketing:
		return true
	}
	return false
}

// Channel is a notification delivery medium.
type Channel string

const (
	ChannelWeb     Channel = "web"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
)

// Valid reports enum membership.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelEmail, ChannelSMS, ChannelPush, ChannelWebhook:
		return true
	}
	return false
}

// DeliveryState is the per-channel delivery state.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryExpired   DeliveryState = "expired"
	DeliveryCancelled DeliveryState = "cancelled"
)

// Terminal reports whether no further attempt will be made.
func (s DeliveryState) Terminal() bool {
	return s != DeliveryPending
}

// DeliveryOutcome summarizes all channels of a notification.
type DeliveryOutcome string

const (
	OutcomePending   DeliveryOutcome = "pending"
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomePartial   DeliveryOutcome = "partial"
	OutcomeAllFailed DeliveryOutcome = "all_failed"
	OutcomeExpired   DeliveryOutcome = "expired"
	OutcomeCancelled DeliveryOutcome = "cancelled"
)

const (
	MinPriority     = 1
	MaxPriority     = 9
	DefaultPriority = 5
)

// ChannelStatus tracks delivery of one channel.
type ChannelStatus struct {
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"last_error,omitempty"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty"`
}

// Recipient addresses a notification.
type Recipient struct {
	Kind RecipientKind `json:"kind"`
	ID   string        `json:"id"`
}

// Notification is a mutable inbox record with per-channel delivery state.
type Notification struct {
	ID              uuid.UUID                  `json:"id"`
	TenantID        string                     `json:"tenant_id"`
	Recipient       Recipient                  `json:"recipient"`
	SenderID        string                     `json:"sender_id,omitempty"`
	Type            string                     `json:"type"`
	Category        NotificationCategory       `json:"category"`
	Priority        int                        `json:"priority"`
	Title           string                     `json:"title"`
	Message         string                     `json:"message"`
	Content         map[string]interface{}     `json:"content,omitempty"`
	Related         *EntityRef                 `json:"related,omitempty"`
	Channels        []Channel                  `json:"channels"`
	DeliveryStatus  map[Channel]*ChannelStatus `json:"delivery_status"`
	DeliveryOutcome DeliveryOutcome            `json:"delivery_outcome"`
	Read            bool                       `json:"read"`
	ReadAt          *time.Time                 `json:"read_at,omitempty"`
	Dismissed       bool                       `json:"dismissed"`
	DismissedAt     *time.Time                 `json:"dismissed_at,omitempty"`
	ScheduledFor    *time.Time                 `json:"scheduled_for,omitempty"`
	ExpiresAt       *time.Time                 `json:"expires_at,omitempty"`
	SourceEventID   *uuid.UUID                 `json:"source_event_id,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Expired reports whether expires_at has passed at now.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// Due reports whether a scheduled notification may be dispatched at now.
func (n *Notification) Due(now time.Time) bool {
	return n.ScheduledFor == nil || !now.Before(*n.ScheduledFor)
}

// Unread reports whether the notification counts toward the recipient's unread total.
func (n *Notification) Unread(now time.Time) bool {
	return !n.Read && !n.Dismissed && !n.Expired(now)
}

// HasPending reports whether any channel is still awaiting delivery.
func (n *Notification) HasPending() bool {
	for _, st := range n.DeliveryStatus {
		if st.State == DeliveryPending {
			return true
		}
	}
	return false
}

// MarkRead sets read and read_at together. Idempotent.
func (n *Notification) MarkRead(now time.Time) {
	if n.Read {
		return
	}
	t := now
	n.Read = true
	n.ReadAt = &t
	n.UpdatedAt = now
}

// Dismiss sets dismissed and dismissed_at together and cancels pending channels.
// It does not mark the notification read. Idempotent.
func (n *Notification) Dismiss(now time.Time) {
	if n.Dismissed {
		return
	}
	t := now
	n.Dismissed = true
	n.DismissedAt = &t
	for _, st := range n.DeliveryStatus {
		if st.State == DeliveryPending {
			st.State = DeliveryCancelled
			st.NextAttemptAt = nil
		}
	}
	n.RecomputeOutcome()
	n.UpdatedAt = now
}

// Expire moves every pending channel to expired. Returns true if anything changed.
func (n *Notification) Expire(now time.Time) bool {
	changed := false
	for _, st := range n.DeliveryStatus {
		if st.State == DeliveryPending {
			st.State = DeliveryExpired
			st.NextAttemptAt = nil
			changed = true
		}
	}
	if changed {
		n.RecomputeOutcome()
		n.UpdatedAt = now
	}
	return changed
}

// RecomputeOutcome derives DeliveryOutcome from the channel states.
func (n *Notification) RecomputeOutcome() {
	var pending, delivered, failed, expired, cancelled int
	for _, st := range n.DeliveryStatus {
		switch st.State {
		case DeliveryPending:
			pending++
		case DeliveryDelivered:
			delivered++
		case DeliveryFailed:
			failed++
		case DeliveryExpired:
			expired++
		case DeliveryCancelled:
			cancelled++
		}
	}
	total := len(n.DeliveryStatus)
	switch {
	case pending > 0:
		n.DeliveryOutcome = OutcomePending
	case total > 0 && delivered == total:
		n.DeliveryOutcome = OutcomeDelivered
	case total > 0 && failed == total:
		n.DeliveryOutcome = OutcomeAllFailed
	case delivered > 0:
		n.DeliveryOutcome = OutcomePartial
	case expired > 0:
		n.DeliveryOutcome = OutcomeExpired
	case cancelled > 0:
		n.DeliveryOutcome = OutcomeCancelled
	default:
		n.DeliveryOutcome = OutcomeAllFailed
	}
}

// Clone returns a copy safe to mutate without touching the original.
func (n *Notification) Clone() *Notification {
	cp := *n
	cp.Channels = append([]Channel(nil), n.Channels...)
	cp.DeliveryStatus = make(map[Channel]*ChannelStatus, len(n.DeliveryStatus))
	for ch, st := range n.DeliveryStatus {
		s := *st
		cp.DeliveryStatus[ch] = &s
	}
	if n.Content != nil {
		cp.Content = clonePayload(n.Content)
	}
	if n.Related != nil {
		r := *n.Related
		cp.Related = &r
	}
	return &cp
}

// NotificationDraft is the caller-supplied shape of a notification.
type NotificationDraft struct {
	TenantID      string                 `json:"tenant_id,omitempty"`
	RecipientKind string                 `json:"recipient_kind"`
	RecipientID   string                 `json:"recipient_id"`
	SenderID      string                 `json:"sender_id,omitempty"`
	Type          string                 `json:"type"`
	Category      string                 `json:"category"`
	Priority      int                    `json:"priority,omitempty"`
	Title         string                 `json:"title"`
	Message       string                 `json:"message"`
	Content       map[string]interface{} `json:"content,omitempty"`
	RelatedType   *string                `json:"related_type,omitempty"`
	RelatedID     *string                `json:"related_id,omitempty"`
	Channels      []string               `json:"channels"`
	ScheduledFor  *time.Time             `json:"scheduled_for,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	SourceEventID *uuid.UUID             `json:"source_event_id,omitempty"`
}

// NotificationQuery lists notifications for a recipient.
type NotificationQuery struct {
	RecipientID   string
	RecipientKind RecipientKind
	UnreadOnly    bool
	Limit         int
	Offset        int
	Now           time.Time
}

// Matches applies the query filters to n.
func (q *NotificationQuery) Matches(n *Notification) bool {
	if q.RecipientID != "" && n.Recipient.ID != q.RecipientID {
		return false
	}
	if q.RecipientKind != "" && n.Recipient.Kind != q.RecipientKind {
		return false
	}
	if q.UnreadOnly && !n.Unread(q.Now) {
		return false
	}
	return true
}

// NotificationBefore orders by priority descending then recency.
func NotificationBefore(a, b *Notification) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}
