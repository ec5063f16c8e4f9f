package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
	"opsledger/pkg/logger"
	"opsledger/pkg/metrics"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Service is the tenant-scoped notification API.
type Service struct {
	store      Store
	dispatcher *Dispatcher
	enforcer   *tenant.Enforcer
	clock      clock.Clock
	logger     *zap.Logger
}

// NewService wires the service. dispatcher may be nil, in which case created
// notifications wait for the sweeper.
func NewService(store Store, dispatcher *Dispatcher, enforcer *tenant.Enforcer, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if enforcer == nil {
		enforcer = tenant.NewEnforcer(logger, clk)
	}
	return &Service{store: store, dispatcher: dispatcher, enforcer: enforcer, clock: clk, logger: logger}
}

// Create validates and stores a notification with every channel pending.
// When dispatch is set delivery starts in the background; its outcome never
// reaches the caller.
func (s *Service) Create(ctx context.Context, scope tenant.Scope, draft *model.NotificationDraft, dispatch bool) (*model.Notification, error) {
	if draft == nil {
		return nil, errs.Validation("notification", "draft is required")
	}
	if err := s.enforcer.Authorize(ctx, scope, draft.TenantID, "notification.create"); err != nil {
		return nil, err
	}
	n, err := model.BuildNotification(scope.TenantID(), draft, s.clock.Now())
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, errs.Internal("failed to generate notification id", err)
	}
	n.ID = id
	if err := s.store.Insert(ctx, scope, n); err != nil {
		return nil, err
	}

	log := logger.WithTrace(ctx, s.logger)
	log.Info("Notification created",
		zap.String("tenant_id", n.TenantID),
		zap.String("notification_id", n.ID.String()),
		zap.String("recipient_id", n.Recipient.ID),
		zap.Strings("channels", channelNames(n.Channels)),
	)

	if dispatch && s.dispatcher != nil {
		if _, err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), scope, n.ID); err != nil {
			log.Error("Failed to start notification delivery",
				zap.String("notification_id", n.ID.String()), zap.Error(err))
		}
	}
	return n, nil
}

func (s *Service) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*model.Notification, error) {
	return s.store.Get(ctx, scope, id)
}

// MarkRead sets read and read_at. Marking an already read notification is a no-op.
func (s *Service) MarkRead(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*model.Notification, error) {
	return s.Update(ctx, scope, id, Patch{Read: ptrTrue()})
}

// Dismiss sets dismissed and dismissed_at and cancels pending channels.
// It does not mark the notification read.
func (s *Service) Dismiss(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*model.Notification, error) {
	return s.Update(ctx, scope, id, Patch{Dismissed: ptrTrue()})
}

// Patch is a partial update of the user-controlled flags. Flags only move
// forward; false is rejected.
type Patch struct {
	Read      *bool `json:"read,omitempty"`
	Dismissed *bool `json:"dismissed,omitempty"`
}

func (s *Service) Update(ctx context.Context, scope tenant.Scope, id uuid.UUID, p Patch) (*model.Notification, error) {
	if p.Read == nil && p.Dismissed == nil {
		return nil, errs.Validation("body", "read or dismissed is required")
	}
	if p.Read != nil && !*p.Read {
		return nil, errs.Validation("read", "a read notification cannot be marked unread")
	}
	if p.Dismissed != nil && !*p.Dismissed {
		return nil, errs.Validation("dismissed", "a dismissed notification cannot be restored")
	}

	var cancelled []model.Channel
	n, err := s.store.Mutate(ctx, scope, id, func(cur *model.Notification) (bool, error) {
		now := s.clock.Now()
		changed := false
		cancelled = cancelled[:0]
		if p.Read != nil && !cur.Read {
			cur.MarkRead(now)
			changed = true
		}
		if p.Dismissed != nil && !cur.Dismissed {
			for ch, st := range cur.DeliveryStatus {
				if st.State == model.DeliveryPending {
					cancelled = append(cancelled, ch)
				}
			}
			cur.Dismiss(now)
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	for _, ch := range cancelled {
		metrics.RecordDelivery(string(ch), "cancelled", 0)
	}
	return n, nil
}

// ListQuery selects a recipient's inbox page.
type ListQuery struct {
	RecipientID   string
	RecipientKind model.RecipientKind
	UnreadOnly    bool
	Limit         int
	Offset        int
}

// ListResult is one inbox page plus the recipient's unread total.
type ListResult struct {
	Notifications []*model.Notification `json:"notifications"`
	UnreadCount   int64                 `json:"unread_count"`
	Limit         int                   `json:"limit"`
	Offset        int                   `json:"offset"`
}

func (s *Service) List(ctx context.Context, scope tenant.Scope, lq ListQuery) (*ListResult, error) {
	if lq.Offset < 0 {
		return nil, errs.Validation("offset", "must not be negative")
	}
	if lq.RecipientKind != "" && !lq.RecipientKind.Valid() {
		return nil, errs.Validation("recipient_kind", "unknown recipient kind %q", lq.RecipientKind)
	}
	limit := lq.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	now := s.clock.Now()
	q := model.NotificationQuery{
		RecipientID:   lq.RecipientID,
		RecipientKind: lq.RecipientKind,
		UnreadOnly:    lq.UnreadOnly,
		Limit:         limit,
		Offset:        lq.Offset,
		Now:           now,
	}
	rows, err := s.store.List(ctx, scope, q)
	if err != nil {
		return nil, err
	}
	unread, err := s.store.Count(ctx, scope, model.NotificationQuery{
		RecipientID:   lq.RecipientID,
		RecipientKind: lq.RecipientKind,
		UnreadOnly:    true,
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count unread: %w", err)
	}
	return &ListResult{Notifications: rows, UnreadCount: unread, Limit: limit, Offset: lq.Offset}, nil
}

// UnreadCount excludes read, dismissed and expired notifications.
func (s *Service) UnreadCount(ctx context.Context, scope tenant.Scope, recipientID string) (int64, error) {
	return s.store.Count(ctx, scope, model.NotificationQuery{
		RecipientID: recipientID,
		UnreadOnly:  true,
		Now:         s.clock.Now(),
	})
}

func ptrTrue() *bool {
	t := true
	return &t
}
