package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/db"
)

const notificationColumns = `id, tenant_id, recipient_kind, recipient_id, sender_id, type, category,
	priority, title, message, content, related_type, related_id, channels, delivery_status,
	delivery_outcome, read, read_at, dismissed, dismissed_at, scheduled_for, expires_at,
	source_event_id, created_at, updated_at`

type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: pool, logger: logger}
}

func (s *PostgresStore) Insert(ctx context.Context, scope tenant.Scope, n *model.Notification) error {
	if err := scope.Check("notify.insert"); err != nil {
		return err
	}
	if n.TenantID != scope.TenantID() {
		return errs.TenantIsolation(scope.TenantID(), n.TenantID, "notify.insert")
	}
	if err := model.CheckNotificationInvariants(n); err != nil {
		return err
	}
	args, err := rowArgs(n)
	if err != nil {
		return err
	}
	err = db.InTenantTx(ctx, s.db, scope.TenantID(), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO notifications (`+notificationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
			args...)
		return err
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errs.Validation("id", "notification %s already exists", n.ID)
		}
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*model.Notification, error) {
	if err := scope.Check("notify.get"); err != nil {
		return nil, err
	}
	var n *model.Notification
	err := db.InTenantTx(ctx, s.db, scope.TenantID(), func(tx pgx.Tx) error {
		var err error
		n, err = scanNotification(tx.QueryRow(ctx,
			`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("notification", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Mutate(ctx context.Context, scope tenant.Scope, id uuid.UUID, fn MutateFunc) (*model.Notification, error) {
	if err := scope.Check("notify.mutate"); err != nil {
		return nil, err
	}
	var out *model.Notification
	err := db.InTenantTx(ctx, s.db, scope.TenantID(), func(tx pgx.Tx) error {
		cur, err := scanNotification(tx.QueryRow(ctx,
			`SELECT `+notificationColumns+` FROM notifications WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		changed, err := fn(cur)
		if err != nil {
			return err
		}
		out = cur
		if !changed {
			return nil
		}
		if err := model.CheckNotificationInvariants(cur); err != nil {
			return err
		}
		status, err := json.Marshal(cur.DeliveryStatus)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE notifications SET
				delivery_status = $2, delivery_outcome = $3, read = $4, read_at = $5,
				dismissed = $6, dismissed_at = $7, priority = $8, updated_at = $9
			WHERE id = $1`,
			cur.ID, status, string(cur.DeliveryOutcome), cur.Read, cur.ReadAt,
			cur.Dismissed, cur.DismissedAt, cur.Priority, cur.UpdatedAt)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("notification", id.String())
	}
	if err != nil {
		if _, ok := errs.As(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update notification: %w", err)
	}
	return out, nil
}

// where builds the filter for q. The unread branch mirrors Notification.Unread.
func where(q model.NotificationQuery) (string, []interface{}) {
	clause := ` WHERE ($1 = '' OR recipient_id = $1) AND ($2 = '' OR recipient_kind = $2)`
	args := []interface{}{q.RecipientID, string(q.RecipientKind)}
	if q.UnreadOnly {
		clause += ` AND NOT read AND NOT dismissed AND (expires_at IS NULL OR expires_at > $3)`
		args = append(args, q.Now)
	}
	return clause, args
}

func (s *PostgresStore) List(ctx context.Context, scope tenant.Scope, q model.NotificationQuery) ([]*model.Notification, error) {
	if err := scope.Check("notify.list"); err != nil {
		return nil, err
	}
	clause, args := where(q)
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	page := fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, q.Offset)
	out := []*model.Notification{}
	err := db.InTenantTx(ctx, s.db, scope.TenantID(), func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+notificationColumns+` FROM notifications`+clause+`
			ORDER BY priority DESC, created_at DESC, id DESC`+page, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNotification(rows)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context, scope tenant.Scope, q model.NotificationQuery) (int64, error) {
	if err := scope.Check("notify.count"); err != nil {
		return 0, err
	}
	clause, args := where(q)
	var n int64
	err := db.InTenantTx(ctx, s.db, scope.TenantID(), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT count(*) FROM notifications`+clause, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListActionable(ctx context.Context, now time.Time, limit int) ([]Ref, error) {
	if limit <= 0 {
		limit = 500
	}
	var refs []Ref
	err := db.InSystemTx(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT tenant_id, id FROM notifications
			WHERE delivery_outcome = 'pending' AND NOT dismissed
			  AND (scheduled_for IS NULL OR scheduled_for <= $1 OR expires_at <= $1)
			ORDER BY priority DESC, created_at DESC
			LIMIT $2`, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r Ref
			if err := rows.Scan(&r.TenantID, &r.ID); err != nil {
				return err
			}
			refs = append(refs, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list actionable notifications: %w", err)
	}
	return refs, nil
}

func rowArgs(n *model.Notification) ([]interface{}, error) {
	status, err := json.Marshal(n.DeliveryStatus)
	if err != nil {
		return nil, err
	}
	var content []byte
	if n.Content != nil {
		if content, err = json.Marshal(n.Content); err != nil {
			return nil, err
		}
	}
	var relType, relID *string
	if n.Related != nil {
		relType, relID = &n.Related.Type, &n.Related.ID
	}
	channels := make([]string, len(n.Channels))
	for i, ch := range n.Channels {
		channels[i] = string(ch)
	}
	return []interface{}{
		n.ID, n.TenantID, string(n.Recipient.Kind), n.Recipient.ID, n.SenderID, n.Type,
		string(n.Category), n.Priority, n.Title, n.Message, content, relType, relID,
		channels, status, string(n.DeliveryOutcome), n.Read, n.ReadAt, n.Dismissed,
		n.DismissedAt, n.ScheduledFor, n.ExpiresAt, n.SourceEventID, n.CreatedAt, n.UpdatedAt,
	}, nil
}

func scanNotification(row pgx.Row) (*model.Notification, error) {
	var (
		n               model.Notification
		kind, category  string
		outcome         string
		content, status []byte
		relType, relID  *string
		channels        []string
	)
	err := row.Scan(&n.ID, &n.TenantID, &kind, &n.Recipient.ID, &n.SenderID, &n.Type, &category,
		&n.Priority, &n.Title, &n.Message, &content, &relType, &relID, &channels, &status,
		&outcome, &n.Read, &n.ReadAt, &n.Dismissed, &n.DismissedAt, &n.ScheduledFor, &n.ExpiresAt,
		&n.SourceEventID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Recipient.Kind = model.RecipientKind(kind)
	n.Category = model.NotificationCategory(category)
	n.DeliveryOutcome = model.DeliveryOutcome(outcome)
	if len(content) > 0 {
		if err := json.Unmarshal(content, &n.Content); err != nil {
			return nil, fmt.Errorf("failed to decode content: %w", err)
		}
	}
	if err := json.Unmarshal(status, &n.DeliveryStatus); err != nil {
		return nil, fmt.Errorf("failed to decode delivery status: %w", err)
	}
	if relType != nil && relID != nil {
		n.Related = &model.EntityRef{Type: *relType, ID: *relID}
	}
	n.Channels = make([]model.Channel, len(channels))
	for i, ch := range channels {
		n.Channels[i] = model.Channel(ch)
	}
	return &n, nil
}
