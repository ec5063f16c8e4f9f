package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
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

const eventColumns = `id, tenant_id, actor_kind, actor_id, type, category, severity,
	entity_type, entity_id, parent_type, parent_id, payload, description,
	occurred_at, created_at, archived, archived_at`

// PostgresStore keeps events in a range-partitioned table. Row access runs in
// tenant transactions so row level security applies; partition maintenance
// runs in system transactions.
type PostgresStore struct {
	db          *pgxpool.Pool
	logger      *zap.Logger
	lockTimeout time.Duration

	mu     sync.RWMutex
	router *Router
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: pool, logger: logger, lockTimeout: defaultLockTimeout, router: NewRouter(nil)}
}

const defaultLockTimeout = 5 * time.Second

// WithLockTimeout sets how long partition DDL waits for locks before failing.
func (s *PostgresStore) WithLockTimeout(d time.Duration) *PostgresStore {
	if d > 0 {
		s.lockTimeout = d
	}
	return s
}

func (s *PostgresStore) Backend() string { return "postgres" }

// covered consults the catalog cache, refreshing it once on a miss.
func (s *PostgresStore) covered(ctx context.Context, t time.Time) (bool, error) {
	s.mu.RLock()
	_, ok := s.router.Route(t)
	s.mu.RUnlock()
	if ok {
		return true, nil
	}
	if err := s.refresh(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok = s.router.Route(t)
	return ok, nil
}

func (s *PostgresStore) refresh(ctx context.Context) error {
	parts, err := s.ListPartitions(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.router = NewRouter(parts)
	live := s.router.Len()
	s.mu.Unlock()
	s.logger.Debug("Partition catalog refreshed", zap.Int("live_partitions", live))
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) Insert(ctx context.Context, scope tenant.Scope, e *model.ActivityEvent) error {
	if err := scope.Check("ledger.insert"); err != nil {
		return err
	}
	ok, err := s.covered(ctx, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to load partition catalog: %w", err)
	}
	if !ok {
		return errs.NoCoveringPartition(e.OccurredAt.Format(time.RFC3339Nano))
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return errs.Validation("payload", "not encodable as JSON: %v", err)
	}
	var actorKind, actorID *string
	if e.Actor != nil {
		actorKind = nullable(string(e.Actor.Kind))
		actorID = nullable(e.Actor.ID)
	}
	var entityType, entityID, parentType, parentID *string
	if e.Entity != nil {
		entityType, entityID = &e.Entity.Type, &e.Entity.ID
	}
	if e.Parent != nil {
		parentType, parentID = &e.Parent.Type, &e.Parent.ID
	}

	err = db.InTenantTx(ctx, s.db, scope.TenantID(), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			WITH p AS (
				SELECT archived_at FROM ledger_partitions
				WHERE state = 'archived' AND range_start <= $15 AND range_end > $15
			)
			INSERT INTO activity_events (id, tenant_id, actor_kind, actor_id, type, category, severity,
				severity_rank, entity_type, entity_id, parent_type, parent_id, payload, description,
				occurred_at, created_at, archived, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				EXISTS (SELECT 1 FROM p), (SELECT archived_at FROM p))
			RETURNING archived, archived_at`,
			e.ID, e.TenantID, actorKind, actorID, e.Type, string(e.Category), string(e.Severity),
			e.Severity.Rank(), entityType, entityID, parentType, parentID, payload, e.Description,
			e.OccurredAt, e.CreatedAt,
		).Scan(&e.Archived, &e.ArchivedAt)
	})
	if err != nil {
		if db.IsNoPartition(err) {
			return errs.NoCoveringPartition(e.OccurredAt.Format(time.RFC3339Nano))
		}
		if db.IsUniqueViolation(err) {
			return errs.Validation("id", "event %s already exists", e.ID)
		}
		return fmt.Errorf("failed to insert activity event: %w", err)
	}
	return nil
}

func scanEvent(row pgx.Row) (*model.ActivityEvent, error) {
	var (
		e                    model.ActivityEvent
		actorKind, actorID   *string
		entityType, entityID *string
		parentType, parentID *string
		category, severity   string
		payload              []byte
	)
	err := row.Scan(&e.ID, &e.TenantID, &actorKind, &actorID, &e.Type, &category, &severity,
		&entityType, &entityID, &parentType, &parentID, &payload, &e.Description,
		&e.OccurredAt, &e.CreatedAt, &e.Archived, &e.ArchivedAt)
	if err != nil {
		return nil, err
	}
	e.Category = model.Category(category)
	e.Severity = model.Severity(severity)
	if actorKind != nil || actorID != nil {
		e.Actor = &model.Actor{}
		if actorKind != nil {
			e.Actor.Kind = model.ActorKind(*actorKind)
		}
		if actorID != nil {
			e.Actor.ID = *actorID
		}
	}
	if entityType != nil && entityID != nil {
		e.Entity = &model.EntityRef{Type: *entityType, ID: *entityID}
	}
	if parentType != nil && parentID != nil {
		e.Parent = &model.EntityRef{Type: *parentType, ID: *parentID}
	}
	e.Payload = map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	e.OccurredAt = e.OccurredAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// whereBuilder accumulates positional arguments.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *whereBuilder) add(format string, v ...interface{}) {
	ph := make([]interface{}, len(v))
	for i := range v {
		ph[i] = w.arg(v[i])
	}
	w.clauses = append(w.clauses, fmt.Sprintf(format, ph...))
}

func (w *whereBuilder) sql() string {
	return strings.Join(w.clauses, " AND ")
}

func eventFilter(w *whereBuilder, tenantID string, q model.EventQuery) {
	w.add("tenant_id = %s", tenantID)
	w.add("occurred_at >= %s", q.From)
	w.add("occurred_at < %s", q.To)
	if !q.IncludeArchived {
		w.clauses = append(w.clauses, "NOT archived")
	}
	if q.EntityType != "" {
		w.add("entity_type = %s", q.EntityType)
	}
	if q.EntityID != "" {
		w.add("entity_id = %s", q.EntityID)
	}
	if q.ParentType != "" {
		w.add("parent_type = %s", q.ParentType)
	}
	if q.ParentID != "" {
		w.add("parent_id = %s", q.ParentID)
	}
	if len(q.Types) > 0 {
		w.add("type = ANY(%s)", q.Types)
	}
	if q.Category != "" {
		w.add("category = %s", string(q.Category))
	}
	if q.MinSeverity != "" {
		w.add("severity_rank >= %s", q.MinSeverity.Rank())
	}
	if q.ActorID != "" {
		w.add("actor_id = %s", q.ActorID)
	}
	if q.After != nil {
		w.add("(occurred_at, created_at, id) > (%s, %s, %s)", q.After.OccurredAt, q.After.CreatedAt, q.After.ID)
	}
}

func (s *PostgresStore) Query(ctx context.Context, scope tenant.Scope, q model.EventQuery) ([]*model.ActivityEvent, error) {
	if err := scope.Check("ledger.query"); err != nil {
		return nil, err
	}

	w := &whereBuilder{}
	eventFilter(w, scope.TenantID(), q)
	where := w.sql()
	source := `SELECT ` + eventColumns + ` FROM activity_events WHERE ` + where
	if q.IncludeArchived {
		source += ` UNION ALL SELECT ` + eventColumns + ` FROM activity_events_exceptions WHERE ` + where
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	sql := `SELECT * FROM (` + source + `) u ORDER BY occurred_at, created_at, id LIMIT ` + w.arg(limit+1)

	var out []*model.ActivityEvent
	err := db.InTenantTx(ctx, s.db, scope.TenantID(), func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, w.args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		seen := make(map[uuid.UUID]struct{})
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query activity events: %w", err)
	}
	return out, nil
}

// Get relies on row level security alone: a foreign id is simply invisible.
func (s *PostgresStore) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*model.ActivityEvent, error) {
	if err := scope.Check("ledger.get"); err != nil {
		return nil, err
	}
	var e *model.ActivityEvent
	err := db.InTenantTx(ctx, s.db, scope.TenantID(), func(tx pgx.Tx) error {
		var err error
		e, err = scanEvent(tx.QueryRow(ctx, `
			SELECT `+eventColumns+` FROM activity_events WHERE id = $1
			UNION ALL
			SELECT `+eventColumns+` FROM activity_events_exceptions WHERE id = $1
			LIMIT 1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("activity event", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity event: %w", err)
	}
	return e, nil
}

const execMsExpr = `CASE
	WHEN jsonb_typeof(payload->'execution_time_ms') = 'number' THEN (payload->>'execution_time_ms')::double precision
	WHEN jsonb_typeof(payload->'duration_ms') = 'number' THEN (payload->>'duration_ms')::double precision
END`

func (s *PostgresStore) Aggregate(ctx context.Context, scope tenant.Scope, from, to time.Time) (*model.EventAggregate, error) {
	if err := scope.Check("ledger.aggregate"); err != nil {
		return nil, err
	}

	agg := &model.EventAggregate{}
	window := `FROM activity_events WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3 AND NOT archived`
	err := db.InTenantTx(ctx, s.db, scope.TenantID(), func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT type, EXTRACT(HOUR FROM occurred_at AT TIME ZONE 'UTC')::int, count(*) `+window+`
			GROUP BY 1, 2`, scope.TenantID(), from, to)
		if err != nil {
			return err
		}
		for rows.Next() {
			var c model.TypeHourCount
			if err := rows.Scan(&c.Type, &c.Hour, &c.Count); err != nil {
				rows.Close()
				return err
			}
			agg.ByTypeHour = append(agg.ByTypeHour, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `SELECT COALESCE(actor_id, ''), count(*) `+window+` GROUP BY 1`,
			scope.TenantID(), from, to)
		if err != nil {
			return err
		}
		for rows.Next() {
			var c model.ActorCount
			if err := rows.Scan(&c.ActorID, &c.Count); err != nil {
				rows.Close()
				return err
			}
			agg.ByActor = append(agg.ByActor, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		return tx.QueryRow(ctx, `SELECT COALESCE(sum(ms), 0), count(ms) FROM (SELECT `+execMsExpr+` AS ms `+window+`) s`,
			scope.TenantID(), from, to).Scan(&agg.ExecTimeSumMs, &agg.ExecTimeSample)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate activity events: %w", err)
	}
	SortAggregate(agg)
	return agg, nil
}

func partitionIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// CreatePartition is idempotent under concurrent callers: a transaction level
// advisory lock on the name serializes creators, and both the DDL and the
// catalog insert tolerate an existing partition.
//
// The table is built standalone and then attached. ATTACH PARTITION takes
// SHARE UPDATE EXCLUSIVE on activity_events, so appends and queries keep
// running; the range CHECK lets the attach skip its validation scan.
func (s *PostgresStore) CreatePartition(ctx context.Context, p model.Partition) (bool, error) {
	if p.State == "" {
		p.State = model.PartitionPlanned
	}
	created := false
	err := db.InSystemTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.Name); err != nil {
			return err
		}
		if err := db.SetLocalLockTimeout(ctx, tx, s.lockTimeout); err != nil {
			return err
		}
		attached, err := s.isAttached(ctx, tx, p.Name)
		if err != nil {
			return err
		}
		if !attached {
			from, to := p.Start.UTC().Format(time.RFC3339), p.End.UTC().Format(time.RFC3339)
			ident := partitionIdent(p.Name)
			ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (LIKE activity_events INCLUDING DEFAULTS INCLUDING CONSTRAINTS,
				CONSTRAINT %s CHECK (occurred_at >= '%s' AND occurred_at < '%s'))`,
				ident, pgx.Identifier{p.Name + "_range_chk"}.Sanitize(), from, to)
			if _, err := tx.Exec(ctx, ddl); err != nil {
				return err
			}
			attach := fmt.Sprintf(`ALTER TABLE activity_events ATTACH PARTITION %s FOR VALUES FROM ('%s') TO ('%s')`,
				ident, from, to)
			if _, err := tx.Exec(ctx, attach); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_partitions (name, range_start, range_end, state)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO NOTHING`, p.Name, p.Start, p.End, string(p.State))
		if err != nil {
			return err
		}
		created = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to create partition %s: %w", p.Name, err)
	}
	if created {
		s.mu.Lock()
		s.router.Put(p)
		s.mu.Unlock()
	}
	return created, nil
}

func (s *PostgresStore) ListPartitions(ctx context.Context) ([]model.Partition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, range_start, range_end, state, created_at, activated_at, archived_at,
		       dropped_at, row_count, cold_key
		FROM ledger_partitions ORDER BY range_start`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var out []model.Partition
	for rows.Next() {
		var p model.Partition
		var state string
		if err := rows.Scan(&p.Name, &p.Start, &p.End, &state, &p.CreatedAt, &p.ActivatedAt,
			&p.ArchivedAt, &p.DroppedAt, &p.RowCount, &p.ColdKey); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		p.State = model.PartitionState(state)
		p.Start, p.End = p.Start.UTC(), p.End.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetPartitionState(ctx context.Context, name string, state model.PartitionState, at time.Time) error {
	if state == model.PartitionDropped {
		return errs.Validation("state", "use DropPartition to drop %s", name)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE ledger_partitions SET state = $2::text,
			activated_at = CASE WHEN $2::text = 'active' THEN COALESCE(activated_at, $3) ELSE activated_at END,
			archived_at = CASE WHEN $2::text = 'archived' THEN COALESCE(archived_at, $3) ELSE archived_at END
		WHERE name = $1`, name, string(state), at)
	if err != nil {
		return fmt.Errorf("failed to set partition state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("partition", name)
	}
	return nil
}

// ArchivePartition flips archived on the partition's rows in one statement.
// The partition's first archive time is reused so re-runs change nothing.
func (s *PostgresStore) ArchivePartition(ctx context.Context, name string, at time.Time) (int64, error) {
	var changed int64
	err := db.InSystemTx(ctx, s.db, func(tx pgx.Tx) error {
		var stamp time.Time
		var state string
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(archived_at, $2), state FROM ledger_partitions WHERE name = $1 FOR UPDATE`,
			name, at).Scan(&stamp, &state)
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.NotFound("partition", name)
		}
		if err != nil {
			return err
		}
		if state == string(model.PartitionDropped) {
			return errs.Validation("partition", "%s is dropped", name)
		}

		tag, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET archived = true, archived_at = $1 WHERE archived = false`, partitionIdent(name)), stamp)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected()

		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE ledger_partitions
			SET state = 'archived', archived_at = $2, row_count = (SELECT count(*) FROM %s)
			WHERE name = $1`, partitionIdent(name)), name, stamp)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to archive partition %s: %w", name, err)
	}
	return changed, nil
}

func (s *PostgresStore) MigrateExceptions(ctx context.Context, name string, severities []model.Severity, at time.Time) (int64, error) {
	sev := make([]string, len(severities))
	for i, v := range severities {
		sev[i] = string(v)
	}
	var moved int64
	err := db.InSystemTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO activity_events_exceptions (id, tenant_id, actor_kind, actor_id, type, category,
				severity, severity_rank, entity_type, entity_id, parent_type, parent_id, payload,
				description, occurred_at, created_at, archived, archived_at, migrated_from, migrated_at)
			SELECT id, tenant_id, actor_kind, actor_id, type, category,
				severity, severity_rank, entity_type, entity_id, parent_type, parent_id, payload,
				description, occurred_at, created_at, true, COALESCE(archived_at, $2), $3, $2
			FROM %s WHERE severity = ANY($1)
			ON CONFLICT (id) DO NOTHING`, partitionIdent(name)), sev, at, name)
		if err != nil {
			return err
		}
		moved = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to migrate exceptions from %s: %w", name, err)
	}
	return moved, nil
}

// isAttached reports whether name is currently a partition of activity_events.
func (s *PostgresStore) isAttached(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, name string) (bool, error) {
	var attached bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_inherits
			WHERE inhparent = 'activity_events'::regclass AND inhrelid = to_regclass($1::text))`, name).Scan(&attached)
	return attached, err
}

// DropPartition detaches and drops the physical table; the catalog row stays.
//
// DETACH PARTITION CONCURRENTLY only takes SHARE UPDATE EXCLUSIVE on
// activity_events, so appends to other partitions are never queued behind it.
// It cannot run inside a transaction block, so it runs on its own connection.
// A detach interrupted by a lock timeout or crash leaves the partition
// "detach pending"; the next run finalizes it.
func (s *PostgresStore) DropPartition(ctx context.Context, name string, at time.Time) error {
	err := db.WithLockTimeout(ctx, s.db, s.lockTimeout, func(conn *pgxpool.Conn) error {
		var pending bool
		err := conn.QueryRow(ctx, `
			SELECT inhdetachpending FROM pg_inherits
			WHERE inhparent = 'activity_events'::regclass AND inhrelid = to_regclass($1::text)`, name).Scan(&pending)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil
		case err != nil:
			return err
		case pending:
			_, err = conn.Exec(ctx, `ALTER TABLE activity_events DETACH PARTITION `+partitionIdent(name)+` FINALIZE`)
		default:
			_, err = conn.Exec(ctx, `ALTER TABLE activity_events DETACH PARTITION `+partitionIdent(name)+` CONCURRENTLY`)
		}
		return err
	})
	if err != nil {
		if db.IsLockTimeout(err) {
			s.logger.Warn("Partition detach timed out waiting for locks, will retry",
				zap.String("partition", name), zap.Duration("lock_timeout", s.lockTimeout))
		}
		return fmt.Errorf("failed to detach partition %s: %w", name, err)
	}

	err = db.InSystemTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := db.SetLocalLockTimeout(ctx, tx, s.lockTimeout); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DROP TABLE IF EXISTS `+partitionIdent(name)); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE ledger_partitions SET state = 'dropped', dropped_at = COALESCE(dropped_at, $2)
			WHERE name = $1`, name, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.NotFound("partition", name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to drop partition %s: %w", name, err)
	}
	s.mu.Lock()
	s.router.Put(model.Partition{Name: name, State: model.PartitionDropped})
	s.mu.Unlock()
	return nil
}

func (s *PostgresStore) ExportPartition(ctx context.Context, name string, fn func(*model.ActivityEvent) error) error {
	return db.InSystemTx(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY occurred_at, created_at, id`,
			eventColumns, partitionIdent(name)))
		if err != nil {
			return fmt.Errorf("failed to export partition %s: %w", name, err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

func (s *PostgresStore) SetColdKey(ctx context.Context, name, key string) error {
	_, err := s.db.Exec(ctx, `UPDATE ledger_partitions SET cold_key = $2 WHERE name = $1`, name, key)
	if err != nil {
		return fmt.Errorf("failed to record cold key: %w", err)
	}
	return nil
}
