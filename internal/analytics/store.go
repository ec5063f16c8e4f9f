package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/db"
)

// Store keeps one summary per (tenant, window). Upsert replaces it.
type Store interface {
	Upsert(ctx context.Context, scope tenant.Scope, s *model.AnalyticsSummary) error
	Get(ctx context.Context, scope tenant.Scope, from, to time.Time) (*model.AnalyticsSummary, error)
}

type windowKey struct {
	tenant   string
	from, to int64
}

type MemoryStore struct {
	mu   sync.RWMutex
	rows map[windowKey]*model.AnalyticsSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[windowKey]*model.AnalyticsSummary)}
}

func key(tenantID string, from, to time.Time) windowKey {
	return windowKey{tenant: tenantID, from: from.UnixMicro(), to: to.UnixMicro()}
}

func (m *MemoryStore) Upsert(_ context.Context, scope tenant.Scope, s *model.AnalyticsSummary) error {
	if err := scope.Check("analytics.upsert"); err != nil {
		return err
	}
	if s.TenantID != scope.TenantID() {
		return errs.TenantIsolation(scope.TenantID(), s.TenantID, "analytics.upsert")
	}
	cp := *s
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key(s.TenantID, s.WindowStart, s.WindowEnd)] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, scope tenant.Scope, from, to time.Time) (*model.AnalyticsSummary, error) {
	if err := scope.Check("analytics.get"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rows[key(scope.TenantID(), from, to)]
	if !ok {
		return nil, errs.NotFound("summary", from.Format(time.RFC3339)+"/"+to.Format(time.RFC3339))
	}
	cp := *s
	return &cp, nil
}

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func (p *PostgresStore) Upsert(ctx context.Context, scope tenant.Scope, s *model.AnalyticsSummary) error {
	if err := scope.Check("analytics.upsert"); err != nil {
		return err
	}
	if s.TenantID != scope.TenantID() {
		return errs.TenantIsolation(scope.TenantID(), s.TenantID, "analytics.upsert")
	}
	byTypeHour, err := json.Marshal(s.ByTypeHour)
	if err != nil {
		return err
	}
	byActor, err := json.Marshal(s.ByActor)
	if err != nil {
		return err
	}
	err = db.InTenantTx(ctx, p.db, scope.TenantID(), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO analytics_summaries
				(tenant_id, window_start, window_end, total, by_type_hour, by_actor, avg_execution_ms, peak_hour, generated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tenant_id, window_start, window_end) DO UPDATE SET
				total = EXCLUDED.total,
				by_type_hour = EXCLUDED.by_type_hour,
				by_actor = EXCLUDED.by_actor,
				avg_execution_ms = EXCLUDED.avg_execution_ms,
				peak_hour = EXCLUDED.peak_hour,
				generated_at = EXCLUDED.generated_at`,
			s.TenantID, s.WindowStart, s.WindowEnd, s.Total, byTypeHour, byActor,
			s.AvgExecutionMs, s.PeakHour, s.GeneratedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert summary: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, scope tenant.Scope, from, to time.Time) (*model.AnalyticsSummary, error) {
	if err := scope.Check("analytics.get"); err != nil {
		return nil, err
	}
	var (
		s                   model.AnalyticsSummary
		byTypeHour, byActor []byte
	)
	err := db.InTenantTx(ctx, p.db, scope.TenantID(), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT tenant_id, window_start, window_end, total, by_type_hour, by_actor,
			       avg_execution_ms, peak_hour, generated_at
			FROM analytics_summaries
			WHERE window_start = $1 AND window_end = $2`, from, to).
			Scan(&s.TenantID, &s.WindowStart, &s.WindowEnd, &s.Total, &byTypeHour, &byActor,
				&s.AvgExecutionMs, &s.PeakHour, &s.GeneratedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("summary", from.Format(time.RFC3339)+"/"+to.Format(time.RFC3339))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	if err := json.Unmarshal(byTypeHour, &s.ByTypeHour); err != nil {
		return nil, fmt.Errorf("failed to decode by_type_hour: %w", err)
	}
	if err := json.Unmarshal(byActor, &s.ByActor); err != nil {
		return nil, fmt.Errorf("failed to decode by_actor: %w", err)
	}
	return &s, nil
}
