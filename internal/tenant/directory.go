package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"opsledger/internal/errs"
	"opsledger/internal/model"
)

// Directory resolves tenants. Tenants are provisioned out-of-band.
type Directory interface {
	Get(ctx context.Context, id string) (*model.Tenant, error)
	ListActive(ctx context.Context) ([]model.Tenant, error)
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	tenants map[string]model.Tenant
}

// NewMemoryDirectory creates a directory with ids registered as active tenants.
func NewMemoryDirectory(ids ...string) *MemoryDirectory {
	d := &MemoryDirectory{tenants: make(map[string]model.Tenant)}
	for _, id := range ids {
		d.Upsert(model.Tenant{ID: id, Name: id, Active: true})
	}
	return d
}

// Upsert registers or replaces a tenant.
func (d *MemoryDirectory) Upsert(t model.Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	d.tenants[t.ID] = t
}

// Deactivate marks a tenant inactive. Tenants are never removed.
func (d *MemoryDirectory) Deactivate(id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[id]
	if !ok {
		return errs.NotFound("tenant", id)
	}
	t.Active = false
	t.DeactivatedAt = &at
	d.tenants[id] = t
	return nil
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (*model.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	if !ok {
		return nil, errs.NotFound("tenant", id)
	}
	return &t, nil
}

func (d *MemoryDirectory) ListActive(_ context.Context) ([]model.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PostgresDirectory reads the tenants table.
type PostgresDirectory struct {
	db *pgxpool.Pool
}

func NewPostgresDirectory(db *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Get(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := d.db.QueryRow(ctx,
		`SELECT id, name, active, created_at, deactivated_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt, &t.DeactivatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("tenant", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return &t, nil
}

func (d *PostgresDirectory) ListActive(ctx context.Context) ([]model.Tenant, error) {
	rows, err := d.db.Query(ctx,
		`SELECT id, name, active, created_at, deactivated_at FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt, &t.DeactivatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Upsert provisions a tenant. Used by ledgerctl and tests.
func (d *PostgresDirectory) Upsert(ctx context.Context, t model.Tenant) error {
	_, err := d.db.Exec(ctx, `
		INSERT INTO tenants (id, name, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active,
			deactivated_at = CASE WHEN EXCLUDED.active THEN NULL ELSE now() END`,
		t.ID, t.Name, t.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}
