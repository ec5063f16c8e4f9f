package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InTenantTx runs fn in a transaction whose row level security context is
// tenantID. Policies on tenant tables compare tenant_id against
// app.current_tenant, so fn cannot see or write other tenants' rows.
func InTenantTx(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(pgx.Tx) error) error {
	if tenantID == "" {
		return errors.New("tenant transaction without tenant id")
	}
	return inTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true)`, tenantID); err != nil {
			return fmt.Errorf("failed to set tenant context: %w", err)
		}
		return fn(tx)
	})
}

// InSystemTx runs fn with app.system enabled. Only partition lifecycle and
// cross-tenant maintenance use it.
func InSystemTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return inTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('app.system', 'on', true)`); err != nil {
			return fmt.Errorf("failed to set system context: %w", err)
		}
		return fn(tx)
	})
}

func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) (err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetLocalLockTimeout bounds lock waits for the rest of tx.
func SetLocalLockTimeout(ctx context.Context, tx pgx.Tx, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", d.Milliseconds()))
	return err
}

// WithLockTimeout runs fn on a single pooled connection outside any
// transaction, with lock_timeout set for the session. Statements that refuse
// to run in a transaction block, such as DETACH PARTITION CONCURRENTLY, use it.
func WithLockTimeout(ctx context.Context, pool *pgxpool.Pool, d time.Duration, fn func(*pgxpool.Conn) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if d > 0 {
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET lock_timeout = %d", d.Milliseconds())); err != nil {
			return err
		}
		defer func() {
			// the connection goes back to the pool; never leak the setting
			if _, err := conn.Exec(context.Background(), "RESET lock_timeout"); err != nil {
				conn.Conn().Close(context.Background())
			}
		}()
	}
	return fn(conn)
}

// IsLockTimeout reports a lock_not_available (55P03) error.
func IsLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

// IsNoPartition reports whether err is PostgreSQL's "no partition of relation
// found for row" check violation.
func IsNoPartition(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23514" && pgErr.ConstraintName == ""
}

// IsUniqueViolation reports a 23505 error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
