package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
	"opsledger/pkg/db"
)

// openTestPool connects to LEDGER_TEST_DATABASE_URL or skips. The role must
// not be a superuser, otherwise row level security is bypassed.
func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool, zap.NewNop()))
	return pool
}

func TestPostgresStoreTenantScoping(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	store := NewPostgresStore(pool, zap.NewNop())
	clk := clock.NewManual(time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC))
	l := New(store, nil, clk, zap.NewNop(), Options{})

	_, err := store.CreatePartition(ctx, model.MonthlyPartition(clk.Now()))
	require.NoError(t, err)

	suffix := uuid.NewString()[:8]
	a := tenant.MustScope("pg-a-"+suffix, "alice", tenant.RoleMember)
	b := tenant.MustScope("pg-b-"+suffix, "bob", tenant.RoleMember)

	occurred := time.Date(2025, 1, 15, 10, 0, 0, 123456000, time.UTC)
	e, err := model.BuildEvent(a.TenantID(), &model.EventDraft{
		Type:       "work_order.created",
		EntityType: strp("work_order"),
		EntityID:   strp("wo-" + suffix),
		Payload:    map[string]interface{}{"site": "plant-7"},
		OccurredAt: &occurred,
	}, clk.Now())
	require.NoError(t, err)
	id, err := l.Append(ctx, a, e)
	require.NoError(t, err)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	page, err := l.Query(ctx, a, model.EventQuery{From: from, To: to, EntityType: "work_order", EntityID: "wo-" + suffix})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, id, page.Events[0].ID)
	assert.True(t, page.Events[0].OccurredAt.Equal(occurred))
	assert.Equal(t, "plant-7", page.Events[0].Payload["site"])

	page, err = l.Query(ctx, b, model.EventQuery{From: from, To: to, EntityType: "work_order", EntityID: "wo-" + suffix})
	require.NoError(t, err)
	assert.Empty(t, page.Events)

	_, err = l.Get(ctx, b, id)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPostgresStoreRejectsUncoveredTimestamp(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	store := NewPostgresStore(pool, zap.NewNop())
	l := New(store, nil, clock.Real{}, zap.NewNop(), Options{})

	far := time.Date(2199, 7, 1, 0, 0, 0, 0, time.UTC)
	e, err := model.BuildEvent("pg-far", &model.EventDraft{Type: "invoice.created", OccurredAt: &far}, time.Now())
	require.NoError(t, err)
	_, err = l.Append(ctx, tenant.MustScope("pg-far", "", tenant.RoleMember), e)
	assert.ErrorIs(t, err, errs.ErrNoCoveringPartition)
}

func TestPostgresDropDoesNotBlockAppends(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	store := NewPostgresStore(pool, zap.NewNop()).WithLockTimeout(300 * time.Millisecond)
	l := New(store, nil, clock.Real{}, zap.NewNop(), Options{})

	// far-future months unique to this run so reruns against the same database start clean
	year := 2100 + int(time.Now().UnixNano()%700)
	old := model.MonthlyPartition(time.Date(year, 3, 1, 0, 0, 0, 0, time.UTC))
	live := model.MonthlyPartition(time.Date(year, 4, 1, 0, 0, 0, 0, time.UTC))
	for _, p := range []model.Partition{old, live, old} {
		_, err := store.CreatePartition(ctx, p)
		require.NoError(t, err, "create is repeatable")
	}

	scope := tenant.MustScope("pg-drop", "ops", tenant.RoleMember)
	appendAt := func(at time.Time) error {
		e, err := model.BuildEvent(scope.TenantID(), &model.EventDraft{Type: "meter.read", OccurredAt: &at}, time.Now())
		require.NoError(t, err)
		actx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err = l.Append(actx, scope, e)
		return err
	}
	require.NoError(t, appendAt(old.Start.Add(time.Hour)))

	// a long reader holding activity_events and the old partition
	reader, err := pool.Begin(ctx)
	require.NoError(t, err)
	var n int
	require.NoError(t, reader.QueryRow(ctx,
		`SELECT count(*) FROM activity_events WHERE occurred_at >= $1 AND occurred_at < $2`,
		old.Start, old.End).Scan(&n))

	err = store.DropPartition(ctx, old.Name, time.Now())
	require.Error(t, err)
	assert.True(t, db.IsLockTimeout(err), "detach gives up instead of queueing: %v", err)

	assert.NoError(t, appendAt(live.Start.Add(time.Hour)), "appends to other partitions proceed")

	require.NoError(t, reader.Rollback(ctx))

	require.NoError(t, store.DropPartition(ctx, old.Name, time.Now()), "next run finalizes the detach")
	var exists bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass($1::text) IS NOT NULL`, old.Name).Scan(&exists))
	assert.False(t, exists)
	assert.NoError(t, appendAt(live.Start.Add(2*time.Hour)))
}
