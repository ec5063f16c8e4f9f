package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/internal/ledger"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
)

var (
	scopeA = tenant.MustScope("tenant-a", "alice", tenant.RoleMember)
	scopeB = tenant.MustScope("tenant-b", "bob", tenant.RoleMember)
)

var (
	jan = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mar = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
)

type env struct {
	clock  *clock.Manual
	store  *ledger.MemoryStore
	ledger *ledger.Ledger
	agg    *Aggregator
}

func newEnv(t *testing.T, tenants ...string) *env {
	t.Helper()
	clk := clock.NewManual(mar)
	store := ledger.NewMemoryStore(clk)
	for _, m := range []time.Time{jan, feb} {
		_, err := store.CreatePartition(context.Background(), model.MonthlyPartition(m))
		require.NoError(t, err)
	}
	l := ledger.New(store, nil, clk, zap.NewNop(), ledger.Options{})
	return &env{
		clock:  clk,
		store:  store,
		ledger: l,
		agg:    NewAggregator(l, NewMemoryStore(), tenant.NewMemoryDirectory(tenants...), clk, zap.NewNop()),
	}
}

func (e *env) record(t *testing.T, scope tenant.Scope, typ, actor string, at time.Time, payload map[string]interface{}) {
	t.Helper()
	ev, err := model.BuildEvent(scope.TenantID(), &model.EventDraft{
		Type:       typ,
		ActorID:    actor,
		Payload:    payload,
		OccurredAt: &at,
	}, e.clock.Now())
	require.NoError(t, err)
	_, err = e.ledger.Append(context.Background(), scope, ev)
	require.NoError(t, err)
}

func TestRunSummarizesWindow(t *testing.T) {
	e := newEnv(t)
	day := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	e.record(t, scopeA, "work_order.created", "u-1", day.Add(9*time.Hour), map[string]interface{}{"execution_time_ms": 100.0})
	e.record(t, scopeA, "work_order.created", "u-1", day.Add(9*time.Hour+time.Minute), map[string]interface{}{"duration_ms": 300.0})
	e.record(t, scopeA, "work_order.closed", "u-2", day.Add(14*time.Hour), nil)
	e.record(t, scopeA, "system.tick", "", day.Add(14*time.Hour+time.Minute), nil)
	e.record(t, scopeB, "work_order.created", "u-9", day.Add(3*time.Hour), nil)

	s, err := e.agg.Run(context.Background(), scopeA, feb, mar)
	require.NoError(t, err)

	assert.Equal(t, "tenant-a", s.TenantID)
	assert.Equal(t, int64(4), s.Total)
	assert.Equal(t, 9, s.PeakHour, "9 and 14 tie; the earliest hour wins")
	require.NotNil(t, s.AvgExecutionMs)
	assert.InDelta(t, 200.0, *s.AvgExecutionMs, 1e-9)
	assert.Equal(t, []model.TypeHourCount{
		{Type: "system.tick", Hour: 14, Count: 1},
		{Type: "work_order.closed", Hour: 14, Count: 1},
		{Type: "work_order.created", Hour: 9, Count: 2},
	}, s.ByTypeHour)
	assert.Equal(t, []model.ActorCount{
		{ActorID: "u-1", Count: 2},
		{ActorID: "", Count: 1},
		{ActorID: "u-2", Count: 1},
	}, s.ByActor)

	stored, err := e.agg.Latest(context.Background(), scopeA, feb, mar)
	require.NoError(t, err)
	assert.Equal(t, s, stored)

	_, err = e.agg.Latest(context.Background(), scopeB, feb, mar)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRunIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.record(t, scopeA, "invoice.paid", "u-1", feb.Add(time.Hour), nil)

	first, err := e.agg.Run(context.Background(), scopeA, feb, mar)
	require.NoError(t, err)
	e.clock.Advance(time.Hour)
	second, err := e.agg.Run(context.Background(), scopeA, feb, mar)
	require.NoError(t, err)

	first.GeneratedAt, second.GeneratedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)
}

func TestRunExcludesArchivedRows(t *testing.T) {
	e := newEnv(t)
	e.record(t, scopeA, "invoice.paid", "u-1", jan.Add(time.Hour), nil)
	e.record(t, scopeA, "invoice.paid", "u-1", feb.Add(time.Hour), nil)

	_, err := e.store.ArchivePartition(context.Background(), model.MonthlyPartition(jan).Name, e.clock.Now())
	require.NoError(t, err)

	s, err := e.agg.Run(context.Background(), scopeA, jan, mar)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Total)
}

func TestEmptyWindowHasNoPeakHour(t *testing.T) {
	e := newEnv(t)
	s, err := e.agg.Run(context.Background(), scopeA, jan, feb)
	require.NoError(t, err)
	assert.Zero(t, s.Total)
	assert.Equal(t, -1, s.PeakHour)
	assert.Nil(t, s.AvgExecutionMs)
	assert.Empty(t, s.ByTypeHour)
}

func TestRunRequiresBoundedRange(t *testing.T) {
	e := newEnv(t)
	_, err := e.agg.Run(context.Background(), scopeA, time.Time{}, mar)
	assert.ErrorIs(t, err, errs.ErrRangeRequired)
}

type failingSource struct {
	Source
	tenant string
}

func (f failingSource) Aggregate(ctx context.Context, scope tenant.Scope, from, to time.Time) (*model.EventAggregate, error) {
	if scope.TenantID() == f.tenant {
		return nil, errors.New("replica lag")
	}
	return f.Source.Aggregate(ctx, scope, from, to)
}

func TestRunAllReportsPerTenantFailures(t *testing.T) {
	e := newEnv(t)
	e.record(t, scopeA, "invoice.paid", "u-1", feb.Add(time.Hour), nil)
	dir := tenant.NewMemoryDirectory("tenant-a", "tenant-b", "tenant-c")
	require.NoError(t, dir.Deactivate("tenant-c", e.clock.Now()))

	agg := NewAggregator(failingSource{Source: e.ledger, tenant: "tenant-b"}, NewMemoryStore(), dir, e.clock, zap.NewNop())
	report, err := agg.RunAll(context.Background(), feb, mar)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a"}, report.Succeeded)
	assert.Contains(t, report.Failed["tenant-b"], "replica lag")
	assert.NotContains(t, report.Failed, "tenant-c")

	s, err := agg.Latest(context.Background(), scopeA, feb, mar)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Total)
}

func TestRunStopsOnCancellation(t *testing.T) {
	e := newEnv(t, "tenant-a", "tenant-b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.agg.RunAll(ctx, feb, mar)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Succeeded)
}

func TestPreviousDay(t *testing.T) {
	from, to := PreviousDay(time.Date(2025, 3, 1, 5, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, mar, to)
}
