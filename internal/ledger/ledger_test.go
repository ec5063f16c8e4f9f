package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
)

var (
	scopeA = tenant.MustScope("tenant-a", "alice", tenant.RoleMember)
	scopeB = tenant.MustScope("tenant-b", "bob", tenant.RoleMember)
)

func strp(s string) *string { return &s }

// newTestLedger returns a memory ledger with monthly partitions for 2025.
func newTestLedger(t *testing.T) (*Ledger, *MemoryStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	for m := time.January; m <= time.December; m++ {
		_, err := store.CreatePartition(context.Background(), model.MonthlyPartition(time.Date(2025, m, 1, 0, 0, 0, 0, time.UTC)))
		require.NoError(t, err)
	}
	return New(store, nil, clk, zap.NewNop(), Options{}), store, clk
}

func appendDraft(t *testing.T, l *Ledger, scope tenant.Scope, d *model.EventDraft) uuid.UUID {
	t.Helper()
	e, err := model.BuildEvent(scope.TenantID(), d, l.Clock().Now())
	require.NoError(t, err)
	id, err := l.Append(context.Background(), scope, e)
	require.NoError(t, err)
	return id
}

func year2025() (time.Time, time.Time) {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestAppendAndQueryPreservesEvent(t *testing.T) {
	l, _, _ := newTestLedger(t)
	occurred := time.Date(2025, 1, 15, 10, 0, 0, 123456000, time.UTC)
	payload := map[string]interface{}{"priority": "high", "site": "plant-7", "count": float64(3)}

	id := appendDraft(t, l, scopeA, &model.EventDraft{
		Type:       "work_order.created",
		EntityType: strp("work_order"),
		EntityID:   strp("wo-1"),
		Payload:    payload,
		OccurredAt: &occurred,
	})

	page, err := l.Query(context.Background(), scopeA, model.EventQuery{
		From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)

	got := page.Events[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.True(t, got.OccurredAt.Equal(occurred))
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, &model.EntityRef{Type: "work_order", ID: "wo-1"}, got.Entity)
	assert.False(t, got.Archived)
	assert.Nil(t, got.ArchivedAt)
	assert.Nil(t, page.Next)
}

func TestAppendWithoutCoveringPartition(t *testing.T) {
	l, _, _ := newTestLedger(t)
	future := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	e, err := model.BuildEvent("tenant-a", &model.EventDraft{Type: "invoice.created", OccurredAt: &future}, l.Clock().Now())
	require.NoError(t, err)

	_, err = l.Append(context.Background(), scopeA, e)
	assert.ErrorIs(t, err, errs.ErrNoCoveringPartition)
}

func TestAppendRejectsBrokenPairInvariant(t *testing.T) {
	l, _, _ := newTestLedger(t)
	e := &model.ActivityEvent{
		Type:       "invoice.created",
		Category:   model.CategoryUserAction,
		Severity:   model.SeverityInfo,
		Entity:     &model.EntityRef{Type: "invoice"},
		OccurredAt: l.Clock().Now(),
	}
	_, err := l.Append(context.Background(), scopeA, e)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAppendRequiresScope(t *testing.T) {
	l, _, _ := newTestLedger(t)
	e, err := model.BuildEvent("", &model.EventDraft{Type: "invoice.created"}, l.Clock().Now())
	require.NoError(t, err)
	_, err = l.Append(context.Background(), tenant.Scope{}, e)
	assert.ErrorIs(t, err, errs.ErrNoTenantContext)
}

func TestCreatedAtIsMonotonic(t *testing.T) {
	l, _, _ := newTestLedger(t)
	var prev time.Time
	for i := 0; i < 5; i++ {
		e, err := model.BuildEvent("tenant-a", &model.EventDraft{Type: "invoice.created"}, l.Clock().Now())
		require.NoError(t, err)
		_, err = l.Append(context.Background(), scopeA, e)
		require.NoError(t, err)
		assert.True(t, e.CreatedAt.After(prev))
		assert.Equal(t, e.CreatedAt, e.CreatedAt.Truncate(time.Microsecond))
		prev = e.CreatedAt
	}
}

func TestQueryRequiresBoundedRange(t *testing.T) {
	l, _, _ := newTestLedger(t)
	from, to := year2025()

	_, err := l.Query(context.Background(), scopeA, model.EventQuery{From: from})
	assert.ErrorIs(t, err, errs.ErrRangeRequired)

	_, err = l.Query(context.Background(), scopeA, model.EventQuery{From: to, To: from})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = l.Query(context.Background(), scopeA, model.EventQuery{From: from, To: from.AddDate(2, 0, 0)})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestQueryPaginatesInLedgerOrder(t *testing.T) {
	l, _, _ := newTestLedger(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		at := base.Add(time.Duration(6-i) * time.Hour)
		appendDraft(t, l, scopeA, &model.EventDraft{Type: "invoice.created", OccurredAt: &at})
	}
	from, to := year2025()

	var seen []*model.ActivityEvent
	var cursor *model.Cursor
	for pages := 0; pages < 10; pages++ {
		page, err := l.Query(context.Background(), scopeA, model.EventQuery{From: from, To: to, Limit: 3, After: cursor})
		require.NoError(t, err)
		seen = append(seen, page.Events...)
		if page.Next == nil {
			break
		}
		decoded, err := DecodeCursor(EncodeCursor(page.Next))
		require.NoError(t, err)
		cursor = decoded
	}

	require.Len(t, seen, 7)
	for i := 1; i < len(seen); i++ {
		assert.True(t, model.Before(seen[i-1], seen[i]), "rows out of order at %d", i)
	}
}

func TestQueryFilters(t *testing.T) {
	l, _, _ := newTestLedger(t)
	at := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	appendDraft(t, l, scopeA, &model.EventDraft{Type: "invoice.created", Severity: "info", ActorID: "u1",
		EntityType: strp("invoice"), EntityID: strp("inv-1"), ParentType: strp("customer"), ParentID: strp("c-9"), OccurredAt: &at})
	appendDraft(t, l, scopeA, &model.EventDraft{Type: "invoice.paid", Severity: "error", Category: "integration", ActorID: "u2",
		EntityType: strp("invoice"), EntityID: strp("inv-2"), OccurredAt: &at})
	from, to := year2025()

	cases := []struct {
		name string
		q    model.EventQuery
		want int
	}{
		{"entity", model.EventQuery{EntityType: "invoice", EntityID: "inv-1"}, 1},
		{"parent", model.EventQuery{ParentType: "customer", ParentID: "c-9"}, 1},
		{"types", model.EventQuery{Types: []string{"invoice.paid", "invoice.created"}}, 2},
		{"category", model.EventQuery{Category: model.CategoryIntegration}, 1},
		{"min severity", model.EventQuery{MinSeverity: model.SeverityWarning}, 1},
		{"actor", model.EventQuery{ActorID: "u1"}, 1},
		{"no match", model.EventQuery{EntityID: "inv-404"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := tc.q
			q.From, q.To = from, to
			page, err := l.Query(context.Background(), scopeA, q)
			require.NoError(t, err)
			assert.Len(t, page.Events, tc.want)
		})
	}
}

func TestCrossTenantEntityFilterIsEmpty(t *testing.T) {
	l, _, _ := newTestLedger(t)
	at := time.Date(2025, 5, 5, 5, 0, 0, 0, time.UTC)
	appendDraft(t, l, scopeA, &model.EventDraft{Type: "work_order.created", EntityType: strp("work_order"), EntityID: strp("wo-secret"), OccurredAt: &at})
	from, to := year2025()

	page, err := l.Query(context.Background(), scopeB, model.EventQuery{From: from, To: to, EntityType: "work_order", EntityID: "wo-secret"})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
}

func TestGetForeignEventIsNotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)
	id := appendDraft(t, l, scopeA, &model.EventDraft{Type: "invoice.created"})

	_, err := l.Get(context.Background(), scopeB, id)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	got, err := l.Get(context.Background(), scopeA, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
}

func TestExplicitForeignTenantIsAudited(t *testing.T) {
	l, _, _ := newTestLedger(t)
	l.Enforcer().OnViolation(l.AuditViolation)
	from, to := year2025()

	_, err := l.Query(context.Background(), scopeB, model.EventQuery{TenantID: "tenant-a", From: from, To: to})
	require.ErrorIs(t, err, errs.ErrTenantIsolation)

	page, err := l.Query(context.Background(), scopeB, model.EventQuery{From: from, To: to, Types: []string{ViolationEventType}})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	audit := page.Events[0]
	assert.Equal(t, model.CategorySecurity, audit.Category)
	assert.Equal(t, model.SeverityWarning, audit.Severity)
	assert.Equal(t, "tenant-a", audit.Payload["requested_tenant"])
	assert.Equal(t, "bob", audit.ActorID())

	pageA, err := l.Query(context.Background(), scopeA, model.EventQuery{From: from, To: to})
	require.NoError(t, err)
	assert.Empty(t, pageA.Events)
}

func TestAppendIntoArchivedPartitionIsArchived(t *testing.T) {
	l, store, clk := newTestLedger(t)
	name := model.PartitionName(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	_, err := store.ArchivePartition(context.Background(), name, clk.Now())
	require.NoError(t, err)

	at := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	id := appendDraft(t, l, scopeA, &model.EventDraft{Type: "invoice.created", OccurredAt: &at})

	got, err := l.Get(context.Background(), scopeA, id)
	require.NoError(t, err)
	assert.True(t, got.Archived)
	require.NotNil(t, got.ArchivedAt)

	from, to := year2025()
	page, err := l.Query(context.Background(), scopeA, model.EventQuery{From: from, To: to})
	require.NoError(t, err)
	assert.Empty(t, page.Events)

	page, err = l.Query(context.Background(), scopeA, model.EventQuery{From: from, To: to, IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)
}

func TestArchiveIsIdempotentAndTouchesOnlyArchiveFields(t *testing.T) {
	l, store, clk := newTestLedger(t)
	at := time.Date(2025, 3, 3, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		appendDraft(t, l, scopeA, &model.EventDraft{Type: "invoice.created", Payload: map[string]interface{}{"n": float64(i)}, OccurredAt: &at})
	}
	from, to := year2025()
	before, err := l.Query(context.Background(), scopeA, model.EventQuery{From: from, To: to})
	require.NoError(t, err)

	name := model.PartitionName(at)
	n, err := store.ArchivePartition(context.Background(), name, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	after1, err := l.Query(context.Background(), scopeA, model.EventQuery{From: from, To: to, IncludeArchived: true})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	n, err = store.ArchivePartition(context.Background(), name, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	after2, err := l.Query(context.Background(), scopeA, model.EventQuery{From: from, To: to, IncludeArchived: true})
	require.NoError(t, err)
	assert.Equal(t, after1.Events, after2.Events)

	require.Len(t, after1.Events, len(before.Events))
	for i, e := range after1.Events {
		require.True(t, e.Archived)
		require.NotNil(t, e.ArchivedAt)
		restored := e.Clone()
		restored.Archived = false
		restored.ArchivedAt = nil
		assert.Equal(t, before.Events[i], restored)
		assert.NoError(t, model.CheckEventInvariants(e))
	}
}

func TestAggregateCountsOwnNonArchivedRows(t *testing.T) {
	l, store, clk := newTestLedger(t)
	at := time.Date(2025, 4, 1, 14, 30, 0, 0, time.UTC)
	appendDraft(t, l, scopeA, &model.EventDraft{Type: "job.finished", ActorID: "u1", Payload: map[string]interface{}{"execution_time_ms": float64(100)}, OccurredAt: &at})
	appendDraft(t, l, scopeA, &model.EventDraft{Type: "job.finished", ActorID: "u1", Payload: map[string]interface{}{"duration_ms": float64(300)}, OccurredAt: &at})
	appendDraft(t, l, scopeB, &model.EventDraft{Type: "job.finished", OccurredAt: &at})
	old := time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)
	appendDraft(t, l, scopeA, &model.EventDraft{Type: "job.finished", OccurredAt: &old})
	_, err := store.ArchivePartition(context.Background(), model.PartitionName(old), clk.Now())
	require.NoError(t, err)

	from, to := year2025()
	agg, err := l.Aggregate(context.Background(), scopeA, from, to)
	require.NoError(t, err)
	assert.Equal(t, []model.TypeHourCount{{Type: "job.finished", Hour: 14, Count: 2}}, agg.ByTypeHour)
	assert.Equal(t, []model.ActorCount{{ActorID: "u1", Count: 2}}, agg.ByActor)
	assert.Equal(t, float64(400), agg.ExecTimeSumMs)
	assert.Equal(t, int64(2), agg.ExecTimeSample)
}

func TestConcurrentAppends(t *testing.T) {
	l, _, _ := newTestLedger(t)
	const writers, each = 8, 50
	errc := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			scope := scopeA
			if w%2 == 1 {
				scope = scopeB
			}
			for i := 0; i < each; i++ {
				at := time.Date(2025, time.Month(1+(i%12)), 10, w, 0, 0, 0, time.UTC)
				e, err := model.BuildEvent(scope.TenantID(), &model.EventDraft{Type: fmt.Sprintf("load.w%d", w), OccurredAt: &at}, at)
				if err != nil {
					errc <- err
					return
				}
				if _, err := l.Append(context.Background(), scope, e); err != nil {
					errc <- err
					return
				}
			}
			errc <- nil
		}(w)
	}
	for w := 0; w < writers; w++ {
		require.NoError(t, <-errc)
	}

	from, to := year2025()
	page, err := l.Query(context.Background(), scopeA, model.EventQuery{From: from, To: to, Limit: MaxQueryLimit})
	require.NoError(t, err)
	assert.Len(t, page.Events, writers/2*each)
}
