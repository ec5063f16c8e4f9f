// Package analytics derives per-tenant activity summaries from the ledger.
package analytics

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
	"opsledger/pkg/metrics"
)

const runPrincipal = "analytics-aggregator"

// Source is satisfied by *ledger.Ledger.
type Source interface {
	Aggregate(ctx context.Context, scope tenant.Scope, from, to time.Time) (*model.EventAggregate, error)
}

type Aggregator struct {
	source    Source
	store     Store
	directory tenant.Directory
	clock     clock.Clock
	logger    *zap.Logger
}

func NewAggregator(source Source, store Store, directory tenant.Directory, clk clock.Clock, logger *zap.Logger) *Aggregator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Aggregator{source: source, store: store, directory: directory, clock: clk, logger: logger}
}

// Run summarizes the scope's non-archived events in [from, to) and stores the
// result, replacing any earlier summary of the same window.
func (a *Aggregator) Run(ctx context.Context, scope tenant.Scope, from, to time.Time) (*model.AnalyticsSummary, error) {
	from, to = from.UTC(), to.UTC()
	agg, err := a.source.Aggregate(ctx, scope, from, to)
	if err != nil {
		metrics.IncrementAnalyticsRun("error")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		metrics.IncrementAnalyticsRun("cancelled")
		return nil, err
	}
	s := Summarize(scope.TenantID(), from, to, agg, a.clock.Now())
	if err := a.store.Upsert(ctx, scope, s); err != nil {
		metrics.IncrementAnalyticsRun("error")
		return nil, err
	}
	metrics.IncrementAnalyticsRun("ok")
	return s, nil
}

// Latest returns the stored summary for exactly [from, to).
func (a *Aggregator) Latest(ctx context.Context, scope tenant.Scope, from, to time.Time) (*model.AnalyticsSummary, error) {
	return a.store.Get(ctx, scope, from.UTC(), to.UTC())
}

// RunAllReport lists per-tenant outcomes of RunAll.
type RunAllReport struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// RunAll runs every active tenant. A failing tenant is reported and the rest
// still run; only listing tenants or cancellation fails the call.
func (a *Aggregator) RunAll(ctx context.Context, from, to time.Time) (*RunAllReport, error) {
	tenants, err := a.directory.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	report := &RunAllReport{Succeeded: []string{}, Failed: map[string]string{}}
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		scope, err := tenant.NewScope(t.ID, runPrincipal, tenant.RoleSystem)
		if err == nil {
			_, err = a.Run(ctx, scope, from, to)
		}
		if err != nil {
			report.Failed[t.ID] = err.Error()
			a.logger.Error("Analytics run failed for tenant",
				zap.String("tenant_id", t.ID),
				zap.Time("from", from),
				zap.Time("to", to),
				zap.Error(err),
			)
			continue
		}
		report.Succeeded = append(report.Succeeded, t.ID)
	}
	a.logger.Info("Analytics run finished",
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// Summarize turns raw grouped counts into a summary. The peak hour is the
// hour of day with the most events, the earliest on ties, and -1 when empty.
func Summarize(tenantID string, from, to time.Time, agg *model.EventAggregate, now time.Time) *model.AnalyticsSummary {
	s := &model.AnalyticsSummary{
		TenantID:    tenantID,
		WindowStart: from,
		WindowEnd:   to,
		ByTypeHour:  []model.TypeHourCount{},
		ByActor:     []model.ActorCount{},
		PeakHour:    -1,
		GeneratedAt: model.Micro(now),
	}
	if agg == nil {
		return s
	}

	var hours [24]int64
	for _, c := range agg.ByTypeHour {
		if c.Count == 0 {
			continue
		}
		s.ByTypeHour = append(s.ByTypeHour, c)
		s.Total += c.Count
		if c.Hour >= 0 && c.Hour < 24 {
			hours[c.Hour] += c.Count
		}
	}
	sort.Slice(s.ByTypeHour, func(i, j int) bool {
		a, b := s.ByTypeHour[i], s.ByTypeHour[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Hour < b.Hour
	})

	for _, c := range agg.ByActor {
		if c.Count > 0 {
			s.ByActor = append(s.ByActor, c)
		}
	}
	sort.Slice(s.ByActor, func(i, j int) bool {
		a, b := s.ByActor[i], s.ByActor[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ActorID < b.ActorID
	})

	if agg.ExecTimeSample > 0 {
		avg := agg.ExecTimeSumMs / float64(agg.ExecTimeSample)
		s.AvgExecutionMs = &avg
	}

	var best int64
	for h, n := range hours {
		if n > best {
			best = n
			s.PeakHour = h
		}
	}
	return s
}
