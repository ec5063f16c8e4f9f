// Package lifecycle ages ledger partitions: it creates future months ahead of
// ingestion, archives months past hot retention and drops months past maximum
// retention after copying exempt rows aside.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	contractmq "opsledger/contracts/mq"
	"opsledger/internal/alert"
	"opsledger/internal/coldstore"
	"opsledger/internal/errs"
	"opsledger/internal/ledger"
	"opsledger/internal/model"
	"opsledger/pkg/clock"
	"opsledger/pkg/logger"
	"opsledger/pkg/metrics"
)

const (
	StepCreate   = "create"
	StepActivate = "activate"
	StepExport   = "export"
	StepArchive  = "archive"
	StepMigrate  = "migrate_exceptions"
	StepDrop     = "drop"
)

// Failure is one failed partition transition of a run.
type Failure struct {
	Partition   string `json:"partition"`
	Step        string `json:"step"`
	Error       string `json:"error"`
	Consecutive int64  `json:"consecutive"`
}

// Report summarizes one Run.
type Report struct {
	Skipped    bool      `json:"skipped"`
	Created    []string  `json:"created"`
	Activated  []string  `json:"activated"`
	Archived   []string  `json:"archived"`
	Dropped    []string  `json:"dropped"`
	Failures   []Failure `json:"failures"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// OK reports whether every transition succeeded.
func (r *Report) OK() bool { return len(r.Failures) == 0 }

// Manager drives the planned → active → archived → dropped state machine.
type Manager struct {
	store    ledger.PartitionStore
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	lock     RunLock
	counter  FailureCounter
	alerter  *alert.Alerter
	exporter *coldstore.Exporter

	runMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunLock adds a cross-process run lock on top of the in-process one.
func WithRunLock(l RunLock) Option { return func(m *Manager) { m.lock = l } }

// WithFailureCounter replaces the in-memory failure counter.
func WithFailureCounter(c FailureCounter) Option { return func(m *Manager) { m.counter = c } }

// WithAlerter sets the alert sink used past the failure threshold.
func WithAlerter(a *alert.Alerter) Option { return func(m *Manager) { m.alerter = a } }

// WithExporter enables cold storage export before archiving.
func WithExporter(x *coldstore.Exporter) Option { return func(m *Manager) { m.exporter = x } }

func NewManager(store ledger.PartitionStore, cfg Config, clk clock.Clock, logger *zap.Logger, opts ...Option) *Manager {
	cfg.Normalize()
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Manager{
		store:   store,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		counter: NewMemoryCounter(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.alerter == nil {
		m.alerter = alert.New(nil, logger, clk)
	}
	return m
}

// Config returns the normalized configuration.
func (m *Manager) Config() Config { return m.cfg }

// monthsAfter reports whether at least months whole months separate end from now.
func monthsAfter(end time.Time, months int, now time.Time) bool {
	return !now.Before(end.AddDate(0, months, 0))
}

// EnsureFuture creates the current month and cfg.FuturePartitions months
// after it when absent, then activates planned partitions whose range has
// started. Running it twice is the same as running it once.
func (m *Manager) EnsureFuture(ctx context.Context, now time.Time) (created, activated []string, failures []Failure) {
	base := model.MonthStart(now)
	for i := 0; i <= m.cfg.FuturePartitions; i++ {
		p := model.MonthlyPartition(base.AddDate(0, i, 0))
		ok, err := m.store.CreatePartition(ctx, p)
		if err != nil {
			failures = append(failures, m.fail(ctx, p.Name, StepCreate, err))
			continue
		}
		m.succeed(ctx, p.Name)
		if ok {
			created = append(created, p.Name)
			m.logger.Info("Created partition",
				zap.String("partition", p.Name),
				zap.Time("start", p.Start),
				zap.Time("end", p.End),
			)
		}
	}

	parts, err := m.store.ListPartitions(ctx)
	if err != nil {
		failures = append(failures, m.fail(ctx, "catalog", StepActivate, err))
		return created, activated, failures
	}
	for _, p := range parts {
		if p.State != model.PartitionPlanned || now.Before(p.Start) {
			continue
		}
		if err := m.store.SetPartitionState(ctx, p.Name, model.PartitionActive, now); err != nil {
			failures = append(failures, m.fail(ctx, p.Name, StepActivate, err))
			continue
		}
		activated = append(activated, p.Name)
	}
	return created, activated, failures
}

// Archive flags every row of partitions whose range ended at least
// HotRetentionMonths ago. With an exporter the partition is written to cold
// storage first and the object key recorded.
func (m *Manager) Archive(ctx context.Context, now time.Time) (archived []string, failures []Failure) {
	parts, err := m.store.ListPartitions(ctx)
	if err != nil {
		return nil, []Failure{m.fail(ctx, "catalog", StepArchive, err)}
	}
	for _, p := range parts {
		if p.State != model.PartitionPlanned && p.State != model.PartitionActive {
			continue
		}
		if !monthsAfter(p.End, m.cfg.HotRetentionMonths, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			failures = append(failures, m.fail(ctx, p.Name, StepArchive, err))
			return archived, failures
		}

		if m.exporter != nil && m.cfg.ColdExport {
			key, _, err := m.exporter.Export(ctx, m.store, p.Name)
			if err == nil {
				err = m.store.SetColdKey(ctx, p.Name, key)
			}
			if err != nil {
				failures = append(failures, m.fail(ctx, p.Name, StepExport, err))
				continue
			}
		}

		rows, err := m.store.ArchivePartition(ctx, p.Name, now)
		if err != nil {
			failures = append(failures, m.fail(ctx, p.Name, StepArchive, err))
			continue
		}
		m.succeed(ctx, p.Name)
		archived = append(archived, p.Name)
		m.logger.Info("Archived partition", zap.String("partition", p.Name), zap.Int64("rows", rows))
	}
	return archived, failures
}

// Drop removes partitions whose range ended at least MaxRetentionMonths ago.
// Exempt rows are copied into the exceptions partition first; a failed copy
// keeps the partition for the next run.
func (m *Manager) Drop(ctx context.Context, now time.Time) (dropped []string, failures []Failure) {
	parts, err := m.store.ListPartitions(ctx)
	if err != nil {
		return nil, []Failure{m.fail(ctx, "catalog", StepDrop, err)}
	}
	exempt := m.cfg.exempt()
	for _, p := range parts {
		if !p.Live() || !monthsAfter(p.End, m.cfg.MaxRetentionMonths, now) {
			continue
		}
		if len(exempt) > 0 {
			moved, err := m.store.MigrateExceptions(ctx, p.Name, exempt, now)
			if err != nil {
				failures = append(failures, m.fail(ctx, p.Name, StepMigrate, err))
				continue
			}
			if moved > 0 {
				m.logger.Info("Migrated exempt rows",
					zap.String("partition", p.Name),
					zap.Int64("rows", moved),
				)
			}
		}
		if err := m.store.DropPartition(ctx, p.Name, now); err != nil {
			failures = append(failures, m.fail(ctx, p.Name, StepDrop, err))
			continue
		}
		m.succeed(ctx, p.Name)
		dropped = append(dropped, p.Name)
		m.logger.Info("Dropped partition", zap.String("partition", p.Name))
	}
	return dropped, failures
}

// Run is the idempotent "run now" operation: EnsureFuture, Archive, Drop.
// A run that finds another one in progress returns a skipped report.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	now := m.clock.Now()
	report := &Report{StartedAt: now}
	log := logger.WithTrace(ctx, m.logger)

	if !m.runMu.TryLock() {
		report.Skipped = true
		report.FinishedAt = now
		metrics.IncrementLifecycleRun("skipped")
		log.Info("Lifecycle run already in progress in this process, skipping")
		return report, nil
	}
	defer m.runMu.Unlock()

	if m.lock != nil {
		ok, err := m.lock.TryAcquire(ctx)
		switch {
		case err != nil:
			log.Warn("Run lock unavailable, running with the in-process lock only", zap.Error(err))
		case !ok:
			report.Skipped = true
			report.FinishedAt = m.clock.Now()
			metrics.IncrementLifecycleRun("skipped")
			log.Info("Lifecycle run held by another process, skipping")
			return report, nil
		default:
			defer func() {
				if err := m.lock.Release(context.WithoutCancel(ctx)); err != nil {
					log.Warn("Failed to release run lock", zap.Error(err))
				}
			}()
		}
	}

	created, activated, failures := m.EnsureFuture(ctx, now)
	report.Created, report.Activated = created, activated
	report.Failures = append(report.Failures, failures...)

	report.Archived, failures = m.Archive(ctx, now)
	report.Failures = append(report.Failures, failures...)

	report.Dropped, failures = m.Drop(ctx, now)
	report.Failures = append(report.Failures, failures...)

	report.FinishedAt = m.clock.Now()
	m.publishCounts(ctx)

	result := "ok"
	if !report.OK() {
		result = "partial"
	}
	metrics.IncrementLifecycleRun(result)
	log.Info("Lifecycle run finished",
		zap.Strings("created", report.Created),
		zap.Strings("archived", report.Archived),
		zap.Strings("dropped", report.Dropped),
		zap.Int("failures", len(report.Failures)),
	)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// Partitions lists the catalog, dropped partitions included.
func (m *Manager) Partitions(ctx context.Context) ([]model.Partition, error) {
	return m.store.ListPartitions(ctx)
}

func (m *Manager) publishCounts(ctx context.Context) {
	parts, err := m.store.ListPartitions(ctx)
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, p := range parts {
		counts[string(p.State)]++
	}
	metrics.SetPartitionCounts(counts)
}

// fail counts a failed step and raises an alert once the partition has failed
// AlertThreshold consecutive times.
func (m *Manager) fail(ctx context.Context, partition, step string, cause error) Failure {
	err := errs.Lifecycle(partition, step, cause)
	metrics.IncrementLifecycleFailure(step)

	n, cerr := m.counter.IncrementAndGet(ctx, partition)
	if cerr != nil {
		m.logger.Warn("Failed to count lifecycle failure", zap.String("partition", partition), zap.Error(cerr))
	}
	logger.WithTrace(ctx, m.logger).Error("Partition transition failed",
		zap.String("partition", partition),
		zap.String("step", step),
		zap.Int64("consecutive", n),
		zap.Error(cause),
	)
	if n >= m.cfg.AlertThreshold {
		m.alerter.Raise(ctx, contractmq.AlertLifecycleFailure, "", partition,
			fmt.Sprintf("%s failed %d consecutive runs: %v", step, n, cause),
			map[string]string{"step": step},
		)
	}
	return Failure{Partition: partition, Step: step, Error: err.Error(), Consecutive: n}
}

func (m *Manager) succeed(ctx context.Context, partition string) {
	if err := m.counter.Reset(ctx, partition); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("Failed to reset lifecycle failure count", zap.String("partition", partition), zap.Error(err))
	}
}
