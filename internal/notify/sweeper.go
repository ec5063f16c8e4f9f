package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
)

// sweepPrincipal is the principal recorded on scopes the sweeper builds.
const sweepPrincipal = "notify-sweeper"

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned    int
	Expired    int
	Dispatched int
}

// Sweeper expires overdue notifications, starts scheduled ones once due and
// resumes pending channels nobody owns, for example after a restart.
type Sweeper struct {
	store      Store
	dispatcher *Dispatcher
	clock      clock.Clock
	logger     *zap.Logger
	interval   time.Duration
	batch      int
}

func NewSweeper(store Store, dispatcher *Dispatcher, clk clock.Clock, logger *zap.Logger, interval time.Duration) *Sweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{store: store, dispatcher: dispatcher, clock: clk, logger: logger, interval: interval, batch: 500}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	refs, err := s.store.ListActionable(ctx, s.clock.Now(), s.batch)
	if err != nil {
		return res, err
	}
	res.Scanned = len(refs)
	for _, ref := range refs {
		scope, err := tenant.NewScope(ref.TenantID, sweepPrincipal, tenant.RoleSystem)
		if err != nil {
			s.logger.Warn("Skipping notification with unusable tenant",
				zap.String("tenant_id", ref.TenantID), zap.String("notification_id", ref.ID.String()), zap.Error(err))
			continue
		}
		started, expired, err := s.dispatcher.dispatch(ctx, scope, ref.ID)
		if err != nil {
			s.logger.Error("Sweep dispatch failed",
				zap.String("tenant_id", ref.TenantID), zap.String("notification_id", ref.ID.String()), zap.Error(err))
			continue
		}
		res.Dispatched += started
		if expired {
			res.Expired++
		}
	}
	return res, nil
}

// Start sweeps on the configured interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Notification sweeper started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Notification sweeper stopped")
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("Notification sweep failed", zap.Error(err))
				continue
			}
			if res.Scanned > 0 {
				s.logger.Info("Notification sweep finished",
					zap.Int("scanned", res.Scanned),
					zap.Int("expired", res.Expired),
					zap.Int("dispatched", res.Dispatched),
				)
			}
		}
	}
}
