package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs the manager on a fixed interval.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(m *Manager, logger *zap.Logger) *Scheduler {
	return &Scheduler{manager: m, interval: m.cfg.Interval, logger: logger}
}

// Start runs once immediately, then every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting partition lifecycle scheduler", zap.Duration("interval", s.interval))
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Partition lifecycle scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.manager.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Lifecycle run failed", zap.Error(err))
	}
}
