package analytics

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler summarizes the previous whole UTC day for every tenant once per interval.
type Scheduler struct {
	aggregator *Aggregator
	interval   time.Duration
	logger     *zap.Logger
}

func NewScheduler(a *Aggregator, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{aggregator: a, interval: interval, logger: logger}
}

// PreviousDay returns [midnight yesterday, midnight today) in UTC.
func PreviousDay(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, 0, -1), end
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Analytics scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Analytics scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	from, to := PreviousDay(s.aggregator.clock.Now())
	if _, err := s.aggregator.RunAll(ctx, from, to); err != nil && ctx.Err() == nil {
		s.logger.Error("Scheduled analytics run failed", zap.Error(err))
	}
}
