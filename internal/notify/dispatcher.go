package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractmq "opsledger/contracts/mq"
	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/circuitbreaker"
	"opsledger/pkg/clock"
	"opsledger/pkg/logger"
	"opsledger/pkg/metrics"
	"opsledger/pkg/trace"
	"opsledger/pkg/util"
)

// DispatchConfig tunes delivery retries.
type DispatchConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// Normalize fills zero fields with defaults.
func (c *DispatchConfig) Normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Alerter is satisfied by *alert.Alerter.
type Alerter interface {
	Raise(ctx context.Context, kind, tenantID, subject, message string, labels map[string]string)
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatcher runs one goroutine per pending (notification, channel) pair.
// Channels never wait on each other.
type Dispatcher struct {
	store    Store
	cfg      DispatchConfig
	senders  map[model.Channel]Sender
	breakers map[model.Channel]*circuitbreaker.CircuitBreaker
	clock    clock.Clock
	logger   *zap.Logger
	alerter  Alerter
	sleep    SleepFunc

	inflight sync.Map // "id/channel" -> struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

type DispatcherOption func(*Dispatcher)

func WithAlerter(a Alerter) DispatcherOption {
	return func(d *Dispatcher) { d.alerter = a }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn SleepFunc) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = fn }
}

func NewDispatcher(store Store, senders []Sender, cfg DispatchConfig, clk clock.Clock, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	cfg.Normalize()
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:    store,
		cfg:      cfg,
		senders:  make(map[model.Channel]Sender, len(senders)),
		breakers: make(map[model.Channel]*circuitbreaker.CircuitBreaker, len(senders)),
		clock:    clk,
		logger:   logger,
		sleep:    sleepCtx,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
		d.breakers[s.Channel()] = circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold:    cfg.BreakerThreshold,
			SuccessThreshold:    1,
			Timeout:             cfg.BreakerTimeout,
			HalfOpenMaxRequests: 1,
			Counts:              errs.IsRetryable,
			Clock:               clk,
		})
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func inflightKey(id uuid.UUID, ch model.Channel) string {
	return id.String() + "/" + string(ch)
}

// InFlight reports whether a worker currently owns (id, ch).
func (d *Dispatcher) InFlight(id uuid.UUID, ch model.Channel) bool {
	_, ok := d.inflight.Load(inflightKey(id, ch))
	return ok
}

// Dispatch starts delivery of every pending channel of id that no worker owns
// yet and returns how many workers it started. Dismissed and not-yet-due
// notifications start nothing; overdue ones are expired instead.
func (d *Dispatcher) Dispatch(ctx context.Context, scope tenant.Scope, id uuid.UUID) (int, error) {
	started, _, err := d.dispatch(ctx, scope, id)
	return started, err
}

func (d *Dispatcher) dispatch(ctx context.Context, scope tenant.Scope, id uuid.UUID) (int, bool, error) {
	n, err := d.store.Get(ctx, scope, id)
	if err != nil {
		return 0, false, err
	}
	now := d.clock.Now()
	if n.Dismissed {
		return 0, false, nil
	}
	if n.Expired(now) {
		expired, err := d.expire(ctx, scope, id)
		return 0, expired, err
	}
	if !n.Due(now) {
		return 0, false, nil
	}

	workerCtx := trace.WithContext(d.ctx, trace.FromContext(ctx))
	started := 0
	for _, ch := range n.Channels {
		st := n.DeliveryStatus[ch]
		if st == nil || st.State != model.DeliveryPending {
			continue
		}
		key := inflightKey(id, ch)
		if _, busy := d.inflight.LoadOrStore(key, struct{}{}); busy {
			continue
		}
		d.wg.Add(1)
		started++
		go d.run(workerCtx, scope, id, ch, key)
	}
	return started, false, nil
}

// Wait blocks until every started worker has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops pending backoff waits and waits for workers to exit.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		b *= 2
		if b >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return b
}

func (d *Dispatcher) run(ctx context.Context, scope tenant.Scope, id uuid.UUID, ch model.Channel, key string) {
	defer d.wg.Done()
	defer d.inflight.Delete(key)

	log := logger.WithTrace(ctx, d.logger).With(
		zap.String("tenant_id", scope.TenantID()),
		zap.String("notification_id", id.String()),
		zap.String("channel", string(ch)),
	)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := d.store.Get(ctx, scope, id)
		if err != nil {
			log.Error("Failed to reload notification", zap.Error(err))
			return
		}
		st := n.DeliveryStatus[ch]
		if st == nil || st.State.Terminal() || n.Dismissed {
			return
		}
		now := d.clock.Now()
		if n.Expired(now) {
			if _, err := d.expire(ctx, scope, id); err != nil {
				log.Error("Failed to expire notification", zap.Error(err))
			}
			return
		}
		if st.NextAttemptAt != nil && now.Before(*st.NextAttemptAt) {
			wake := *st.NextAttemptAt
			if n.ExpiresAt != nil && n.ExpiresAt.Before(wake) {
				wake = *n.ExpiresAt
			}
			if err := d.sleep(ctx, wake.Sub(now)); err != nil {
				return
			}
			continue
		}

		attempt := st.Attempts + 1
		start := time.Now()
		sendErr := d.send(ctx, n, ch, attempt)
		elapsed := time.Since(start)

		var becameAllFailed bool
		updated, err := d.store.Mutate(ctx, scope, id, func(cur *model.Notification) (bool, error) {
			cs := cur.DeliveryStatus[ch]
			if cs == nil || cs.State.Terminal() {
				return false, nil
			}
			prev := cur.DeliveryOutcome
			at := d.clock.Now()
			cs.Attempts++
			cs.LastAttemptAt = &at
			switch {
			case sendErr == nil:
				cs.State = model.DeliveryDelivered
				cs.DeliveredAt = &at
				cs.NextAttemptAt = nil
				cs.LastError = ""
			case errs.IsRetryable(sendErr) && cs.Attempts < d.cfg.MaxAttempts:
				cs.LastError = sendErr.Error()
				next := at.Add(d.backoff(cs.Attempts))
				cs.NextAttemptAt = &next
			default:
				cs.LastError = sendErr.Error()
				cs.State = model.DeliveryFailed
				cs.NextAttemptAt = nil
			}
			cur.RecomputeOutcome()
			cur.UpdatedAt = at
			becameAllFailed = prev != model.OutcomeAllFailed && cur.DeliveryOutcome == model.OutcomeAllFailed
			return true, nil
		})
		if err != nil {
			log.Error("Failed to record delivery attempt", zap.Int("attempt", attempt), zap.Error(err))
			return
		}

		cs := updated.DeliveryStatus[ch]
		switch {
		case cs == nil:
			return
		case cs.State == model.DeliveryDelivered:
			metrics.RecordDelivery(string(ch), "delivered", elapsed)
			log.Info("Notification delivered", zap.Int("attempt", attempt))
		case cs.State == model.DeliveryFailed:
			metrics.RecordDelivery(string(ch), "failed", elapsed)
			log.Warn("Notification delivery failed permanently",
				zap.Int("attempts", cs.Attempts), zap.Error(sendErr))
		case cs.State == model.DeliveryPending:
			metrics.RecordDelivery(string(ch), "retry", elapsed)
			log.Warn("Notification delivery failed, will retry",
				zap.Int("attempt", attempt), zap.Timep("next_attempt_at", cs.NextAttemptAt), zap.Error(sendErr))
		}
		if becameAllFailed {
			d.allFailed(ctx, log, updated)
		}
		if cs.State.Terminal() {
			return
		}
	}
}

// send runs one attempt through the channel's breaker.
func (d *Dispatcher) send(ctx context.Context, n *model.Notification, ch model.Channel, attempt int) error {
	sender, ok := d.senders[ch]
	if !ok {
		return errs.Delivery(string(ch), false, fmt.Errorf("no sender for channel %s", ch))
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	err := d.breakers[ch].Execute(func() error {
		err := sender.Send(attemptCtx, n, attempt)
		if err == nil {
			return nil
		}
		if _, ok := errs.As(err); ok {
			return err
		}
		retryable, _ := util.IsRetryableError(err)
		return errs.Delivery(string(ch), retryable, err)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return errs.Delivery(string(ch), true, err)
	}
	return err
}

func (d *Dispatcher) allFailed(ctx context.Context, log *zap.Logger, n *model.Notification) {
	log.Warn("All notification channels failed", zap.Strings("channels", channelNames(n.Channels)))
	if d.alerter == nil {
		return
	}
	d.alerter.Raise(ctx, contractmq.AlertDeliveryAllFailed, n.TenantID,
		"notification "+n.ID.String(),
		"every delivery channel failed",
		map[string]string{"recipient_id": n.Recipient.ID, "type": n.Type})
}

// expire moves the remaining pending channels of id to expired.
func (d *Dispatcher) expire(ctx context.Context, scope tenant.Scope, id uuid.UUID) (bool, error) {
	var moved []model.Channel
	_, err := d.store.Mutate(ctx, scope, id, func(cur *model.Notification) (bool, error) {
		now := d.clock.Now()
		if !cur.Expired(now) {
			return false, nil
		}
		moved = moved[:0]
		for ch, st := range cur.DeliveryStatus {
			if st.State == model.DeliveryPending {
				moved = append(moved, ch)
			}
		}
		return cur.Expire(now), nil
	})
	if err != nil {
		return false, err
	}
	for _, ch := range moved {
		metrics.RecordDelivery(string(ch), "expired", 0)
	}
	return len(moved) > 0, nil
}

func channelNames(chs []model.Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = string(ch)
	}
	return out
}
