package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"opsledger/pkg/clock"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // requests pass
	StateOpen                  // requests are rejected
	StateHalfOpen              // a few trial requests pass
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config tunes a breaker.
type Config struct {
	// FailureThreshold consecutive counted failures open the breaker.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// HalfOpenMaxRequests caps concurrent trial requests.
	HalfOpenMaxRequests int
	// Counts decides which errors count as failures. Nil counts every error.
	Counts func(error) bool
	Clock  clock.Clock
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker guards one downstream dependency.
type CircuitBreaker struct {
	config Config

	state         State
	failureCount  int
	successCount  int
	halfOpenCount int
	lastStateTime time.Time

	mu sync.Mutex
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config Config) *CircuitBreaker {
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		config:        config,
		state:         StateClosed,
		lastStateTime: config.Clock.Now(),
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	cb.advance()

	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			cb.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		cb.halfOpenCount++
	}
	probing := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probing && cb.halfOpenCount > 0 {
		cb.halfOpenCount--
	}
	if err != nil && cb.counts(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) counts(err error) bool {
	if cb.config.Counts == nil {
		return true
	}
	return cb.config.Counts(err)
}

// advance applies time-driven transitions. Caller holds mu.
func (cb *CircuitBreaker) advance() {
	now := cb.config.Clock.Now()
	if cb.state == StateOpen && now.Sub(cb.lastStateTime) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.halfOpenCount = 0
		cb.successCount = 0
		cb.lastStateTime = now
	}
}

func (cb *CircuitBreaker) onFailure() {
	now := cb.config.Clock.Now()
	cb.failureCount++
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.halfOpenCount = 0
		cb.lastStateTime = now
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.lastStateTime = now
		}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			cb.lastStateTime = cb.config.Clock.Now()
		}
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCount = 0
	cb.lastStateTime = cb.config.Clock.Now()
}

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
