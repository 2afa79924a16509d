package executor

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mir00r/rpc-balancer/internal/errors"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// BreakerState represents the state of the circuit breaker
type BreakerState int

const (
	// StateClosed - calls pass through normally
	StateClosed BreakerState = iota
	// StateOpen - calls fail fast without touching the transport
	StateOpen
	// StateHalfOpen - the next call probes whether the path recovered
	StateHalfOpen
)

// String returns the string representation of BreakerState
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int `yaml:"failure_threshold"`
	// ResetTimeout is how long the circuit stays open before a probe call
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DefaultBreakerConfig returns breaker defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker is the back-pressure mechanism protecting a known-bad path
// from further load. While open and within the reset timeout every call
// fails fast with CircuitOpen.
type CircuitBreaker struct {
	config BreakerConfig
	clock  clockwork.Clock
	logger *logger.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trips       uint64
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config BreakerConfig, clock clockwork.Clock, log *logger.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &CircuitBreaker{
		config: config,
		clock:  clock,
		logger: log.ExecutorLogger(),
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the reset timeout has elapsed. Returns a CircuitOpen error otherwise.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.state = StateHalfOpen
			cb.logger.Info("Circuit breaker transitioning to half-open")
			return nil
		}
		return errors.Newf(errors.KindCircuitOpen,
			"circuit open, retry after %s", cb.config.ResetTimeout-cb.clock.Now().Sub(cb.openedAt))
	default:
		return errors.New(errors.KindInternal, "circuit breaker in unknown state")
	}
}

// RecordSuccess resets the consecutive-failure count and closes the circuit
// after a successful half-open probe
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.logger.Info("Circuit breaker closed after successful recovery")
	}
}

// RecordFailure counts one terminal call failure. The circuit opens when the
// threshold is reached, and re-opens immediately on a failed half-open probe
// with the failure count pinned at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.clock.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.failures = cb.config.FailureThreshold
		cb.open()
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}
	case StateOpen:
		cb.failures++
	}
}

// open must be called with the mutex held
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.clock.Now()
	cb.trips++
	cb.logger.WithField("failures", cb.failures).
		WithField("reset_timeout", cb.config.ResetTimeout.String()).
		Warn("Circuit breaker opened")
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Trips returns how many times the circuit has opened
func (cb *CircuitBreaker) Trips() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

// Reset forces the breaker back to closed, for operator intervention
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.openedAt = time.Time{}
	cb.logger.Info("Circuit breaker reset to closed")
}
