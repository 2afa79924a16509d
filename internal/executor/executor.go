package executor

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mir00r/rpc-balancer/internal/errors"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// RetryConfig holds retry and backoff configuration
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `yaml:"max_retries"`
	// InitialDelay seeds the exponential backoff
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the computed backoff
	MaxDelay time.Duration `yaml:"max_delay"`
	// BackoffMultiplier grows the delay per attempt
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// Config holds resilient call executor configuration
type Config struct {
	// Timeout bounds each individual attempt
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"circuit_breaker"`
}

// DefaultConfig returns executor defaults
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelay:      100 * time.Millisecond,
			MaxDelay:          5 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Breaker: DefaultBreakerConfig(),
	}
}

// AttemptFunc issues one transport attempt under the given deadline
type AttemptFunc func(ctx context.Context) ([]byte, error)

// Executor wraps a remote call with timeout, retry-with-backoff, and a
// circuit breaker. Raw transport failures are classified here, exactly once;
// the layers above only enrich.
type Executor struct {
	config  Config
	breaker *CircuitBreaker
	clock   clockwork.Clock
	logger  *logger.Logger

	totalCalls      uint64
	succeededCalls  uint64
	failedCalls     uint64
	retriedAttempts uint64
}

// New creates an executor with its own circuit breaker
func New(config Config, clock clockwork.Clock, log *logger.Logger) *Executor {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Retry.MaxRetries < 0 {
		config.Retry.MaxRetries = 0
	}
	if config.Retry.InitialDelay <= 0 {
		config.Retry.InitialDelay = defaults.Retry.InitialDelay
	}
	if config.Retry.MaxDelay <= 0 {
		config.Retry.MaxDelay = defaults.Retry.MaxDelay
	}
	if config.Retry.BackoffMultiplier <= 1 {
		config.Retry.BackoffMultiplier = defaults.Retry.BackoffMultiplier
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Executor{
		config:  config,
		breaker: NewCircuitBreaker(config.Breaker, clock, log),
		clock:   clock,
		logger:  log.ExecutorLogger(),
	}
}

// Breaker exposes the executor's circuit breaker
func (e *Executor) Breaker() *CircuitBreaker {
	return e.breaker
}

// Call executes one unary call with retries. Attempts run until success, a
// non-retryable classification, or maxRetries+1 attempts; terminal failure
// counts once against the circuit breaker.
func (e *Executor) Call(ctx context.Context, method string, attempt AttemptFunc) ([]byte, error) {
	atomic.AddUint64(&e.totalCalls, 1)
	start := e.clock.Now()

	if err := e.breaker.Allow(); err != nil {
		atomic.AddUint64(&e.failedCalls, 1)
		return nil, errors.AsCallError(err).
			WithMethod(method).
			WithAttempts(0, 0, e.breaker.State().String())
	}

	maxAttempts := e.config.Retry.MaxRetries + 1
	var lastErr *errors.CallError

	for attemptNo := 1; attemptNo <= maxAttempts; attemptNo++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		payload, err := attempt(attemptCtx)
		cancel()

		if err == nil {
			e.breaker.RecordSuccess()
			atomic.AddUint64(&e.succeededCalls, 1)
			return payload, nil
		}

		lastErr = errors.Classify(err)
		e.logger.WithField("method", method).
			WithField("attempt", attemptNo).
			WithField("kind", string(lastErr.Kind)).
			Debug("Call attempt failed")

		if !lastErr.Retryable() || attemptNo == maxAttempts {
			lastErr = lastErr.WithAttempts(attemptNo, e.clock.Since(start), "")
			break
		}

		atomic.AddUint64(&e.retriedAttempts, 1)
		if err := e.sleep(ctx, e.backoffDelay(attemptNo)); err != nil {
			lastErr = lastErr.WithAttempts(attemptNo, e.clock.Since(start), "")
			break
		}
	}

	e.breaker.RecordFailure()
	atomic.AddUint64(&e.failedCalls, 1)

	lastErr.BreakerState = e.breaker.State().String()
	return nil, lastErr.WithMethod(method)
}

// RecordStreamOutcome applies a stream's terminal outcome to the breaker.
// Streams follow the same breaker and classification discipline as unary
// calls but are never retried mid-stream; replaying a partially consumed
// stream has no safe default.
func (e *Executor) RecordStreamOutcome(success bool) {
	if success {
		e.breaker.RecordSuccess()
		atomic.AddUint64(&e.succeededCalls, 1)
	} else {
		e.breaker.RecordFailure()
		atomic.AddUint64(&e.failedCalls, 1)
	}
}

// AllowStream consults the breaker before a stream is opened
func (e *Executor) AllowStream(method string) error {
	atomic.AddUint64(&e.totalCalls, 1)
	if err := e.breaker.Allow(); err != nil {
		atomic.AddUint64(&e.failedCalls, 1)
		return errors.AsCallError(err).
			WithMethod(method).
			WithAttempts(0, 0, e.breaker.State().String())
	}
	return nil
}

// backoffDelay computes min(maxDelay, initialDelay*multiplier^(attempt-1))
// plus up to 10% random jitter
func (e *Executor) backoffDelay(attemptNo int) time.Duration {
	backoff := float64(e.config.Retry.InitialDelay) *
		math.Pow(e.config.Retry.BackoffMultiplier, float64(attemptNo-1))
	if backoff > float64(e.config.Retry.MaxDelay) {
		backoff = float64(e.config.Retry.MaxDelay)
	}

	jitter := rand.Int63n(int64(backoff)/10 + 1)
	return time.Duration(int64(backoff) + jitter)
}

// sleep waits out the backoff delay, aborting early when the caller's
// context expires
func (e *Executor) sleep(ctx context.Context, delay time.Duration) error {
	timer := e.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Stats is a snapshot of executor metrics
type Stats struct {
	TotalCalls      uint64 `json:"total_calls"`
	SucceededCalls  uint64 `json:"succeeded_calls"`
	FailedCalls     uint64 `json:"failed_calls"`
	RetriedAttempts uint64 `json:"retried_attempts"`
	CircuitTrips    uint64 `json:"circuit_trips"`
	BreakerState    string `json:"breaker_state"`
}

// GetStats returns a snapshot of executor metrics
func (e *Executor) GetStats() Stats {
	return Stats{
		TotalCalls:      atomic.LoadUint64(&e.totalCalls),
		SucceededCalls:  atomic.LoadUint64(&e.succeededCalls),
		FailedCalls:     atomic.LoadUint64(&e.failedCalls),
		RetriedAttempts: atomic.LoadUint64(&e.retriedAttempts),
		CircuitTrips:    e.breaker.Trips(),
		BreakerState:    e.breaker.State().String(),
	}
}
