// Package resilience guards physical connects to a backing store.
//
// A pool that keeps dialing a dead server only adds load and delays the
// moment callers learn about the outage. The circuit breaker counts
// consecutive network and timeout failures; once they reach a threshold it
// opens and rejects connects outright until a cool-down passes, then lets a
// few trial connects through before closing again.
//
// State transitions:
//
//	Closed (normal) -> Open (failing) -> HalfOpen (testing) -> Closed
//	                     ^                    |
//	                     +--------------------+ (if test fails)
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - connects pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit is tripped - connects fail immediately.
	CircuitOpen
	// CircuitHalfOpen means the circuit is testing if the store recovered.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state
	// before closing the circuit.
	SuccessThreshold int
	// CoolDown is how long the circuit stays open before going half-open.
	CoolDown time.Duration
	// MaxHalfOpenRequests is the maximum number of trial connects allowed
	// in half-open state.
	MaxHalfOpenRequests int
	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns defaults suited to database connects.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		CoolDown:            10 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	name   string
	now    func() time.Time

	state CircuitState

	failureCount         int
	successCount         int
	halfOpenRequestCount int
	rejections           uint64

	lastFailureTime time.Time
	lastStateChange time.Time
	openedAt        time.Time

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker. Zero config fields take
// their defaults.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &CircuitBreaker{
		config:          cfg,
		name:            name,
		now:             now,
		state:           CircuitClosed,
		lastStateChange: now(),
		onStateChange:   MetricsCallback,
	}
}

// SetStateChangeCallback replaces the state change callback. The default
// callback updates the package metrics. fn runs with the breaker locked and
// must not call back into it.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateWithTimeCheck()
}

// stateWithTimeCheck reports an open circuit whose cool-down has passed as
// half-open without transitioning. Must be called with the lock held.
func (cb *CircuitBreaker) stateWithTimeCheck() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.CoolDown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a connect may proceed. A rejected connect gets an
// error wrapping ErrCircuitOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.allowLocked() {
		return nil
	}
	cb.rejections++
	CircuitBreakerRejections.Inc()
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) allowLocked() bool {
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.CoolDown {
			cb.transitionTo(CircuitHalfOpen)
			cb.halfOpenRequestCount = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.halfOpenRequestCount < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequestCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RetryAfter returns how long until an open circuit lets a trial connect
// through. It is zero unless the circuit is open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return 0
	}
	left := cb.config.CoolDown - cb.now().Sub(cb.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// RecordSuccess records a successful connect.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	CircuitBreakerSuccesses.Inc()
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitOpen:
		log.WithField("circuit", cb.name).Warn("success recorded while circuit open")
	}
}

// RecordFailure records a failed connect.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	CircuitBreakerFailures.Inc()
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	case CircuitOpen:
	}
}

// Record feeds the outcome of a connect to the breaker. Network and timeout
// failures count against the store. Rejected credentials and caller
// cancellation say nothing about the store's availability, so they only
// return a half-open trial slot.
func (cb *CircuitBreaker) Record(err error) {
	if err == nil {
		cb.RecordSuccess()
		return
	}
	if errors.Is(err, context.Canceled) {
		cb.releaseTrial()
		return
	}
	if reason, ok := apperrors.ReasonOf(err); ok && reason == apperrors.ReasonAuth {
		cb.releaseTrial()
		return
	}
	cb.RecordFailure()
}

func (cb *CircuitBreaker) releaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.halfOpenRequestCount > 0 {
		cb.halfOpenRequestCount--
	}
}

// transitionTo changes the circuit state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case CircuitOpen:
		cb.openedAt = cb.lastStateChange
		cb.successCount = 0
	case CircuitHalfOpen:
		cb.successCount = 0
		cb.halfOpenRequestCount = 0
	}

	log.WithField("circuit", cb.name).
		WithField("from", oldState.String()).
		WithField("to", newState.String()).
		Info("circuit breaker state transition")

	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// ExecuteWithContext runs fn if the circuit allows it and records the
// result with Record.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		cb.releaseTrial()
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.releaseTrial()
		return err
	}
	cb.Record(err)
	return err
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.stateWithTimeCheck(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		Rejections:      cb.rejections,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// CircuitBreakerStats holds statistics for a circuit breaker.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	FailureCount    int
	SuccessCount    int
	Rejections      uint64
	LastFailureTime time.Time
	LastStateChange time.Time
}

// Name returns the name of this circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
