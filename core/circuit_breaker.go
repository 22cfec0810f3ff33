package core

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the breaker's three-state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerConfig parameterizes a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsExpectedFailure classifies which errors count toward the
	// consecutive-failure total; nil counts every non-nil error.
	IsExpectedFailure func(error) bool
}

// CircuitBreaker is a three-state Closed/Open/HalfOpen machine: it
// opens after FailureThreshold consecutive expected failures, fails
// fast for RecoveryTimeout, then allows one HalfOpen probe.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
}

// NewCircuitBreaker builds a breaker starting Closed.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// State returns the breaker's current state, first evaluating whether an
// Open breaker's recovery timeout has elapsed (transitioning to
// HalfOpen as a side effect, matching "the next call moves to HalfOpen").
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *CircuitBreaker) maybeHalfOpenLocked() {
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = BreakerHalfOpen
	}
}

func (b *CircuitBreaker) isExpected(err error) bool {
	if err == nil {
		return false
	}
	if b.cfg.IsExpectedFailure != nil {
		return b.cfg.IsExpectedFailure(err)
	}
	return true
}

// Call runs fn if the breaker allows it, updating state from the
// outcome. A call against an Open breaker never invokes fn.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	b.maybeHalfOpenLocked()
	if b.state == BreakerOpen {
		b.mu.Unlock()
		return NewError(ErrCircuitOpen, "circuit breaker open")
	}
	wasHalfOpen := b.state == BreakerHalfOpen
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isExpected(err) {
		b.consecutiveFail++
		if wasHalfOpen || b.consecutiveFail >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
		return err
	}
	b.consecutiveFail = 0
	b.state = BreakerClosed
	return err
}

// Trip forces the breaker open, e.g. in response to an out-of-band
// signal the wrapped call can't itself observe.
func (b *CircuitBreaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerOpen
	b.openedAt = time.Now()
}

// Reset forces the breaker closed and clears the failure counter.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFail = 0
}
