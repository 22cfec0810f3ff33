package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour})
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 2; i++ {
		_ = cb.Call(context.Background(), failing)
		if cb.State() != BreakerClosed {
			t.Fatalf("breaker opened too early at failure %d", i+1)
		}
	}
	_ = cb.Call(context.Background(), failing)
	if cb.State() != BreakerOpen {
		t.Fatalf("breaker should open after reaching FailureThreshold, state=%s", cb.State())
	}
}

func TestCircuitBreakerRejectsCallsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if cb.State() != BreakerOpen {
		t.Fatalf("expected breaker to be open")
	}

	called := false
	err := cb.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("an open breaker must never invoke the wrapped call")
	}
	if kind, ok := ErrorKindOf(err); !ok || kind != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if cb.State() != BreakerOpen {
		t.Fatalf("expected breaker to be open")
	}

	time.Sleep(20 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected breaker to move to half-open after RecoveryTimeout, got %s", cb.State())
	}

	err := cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("half-open probe that succeeds should not error: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("a successful half-open probe should close the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: 10 * time.Millisecond})
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	cb.Trip()
	time.Sleep(20 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after timeout")
	}
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("still broken") })
	if cb.State() != BreakerOpen {
		t.Fatalf("a failing half-open probe must reopen immediately, got %s", cb.State())
	}
}

func TestCircuitBreakerResetClearsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	cb.Reset()
	if cb.State() != BreakerClosed {
		t.Fatalf("Reset should force Closed")
	}
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if cb.State() != BreakerClosed {
		t.Fatalf("failure counter should have been cleared by Reset, breaker opened after only 1 failure")
	}
}
