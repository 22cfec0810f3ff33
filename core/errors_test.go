package core

import (
	"errors"
	"testing"
)

func TestCoreErrorRetryableDefaults(t *testing.T) {
	cases := []struct {
		kind      ErrorKind
		retryable bool
	}{
		{ErrConnectionLost, true},
		{ErrServerUnavailable, true},
		{ErrTimeout, true},
		{ErrServerError, true},
		{ErrTemporaryError, true},
		{ErrRateLimited, true},
		{ErrValidation, false},
		{ErrUnauthenticated, false},
		{ErrConfig, false},
	}
	for _, c := range cases {
		e := NewError(c.kind, "boom")
		if got := e.Retryable(); got != c.retryable {
			t.Errorf("kind %s: Retryable() = %v, want %v", c.kind, got, c.retryable)
		}
	}
}

func TestCoreErrorVetoRetry(t *testing.T) {
	e := NewError(ErrServerError, "transient")
	if !e.Retryable() {
		t.Fatalf("expected ErrServerError to default to retryable")
	}
	vetoed := e.VetoRetry()
	if vetoed.Retryable() {
		t.Fatalf("VetoRetry should force Retryable() to false")
	}
	if !e.Retryable() {
		t.Fatalf("VetoRetry must not mutate the original error")
	}
}

func TestWrapErrorUnwrapAndKindOf(t *testing.T) {
	cause := errors.New("network down")
	wrapped := WrapError(ErrConnectionLost, "dial failed", cause)

	if !errors.Is(wrapped, cause) {
		t.Fatalf("errors.Is should see through CoreError.Unwrap")
	}
	kind, ok := ErrorKindOf(wrapped)
	if !ok || kind != ErrConnectionLost {
		t.Fatalf("ErrorKindOf = (%v, %v), want (%v, true)", kind, ok, ErrConnectionLost)
	}
	if !IsRetryable(wrapped) {
		t.Fatalf("wrapped ErrConnectionLost should be retryable")
	}
}

func TestErrorKindOfNonCoreError(t *testing.T) {
	_, ok := ErrorKindOf(errors.New("plain"))
	if ok {
		t.Fatalf("ErrorKindOf should fail for a non-CoreError")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("IsRetryable should be false for a non-CoreError")
	}
}

func TestValidationErrorCarriesContext(t *testing.T) {
	err := ValidationError("row-1", "position", "missing field")
	if err.RowID != "row-1" || err.Field != "position" {
		t.Fatalf("ValidationError did not preserve row/field context: %+v", err)
	}
	if err.Retryable() {
		t.Fatalf("validation errors must never be retryable")
	}
}
