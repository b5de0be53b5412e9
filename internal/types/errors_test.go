package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestBrokerErrorClassification_SurvivesWrapping(t *testing.T) {
	transient := &TransientBrokerError{Op: "submit", Err: errors.New("429 rate limited")}
	wrapped := fmt.Errorf("dispatching slice: %w", transient)

	if !IsTransientBroker(wrapped) {
		t.Error("Expected wrapped transient error to classify as transient")
	}
	if IsPermanentBroker(wrapped) {
		t.Error("Transient error must not classify as permanent")
	}

	permanent := &PermanentBrokerError{Op: "submit", Err: errors.New("unknown symbol")}
	deep := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", permanent))

	if !IsPermanentBroker(deep) {
		t.Error("Expected deeply wrapped permanent error to classify as permanent")
	}
	if IsTransientBroker(deep) {
		t.Error("Permanent error must not classify as transient")
	}
}

func TestBrokerErrors_UnwrapToCause(t *testing.T) {
	cause := errors.New("connection reset")
	te := &TransientBrokerError{Op: "status", Err: cause}
	if !errors.Is(te, cause) {
		t.Error("Expected transient error to unwrap to its cause")
	}
	if got := te.Error(); got != "transient broker error during status: connection reset" {
		t.Errorf("Unexpected message: %q", got)
	}
}

func TestCircuitBreakerOpenError_CarriesReason(t *testing.T) {
	err := fmt.Errorf("submit rejected: %w", &CircuitBreakerOpenError{Reason: "manual risk halt"})

	var open *CircuitBreakerOpenError
	if !errors.As(err, &open) {
		t.Fatal("Expected errors.As to find CircuitBreakerOpenError")
	}
	if open.Reason != "manual risk halt" {
		t.Errorf("Expected reason to survive wrapping, got %q", open.Reason)
	}
	if open.Error() != "trading halted: manual risk halt" {
		t.Errorf("Unexpected message: %q", open.Error())
	}
}
