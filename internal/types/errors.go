package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra payload.
var (
	// ErrSharedStoreUnavailable means the shared state store could not be
	// read. Every caller must resolve this to the fail-closed branch.
	ErrSharedStoreUnavailable = errors.New("shared state store unavailable")

	// ErrReconciliationRunFailed marks a reconciliation run that completed
	// with outcome failed. Fatal at startup, counted when periodic.
	ErrReconciliationRunFailed = errors.New("reconciliation run failed")

	// ErrSliceSchedulingConflict means a slice's idempotency key was already
	// submitted. The slice is treated as handled, not as a failure.
	ErrSliceSchedulingConflict = errors.New("slice already submitted for idempotency key")

	// ErrPoolSaturated means the broker worker pool queue is full. This is a
	// reportable condition, not a silent drop.
	ErrPoolSaturated = errors.New("broker worker pool saturated")

	// ErrNotReady means order intake has not been opened yet because the
	// startup reconciliation run has not completed successfully.
	ErrNotReady = errors.New("order intake not ready: startup reconciliation incomplete")
)

// TransientBrokerError wraps a broker failure that is expected to clear on
// retry: timeouts, rate limits, 5xx responses.
type TransientBrokerError struct {
	Op  string
	Err error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("transient broker error during %s: %v", e.Op, e.Err)
}

func (e *TransientBrokerError) Unwrap() error { return e.Err }

// PermanentBrokerError wraps a broker failure that retrying cannot fix:
// invalid order parameters, insufficient funds, unknown symbol.
type PermanentBrokerError struct {
	Op  string
	Err error
}

func (e *PermanentBrokerError) Error() string {
	return fmt.Sprintf("permanent broker error during %s: %v", e.Op, e.Err)
}

func (e *PermanentBrokerError) Unwrap() error { return e.Err }

// CircuitBreakerOpenError rejects order submission while the breaker is
// open. Reason is surfaced verbatim to the caller so operators can tell an
// intentional halt from a failure.
type CircuitBreakerOpenError struct {
	Reason string
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("trading halted: %s", e.Reason)
}

// IsTransientBroker reports whether err is, or wraps, a transient broker
// failure.
func IsTransientBroker(err error) bool {
	var te *TransientBrokerError
	return errors.As(err, &te)
}

// IsPermanentBroker reports whether err is, or wraps, a permanent broker
// failure.
func IsPermanentBroker(err error) bool {
	var pe *PermanentBrokerError
	return errors.As(err, &pe)
}
