package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// scriptedBroker fails Submit a fixed number of times while optionally
// knowing the order on lookup, to exercise the ambiguity path where the
// broker accepted an order whose response was lost.
type scriptedBroker struct {
	*MockBroker
	submitFailures int
	knownOnLookup  *OrderStatus
	submits        int
	lookups        int
}

func (s *scriptedBroker) Submit(ctx context.Context, req SubmitRequest) (*OrderRef, error) {
	s.submits++
	if s.submits <= s.submitFailures {
		return nil, &types.TransientBrokerError{Op: "submit", Err: errors.New("connection reset")}
	}
	return s.MockBroker.Submit(ctx, req)
}

func (s *scriptedBroker) GetOrderByIdempotencyKey(ctx context.Context, key string) (*OrderStatus, error) {
	s.lookups++
	if s.knownOnLookup != nil {
		return s.knownOnLookup, nil
	}
	return s.MockBroker.GetOrderByIdempotencyKey(ctx, key)
}

func TestSubmitWithRetry_TransientThenSuccess(t *testing.T) {
	b := &scriptedBroker{MockBroker: NewMockBroker(), submitFailures: 2}

	ref, err := SubmitWithRetry(context.Background(), b, SubmitRequest{
		Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, IdempotencyKey: "retry-1",
	}, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("Expected success on third attempt: %v", err)
	}
	if ref.BrokerOrderID == "" {
		t.Error("Expected a broker order ID")
	}
	if b.submits != 3 {
		t.Errorf("Expected 3 submit attempts, got %d", b.submits)
	}
}

func TestSubmitWithRetry_PermanentFailsImmediately(t *testing.T) {
	mock := NewMockBroker()
	mock.FailNextSubmit(&types.PermanentBrokerError{Op: "submit", Err: errors.New("insufficient buying power")})

	_, err := SubmitWithRetry(context.Background(), mock, SubmitRequest{
		Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, IdempotencyKey: "retry-2",
	}, 3, time.Millisecond)
	if !types.IsPermanentBroker(err) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	if mock.SubmitCalls != 1 {
		t.Errorf("Permanent failure must not be retried, got %d submits", mock.SubmitCalls)
	}
}

func TestSubmitWithRetry_AmbiguityResolvedByLookup(t *testing.T) {
	// Submit fails every time, but the broker reports the order exists
	// under the key: the order went through and must not be resubmitted.
	b := &scriptedBroker{
		MockBroker:     NewMockBroker(),
		submitFailures: 10,
		knownOnLookup: &OrderStatus{
			BrokerOrderID: "broker-77",
			ClientOrderID: "retry-3",
			Status:        types.OrderStatusSubmitted,
		},
	}

	ref, err := SubmitWithRetry(context.Background(), b, SubmitRequest{
		Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, IdempotencyKey: "retry-3",
	}, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("Lookup hit should resolve the ambiguity: %v", err)
	}
	if ref.BrokerOrderID != "broker-77" {
		t.Errorf("Expected the broker's existing order, got %s", ref.BrokerOrderID)
	}
	if b.submits != 1 {
		t.Errorf("Expected no resubmission after lookup hit, got %d submits", b.submits)
	}
}

func TestSubmitWithRetry_ExhaustedReturnsLastError(t *testing.T) {
	b := &scriptedBroker{MockBroker: NewMockBroker(), submitFailures: 10}

	_, err := SubmitWithRetry(context.Background(), b, SubmitRequest{
		Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, IdempotencyKey: "retry-4",
	}, 3, time.Millisecond)
	if !types.IsTransientBroker(err) {
		t.Fatalf("Expected the transient error back after exhaustion, got %v", err)
	}
	if b.submits != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", b.submits)
	}
}

func TestSubmitWithRetry_NonPositiveAttemptsStillSubmitsOnce(t *testing.T) {
	for _, attempts := range []int{0, -1} {
		mock := NewMockBroker()
		ref, err := SubmitWithRetry(context.Background(), mock, SubmitRequest{
			Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, IdempotencyKey: "retry-5",
		}, attempts, time.Millisecond)
		if err != nil {
			t.Fatalf("attempts=%d: expected success, got %v", attempts, err)
		}
		if ref == nil {
			t.Fatalf("attempts=%d: a nil ref with a nil error would panic every caller", attempts)
		}
		if mock.SubmitCalls != 1 {
			t.Errorf("attempts=%d: expected exactly 1 submit, got %d", attempts, mock.SubmitCalls)
		}
	}
}

func TestMockBroker_BrokerSideIdempotency(t *testing.T) {
	mock := NewMockBroker()
	req := SubmitRequest{Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, IdempotencyKey: "mock-1"}

	first, err := mock.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	second, err := mock.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Repeat submit failed: %v", err)
	}
	if first.BrokerOrderID != second.BrokerOrderID {
		t.Errorf("Repeated key must return the same order: %s vs %s", first.BrokerOrderID, second.BrokerOrderID)
	}
}

func TestMockBroker_CancelTerminalReportsFalse(t *testing.T) {
	mock := NewMockBroker()
	ref, err := mock.Submit(context.Background(), SubmitRequest{
		Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, IdempotencyKey: "mock-2",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Default behavior fills immediately, so the order is terminal.
	cancelled, err := mock.Cancel(context.Background(), ref.BrokerOrderID)
	if err != nil {
		t.Fatalf("Cancel errored: %v", err)
	}
	if cancelled {
		t.Error("Cancelling a filled order must report false")
	}
}
