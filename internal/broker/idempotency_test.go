package broker

import (
	"context"
	"testing"
	"time"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

func TestDedupCache_GetPutExpiry(t *testing.T) {
	cache := NewDedupCache(30 * time.Millisecond)
	defer cache.Close()

	if _, ok := cache.Get("missing"); ok {
		t.Error("Expected miss for unknown key")
	}

	cache.Put("k1", OrderRef{BrokerOrderID: "b1", Status: types.OrderStatusFilled})
	ref, ok := cache.Get("k1")
	if !ok || ref.BrokerOrderID != "b1" {
		t.Fatalf("Expected cached ref b1, got %v ok=%v", ref, ok)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := cache.Get("k1"); ok {
		t.Error("Expected entry to expire after TTL")
	}
}

func TestWithDedup_RepeatedKeyNeverReachesBroker(t *testing.T) {
	mock := NewMockBroker()
	cache := NewDedupCache(time.Hour)
	defer cache.Close()
	b := WithDedup(mock, cache)

	req := SubmitRequest{Symbol: "AAPL", Side: types.SideBuy, Quantity: 5, IdempotencyKey: "dup-1"}

	first, err := b.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("First submit failed: %v", err)
	}
	second, err := b.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Second submit failed: %v", err)
	}

	if first.BrokerOrderID != second.BrokerOrderID {
		t.Errorf("Repeat key produced a different order: %s vs %s", first.BrokerOrderID, second.BrokerOrderID)
	}
	if mock.SubmitCalls != 1 {
		t.Errorf("Expected exactly 1 broker submit, got %d", mock.SubmitCalls)
	}
}

func TestWithDedup_FailedSubmitNotCached(t *testing.T) {
	mock := NewMockBroker()
	cache := NewDedupCache(time.Hour)
	defer cache.Close()
	b := WithDedup(mock, cache)

	mock.FailNextSubmit(&types.TransientBrokerError{Op: "submit", Err: context.DeadlineExceeded})

	req := SubmitRequest{Symbol: "AAPL", Side: types.SideBuy, Quantity: 5, IdempotencyKey: "dup-2"}
	if _, err := b.Submit(context.Background(), req); err == nil {
		t.Fatal("Expected scripted failure")
	}
	if cache.Len() != 0 {
		t.Errorf("Failed submit must not be cached, cache has %d entries", cache.Len())
	}

	if _, err := b.Submit(context.Background(), req); err != nil {
		t.Fatalf("Retry after failure should reach the broker: %v", err)
	}
	if mock.SubmitCalls != 2 {
		t.Errorf("Expected 2 broker submits, got %d", mock.SubmitCalls)
	}
}
