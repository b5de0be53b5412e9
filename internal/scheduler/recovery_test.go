package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

func TestRecover_RequiresStartupReconciliation(t *testing.T) {
	h := newHarness(t, false)

	if err := h.sched.Recover(context.Background()); !errors.Is(err, ErrNotReconciled) {
		t.Fatalf("Recovery before a successful startup run must be refused, got %v", err)
	}
}

func TestRecover_ResumesInterruptedParentWithoutDuplicates(t *testing.T) {
	h := newHarness(t, false)

	// Manufacture the ledger of a process that crashed mid-execution:
	// 4 slices, the first filled, the second submitted, the rest pending.
	parent := &types.Order{
		OrderID:        "rec-1",
		ClientOrderID:  "rec-1-client",
		ClientID:       "test-client",
		Symbol:         "AAPL",
		Side:           types.SideBuy,
		OrderType:      "MARKET",
		Quantity:       101,
		FilledQuantity: 26,
		Status:         types.OrderStatusPartialFill,
		StrategyID:     "test-strategy",
		SliceCount:     4,
		Active:         true,
	}
	quantities := []int64{26, 25, 25, 25}
	statuses := []string{
		types.SliceStatusFilled,
		types.SliceStatusSubmitted,
		types.SliceStatusPending,
		types.SliceStatusPending,
	}
	slices := make([]types.Slice, 4)
	for i := range slices {
		slices[i] = types.Slice{
			ParentOrderID: parent.OrderID,
			SliceIndex:    i,
			ClientOrderID: types.SliceClientOrderID(parent.OrderID, i),
			Quantity:      quantities[i],
			ScheduledAt:   time.Now().Add(-time.Minute),
			Status:        statuses[i],
		}
	}
	if err := h.sdb.CreateParentWithSlices(parent, slices); err != nil {
		t.Fatalf("persisting crashed state: %v", err)
	}

	// The broker saw the first two slices before the crash; both filled.
	for i := 0; i < 2; i++ {
		ref, err := h.mock.Submit(context.Background(), broker.SubmitRequest{
			Symbol:         "AAPL",
			Side:           types.SideBuy,
			OrderType:      "MARKET",
			Quantity:       quantities[i],
			IdempotencyKey: slices[i].ClientOrderID,
		})
		if err != nil {
			t.Fatalf("seeding broker state: %v", err)
		}
		if i == 0 {
			if err := h.db.Model(&types.Slice{}).
				Where("client_order_id = ?", slices[i].ClientOrderID).
				Update("broker_order_id", ref.BrokerOrderID).Error; err != nil {
				t.Fatalf("recording broker order id: %v", err)
			}
		}
	}
	preCrashSubmits := h.mock.SubmitCalls

	if err := h.reconciler.RunStartup(context.Background()); err != nil {
		t.Fatalf("startup reconciliation: %v", err)
	}
	if err := h.sched.Recover(context.Background()); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	h.sched.Wait()

	final, err := h.sdb.GetParent(parent.OrderID)
	if err != nil {
		t.Fatalf("loading parent: %v", err)
	}
	if final.Status != types.OrderStatusFilled {
		t.Errorf("Expected recovered parent filled, got %s", final.Status)
	}
	if final.FilledQuantity != 101 {
		t.Errorf("Expected 101 filled, got %d", final.FilledQuantity)
	}

	// Only the two never-submitted slices may produce new broker calls;
	// the broker-side key dedup means no order exists twice.
	newSubmits := h.mock.SubmitCalls - preCrashSubmits
	if newSubmits != 2 {
		t.Errorf("Expected 2 new submissions for the pending slices, got %d", newSubmits)
	}

	recovered, err := h.sdb.ListSlices(parent.OrderID)
	if err != nil {
		t.Fatalf("listing slices: %v", err)
	}
	for _, s := range recovered {
		if s.Status != types.SliceStatusFilled {
			t.Errorf("Slice %d ended as %q, want filled", s.SliceIndex, s.Status)
		}
	}
}

func TestRecover_UnresolvableSliceMarkedZombie(t *testing.T) {
	h := newHarness(t, true)

	parent := &types.Order{
		OrderID:       "rec-2",
		ClientOrderID: "rec-2-client",
		ClientID:      "test-client",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		OrderType:     "MARKET",
		Quantity:      50,
		Status:        types.OrderStatusPartialFill,
		SliceCount:    2,
		Active:        true,
	}
	slices := []types.Slice{
		{
			ParentOrderID: parent.OrderID,
			SliceIndex:    0,
			ClientOrderID: types.SliceClientOrderID(parent.OrderID, 0),
			Quantity:      25,
			ScheduledAt:   time.Now().Add(-time.Minute),
			Status:        types.SliceStatusSubmitted,
		},
		{
			ParentOrderID: parent.OrderID,
			SliceIndex:    1,
			ClientOrderID: types.SliceClientOrderID(parent.OrderID, 1),
			Quantity:      25,
			ScheduledAt:   time.Now().Add(-time.Minute),
			Status:        types.SliceStatusPending,
		},
	}
	if err := h.sdb.CreateParentWithSlices(parent, slices); err != nil {
		t.Fatalf("persisting crashed state: %v", err)
	}

	// Broker unreachable during recovery: classification is impossible
	// and recovery must flag, not guess.
	h.mock.FailAll(&types.TransientBrokerError{Op: "lookup", Err: errors.New("broker outage")})

	if err := h.sched.Recover(context.Background()); err != nil {
		t.Fatalf("recovery should flag and continue, got %v", err)
	}

	final, err := h.sdb.GetParent(parent.OrderID)
	if err != nil {
		t.Fatalf("loading parent: %v", err)
	}
	if !final.Degraded {
		t.Error("Parent with unresolvable slice must be degraded")
	}

	if count := h.sched.ZombieSliceCount(); count != 1 {
		t.Errorf("Expected 1 zombie slice on the health surface, got %d", count)
	}
	if h.mock.SubmitCalls != 0 {
		t.Error("Recovery must never submit while state is unresolved")
	}
}
