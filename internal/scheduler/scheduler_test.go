package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/audit"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/breaker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/database"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/reconcile"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

type harness struct {
	db         *gorm.DB
	mock       *broker.MockBroker
	breaker    *breaker.Service
	reconciler *reconcile.Service
	sched      *Service
	sdb        *Database
	stop       context.CancelFunc
}

// newHarness builds the full dispatch stack on a throwaway ledger. When
// ready is true the startup reconciliation run has been completed so the
// scheduler may recover and dispatch.
func newHarness(t *testing.T, ready bool) *harness {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	mock := broker.NewMockBroker()
	recorder := audit.NewRecorder(audit.NewDatabaseSink(db), 16)
	breakerSvc := breaker.NewService(db, recorder, time.Hour)
	reconciler := reconcile.NewService(db, mock, breakerSvc, reconcile.Config{
		Interval:         time.Minute,
		StartupAttempts:  1,
		StartupBaseDelay: time.Millisecond,
		FailureThreshold: 3,
	})
	if ready {
		if err := reconciler.RunStartup(context.Background()); err != nil {
			t.Fatalf("startup reconciliation: %v", err)
		}
	}

	sched := NewService(db, mock, breakerSvc, reconciler, Config{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sched.Start(ctx)

	return &harness{
		db:         db,
		mock:       mock,
		breaker:    breakerSvc,
		reconciler: reconciler,
		sched:      sched,
		sdb:        NewDatabase(db),
		stop:       cancel,
	}
}

// newParent persists a sliced parent with its plan, all slices scheduled
// immediately.
func (h *harness) newParent(t *testing.T, orderID string, quantity int64, sliceCount int) *types.Order {
	t.Helper()

	parent := &types.Order{
		OrderID:       orderID,
		ClientOrderID: orderID + "-client",
		ClientID:      "test-client",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		OrderType:     "MARKET",
		Quantity:      quantity,
		Status:        types.OrderStatusPending,
		StrategyID:    "test-strategy",
		SliceCount:    sliceCount,
		Active:        true,
	}
	slices, err := BuildSlices(parent, 0)
	if err != nil {
		t.Fatalf("building slices: %v", err)
	}
	if err := h.sdb.CreateParentWithSlices(parent, slices); err != nil {
		t.Fatalf("persisting parent: %v", err)
	}
	return parent
}

func (h *harness) waitForParentStatus(t *testing.T, orderID, status string) *types.Order {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		parent, err := h.sdb.GetParent(orderID)
		if err != nil {
			t.Fatalf("loading parent: %v", err)
		}
		if parent != nil && parent.Status == status {
			return parent
		}
		time.Sleep(5 * time.Millisecond)
	}
	parent, _ := h.sdb.GetParent(orderID)
	t.Fatalf("parent never reached %q, last state %+v", status, parent)
	return nil
}

func TestScheduler_DispatchesAllSlices(t *testing.T) {
	h := newHarness(t, true)
	parent := h.newParent(t, "sched-1", 101, 4)

	h.sched.Launch(parent.OrderID)
	h.sched.Wait()

	final := h.waitForParentStatus(t, parent.OrderID, types.OrderStatusFilled)
	if final.FilledQuantity != 101 {
		t.Errorf("Expected 101 filled, got %d", final.FilledQuantity)
	}
	if final.Active {
		t.Error("Filled parent should be inactive")
	}

	slices, err := h.sdb.ListSlices(parent.OrderID)
	if err != nil {
		t.Fatalf("listing slices: %v", err)
	}
	var total int64
	for _, s := range slices {
		if s.Status != types.SliceStatusFilled {
			t.Errorf("Slice %d is %q, want filled", s.SliceIndex, s.Status)
		}
		if s.BrokerOrderID == "" {
			t.Errorf("Slice %d has no broker order ID", s.SliceIndex)
		}
		total += s.Quantity
	}
	if total != 101 {
		t.Errorf("Slice quantities sum to %d, want 101", total)
	}
	if h.mock.SubmitCalls != 4 {
		t.Errorf("Expected 4 broker submissions, got %d", h.mock.SubmitCalls)
	}
}

func TestScheduler_LaunchIsIdempotentPerParent(t *testing.T) {
	h := newHarness(t, true)
	parent := h.newParent(t, "sched-2", 100, 4)

	h.sched.Launch(parent.OrderID)
	h.sched.Launch(parent.OrderID)
	h.sched.Launch(parent.OrderID)
	h.sched.Wait()

	h.waitForParentStatus(t, parent.OrderID, types.OrderStatusFilled)
	if h.mock.SubmitCalls != 4 {
		t.Errorf("Duplicate launches must not duplicate submissions, got %d", h.mock.SubmitCalls)
	}
}

func TestScheduler_BreakerOpenHaltsDispatch(t *testing.T) {
	h := newHarness(t, true)
	parent := h.newParent(t, "sched-3", 100, 4)

	if err := h.breaker.Trip("test halt", "test"); err != nil {
		t.Fatalf("tripping breaker: %v", err)
	}

	h.sched.Launch(parent.OrderID)
	h.sched.Wait()

	if h.mock.SubmitCalls != 0 {
		t.Errorf("No slice may be submitted while the breaker is open, got %d submissions", h.mock.SubmitCalls)
	}
	slices, err := h.sdb.ListSlices(parent.OrderID)
	if err != nil {
		t.Fatalf("listing slices: %v", err)
	}
	for _, s := range slices {
		if s.Status != types.SliceStatusPending {
			t.Errorf("Slice %d moved to %q during halt", s.SliceIndex, s.Status)
		}
	}
}

func TestScheduler_CancelStopsRemainingSlices(t *testing.T) {
	h := newHarness(t, true)

	// Orders rest open at the broker instead of filling.
	h.mock.SetFillBehavior(func(req broker.SubmitRequest) (string, int64) {
		return types.OrderStatusSubmitted, 0
	})

	parent := &types.Order{
		OrderID:       "sched-4",
		ClientOrderID: "sched-4-client",
		ClientID:      "test-client",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		OrderType:     "MARKET",
		Quantity:      100,
		Status:        types.OrderStatusPending,
		SliceCount:    4,
		Active:        true,
	}
	// First slice due now, the rest far out so the cancel lands between
	// slices.
	slices, err := BuildSlices(parent, time.Hour)
	if err != nil {
		t.Fatalf("building slices: %v", err)
	}
	if err := h.sdb.CreateParentWithSlices(parent, slices); err != nil {
		t.Fatalf("persisting parent: %v", err)
	}

	h.sched.Launch(parent.OrderID)

	// Wait until the ledger shows the first slice submitted.
	deadline := time.Now().Add(5 * time.Second)
	for {
		current, err := h.sdb.ListSlices(parent.OrderID)
		if err != nil {
			t.Fatalf("listing slices: %v", err)
		}
		if current[0].Status == types.SliceStatusSubmitted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first slice never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.sched.Cancel(context.Background(), parent.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// The loop is sleeping toward the next slice; end the scheduling
	// context so it observes the cancel and exits.
	h.stop()
	h.sched.Wait()

	final, err := h.sdb.GetParent(parent.OrderID)
	if err != nil {
		t.Fatalf("loading parent: %v", err)
	}
	if final.Status != types.OrderStatusCancelled || final.Active {
		t.Errorf("Expected inactive cancelled parent, got status=%s active=%v", final.Status, final.Active)
	}

	remaining, err := h.sdb.ListSlices(parent.OrderID)
	if err != nil {
		t.Fatalf("listing slices: %v", err)
	}
	for _, s := range remaining {
		if s.SliceIndex == 0 {
			continue // in flight at cancel time, settled by the broker
		}
		if s.Status != types.SliceStatusCancelled {
			t.Errorf("Slice %d is %q, want cancelled", s.SliceIndex, s.Status)
		}
	}
	if h.mock.SubmitCalls != 1 {
		t.Errorf("Only the first slice should have been submitted, got %d", h.mock.SubmitCalls)
	}
	if h.mock.CancelCalls == 0 {
		t.Error("Open broker-side slice should get a best-effort cancel")
	}
}

func TestScheduler_PermanentRejectionDegradesParent(t *testing.T) {
	h := newHarness(t, true)
	parent := h.newParent(t, "sched-5", 100, 4)

	h.mock.FailNextSubmit(&types.PermanentBrokerError{Op: "submit", Err: errors.New("symbol not tradable")})

	h.sched.Launch(parent.OrderID)
	h.sched.Wait()

	final, err := h.sdb.GetParent(parent.OrderID)
	if err != nil {
		t.Fatalf("loading parent: %v", err)
	}
	if !final.Degraded {
		t.Error("Permanent rejection must degrade the parent")
	}
	if final.Active {
		t.Error("Degraded parent must be inactive")
	}
	if h.mock.SubmitCalls != 1 {
		t.Errorf("Dispatch must stop at the rejection, got %d submissions", h.mock.SubmitCalls)
	}
}

func TestScheduler_TransientExhaustionLeavesSlicePending(t *testing.T) {
	h := newHarness(t, true)
	parent := h.newParent(t, "sched-6", 100, 4)

	h.mock.FailAll(&types.TransientBrokerError{Op: "submit", Err: errors.New("broker outage")})

	h.sched.Launch(parent.OrderID)
	h.sched.Wait()

	final, err := h.sdb.GetParent(parent.OrderID)
	if err != nil {
		t.Fatalf("loading parent: %v", err)
	}
	if final.Degraded {
		t.Error("Transient exhaustion must not degrade the parent")
	}

	slices, err := h.sdb.ListSlices(parent.OrderID)
	if err != nil {
		t.Fatalf("listing slices: %v", err)
	}
	for _, s := range slices {
		if s.Status != types.SliceStatusPending {
			t.Errorf("Slice %d is %q, want pending for reconciliation to settle", s.SliceIndex, s.Status)
		}
	}
}
