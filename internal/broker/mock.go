package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Compile-time interface check.
var _ Broker = (*MockBroker)(nil)

// MockBroker implements the Broker interface in memory. It enforces
// idempotency on client order IDs the way a real broker would, counts every
// call, and can be scripted to fail, so tests and the simulation binary can
// drive the full execution core without a live broker.
type MockBroker struct {
	mu sync.Mutex

	orders  map[string]*mockOrder // by broker order ID
	byKey   map[string]string     // client order ID -> broker order ID
	fillFn  func(req SubmitRequest) (status string, filledQty int64)
	failNow error // next Submit returns this error
	failAll error // every call returns this error

	SubmitCalls int
	CancelCalls int
	StatusCalls int
	LookupCalls int
	FillPrice   float64
}

type mockOrder struct {
	id        string
	clientID  string
	symbol    string
	side      string
	quantity  int64
	status    string
	filledQty int64
}

// NewMockBroker creates a MockBroker that fills every order immediately.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		orders:    make(map[string]*mockOrder),
		byKey:     make(map[string]string),
		FillPrice: 100.0,
	}
}

// Name returns "mock".
func (b *MockBroker) Name() string { return "mock" }

// FailNextSubmit scripts the next Submit call to fail with err.
func (b *MockBroker) FailNextSubmit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNow = err
}

// FailAll scripts every call to fail with err until cleared with nil.
// Used to simulate a broker outage.
func (b *MockBroker) FailAll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAll = err
}

// SetFillBehavior overrides how submitted orders are filled. The default
// fills the full quantity immediately.
func (b *MockBroker) SetFillBehavior(fn func(req SubmitRequest) (status string, filledQty int64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillFn = fn
}

// Submit records the order. A repeated key returns the existing order
// instead of creating a new one, matching real broker-side idempotency.
func (b *MockBroker) Submit(ctx context.Context, req SubmitRequest) (*OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "submit", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.SubmitCalls++

	if b.failAll != nil {
		return nil, b.failAll
	}
	if b.failNow != nil {
		err := b.failNow
		b.failNow = nil
		return nil, err
	}

	if existingID, ok := b.byKey[req.IdempotencyKey]; ok {
		existing := b.orders[existingID]
		return &OrderRef{BrokerOrderID: existing.id, Status: existing.status, SubmittedAt: time.Now()}, nil
	}

	status := types.OrderStatusFilled
	filledQty := req.Quantity
	if b.fillFn != nil {
		status, filledQty = b.fillFn(req)
	}

	order := &mockOrder{
		id:        uuid.New().String(),
		clientID:  req.IdempotencyKey,
		symbol:    req.Symbol,
		side:      req.Side,
		quantity:  req.Quantity,
		status:    status,
		filledQty: filledQty,
	}
	b.orders[order.id] = order
	b.byKey[order.clientID] = order.id

	return &OrderRef{BrokerOrderID: order.id, Status: order.status, SubmittedAt: time.Now()}, nil
}

// Cancel marks an open order cancelled. Terminal orders report false.
func (b *MockBroker) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &types.TransientBrokerError{Op: "cancel", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.CancelCalls++

	if b.failAll != nil {
		return false, b.failAll
	}

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return false, &types.PermanentBrokerError{Op: "cancel", Err: fmt.Errorf("unknown order %s", brokerOrderID)}
	}
	if types.IsTerminalOrderStatus(order.status) {
		return false, nil
	}
	order.status = types.OrderStatusCancelled
	return true, nil
}

// GetStatus returns the mock's view of an order.
func (b *MockBroker) GetStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "get_status", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.StatusCalls++

	if b.failAll != nil {
		return nil, b.failAll
	}

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, nil
	}
	return b.statusOf(order), nil
}

// GetOrderByIdempotencyKey returns the order submitted under key, or
// (nil, nil) if the key never reached the mock.
func (b *MockBroker) GetOrderByIdempotencyKey(ctx context.Context, key string) (*OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "get_order_by_key", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.LookupCalls++

	if b.failAll != nil {
		return nil, b.failAll
	}

	id, ok := b.byKey[key]
	if !ok {
		return nil, nil
	}
	return b.statusOf(b.orders[id]), nil
}

// GetOpenPosition aggregates fills into a net position for symbol.
func (b *MockBroker) GetOpenPosition(ctx context.Context, symbol string) (*PositionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "get_position", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failAll != nil {
		return nil, b.failAll
	}

	var net int64
	for _, order := range b.orders {
		if order.symbol != symbol {
			continue
		}
		if order.side == types.SideSell {
			net -= order.filledQty
		} else {
			net += order.filledQty
		}
	}
	if net == 0 {
		return nil, nil
	}
	return &PositionSnapshot{
		Symbol:        symbol,
		Quantity:      net,
		AvgEntryPrice: b.FillPrice,
		CurrentPrice:  b.FillPrice,
	}, nil
}

// GetAccountState returns a fixed account snapshot.
func (b *MockBroker) GetAccountState(ctx context.Context) (*AccountState, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "get_account", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failAll != nil {
		return nil, b.failAll
	}
	return &AccountState{Cash: 1_000_000, Equity: 1_000_000, BuyingPower: 2_000_000}, nil
}

// SetOrderStatus rewrites the broker-side status of the order submitted
// under the given idempotency key. Tests use this to manufacture
// divergence between the ledger and the broker.
func (b *MockBroker) SetOrderStatus(key, status string, filledQty int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.byKey[key]
	if !ok {
		return errors.New("no order for key " + key)
	}
	b.orders[id].status = status
	b.orders[id].filledQty = filledQty
	return nil
}

func (b *MockBroker) statusOf(order *mockOrder) *OrderStatus {
	return &OrderStatus{
		BrokerOrderID:  order.id,
		ClientOrderID:  order.clientID,
		Status:         order.status,
		FilledQuantity: order.filledQty,
		FilledAvgPrice: b.FillPrice,
	}
}
