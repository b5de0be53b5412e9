// Package broker isolates all trading logic from a specific broker's API.
// The execution core depends only on the Broker capability set; concrete
// implementations exist for Alpaca and for an in-memory mock.
package broker

import (
	"context"
	"time"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// SubmitRequest describes one child order as the broker sees it. The
// IdempotencyKey doubles as the broker-side client order ID, so a repeated
// submit with the same key must not create a second broker order.
type SubmitRequest struct {
	Symbol         string
	Side           string // BUY or SELL
	OrderType      string // MARKET or LIMIT
	Quantity       int64
	LimitPrice     float64
	IdempotencyKey string
}

// OrderRef identifies an order accepted by the broker.
type OrderRef struct {
	BrokerOrderID string
	Status        string
	SubmittedAt   time.Time
}

// OrderStatus is the broker's current view of an order. It is the ground
// truth that reconciliation overwrites internal state with.
type OrderStatus struct {
	BrokerOrderID  string
	ClientOrderID  string
	Status         string
	FilledQuantity int64
	FilledAvgPrice float64
}

// PositionSnapshot is the broker's view of a net holding.
type PositionSnapshot struct {
	Symbol        string
	Quantity      int64
	AvgEntryPrice float64
	CurrentPrice  float64
}

// AccountState is a snapshot of the account's financial metrics.
type AccountState struct {
	Cash        float64
	Equity      float64
	BuyingPower float64
}

// Broker abstracts the external broker API. Implementations must be safe
// for concurrent use: reconciliation and the slice scheduler call in from
// separate goroutines.
//
// Lookup methods return (nil, nil) when the broker simply does not know
// the order or position; an error means the question could not be asked.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "mock").
	Name() string

	// Submit sends an order to the broker. Failures are either
	// *types.TransientBrokerError (retryable) or
	// *types.PermanentBrokerError (not retryable).
	Submit(ctx context.Context, req SubmitRequest) (*OrderRef, error)

	// Cancel requests cancellation of an open order. It returns false when
	// the broker refused because the order is already terminal.
	Cancel(ctx context.Context, brokerOrderID string) (bool, error)

	// GetStatus returns the broker's view of an order by its broker ID.
	GetStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error)

	// GetOrderByIdempotencyKey returns the broker's view of an order by the
	// client order ID it was submitted under. This is how crash recovery
	// asks whether a slice ever reached the broker.
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*OrderStatus, error)

	// GetOpenPosition returns the current holding for a symbol, or nil when
	// flat.
	GetOpenPosition(ctx context.Context, symbol string) (*PositionSnapshot, error)

	// GetAccountState returns a snapshot of account financials.
	GetAccountState(ctx context.Context) (*AccountState, error)
}

// SubmitWithRetry calls b.Submit, retrying transient failures with
// exponential backoff starting at baseDelay. Permanent failures return
// immediately. On a timeout the broker may have accepted the order anyway,
// so before retrying the key is looked up; a hit means the order is in and
// the submit is treated as done. maxAttempts below 1 means one attempt;
// the submit itself always runs.
func SubmitWithRetry(ctx context.Context, b Broker, req SubmitRequest, maxAttempts int, baseDelay time.Duration) (*OrderRef, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var ref *OrderRef
		ref, err = b.Submit(ctx, req)
		if err == nil {
			return ref, nil
		}
		if types.IsPermanentBroker(err) {
			return nil, err
		}

		// Ambiguity check: the broker may have accepted the order before
		// the failure surfaced. The idempotency key is the tie-breaker.
		if status, lookupErr := b.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && status != nil {
			return &OrderRef{
				BrokerOrderID: status.BrokerOrderID,
				Status:        status.Status,
				SubmittedAt:   time.Now(),
			}, nil
		}

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return nil, err
}
