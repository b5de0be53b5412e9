package broker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface against the Alpaca trading
// API. The request's idempotency key is passed through as Alpaca's client
// order ID, so Alpaca itself rejects duplicate submissions of the same key.
//
// The Alpaca SDK does not thread a context through individual calls; the
// per-call timeout is enforced on the underlying HTTP client instead, and
// a timed-out call surfaces as a transient error.
type AlpacaBroker struct {
	client *alpaca.Client
}

// NewAlpacaBroker creates an AlpacaBroker with the given credentials and
// endpoint. callTimeout bounds every individual API call.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, callTimeout time.Duration) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:     apiKey,
		APISecret:  apiSecret,
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: callTimeout},
	})
	return &AlpacaBroker{client: client}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// Submit places an order via the Alpaca API with the idempotency key as
// client order ID.
func (b *AlpacaBroker) Submit(ctx context.Context, req SubmitRequest) (*OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "submit", Err: err}
	}

	qty := decimal.NewFromInt(req.Quantity)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.IdempotencyKey,
	}
	if req.OrderType == "LIMIT" {
		limit := decimal.NewFromFloat(req.LimitPrice)
		placeReq.Type = alpaca.Limit
		placeReq.LimitPrice = &limit
	}

	order, err := b.client.PlaceOrder(placeReq)
	if err != nil {
		return nil, classify("submit", err)
	}

	return &OrderRef{
		BrokerOrderID: order.ID,
		Status:        mapAlpacaStatus(string(order.Status)),
		SubmittedAt:   order.SubmittedAt,
	}, nil
}

// Cancel requests cancellation of an open order. A 422 from Alpaca means
// the order is already terminal; that is reported as (false, nil) rather
// than an error.
func (b *AlpacaBroker) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &types.TransientBrokerError{Op: "cancel", Err: err}
	}

	if err := b.client.CancelOrder(brokerOrderID); err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			return false, nil
		}
		return false, classify("cancel", err)
	}
	return true, nil
}

// GetStatus returns Alpaca's view of an order by broker order ID.
func (b *AlpacaBroker) GetStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "get_status", Err: err}
	}

	order, err := b.client.GetOrder(brokerOrderID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify("get_status", err)
	}
	return alpacaOrderStatus(order), nil
}

// GetOrderByIdempotencyKey returns Alpaca's view of an order by client
// order ID, or (nil, nil) when Alpaca never saw the key.
func (b *AlpacaBroker) GetOrderByIdempotencyKey(ctx context.Context, key string) (*OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "get_order_by_key", Err: err}
	}

	order, err := b.client.GetOrderByClientOrderID(key)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify("get_order_by_key", err)
	}
	return alpacaOrderStatus(order), nil
}

// GetOpenPosition returns the current holding for symbol, or (nil, nil)
// when the account is flat in it.
func (b *AlpacaBroker) GetOpenPosition(ctx context.Context, symbol string) (*PositionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "get_position", Err: err}
	}

	pos, err := b.client.GetPosition(symbol)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify("get_position", err)
	}

	snapshot := &PositionSnapshot{
		Symbol:        pos.Symbol,
		Quantity:      pos.Qty.IntPart(),
		AvgEntryPrice: pos.AvgEntryPrice.InexactFloat64(),
	}
	if pos.CurrentPrice != nil {
		snapshot.CurrentPrice = pos.CurrentPrice.InexactFloat64()
	}
	return snapshot, nil
}

// GetAccountState returns a snapshot of the Alpaca account.
func (b *AlpacaBroker) GetAccountState(ctx context.Context) (*AccountState, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientBrokerError{Op: "get_account", Err: err}
	}

	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, classify("get_account", err)
	}
	return &AccountState{
		Cash:        acct.Cash.InexactFloat64(),
		Equity:      acct.Equity.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}, nil
}

func alpacaSide(side string) alpaca.Side {
	if side == types.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaOrderStatus(order *alpaca.Order) *OrderStatus {
	status := &OrderStatus{
		BrokerOrderID:  order.ID,
		ClientOrderID:  order.ClientOrderID,
		Status:         mapAlpacaStatus(string(order.Status)),
		FilledQuantity: order.FilledQty.IntPart(),
	}
	if order.FilledAvgPrice != nil {
		status.FilledAvgPrice = order.FilledAvgPrice.InexactFloat64()
	}
	return status
}

// mapAlpacaStatus normalises Alpaca order statuses onto the ledger's
// status vocabulary.
func mapAlpacaStatus(status string) string {
	switch status {
	case "filled":
		return types.OrderStatusFilled
	case "partially_filled":
		return types.OrderStatusPartialFill
	case "canceled", "pending_cancel", "stopped":
		return types.OrderStatusCancelled
	case "expired", "done_for_day":
		return types.OrderStatusExpired
	case "rejected", "suspended":
		return types.OrderStatusRejected
	default:
		// new, accepted, pending_new, calculated
		return types.OrderStatusSubmitted
	}
}

// classify maps an Alpaca API failure onto the transient/permanent error
// taxonomy. Rate limits, server errors and anything non-HTTP (timeouts,
// connection resets) are transient; other client errors are permanent.
func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return &types.TransientBrokerError{Op: op, Err: err}
		}
		return &types.PermanentBrokerError{Op: op, Err: err}
	}
	return &types.TransientBrokerError{Op: op, Err: err}
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
