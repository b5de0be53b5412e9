// Package trading is the order intake path. Every request consults the
// circuit breaker before anything else, and no request is accepted until
// the startup reconciliation run has succeeded.
package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/breaker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/reconcile"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/scheduler"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Config bounds intake behaviour.
type Config struct {
	MaxSlices      int
	DefaultWindow  time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// SubmitOrderRequest is the operator-facing order submission payload.
type SubmitOrderRequest struct {
	Symbol        string  `json:"symbol" binding:"required"`
	Side          string  `json:"side" binding:"required"`
	OrderType     string  `json:"order_type"`
	Quantity      int64   `json:"quantity" binding:"required,gt=0"`
	LimitPrice    float64 `json:"limit_price"`
	StrategyID    string  `json:"strategy_id"`
	SliceCount    int     `json:"slice_count"`
	WindowSeconds int     `json:"window_seconds"`
}

// Service handles order submission and cancellation.
type Service struct {
	db         *Database
	broker     broker.Broker
	breaker    *breaker.Service
	reconciler *reconcile.Service
	scheduler  *scheduler.Service
	cfg        Config
}

// NewService wires the intake path.
func NewService(gormDB *gorm.DB, b broker.Broker, breakerSvc *breaker.Service, reconciler *reconcile.Service, sched *scheduler.Service, cfg Config) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		broker:     b,
		breaker:    breakerSvc,
		reconciler: reconciler,
		scheduler:  sched,
		cfg:        cfg,
	}
}

// SubmitOrder accepts one trading intent. The breaker gate check happens
// before anything else and before any order can reach the broker; requests
// arriving while the breaker is open get the trip reason back verbatim.
func (s *Service) SubmitOrder(ctx context.Context, clientID, idempotencyKey string, req SubmitOrderRequest) (*types.Order, error) {
	if s.breaker.IsOpen() {
		return nil, &types.CircuitBreakerOpenError{Reason: s.breaker.TripReason()}
	}
	if !s.reconciler.Ready() {
		return nil, types.ErrNotReady
	}

	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(idempotencyKey)
		if err != nil {
			return nil, err
		}
		if record != nil && record.ExpiresAt.After(time.Now()) {
			existing, err := s.db.GetOrder(record.ResourceID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
		}
	}

	if err := validate(req, s.cfg.MaxSlices); err != nil {
		return nil, err
	}

	order := &types.Order{
		OrderID:       uuid.New().String(),
		ClientOrderID: uuid.New().String(),
		ClientID:      clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     orderTypeOrDefault(req.OrderType),
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StrategyID:    req.StrategyID,
		SliceCount:    req.SliceCount,
		Status:        types.OrderStatusPending,
		Active:        true,
	}

	if order.Sliced() {
		return s.submitSliced(order, req, idempotencyKey)
	}
	return s.submitSimple(ctx, order, idempotencyKey)
}

// submitSimple sends the order straight to the broker through the pooled
// adapter, with the order's client order ID as idempotency key.
func (s *Service) submitSimple(ctx context.Context, order *types.Order, idempotencyKey string) (*types.Order, error) {
	if err := s.db.CreateOrderWithIdempotency(order, nil, idempotencyKey); err != nil {
		return nil, err
	}

	ref, err := broker.SubmitWithRetry(ctx, s.broker, broker.SubmitRequest{
		Symbol:         order.Symbol,
		Side:           order.Side,
		OrderType:      order.OrderType,
		Quantity:       order.Quantity,
		LimitPrice:     order.LimitPrice,
		IdempotencyKey: order.ClientOrderID,
	}, s.cfg.RetryAttempts, s.cfg.RetryBaseDelay)

	if err != nil {
		if types.IsPermanentBroker(err) {
			order.Status = types.OrderStatusRejected
			order.Active = false
			if dbErr := s.db.UpdateOrder(order); dbErr != nil {
				log.Error().Err(dbErr).Str("component", "trading").Msg("failed to record rejection")
			}
			return nil, err
		}
		// Retries exhausted and the broker may or may not have the order.
		// The ledger keeps it pending; reconciliation is the tie-breaker,
		// never a guess here.
		log.Warn().Err(err).
			Str("component", "trading").
			Str("order_id", order.OrderID).
			Msg("submit unconfirmed after retries, deferred to reconciliation")
		return nil, err
	}

	order.BrokerOrderID = ref.BrokerOrderID
	order.Status = ref.Status
	if types.IsTerminalOrderStatus(ref.Status) {
		order.Active = false
		if ref.Status == types.OrderStatusFilled {
			order.FilledQuantity = order.Quantity
		}
	}
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// submitSliced persists the parent with its full slice plan and hands it
// to the scheduler.
func (s *Service) submitSliced(order *types.Order, req SubmitOrderRequest, idempotencyKey string) (*types.Order, error) {
	window := s.cfg.DefaultWindow
	if req.WindowSeconds > 0 {
		window = time.Duration(req.WindowSeconds) * time.Second
	}
	order.WindowSeconds = int(window / time.Second)

	slices, err := scheduler.BuildSlices(order, window)
	if err != nil {
		return nil, &types.PermanentBrokerError{Op: "slice", Err: err}
	}

	if err := s.db.CreateOrderWithIdempotency(order, slices, idempotencyKey); err != nil {
		return nil, err
	}

	s.scheduler.Launch(order.OrderID)

	log.Info().
		Str("component", "trading").
		Str("order_id", order.OrderID).
		Int("slices", order.SliceCount).
		Dur("window", window).
		Msg("sliced order accepted")
	return order, nil
}

// CancelOrder cancels an order. For sliced orders the remaining slices are
// cancelled and any in-flight dispatch is allowed to complete; for simple
// orders the broker is asked to cancel.
func (s *Service) CancelOrder(ctx context.Context, orderID, clientID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderIDAndClientID(orderID, clientID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if types.IsTerminalOrderStatus(order.Status) {
		return order, nil
	}

	if order.Sliced() {
		if err := s.scheduler.Cancel(ctx, order.OrderID); err != nil {
			return nil, err
		}
		return s.db.GetOrder(order.OrderID)
	}

	if order.BrokerOrderID != "" {
		cancelled, err := s.broker.Cancel(ctx, order.BrokerOrderID)
		if err != nil {
			return nil, err
		}
		if !cancelled {
			// Already terminal broker-side; reconciliation will sync it.
			return order, nil
		}
	}

	order.Status = types.OrderStatusCancelled
	order.Active = false
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder returns an order with its slices, scoped to the requesting
// client.
func (s *Service) GetOrder(orderID, clientID string) (*types.Order, []types.Slice, error) {
	order, err := s.db.GetOrderByOrderIDAndClientID(orderID, clientID)
	if err != nil || order == nil {
		return nil, nil, err
	}
	if !order.Sliced() {
		return order, nil, nil
	}
	slices, err := s.db.ListSlices(order.OrderID)
	if err != nil {
		return nil, nil, err
	}
	return order, slices, nil
}

func validate(req SubmitOrderRequest, maxSlices int) error {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return &types.PermanentBrokerError{Op: "validate", Err: fmt.Errorf("side must be BUY or SELL, got %q", req.Side)}
	}
	if req.SliceCount < 0 || req.SliceCount > maxSlices {
		return &types.PermanentBrokerError{Op: "validate", Err: fmt.Errorf("slice_count must be between 0 and %d", maxSlices)}
	}
	if req.SliceCount > 1 && req.Quantity < int64(req.SliceCount) {
		return &types.PermanentBrokerError{Op: "validate", Err: fmt.Errorf("quantity %d is too small for %d slices", req.Quantity, req.SliceCount)}
	}
	return nil
}

func orderTypeOrDefault(orderType string) string {
	if orderType == "" {
		return "MARKET"
	}
	return orderType
}
