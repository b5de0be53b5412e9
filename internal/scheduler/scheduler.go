// Package scheduler executes sliced (TWAP) orders: one parent order
// becomes a time-distributed sequence of child orders, each submitted
// under a deterministic idempotency key. Scheduling state is held in
// memory but every transition is persisted first, so a crash loses no
// work — recovery re-derives the truth from the ledger and the broker.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/breaker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/reconcile"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Config controls dispatch behaviour.
type Config struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
	// DispatchTimeout bounds one slice dispatch including retries. The
	// dispatch context is detached from shutdown so an in-flight call that
	// may have reached the broker is never abandoned.
	DispatchTimeout time.Duration
}

// Service drives slice execution. Slices of one parent run strictly in
// order on a single goroutine; different parents run concurrently.
type Service struct {
	db         *Database
	broker     broker.Broker
	breaker    *breaker.Service
	reconciler *reconcile.Service
	cfg        Config

	mu      sync.Mutex
	baseCtx context.Context
	active  map[string]struct{} // parents with a running dispatch loop
	wg      sync.WaitGroup
}

// NewService creates the slice scheduler.
func NewService(gormDB *gorm.DB, b broker.Broker, breakerSvc *breaker.Service, reconciler *reconcile.Service, cfg Config) *Service {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 2 * time.Minute
	}
	return &Service{
		db:         NewDatabase(gormDB),
		broker:     b,
		breaker:    breakerSvc,
		reconciler: reconciler,
		cfg:        cfg,
		active:     make(map[string]struct{}),
	}
}

// Start binds the scheduler to the process lifetime context. Dispatch
// loops launched afterwards stop scheduling new work when ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
}

// Wait blocks until every dispatch loop, including any in-flight broker
// call, has finished. Called during graceful shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ZombieSliceCount reports slices awaiting manual reclassification.
func (s *Service) ZombieSliceCount() int64 {
	count, err := s.db.CountZombieSlices()
	if err != nil {
		log.Error().Err(err).Str("component", "scheduler").Msg("failed to count zombie slices")
		return 0
	}
	return count
}

// Launch starts the dispatch loop for a parent order. Launching an
// already-running parent is a no-op.
func (s *Service) Launch(parentOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	if _, running := s.active[parentOrderID]; running {
		return
	}
	s.active[parentOrderID] = struct{}{}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, parentOrderID)
			s.mu.Unlock()
		}()
		s.runParent(s.baseCtx, parentOrderID)
	}()
}

// Cancel stops a parent's remaining slices. It is safe to call while a
// slice submission is in flight: the pending slices are marked cancelled
// immediately, the dispatch loop observes the inactive parent before the
// next slice, and the in-flight call completes and records its result.
// Already-open child orders at the broker are cancelled best-effort.
func (s *Service) Cancel(ctx context.Context, parentOrderID string) error {
	if err := s.db.DeactivateParent(parentOrderID, types.OrderStatusCancelled); err != nil {
		return err
	}

	slices, err := s.db.ListSlices(parentOrderID)
	if err != nil {
		return err
	}
	for _, slice := range slices {
		if slice.Status != types.SliceStatusSubmitted || slice.BrokerOrderID == "" {
			continue
		}
		if _, cancelErr := s.broker.Cancel(ctx, slice.BrokerOrderID); cancelErr != nil {
			log.Warn().Err(cancelErr).
				Str("component", "scheduler").
				Str("slice", slice.ClientOrderID).
				Msg("broker-side cancel of open slice failed, reconciliation will settle it")
		}
	}
	return nil
}

// runParent executes one parent's slices strictly in index order. No two
// slices of the same parent are ever in flight at once.
func (s *Service) runParent(ctx context.Context, parentOrderID string) {
	logger := log.With().Str("component", "scheduler").Str("parent_order_id", parentOrderID).Logger()

	slices, err := s.db.ListSlices(parentOrderID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load slices, parent not scheduled")
		return
	}

	for i := range slices {
		slice := &slices[i]
		if slice.Status != types.SliceStatusPending {
			continue
		}

		if !s.waitUntil(ctx, slice.ScheduledAt) {
			logger.Info().Int("slice_index", slice.SliceIndex).Msg("shutdown before dispatch, slice stays pending")
			return
		}

		// Re-check the gates right before dispatch so a kill-switch engage
		// or a cancel takes effect now, not at the next scheduling cycle.
		if s.breaker.IsOpen() {
			logger.Warn().
				Int("slice_index", slice.SliceIndex).
				Str("trip_reason", s.breaker.TripReason()).
				Msg("breaker open, halting slice dispatch")
			return
		}

		parent, err := s.db.GetParent(parentOrderID)
		if err != nil || parent == nil {
			logger.Error().Err(err).Msg("failed to reload parent, halting dispatch")
			return
		}
		if !parent.Active {
			logger.Info().Int("slice_index", slice.SliceIndex).Msg("parent no longer active, dispatch loop ends")
			return
		}

		if !s.dispatch(parent, slice, logger) {
			return
		}
	}
}

// dispatch submits one slice and records the outcome. It holds the
// reconciliation marker's shared side for the duration of the broker call:
// no submission starts while a reconciliation run is comparing state. The
// broker call runs on a context detached from shutdown, bounded by the
// dispatch timeout, so a call that may have reached the broker always
// completes. Returns false when the parent's loop should stop.
func (s *Service) dispatch(parent *types.Order, slice *types.Slice, logger zerolog.Logger) bool {
	release := s.reconciler.AcquireDispatch()
	defer release()

	dispatchCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
	defer cancel()

	req := broker.SubmitRequest{
		Symbol:         parent.Symbol,
		Side:           parent.Side,
		OrderType:      parent.OrderType,
		Quantity:       slice.Quantity,
		LimitPrice:     parent.LimitPrice,
		IdempotencyKey: slice.ClientOrderID,
	}

	ref, err := broker.SubmitWithRetry(dispatchCtx, s.broker, req, s.cfg.RetryAttempts, s.cfg.RetryBaseDelay)
	if err != nil {
		if types.IsPermanentBroker(err) {
			logger.Error().Err(err).
				Int("slice_index", slice.SliceIndex).
				Msg("permanent broker rejection, parent degraded for manual attention")
			if dbErr := s.db.MarkDegraded(parent.OrderID); dbErr != nil {
				logger.Error().Err(dbErr).Msg("failed to mark parent degraded")
			}
			return false
		}

		// Transient and exhausted. The slice stays pending; the next
		// reconciliation run settles whether the broker saw the key.
		logger.Warn().Err(err).
			Int("slice_index", slice.SliceIndex).
			Msg("slice dispatch failed after retries, left pending for reconciliation")
		return false
	}

	if ref.Status == types.OrderStatusFilled {
		// Best-effort fill price; a failed lookup leaves it to the next
		// reconciliation run's position sync.
		var fillPrice float64
		if status, lookupErr := s.broker.GetStatus(dispatchCtx, ref.BrokerOrderID); lookupErr == nil && status != nil {
			fillPrice = status.FilledAvgPrice
		}
		if err := s.db.ApplySliceFill(slice, ref.BrokerOrderID, fillPrice); err != nil {
			logger.Error().Err(err).Int("slice_index", slice.SliceIndex).Msg("failed to record slice fill")
			return false
		}
	} else {
		if err := s.db.MarkSliceSubmitted(slice.ClientOrderID, ref.BrokerOrderID); err != nil {
			if errors.Is(err, types.ErrSliceSchedulingConflict) {
				// Another path already settled this key; the broker-side
				// idempotency made the duplicate submission harmless.
				logger.Info().Int("slice_index", slice.SliceIndex).Msg("slice already handled, dispatch skipped")
				return true
			}
			logger.Error().Err(err).Int("slice_index", slice.SliceIndex).Msg("failed to record slice submission")
			return false
		}
	}

	logger.Info().
		Int("slice_index", slice.SliceIndex).
		Int64("quantity", slice.Quantity).
		Str("broker_order_id", ref.BrokerOrderID).
		Str("status", ref.Status).
		Msg("slice dispatched")
	return true
}

// waitUntil sleeps until t or ctx is done. Returns false on ctx end.
func (s *Service) waitUntil(ctx context.Context, t time.Time) bool {
	wait := time.Until(t)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}
