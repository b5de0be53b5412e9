// Package reconcile compares the internal ledger against the broker's
// ground truth. A mandatory startup run gates order intake; periodic runs
// self-heal divergence with broker-truth-wins. The service is the only
// component allowed to trip the breaker from an internal health judgment.
package reconcile

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/breaker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Config controls run cadence and escalation.
type Config struct {
	Interval         time.Duration
	Jitter           time.Duration
	StartupAttempts  int
	StartupBaseDelay time.Duration
	// FailureThreshold is the number of consecutive failed periodic runs
	// before the breaker trips. A single transient broker outage is not a
	// reason to halt trading; sustained divergence is.
	FailureThreshold int
}

// Service runs reconciliation and owns the exclusive in-progress marker
// that the slice scheduler must respect.
type Service struct {
	db      *Database
	broker  broker.Broker
	breaker *breaker.Service
	cfg     Config

	// gate is the "reconciliation in progress" marker. A run holds the
	// write side; every scheduler dispatch holds the read side, so no new
	// broker submission can start while a run is comparing state.
	gate sync.RWMutex

	ready               atomic.Bool
	consecutiveFailures atomic.Int32
	lastPeriodicAt      atomic.Pointer[time.Time]
	startupOutcome      atomic.Pointer[string]
}

// NewService creates the reconciliation service.
func NewService(gormDB *gorm.DB, b broker.Broker, breakerSvc *breaker.Service, cfg Config) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		broker:  b,
		breaker: breakerSvc,
		cfg:     cfg,
	}
}

// Ready reports whether the startup run has succeeded. Order intake must
// reject requests until this is true.
func (s *Service) Ready() bool { return s.ready.Load() }

// AcquireDispatch takes the shared side of the in-progress marker. The
// returned release function must be called when the broker dispatch ends.
func (s *Service) AcquireDispatch() (release func()) {
	s.gate.RLock()
	return s.gate.RUnlock
}

// StartupOutcome returns "success", "failed", or "" while still running.
func (s *Service) StartupOutcome() string {
	if v := s.startupOutcome.Load(); v != nil {
		return *v
	}
	return ""
}

// LastPeriodicAt returns the completion time of the last periodic run.
func (s *Service) LastPeriodicAt() *time.Time { return s.lastPeriodicAt.Load() }

// ConsecutiveFailures returns the current periodic failure streak.
func (s *Service) ConsecutiveFailures() int { return int(s.consecutiveFailures.Load()) }

// RunStartup executes the mandatory, blocking startup run. It retries with
// exponential backoff up to the configured attempt cap; if all attempts
// fail it trips the breaker and returns the error. The caller is
// structurally required to inspect the result: order intake is only opened
// on nil.
func (s *Service) RunStartup(ctx context.Context) error {
	logger := log.With().Str("component", "reconciliation").Str("trigger", types.TriggerStartup).Logger()

	if err := s.db.AbortStaleRuns(); err != nil {
		logger.Error().Err(err).Msg("failed to abort stale runs")
	}

	delay := s.cfg.StartupBaseDelay
	var lastErr error

	for attempt := 1; attempt <= s.cfg.StartupAttempts; attempt++ {
		run, err := s.runOnce(ctx, types.TriggerStartup)
		if err == nil {
			outcome := types.RunOutcomeSuccess
			s.startupOutcome.Store(&outcome)
			s.ready.Store(true)
			logger.Info().
				Int("discrepancies_found", run.DiscrepanciesFound).
				Int("discrepancies_resolved", run.DiscrepanciesResolved).
				Msg("startup reconciliation succeeded, order intake open")
			return nil
		}

		lastErr = err
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.StartupAttempts).
			Msg("startup reconciliation attempt failed")

		if attempt < s.cfg.StartupAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = s.cfg.StartupAttempts
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	outcome := types.RunOutcomeFailed
	s.startupOutcome.Store(&outcome)

	logger.Error().Err(lastErr).Msg("startup reconciliation failed, tripping breaker")
	if tripErr := s.breaker.Trip(breaker.ReasonStartupReconciliationFailed, "reconciliation"); tripErr != nil {
		logger.Error().Err(tripErr).Msg("breaker trip failed after startup reconciliation failure")
	}

	return fmt.Errorf("%w: %v", types.ErrReconciliationRunFailed, lastErr)
}

// StartPeriodic runs periodic reconciliation on the configured interval
// with random jitter until ctx ends.
func (s *Service) StartPeriodic(ctx context.Context) {
	logger := log.With().Str("component", "reconciliation").Str("trigger", types.TriggerPeriodic).Logger()
	logger.Info().Dur("interval", s.cfg.Interval).Msg("starting periodic reconciliation")

	for {
		wait := s.cfg.Interval
		if s.cfg.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down periodic reconciliation")
			return
		case <-time.After(wait):
		}

		run, err := s.runOnce(ctx, types.TriggerPeriodic)
		now := time.Now()
		s.lastPeriodicAt.Store(&now)

		if err != nil {
			failures := s.consecutiveFailures.Add(1)
			logger.Warn().Err(err).
				Int32("consecutive_failures", failures).
				Int("threshold", s.cfg.FailureThreshold).
				Msg("periodic reconciliation failed")

			if int(failures) >= s.cfg.FailureThreshold {
				logger.Error().Msg("sustained reconciliation failure, tripping breaker")
				if tripErr := s.breaker.Trip(breaker.ReasonPeriodicReconciliationFailed, "reconciliation"); tripErr != nil {
					logger.Error().Err(tripErr).Msg("breaker trip failed")
				}
			}
			continue
		}

		s.consecutiveFailures.Store(0)
		if run.DiscrepanciesFound > 0 {
			logger.Info().
				Int("discrepancies_found", run.DiscrepanciesFound).
				Int("discrepancies_resolved", run.DiscrepanciesResolved).
				Msg("periodic reconciliation corrected divergence")
		}
	}
}

// RunOnce executes a single reconciliation run. Exposed for the periodic
// loop, tests and manual triggers; the startup path goes through RunStartup.
func (s *Service) RunOnce(ctx context.Context, trigger string) (*types.ReconciliationRun, error) {
	return s.runOnce(ctx, trigger)
}

// runOnce holds the exclusive marker for the duration of the comparison.
// Corrections are staged while reading broker state and applied only after
// every broker read succeeded; a broker failure mid-run aborts with the
// ledger untouched.
func (s *Service) runOnce(ctx context.Context, trigger string) (*types.ReconciliationRun, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	run := &types.ReconciliationRun{
		RunID:     uuid.New().String(),
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	if err := s.db.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run record: %w", err)
	}

	corrections, err := s.stageCorrections(ctx)
	if err != nil {
		// Broker unavailable mid-run: abort, ledger left untouched, retry
		// next interval.
		if completeErr := s.db.CompleteRun(run, types.RunOutcomeAborted, err.Error(), 0, 0); completeErr != nil {
			log.Error().Err(completeErr).Str("component", "reconciliation").Msg("failed to record aborted run")
		}
		return run, fmt.Errorf("run aborted: %w", err)
	}

	found := corrections.Count()
	if err := s.db.Apply(corrections); err != nil {
		if completeErr := s.db.CompleteRun(run, types.RunOutcomeFailed, err.Error(), found, 0); completeErr != nil {
			log.Error().Err(completeErr).Str("component", "reconciliation").Msg("failed to record failed run")
		}
		return run, fmt.Errorf("applying corrections: %w", err)
	}

	if err := s.db.CompleteRun(run, types.RunOutcomeSuccess, "", found, found); err != nil {
		return run, fmt.Errorf("recording run completion: %w", err)
	}
	return run, nil
}

// stageCorrections reads broker state for every reconcilable order, slice
// and position and stages broker-truth-wins corrections. Any broker read
// failure aborts the whole staging pass.
func (s *Service) stageCorrections(ctx context.Context) (*Corrections, error) {
	corrections := &Corrections{}

	orders, err := s.db.ListReconcilableOrders()
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	for _, order := range orders {
		status, err := s.broker.GetStatus(ctx, order.BrokerOrderID)
		if err != nil {
			return nil, fmt.Errorf("broker status for order %s: %w", order.OrderID, err)
		}

		if status == nil {
			// Ledger says submitted, broker has never heard of it. The
			// broker's truth wins: the order never reached it.
			corrections.Orders = append(corrections.Orders, OrderCorrection{
				OrderID:        order.OrderID,
				Status:         types.OrderStatusRejected,
				FilledQuantity: 0,
			})
			s.logDiscrepancy("order", order.OrderID, order.Status, "unknown_to_broker")
			continue
		}

		if status.Status != order.Status || status.FilledQuantity != order.FilledQuantity {
			corrections.Orders = append(corrections.Orders, OrderCorrection{
				OrderID:        order.OrderID,
				Status:         status.Status,
				FilledQuantity: status.FilledQuantity,
			})
			s.logDiscrepancy("order", order.OrderID, order.Status, status.Status)
		}
	}

	slices, err := s.db.ListReconcilableSlices()
	if err != nil {
		return nil, fmt.Errorf("listing slices: %w", err)
	}
	for _, slice := range slices {
		status, err := s.broker.GetOrderByIdempotencyKey(ctx, slice.ClientOrderID)
		if err != nil {
			return nil, fmt.Errorf("broker status for slice %s: %w", slice.ClientOrderID, err)
		}

		if status == nil {
			if slice.Status == types.SliceStatusSubmitted {
				// Submitted in the ledger, unknown at the broker.
				corrections.Slices = append(corrections.Slices, SliceCorrection{
					ClientOrderID: slice.ClientOrderID,
					ParentOrderID: slice.ParentOrderID,
					Status:        types.SliceStatusPending,
				})
				s.logDiscrepancy("slice", slice.ClientOrderID, slice.Status, "unknown_to_broker")
			}
			continue
		}

		brokerSliceStatus := mapOrderStatusToSlice(status.Status)
		if brokerSliceStatus != slice.Status {
			corrections.Slices = append(corrections.Slices, SliceCorrection{
				ClientOrderID: slice.ClientOrderID,
				ParentOrderID: slice.ParentOrderID,
				Status:        brokerSliceStatus,
				BrokerOrderID: status.BrokerOrderID,
			})
			s.logDiscrepancy("slice", slice.ClientOrderID, slice.Status, brokerSliceStatus)
		}
	}

	positions, err := s.db.ListLedgerPositions()
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	for _, pos := range positions {
		snapshot, err := s.broker.GetOpenPosition(ctx, pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("broker position for %s: %w", pos.Symbol, err)
		}

		correction := PositionCorrection{Symbol: pos.Symbol, StrategyID: pos.StrategyID}
		if snapshot != nil {
			correction.Quantity = snapshot.Quantity
			correction.AvgEntryPrice = snapshot.AvgEntryPrice
			correction.CurrentPrice = snapshot.CurrentPrice
		}

		if correction.Quantity != pos.Quantity || correction.AvgEntryPrice != pos.AvgEntryPrice {
			corrections.Positions = append(corrections.Positions, correction)
			s.logDiscrepancy("position", pos.Symbol, fmt.Sprintf("qty=%d", pos.Quantity), fmt.Sprintf("qty=%d", correction.Quantity))
		}
	}

	return corrections, nil
}

// logDiscrepancy records a broker-truth-wins correction. Discrepancies are
// always logged but never fatal by themselves.
func (s *Service) logDiscrepancy(kind, id, ledgerView, brokerView string) {
	log.Warn().
		Str("component", "reconciliation").
		Str("kind", kind).
		Str("id", id).
		Str("ledger", ledgerView).
		Str("broker", brokerView).
		Msg("discrepancy resolved, broker truth wins")
}

// mapOrderStatusToSlice translates broker order statuses into the slice
// status vocabulary.
func mapOrderStatusToSlice(orderStatus string) string {
	switch orderStatus {
	case types.OrderStatusFilled:
		return types.SliceStatusFilled
	case types.OrderStatusCancelled, types.OrderStatusExpired, types.OrderStatusRejected:
		return types.SliceStatusCancelled
	default:
		return types.SliceStatusSubmitted
	}
}
