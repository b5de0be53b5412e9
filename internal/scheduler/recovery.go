package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// ErrNotReconciled guards recovery: it must never run against
// unconfirmed state, so the startup reconciliation run has to succeed
// first.
var ErrNotReconciled = errors.New("zombie recovery requires a successful startup reconciliation")

// Recover re-derives scheduling state after a restart. In-memory dispatch
// state is gone; for every order still marked active in the ledger, each
// known slice's idempotency key is checked against the broker and the
// slice classified:
//
//   - already filled at the broker: recorded as filled, never resubmitted
//   - submitted and still open: tracking resumes, no resubmission
//   - unknown to the broker: eligible for scheduling again
//
// A slice whose ledger and broker state cannot be reconciled is marked
// zombie and its parent degraded for manual attention — recovery never
// guesses. Recovered parents with remaining work are relaunched.
func (s *Service) Recover(ctx context.Context) error {
	if !s.reconciler.Ready() {
		return ErrNotReconciled
	}

	logger := log.With().Str("component", "scheduler").Str("phase", "zombie_recovery").Logger()

	parents, err := s.db.ListActiveSlicedParents()
	if err != nil {
		return fmt.Errorf("listing active sliced orders: %w", err)
	}
	if len(parents) == 0 {
		logger.Info().Msg("no active sliced orders to recover")
		return nil
	}

	logger.Info().Int("parents", len(parents)).Msg("recovering sliced orders")

	for _, parent := range parents {
		if parent.Degraded {
			logger.Warn().Str("parent_order_id", parent.OrderID).Msg("skipping degraded parent")
			continue
		}

		resume, err := s.recoverParent(ctx, &parent, logger)
		if err != nil {
			return err
		}
		if resume {
			s.Launch(parent.OrderID)
		}
	}
	return nil
}

// recoverParent classifies one parent's slices. Returns whether the
// parent still has schedulable work.
func (s *Service) recoverParent(ctx context.Context, parent *types.Order, logger zerolog.Logger) (bool, error) {
	slices, err := s.db.ListSlices(parent.OrderID)
	if err != nil {
		return false, fmt.Errorf("listing slices for %s: %w", parent.OrderID, err)
	}

	schedulable := false
	for i := range slices {
		slice := &slices[i]
		if slice.Status == types.SliceStatusFilled || slice.Status == types.SliceStatusCancelled {
			continue
		}

		status, err := s.broker.GetOrderByIdempotencyKey(ctx, slice.ClientOrderID)
		if err != nil {
			// Ledger and broker cannot be reconciled for this slice. Flag
			// it rather than guess.
			logger.Error().Err(err).
				Str("parent_order_id", parent.OrderID).
				Str("slice", slice.ClientOrderID).
				Msg("slice state unresolvable, marking zombie and degrading parent")
			if dbErr := s.db.UpdateSliceStatus(slice.ClientOrderID, types.SliceStatusZombie, ""); dbErr != nil {
				return false, fmt.Errorf("marking slice %s zombie: %w", slice.ClientOrderID, dbErr)
			}
			if dbErr := s.db.MarkDegraded(parent.OrderID); dbErr != nil {
				return false, fmt.Errorf("degrading parent %s: %w", parent.OrderID, dbErr)
			}
			return false, nil
		}

		switch {
		case status == nil:
			// Never reached the broker: schedule it.
			if slice.Status != types.SliceStatusPending {
				if dbErr := s.db.UpdateSliceStatus(slice.ClientOrderID, types.SliceStatusPending, ""); dbErr != nil {
					return false, fmt.Errorf("rescheduling slice %s: %w", slice.ClientOrderID, dbErr)
				}
			}
			schedulable = true

		case status.Status == types.OrderStatusFilled:
			// Filled while we were down: record, never resubmit.
			if slice.Status != types.SliceStatusFilled {
				if dbErr := s.db.ApplySliceFill(slice, status.BrokerOrderID, status.FilledAvgPrice); dbErr != nil {
					return false, fmt.Errorf("recording recovered fill for %s: %w", slice.ClientOrderID, dbErr)
				}
				logger.Info().
					Str("parent_order_id", parent.OrderID).
					Str("slice", slice.ClientOrderID).
					Msg("slice was filled at the broker during downtime")
			}

		case types.IsTerminalOrderStatus(status.Status):
			if dbErr := s.db.UpdateSliceStatus(slice.ClientOrderID, types.SliceStatusCancelled, status.BrokerOrderID); dbErr != nil {
				return false, fmt.Errorf("recording terminal slice %s: %w", slice.ClientOrderID, dbErr)
			}

		default:
			// Submitted and still open: resume tracking, do not resubmit.
			if dbErr := s.db.UpdateSliceStatus(slice.ClientOrderID, types.SliceStatusSubmitted, status.BrokerOrderID); dbErr != nil {
				return false, fmt.Errorf("resuming slice %s: %w", slice.ClientOrderID, dbErr)
			}
			schedulable = true
		}
	}

	return schedulable, nil
}
