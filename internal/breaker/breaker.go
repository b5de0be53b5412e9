// Package breaker implements the kill switch that gates all order
// submission. The persisted state is authoritative; a locally cached copy
// serves the gate check so it stays a fast read with no side effects.
// Whenever the cached state is missing or stale-unreadable the breaker
// reports open: fail-closed, never fail-open.
package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/audit"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Trip reasons set by the core itself. Collaborators pass their own
// reasons through Trip.
const (
	ReasonStartupReconciliationFailed  = "startup_reconciliation_failed"
	ReasonPeriodicReconciliationFailed = "periodic_reconciliation_failed"
)

var (
	// ErrEngageCooldown rejects a manual engage arriving inside the
	// cooldown window of the previous one.
	ErrEngageCooldown = errors.New("kill switch engage rate limited, retry after cooldown")

	// ErrNotOpen means a disengage confirmation arrived while the breaker
	// was not open.
	ErrNotOpen = errors.New("breaker is not open")

	// ErrSameOperator means the second disengage confirmation came from the
	// operator who gave the first. Dual control requires two identities.
	ErrSameOperator = errors.New("disengage requires a second, distinct operator")
)

// Service is the circuit breaker. All order-accepting paths call IsOpen
// before doing anything else.
type Service struct {
	db       *Database
	recorder *audit.Recorder

	cached        atomic.Pointer[types.BreakerState]
	engageLimiter *rate.Limiter
}

// NewService loads (or creates) the persisted breaker state and returns
// the service. A load failure does not fail construction: the cache stays
// empty and the gate reports open until a Refresh succeeds.
func NewService(gormDB *gorm.DB, recorder *audit.Recorder, engageCooldown time.Duration) *Service {
	s := &Service{
		db:            NewDatabase(gormDB),
		recorder:      recorder,
		engageLimiter: rate.NewLimiter(rate.Every(engageCooldown), 1),
	}

	state, err := s.db.EnsureState()
	if err != nil {
		log.Error().Err(err).Str("component", "breaker").
			Msg("breaker state unreadable at startup, gate defaults to open")
		return s
	}
	s.cached.Store(state)
	return s
}

// IsOpen is the gate check: a single fast read of the cached state with no
// side effects. Unknown state counts as open.
func (s *Service) IsOpen() bool {
	state := s.cached.Load()
	if state == nil {
		return true
	}
	return state.Status == types.BreakerOpen
}

// TripReason returns the current trip reason, or the fail-closed reason
// when the state is unreadable.
func (s *Service) TripReason() string {
	state := s.cached.Load()
	if state == nil {
		return types.ErrSharedStoreUnavailable.Error()
	}
	return state.TripReason
}

// State returns the persisted breaker state, refreshing the cache.
func (s *Service) State() (*types.BreakerState, error) {
	state, err := s.db.Load()
	if err != nil {
		s.cached.Store(nil)
		return nil, types.ErrSharedStoreUnavailable
	}
	s.cached.Store(state)
	return state, nil
}

// Trip transitions the breaker to open. It is the single entry point for
// every trip cause: reconciliation failures, manual engage, and external
// risk-breach signals. Tripping an already-open breaker is a no-op that
// preserves the original reason.
func (s *Service) Trip(reason, trippedBy string) error {
	transitioned, err := s.db.Trip(reason, trippedBy)
	if err != nil {
		// The transition could not be persisted; poison the cache so the
		// gate fails closed anyway.
		s.cached.Store(nil)
		log.Error().Err(err).Str("component", "breaker").Str("reason", reason).
			Msg("breaker trip not persisted, gate forced open via cache")
		return err
	}

	if _, loadErr := s.State(); loadErr != nil {
		s.cached.Store(nil)
	}

	if transitioned {
		log.Warn().Str("component", "breaker").
			Str("reason", reason).
			Str("tripped_by", trippedBy).
			Msg("kill switch engaged, trading halted")
		s.recorder.Record("breaker_trip", trippedBy, reason)
	}
	return nil
}

// Engage is a manual trip by an operator, rate-limited to one per cooldown
// to prevent flapping.
func (s *Service) Engage(reason, operatorID string) error {
	if !s.engageLimiter.Allow() {
		return ErrEngageCooldown
	}
	return s.Trip(reason, operatorID)
}

// ConfirmDisengage records one operator's confirmation that trading may
// resume. The first confirmation is stored; the breaker closes only when a
// second confirmation arrives from a distinct operator identity.
func (s *Service) ConfirmDisengage(operatorID string) (*types.BreakerState, error) {
	state, err := s.State()
	if err != nil {
		return nil, err
	}
	if state.Status != types.BreakerOpen {
		return state, ErrNotOpen
	}

	if state.DisengageConfirmations == 0 {
		stored, err := s.db.FirstConfirm(operatorID)
		if err != nil {
			return nil, err
		}
		if !stored {
			// Lost a race with another confirmation; fall through on the
			// fresh state.
			return s.ConfirmDisengage(operatorID)
		}
		s.recorder.Record("breaker_disengage_confirm", operatorID, state.TripReason)
		return s.State()
	}

	if state.FirstConfirmBy == operatorID {
		return state, ErrSameOperator
	}

	closed, err := s.db.Disengage(operatorID)
	if err != nil {
		return nil, err
	}
	if !closed {
		return s.State()
	}

	log.Info().Str("component", "breaker").
		Str("first_confirm_by", state.FirstConfirmBy).
		Str("second_confirm_by", operatorID).
		Msg("kill switch disengaged, trading resumed")
	s.recorder.Record("breaker_disengage", operatorID, state.TripReason)
	return s.State()
}

// StartRefresher keeps the cached gate state in sync with the store, so a
// trip written by another process takes effect here within the interval.
func (s *Service) StartRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.State(); err != nil {
				log.Warn().Err(err).Str("component", "breaker").
					Msg("breaker state refresh failed, gate open until store recovers")
			}
		}
	}
}
