package breaker

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Database wraps breaker-state persistence. The state is a single shared
// row; transitions go through conditional updates so two writers can never
// both win the same transition.
type Database struct {
	db *gorm.DB
}

// NewDatabase creates a breaker Database on top of the shared store.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// EnsureState creates the singleton breaker row (closed) if it does not
// exist, then returns it.
func (d *Database) EnsureState() (*types.BreakerState, error) {
	state, err := d.Load()
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := &types.BreakerState{Status: types.BreakerClosed}
	if createErr := d.db.Create(fresh).Error; createErr != nil {
		// Lost a create race; reread.
		state, err = d.Load()
		if err != nil {
			return nil, createErr
		}
		return state, nil
	}
	return fresh, nil
}

// Load reads the singleton breaker row.
func (d *Database) Load() (*types.BreakerState, error) {
	var state types.BreakerState
	if err := d.db.Order("id").First(&state).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// Trip transitions closed -> open with the given reason. It reports
// whether this call performed the transition; false means the breaker was
// already open and the original trip reason stands.
func (d *Database) Trip(reason, trippedBy string) (bool, error) {
	now := time.Now()
	result := d.db.Model(&types.BreakerState{}).
		Where("status = ?", types.BreakerClosed).
		Updates(map[string]interface{}{
			"status":                  types.BreakerOpen,
			"trip_reason":             reason,
			"tripped_at":              now,
			"tripped_by":              trippedBy,
			"disengage_confirmations": 0,
			"first_confirm_by":        "",
		})
	if result.Error != nil {
		return false, fmt.Errorf("tripping breaker: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FirstConfirm stores the first disengage confirmation. The compare-and-set
// on (open, 0 confirmations) means concurrent first confirmations collapse
// to one winner.
func (d *Database) FirstConfirm(operatorID string) (bool, error) {
	result := d.db.Model(&types.BreakerState{}).
		Where("status = ? AND disengage_confirmations = 0", types.BreakerOpen).
		Updates(map[string]interface{}{
			"disengage_confirmations": 1,
			"first_confirm_by":        operatorID,
		})
	if result.Error != nil {
		return false, fmt.Errorf("storing disengage confirmation: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Disengage transitions open -> closed, guarded on the first confirmation
// having come from a different operator.
func (d *Database) Disengage(operatorID string) (bool, error) {
	result := d.db.Model(&types.BreakerState{}).
		Where("status = ? AND disengage_confirmations = 1 AND first_confirm_by <> ?",
			types.BreakerOpen, operatorID).
		Updates(map[string]interface{}{
			"status":                  types.BreakerClosed,
			"trip_reason":             "",
			"tripped_by":              "",
			"tripped_at":              nil,
			"disengage_confirmations": 0,
			"first_confirm_by":        "",
		})
	if result.Error != nil {
		return false, fmt.Errorf("disengaging breaker: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
