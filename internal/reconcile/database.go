package reconcile

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Database wraps ledger access for reconciliation runs. Corrections are
// staged in memory during a run and applied in one transaction, so an
// aborted run leaves the ledger byte-for-byte unchanged.
type Database struct {
	db *gorm.DB
}

// NewDatabase creates a reconcile Database on the ledger.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// AbortStaleRuns marks any run left in progress by a previous process as
// aborted. Called once at startup before the mandatory run; it keeps the
// at-most-one-running invariant true across crashes.
func (d *Database) AbortStaleRuns() error {
	now := time.Now()
	return d.db.Model(&types.ReconciliationRun{}).
		Where("outcome = ?", "").
		Updates(map[string]interface{}{
			"outcome":      types.RunOutcomeAborted,
			"completed_at": now,
			"error":        "process restarted mid-run",
		}).Error
}

// CreateRun inserts a run row with no outcome, failing if another run is
// already in progress.
func (d *Database) CreateRun(run *types.ReconciliationRun) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var running int64
		if err := tx.Model(&types.ReconciliationRun{}).
			Where("outcome = ?", "").
			Count(&running).Error; err != nil {
			return err
		}
		if running > 0 {
			return errors.New("a reconciliation run is already in progress")
		}
		return tx.Create(run).Error
	})
}

// CompleteRun finalizes a run row. Completed runs are immutable; this is
// the only writer.
func (d *Database) CompleteRun(run *types.ReconciliationRun, outcome, errMsg string, found, resolved int) error {
	now := time.Now()
	run.Outcome = outcome
	run.CompletedAt = &now
	run.Error = errMsg
	run.DiscrepanciesFound = found
	run.DiscrepanciesResolved = resolved
	return d.db.Model(run).
		Where("run_id = ?", run.RunID).
		Updates(map[string]interface{}{
			"outcome":                outcome,
			"completed_at":           now,
			"error":                  errMsg,
			"discrepancies_found":    found,
			"discrepancies_resolved": resolved,
		}).Error
}

// LastRun returns the most recent run for a trigger, or nil.
func (d *Database) LastRun(trigger string) (*types.ReconciliationRun, error) {
	var run types.ReconciliationRun
	err := d.db.Where("trigger = ?", trigger).Order("started_at DESC").First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ListReconcilableOrders returns non-terminal simple orders that have
// reached the broker. Sliced parents are reconciled through their slices.
func (d *Database) ListReconcilableOrders() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("status IN ?", []string{types.OrderStatusSubmitted, types.OrderStatusPartialFill}).
		Where("slice_count <= 1").
		Where("broker_order_id <> ''").
		Find(&orders).Error
	return orders, err
}

// ListReconcilableSlices returns slices that have been submitted but are
// not yet terminal.
func (d *Database) ListReconcilableSlices() ([]types.Slice, error) {
	var slices []types.Slice
	err := d.db.
		Where("status IN ?", []string{types.SliceStatusSubmitted, types.SliceStatusZombie}).
		Find(&slices).Error
	return slices, err
}

// ListLedgerPositions returns every position the ledger believes exists.
func (d *Database) ListLedgerPositions() ([]types.Position, error) {
	var positions []types.Position
	err := d.db.Find(&positions).Error
	return positions, err
}

// OrderCorrection overwrites one order's state with the broker's view.
type OrderCorrection struct {
	OrderID        string
	Status         string
	FilledQuantity int64
}

// SliceCorrection overwrites one slice's state with the broker's view.
type SliceCorrection struct {
	ClientOrderID string
	ParentOrderID string
	Status        string
	BrokerOrderID string
}

// PositionCorrection overwrites one position with the broker's view. A nil
// broker position zeroes the holding.
type PositionCorrection struct {
	Symbol        string
	StrategyID    string
	Quantity      int64
	AvgEntryPrice float64
	CurrentPrice  float64
}

// Corrections is the staged broker-truth-wins delta for one run.
type Corrections struct {
	Orders    []OrderCorrection
	Slices    []SliceCorrection
	Positions []PositionCorrection
}

// Count returns the number of staged corrections.
func (c *Corrections) Count() int {
	return len(c.Orders) + len(c.Slices) + len(c.Positions)
}

// Apply writes all staged corrections in one transaction. Parent orders of
// corrected slices get their filled quantity recomputed from their slices.
func (d *Database) Apply(c *Corrections) error {
	if c.Count() == 0 {
		return nil
	}

	return d.db.Transaction(func(tx *gorm.DB) error {
		for _, oc := range c.Orders {
			if err := tx.Model(&types.Order{}).
				Where("order_id = ?", oc.OrderID).
				Updates(map[string]interface{}{
					"status":          oc.Status,
					"filled_quantity": oc.FilledQuantity,
				}).Error; err != nil {
				return fmt.Errorf("correcting order %s: %w", oc.OrderID, err)
			}
		}

		parents := make(map[string]struct{})
		for _, sc := range c.Slices {
			updates := map[string]interface{}{"status": sc.Status}
			if sc.BrokerOrderID != "" {
				updates["broker_order_id"] = sc.BrokerOrderID
			}
			if err := tx.Model(&types.Slice{}).
				Where("client_order_id = ?", sc.ClientOrderID).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("correcting slice %s: %w", sc.ClientOrderID, err)
			}
			parents[sc.ParentOrderID] = struct{}{}
		}

		for parentID := range parents {
			if err := recomputeParentFill(tx, parentID); err != nil {
				return err
			}
		}

		for _, pc := range c.Positions {
			if err := tx.Where(types.Position{Symbol: pc.Symbol, StrategyID: pc.StrategyID}).
				Assign(map[string]interface{}{
					"quantity":        pc.Quantity,
					"avg_entry_price": pc.AvgEntryPrice,
					"current_price":   pc.CurrentPrice,
				}).
				FirstOrCreate(&types.Position{}).Error; err != nil {
				return fmt.Errorf("correcting position %s: %w", pc.Symbol, err)
			}
		}

		return nil
	})
}

// recomputeParentFill derives a sliced parent's filled quantity and status
// from its slices.
func recomputeParentFill(tx *gorm.DB, parentID string) error {
	var filled int64
	if err := tx.Model(&types.Slice{}).
		Where("parent_order_id = ? AND status = ?", parentID, types.SliceStatusFilled).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&filled).Error; err != nil {
		return fmt.Errorf("summing fills for %s: %w", parentID, err)
	}

	var parent types.Order
	if err := tx.Where("order_id = ?", parentID).First(&parent).Error; err != nil {
		return fmt.Errorf("loading parent %s: %w", parentID, err)
	}

	status := parent.Status
	switch {
	case filled >= parent.Quantity:
		status = types.OrderStatusFilled
	case filled > 0:
		status = types.OrderStatusPartialFill
	}

	return tx.Model(&types.Order{}).
		Where("order_id = ?", parentID).
		Updates(map[string]interface{}{
			"filled_quantity": filled,
			"status":          status,
		}).Error
}
