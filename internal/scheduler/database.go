package scheduler

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Database wraps ledger access for the slice scheduler. Mutations to a
// single order or slice are serialized per entity: the scheduler is the
// only writer for a slice while its parent's dispatch loop owns it.
type Database struct {
	db *gorm.DB
}

// NewDatabase creates a scheduler Database on the ledger.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateParentWithSlices persists the parent order and all of its slices
// in one transaction, so a crash cannot leave a parent without its plan.
func (d *Database) CreateParentWithSlices(parent *types.Order, slices []types.Slice) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(parent).Error; err != nil {
			return err
		}
		for i := range slices {
			if err := tx.Create(&slices[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetParent loads a parent order.
func (d *Database) GetParent(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ListSlices returns a parent's slices in dispatch order.
func (d *Database) ListSlices(parentOrderID string) ([]types.Slice, error) {
	var slices []types.Slice
	err := d.db.
		Where("parent_order_id = ?", parentOrderID).
		Order("slice_index").
		Find(&slices).Error
	return slices, err
}

// ListActiveSlicedParents returns sliced orders still marked active in the
// ledger. This is the recovery entry point after a restart.
func (d *Database) ListActiveSlicedParents() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("slice_count > 1 AND active = ?", true).
		Find(&orders).Error
	return orders, err
}

// UpdateSliceStatus moves one slice to status, optionally recording the
// broker order ID.
func (d *Database) UpdateSliceStatus(clientOrderID, status, brokerOrderID string) error {
	updates := map[string]interface{}{"status": status}
	if brokerOrderID != "" {
		updates["broker_order_id"] = brokerOrderID
	}
	return d.db.Model(&types.Slice{}).
		Where("client_order_id = ?", clientOrderID).
		Updates(updates).Error
}

// MarkSliceSubmitted records a successful submission for a slice that is
// still pending. When the row already left pending, because the slice's
// idempotency key was handled by another path (recovery, reconciliation, a
// racing cancel), it returns ErrSliceSchedulingConflict and writes nothing.
func (d *Database) MarkSliceSubmitted(clientOrderID, brokerOrderID string) error {
	res := d.db.Model(&types.Slice{}).
		Where("client_order_id = ? AND status = ?", clientOrderID, types.SliceStatusPending).
		Updates(map[string]interface{}{
			"status":          types.SliceStatusSubmitted,
			"broker_order_id": brokerOrderID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrSliceSchedulingConflict
	}
	return nil
}

// ApplySliceFill records a slice fill and folds it into the parent's
// filled quantity, the parent's status, and the strategy position, all in
// one transaction.
func (d *Database) ApplySliceFill(slice *types.Slice, brokerOrderID string, fillPrice float64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"status": types.SliceStatusFilled}
		if brokerOrderID != "" {
			updates["broker_order_id"] = brokerOrderID
		}
		if err := tx.Model(&types.Slice{}).
			Where("client_order_id = ?", slice.ClientOrderID).
			Updates(updates).Error; err != nil {
			return err
		}

		var parent types.Order
		if err := tx.Where("order_id = ?", slice.ParentOrderID).First(&parent).Error; err != nil {
			return err
		}

		filled := parent.FilledQuantity + slice.Quantity
		status := types.OrderStatusPartialFill
		active := parent.Active
		if filled >= parent.Quantity {
			status = types.OrderStatusFilled
			active = false
		}
		if err := tx.Model(&types.Order{}).
			Where("order_id = ?", parent.OrderID).
			Updates(map[string]interface{}{
				"filled_quantity": filled,
				"status":          status,
				"active":          active,
			}).Error; err != nil {
			return err
		}

		return applyFillToPosition(tx, &parent, slice.Quantity, fillPrice)
	})
}

// applyFillToPosition folds a fill into the net position for the parent's
// symbol and strategy.
func applyFillToPosition(tx *gorm.DB, parent *types.Order, qty int64, price float64) error {
	signed := qty
	if parent.Side == types.SideSell {
		signed = -qty
	}

	var pos types.Position
	err := tx.Where("symbol = ? AND strategy_id = ?", parent.Symbol, parent.StrategyID).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&types.Position{
			Symbol:        parent.Symbol,
			StrategyID:    parent.StrategyID,
			Quantity:      signed,
			AvgEntryPrice: price,
			CurrentPrice:  price,
		}).Error
	}
	if err != nil {
		return err
	}

	newQty := pos.Quantity + signed
	avg := pos.AvgEntryPrice
	// Average entry only moves when the position grows in its direction.
	if (pos.Quantity >= 0) == (signed >= 0) && newQty != 0 {
		avg = (pos.AvgEntryPrice*float64(pos.Quantity) + price*float64(signed)) / float64(newQty)
	}

	return tx.Model(&types.Position{}).
		Where("symbol = ? AND strategy_id = ?", parent.Symbol, parent.StrategyID).
		Updates(map[string]interface{}{
			"quantity":        newQty,
			"avg_entry_price": avg,
			"current_price":   price,
		}).Error
}

// DeactivateParent marks a parent order inactive with the given status and
// cancels its remaining pending slices. Submitted slice rows are left
// alone: an in-flight dispatch may still be completing against them.
func (d *Database) DeactivateParent(orderID, status string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.Order{}).
			Where("order_id = ?", orderID).
			Updates(map[string]interface{}{"active": false, "status": status}).Error; err != nil {
			return err
		}
		return tx.Model(&types.Slice{}).
			Where("parent_order_id = ? AND status = ?", orderID, types.SliceStatusPending).
			Update("status", types.SliceStatusCancelled).Error
	})
}

// MarkDegraded flags a parent for manual attention. Degraded parents are
// excluded from scheduling until an operator resolves them.
func (d *Database) MarkDegraded(orderID string) error {
	return d.db.Model(&types.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{"degraded": true, "active": false}).Error
}

// CountZombieSlices returns the number of slices awaiting manual or
// recovery reclassification, for the health surface.
func (d *Database) CountZombieSlices() (int64, error) {
	var count int64
	err := d.db.Model(&types.Slice{}).
		Where("status = ?", types.SliceStatusZombie).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting zombie slices: %w", err)
	}
	return count, nil
}
