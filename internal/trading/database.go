package trading

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndClientID(orderID, clientID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND client_id = ?", orderID, clientID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

func (d *Database) ListSlices(parentOrderID string) ([]types.Slice, error) {
	var slices []types.Slice
	err := d.db.Where("parent_order_id = ?", parentOrderID).Order("slice_index").Find(&slices).Error
	return slices, err
}

// CreateOrderWithIdempotency creates a new order, its slice plan when the
// order is sliced, and the idempotency record, all in one transaction.
// Requests without an Idempotency-Key header skip the record.
func (d *Database) CreateOrderWithIdempotency(order *types.Order, slices []types.Slice, idempotencyKey string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}

		if len(slices) > 0 {
			if err := tx.Create(&slices).Error; err != nil {
				return err
			}
		}

		if idempotencyKey == "" {
			return nil
		}
		record := types.IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		return tx.Create(&record).Error
	})
}

// GetIdempotencyRecord retrieves an idempotency record by key, or nil when
// the key is unknown.
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
