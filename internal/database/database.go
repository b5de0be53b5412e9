package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// NewDatabase opens the SQLite ledger at path and migrates the schema.
// The ledger is the durable ground for orders, slices, positions,
// reconciliation runs, breaker state and the audit fallback queue.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger at %s: %w", path, err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrating ledger schema: %w", err)
	}

	return db, nil
}

// Migrate applies the ledger schema. Also used by tests against in-memory
// databases.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Order{},
		&types.Slice{},
		&types.Position{},
		&types.ReconciliationRun{},
		&types.BreakerState{},
		&types.AuditEvent{},
		&types.IdempotencyRecord{},
	)
}
