package audit

import (
	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Compile-time interface check.
var _ Sink = (*DatabaseSink)(nil)

// DatabaseSink appends audit events to the ledger database. Deployments
// with a dedicated audit service swap in their own Sink; the recorder's
// fallback behaviour is identical either way.
type DatabaseSink struct {
	db *gorm.DB
}

// NewDatabaseSink creates a Sink writing to db.
func NewDatabaseSink(db *gorm.DB) *DatabaseSink {
	return &DatabaseSink{db: db}
}

// Append persists the event.
func (s *DatabaseSink) Append(event *types.AuditEvent) error {
	record := *event
	record.Delivered = true
	return s.db.Create(&record).Error
}
