package types

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Order status values. Terminal states are filled, cancelled, expired and
// rejected; reconciliation never resurrects a terminal order.
const (
	OrderStatusPending     = "pending"
	OrderStatusSubmitted   = "submitted"
	OrderStatusPartialFill = "partial_fill"
	OrderStatusFilled      = "filled"
	OrderStatusCancelled   = "cancelled"
	OrderStatusExpired     = "expired"
	OrderStatusRejected    = "rejected"
)

// Slice status values. Zombie is a transient diagnostic status assigned
// during crash recovery before a slice is reclassified.
const (
	SliceStatusPending   = "pending"
	SliceStatusSubmitted = "submitted"
	SliceStatusFilled    = "filled"
	SliceStatusCancelled = "cancelled"
	SliceStatusZombie    = "zombie"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Reconciliation run triggers and outcomes.
const (
	TriggerStartup  = "startup"
	TriggerPeriodic = "periodic"

	RunOutcomeSuccess = "success"
	RunOutcomeFailed  = "failed"
	RunOutcomeAborted = "aborted"
)

// Breaker status values.
const (
	BreakerClosed = "closed"
	BreakerOpen   = "open"
)

// IsTerminalOrderStatus reports whether the given order status is final.
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// Order is one logical trading intent. A sliced order (SliceCount > 1) is
// executed as a time-distributed sequence of child Slices; the broker only
// ever sees the children.
type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string    `gorm:"uniqueIndex" json:"order_id"`
	ClientOrderID  string    `gorm:"uniqueIndex" json:"client_order_id"`
	BrokerOrderID  string    `json:"broker_order_id,omitempty"`
	ClientID       string    `json:"client_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`       // BUY or SELL
	OrderType      string    `json:"order_type"` // MARKET or LIMIT
	Quantity       int64     `json:"quantity"`
	FilledQuantity int64     `json:"filled_quantity"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	Status         string    `json:"status"`
	StrategyID     string    `json:"strategy_id,omitempty"`
	SliceCount     int       `json:"slice_count"`
	WindowSeconds  int       `json:"window_seconds,omitempty"`
	Active         bool      `json:"active"`
	Degraded       bool      `json:"degraded"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Sliced reports whether the order executes through the slice scheduler.
func (o *Order) Sliced() bool {
	return o.SliceCount > 1
}

// Slice is one child order of a sliced parent Order. Its ClientOrderID is
// derived deterministically from the parent order ID and slice index, which
// makes re-submission after a crash a broker-side no-op.
type Slice struct {
	gorm.Model    `json:"-"`
	ParentOrderID string    `gorm:"index" json:"parent_order_id"`
	SliceIndex    int       `json:"slice_index"`
	ClientOrderID string    `gorm:"uniqueIndex" json:"client_order_id"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Quantity      int64     `json:"quantity"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SliceClientOrderID derives the idempotency key for a slice. The key must
// be stable across restarts: it is what zombie recovery uses to ask the
// broker whether a slice ever reached it.
func SliceClientOrderID(parentOrderID string, sliceIndex int) string {
	return fmt.Sprintf("%s:%d", parentOrderID, sliceIndex)
}

// Position is the net holding of a symbol for a strategy.
type Position struct {
	gorm.Model    `json:"-"`
	Symbol        string    `gorm:"uniqueIndex:idx_symbol_strategy" json:"symbol"`
	StrategyID    string    `gorm:"uniqueIndex:idx_symbol_strategy" json:"strategy_id"`
	Quantity      int64     `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ReconciliationRun is one execution of the ledger-vs-broker comparison.
// The row is created when the run starts (Outcome empty) and is immutable
// once completed. At most one run may be in progress system-wide.
type ReconciliationRun struct {
	gorm.Model            `json:"-"`
	RunID                 string     `gorm:"uniqueIndex" json:"run_id"`
	Trigger               string     `json:"trigger"` // startup or periodic
	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	Outcome               string     `json:"outcome,omitempty"` // empty while running
	DiscrepanciesFound    int        `json:"discrepancies_found"`
	DiscrepanciesResolved int        `json:"discrepancies_resolved"`
	Error                 string     `json:"error,omitempty"`
}

// BreakerState is the persisted safety-gate state. Exactly one row exists
// per deployment; if that row cannot be read the breaker is treated as open.
type BreakerState struct {
	gorm.Model             `json:"-"`
	Status                 string     `json:"status"` // closed or open
	TripReason             string     `json:"trip_reason,omitempty"`
	TrippedAt              *time.Time `json:"tripped_at,omitempty"`
	TrippedBy              string     `json:"tripped_by,omitempty"`
	DisengageConfirmations int        `json:"disengage_confirmations"`
	FirstConfirmBy         string     `json:"first_confirm_by,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// AuditEvent is an append-only record of a safety-relevant transition.
// Delivered is false while the event sits in the local fallback queue
// waiting for the audit sink to recover.
type AuditEvent struct {
	gorm.Model `json:"-"`
	EventID    string    `gorm:"uniqueIndex" json:"event_id"`
	Action     string    `json:"action"`
	OperatorID string    `json:"operator_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Delivered  bool      `json:"delivered"`
	CreatedAt  time.Time `json:"created_at"`
}

// IdempotencyRecord maps an HTTP Idempotency-Key header to the resource it
// created, so a retried request returns the original resource instead of
// creating a duplicate.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
