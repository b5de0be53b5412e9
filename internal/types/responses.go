package types

import "time"

// HealthResponse is the health surface contract consumed by operators and
// automated monitors. It distinguishes "halted intentionally" from "halted
// due to failure".
type HealthResponse struct {
	BreakerStatus                string     `json:"breaker_status"`
	TripReason                   string     `json:"trip_reason,omitempty"`
	Ready                        bool       `json:"ready"`
	LastStartupReconciliation    string     `json:"last_startup_reconciliation"` // success or failed
	LastPeriodicReconciliationAt *time.Time `json:"last_periodic_reconciliation_at,omitempty"`
	ConsecutivePeriodicFailures  int        `json:"consecutive_periodic_failures"`
	PendingZombieSlices          int64      `json:"pending_zombie_slices"`
	BrokerPoolQueueDepth         int        `json:"broker_pool_queue_depth"`
}

// BreakerResponse is returned by the kill-switch endpoints.
type BreakerResponse struct {
	Status                 string     `json:"status"`
	TripReason             string     `json:"trip_reason,omitempty"`
	TrippedAt              *time.Time `json:"tripped_at,omitempty"`
	TrippedBy              string     `json:"tripped_by,omitempty"`
	DisengageConfirmations int        `json:"disengage_confirmations"`
}
