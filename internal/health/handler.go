// Package health exposes the operator-facing health surface. The endpoint
// is deliberately honest: a halted system reports halted with its trip
// reason rather than masking the state behind a generic "ok".
package health

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/breaker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/reconcile"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/scheduler"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// GinHandlers contains the health endpoint handler.
type GinHandlers struct {
	breaker    *breaker.Service
	reconciler *reconcile.Service
	scheduler  *scheduler.Service
	pool       *broker.Pool
}

// NewGinHandlers creates the health handler.
func NewGinHandlers(breakerSvc *breaker.Service, reconciler *reconcile.Service, sched *scheduler.Service, pool *broker.Pool) *GinHandlers {
	return &GinHandlers{
		breaker:    breakerSvc,
		reconciler: reconciler,
		scheduler:  sched,
		pool:       pool,
	}
}

// HealthHandler handles GET requests for system health. It returns 503
// while the startup reconciliation has not succeeded, 200 otherwise, even
// when the breaker is open: an intentionally halted system is healthy.
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := types.HealthResponse{
			BreakerStatus:                types.BreakerClosed,
			Ready:                        h.reconciler.Ready(),
			LastStartupReconciliation:    h.reconciler.StartupOutcome(),
			LastPeriodicReconciliationAt: h.reconciler.LastPeriodicAt(),
			ConsecutivePeriodicFailures:  h.reconciler.ConsecutiveFailures(),
			PendingZombieSlices:          h.scheduler.ZombieSliceCount(),
			BrokerPoolQueueDepth:         h.pool.QueueDepth(),
		}
		if h.breaker.IsOpen() {
			resp.BreakerStatus = types.BreakerOpen
			resp.TripReason = h.breaker.TripReason()
		}

		status := http.StatusOK
		if !resp.Ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, resp)
	}
}
