// Package audit records safety-relevant transitions (breaker trips,
// disengage confirmations, degraded orders) to an append-only sink. Sink
// outages never block the transition being recorded: the event is parked
// in a local fallback queue and redelivered by a background flusher.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Sink is the external append-only audit destination.
type Sink interface {
	Append(event *types.AuditEvent) error
}

// Recorder delivers audit events to a Sink with a bounded local fallback
// queue for sink outages.
type Recorder struct {
	sink Sink

	mu      sync.Mutex
	pending []*types.AuditEvent
	maxQ    int
}

// NewRecorder creates a Recorder. maxQueue bounds the fallback queue; when
// it overflows the oldest undelivered event is dropped and logged, never
// the transition itself.
func NewRecorder(sink Sink, maxQueue int) *Recorder {
	if maxQueue <= 0 {
		maxQueue = 1024
	}
	return &Recorder{sink: sink, maxQ: maxQueue}
}

// Record delivers an audit event, falling back to the local queue when the
// sink is unavailable. It never returns an error: audit delivery is
// asynchronous by contract and must not block or fail the caller's
// transition.
func (r *Recorder) Record(action, operatorID, reason string) {
	event := &types.AuditEvent{
		EventID:    uuid.New().String(),
		Action:     action,
		OperatorID: operatorID,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}

	if err := r.sink.Append(event); err != nil {
		log.Warn().
			Err(err).
			Str("component", "audit").
			Str("action", action).
			Msg("audit sink unavailable, queueing event locally")
		r.enqueue(event)
		return
	}
	event.Delivered = true
}

func (r *Recorder) enqueue(event *types.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) >= r.maxQ {
		dropped := r.pending[0]
		r.pending = r.pending[1:]
		log.Error().
			Str("component", "audit").
			Str("event_id", dropped.EventID).
			Msg("audit fallback queue full, dropping oldest event")
	}
	r.pending = append(r.pending, event)
}

// PendingCount returns the number of events awaiting redelivery.
func (r *Recorder) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush attempts to redeliver every queued event, stopping at the first
// failure so ordering is preserved. It returns the number delivered.
func (r *Recorder) Flush() int {
	r.mu.Lock()
	queued := r.pending
	r.pending = nil
	r.mu.Unlock()

	delivered := 0
	for i, event := range queued {
		if err := r.sink.Append(event); err != nil {
			// Put the rest back in order, ahead of anything queued since.
			r.mu.Lock()
			r.pending = append(queued[i:], r.pending...)
			r.mu.Unlock()
			return delivered
		}
		event.Delivered = true
		delivered++
	}
	return delivered
}

// StartFlusher runs Flush on the given interval until ctx ends.
func (r *Recorder) StartFlusher(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "audit_flusher").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Int("undelivered", r.PendingCount()).Msg("shutting down audit flusher")
			return
		case <-ticker.C:
			if r.PendingCount() == 0 {
				continue
			}
			if n := r.Flush(); n > 0 {
				logger.Info().Int("delivered", n).Msg("redelivered queued audit events")
			}
		}
	}
}
