// Simulation drives the execution core end to end against the mock broker:
// a sliced order worked across a compressed window, a kill-switch cycle
// with dual-control disengage, and an audit-sink outage with recovery. It
// runs fully in-process with a throwaway ledger.
package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/audit"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/breaker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/database"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/reconcile"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/scheduler"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/trading"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// flakySink wraps the database sink with a switchable failure mode, used
// to simulate an audit store outage.
type flakySink struct {
	inner *audit.DatabaseSink
	down  bool
}

func (s *flakySink) Append(event *types.AuditEvent) error {
	if s.down {
		return errors.New("audit sink unavailable")
	}
	return s.inner.Append(event)
}

func main() {
	dir, err := os.MkdirTemp("", "execution-core-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create temp dir")
	}
	defer os.RemoveAll(dir)

	db, err := database.NewDatabase(filepath.Join(dir, "sim.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate ledger")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &flakySink{inner: audit.NewDatabaseSink(db)}
	recorder := audit.NewRecorder(sink, 128)

	breakerService := breaker.NewService(db, recorder, time.Second)

	mock := broker.NewMockBroker()
	cache := broker.NewDedupCache(time.Hour)
	defer cache.Close()
	pool := broker.NewPool(4, 64)
	defer pool.Close()
	tradeBroker := broker.WithPool(broker.WithDedup(mock, cache), pool)

	reconciler := reconcile.NewService(db, tradeBroker, breakerService, reconcile.Config{
		Interval:         time.Minute,
		Jitter:           0,
		StartupAttempts:  3,
		StartupBaseDelay: 100 * time.Millisecond,
		FailureThreshold: 3,
	})
	if err := reconciler.RunStartup(ctx); err != nil {
		log.Fatal().Err(err).Msg("Startup reconciliation failed")
	}

	schedulerService := scheduler.NewService(db, tradeBroker, breakerService, reconciler, scheduler.Config{
		RetryAttempts:  3,
		RetryBaseDelay: 50 * time.Millisecond,
	})
	schedulerService.Start(ctx)

	tradingService := trading.NewService(db, tradeBroker, breakerService, reconciler, schedulerService, trading.Config{
		MaxSlices:      100,
		DefaultWindow:  time.Minute,
		RetryAttempts:  3,
		RetryBaseDelay: 50 * time.Millisecond,
	})

	runSlicedOrder(ctx, tradingService, schedulerService, mock)
	runKillSwitchCycle(ctx, tradingService, breakerService, sink, recorder)

	schedulerService.Wait()
	log.Info().Msg("Simulation complete")
}

// runSlicedOrder works 101 shares across 4 slices over a 3 second window
// and reports the per-slice outcome. The odd lot exercises remainder
// distribution.
func runSlicedOrder(ctx context.Context, tradingService *trading.Service, schedulerService *scheduler.Service, mock *broker.MockBroker) {
	log.Info().Msg("--- Scenario 1: sliced order ---")

	order, err := tradingService.SubmitOrder(ctx, "sim-client", "sim-sliced-1", trading.SubmitOrderRequest{
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      101,
		SliceCount:    4,
		WindowSeconds: 3,
		StrategyID:    "sim-twap",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Sliced order rejected")
	}
	log.Info().Str("order_id", order.OrderID).Msg("Sliced order accepted, waiting for window")

	// Replay: the same idempotency key must return the same order, not a
	// second hundred-share position.
	replay, err := tradingService.SubmitOrder(ctx, "sim-client", "sim-sliced-1", trading.SubmitOrderRequest{
		Symbol: "AAPL", Side: types.SideBuy, Quantity: 101, SliceCount: 4,
	})
	if err != nil || replay.OrderID != order.OrderID {
		log.Fatal().Err(err).Msg("Idempotent replay returned a different order")
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		final, _, err := tradingService.GetOrder(order.OrderID, "sim-client")
		if err != nil {
			log.Fatal().Err(err).Msg("Order lookup failed")
		}
		if final.Status == types.OrderStatusFilled {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	final, slices, err := tradingService.GetOrder(order.OrderID, "sim-client")
	if err != nil {
		log.Fatal().Err(err).Msg("Order lookup failed")
	}
	var total int64
	for _, s := range slices {
		total += s.Quantity
		log.Info().Int("index", s.SliceIndex).Int64("qty", s.Quantity).Str("status", s.Status).Msg("Slice")
	}
	log.Info().
		Str("status", final.Status).
		Int64("filled", final.FilledQuantity).
		Int64("slice_total", total).
		Int("broker_submits", mock.SubmitCalls).
		Msg("Sliced order result")
	if total != 101 {
		log.Fatal().Int64("total", total).Msg("Slice quantities do not sum to parent quantity")
	}
}

// runKillSwitchCycle engages the kill switch while the audit sink is down,
// verifies the halt wins anyway, then walks the dual-control disengage and
// confirms the queued audit events land once the sink recovers.
func runKillSwitchCycle(ctx context.Context, tradingService *trading.Service, breakerService *breaker.Service, sink *flakySink, recorder *audit.Recorder) {
	log.Info().Msg("--- Scenario 2: kill switch with audit outage ---")

	sink.down = true
	if err := breakerService.Engage("simulated volatility spike", "operator-1"); err != nil {
		log.Fatal().Err(err).Msg("Engage failed")
	}
	log.Info().Int("queued_audit_events", recorder.PendingCount()).Msg("Kill switch engaged with audit sink down")

	_, err := tradingService.SubmitOrder(ctx, "sim-client", "", trading.SubmitOrderRequest{
		Symbol: "MSFT", Side: types.SideBuy, Quantity: 10,
	})
	var halted *types.CircuitBreakerOpenError
	if !errors.As(err, &halted) {
		log.Fatal().Err(err).Msg("Expected halted rejection while breaker open")
	}
	log.Info().Str("rejection", halted.Error()).Msg("Order intake rejected as expected")

	first, err := breakerService.ConfirmDisengage("operator-1")
	if err != nil {
		log.Fatal().Err(err).Msg("First confirmation failed")
	}
	if first.Status != types.BreakerOpen {
		log.Fatal().Str("status", first.Status).Msg("One confirmation must not resume trading")
	}
	log.Info().Int("confirmations", first.DisengageConfirmations).Msg("First confirmation recorded, trading still halted")
	if _, err := breakerService.ConfirmDisengage("operator-1"); !errors.Is(err, breaker.ErrSameOperator) {
		log.Fatal().Err(err).Msg("Same operator confirming twice should be refused")
	}
	state, err := breakerService.ConfirmDisengage("operator-2")
	if err != nil {
		log.Fatal().Err(err).Msg("Second confirmation failed")
	}
	log.Info().Str("status", state.Status).Msg("Kill switch disengaged by two operators")

	sink.down = false
	flushed := recorder.Flush()
	log.Info().Int("flushed", flushed).Int("still_pending", recorder.PendingCount()).Msg("Audit sink recovered")

	order, err := tradingService.SubmitOrder(ctx, "sim-client", "", trading.SubmitOrderRequest{
		Symbol: "MSFT", Side: types.SideBuy, Quantity: 10,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Order after disengage failed")
	}
	log.Info().Str("order_id", order.OrderID).Str("status", order.Status).Msg("Trading resumed")
}
