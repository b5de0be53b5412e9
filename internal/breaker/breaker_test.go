package breaker

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/audit"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/database"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := newTestDB(t)
	recorder := audit.NewRecorder(audit.NewDatabaseSink(db), 16)
	return NewService(db, recorder, time.Hour)
}

func TestService_StartsClosed(t *testing.T) {
	s := newTestService(t)
	if s.IsOpen() {
		t.Error("Fresh breaker should be closed")
	}
}

func TestTrip_OpensWithReason(t *testing.T) {
	s := newTestService(t)

	if err := s.Trip("volatility breach", "risk-module"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}
	if !s.IsOpen() {
		t.Fatal("Breaker should be open after trip")
	}
	if s.TripReason() != "volatility breach" {
		t.Errorf("Expected trip reason preserved, got %q", s.TripReason())
	}

	state, err := s.State()
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.TrippedBy != "risk-module" {
		t.Errorf("Expected tripped_by risk-module, got %q", state.TrippedBy)
	}
	if state.TrippedAt == nil {
		t.Error("Expected tripped_at to be set")
	}
}

func TestTrip_IdempotentKeepsOriginalReason(t *testing.T) {
	s := newTestService(t)

	if err := s.Trip("first reason", "op-a"); err != nil {
		t.Fatalf("First trip failed: %v", err)
	}
	if err := s.Trip("second reason", "op-b"); err != nil {
		t.Fatalf("Repeat trip should be a no-op, got %v", err)
	}
	if s.TripReason() != "first reason" {
		t.Errorf("Repeat trip must preserve the original reason, got %q", s.TripReason())
	}
}

func TestConfirmDisengage_RequiresTwoDistinctOperators(t *testing.T) {
	s := newTestService(t)
	if err := s.Trip("manual", "operator-1"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}

	state, err := s.ConfirmDisengage("operator-1")
	if err != nil {
		t.Fatalf("First confirmation failed: %v", err)
	}
	if state.Status != types.BreakerOpen {
		t.Fatal("One confirmation must not close the breaker")
	}
	if state.DisengageConfirmations != 1 {
		t.Errorf("Expected 1 confirmation recorded, got %d", state.DisengageConfirmations)
	}
	if s.IsOpen() != true {
		t.Error("Trading must stay halted after a single confirmation")
	}

	if _, err := s.ConfirmDisengage("operator-1"); !errors.Is(err, ErrSameOperator) {
		t.Fatalf("Same operator confirming twice must be refused, got %v", err)
	}

	state, err = s.ConfirmDisengage("operator-2")
	if err != nil {
		t.Fatalf("Second confirmation failed: %v", err)
	}
	if state.Status != types.BreakerClosed {
		t.Errorf("Expected breaker closed after dual confirmation, got %s", state.Status)
	}
	if s.IsOpen() {
		t.Error("Trading should resume after dual confirmation")
	}
}

func TestConfirmDisengage_WhileClosed(t *testing.T) {
	s := newTestService(t)
	if _, err := s.ConfirmDisengage("operator-1"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen on a closed breaker, got %v", err)
	}
}

func TestDisengage_ResetsForNextTrip(t *testing.T) {
	s := newTestService(t)
	if err := s.Trip("first halt", "op"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}
	if _, err := s.ConfirmDisengage("operator-1"); err != nil {
		t.Fatalf("First confirmation failed: %v", err)
	}
	if _, err := s.ConfirmDisengage("operator-2"); err != nil {
		t.Fatalf("Second confirmation failed: %v", err)
	}

	// A later trip has to start the dual-control sequence from scratch.
	if err := s.Trip("second halt", "op"); err != nil {
		t.Fatalf("Second trip failed: %v", err)
	}
	state, err := s.State()
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.DisengageConfirmations != 0 {
		t.Errorf("New trip must reset confirmations, got %d", state.DisengageConfirmations)
	}
	if state.FirstConfirmBy != "" {
		t.Errorf("New trip must clear first confirmer, got %q", state.FirstConfirmBy)
	}
}

func TestEngage_Cooldown(t *testing.T) {
	s := newTestService(t)

	if err := s.Engage("spike", "operator-1"); err != nil {
		t.Fatalf("First engage failed: %v", err)
	}
	if err := s.Engage("spike again", "operator-1"); !errors.Is(err, ErrEngageCooldown) {
		t.Errorf("Expected ErrEngageCooldown inside the window, got %v", err)
	}
	// Halted either way.
	if !s.IsOpen() {
		t.Error("Breaker should be open")
	}
}

func TestIsOpen_FailsClosedWithoutState(t *testing.T) {
	// No migration: the state table does not exist, so the breaker cannot
	// read its state and must report open.
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "bare.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	recorder := audit.NewRecorder(audit.NewDatabaseSink(db), 16)
	s := NewService(db, recorder, time.Hour)

	if !s.IsOpen() {
		t.Error("Unreadable breaker state must report open, never closed")
	}
	if s.TripReason() == "" {
		t.Error("Fail-closed gate should carry an explanatory reason")
	}
}

func TestTrip_RecordsAuditEvent(t *testing.T) {
	db := newTestDB(t)
	recorder := audit.NewRecorder(audit.NewDatabaseSink(db), 16)
	s := NewService(db, recorder, time.Hour)

	if err := s.Trip("audit me", "operator-1"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}

	var events []types.AuditEvent
	if err := db.Find(&events).Error; err != nil {
		t.Fatalf("listing audit events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 audit event, got %d", len(events))
	}
	if events[0].Action != "breaker_trip" || events[0].Reason != "audit me" {
		t.Errorf("Unexpected audit event: %+v", events[0])
	}
}
