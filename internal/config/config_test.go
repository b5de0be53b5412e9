package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Reconcile.FailureThreshold != 3 {
		t.Errorf("Expected failure threshold 3, got %d", cfg.Reconcile.FailureThreshold)
	}
	if cfg.Broker.Name != "mock" {
		t.Errorf("Expected mock broker by default, got %q", cfg.Broker.Name)
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
broker:
  name: alpaca
  call_timeout: 5s
reconcile:
  failure_threshold: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Broker.Name != "alpaca" {
		t.Errorf("Expected broker alpaca, got %q", cfg.Broker.Name)
	}
	if cfg.Broker.CallTimeout.Std() != 5*time.Second {
		t.Errorf("Expected 5s call timeout, got %v", cfg.Broker.CallTimeout.Std())
	}
	if cfg.Reconcile.FailureThreshold != 5 {
		t.Errorf("Expected threshold 5, got %d", cfg.Reconcile.FailureThreshold)
	}
	// Untouched knobs keep their defaults.
	if cfg.Broker.PoolWorkers != 4 {
		t.Errorf("Expected default pool workers, got %d", cfg.Broker.PoolWorkers)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("BROKER_NAME", "alpaca")
	t.Setenv("JWT_SECRET", "env-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Broker.Name != "alpaca" {
		t.Errorf("Expected env broker, got %q", cfg.Broker.Name)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("Expected env secret, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
broker:
  call_timeout: not-a-duration
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected parse failure for malformed duration")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
broker:
  pool_workers: 0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected validation failure for zero pool workers")
	}
}

func TestLoad_RejectsZeroRetryAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
broker:
  retry_attempts: 0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected validation failure for zero retry attempts")
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}
