// Package config loads the execution core's configuration from a YAML file
// with environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written in the
// human-readable form time.ParseDuration accepts, e.g. "30s" or "5m".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level configuration for the execution core.
type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Broker    Broker    `yaml:"broker"`
	Reconcile Reconcile `yaml:"reconcile"`
	Scheduler Scheduler `yaml:"scheduler"`
	Breaker   Breaker   `yaml:"breaker"`
	Auth      Auth      `yaml:"auth"`
	Logging   Logging   `yaml:"logging"`
}

// Server holds network listener configuration.
type Server struct {
	Port int `yaml:"port"`
}

// Storage holds the path of the SQLite ledger.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Broker holds credentials and endpoints for the broker API plus the
// bounded worker pool sizing for blocking broker I/O.
type Broker struct {
	Name           string   `yaml:"name"` // "alpaca" or "mock"
	APIKey         string   `yaml:"api_key"`
	APISecret      string   `yaml:"api_secret"`
	BaseURL        string   `yaml:"base_url"`
	CallTimeout    Duration `yaml:"call_timeout"`
	PoolWorkers    int      `yaml:"pool_workers"`
	PoolQueueSize  int      `yaml:"pool_queue_size"`
	DedupTTL       Duration `yaml:"dedup_ttl"`
	RetryAttempts  int      `yaml:"retry_attempts"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
}

// Reconcile controls the reconciliation service.
type Reconcile struct {
	Interval         Duration `yaml:"interval"`
	Jitter           Duration `yaml:"jitter"`
	StartupAttempts  int      `yaml:"startup_attempts"`
	StartupBaseDelay Duration `yaml:"startup_base_delay"`
	FailureThreshold int      `yaml:"failure_threshold"` // consecutive periodic failures before trip
}

// Scheduler controls TWAP slice execution.
type Scheduler struct {
	DefaultWindow Duration `yaml:"default_window"`
	MaxSlices     int      `yaml:"max_slices"`
}

// Breaker controls the kill switch.
type Breaker struct {
	EngageCooldown Duration `yaml:"engage_cooldown"`
}

// Auth holds the JWT secret and bootstrap operator credentials.
type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a Config with working defaults for every knob. Tests and
// the simulation binary run on defaults alone.
func Default() *Config {
	return &Config{
		Server:  Server{Port: 8080},
		Storage: Storage{SQLitePath: "core.db"},
		Broker: Broker{
			Name:           "mock",
			CallTimeout:    Duration(10 * time.Second),
			PoolWorkers:    4,
			PoolQueueSize:  64,
			DedupTTL:       Duration(24 * time.Hour),
			RetryAttempts:  3,
			RetryBaseDelay: Duration(500 * time.Millisecond),
		},
		Reconcile: Reconcile{
			Interval:         Duration(5 * time.Minute),
			Jitter:           Duration(30 * time.Second),
			StartupAttempts:  5,
			StartupBaseDelay: Duration(time.Second),
			FailureThreshold: 3,
		},
		Scheduler: Scheduler{
			DefaultWindow: Duration(10 * time.Minute),
			MaxSlices:     100,
		},
		Breaker: Breaker{EngageCooldown: Duration(30 * time.Second)},
		Auth:    Auth{JWTSecret: "dev-secret-change-me"},
		Logging: Logging{Level: "info", Pretty: true},
	}
}

// Load reads the YAML configuration file at path, overlays it on the
// defaults, then applies environment variable overrides. An empty path
// returns defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("BROKER_NAME"); v != "" {
		cfg.Broker.Name = v
	}
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("BROKER_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Broker.PoolWorkers <= 0 {
		return fmt.Errorf("broker.pool_workers must be positive, got %d", c.Broker.PoolWorkers)
	}
	if c.Broker.PoolQueueSize <= 0 {
		return fmt.Errorf("broker.pool_queue_size must be positive, got %d", c.Broker.PoolQueueSize)
	}
	if c.Broker.RetryAttempts <= 0 {
		return fmt.Errorf("broker.retry_attempts must be positive, got %d", c.Broker.RetryAttempts)
	}
	if c.Reconcile.FailureThreshold <= 0 {
		return fmt.Errorf("reconcile.failure_threshold must be positive, got %d", c.Reconcile.FailureThreshold)
	}
	if c.Scheduler.MaxSlices <= 0 {
		return fmt.Errorf("scheduler.max_slices must be positive, got %d", c.Scheduler.MaxSlices)
	}
	return nil
}
