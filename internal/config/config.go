// Package config loads agent configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full agent configuration.
type Config struct {
	// Session/API layer
	APIBaseURL      string   `env:"CONCORD_API_URL,required"`
	APIToken        string   `env:"CONCORD_API_TOKEN,required"`
	StreamEndpoints []string `env:"CONCORD_STREAM_ENDPOINTS,required" envSeparator:","`
	StreamCompress  bool     `env:"CONCORD_STREAM_COMPRESS" envDefault:"false"`

	// Servers to sync, comma-separated IDs
	Servers []string `env:"CONCORD_SERVERS,required" envSeparator:","`

	// Sync engine
	MutedRoleName     string        `env:"CONCORD_MUTED_ROLE" envDefault:"Muted"`
	ReconcileInterval time.Duration `env:"CONCORD_RECONCILE_INTERVAL" envDefault:"60s"`
	CallTimeout       time.Duration `env:"CONCORD_CALL_TIMEOUT" envDefault:"10s"`

	// Storage
	DBPath      string `env:"CONCORD_DB_PATH" envDefault:"concord.db"`
	AuditDBPath string `env:"CONCORD_AUDIT_DB_PATH" envDefault:"concord-audit.db"`

	// Status webhook, disabled when empty
	StatusWebhookURL string `env:"CONCORD_STATUS_WEBHOOK" envDefault:""`

	// Observability
	MetricsAddr    string `env:"CONCORD_METRICS_ADDR" envDefault:":9190"`
	TracingEnabled bool   `env:"CONCORD_TRACING" envDefault:"false"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.ReconcileInterval <= 0 {
		return Config{}, fmt.Errorf("reconcile interval must be positive, got %s", cfg.ReconcileInterval)
	}
	if cfg.CallTimeout <= 0 {
		return Config{}, fmt.Errorf("call timeout must be positive, got %s", cfg.CallTimeout)
	}
	if len(cfg.Servers) == 0 {
		return Config{}, fmt.Errorf("at least one server must be configured")
	}

	return cfg, nil
}
