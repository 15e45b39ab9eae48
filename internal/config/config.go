// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	// WorkersJSON overrides the built-in worker set. It is a JSON array of
	// worker definitions; see WorkerDef for the field names.
	WorkersJSON           string  `env:"WORKERS_JSON"`
	DrainGraceSeconds     int     `env:"DRAIN_GRACE_SECONDS"      envDefault:"30"`
	HealthIntervalSeconds int     `env:"HEALTH_INTERVAL_SECONDS"  envDefault:"30"`
	ErrorRateThreshold    float64 `env:"ERROR_RATE_THRESHOLD"     envDefault:"0.5"`

	// ── Maintenance ──────────────────────────────────────────────────────────────
	StaleAfterMinutes          int `env:"STALE_AFTER_MINUTES"          envDefault:"10"`
	MaintenanceIntervalMinutes int `env:"MAINTENANCE_INTERVAL_MINUTES" envDefault:"60"`
	CompletedRetentionHours    int `env:"COMPLETED_RETENTION_HOURS"    envDefault:"168"`
	FailedRetentionHours       int `env:"FAILED_RETENTION_HOURS"       envDefault:"720"`

	// ── Pipeline ─────────────────────────────────────────────────────────────────
	// TempDir is the local staging area shared by the parse/chunk/cleanup handlers.
	TempDir          string `env:"TEMP_DIR"            envDefault:"/tmp/docpipe"`
	ParserServiceURL string `env:"PARSER_SERVICE_URL"`
	EmbedServiceURL  string `env:"EMBED_SERVICE_URL"`
	EmbedBatchSize   int    `env:"EMBED_BATCH_SIZE"    envDefault:"32"`
	CleanupTTLHours  int    `env:"CLEANUP_TTL_HOURS"   envDefault:"24"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// WorkerDef is one worker definition from WORKERS_JSON. Durations are plain
// integers (milliseconds / seconds) so the blob stays shell-friendly.
type WorkerDef struct {
	Name           string `json:"name"`
	Queue          string `json:"queue"`
	Enabled        bool   `json:"enabled"`
	Concurrency    int    `json:"concurrency"`
	PollIntervalMS int    `json:"poll_interval_ms"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxAttempts    int    `json:"max_attempts"`
}

// defaultWorkers covers the six ingestion job types, one worker per type,
// queue name matching the job type.
var defaultWorkers = []WorkerDef{
	{Name: "parse_pdf", Queue: "parse_pdf", Enabled: true, Concurrency: 2, PollIntervalMS: 2000, TimeoutSeconds: 300, MaxAttempts: 3},
	{Name: "parse_markdown", Queue: "parse_markdown", Enabled: true, Concurrency: 4, PollIntervalMS: 2000, TimeoutSeconds: 120, MaxAttempts: 3},
	{Name: "parse_text", Queue: "parse_text", Enabled: true, Concurrency: 4, PollIntervalMS: 2000, TimeoutSeconds: 120, MaxAttempts: 3},
	{Name: "chunk_document", Queue: "chunk_document", Enabled: true, Concurrency: 4, PollIntervalMS: 2000, TimeoutSeconds: 300, MaxAttempts: 3},
	{Name: "embed_chunks", Queue: "embed_chunks", Enabled: true, Concurrency: 2, PollIntervalMS: 2000, TimeoutSeconds: 600, MaxAttempts: 5},
	{Name: "cleanup_temp", Queue: "cleanup_temp", Enabled: true, Concurrency: 1, PollIntervalMS: 30000, TimeoutSeconds: 120, MaxAttempts: 2},
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Workers returns the worker definitions: WORKERS_JSON when set, otherwise
// the built-in default set. An override entry that omits "enabled" counts
// as enabled; disabling a queue takes an explicit false.
func (c *Config) Workers() ([]WorkerDef, error) {
	if c.WorkersJSON == "" {
		return defaultWorkers, nil
	}
	var raw []struct {
		WorkerDef
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal([]byte(c.WorkersJSON), &raw); err != nil {
		return nil, fmt.Errorf("parse WORKERS_JSON: %w", err)
	}
	defs := make([]WorkerDef, len(raw))
	for i, r := range raw {
		defs[i] = r.WorkerDef
		defs[i].Enabled = r.Enabled == nil || *r.Enabled
	}
	return defs, nil
}

// StaleAfter is the age at which a processing job is considered orphaned.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// DrainGrace is the bounded wait for in-flight jobs during shutdown.
func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceSeconds) * time.Second
}
