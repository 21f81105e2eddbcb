// Package config defines the top-level configuration for the task engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TASKENGINE_* environment
// variables.
type Config struct {
	Postgres      PostgresConfig      `toml:"postgres"`
	Redis         RedisConfig         `toml:"redis"`
	S3            S3Config            `toml:"s3"`
	Engine        EngineConfig        `toml:"engine"`
	Reconcile     ReconcileConfig     `toml:"reconcile"`
	Server        ServerConfig        `toml:"server"`
	Notify        NotifyConfig        `toml:"notify"`
	Observability ObservabilityConfig `toml:"observability"`
	Mode          string              `toml:"mode"`
	LogLevel      string              `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters, used by the
// execution archiver to move old append-only rows to cold storage.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds task-engine worker-pool and timing parameters.
type EngineConfig struct {
	TickChannel            string   `toml:"tick_channel"`
	MaxConcurrentExecutions int     `toml:"max_concurrent_executions"`
	LockTTL                 duration `toml:"lock_ttl"`
	HeartbeatInterval       duration `toml:"heartbeat_interval"`
	StopCheckInterval       duration `toml:"stop_check_interval"`
	StatusPollInterval      duration `toml:"status_poll_interval"`
	TickReceiveTimeout      duration `toml:"tick_receive_timeout"`
	CheckpointEveryNTicks   int      `toml:"checkpoint_every_n_ticks"`
	InitialBalanceDefault   string   `toml:"initial_balance_default"`
}

// ReconcileConfig holds parameters for the Progress & Stale Detector and
// its proactive sweep. StartupGraceSeconds and StartupTimeoutSeconds are
// validated here but not read by lifecycle.Detector, which uses its own
// fixed 30s grace period and 120s startup timeout.
type ReconcileConfig struct {
	StartupGraceSeconds   int    `toml:"startup_grace_seconds"`
	StartupTimeoutSeconds int    `toml:"startup_timeout_seconds"`
	StaleAfterSeconds     int    `toml:"stale_after_seconds"`
	SweepEnabled          bool   `toml:"sweep_enabled"`
	SweepCron             string `toml:"sweep_cron"`
	ArchiveRetentionDays  int    `toml:"archive_retention_days"`
	ArchiveCron           string `toml:"archive_cron"`
}

// duration wraps time.Duration so it can be decoded from TOML string values
// like "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP control-plane parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKey             string   `toml:"api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ObservabilityConfig selects the OpenTelemetry metrics exporter.
type ObservabilityConfig struct {
	Enabled      bool   `toml:"enabled"`
	Exporter     string `toml:"exporter"` // "stdout" or "otlp"
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "taskengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "taskengine-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			TickChannel:             "ticks:live",
			MaxConcurrentExecutions: 32,
			LockTTL:                 duration{30 * time.Second},
			HeartbeatInterval:       duration{5 * time.Second},
			StopCheckInterval:       duration{2 * time.Second},
			StatusPollInterval:      duration{2 * time.Second},
			TickReceiveTimeout:      duration{1 * time.Second},
			CheckpointEveryNTicks:   50,
			InitialBalanceDefault:   "10000",
		},
		Reconcile: ReconcileConfig{
			StartupGraceSeconds:   30,
			StartupTimeoutSeconds: 120,
			StaleAfterSeconds:     15,
			SweepEnabled:          true,
			SweepCron:             "*/1 * * * *",
			ArchiveRetentionDays:  90,
			ArchiveCron:           "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000"},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"execution_failed", "execution_completed"},
		},
		Observability: ObservabilityConfig{
			Enabled:     true,
			Exporter:    "stdout",
			ServiceName: "taskengine",
		},
		Mode:     "worker",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"worker":    true,
	"server":    true,
	"reconcile": true,
	"full":      true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: worker, server, reconcile, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Mode == "full" || c.Mode == "reconcile" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if c.Engine.MaxConcurrentExecutions < 1 {
		errs = append(errs, "engine: max_concurrent_executions must be >= 1")
	}
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0")
	}
	if c.Engine.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "engine: heartbeat_interval must be > 0")
	}
	if c.Engine.HeartbeatInterval.Duration >= c.Engine.LockTTL.Duration {
		errs = append(errs, "engine: heartbeat_interval must be less than lock_ttl")
	}

	if c.Reconcile.StaleAfterSeconds <= 0 {
		errs = append(errs, "reconcile: stale_after_seconds must be > 0")
	}
	if c.Reconcile.StartupTimeoutSeconds <= c.Reconcile.StartupGraceSeconds {
		errs = append(errs, "reconcile: startup_timeout_seconds must exceed startup_grace_seconds")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMinute < 0 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
