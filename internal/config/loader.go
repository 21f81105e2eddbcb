package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TASKENGINE_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TASKENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TASKENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TASKENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TASKENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TASKENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TASKENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TASKENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TASKENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TASKENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TASKENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TASKENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TASKENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TASKENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TASKENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TASKENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TASKENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TASKENGINE_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "TASKENGINE_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TASKENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TASKENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "TASKENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TASKENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TASKENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TASKENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TASKENGINE_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setStr(&cfg.Engine.TickChannel, "TASKENGINE_TICK_CHANNEL")
	setInt(&cfg.Engine.MaxConcurrentExecutions, "TASKENGINE_MAX_CONCURRENT_EXECUTIONS")
	setDuration(&cfg.Engine.LockTTL, "TASKENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.HeartbeatInterval, "TASKENGINE_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Engine.StopCheckInterval, "TASKENGINE_STOP_CHECK_INTERVAL")
	setDuration(&cfg.Engine.StatusPollInterval, "TASKENGINE_STATUS_POLL_INTERVAL")
	setDuration(&cfg.Engine.TickReceiveTimeout, "TASKENGINE_TICK_RECEIVE_TIMEOUT")
	setInt(&cfg.Engine.CheckpointEveryNTicks, "TASKENGINE_CHECKPOINT_EVERY_N_TICKS")
	setStr(&cfg.Engine.InitialBalanceDefault, "TASKENGINE_INITIAL_BALANCE_DEFAULT")

	// ── Reconcile ──
	setInt(&cfg.Reconcile.StartupGraceSeconds, "TASKENGINE_STARTUP_GRACE_SECONDS")
	setInt(&cfg.Reconcile.StartupTimeoutSeconds, "TASKENGINE_STARTUP_TIMEOUT_SECONDS")
	setInt(&cfg.Reconcile.StaleAfterSeconds, "TASKENGINE_STALE_AFTER_SECONDS")
	setBool(&cfg.Reconcile.SweepEnabled, "TASKENGINE_SWEEP_ENABLED")
	setStr(&cfg.Reconcile.SweepCron, "TASKENGINE_SWEEP_CRON")
	setInt(&cfg.Reconcile.ArchiveRetentionDays, "TASKENGINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Reconcile.ArchiveCron, "TASKENGINE_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TASKENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TASKENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TASKENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TASKENGINE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "TASKENGINE_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TASKENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TASKENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TASKENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TASKENGINE_NOTIFY_EVENTS")

	// ── Observability ──
	setBool(&cfg.Observability.Enabled, "TASKENGINE_OBSERVABILITY_ENABLED")
	setStr(&cfg.Observability.Exporter, "TASKENGINE_OBSERVABILITY_EXPORTER")
	setStr(&cfg.Observability.OTLPEndpoint, "TASKENGINE_OBSERVABILITY_OTLP_ENDPOINT")
	setStr(&cfg.Observability.ServiceName, "TASKENGINE_OBSERVABILITY_SERVICE_NAME")

	// ── Top-level ──
	setStr(&cfg.Mode, "TASKENGINE_MODE")
	setStr(&cfg.LogLevel, "TASKENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
