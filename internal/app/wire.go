package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/forextaskengine/internal/blob/s3"
	"github.com/alanyoungcy/forextaskengine/internal/cache/redis"
	"github.com/alanyoungcy/forextaskengine/internal/config"
	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/dispatch"
	"github.com/alanyoungcy/forextaskengine/internal/lifecycle"
	"github.com/alanyoungcy/forextaskengine/internal/notify"
	"github.com/alanyoungcy/forextaskengine/internal/observability"
	"github.com/alanyoungcy/forextaskengine/internal/replay"
	"github.com/alanyoungcy/forextaskengine/internal/store/postgres"
	"github.com/alanyoungcy/forextaskengine/internal/strategy"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Tasks           domain.TaskStore
	Executions      domain.ExecutionStore
	StrategyConfigs domain.StrategyConfigStore
	Metrics         domain.MetricsStore
	Results         domain.ExecutionResultStore
	TickData        domain.TickDataStore

	// Redis-backed
	Locks       domain.ExecutionLock
	TickBus     domain.TickBus
	StreamQueue domain.StreamQueue
	Events      domain.EventBus
	RateLimiter domain.RateLimiter

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Higher-level services built on the above
	Registry   *strategy.Registry
	Dispatch   domain.Dispatcher
	Machine    *lifecycle.StateMachine
	Detector   *lifecycle.Detector
	Historical domain.HistoricalTickSource

	// Notifications
	Notifier *notify.Notifier

	// Telemetry
	Telemetry *observability.Provider
}

// needsS3 returns true for modes that archive execution history to cold
// storage.
func needsS3(mode string) bool {
	switch mode {
	case "reconcile", "full":
		return true
	default:
		return false
	}
}

// newStrategyRegistry registers every built-in strategy type. Deployments
// that need custom strategies register additional factories on the
// returned Registry before it is handed to the worker.
func newStrategyRegistry() *strategy.Registry {
	reg := strategy.NewRegistry()
	reg.Register("moving_average_crossover", strategy.NewMovingAverageCrossover, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fast_period": map[string]any{"type": "integer", "default": 5},
			"slow_period": map[string]any{"type": "integer", "default": 20},
			"size_units":  map[string]any{"type": "string", "default": "1000"},
		},
	})
	return reg
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL: every mode reads or writes task/execution state. ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Tasks = postgres.NewTaskStore(pool)
	deps.Executions = postgres.NewExecutionStore(pool)
	deps.StrategyConfigs = postgres.NewStrategyConfigStore(pool)
	deps.Metrics = postgres.NewMetricsStore(pool)
	deps.Results = postgres.NewResultStore(pool)
	deps.TickData = postgres.NewTickDataStore(pool)

	// --- Redis: the Tick Bus, Lock Manager, and Rate Limiter all share one
	// connection since they are cheap, high-frequency operations. ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	streamMaxLen := int64(cfg.Redis.StreamMaxLen)
	tickBus := redis.NewTickBus(redisClient, streamMaxLen)
	deps.TickBus = tickBus
	deps.StreamQueue = tickBus
	deps.Events = tickBus
	deps.Locks = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- S3 blob storage: only modes that run the archive sweep need it. ---
	if needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.Executions,
			deps.Executions,
			deps.Executions,
			logger,
		)
	}

	// --- Strategy registry and historical tick replay. ---
	deps.Registry = newStrategyRegistry()
	deps.Historical = replay.NewSource(deps.TickData, deps.TickBus, logger)

	// --- Dispatcher: the control plane's enqueue front-end. ---
	deps.Dispatch = &dispatch.Dispatcher{
		Queue:  deps.StreamQueue,
		Logger: logger,
	}

	// --- Lifecycle: the control-plane state machine and its reconciler. ---
	staleAfter := time.Duration(cfg.Reconcile.StaleAfterSeconds) * time.Second
	deps.Machine = &lifecycle.StateMachine{
		Tasks:           deps.Tasks,
		Executions:      deps.Executions,
		Locks:           deps.Locks,
		StrategyConfigs: deps.StrategyConfigs,
		Dispatch:        deps.Dispatch,
		StaleAfter:      staleAfter,
	}
	deps.Detector = &lifecycle.Detector{
		Tasks:      deps.Tasks,
		Executions: deps.Executions,
		Locks:      deps.Locks,
		StaleAfter: staleAfter,
		Logger:     logger,
	}

	// --- Notifications (wired into the Detector below, once constructed). ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Detector.Notifier = deps.Notifier

	// --- Telemetry. ---
	telemetry, err := observability.Init(ctx, observability.Config{
		Enabled:      cfg.Observability.Enabled,
		Exporter:     cfg.Observability.Exporter,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		ServiceName:  cfg.Observability.ServiceName,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: observability: %w", err)
	}
	closers = append(closers, func() { _ = telemetry.Shutdown(context.Background()) })
	deps.Telemetry = telemetry

	return deps, cleanup, nil
}
