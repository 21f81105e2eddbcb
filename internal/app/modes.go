package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/forextaskengine/internal/dispatch"
	"github.com/alanyoungcy/forextaskengine/internal/reconcile"
	"github.com/alanyoungcy/forextaskengine/internal/server"
	"github.com/alanyoungcy/forextaskengine/internal/server/handler"
	"github.com/alanyoungcy/forextaskengine/internal/server/ws"
	"github.com/alanyoungcy/forextaskengine/internal/worker"
)

// WorkerMode drains the dispatch stream and runs each queued Execution
// through a Worker, up to Engine.MaxConcurrentExecutions at a time.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg.Engine
	w := &worker.Worker{
		Tasks:           deps.Tasks,
		Executions:      deps.Executions,
		StrategyConfigs: deps.StrategyConfigs,
		Locks:           deps.Locks,
		Metrics:         deps.Metrics,
		Results:         deps.Results,
		Bus:             deps.TickBus,
		Events:          deps.Events,
		Historical:      deps.Historical,
		Registry:        deps.Registry,
		Notifier:        deps.Notifier,
		Logger:          a.logger.With(slog.String("component", "worker")),
		Config: worker.Config{
			TickChannel:             cfg.TickChannel,
			LockTTL:                 cfg.LockTTL.Duration,
			HeartbeatInterval:       cfg.HeartbeatInterval.Duration,
			StatusPollInterval:      cfg.StatusPollInterval.Duration,
			TickReceiveTimeout:      cfg.TickReceiveTimeout.Duration,
			StaleAfter:              a.staleAfter(),
			TradingCheckpointTicks:  cfg.CheckpointEveryNTicks,
			BacktestCheckpointTicks: cfg.CheckpointEveryNTicks,
		},
	}

	pool := &dispatch.Pool{
		Queue:         deps.StreamQueue,
		Worker:        w,
		MaxConcurrent: cfg.MaxConcurrentExecutions,
		Logger:        a.logger.With(slog.String("component", "dispatch_pool")),
		Metrics:       deps.Telemetry.Metrics,
	}

	a.logger.InfoContext(ctx, "worker mode started",
		slog.Int("max_concurrent_executions", cfg.MaxConcurrentExecutions))
	return pool.Run(ctx)
}

// ServerMode starts the HTTP control plane and the WebSocket status hub.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	logger := a.logger.With(slog.String("component", "server"))

	taskHandler := handler.NewTaskHandler(deps.Machine, deps.Tasks, deps.Executions, deps.Detector, logger)
	executionHandler := handler.NewExecutionHandler(deps.Executions, deps.Metrics, deps.Detector, logger)
	strategyHandler := handler.NewStrategyConfigHandler(deps.StrategyConfigs, deps.Registry, logger)
	statusHandler := handler.NewStatusHandler(a.cfg.Mode)
	healthHandler := handler.NewHealthHandler(logger)

	hub := ws.NewHub(deps.Events, logger)

	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, server.Handlers{
		Health:         healthHandler,
		Status:         statusHandler,
		Task:           taskHandler,
		Execution:      executionHandler,
		StrategyConfig: strategyHandler,
	}, hub, deps.RateLimiter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server mode: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	logger.InfoContext(ctx, "server mode started", slog.Int("port", a.cfg.Server.Port))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// ReconcileMode runs the proactive stale-task sweep and the cold-storage
// archive pass on their configured cron schedules.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	logger := a.logger.With(slog.String("component", "reconcile"))
	rc := a.cfg.Reconcile

	scheduler := reconcile.NewScheduler()

	if rc.SweepEnabled {
		sweep := &reconcile.Sweep{Detector: deps.Detector, Tasks: deps.Tasks, Logger: logger}
		if err := scheduler.AddSweep(rc.SweepCron, sweep); err != nil {
			return fmt.Errorf("reconcile mode: add sweep job: %w", err)
		}
	}

	if deps.Archiver != nil && rc.ArchiveCron != "" {
		archive := &reconcile.Archive{Archiver: deps.Archiver, RetentionDays: rc.ArchiveRetentionDays, Logger: logger}
		if err := scheduler.AddArchive(rc.ArchiveCron, archive); err != nil {
			return fmt.Errorf("reconcile mode: add archive job: %w", err)
		}
	}

	scheduler.Start()
	logger.InfoContext(ctx, "reconcile mode started",
		slog.Bool("sweep_enabled", rc.SweepEnabled), slog.String("sweep_cron", rc.SweepCron),
		slog.String("archive_cron", rc.ArchiveCron))

	<-ctx.Done()
	scheduler.Stop(context.Background())
	return ctx.Err()
}

// FullMode runs the worker pool, HTTP server, and reconcile scheduler in a
// single process. It exists for small deployments that don't need to scale
// each concern independently.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.WorkerMode(gctx, deps) })
	g.Go(func() error { return a.ServerMode(gctx, deps) })
	g.Go(func() error { return a.ReconcileMode(gctx, deps) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// staleAfter converts Reconcile.StaleAfterSeconds to a time.Duration; the
// worker and the lifecycle state machine must agree on this window so a
// task the worker is actively heartbeating is never reconciled as stale out
// from under it.
func (a *App) staleAfter() time.Duration {
	return time.Duration(a.cfg.Reconcile.StaleAfterSeconds) * time.Second
}
