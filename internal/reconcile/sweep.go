// Package reconcile adds a proactive sweep on top of the Progress & Stale
// Detector: the HTTP status handler reconciles reactively on every read
// (internal/lifecycle.Detector, unchanged); this package additionally
// walks every running task on a cron schedule so a task nobody is polling
// still gets cleaned up.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/lifecycle"
)

// Sweep is one pass of the detector over every currently-running task.
type Sweep struct {
	Detector *lifecycle.Detector
	Tasks    domain.TaskStore
	Logger   *slog.Logger
}

// runOnce reconciles every running trading and backtest task. A single
// task's failure to reconcile is logged and does not stop the sweep from
// continuing to the rest.
func (s *Sweep) runOnce(ctx context.Context) {
	tradingTasks, err := s.Tasks.ListRunningTradingTasks(ctx)
	if err != nil {
		s.Logger.Error("reconcile sweep: list running trading tasks failed", slog.String("error", err.Error()))
	}
	for _, t := range tradingTasks {
		if _, err := s.Detector.ReconcileTrading(ctx, t.ID); err != nil {
			s.Logger.Error("reconcile sweep: trading task failed",
				slog.String("task_id", t.ID), slog.String("error", err.Error()))
		}
	}

	backtestTasks, err := s.Tasks.ListRunningBacktestTasks(ctx)
	if err != nil {
		s.Logger.Error("reconcile sweep: list running backtest tasks failed", slog.String("error", err.Error()))
	}
	for _, t := range backtestTasks {
		if _, err := s.Detector.ReconcileBacktest(ctx, t.ID); err != nil {
			s.Logger.Error("reconcile sweep: backtest task failed",
				slog.String("task_id", t.ID), slog.String("error", err.Error()))
		}
	}
}

// Archive is one pass of the retention sweep: it archives every execution
// child row older than RetentionDays to cold storage via the Archiver.
type Archive struct {
	Archiver       domain.Archiver
	RetentionDays  int
	Logger         *slog.Logger
}

// runOnce archives strategy events, trade log entries, and equity curve
// points older than the retention window. Each kind is independent; one
// failing does not block the others.
func (a *Archive) runOnce(ctx context.Context) {
	before := time.Now().UTC().AddDate(0, 0, -a.RetentionDays)

	if n, err := a.Archiver.ArchiveStrategyEvents(ctx, before); err != nil {
		a.Logger.Error("archive: strategy events failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.Logger.Info("archive: strategy events archived", slog.Int64("count", n))
	}

	if n, err := a.Archiver.ArchiveTradeLog(ctx, before); err != nil {
		a.Logger.Error("archive: trade log failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.Logger.Info("archive: trade log archived", slog.Int64("count", n))
	}

	if n, err := a.Archiver.ArchiveEquityCurve(ctx, before); err != nil {
		a.Logger.Error("archive: equity curve failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.Logger.Info("archive: equity curve archived", slog.Int64("count", n))
	}
}

// Scheduler drives one or more recurring jobs on standard 5-field cron
// expressions, using robfig/cron/v3's own scheduler goroutine rather than
// hand-rolling an interval ticker per job.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates an empty Scheduler; jobs are registered with AddJob
// before Start is called.
func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// AddJob registers fn to run on the given standard cron expression. Returns
// an error if spec does not parse as a standard cron expression.
func (s *Scheduler) AddJob(spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() { fn(context.Background()) })
	return err
}

// AddSweep registers sweep.runOnce on spec.
func (s *Scheduler) AddSweep(spec string, sweep *Sweep) error {
	return s.AddJob(spec, sweep.runOnce)
}

// AddArchive registers archive.runOnce on spec.
func (s *Scheduler) AddArchive(spec string, archive *Archive) error {
	return s.AddJob(spec, archive.runOnce)
}

// Start begins the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight jobs to finish or
// for ctx to be done, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}
