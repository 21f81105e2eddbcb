// Package worker implements the Execution Worker: the hot path that
// acquires a task's lock, drives a Strategy over the Tick Bus, persists its
// events and trades, and reports progress back to the Lifecycle Store. The
// goroutine-per-execution, select-on-three-sources loop shape and the
// control flow follow original_source tasks.py::run_trading_task/
// run_backtest_task.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/metrics"
	"github.com/alanyoungcy/forextaskengine/internal/notify"
	"github.com/alanyoungcy/forextaskengine/internal/strategy"
)

// Config bundles the timing knobs the main loop obeys, loaded from
// config.EngineConfig by the caller that constructs a Worker.
type Config struct {
	TickChannel             string // live trading tick channel
	BacktestChannelPrefix   string
	LockTTL                 time.Duration
	HeartbeatInterval       time.Duration
	StatusPollInterval      time.Duration
	TickReceiveTimeout      time.Duration
	StaleAfter              time.Duration
	TradingCheckpointTicks  int
	BacktestCheckpointTicks int
	WorkerName              string
}

// Worker drives a single Execution at a time: one goroutine per Execution,
// no shared mutable state between them.
type Worker struct {
	Tasks           domain.TaskStore
	Executions      domain.ExecutionStore
	StrategyConfigs domain.StrategyConfigStore
	Locks           domain.ExecutionLock
	Metrics         domain.MetricsStore
	Results         domain.ExecutionResultStore
	Bus             domain.TickBus
	Events          domain.EventBus // nil disables WebSocket status fan-out
	Historical      domain.HistoricalTickSource // nil unless backtests are enabled
	Registry        *strategy.Registry
	Notifier        *notify.Notifier // nil disables operator notifications
	Logger          *slog.Logger
	Config          Config
	Now             func() time.Time
}

// notify forwards a terminal-execution event to the configured Notifier, if
// any. A nil Notifier or a delivery failure never affects the execution
// itself: notification is best-effort, same as the EventBus fan-out.
func (w *Worker) notify(ctx context.Context, r *run, event, title, message string) {
	if w.Notifier == nil {
		return
	}
	if err := w.Notifier.Notify(ctx, event, title, message); err != nil {
		r.logger.Warn("notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// eventChannel is the internal/server/ws.Hub channel name dashboard clients
// subscribe to for one Execution's fan-out.
func eventChannel(executionID string) string {
	return "execution:" + executionID
}

// publishEvent fans a small JSON envelope out over the EventBus so
// WebSocket-connected dashboards see it without polling the status API.
// A nil Events (the default) or a publish error is silently ignored: losing
// a live-update frame never fails the execution, since the same data is
// already durably persisted via the Lifecycle Store.
func (w *Worker) publishEvent(ctx context.Context, executionID, kind string, payload any) {
	if w.Events == nil {
		return
	}
	msg, err := json.Marshal(map[string]any{"type": kind, "payload": payload})
	if err != nil {
		return
	}
	_ = w.Events.PublishEvent(ctx, eventChannel(executionID), msg)
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// run is the per-execution state a Worker.Run call threads through startup,
// the main loop, and shutdown. taskName mirrors domain.TaskType as a string
// since it doubles as the lock's taskName field.
type run struct {
	taskType  domain.TaskType
	taskID    string
	taskName  string
	execution *domain.Execution
	token     string
	strat     strategy.Strategy
	state     strategy.State
	processed int
	trades    []*domain.TradeLogEntry
	logger    *slog.Logger
	envelopes <-chan domain.Envelope

	// paused is the worker's last-observed Task.status, used to diff against
	// ControlSignals.PollStatus's pause/resume booleans so OnPause/OnResume
	// fire only on transitions, not on every poll.
	paused bool

	// backtest-only
	startTime, endTime time.Time
	lastTickTS         time.Time
	lastProgress       int
	lastProgressWrite  time.Time
	tickTotal          int64 // set once an eof control record with a count arrives
	haveTickTotal      bool
}

// Run acquires the lock for (taskType, taskID), drives the execution to
// completion, and releases the lock on the way out. executionID is the one
// the Dispatcher allocated; if empty, Run allocates a fresh one itself
// (the enqueue raced past creation).
func (w *Worker) Run(ctx context.Context, taskType domain.TaskType, taskID, executionID string) error {
	taskName := string(taskType)
	logger := w.Logger.With(slog.String("task_type", taskName), slog.String("task_id", taskID))

	token, err := w.Locks.Acquire(ctx, taskName, taskID, w.Config.WorkerName, w.Config.LockTTL)
	if err != nil {
		logger.Warn("lock acquire refused, abandoning execution", slog.String("error", err.Error()))
		return nil
	}

	r := &run{taskType: taskType, taskID: taskID, taskName: taskName, token: token, logger: logger}

	if err := w.startup(ctx, r, executionID); err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		w.failStartup(ctx, r, err)
		_ = w.Locks.Release(ctx, taskName, taskID, token)
		return err
	}

	loopErr := w.mainLoop(ctx, r)
	w.shutdown(ctx, r, loopErr)
	_ = w.Locks.Release(ctx, taskName, taskID, token)
	return loopErr
}

// startup loads the task and strategy config, instantiates the strategy,
// calls OnStart, subscribes to the correct Tick Bus channel, and appends an
// "Execution started" log.
func (w *Worker) startup(ctx context.Context, r *run, executionID string) error {
	var strategyConfigID string

	switch r.taskType {
	case domain.TaskTypeTrading:
		task, err := w.Tasks.GetTradingTask(ctx, r.taskID)
		if err != nil {
			return fmt.Errorf("load trading task: %w", err)
		}
		strategyConfigID = task.StrategyConfigID
		r.state = task.StrategyState
	case domain.TaskTypeBacktest:
		task, err := w.Tasks.GetBacktestTask(ctx, r.taskID)
		if err != nil {
			return fmt.Errorf("load backtest task: %w", err)
		}
		strategyConfigID = task.StrategyConfigID
		r.startTime, r.endTime = task.StartTime, task.EndTime
	}

	cfg, err := w.StrategyConfigs.Get(ctx, strategyConfigID)
	if err != nil {
		return fmt.Errorf("load strategy config: %w", err)
	}

	if executionID != "" {
		exec, err := w.Executions.Get(ctx, executionID)
		if err != nil {
			return fmt.Errorf("load execution %s: %w", executionID, err)
		}
		r.execution = exec
	} else {
		exec, err := w.Executions.AllocateExecution(ctx, r.taskType, r.taskID)
		if err != nil {
			return fmt.Errorf("allocate execution: %w", err)
		}
		r.execution = exec
	}
	r.logger = r.logger.With(slog.String("execution_id", r.execution.ID))

	strat, err := w.Registry.Create(cfg.StrategyType, strategy.Config{Name: cfg.Name, Params: cfg.Parameters})
	if err != nil {
		return fmt.Errorf("instantiate strategy %s: %w", cfg.StrategyType, err)
	}
	r.strat = strat

	state, events, err := strat.OnStart(r.state)
	if err != nil {
		return fmt.Errorf("strategy OnStart: %w", err)
	}
	r.state = state
	w.persistEvents(ctx, r, events, nil)

	channel := w.Config.TickChannel
	if r.taskType == domain.TaskTypeBacktest {
		requestID := uuid.New().String()
		channel = w.Config.BacktestChannelPrefix + requestID
	}
	envCh, err := w.Bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	r.envelopes = envCh

	if r.taskType == domain.TaskTypeBacktest {
		if w.Historical == nil {
			return fmt.Errorf("backtest requires a historical tick source, none configured")
		}
		dataSource := ""
		if task, err := w.Tasks.GetBacktestTask(ctx, r.taskID); err == nil {
			dataSource = task.DataSource
		}
		if err := w.Historical.PublishRange(ctx, dataSource, channel, r.startTime, r.endTime); err != nil {
			return fmt.Errorf("trigger historical replay: %w", err)
		}
	}

	_ = w.Executions.AppendStrategyEvent(ctx, &domain.StrategyEvent{
		ExecutionID: r.execution.ID,
		EventType:   "lifecycle",
		Message:     "Execution started",
	})
	return nil
}

// failStartup finalizes an Execution that never got past startup: logs the
// cause and marks both the Execution and its Task FAILED.
func (w *Worker) failStartup(ctx context.Context, r *run, cause error) {
	if r.execution == nil {
		return
	}
	_ = w.Executions.MarkFailed(ctx, r.execution.ID, cause.Error(), "")
	var statusErr error
	switch r.taskType {
	case domain.TaskTypeTrading:
		statusErr = w.Tasks.UpdateTradingTaskStatus(ctx, r.taskID, domain.TaskStatusFailed)
	case domain.TaskTypeBacktest:
		statusErr = w.Tasks.UpdateBacktestTaskStatus(ctx, r.taskID, domain.TaskStatusFailed)
	}
	if statusErr != nil {
		r.logger.Error("failed to mark task failed after startup error", slog.String("error", statusErr.Error()))
	}
	_ = w.Results.Create(ctx, &domain.ExecutionResult{TaskType: r.taskType, TaskID: r.taskID, Success: false, Summary: cause.Error()})
	w.notify(ctx, r, "execution_failed",
		fmt.Sprintf("%s %s failed to start", r.taskType, r.taskID),
		cause.Error())
}

// persistEvents runs the enrichment rules over freshly-emitted strategy
// events, appends each to the StrategyEvent sink, classifies trade-shaped
// events into the TradeLogEntry sink, and swallows persistence errors with a
// log: losing a log line is preferable to losing the execution.
func (w *Worker) persistEvents(ctx context.Context, r *run, events []strategy.Event, tick *domain.Tick) {
	for _, ev := range events {
		enriched := enrichEvent(ev, tick)

		event := &domain.StrategyEvent{
			ExecutionID: r.execution.ID,
			EventType:   enriched.Type,
			Message:     summarize(enriched),
			Details:     enriched.Details,
		}
		if err := w.Executions.AppendStrategyEvent(ctx, event); err != nil {
			r.logger.Warn("persist strategy event failed", slog.String("error", err.Error()))
		}
		w.publishEvent(ctx, r.execution.ID, "strategy_event", event)

		if trade, ok := tradeLogEntry(enriched, r.execution.ID); ok {
			r.trades = append(r.trades, trade)
			if err := w.Executions.AppendTradeLogEntry(ctx, trade); err != nil {
				r.logger.Warn("persist trade log entry failed", slog.String("error", err.Error()))
			}
		}
	}
}

// checkpoint persists strategy_state (trading only), computes and writes a
// MetricsCheckpoint, and emits a heartbeat — the work done every
// TradingCheckpointTicks/BacktestCheckpointTicks ticks.
func (w *Worker) checkpoint(ctx context.Context, r *run) {
	if r.taskType == domain.TaskTypeTrading {
		if err := w.Tasks.SaveStrategyState(ctx, r.taskID, r.state); err != nil {
			r.logger.Warn("checkpoint: save strategy state failed", slog.String("error", err.Error()))
		}
	}

	snap := w.computeMetrics(r)
	snap.ExecutionID = r.execution.ID
	snap.Kind = domain.MetricsKindCheckpoint
	if err := w.Metrics.SaveCheckpoint(ctx, &snap); err != nil {
		r.logger.Warn("checkpoint: save metrics failed", slog.String("error", err.Error()))
	}

	meta := map[string]any{"processed": r.processed}
	if !r.lastTickTS.IsZero() {
		meta["last_tick_at"] = r.lastTickTS.Format(time.RFC3339Nano)
	}
	if err := w.Locks.Heartbeat(ctx, r.taskName, r.taskID, r.token, domain.LockStatusRunning,
		fmt.Sprintf("processed=%d", r.processed), meta); err != nil {
		r.logger.Warn("checkpoint: heartbeat failed", slog.String("error", err.Error()))
	}
}

// checkpointInterval returns the configured tick interval for r's task type.
func (w *Worker) checkpointInterval(r *run) int {
	if r.taskType == domain.TaskTypeBacktest {
		return w.Config.BacktestCheckpointTicks
	}
	return w.Config.TradingCheckpointTicks
}

// shutdown runs the terminal sequence common to every exit path: OnStop,
// final state persist, final metrics write, terminal status, audit row.
// cause is nil for a clean stop, or the error that ended the main loop.
func (w *Worker) shutdown(ctx context.Context, r *run, cause error) {
	if r.strat != nil {
		state, events, err := r.strat.OnStop(r.state)
		if err != nil {
			r.logger.Warn("strategy OnStop failed", slog.String("error", err.Error()))
		} else {
			r.state = state
			w.persistEvents(ctx, r, events, nil)
		}
	}

	if r.taskType == domain.TaskTypeTrading {
		if err := w.Tasks.SaveStrategyState(ctx, r.taskID, r.state); err != nil {
			r.logger.Warn("shutdown: save strategy state failed", slog.String("error", err.Error()))
		}
	}

	snap := w.computeMetrics(r)
	snap.ExecutionID = r.execution.ID
	snap.Kind = domain.MetricsKindFinal
	if err := w.Metrics.SaveFinal(ctx, &snap); err != nil {
		r.logger.Error("shutdown: save final metrics failed", slog.String("error", err.Error()))
	}
	for i := range snap.EquityCurve {
		point := snap.EquityCurve[i]
		point.ExecutionID = r.execution.ID
		if err := w.Executions.AppendEquityPoint(ctx, &point); err != nil {
			r.logger.Warn("shutdown: persist equity point failed", slog.String("error", err.Error()))
		}
	}

	status, taskStatus := terminalStatus(r, cause)
	switch status {
	case domain.ExecutionStatusCompleted:
		_ = w.Executions.MarkCompleted(ctx, r.execution.ID)
		w.notify(ctx, r, "execution_completed",
			fmt.Sprintf("%s %s completed", r.taskType, r.taskID),
			fmt.Sprintf("execution %s finished after %d ticks", r.execution.ID, r.processed))
	case domain.ExecutionStatusStopped:
		_ = w.Executions.MarkStopped(ctx, r.execution.ID)
	case domain.ExecutionStatusFailed:
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		_ = w.Executions.MarkFailed(ctx, r.execution.ID, msg, "")
		w.notify(ctx, r, "execution_failed",
			fmt.Sprintf("%s %s failed", r.taskType, r.taskID),
			msg)
	}

	var statusErr error
	switch r.taskType {
	case domain.TaskTypeTrading:
		statusErr = w.Tasks.UpdateTradingTaskStatus(ctx, r.taskID, taskStatus)
	case domain.TaskTypeBacktest:
		statusErr = w.Tasks.UpdateBacktestTaskStatus(ctx, r.taskID, taskStatus)
	}
	if statusErr != nil {
		r.logger.Error("shutdown: set task status failed", slog.String("error", statusErr.Error()))
	}

	w.publishEvent(ctx, r.execution.ID, "execution_status", map[string]any{
		"execution_id": r.execution.ID,
		"status":       status,
	})

	summary := fmt.Sprintf("%s: %d trades, %d ticks processed", status, len(r.trades), r.processed)
	_ = w.Results.Create(ctx, &domain.ExecutionResult{
		TaskType: r.taskType,
		TaskID:   r.taskID,
		Success:  status == domain.ExecutionStatusCompleted || status == domain.ExecutionStatusStopped,
		Summary:  summary,
	})
}

// terminalStatus maps the main loop's outcome to the Execution/Task terminal
// statuses, consistently: a stopped loop yields STOPPED on both, a clean
// backtest end yields COMPLETED, anything else is FAILED.
func terminalStatus(r *run, cause error) (domain.ExecutionStatus, domain.TaskStatus) {
	switch {
	case cause == nil:
		if r.taskType == domain.TaskTypeBacktest {
			return domain.ExecutionStatusCompleted, domain.TaskStatusCompleted
		}
		return domain.ExecutionStatusStopped, domain.TaskStatusStopped
	case cause == errStopRequested:
		return domain.ExecutionStatusStopped, domain.TaskStatusStopped
	default:
		return domain.ExecutionStatusFailed, domain.TaskStatusFailed
	}
}

// computeMetrics wraps metrics.Compute with the balance this run started
// from: the backtest task's InitialBalance, or decimal.Zero for trading
// tasks, which have no such field since Account/brokerage balance tracking
// is out of scope here (see DESIGN.md).
func (w *Worker) computeMetrics(r *run) domain.MetricsSnapshot {
	balance := decimal.Zero
	if r.taskType == domain.TaskTypeBacktest {
		if task, err := w.Tasks.GetBacktestTask(context.Background(), r.taskID); err == nil {
			balance = task.InitialBalance
		}
	}
	snap := metrics.Compute(r.trades, balance)
	snap.ComputedAt = w.now()
	return snap
}

// errStopRequested distinguishes a cooperative stop from a genuine failure
// in terminalStatus; the main loop returns it when either stop signal fires.
var errStopRequested = fmt.Errorf("execution stopped by request")
