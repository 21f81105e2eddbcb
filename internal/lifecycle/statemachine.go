// Package lifecycle implements the Task State Machine and the
// Progress & Stale Detector: the control-plane guard logic that
// validates requests and coordinates Task/Execution/Lock mutations, plus
// the read-time reconciliation that notices a worker that died without
// cleaning up after itself.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// StateMachine validates control-plane requests (start/stop/pause/resume/
// restart) and coordinates the Task, Execution, and Lock stores to carry
// them out, grounded in original_source's trading_actions.py view-layer
// guard logic (lock check -> one-active-per-account check -> status
// transition -> execution allocation) restructured as an injectable Go
// service instead of Django ORM calls bound to a request.
type StateMachine struct {
	Tasks           domain.TaskStore
	Executions      domain.ExecutionStore
	Locks           domain.ExecutionLock
	StrategyConfigs domain.StrategyConfigStore
	Dispatch        domain.Dispatcher
	StaleAfter      time.Duration
	// Now is overridable for tests; defaults to time.Now().UTC().
	Now func() time.Time
}

func (m *StateMachine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *StateMachine) validateStrategyConfig(ctx context.Context, strategyConfigID string) error {
	if _, err := m.StrategyConfigs.Get(ctx, strategyConfigID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: strategy config %s not found", domain.ErrValidation, strategyConfigID)
		}
		return err
	}
	return nil
}

// cleanStaleLock releases a lock found stale during a guard check; it does
// not change the task status — mirrors trading_actions.py's "Cleaning up
// stale lock" branches in Start/Resume.
func (m *StateMachine) cleanStaleLock(ctx context.Context, taskType domain.TaskType, taskID string, info *domain.LockInfo) error {
	if err := m.Locks.Release(ctx, string(taskType), taskID, info.Token); err != nil {
		return fmt.Errorf("release stale lock: %w", err)
	}
	return nil
}

// StartTrading transitions a trading task from any non-RUNNING status into
// RUNNING, enforcing the active-lock guard, the one-active-per-account
// guard, and strategy config validity, then allocates a fresh Execution and
// hands it to the dispatcher.
func (m *StateMachine) StartTrading(ctx context.Context, taskID string) (*domain.Execution, error) {
	task, err := m.Tasks.GetTradingTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == domain.TaskStatusRunning {
		return nil, fmt.Errorf("%w: task is already running", domain.ErrStateConflict)
	}

	info, ok, err := m.Locks.GetInfo(ctx, string(domain.TaskTypeTrading), taskID, m.StaleAfter)
	if err != nil {
		return nil, err
	}
	if ok {
		if !info.IsStale {
			return nil, fmt.Errorf("%w: execution lock held by %s", domain.ErrLockHeld, info.Worker)
		}
		if err := m.cleanStaleLock(ctx, domain.TaskTypeTrading, taskID, info); err != nil {
			return nil, err
		}
		if task.Status == domain.TaskStatusRunning {
			if err := m.Tasks.UpdateTradingTaskStatus(ctx, taskID, domain.TaskStatusStopped); err != nil {
				return nil, err
			}
		}
	}

	if err := m.validateStrategyConfig(ctx, task.StrategyConfigID); err != nil {
		return nil, err
	}
	if err := m.guardOneActivePerAccount(ctx, task.AccountID, task.ID); err != nil {
		return nil, err
	}

	if err := m.Tasks.UpdateTradingTaskStatus(ctx, taskID, domain.TaskStatusRunning); err != nil {
		return nil, err
	}
	return m.allocateAndDispatch(ctx, domain.TaskTypeTrading, taskID, "Execution queued")
}

// guardOneActivePerAccount refuses to start a trading task if another
// trading task on the same account is already RUNNING or PAUSED.
func (m *StateMachine) guardOneActivePerAccount(ctx context.Context, accountID, taskID string) error {
	running, err := m.Tasks.ListRunningTradingTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range running {
		if t.AccountID == accountID && t.ID != taskID {
			return fmt.Errorf("%w: account %s already has a running trading task", domain.ErrStateConflict, accountID)
		}
	}
	return nil
}

func (m *StateMachine) allocateAndDispatch(ctx context.Context, taskType domain.TaskType, taskID, logMessage string) (*domain.Execution, error) {
	exec, err := m.Executions.AllocateExecution(ctx, taskType, taskID)
	if err != nil {
		return nil, err
	}
	if err := m.Executions.AppendStrategyEvent(ctx, &domain.StrategyEvent{
		ExecutionID: exec.ID,
		EventType:   "lifecycle",
		Message:     logMessage,
	}); err != nil {
		return nil, fmt.Errorf("append lifecycle event: %w", err)
	}
	if err := m.Dispatch.Enqueue(ctx, taskType, taskID, exec.ID); err != nil {
		return nil, fmt.Errorf("enqueue execution: %w", err)
	}
	return exec, nil
}

// StopTrading halts a running or paused trading task. The worker is not told
// the mode: for every mode it exits at its next stop poll, after finishing
// the tick in hand. graceful_close additionally clears StrategyState
// (disabling a later can_resume) and enqueues a close-all-positions request.
func (m *StateMachine) StopTrading(ctx context.Context, taskID string, mode StopMode) error {
	task, err := m.Tasks.GetTradingTask(ctx, taskID)
	if err != nil {
		return err
	}

	info, ok, err := m.Locks.GetInfo(ctx, string(domain.TaskTypeTrading), taskID, m.StaleAfter)
	if err != nil {
		return err
	}
	hasActiveLock := ok && !info.IsStale

	stoppable := task.Status == domain.TaskStatusRunning || task.Status == domain.TaskStatusPaused
	if !stoppable && !hasActiveLock {
		return fmt.Errorf("%w: task is not running", domain.ErrStateConflict)
	}

	if err := m.Tasks.UpdateTradingTaskStatus(ctx, taskID, domain.TaskStatusStopped); err != nil {
		return err
	}
	if mode == StopModeGracefulClose {
		if err := m.Tasks.SaveStrategyState(ctx, taskID, json.RawMessage("{}")); err != nil {
			return err
		}
	}

	exec, err := m.Executions.LatestForTask(ctx, domain.TaskTypeTrading, taskID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if exec != nil && exec.Status == domain.ExecutionStatusRunning {
		if err := m.Executions.MarkStopped(ctx, exec.ID); err != nil {
			return err
		}
		_ = m.Executions.AppendStrategyEvent(ctx, &domain.StrategyEvent{
			ExecutionID: exec.ID,
			EventType:   "lifecycle",
			Message:     fmt.Sprintf("Task STOPPED (mode: %s)", mode),
		})
	}

	if hasActiveLock {
		if err := m.Locks.RequestStop(ctx, string(domain.TaskTypeTrading), taskID); err != nil {
			return err
		}
	} else if ok {
		if err := m.Locks.Release(ctx, string(domain.TaskTypeTrading), taskID, info.Token); err != nil {
			return err
		}
	}

	if mode == StopModeGracefulClose {
		return m.Dispatch.EnqueueCloseAllPositions(ctx, taskID)
	}
	return nil
}

// PauseTrading moves a running trading task to PAUSED. This never touches
// the Execution or the lock: the worker observes the status change on its
// next poll (at most every 2s, per the main loop) and calls Strategy.OnPause
// itself, continuing the same Execution.
func (m *StateMachine) PauseTrading(ctx context.Context, taskID string) error {
	task, err := m.Tasks.GetTradingTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusRunning {
		return fmt.Errorf("%w: cannot pause task with status %s", domain.ErrStateConflict, task.Status)
	}
	return m.Tasks.UpdateTradingTaskStatus(ctx, taskID, domain.TaskStatusPaused)
}

// UnpauseTrading moves a paused trading task back to RUNNING, within the
// same Execution (mirror of PauseTrading; see its doc comment).
func (m *StateMachine) UnpauseTrading(ctx context.Context, taskID string) error {
	task, err := m.Tasks.GetTradingTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusPaused {
		return fmt.Errorf("%w: cannot resume task with status %s", domain.ErrStateConflict, task.Status)
	}
	return m.Tasks.UpdateTradingTaskStatus(ctx, taskID, domain.TaskStatusRunning)
}

// ResumeTrading implements the can_resume transition: from STOPPED, FAILED,
// or CREATED (pending) into RUNNING, reusing the task's persisted
// StrategyState and starting a fresh Execution. Refuses if StrategyState is
// empty, since there is nothing to resume from.
func (m *StateMachine) ResumeTrading(ctx context.Context, taskID string) (*domain.Execution, error) {
	task, err := m.Tasks.GetTradingTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case domain.TaskStatusStopped, domain.TaskStatusFailed, domain.TaskStatusPending:
	default:
		return nil, fmt.Errorf("%w: cannot resume task with status %s", domain.ErrStateConflict, task.Status)
	}
	if !canResume(task.StrategyState) {
		return nil, fmt.Errorf("%w: task has no saved strategy state to resume from", domain.ErrStateConflict)
	}

	info, ok, err := m.Locks.GetInfo(ctx, string(domain.TaskTypeTrading), taskID, m.StaleAfter)
	if err != nil {
		return nil, err
	}
	if ok {
		if !info.IsStale {
			return nil, fmt.Errorf("%w: execution lock held by %s", domain.ErrLockHeld, info.Worker)
		}
		if err := m.cleanStaleLock(ctx, domain.TaskTypeTrading, taskID, info); err != nil {
			return nil, err
		}
	}

	if err := m.validateStrategyConfig(ctx, task.StrategyConfigID); err != nil {
		return nil, err
	}
	if err := m.guardOneActivePerAccount(ctx, task.AccountID, task.ID); err != nil {
		return nil, err
	}

	if err := m.Tasks.UpdateTradingTaskStatus(ctx, taskID, domain.TaskStatusRunning); err != nil {
		return nil, err
	}
	return m.allocateAndDispatch(ctx, domain.TaskTypeTrading, taskID, "Execution resumed")
}

// RestartTrading starts a fresh Execution for a stopped or failed task,
// optionally clearing StrategyState. Unlike ResumeTrading it never requires
// prior state, and unlike StartTrading it accepts only STOPPED or FAILED
// tasks and does not check the execution lock.
func (m *StateMachine) RestartTrading(ctx context.Context, taskID string, clearState bool) (*domain.Execution, error) {
	task, err := m.Tasks.GetTradingTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case domain.TaskStatusStopped, domain.TaskStatusFailed:
	default:
		return nil, fmt.Errorf("%w: cannot restart task with status %s", domain.ErrStateConflict, task.Status)
	}

	if err := m.validateStrategyConfig(ctx, task.StrategyConfigID); err != nil {
		return nil, err
	}
	if err := m.guardOneActivePerAccount(ctx, task.AccountID, task.ID); err != nil {
		return nil, err
	}

	if clearState {
		if err := m.Tasks.SaveStrategyState(ctx, taskID, json.RawMessage("{}")); err != nil {
			return nil, err
		}
	}
	if err := m.Tasks.UpdateTradingTaskStatus(ctx, taskID, domain.TaskStatusRunning); err != nil {
		return nil, err
	}
	return m.allocateAndDispatch(ctx, domain.TaskTypeTrading, taskID, "Execution queued")
}

// StartBacktest transitions a backtest task from CREATED into RUNNING and
// allocates its only Execution. Backtests have no pause/resume/restart: a
// run either completes, fails, or is stopped outright (see the backtest
// pause decision in SPEC_FULL.md).
func (m *StateMachine) StartBacktest(ctx context.Context, taskID string) (*domain.Execution, error) {
	task, err := m.Tasks.GetBacktestTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusPending {
		return nil, fmt.Errorf("%w: cannot start backtest with status %s", domain.ErrStateConflict, task.Status)
	}
	if !task.EndTime.After(task.StartTime) {
		return nil, fmt.Errorf("%w: end_time must be after start_time", domain.ErrValidation)
	}
	if err := m.validateStrategyConfig(ctx, task.StrategyConfigID); err != nil {
		return nil, err
	}

	if err := m.Tasks.UpdateBacktestTaskStatus(ctx, taskID, domain.TaskStatusRunning); err != nil {
		return nil, err
	}
	return m.allocateAndDispatch(ctx, domain.TaskTypeBacktest, taskID, "Execution queued")
}

// StopBacktest stops a running backtest, always immediate.
func (m *StateMachine) StopBacktest(ctx context.Context, taskID string) error {
	task, err := m.Tasks.GetBacktestTask(ctx, taskID)
	if err != nil {
		return err
	}

	info, ok, err := m.Locks.GetInfo(ctx, string(domain.TaskTypeBacktest), taskID, m.StaleAfter)
	if err != nil {
		return err
	}
	hasActiveLock := ok && !info.IsStale

	if task.Status != domain.TaskStatusRunning && !hasActiveLock {
		return fmt.Errorf("%w: task is not running", domain.ErrStateConflict)
	}

	if err := m.Tasks.UpdateBacktestTaskStatus(ctx, taskID, domain.TaskStatusStopped); err != nil {
		return err
	}

	exec, err := m.Executions.LatestForTask(ctx, domain.TaskTypeBacktest, taskID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if exec != nil && exec.Status == domain.ExecutionStatusRunning {
		if err := m.Executions.MarkStopped(ctx, exec.ID); err != nil {
			return err
		}
	}

	if hasActiveLock {
		return m.Locks.RequestStop(ctx, string(domain.TaskTypeBacktest), taskID)
	}
	if ok {
		return m.Locks.Release(ctx, string(domain.TaskTypeBacktest), taskID, info.Token)
	}
	return nil
}

// canResume reports whether state carries anything a strategy could resume
// from: empty, nil, or "{}" all count as no saved state.
func canResume(state json.RawMessage) bool {
	trimmed := make([]byte, 0, len(state))
	for _, b := range state {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			trimmed = append(trimmed, b)
		}
	}
	s := string(trimmed)
	return s != "" && s != "{}" && s != "null"
}
