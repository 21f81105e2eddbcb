package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/notify"
)

// The three reconciliation rules below are grounded directly in
// original_source trading_actions.py::TradingTaskStatusView.get (and its
// backtest_actions.py equivalent): a worker that died without cleaning up
// leaves the Lifecycle Store holding a RUNNING Task/Execution and a lock
// that is either gone or stale. These rules notice that and converge the
// Task/Execution status within one read.
const (
	// startGracePeriod skips stale detection just after a task transitions
	// to RUNNING, giving a worker time to actually pick up the dispatch
	// message and acquire its lock.
	startGracePeriod = 30 * time.Second
	// startupTimeout bounds how long a RUNNING execution may sit at 0%
	// progress with no lock before it is declared a failed startup.
	startupTimeout = 120 * time.Second
)

// ReconcileInput bundles everything the three rules need to decide on a
// mutation. TaskUpdatedAt is the Task row's updated_at, used for the
// start-grace-period check.
type ReconcileInput struct {
	TaskStatus    domain.TaskStatus
	TaskUpdatedAt time.Time
	Execution     *domain.Execution // nil if the task has never run
	Lock          *domain.LockInfo  // nil if no lock record exists
	Now           time.Time
}

// ReconcileAction is one mutation the detector decided to apply. At most
// one NewTaskStatus and one NewExecutionMark are ever set per input, since
// the three rules are mutually exclusive in practice (they fire on disjoint
// combinations of Task and Execution status), but callers should apply whichever
// fields are set rather than assume exactly one.
type ReconcileAction struct {
	ReleaseLock      bool
	NewTaskStatus    domain.TaskStatus
	NewExecutionMark execMark
	ErrorMessage     string
	LogMessage       string
}

// execMark selects which terminal ExecutionStore method to call, since the
// store exposes MarkCompleted/MarkFailed/MarkStopped as distinct methods
// rather than one polymorphic SetStatus.
type execMark int

const (
	execMarkNone execMark = iota
	execMarkCompleted
	execMarkFailed
	execMarkStopped
)

// decideReconciliation is the pure core of the Stale Detector: no I/O, just
// the original's branching logic over (Task, Execution, Lock, now).
func decideReconciliation(in ReconcileInput) *ReconcileAction {
	recentlyStarted := !in.TaskUpdatedAt.IsZero() && in.Now.Sub(in.TaskUpdatedAt) < startGracePeriod

	// Rule 1: stale running task whose execution has already finished.
	if in.TaskStatus == domain.TaskStatusRunning && in.Execution != nil && !recentlyStarted {
		isStale := in.Lock == nil || in.Lock.IsStale
		executionDone := in.Execution.Status.IsTerminal()
		if executionDone && isStale {
			return &ReconcileAction{
				ReleaseLock:   in.Lock != nil,
				NewTaskStatus: domain.TaskStatus(in.Execution.Status),
				LogMessage:    "auto-completing stale running task: execution already terminal",
			}
		}
	}

	// Rule 2: the dispatcher queued an execution but no worker ever
	// acquired the lock before the startup timeout elapsed.
	if in.TaskStatus == domain.TaskStatusRunning && in.Execution != nil &&
		in.Execution.Status == domain.ExecutionStatusRunning {
		noLock := in.Lock == nil
		timedOut := !in.Execution.StartedAt.IsZero() && in.Now.Sub(in.Execution.StartedAt) > startupTimeout
		zeroProgress := in.Execution.Progress == 0
		if noLock && timedOut && zeroProgress {
			return &ReconcileAction{
				NewTaskStatus:    domain.TaskStatusFailed,
				NewExecutionMark: execMarkFailed,
				ErrorMessage:     "Execution did not start (no worker lock acquired)",
				LogMessage:       "Execution did not start (no worker lock acquired)",
			}
		}
	}

	// Rule 3: the task was stopped but its execution is still marked
	// running — the task's STOPPED status is authoritative since it
	// reflects an explicit user request.
	if in.TaskStatus == domain.TaskStatusStopped && in.Execution != nil &&
		in.Execution.Status == domain.ExecutionStatusRunning {
		return &ReconcileAction{
			ReleaseLock:      in.Lock != nil,
			NewExecutionMark: execMarkStopped,
			LogMessage:       "task stopped while execution still running, finalizing execution",
		}
	}

	return nil
}

// Detector applies decideReconciliation against the Lifecycle Store for a
// single trading or backtest task, used both by the HTTP status handler (reactive, one
// task at a time) and by the reconcile package's periodic sweep (proactive,
// over every running task).
type Detector struct {
	Tasks      domain.TaskStore
	Executions domain.ExecutionStore
	Locks      domain.ExecutionLock
	StaleAfter time.Duration
	Now        func() time.Time
	Notifier   *notify.Notifier // nil disables operator notifications
	Logger     *slog.Logger
}

// notify alerts operators of a Stale Detector synthetic failure (Rule 2): a
// worker never acquired its lock before the startup timeout, so the Task and
// Execution were force-failed with no strategy ever having run.
func (d *Detector) notify(ctx context.Context, taskID, message string) {
	if d.Notifier == nil {
		return
	}
	if err := d.Notifier.Notify(ctx, "execution_failed", fmt.Sprintf("task %s failed to start", taskID), message); err != nil {
		if d.Logger != nil {
			d.Logger.WarnContext(ctx, "stale detector: notify failed", slog.String("error", err.Error()))
		}
	}
}

func (d *Detector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// ReconcileTrading reconciles one trading task's status against its latest
// execution and lock state, returning the (possibly refreshed) task status.
func (d *Detector) ReconcileTrading(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	task, err := d.Tasks.GetTradingTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	exec, err := d.Executions.LatestForTask(ctx, domain.TaskTypeTrading, taskID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	var lockPtr *domain.LockInfo
	if info, ok, lerr := d.Locks.GetInfo(ctx, string(domain.TaskTypeTrading), taskID, d.StaleAfter); lerr != nil {
		return "", lerr
	} else if ok {
		lockPtr = info
	}

	action := decideReconciliation(ReconcileInput{
		TaskStatus:    task.Status,
		TaskUpdatedAt: task.UpdatedAt,
		Execution:     exec,
		Lock:          lockPtr,
		Now:           d.now(),
	})
	if action == nil {
		return task.Status, nil
	}
	if err := d.apply(ctx, domain.TaskTypeTrading, taskID, exec, action); err != nil {
		return "", err
	}
	if action.NewTaskStatus != "" {
		return action.NewTaskStatus, nil
	}
	return task.Status, nil
}

// ReconcileBacktest is the backtest analog of ReconcileTrading.
func (d *Detector) ReconcileBacktest(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	task, err := d.Tasks.GetBacktestTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	exec, err := d.Executions.LatestForTask(ctx, domain.TaskTypeBacktest, taskID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	var lockPtr *domain.LockInfo
	if info, ok, lerr := d.Locks.GetInfo(ctx, string(domain.TaskTypeBacktest), taskID, d.StaleAfter); lerr != nil {
		return "", lerr
	} else if ok {
		lockPtr = info
	}

	action := decideReconciliation(ReconcileInput{
		TaskStatus:    task.Status,
		TaskUpdatedAt: task.UpdatedAt,
		Execution:     exec,
		Lock:          lockPtr,
		Now:           d.now(),
	})
	if action == nil {
		return task.Status, nil
	}
	if err := d.apply(ctx, domain.TaskTypeBacktest, taskID, exec, action); err != nil {
		return "", err
	}
	if action.NewTaskStatus != "" {
		return action.NewTaskStatus, nil
	}
	return task.Status, nil
}

func (d *Detector) apply(ctx context.Context, taskType domain.TaskType, taskID string, exec *domain.Execution, action *ReconcileAction) error {
	if action.ReleaseLock {
		if info, ok, err := d.Locks.GetInfo(ctx, string(taskType), taskID, d.StaleAfter); err != nil {
			return err
		} else if ok {
			if err := d.Locks.Release(ctx, string(taskType), taskID, info.Token); err != nil {
				return fmt.Errorf("release lock during reconciliation: %w", err)
			}
		}
	}

	if exec != nil {
		switch action.NewExecutionMark {
		case execMarkCompleted:
			if err := d.Executions.MarkCompleted(ctx, exec.ID); err != nil {
				return err
			}
		case execMarkFailed:
			if err := d.Executions.MarkFailed(ctx, exec.ID, action.ErrorMessage, ""); err != nil {
				return err
			}
			d.notify(ctx, taskID, action.ErrorMessage)
		case execMarkStopped:
			if err := d.Executions.MarkStopped(ctx, exec.ID); err != nil {
				return err
			}
		}
		if action.LogMessage != "" {
			_ = d.Executions.AppendStrategyEvent(ctx, &domain.StrategyEvent{
				ExecutionID: exec.ID,
				EventType:   "lifecycle",
				Message:     action.LogMessage,
			})
		}
	}

	if action.NewTaskStatus != "" {
		var err error
		switch taskType {
		case domain.TaskTypeTrading:
			err = d.Tasks.UpdateTradingTaskStatus(ctx, taskID, action.NewTaskStatus)
		case domain.TaskTypeBacktest:
			err = d.Tasks.UpdateBacktestTaskStatus(ctx, taskID, action.NewTaskStatus)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
