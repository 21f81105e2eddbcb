package lifecycle

import (
	"context"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// ControlSignals factors the worker's two independent polling sources — the
// Lock's STOP_REQUESTED flag and the Task's own status column — into two
// calls at two different cadences, consolidating the dual-signal polling
// original_source scattered across CeleryTaskStatus and Task.status checks.
// The lock's stop flag is cheap (a single Redis read) and must be observed
// on every loop iteration; the Task row lives in Postgres and is polled on
// a coarser, caller-supplied interval instead.
type ControlSignals struct {
	Locks      domain.ExecutionLock
	Tasks      domain.TaskStore
	TaskType   domain.TaskType
	TaskID     string
	StaleAfter time.Duration
}

// PollStop reports whether the Lock Manager's STOP_REQUESTED flag is set.
// It is cheap enough to call on every main-loop iteration so a cooperative
// stop is observed within roughly one tick-receive timeout, independent of
// the Task-status poll cadence.
func (c *ControlSignals) PollStop(ctx context.Context) (bool, error) {
	info, ok, err := c.Locks.GetInfo(ctx, string(c.TaskType), c.TaskID, c.StaleAfter)
	if err != nil {
		return false, err
	}
	return ok && info.Status == domain.LockStatusStopRequested, nil
}

// PollStatus reports the Task row's own status: stop (Task.status==STOPPED),
// pause (Task.status==PAUSED, trading only), and resume (Task.status is
// RUNNING again — the caller diffs this against its last observed mode to
// know whether to call OnPause/OnResume; resume is simply "not paused, not
// stopped"). Callers should throttle this to their configured
// StatusPollInterval rather than calling it every iteration.
func (c *ControlSignals) PollStatus(ctx context.Context) (stop, pause, resume bool, err error) {
	switch c.TaskType {
	case domain.TaskTypeTrading:
		t, terr := c.Tasks.GetTradingTask(ctx, c.TaskID)
		if terr != nil {
			return false, false, false, terr
		}
		switch t.Status {
		case domain.TaskStatusStopped:
			stop = true
		case domain.TaskStatusPaused:
			pause = true
		case domain.TaskStatusRunning:
			resume = true
		}
	case domain.TaskTypeBacktest:
		t, terr := c.Tasks.GetBacktestTask(ctx, c.TaskID)
		if terr != nil {
			return false, false, false, terr
		}
		if t.Status == domain.TaskStatusStopped {
			stop = true
		} else if t.Status == domain.TaskStatusRunning {
			resume = true
		}
	}
	return stop, pause, resume, nil
}
