package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/lifecycle"
	"github.com/alanyoungcy/forextaskengine/internal/strategy"
)

// mainLoop drives r.execution to a terminal outcome, checking the three
// termination signals in order every iteration (stop-request, task-status
// poll at most every statusPollInterval, tick receive with a ~1s timeout).
// Returns nil when the tick source ends (eof, an upstream stopped record,
// or a closed channel), errStopRequested for a cooperative stop, or the
// error that ended the loop.
func (w *Worker) mainLoop(ctx context.Context, r *run) error {
	signals := &lifecycle.ControlSignals{
		Locks:      w.Locks,
		Tasks:      w.Tasks,
		TaskType:   r.taskType,
		TaskID:     r.taskID,
		StaleAfter: w.Config.StaleAfter,
	}

	var lastPoll time.Time
	tickTimeout := w.Config.TickReceiveTimeout
	if tickTimeout <= 0 {
		tickTimeout = time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Checked every iteration, not gated behind the task-status
		// throttle below: a cooperative stop must be observed within
		// roughly one tick-receive timeout.
		if stop, err := signals.PollStop(ctx); err != nil {
			r.logger.Warn("stop signal poll failed", slog.String("error", err.Error()))
		} else if stop {
			return errStopRequested
		}

		if time.Since(lastPoll) >= w.Config.StatusPollInterval {
			lastPoll = time.Now()
			stop, pause, resume, err := signals.PollStatus(ctx)
			if err != nil {
				r.logger.Warn("task status poll failed", slog.String("error", err.Error()))
			} else {
				if stop {
					return errStopRequested
				}
				if pause && !r.paused {
					r.paused = true
					if err := w.callLifecycleHook(ctx, r, r.strat.OnPause); err != nil {
						return err
					}
				}
				if resume && r.paused {
					r.paused = false
					if err := w.callLifecycleHook(ctx, r, r.strat.OnResume); err != nil {
						return err
					}
				}
			}
		}

		if r.paused {
			// A paused trading task still needs to observe stop/resume, but
			// must not consume ticks while paused.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(tickTimeout):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-r.envelopes:
			if !ok {
				return nil
			}
			done, err := w.handleEnvelope(ctx, r, env)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case <-time.After(tickTimeout):
			w.onIdleTimeout(ctx, r)
		}
	}
}

// callLifecycleHook invokes a strategy lifecycle callback (OnPause/OnResume)
// and persists whatever it returns, same shape as OnStart/OnStop.
func (w *Worker) callLifecycleHook(ctx context.Context, r *run, hook func(strategy.State) (strategy.State, []strategy.Event, error)) error {
	state, events, err := hook(r.state)
	if err != nil {
		return err
	}
	r.state = state
	w.persistEvents(ctx, r, events, nil)
	return nil
}

// onIdleTimeout is the "no tick received" branch: emit a heartbeat and
// update the lock's status message with processed count and last tick
// timestamp.
func (w *Worker) onIdleTimeout(ctx context.Context, r *run) {
	meta := map[string]any{"processed": r.processed}
	if !r.lastTickTS.IsZero() {
		meta["last_tick_at"] = r.lastTickTS.Format(time.RFC3339Nano)
	}
	if err := w.Locks.Heartbeat(ctx, r.taskName, r.taskID, r.token, domain.LockStatusRunning,
		"idle: waiting for ticks", meta); err != nil {
		r.logger.Warn("idle heartbeat failed", slog.String("error", err.Error()))
	}
}

// handleEnvelope processes one decoded Tick Bus message: a control record
// (eof/stopped/error) or a tick. Returns done=true when the execution should
// end (backtest eof, or an upstream stop/error control record).
func (w *Worker) handleEnvelope(ctx context.Context, r *run, env domain.Envelope) (bool, error) {
	switch env.Control {
	case domain.ControlEOF:
		if env.PublishedTotal > 0 {
			r.tickTotal = env.PublishedTotal
			r.haveTickTotal = true
			w.updateProgress(ctx, r)
		}
		return true, nil
	case domain.ControlStopped:
		return true, nil
	case domain.ControlError:
		return false, errReplayFailed(env.ErrorMessage)
	}

	if env.Tick == nil {
		// Reject non-tick payloads silently.
		return false, nil
	}
	return false, w.handleTick(ctx, r, env.Tick)
}

// handleTick feeds one tick to the strategy, persists its events/trades,
// advances progress (backtest), and checkpoints on the configured interval.
// A strategy callback error is fatal to the execution, so it is returned
// rather than swallowed.
func (w *Worker) handleTick(ctx context.Context, r *run, tick *domain.Tick) error {
	r.lastTickTS = tick.Timestamp

	strategyTick := toStrategyTick(tick)
	state, events, err := r.strat.OnTick(strategyTick, r.state)
	if err != nil {
		return fmt.Errorf("strategy OnTick: %w", err)
	}
	r.state = state
	w.persistEvents(ctx, r, events, tick)

	r.processed++
	if r.taskType == domain.TaskTypeBacktest {
		w.updateProgress(ctx, r)
	}

	if interval := w.checkpointInterval(r); interval > 0 && r.processed%interval == 0 {
		w.checkpoint(ctx, r)
	}
	return nil
}

// updateProgress recomputes and persists a backtest Execution's progress,
// at most once per 5s and only when the integer value actually changes.
func (w *Worker) updateProgress(ctx context.Context, r *run) {
	if r.taskType != domain.TaskTypeBacktest {
		return
	}

	var pct int
	if r.haveTickTotal {
		pct = lifecycle.CountBasedEstimator{Processed: r.processed, Total: int(r.tickTotal)}.Estimate()
	} else {
		pct = lifecycle.TimestampBasedEstimator{Start: r.startTime, End: r.endTime, LastTick: r.lastTickTS}.Estimate()
	}
	if r.haveTickTotal && r.processed >= int(r.tickTotal) {
		pct = 100
	}

	if pct == r.lastProgress {
		return
	}
	if time.Since(r.lastProgressWrite) < 5*time.Second && pct != 100 {
		return
	}

	if err := w.Executions.UpdateProgress(ctx, r.execution.ID, pct); err != nil {
		r.logger.Warn("update progress failed", slog.String("error", err.Error()))
		return
	}
	r.lastProgress = pct
	r.lastProgressWrite = time.Now()
	w.publishEvent(ctx, r.execution.ID, "progress", map[string]any{"execution_id": r.execution.ID, "progress": pct})
}

// errReplayFailed wraps an upstream error control record as a Go error so
// it propagates through mainLoop's return value into terminalStatus's
// default (FAILED) branch.
type errReplayFailed string

func (e errReplayFailed) Error() string { return "tick source error: " + string(e) }
