package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/observability"
)

// Runner is the subset of *worker.Worker a Pool depends on, narrowed to an
// interface so tests can substitute a fake rather than wiring a real
// Postgres/Redis-backed Worker.
type Runner interface {
	Run(ctx context.Context, taskType domain.TaskType, taskID, executionID string) error
}

// Pool drains the dispatch Stream and runs each message through Worker.Run
// in its own goroutine, bounded to MaxConcurrent at a time, using an
// errgroup-supervised fan-out since a worker-mode process here hosts many
// concurrent Executions at once.
//
// Pool tracks its own read cursor in memory and makes no use of Redis
// consumer groups, so a restarted Pool re-reads the stream from the start
// and multiple Pool processes reading the same stream will both observe
// every message. Both are safe rather than merely tolerated: a message
// whose Execution is already terminal makes Worker.Run a fast no-op (the
// task/execution load in startup fails or short-circuits), and a message
// racing against another process is resolved by the Lock Manager —
// only one Acquire succeeds, the other returns nil immediately ("lock
// acquire refused, abandoning execution"). This is the same one-active-
// execution guarantee the state machine already relies on for the Lock
// Manager's other callers, so duplicate delivery here needs no additional
// dedup layer.
type Pool struct {
	Queue         domain.StreamQueue
	Stream        string
	Worker        Runner
	MaxConcurrent int
	PollInterval  time.Duration
	ReadCount     int
	Logger        *slog.Logger
	// Metrics is optional; a nil Metrics disables instrumentation.
	Metrics *observability.Metrics
}

func (p *Pool) stream() string {
	if p.Stream != "" {
		return p.Stream
	}
	return DefaultStream
}

func (p *Pool) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return time.Second
}

func (p *Pool) readCount() int {
	if p.ReadCount > 0 {
		return p.ReadCount
	}
	return 16
}

func (p *Pool) recordStart(ctx context.Context) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.ExecutionsStarted.Add(ctx, 1)
	p.Metrics.ActiveWorkers.Add(ctx, 1)
}

func (p *Pool) recordFinish(ctx context.Context, err error) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.ActiveWorkers.Add(ctx, -1)
	if err != nil {
		p.Metrics.ExecutionsFailed.Add(ctx, 1)
		return
	}
	p.Metrics.ExecutionsFinished.Add(ctx, 1)
}

// Run drains the stream until ctx is cancelled, running up to
// MaxConcurrent Executions concurrently. A single Execution's failure
// never aborts the pool: it is logged here and separately recorded by the
// worker itself as a terminal status plus an ExecutionResult audit row.
func (p *Pool) Run(ctx context.Context) error {
	maxConcurrent := p.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	sem := make(chan struct{}, maxConcurrent)
	g, gctx := errgroup.WithContext(ctx)

	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()

	lastID := "0"
	for {
		select {
		case <-ctx.Done():
			if err := g.Wait(); err != nil {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
			msgs, err := p.Queue.StreamRead(ctx, p.stream(), lastID, p.readCount())
			if err != nil {
				p.Logger.Warn("dispatch pool: stream read failed", slog.String("error", err.Error()))
				continue
			}
			for _, m := range msgs {
				lastID = m.ID

				var msg message
				if err := json.Unmarshal(m.Payload, &msg); err != nil {
					p.Logger.Warn("dispatch pool: malformed message, skipping",
						slog.String("id", m.ID), slog.String("error", err.Error()))
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-gctx.Done():
					continue
				}

				msg := msg
				g.Go(func() error {
					defer func() { <-sem }()
					p.recordStart(gctx)
					err := p.Worker.Run(gctx, msg.TaskType, msg.TaskID, msg.ExecutionID)
					p.recordFinish(gctx, err)
					if err != nil {
						p.Logger.Error("execution run failed",
							slog.String("task_type", string(msg.TaskType)),
							slog.String("task_id", msg.TaskID),
							slog.String("error", err.Error()))
					}
					return nil
				})
			}
		}
	}
}
