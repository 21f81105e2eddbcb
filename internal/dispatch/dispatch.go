// Package dispatch implements the Dispatcher: a thin enqueue
// front-end plus the worker-pool consumer that drains it, using an
// at-least-once Redis Stream substrate since the producer (the control
// plane, possibly a different process) and the consumer (a worker-mode
// process) are not guaranteed to share memory.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// message is the wire shape enqueued onto the dispatch Stream.
type message struct {
	TaskType    domain.TaskType `json:"task_type"`
	TaskID      string          `json:"task_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
}

// closeAllMessage is published to a dedicated stream for graceful_close
// stops (see DESIGN.md): this core never closes positions itself, it only
// hands the request to external infrastructure that consumes this stream.
type closeAllMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

const (
	// DefaultStream is the Redis Stream executions are enqueued onto.
	DefaultStream = "dispatch:executions"
	// DefaultCloseAllStream is the stream graceful_close requests are
	// published to, for an external position-closing worker to consume.
	DefaultCloseAllStream = "positions:close-requests"
)

// Dispatcher implements domain.Dispatcher. The caller
// (internal/lifecycle.StateMachine) has already allocated the Execution and
// appended its "queued" log line under a short transaction; Dispatcher only
// does the enqueue.
type Dispatcher struct {
	Queue          domain.StreamQueue
	Stream         string
	CloseAllStream string
	Logger         *slog.Logger
}

func (d *Dispatcher) stream() string {
	if d.Stream != "" {
		return d.Stream
	}
	return DefaultStream
}

func (d *Dispatcher) closeAllStream() string {
	if d.CloseAllStream != "" {
		return d.CloseAllStream
	}
	return DefaultCloseAllStream
}

// Enqueue implements domain.Dispatcher.
func (d *Dispatcher) Enqueue(ctx context.Context, taskType domain.TaskType, taskID, executionID string) error {
	payload, err := json.Marshal(message{TaskType: taskType, TaskID: taskID, ExecutionID: executionID})
	if err != nil {
		return fmt.Errorf("dispatch: encode message: %w", err)
	}
	if err := d.Queue.StreamAppend(ctx, d.stream(), payload); err != nil {
		return fmt.Errorf("dispatch: enqueue: %w", err)
	}
	return nil
}

// EnqueueCloseAllPositions implements domain.Dispatcher.
func (d *Dispatcher) EnqueueCloseAllPositions(ctx context.Context, taskID string) error {
	payload, err := json.Marshal(closeAllMessage{Type: "close_all_positions", TaskID: taskID})
	if err != nil {
		return fmt.Errorf("dispatch: encode close-all message: %w", err)
	}
	if err := d.Queue.StreamAppend(ctx, d.closeAllStream(), payload); err != nil {
		return fmt.Errorf("dispatch: enqueue close-all: %w", err)
	}
	return nil
}

var _ domain.Dispatcher = (*Dispatcher)(nil)
