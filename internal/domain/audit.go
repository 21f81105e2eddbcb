package domain

import (
	"context"
	"time"
)

// ExecutionResult is a flat audit row written once per execution, in
// addition to the execution's own terminal fields, giving operators a
// single table to scan for pass/fail history regardless of task type.
type ExecutionResult struct {
	ID        string
	TaskType  TaskType
	TaskID    string
	Success   bool
	Summary   string
	CreatedAt time.Time
}

// ExecutionResultStore persists ExecutionResult rows.
type ExecutionResultStore interface {
	Create(ctx context.Context, r *ExecutionResult) error
	ListForTask(ctx context.Context, taskType TaskType, taskID string) ([]*ExecutionResult, error)
}

// Dispatcher hands a newly-allocated execution off to the worker pool and
// exposes the one Open-Question capability (graceful_close) the core
// itself does not implement.
type Dispatcher interface {
	// Enqueue hands an already-allocated Execution off to the worker pool.
	// executionID is the Execution the caller (the Task State Machine)
	// just allocated; the worker pool message carries it through so the
	// worker that eventually picks up the message uses that row rather
	// than allocating a second, orphaned one.
	Enqueue(ctx context.Context, taskType TaskType, taskID, executionID string) error
	// EnqueueCloseAllPositions publishes a close-all-positions request for
	// an external position-closing worker to pick up; this core never
	// closes positions itself.
	EnqueueCloseAllPositions(ctx context.Context, taskID string) error
}
