package domain

import (
	"context"
	"time"
)

// LockStatus mirrors the Celery-derived worker-control record's status
// field (spec glossary: "Lock"). STOP_REQUESTED is set by an operator or
// by the task state machine and observed by the worker at its next poll.
type LockStatus string

const (
	LockStatusRunning       LockStatus = "running"
	LockStatusStopRequested LockStatus = "stop_requested"
	LockStatusStopped       LockStatus = "stopped"
	LockStatusCompleted     LockStatus = "completed"
	LockStatusFailed        LockStatus = "failed"
)

// LockInfo is the read-side view of a worker-control record: who holds the
// lock, its current status, and whether it has gone stale.
type LockInfo struct {
	TaskName        string
	InstanceKey     string
	Token           string
	Status          LockStatus
	StatusMessage   string
	Worker          string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	IsStale         bool
}

// ExecutionLock is the distributed lock + heartbeat + cancellation-flag
// protocol a worker uses to hold exclusive ownership of one task while it
// runs. TTL-based expiry plus an explicit stale threshold give the Progress
// & Stale Detector (internal/lifecycle) a read-time way to notice a worker
// that died without releasing its lock.
type ExecutionLock interface {
	// Acquire takes the lock for (taskName, instanceKey) if free, returning
	// a token that must be presented to Heartbeat/Release, and ErrLockHeld
	// if another worker currently holds it.
	Acquire(ctx context.Context, taskName, instanceKey, worker string, ttl time.Duration) (token string, err error)
	// Heartbeat extends the lock's TTL and updates its status/message. It
	// fails with ErrLockHeld if token no longer matches the current holder.
	Heartbeat(ctx context.Context, taskName, instanceKey, token string, status LockStatus, message string, meta map[string]any) error
	// RequestStop flags the lock for cooperative shutdown without taking
	// ownership; the holding worker observes this on its next poll.
	RequestStop(ctx context.Context, taskName, instanceKey string) error
	// Release drops the lock. Idempotent: releasing an already-released or
	// expired lock is not an error.
	Release(ctx context.Context, taskName, instanceKey, token string) error
	// GetInfo returns the current lock state, or ok=false if no record
	// exists. staleAfter bounds how long since the last heartbeat before
	// IsStale is set.
	GetInfo(ctx context.Context, taskName, instanceKey string, staleAfter time.Duration) (info *LockInfo, ok bool, err error)
}
