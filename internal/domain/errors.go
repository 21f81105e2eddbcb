package domain

import "errors"

// Sentinel errors. Handlers and the worker loop use errors.Is against these
// to decide HTTP status codes and retry/fatal behavior; see internal/server
// for the mapping and internal/worker for the fatal/log-and-continue split.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrValidation       = errors.New("validation failed")
	ErrStateConflict    = errors.New("state conflict")
	ErrExecutionFailure = errors.New("execution failed")
	ErrTransientInfra   = errors.New("transient infrastructure error")
	ErrLockHeld         = errors.New("lock already held")
	ErrContextDone      = errors.New("context cancelled")
)
