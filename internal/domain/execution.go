package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus mirrors TaskStatus for the running instance of a task.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
)

// IsTerminal reports whether the execution has finished, successfully or not.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusStopped:
		return true
	default:
		return false
	}
}

// Execution is one numbered run of a Task. A task accumulates one Execution
// per start/restart; ExecutionNumber is allocated under a row lock so
// concurrent restarts never collide (see store/postgres AllocateExecution).
type Execution struct {
	ID              string
	TaskType        TaskType
	TaskID          string
	ExecutionNumber int
	Status          ExecutionStatus
	Progress        int // 0-100
	StartedAt       time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	ErrorTraceback  string
}

// StrategyEvent is an append-only log line emitted by a strategy callback.
// Details carries the raw event payload verbatim; EventType/Message are
// pulled out for indexing and display, everything else round-trips as-is.
type StrategyEvent struct {
	ID          string
	ExecutionID string
	Sequence    int64
	EventType   string
	Message     string
	Details     map[string]any
	CreatedAt   time.Time
}

// Price returns the "price" field from Details, if present and numeric.
func (e StrategyEvent) Price() (decimal.Decimal, bool) {
	return decimalField(e.Details, "price")
}

// TradeLogEntry records one simulated or executed trade produced during an
// execution. ExitTime is nil while the position backing this trade remains
// open; the metrics aggregator uses its presence to split realized vs.
// unrealized pnl.
type TradeLogEntry struct {
	ID          string
	ExecutionID string
	Sequence    int64
	Side        string
	EntryTime   time.Time
	EntryPrice  decimal.Decimal
	ExitTime    *time.Time
	ExitPrice   decimal.Decimal
	Size        decimal.Decimal
	PnL         decimal.Decimal
	Details     map[string]any
}

// EquityPoint is one sample of account balance over the lifetime of an
// execution, used to render the equity curve and compute max drawdown.
type EquityPoint struct {
	ID          string
	ExecutionID string
	Sequence    int64
	Timestamp   *time.Time // nil for the synthetic opening point
	Balance     decimal.Decimal
}

// ExecutionStore persists Execution rows and their append-only children.
type ExecutionStore interface {
	// AllocateExecution creates the next Execution for (taskType, taskID)
	// under a row lock so ExecutionNumber assignment is race-free across
	// concurrent restarts of the same task.
	AllocateExecution(ctx context.Context, taskType TaskType, taskID string) (*Execution, error)
	Get(ctx context.Context, id string) (*Execution, error)
	LatestForTask(ctx context.Context, taskType TaskType, taskID string) (*Execution, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, message, traceback string) error
	MarkStopped(ctx context.Context, id string) error

	AppendStrategyEvent(ctx context.Context, e *StrategyEvent) error
	AppendTradeLogEntry(ctx context.Context, e *TradeLogEntry) error
	AppendEquityPoint(ctx context.Context, e *EquityPoint) error

	ListStrategyEvents(ctx context.Context, executionID string, opts ListOpts) ([]*StrategyEvent, error)
	ListTradeLog(ctx context.Context, executionID string) ([]*TradeLogEntry, error)
	ListEquityCurve(ctx context.Context, executionID string) ([]*EquityPoint, error)
}

// ListOpts bounds a paginated read; zero values mean "no bound."
type ListOpts struct {
	Limit  int
	Offset int
	Since  time.Time
	Until  time.Time
}

func decimalField(details map[string]any, key string) (decimal.Decimal, bool) {
	v, ok := details[key]
	if !ok {
		return decimal.Zero, false
	}
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(t), true
	default:
		return decimal.Zero, false
	}
}
