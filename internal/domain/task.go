package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TaskType distinguishes a live trading task from a bounded backtest run.
type TaskType string

const (
	TaskTypeTrading  TaskType = "trading"
	TaskTypeBacktest TaskType = "backtest"
)

// TaskStatus is the lifecycle status shared by both task types.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused" // trading tasks only
	TaskStatusStopped   TaskStatus = "stopped"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCompleted TaskStatus = "completed" // backtest tasks only, success terminal
)

// TaskBase holds the fields common to TradingTask and BacktestTask.
type TaskBase struct {
	ID               string
	Owner            string
	Name             string
	StrategyConfigID string
	Status           TaskStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TradingTask drives a strategy against the live tick stream for a single
// account until stopped or paused. StrategyState is the strategy's opaque
// serialized state, persisted between ticks so a restarted worker can
// resume without replaying history.
type TradingTask struct {
	TaskBase
	AccountID    string
	StrategyState json.RawMessage
}

// BacktestTask drives a strategy over a bounded historical replay and has
// no paused state: a backtest either runs to completion, fails, or is
// stopped outright.
type BacktestTask struct {
	TaskBase
	StartTime      time.Time
	EndTime        time.Time
	InitialBalance decimal.Decimal
	DataSource     string
}

// StrategyConfig names a strategy implementation and its parameters. It is
// owned by a single account and referenced by StrategyConfigID on tasks.
type StrategyConfig struct {
	ID           string
	Owner        string
	Name         string
	StrategyType string
	Parameters   map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskStore persists TradingTask and BacktestTask rows. Each task type has
// its own table; the store exposes typed accessors rather than a single
// polymorphic method so callers never need a type switch at the call site.
type TaskStore interface {
	GetTradingTask(ctx context.Context, id string) (*TradingTask, error)
	GetBacktestTask(ctx context.Context, id string) (*BacktestTask, error)
	CreateTradingTask(ctx context.Context, t *TradingTask) error
	CreateBacktestTask(ctx context.Context, t *BacktestTask) error
	UpdateTradingTaskStatus(ctx context.Context, id string, status TaskStatus) error
	UpdateBacktestTaskStatus(ctx context.Context, id string, status TaskStatus) error
	SaveStrategyState(ctx context.Context, id string, state json.RawMessage) error
	ListRunningTradingTasks(ctx context.Context) ([]*TradingTask, error)
	ListRunningBacktestTasks(ctx context.Context) ([]*BacktestTask, error)
}

// StrategyConfigStore persists StrategyConfig rows.
type StrategyConfigStore interface {
	Get(ctx context.Context, id string) (*StrategyConfig, error)
	Create(ctx context.Context, c *StrategyConfig) error
	Update(ctx context.Context, c *StrategyConfig) error
	ListByOwner(ctx context.Context, owner string) ([]*StrategyConfig, error)
}
