package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// TaskStore implements domain.TaskStore using PostgreSQL: explicit column
// lists, pgx.ErrNoRows translated to domain.ErrNotFound, and
// RowsAffected()==0 checks on updates.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a new TaskStore backed by the given connection pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const tradingTaskCols = `id, owner, name, strategy_config_id, status, account_id, strategy_state, created_at, updated_at`

func scanTradingTask(row pgx.Row) (*domain.TradingTask, error) {
	var t domain.TradingTask
	var status string
	var state []byte
	err := row.Scan(&t.ID, &t.Owner, &t.Name, &t.StrategyConfigID, &status, &t.AccountID, &state, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan trading task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	t.StrategyState = json.RawMessage(state)
	return &t, nil
}

// GetTradingTask implements domain.TaskStore.
func (s *TaskStore) GetTradingTask(ctx context.Context, id string) (*domain.TradingTask, error) {
	query := `SELECT ` + tradingTaskCols + ` FROM trading_tasks WHERE id = $1`
	return scanTradingTask(s.pool.QueryRow(ctx, query, id))
}

// CreateTradingTask implements domain.TaskStore.
func (s *TaskStore) CreateTradingTask(ctx context.Context, t *domain.TradingTask) error {
	if t.Status == "" {
		t.Status = domain.TaskStatusPending
	}
	now := time.Now().UTC()
	state := t.StrategyState
	if state == nil {
		state = json.RawMessage("{}")
	}
	const query = `
		INSERT INTO trading_tasks (id, owner, name, strategy_config_id, status, account_id, strategy_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`
	_, err := s.pool.Exec(ctx, query, t.ID, t.Owner, t.Name, t.StrategyConfigID, string(t.Status), t.AccountID, state, now)
	if err != nil {
		return fmt.Errorf("postgres: create trading task %s: %w", t.ID, err)
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

// UpdateTradingTaskStatus implements domain.TaskStore.
func (s *TaskStore) UpdateTradingTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	const query = `UPDATE trading_tasks SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update trading task status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveStrategyState implements domain.TaskStore. It targets trading_tasks
// since only TradingTask carries mutable strategy state across ticks.
func (s *TaskStore) SaveStrategyState(ctx context.Context, id string, state json.RawMessage) error {
	const query = `UPDATE trading_tasks SET strategy_state = $2, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, []byte(state))
	if err != nil {
		return fmt.Errorf("postgres: save strategy state %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRunningTradingTasks implements domain.TaskStore.
func (s *TaskStore) ListRunningTradingTasks(ctx context.Context) ([]*domain.TradingTask, error) {
	query := `SELECT ` + tradingTaskCols + ` FROM trading_tasks WHERE status IN ('running', 'paused') ORDER BY updated_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list running trading tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.TradingTask
	for rows.Next() {
		t, err := scanTradingTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const backtestTaskCols = `id, owner, name, strategy_config_id, status, start_time, end_time, initial_balance, data_source, created_at, updated_at`

func scanBacktestTask(row pgx.Row) (*domain.BacktestTask, error) {
	var t domain.BacktestTask
	var status, balanceStr string
	err := row.Scan(&t.ID, &t.Owner, &t.Name, &t.StrategyConfigID, &status, &t.StartTime, &t.EndTime, &balanceStr, &t.DataSource, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan backtest task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	bal, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse initial_balance: %w", err)
	}
	t.InitialBalance = bal
	return &t, nil
}

// GetBacktestTask implements domain.TaskStore.
func (s *TaskStore) GetBacktestTask(ctx context.Context, id string) (*domain.BacktestTask, error) {
	query := `SELECT ` + backtestTaskCols + ` FROM backtest_tasks WHERE id = $1`
	return scanBacktestTask(s.pool.QueryRow(ctx, query, id))
}

// CreateBacktestTask implements domain.TaskStore.
func (s *TaskStore) CreateBacktestTask(ctx context.Context, t *domain.BacktestTask) error {
	if t.Status == "" {
		t.Status = domain.TaskStatusPending
	}
	now := time.Now().UTC()
	const query = `
		INSERT INTO backtest_tasks (id, owner, name, strategy_config_id, status, start_time, end_time, initial_balance, data_source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	_, err := s.pool.Exec(ctx, query, t.ID, t.Owner, t.Name, t.StrategyConfigID, string(t.Status),
		t.StartTime, t.EndTime, t.InitialBalance.String(), t.DataSource, now)
	if err != nil {
		return fmt.Errorf("postgres: create backtest task %s: %w", t.ID, err)
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

// UpdateBacktestTaskStatus implements domain.TaskStore.
func (s *TaskStore) UpdateBacktestTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	const query = `UPDATE backtest_tasks SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update backtest task status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRunningBacktestTasks implements domain.TaskStore.
func (s *TaskStore) ListRunningBacktestTasks(ctx context.Context) ([]*domain.BacktestTask, error) {
	query := `SELECT ` + backtestTaskCols + ` FROM backtest_tasks WHERE status = 'running' ORDER BY updated_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list running backtest tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.BacktestTask
	for rows.Next() {
		t, err := scanBacktestTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ domain.TaskStore = (*TaskStore)(nil)
