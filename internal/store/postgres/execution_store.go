package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given
// connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionCols = `id, task_type, task_id, execution_number, status, progress, started_at, completed_at, error_message, error_traceback`

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var e domain.Execution
	var taskType, status string
	if err := row.Scan(&e.ID, &taskType, &e.TaskID, &e.ExecutionNumber, &status, &e.Progress,
		&e.StartedAt, &e.CompletedAt, &e.ErrorMessage, &e.ErrorTraceback); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan execution: %w", err)
	}
	e.TaskType, e.Status = domain.TaskType(taskType), domain.ExecutionStatus(status)
	return &e, nil
}

// AllocateExecution implements domain.ExecutionStore. It allocates the next
// ExecutionNumber for (taskType, taskID) under a row lock so concurrent
// restarts of the same task never collide — mirroring the original
// implementation's max(execution_number)+1 under a transaction.
func (s *ExecutionStore) AllocateExecution(ctx context.Context, taskType domain.TaskType, taskID string) (*domain.Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: allocate execution begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// PostgreSQL rejects FOR UPDATE combined with an aggregate and no GROUP
	// BY, so lock the latest row (if any) directly and compute the next
	// number in Go rather than aggregating under the lock.
	var maxNum int
	err = tx.QueryRow(ctx,
		`SELECT execution_number FROM executions WHERE task_type = $1 AND task_id = $2 ORDER BY execution_number DESC LIMIT 1 FOR UPDATE`,
		string(taskType), taskID,
	).Scan(&maxNum)
	if err != nil {
		if err != pgx.ErrNoRows {
			return nil, fmt.Errorf("postgres: allocate execution lock prior rows: %w", err)
		}
		maxNum = 0
	}

	e := &domain.Execution{
		ID:              uuid.New().String(),
		TaskType:        taskType,
		TaskID:          taskID,
		ExecutionNumber: maxNum + 1,
		Status:          domain.ExecutionStatusRunning,
		Progress:        0,
		StartedAt:       time.Now().UTC(),
	}

	const insert = `
		INSERT INTO executions (id, task_type, task_id, execution_number, status, progress, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insert, e.ID, string(e.TaskType), e.TaskID, e.ExecutionNumber, string(e.Status), e.Progress, e.StartedAt); err != nil {
		return nil, fmt.Errorf("postgres: allocate execution insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: allocate execution commit: %w", err)
	}
	return e, nil
}

// Get implements domain.ExecutionStore.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	query := `SELECT ` + executionCols + ` FROM executions WHERE id = $1`
	return scanExecution(s.pool.QueryRow(ctx, query, id))
}

// LatestForTask implements domain.ExecutionStore.
func (s *ExecutionStore) LatestForTask(ctx context.Context, taskType domain.TaskType, taskID string) (*domain.Execution, error) {
	query := `SELECT ` + executionCols + ` FROM executions WHERE task_type = $1 AND task_id = $2 ORDER BY execution_number DESC LIMIT 1`
	return scanExecution(s.pool.QueryRow(ctx, query, string(taskType), taskID))
}

// UpdateProgress implements domain.ExecutionStore.
func (s *ExecutionStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	const query = `UPDATE executions SET progress = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, progress)
	if err != nil {
		return fmt.Errorf("postgres: update execution progress %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkCompleted implements domain.ExecutionStore.
func (s *ExecutionStore) MarkCompleted(ctx context.Context, id string) error {
	const query = `UPDATE executions SET status = 'completed', progress = 100, completed_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: mark execution completed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailed implements domain.ExecutionStore.
func (s *ExecutionStore) MarkFailed(ctx context.Context, id string, message, traceback string) error {
	const query = `UPDATE executions SET status = 'failed', completed_at = NOW(), error_message = $2, error_traceback = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, message, traceback)
	if err != nil {
		return fmt.Errorf("postgres: mark execution failed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkStopped implements domain.ExecutionStore.
func (s *ExecutionStore) MarkStopped(ctx context.Context, id string) error {
	const query = `UPDATE executions SET status = 'stopped', completed_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: mark execution stopped %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendStrategyEvent implements domain.ExecutionStore.
func (s *ExecutionStore) AppendStrategyEvent(ctx context.Context, e *domain.StrategyEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	detailJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy event details: %w", err)
	}
	const query = `
		INSERT INTO strategy_events (id, execution_id, sequence, event_type, message, details, created_at)
		SELECT $1, $2, COALESCE((SELECT MAX(sequence) FROM strategy_events WHERE execution_id = $2), 0) + 1, $3, $4, $5, NOW()`
	if _, err := s.pool.Exec(ctx, query, e.ID, e.ExecutionID, e.EventType, e.Message, detailJSON); err != nil {
		return fmt.Errorf("postgres: append strategy event: %w", err)
	}
	return nil
}

// AppendTradeLogEntry implements domain.ExecutionStore.
func (s *ExecutionStore) AppendTradeLogEntry(ctx context.Context, e *domain.TradeLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	detailJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("postgres: marshal trade log details: %w", err)
	}
	const query = `
		INSERT INTO trade_log_entries (id, execution_id, sequence, side, entry_time, entry_price, exit_time, exit_price, size, pnl, details)
		SELECT $1, $2, COALESCE((SELECT MAX(sequence) FROM trade_log_entries WHERE execution_id = $2), 0) + 1,
		       $3, $4, $5, $6, $7, $8, $9, $10`
	if _, err := s.pool.Exec(ctx, query, e.ID, e.ExecutionID, e.Side, e.EntryTime, e.EntryPrice.String(),
		e.ExitTime, nullableDecimalString(e.ExitPrice, e.ExitTime), e.Size.String(), e.PnL.String(), detailJSON); err != nil {
		return fmt.Errorf("postgres: append trade log entry: %w", err)
	}
	return nil
}

// nullableDecimalString returns nil when the associated timestamp pointer is
// nil (no exit yet), so exit_price stays NULL alongside exit_time.
func nullableDecimalString(d decimal.Decimal, t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.String()
}

// AppendEquityPoint implements domain.ExecutionStore.
func (s *ExecutionStore) AppendEquityPoint(ctx context.Context, e *domain.EquityPoint) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	const query = `
		INSERT INTO equity_points (id, execution_id, sequence, timestamp, balance)
		SELECT $1, $2, COALESCE((SELECT MAX(sequence) FROM equity_points WHERE execution_id = $2), 0) + 1, $3, $4`
	if _, err := s.pool.Exec(ctx, query, e.ID, e.ExecutionID, e.Timestamp, e.Balance.String()); err != nil {
		return fmt.Errorf("postgres: append equity point: %w", err)
	}
	return nil
}

// ListStrategyEvents implements domain.ExecutionStore.
func (s *ExecutionStore) ListStrategyEvents(ctx context.Context, executionID string, opts domain.ListOpts) ([]*domain.StrategyEvent, error) {
	query := `SELECT id, execution_id, sequence, event_type, message, details, created_at FROM strategy_events WHERE execution_id = $1`
	args := []any{executionID}
	argIdx := 2
	if !opts.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, opts.Since)
		argIdx++
	}
	if !opts.Until.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, opts.Until)
		argIdx++
	}
	query += " ORDER BY sequence"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategy events %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []*domain.StrategyEvent
	for rows.Next() {
		var e domain.StrategyEvent
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.EventType, &e.Message, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy event: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal strategy event details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListTradeLog implements domain.ExecutionStore.
func (s *ExecutionStore) ListTradeLog(ctx context.Context, executionID string) ([]*domain.TradeLogEntry, error) {
	const query = `
		SELECT id, execution_id, sequence, side, entry_time, entry_price, exit_time, exit_price, size, pnl, details
		FROM trade_log_entries WHERE execution_id = $1 ORDER BY sequence`
	rows, err := s.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade log %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []*domain.TradeLogEntry
	for rows.Next() {
		var e domain.TradeLogEntry
		var entryPriceStr, sizeStr, pnlStr string
		var exitPriceStr *string
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.Side, &e.EntryTime, &entryPriceStr,
			&e.ExitTime, &exitPriceStr, &sizeStr, &pnlStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan trade log entry: %w", err)
		}
		e.EntryPrice, _ = decimal.NewFromString(entryPriceStr)
		e.Size, _ = decimal.NewFromString(sizeStr)
		e.PnL, _ = decimal.NewFromString(pnlStr)
		if exitPriceStr != nil {
			e.ExitPrice, _ = decimal.NewFromString(*exitPriceStr)
		}
		if len(detailJSON) > 0 {
			_ = json.Unmarshal(detailJSON, &e.Details)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListEquityCurve implements domain.ExecutionStore.
func (s *ExecutionStore) ListEquityCurve(ctx context.Context, executionID string) ([]*domain.EquityPoint, error) {
	const query = `SELECT id, execution_id, sequence, timestamp, balance FROM equity_points WHERE execution_id = $1 ORDER BY sequence`
	rows, err := s.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list equity curve %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []*domain.EquityPoint
	for rows.Next() {
		var e domain.EquityPoint
		var balanceStr string
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.Timestamp, &balanceStr); err != nil {
			return nil, fmt.Errorf("postgres: scan equity point: %w", err)
		}
		e.Balance, _ = decimal.NewFromString(balanceStr)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListStrategyEventsBefore returns strategy events belonging to terminal
// executions that completed strictly before the given cutoff, for the
// archiver (internal/blob/s3) to move to cold storage.
func (s *ExecutionStore) ListStrategyEventsBefore(ctx context.Context, before time.Time) ([]*domain.StrategyEvent, error) {
	const query = `
		SELECT se.id, se.execution_id, se.sequence, se.event_type, se.message, se.details, se.created_at
		FROM strategy_events se
		JOIN executions e ON e.id = se.execution_id
		WHERE e.completed_at IS NOT NULL AND e.completed_at < $1
		ORDER BY se.execution_id, se.sequence`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategy events before %s: %w", before, err)
	}
	defer rows.Close()

	var out []*domain.StrategyEvent
	for rows.Next() {
		var e domain.StrategyEvent
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.EventType, &e.Message, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy event: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal strategy event details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListTradeLogBefore returns trade log entries belonging to terminal
// executions that completed strictly before the given cutoff.
func (s *ExecutionStore) ListTradeLogBefore(ctx context.Context, before time.Time) ([]*domain.TradeLogEntry, error) {
	const query = `
		SELECT tl.id, tl.execution_id, tl.sequence, tl.side, tl.entry_time, tl.entry_price, tl.exit_time, tl.exit_price, tl.size, tl.pnl, tl.details
		FROM trade_log_entries tl
		JOIN executions e ON e.id = tl.execution_id
		WHERE e.completed_at IS NOT NULL AND e.completed_at < $1
		ORDER BY tl.execution_id, tl.sequence`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade log before %s: %w", before, err)
	}
	defer rows.Close()

	var out []*domain.TradeLogEntry
	for rows.Next() {
		var e domain.TradeLogEntry
		var entryPriceStr, sizeStr, pnlStr string
		var exitPriceStr *string
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.Side, &e.EntryTime, &entryPriceStr,
			&e.ExitTime, &exitPriceStr, &sizeStr, &pnlStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan trade log entry: %w", err)
		}
		e.EntryPrice, _ = decimal.NewFromString(entryPriceStr)
		e.Size, _ = decimal.NewFromString(sizeStr)
		e.PnL, _ = decimal.NewFromString(pnlStr)
		if exitPriceStr != nil {
			e.ExitPrice, _ = decimal.NewFromString(*exitPriceStr)
		}
		if len(detailJSON) > 0 {
			_ = json.Unmarshal(detailJSON, &e.Details)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListEquityPointsBefore returns equity curve samples belonging to terminal
// executions that completed strictly before the given cutoff.
func (s *ExecutionStore) ListEquityPointsBefore(ctx context.Context, before time.Time) ([]*domain.EquityPoint, error) {
	const query = `
		SELECT ep.id, ep.execution_id, ep.sequence, ep.timestamp, ep.balance
		FROM equity_points ep
		JOIN executions e ON e.id = ep.execution_id
		WHERE e.completed_at IS NOT NULL AND e.completed_at < $1
		ORDER BY ep.execution_id, ep.sequence`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list equity points before %s: %w", before, err)
	}
	defer rows.Close()

	var out []*domain.EquityPoint
	for rows.Next() {
		var e domain.EquityPoint
		var balanceStr string
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.Timestamp, &balanceStr); err != nil {
			return nil, fmt.Errorf("postgres: scan equity point: %w", err)
		}
		e.Balance, _ = decimal.NewFromString(balanceStr)
		out = append(out, &e)
	}
	return out, rows.Err()
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
