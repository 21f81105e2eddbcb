package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// ResultStore implements domain.ExecutionResultStore using PostgreSQL, an
// append + unpaginated list-by-task store over a typed row rather than a
// freeform event/detail pair.
type ResultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore creates a new ResultStore backed by the given connection pool.
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// Create implements domain.ExecutionResultStore.
func (s *ResultStore) Create(ctx context.Context, r *domain.ExecutionResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO execution_results (id, task_type, task_id, success, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query, r.ID, string(r.TaskType), r.TaskID, r.Success, r.Summary, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create execution result %s: %w", r.ID, err)
	}
	return nil
}

// ListForTask implements domain.ExecutionResultStore.
func (s *ResultStore) ListForTask(ctx context.Context, taskType domain.TaskType, taskID string) ([]*domain.ExecutionResult, error) {
	const query = `
		SELECT id, task_type, task_id, success, summary, created_at
		FROM execution_results WHERE task_type = $1 AND task_id = $2 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, string(taskType), taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list execution results for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*domain.ExecutionResult
	for rows.Next() {
		var r domain.ExecutionResult
		var tt string
		if err := rows.Scan(&r.ID, &tt, &r.TaskID, &r.Success, &r.Summary, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan execution result: %w", err)
		}
		r.TaskType = domain.TaskType(tt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

var _ domain.ExecutionResultStore = (*ResultStore)(nil)
