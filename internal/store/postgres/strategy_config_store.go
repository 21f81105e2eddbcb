package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// StrategyConfigStore implements domain.StrategyConfigStore using PostgreSQL.
type StrategyConfigStore struct {
	pool *pgxpool.Pool
}

// NewStrategyConfigStore creates a new StrategyConfigStore backed by the
// given connection pool.
func NewStrategyConfigStore(pool *pgxpool.Pool) *StrategyConfigStore {
	return &StrategyConfigStore{pool: pool}
}

const strategyConfigCols = `id, owner, name, strategy_type, parameters, created_at, updated_at`

func scanStrategyConfig(row pgx.Row) (*domain.StrategyConfig, error) {
	var c domain.StrategyConfig
	var paramsJSON []byte
	if err := row.Scan(&c.ID, &c.Owner, &c.Name, &c.StrategyType, &paramsJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan strategy config: %w", err)
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &c.Parameters); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal strategy config parameters: %w", err)
		}
	}
	return &c, nil
}

// Get implements domain.StrategyConfigStore.
func (s *StrategyConfigStore) Get(ctx context.Context, id string) (*domain.StrategyConfig, error) {
	query := `SELECT ` + strategyConfigCols + ` FROM strategy_configs WHERE id = $1`
	return scanStrategyConfig(s.pool.QueryRow(ctx, query, id))
}

// Create implements domain.StrategyConfigStore.
func (s *StrategyConfigStore) Create(ctx context.Context, c *domain.StrategyConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	paramsJSON, err := json.Marshal(c.Parameters)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy config parameters: %w", err)
	}
	now := time.Now().UTC()
	const query = `
		INSERT INTO strategy_configs (id, owner, name, strategy_type, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`
	if _, err := s.pool.Exec(ctx, query, c.ID, c.Owner, c.Name, c.StrategyType, paramsJSON, now); err != nil {
		return fmt.Errorf("postgres: create strategy config %s: %w", c.ID, err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// Update implements domain.StrategyConfigStore.
func (s *StrategyConfigStore) Update(ctx context.Context, c *domain.StrategyConfig) error {
	paramsJSON, err := json.Marshal(c.Parameters)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy config parameters: %w", err)
	}
	const query = `
		UPDATE strategy_configs SET name = $2, strategy_type = $3, parameters = $4, updated_at = $5
		WHERE id = $1`
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, query, c.ID, c.Name, c.StrategyType, paramsJSON, now)
	if err != nil {
		return fmt.Errorf("postgres: update strategy config %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	c.UpdatedAt = now
	return nil
}

// ListByOwner implements domain.StrategyConfigStore.
func (s *StrategyConfigStore) ListByOwner(ctx context.Context, owner string) ([]*domain.StrategyConfig, error) {
	query := `SELECT ` + strategyConfigCols + ` FROM strategy_configs WHERE owner = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategy configs for %s: %w", owner, err)
	}
	defer rows.Close()

	var out []*domain.StrategyConfig
	for rows.Next() {
		c, err := scanStrategyConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ domain.StrategyConfigStore = (*StrategyConfigStore)(nil)
