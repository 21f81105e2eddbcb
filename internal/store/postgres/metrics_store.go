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

// MetricsStore implements domain.MetricsStore using PostgreSQL.
// metrics_snapshots rows are append-only: checkpoints accumulate one row per
// write, the final snapshot is identified by kind='final' and is never
// updated once written.
type MetricsStore struct {
	pool *pgxpool.Pool
}

// NewMetricsStore creates a new MetricsStore backed by the given connection pool.
func NewMetricsStore(pool *pgxpool.Pool) *MetricsStore {
	return &MetricsStore{pool: pool}
}

func decStr(d decimal.Decimal) string { return d.String() }

func nullableDecPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func (s *MetricsStore) insert(ctx context.Context, m *domain.MetricsSnapshot) error {
	curveJSON, err := json.Marshal(m.EquityCurve)
	if err != nil {
		return fmt.Errorf("postgres: marshal equity curve: %w", err)
	}
	if m.ComputedAt.IsZero() {
		m.ComputedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO metrics_snapshots (
			execution_id, kind, total_return, total_pnl, realized_pnl, unrealized_pnl,
			total_trades, winning_trades, losing_trades, win_rate, max_drawdown,
			sharpe_ratio, profit_factor, average_win, average_loss, equity_curve, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = s.pool.Exec(ctx, query,
		m.ExecutionID, string(m.Kind), decStr(m.TotalReturn), decStr(m.TotalPnL), decStr(m.RealizedPnL), decStr(m.UnrealizedPnL),
		m.TotalTrades, m.WinningTrades, m.LosingTrades, decStr(m.WinRate), decStr(m.MaxDrawdown),
		nullableDecPtr(m.SharpeRatio), nullableDecPtr(m.ProfitFactor), decStr(m.AverageWin), decStr(m.AverageLoss),
		curveJSON, m.ComputedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert metrics snapshot for %s: %w", m.ExecutionID, err)
	}
	return nil
}

// SaveCheckpoint implements domain.MetricsStore.
func (s *MetricsStore) SaveCheckpoint(ctx context.Context, m *domain.MetricsSnapshot) error {
	m.Kind = domain.MetricsKindCheckpoint
	return s.insert(ctx, m)
}

// SaveFinal implements domain.MetricsStore.
func (s *MetricsStore) SaveFinal(ctx context.Context, m *domain.MetricsSnapshot) error {
	m.Kind = domain.MetricsKindFinal
	return s.insert(ctx, m)
}

// ForExecution implements domain.MetricsStore: prefers the final snapshot,
// falling back to the most recent checkpoint, since a final snapshot wins
// once it exists.
func (s *MetricsStore) ForExecution(ctx context.Context, executionID string) (*domain.MetricsSnapshot, bool, error) {
	const query = `
		SELECT execution_id, kind, total_return, total_pnl, realized_pnl, unrealized_pnl,
			total_trades, winning_trades, losing_trades, win_rate, max_drawdown,
			sharpe_ratio, profit_factor, average_win, average_loss, equity_curve, computed_at
		FROM metrics_snapshots
		WHERE execution_id = $1
		ORDER BY (kind = 'final') DESC, computed_at DESC
		LIMIT 1`
	row := s.pool.QueryRow(ctx, query, executionID)

	var m domain.MetricsSnapshot
	var kind, totalReturn, totalPnL, realizedPnL, unrealizedPnL, winRate, maxDrawdown, avgWin, avgLoss string
	var sharpe, profitFactor *string
	var curveJSON []byte
	err := row.Scan(&m.ExecutionID, &kind, &totalReturn, &totalPnL, &realizedPnL, &unrealizedPnL,
		&m.TotalTrades, &m.WinningTrades, &m.LosingTrades, &winRate, &maxDrawdown,
		&sharpe, &profitFactor, &avgWin, &avgLoss, &curveJSON, &m.ComputedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgres: scan metrics snapshot for %s: %w", executionID, err)
	}

	m.Kind = domain.MetricsKind(kind)
	m.TotalReturn, _ = decimal.NewFromString(totalReturn)
	m.TotalPnL, _ = decimal.NewFromString(totalPnL)
	m.RealizedPnL, _ = decimal.NewFromString(realizedPnL)
	m.UnrealizedPnL, _ = decimal.NewFromString(unrealizedPnL)
	m.WinRate, _ = decimal.NewFromString(winRate)
	m.MaxDrawdown, _ = decimal.NewFromString(maxDrawdown)
	m.AverageWin, _ = decimal.NewFromString(avgWin)
	m.AverageLoss, _ = decimal.NewFromString(avgLoss)
	if sharpe != nil {
		v, _ := decimal.NewFromString(*sharpe)
		m.SharpeRatio = &v
	}
	if profitFactor != nil {
		v, _ := decimal.NewFromString(*profitFactor)
		m.ProfitFactor = &v
	}
	if len(curveJSON) > 0 {
		if err := json.Unmarshal(curveJSON, &m.EquityCurve); err != nil {
			return nil, false, fmt.Errorf("postgres: unmarshal equity curve for %s: %w", executionID, err)
		}
	}
	return &m, true, nil
}

var _ domain.MetricsStore = (*MetricsStore)(nil)
