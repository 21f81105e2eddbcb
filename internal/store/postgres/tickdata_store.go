package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// TickDataStore implements domain.TickDataStore using PostgreSQL, the read
// side of the historical tick table a Backtest Replay Source pages through.
type TickDataStore struct {
	pool *pgxpool.Pool
}

// NewTickDataStore creates a new TickDataStore backed by the given
// connection pool.
func NewTickDataStore(pool *pgxpool.Pool) *TickDataStore {
	return &TickDataStore{pool: pool}
}

// CountRange implements domain.TickDataStore.
func (s *TickDataStore) CountRange(ctx context.Context, source string, start, end time.Time) (int64, error) {
	const query = `SELECT COUNT(*) FROM tick_data WHERE source = $1 AND timestamp >= $2 AND timestamp < $3`
	var n int64
	if err := s.pool.QueryRow(ctx, query, source, start, end).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count tick_data for %s: %w", source, err)
	}
	return n, nil
}

// ListRange implements domain.TickDataStore. after is exclusive, end is
// exclusive; callers page by re-issuing with after set to the last
// returned tick's timestamp.
func (s *TickDataStore) ListRange(ctx context.Context, source string, after, end time.Time, limit int) ([]*domain.Tick, error) {
	const query = `
		SELECT symbol, bid, ask, mid, timestamp
		FROM tick_data
		WHERE source = $1 AND timestamp > $2 AND timestamp < $3
		ORDER BY timestamp ASC
		LIMIT $4`
	rows, err := s.pool.Query(ctx, query, source, after, end, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tick_data for %s: %w", source, err)
	}
	defer rows.Close()

	var ticks []*domain.Tick
	for rows.Next() {
		var symbol, mid string
		var bid, ask *string
		var ts time.Time
		if err := rows.Scan(&symbol, &bid, &ask, &mid, &ts); err != nil {
			return nil, fmt.Errorf("postgres: scan tick_data row: %w", err)
		}
		tick := &domain.Tick{Symbol: symbol, Timestamp: ts}
		if bid != nil {
			d, derr := decimal.NewFromString(*bid)
			if derr == nil {
				tick.Bid = &d
			}
		}
		if ask != nil {
			d, derr := decimal.NewFromString(*ask)
			if derr == nil {
				tick.Ask = &d
			}
		}
		if d, derr := decimal.NewFromString(mid); derr == nil {
			tick.Mid = d
		}
		ticks = append(ticks, tick)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate tick_data rows: %w", err)
	}
	return ticks, nil
}

var _ domain.TickDataStore = (*TickDataStore)(nil)
