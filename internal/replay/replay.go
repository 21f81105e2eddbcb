// Package replay implements domain.HistoricalTickSource, publishing
// previously-ingested tick data for a backtest task's data source onto a
// dedicated channel the worker has already subscribed to.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// defaultBatchSize bounds how many rows Source loads per ListRange call, so
// a wide start/end range never pulls an unbounded result set into memory.
const defaultBatchSize = 500

// Source implements domain.HistoricalTickSource against a TickDataStore and
// a TickBus, the Postgres-backed replay path described for backtests.
type Source struct {
	Store     domain.TickDataStore
	Bus       domain.TickBus
	BatchSize int
	Logger    *slog.Logger
}

// NewSource creates a Source with the given store and bus.
func NewSource(store domain.TickDataStore, bus domain.TickBus, logger *slog.Logger) *Source {
	return &Source{Store: store, Bus: bus, BatchSize: defaultBatchSize, Logger: logger}
}

func (s *Source) batchSize() int {
	if s.BatchSize <= 0 {
		return defaultBatchSize
	}
	return s.BatchSize
}

// PublishRange implements domain.HistoricalTickSource. It counts the ticks
// in range up front (logged against the published count at the end), then
// pages through ListRange publishing each tick in timestamp order, and
// finally publishes a ControlEOF envelope whose PublishedTotal is the
// number of ticks actually published. The caller must have already subscribed to channel;
// Pub/Sub never replays, so a late subscriber would miss everything.
func (s *Source) PublishRange(ctx context.Context, dataSource, channel string, start, end time.Time) error {
	total, err := s.Store.CountRange(ctx, dataSource, start, end)
	if err != nil {
		return fmt.Errorf("replay: count range for %s: %w", dataSource, err)
	}

	var published int64
	cursor := start.Add(-time.Nanosecond)
	batch := s.batchSize()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ticks, err := s.Store.ListRange(ctx, dataSource, cursor, end, batch)
		if err != nil {
			return fmt.Errorf("replay: list range for %s: %w", dataSource, err)
		}
		if len(ticks) == 0 {
			break
		}

		for _, t := range ticks {
			if err := s.Bus.Publish(ctx, channel, domain.Envelope{Tick: t}); err != nil {
				return fmt.Errorf("replay: publish tick for %s: %w", dataSource, err)
			}
			published++
		}
		cursor = ticks[len(ticks)-1].Timestamp

		if len(ticks) < batch {
			break
		}
	}

	if s.Logger != nil {
		s.Logger.Info("replay: finished publishing range",
			slog.String("data_source", dataSource),
			slog.String("channel", channel),
			slog.Int64("expected_total", total),
			slog.Int64("published", published))
	}

	if err := s.Bus.Publish(ctx, channel, domain.Envelope{Control: domain.ControlEOF, PublishedTotal: published}); err != nil {
		return fmt.Errorf("replay: publish eof for %s: %w", dataSource, err)
	}
	return nil
}

var _ domain.HistoricalTickSource = (*Source)(nil)
