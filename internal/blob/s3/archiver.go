package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// These follow the Interface Segregation Principle: the archiver only
// requires the query methods it actually calls, not the full
// domain.ExecutionStore interface. internal/store/postgres.ExecutionStore
// satisfies these implicitly through its ListStrategyEventsBefore /
// ListTradeLogBefore / ListEquityPointsBefore methods.
// ---------------------------------------------------------------------------

// StrategyEventArchiveStore provides read access to strategy events for
// archival purposes.
type StrategyEventArchiveStore interface {
	// ListStrategyEventsBefore returns strategy events belonging to
	// terminal executions that completed strictly before the cutoff.
	ListStrategyEventsBefore(ctx context.Context, before time.Time) ([]*domain.StrategyEvent, error)
}

// TradeLogArchiveStore provides read access to trade log entries for
// archival purposes.
type TradeLogArchiveStore interface {
	ListTradeLogBefore(ctx context.Context, before time.Time) ([]*domain.TradeLogEntry, error)
}

// EquityPointArchiveStore provides read access to equity curve samples for
// archival purposes.
type EquityPointArchiveStore interface {
	ListEquityPointsBefore(ctx context.Context, before time.Time) ([]*domain.EquityPoint, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the execution store for
// old execution children, serializing them to JSONL, and uploading the
// result to S3.
//
// Deletion of the archived rows from Postgres is intentionally NOT
// performed here -- that is a separate, explicit step to be executed after
// the archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	events StrategyEventArchiveStore
	trades TradeLogArchiveStore
	equity EquityPointArchiveStore
	logger *slog.Logger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	events StrategyEventArchiveStore,
	trades TradeLogArchiveStore,
	equity EquityPointArchiveStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		events: events,
		trades: trades,
		equity: equity,
		logger: logger,
	}
}

// ArchiveStrategyEvents queries all strategy events belonging to executions
// that completed before the cutoff, serializes them to JSONL, and uploads
// the file to S3 at archive/strategy_events/YYYY-MM.jsonl. The count of
// archived records is returned.
func (a *ArchiveImpl) ArchiveStrategyEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListStrategyEventsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive strategy events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive strategy events marshal: %w", err)
	}

	path := archivePath("strategy_events", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive strategy events upload: %w", err)
	}

	count := int64(len(events))
	a.logger.Info("archived strategy events", slog.String("path", path), slog.Int64("count", count),
		slog.String("before", before.Format(time.RFC3339)))
	return count, nil
}

// ArchiveTradeLog queries all trade log entries belonging to executions
// that completed before the cutoff, serializes them to JSONL, and uploads
// the file to S3 at archive/trade_log/YYYY-MM.jsonl. The count of archived
// records is returned.
func (a *ArchiveImpl) ArchiveTradeLog(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.trades.ListTradeLogBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade log query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade log marshal: %w", err)
	}

	path := archivePath("trade_log", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trade log upload: %w", err)
	}

	count := int64(len(entries))
	a.logger.Info("archived trade log entries", slog.String("path", path), slog.Int64("count", count),
		slog.String("before", before.Format(time.RFC3339)))
	return count, nil
}

// ArchiveEquityCurve queries all equity curve samples belonging to
// executions that completed before the cutoff, serializes them to JSONL,
// and uploads the file to S3 at archive/equity_curve/YYYY-MM.jsonl. The
// count of archived records is returned.
func (a *ArchiveImpl) ArchiveEquityCurve(ctx context.Context, before time.Time) (int64, error) {
	points, err := a.equity.ListEquityPointsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive equity curve query: %w", err)
	}
	if len(points) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(points)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive equity curve marshal: %w", err)
	}

	path := archivePath("equity_curve", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive equity curve upload: %w", err)
	}

	count := int64(len(points))
	a.logger.Info("archived equity curve points", slog.String("path", path), slog.Int64("count", count),
		slog.String("before", before.Format(time.RFC3339)))
	return count, nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/strategy_events/2025-01.jsonl
//	archive/trade_log/2025-01.jsonl
//	archive/equity_curve/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
