package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBlobWriter is an in-memory domain.BlobWriter recording every Put call.
type fakeBlobWriter struct {
	puts map[string][]byte
}

func newFakeBlobWriter() *fakeBlobWriter {
	return &fakeBlobWriter{puts: map[string][]byte{}}
}

func (f *fakeBlobWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.puts[path] = buf
	return nil
}

func (f *fakeBlobWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return f.Put(ctx, path, data, "")
}

type fakeEventStore struct {
	events []*domain.StrategyEvent
}

func (f *fakeEventStore) ListStrategyEventsBefore(ctx context.Context, before time.Time) ([]*domain.StrategyEvent, error) {
	return f.events, nil
}

type fakeTradeLogStore struct {
	entries []*domain.TradeLogEntry
}

func (f *fakeTradeLogStore) ListTradeLogBefore(ctx context.Context, before time.Time) ([]*domain.TradeLogEntry, error) {
	return f.entries, nil
}

type fakeEquityStore struct {
	points []*domain.EquityPoint
}

func (f *fakeEquityStore) ListEquityPointsBefore(ctx context.Context, before time.Time) ([]*domain.EquityPoint, error) {
	return f.points, nil
}

func TestArchiveStrategyEventsUploadsJSONL(t *testing.T) {
	writer := newFakeBlobWriter()
	events := &fakeEventStore{events: []*domain.StrategyEvent{
		{ID: "ev-1", ExecutionID: "exec-1", Sequence: 1, EventType: "signal", Message: "buy"},
		{ID: "ev-2", ExecutionID: "exec-1", Sequence: 2, EventType: "signal", Message: "sell"},
	}}
	archiver := NewArchiver(writer, events, &fakeTradeLogStore{}, &fakeEquityStore{}, testLogger())

	before := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	count, err := archiver.ArchiveStrategyEvents(context.Background(), before)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	buf, ok := writer.puts["archive/strategy_events/2026-06.jsonl"]
	require.True(t, ok, "expected upload at the year-month partitioned path")

	var lines []domain.StrategyEvent
	dec := json.NewDecoder(bytes.NewReader(buf))
	for dec.More() {
		var e domain.StrategyEvent
		require.NoError(t, dec.Decode(&e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "ev-1", lines[0].ID)
	assert.Equal(t, "ev-2", lines[1].ID)
}

func TestArchiveTradeLogSkipsEmptyResult(t *testing.T) {
	writer := newFakeBlobWriter()
	archiver := NewArchiver(writer, &fakeEventStore{}, &fakeTradeLogStore{}, &fakeEquityStore{}, testLogger())

	count, err := archiver.ArchiveTradeLog(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, writer.puts, "no upload should happen when there is nothing to archive")
}

func TestArchiveEquityCurveUploadsJSONL(t *testing.T) {
	writer := newFakeBlobWriter()
	equity := &fakeEquityStore{points: []*domain.EquityPoint{
		{ID: "pt-1", ExecutionID: "exec-1", Sequence: 1, Balance: decimal.NewFromInt(10000)},
	}}
	archiver := NewArchiver(writer, &fakeEventStore{}, &fakeTradeLogStore{}, equity, testLogger())

	before := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	count, err := archiver.ArchiveEquityCurve(context.Background(), before)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	_, ok := writer.puts["archive/equity_curve/2026-01.jsonl"]
	assert.True(t, ok)
}

var _ domain.BlobWriter = (*fakeBlobWriter)(nil)
var _ StrategyEventArchiveStore = (*fakeEventStore)(nil)
var _ TradeLogArchiveStore = (*fakeTradeLogStore)(nil)
var _ EquityPointArchiveStore = (*fakeEquityStore)(nil)
