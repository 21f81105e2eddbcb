package replay

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

type fakeStore struct {
	ticks []*domain.Tick
	count int64
}

func (f *fakeStore) CountRange(ctx context.Context, source string, start, end time.Time) (int64, error) {
	return f.count, nil
}

func (f *fakeStore) ListRange(ctx context.Context, source string, after, end time.Time, limit int) ([]*domain.Tick, error) {
	var out []*domain.Tick
	for _, t := range f.ticks {
		if t.Timestamp.After(after) && t.Timestamp.Before(end) {
			out = append(out, t)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeBus struct {
	published []domain.Envelope
}

func (f *fakeBus) Publish(ctx context.Context, channel string, env domain.Envelope) error {
	f.published = append(f.published, env)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan domain.Envelope, error) {
	return nil, nil
}

func TestPublishRange_PublishesTicksThenEOF(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []*domain.Tick{
		{Symbol: "EURUSD", Mid: decimal.NewFromFloat(1.1), Timestamp: base.Add(1 * time.Minute)},
		{Symbol: "EURUSD", Mid: decimal.NewFromFloat(1.2), Timestamp: base.Add(2 * time.Minute)},
	}
	store := &fakeStore{ticks: ticks, count: 2}
	bus := &fakeBus{}
	src := NewSource(store, bus, nil)

	err := src.PublishRange(context.Background(), "eurusd-2026", "execution:exec-1", base, base.Add(1*time.Hour))
	require.NoError(t, err)

	require.Len(t, bus.published, 3)
	assert.Equal(t, ticks[0], bus.published[0].Tick)
	assert.Equal(t, ticks[1], bus.published[1].Tick)
	assert.Equal(t, domain.ControlEOF, bus.published[2].Control)
	assert.Equal(t, int64(2), bus.published[2].PublishedTotal)
}

func TestPublishRange_EmptyRangePublishesOnlyEOF(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	bus := &fakeBus{}
	src := NewSource(store, bus, nil)

	err := src.PublishRange(context.Background(), "eurusd-2026", "execution:exec-2", base, base.Add(1*time.Hour))
	require.NoError(t, err)

	require.Len(t, bus.published, 1)
	assert.Equal(t, domain.ControlEOF, bus.published[0].Control)
	assert.Equal(t, int64(0), bus.published[0].PublishedTotal)
}
