package worker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/strategy"
)

func mkTick(mid string) *domain.Tick {
	m := decimal.RequireFromString(mid)
	return &domain.Tick{Symbol: "EUR_USD", Mid: m, Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestEnrichEvent_FillsMissingFields(t *testing.T) {
	ev := strategy.Event{Type: "close", Details: map[string]any{}}
	enriched := enrichEvent(ev, mkTick("1.2345"))

	assert.NotEmpty(t, enriched.Timestamp)
	assert.Equal(t, "1.2345", enriched.Details["exit_price"])
}

func TestTradeLogEntry_RecognizesCloseEvent(t *testing.T) {
	ev := strategy.Event{
		Type: "close",
		Details: map[string]any{
			"side":        "long",
			"entry_price": "1.1000",
			"exit_price":  "1.2000",
			"size":        "1000",
			"pnl":         "100",
		},
	}

	entry, ok := tradeLogEntry(ev, "exec-1")
	require.True(t, ok, "a close event with pnl must produce a trade log entry")
	assert.Equal(t, "long", entry.Side)
	assert.True(t, decimal.RequireFromString("100").Equal(entry.PnL))
	assert.True(t, decimal.RequireFromString("1.1000").Equal(entry.EntryPrice))
	assert.True(t, decimal.RequireFromString("1.2000").Equal(entry.ExitPrice))
}

// TestMovingAverageCrossover_EventsProduceTradeLogEntries guards the
// contract between the built-in strategy and the worker's event
// classifier: a strategy emitting anything other than "open"/"close" with
// entry_price/exit_price/pnl would silently never populate TradeLogEntry or
// the metrics aggregator's total_trades count.
func TestMovingAverageCrossover_EventsProduceTradeLogEntries(t *testing.T) {
	s, err := strategy.NewMovingAverageCrossover(strategy.Config{Params: map[string]any{
		"fast_period": 2, "slow_period": 3, "size_units": "1000",
	}})
	require.NoError(t, err)

	var state strategy.State
	prices := []string{"1.10", "1.10", "1.10", "1.20", "1.30", "1.10", "1.05"}
	var allEvents []strategy.Event
	for _, p := range prices {
		var evs []strategy.Event
		state, evs, err = s.OnTick(strategy.Tick{Instrument: "EUR_USD", Mid: p}, state)
		require.NoError(t, err)
		allEvents = append(allEvents, evs...)
	}

	require.NotEmpty(t, allEvents)

	var entries int
	for _, ev := range allEvents {
		enriched := enrichEvent(ev, mkTick(prices[len(prices)-1]))
		if _, ok := tradeLogEntry(enriched, "exec-1"); ok {
			entries++
		}
	}
	assert.Greater(t, entries, 0, "at least one open/close pair must classify as a trade log entry")
}
