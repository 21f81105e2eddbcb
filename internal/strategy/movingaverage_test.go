package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(mid string) Tick {
	return Tick{Instrument: "EUR_USD", Timestamp: "2026-01-01T00:00:00Z", Mid: mid, Bid: mid, Ask: mid}
}

func TestNewMovingAverageCrossover_RejectsBadPeriods(t *testing.T) {
	_, err := NewMovingAverageCrossover(Config{Params: map[string]any{
		"fast_period": 20, "slow_period": 5,
	}})
	require.Error(t, err)
}

func TestNewMovingAverageCrossover_Defaults(t *testing.T) {
	s, err := NewMovingAverageCrossover(Config{})
	require.NoError(t, err)
	assert.Equal(t, "moving_average_crossover", s.Name())
}

func TestMovingAverageCrossover_OpensOnCrossoverAndClosesOnStop(t *testing.T) {
	s, err := NewMovingAverageCrossover(Config{Params: map[string]any{
		"fast_period": 2, "slow_period": 3, "size_units": "1000",
	}})
	require.NoError(t, err)

	var state State
	state, events, err := s.OnStart(state)
	require.NoError(t, err)
	assert.Empty(t, events)

	prices := []string{"1.10", "1.10", "1.10", "1.20", "1.30"}
	var allEvents []Event
	for _, p := range prices {
		var evs []Event
		state, evs, err = s.OnTick(tick(p), state)
		require.NoError(t, err)
		allEvents = append(allEvents, evs...)
	}

	require.NotEmpty(t, allEvents)
	assert.Equal(t, "open", allEvents[0].Type)
	assert.NotEmpty(t, allEvents[0].Details["entry_price"])

	state, evs, err := s.OnStop(state)
	require.NoError(t, err)
	if len(evs) > 0 {
		assert.Equal(t, "close", evs[0].Type)
		assert.Equal(t, "stopped", evs[0].Details["reason"])
		assert.NotEmpty(t, evs[0].Details["entry_price"])
		assert.NotEmpty(t, evs[0].Details["exit_price"])
		assert.NotEmpty(t, evs[0].Details["pnl"])
	}
	_ = state
}

func TestMovingAverageCrossover_PauseResumeAreNoops(t *testing.T) {
	s, err := NewMovingAverageCrossover(Config{})
	require.NoError(t, err)

	state, _, err := s.OnStart(nil)
	require.NoError(t, err)

	paused, evs, err := s.OnPause(state)
	require.NoError(t, err)
	assert.Empty(t, evs)

	resumed, evs, err := s.OnResume(paused)
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, paused, resumed)
}
