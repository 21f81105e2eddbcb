package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// movingAverageState is the checkpoint a MovingAverageCrossover persists
// between ticks: the rolling window of recent mid prices plus whether a
// position is currently open.
type movingAverageState struct {
	Mids        []string `json:"mids"`
	PositionOpen bool    `json:"position_open"`
	EntryMid    string   `json:"entry_mid,omitempty"`
}

// MovingAverageCrossover is a minimal built-in strategy: it opens a long
// position when the fast window's average crosses above the slow window's
// average, and closes it on the reverse cross. It exists to give the
// registry a working, registered strategy type out of the box; production
// deployments are expected to register their own.
type MovingAverageCrossover struct {
	fastPeriod int
	slowPeriod int
	sizeUnits  decimal.Decimal
}

// NewMovingAverageCrossover builds a MovingAverageCrossover from cfg.Params:
// "fast_period" and "slow_period" (ints, default 5/20) and "size_units"
// (string decimal, default "1000").
func NewMovingAverageCrossover(cfg Config) (Strategy, error) {
	fast := intParam(cfg.Params, "fast_period", 5)
	slow := intParam(cfg.Params, "slow_period", 20)
	if fast <= 0 || slow <= 0 || fast >= slow {
		return nil, fmt.Errorf("moving_average_crossover: fast_period must be > 0 and less than slow_period")
	}
	size := decimal.NewFromInt(1000)
	if raw, ok := cfg.Params["size_units"].(string); ok && raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("moving_average_crossover: size_units: %w", err)
		}
		size = d
	}
	return &MovingAverageCrossover{fastPeriod: fast, slowPeriod: slow, sizeUnits: size}, nil
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

// Name implements Strategy.
func (s *MovingAverageCrossover) Name() string { return "moving_average_crossover" }

func (s *MovingAverageCrossover) loadState(state State) (movingAverageState, error) {
	var st movingAverageState
	if len(state) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(state, &st); err != nil {
		return st, fmt.Errorf("moving_average_crossover: decode state: %w", err)
	}
	return st, nil
}

func (s *MovingAverageCrossover) saveState(st movingAverageState) (State, error) {
	return json.Marshal(st)
}

// OnStart implements Strategy: no-op, the state is whatever was checkpointed
// (or empty, on a fresh execution).
func (s *MovingAverageCrossover) OnStart(state State) (State, []Event, error) {
	return state, nil, nil
}

// OnTick implements Strategy: maintains a rolling window of mid prices and
// emits an open/close Event on each crossover.
func (s *MovingAverageCrossover) OnTick(tick Tick, state State) (State, []Event, error) {
	st, err := s.loadState(state)
	if err != nil {
		return state, nil, err
	}

	mid, err := decimal.NewFromString(tick.Mid)
	if err != nil {
		return state, nil, fmt.Errorf("moving_average_crossover: parse mid %q: %w", tick.Mid, err)
	}

	st.Mids = append(st.Mids, mid.String())
	if len(st.Mids) > s.slowPeriod {
		st.Mids = st.Mids[len(st.Mids)-s.slowPeriod:]
	}
	if len(st.Mids) < s.slowPeriod {
		next, err := s.saveState(st)
		return next, nil, err
	}

	fastAvg, err := averageOf(st.Mids[len(st.Mids)-s.fastPeriod:])
	if err != nil {
		return state, nil, err
	}
	slowAvg, err := averageOf(st.Mids)
	if err != nil {
		return state, nil, err
	}

	var events []Event
	switch {
	case !st.PositionOpen && fastAvg.GreaterThan(slowAvg):
		st.PositionOpen = true
		st.EntryMid = mid.String()
		events = append(events, Event{
			Type:      "open",
			Timestamp: tick.Timestamp,
			Details: map[string]any{
				"instrument":  tick.Instrument,
				"side":        "long",
				"entry_price": mid.String(),
				"size":        s.sizeUnits.String(),
			},
		})
	case st.PositionOpen && fastAvg.LessThan(slowAvg):
		entry, _ := decimal.NewFromString(st.EntryMid)
		pnl := mid.Sub(entry).Mul(s.sizeUnits)
		st.PositionOpen = false
		events = append(events, Event{
			Type:      "close",
			Timestamp: tick.Timestamp,
			Details: map[string]any{
				"instrument":  tick.Instrument,
				"side":        "long",
				"entry_price": entry.String(),
				"exit_price":  mid.String(),
				"size":        s.sizeUnits.String(),
				"pnl":         pnl.String(),
				"reason":      "crossover",
			},
		})
	}

	next, err := s.saveState(st)
	return next, events, err
}

// OnPause implements Strategy: state already reflects the open/closed
// position, nothing further to do.
func (s *MovingAverageCrossover) OnPause(state State) (State, []Event, error) {
	return state, nil, nil
}

// OnResume implements Strategy.
func (s *MovingAverageCrossover) OnResume(state State) (State, []Event, error) {
	return state, nil, nil
}

// OnStop implements Strategy: closes any open position at the last known
// mid price recorded in state.
func (s *MovingAverageCrossover) OnStop(state State) (State, []Event, error) {
	st, err := s.loadState(state)
	if err != nil {
		return state, nil, err
	}
	if !st.PositionOpen || len(st.Mids) == 0 {
		return state, nil, nil
	}

	last := st.Mids[len(st.Mids)-1]
	entry, _ := decimal.NewFromString(st.EntryMid)
	lastMid, _ := decimal.NewFromString(last)
	pnl := lastMid.Sub(entry).Mul(s.sizeUnits)
	st.PositionOpen = false

	next, err := s.saveState(st)
	if err != nil {
		return state, nil, err
	}
	return next, []Event{{
		Type: "close",
		Details: map[string]any{
			"side":        "long",
			"entry_price": entry.String(),
			"exit_price":  last,
			"size":        s.sizeUnits.String(),
			"pnl":         pnl.String(),
			"reason":      "stopped",
		},
	}}, nil
}

func averageOf(vals []string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, v := range vals {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("moving_average_crossover: parse %q: %w", v, err)
		}
		sum = sum.Add(d)
	}
	return sum.Div(decimal.NewFromInt(int64(len(vals)))), nil
}

var _ Strategy = (*MovingAverageCrossover)(nil)
