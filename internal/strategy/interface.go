package strategy

import "encoding/json"

// State is a strategy's opaque, JSON-serializable checkpoint. The worker
// persists it verbatim between ticks (trading tasks only) so a restarted
// worker can resume without replaying history.
type State = json.RawMessage

// Event is one strategy-emitted occurrence: a position open/close or a
// milestone marker. Details carries the conventional fields (pnl, pips,
// reason, entry/exit price and time, instrument, direction, units) for
// close events, verbatim and never validated away.
type Event struct {
	Type      string
	Timestamp string
	Details   map[string]any
}

// Strategy is the contract every registered strategy implements, driven by
// the Execution Worker's main loop: one tick source per Execution rather
// than a shared market feed, plus explicit lifecycle hooks
// (OnStart/OnPause/OnResume/OnStop) around the tick callback.
type Strategy interface {
	Name() string
	OnStart(state State) (State, []Event, error)
	OnTick(tick Tick, state State) (State, []Event, error)
	OnPause(state State) (State, []Event, error)
	OnResume(state State) (State, []Event, error)
	OnStop(state State) (State, []Event, error)
}

// Tick is the normalized price update a strategy reacts to in OnTick. It
// mirrors domain.Tick's shape without importing the domain package, so
// strategy implementations depend only on this package.
type Tick struct {
	Instrument string
	Timestamp  string
	Bid        string
	Ask        string
	Mid        string
}

// Config holds the parameters used to construct a Strategy instance via its
// registered Factory: an opaque Params map, since every strategy's own
// parameter schema lives in its StrategyConfig row.
type Config struct {
	Name   string
	Params map[string]any
}
