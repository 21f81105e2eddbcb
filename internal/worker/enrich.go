package worker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/strategy"
)

// toStrategyTick converts the transport-level domain.Tick into the
// strategy package's decimal-as-string Tick shape: strategies depend only
// on the strategy package, never domain.
func toStrategyTick(tick *domain.Tick) strategy.Tick {
	st := strategy.Tick{
		Instrument: tick.Symbol,
		Timestamp:  tick.Timestamp.Format("2006-01-02T15:04:05.999999999Z07:00"),
		Mid:        tick.Mid.String(),
	}
	if tick.Bid != nil {
		st.Bid = tick.Bid.String()
	}
	if tick.Ask != nil {
		st.Ask = tick.Ask.String()
	}
	return st
}

// enrichEvent applies three enrichment rules: a missing
// timestamp is filled from the tick, a missing price-like field gets the
// tick's mid as current_price, and a close event missing exit_price also
// gets the tick's mid. tick is nil for events emitted outside a tick
// context (OnStart/OnStop/OnPause/OnResume), in which case no enrichment
// applies.
func enrichEvent(ev strategy.Event, tick *domain.Tick) strategy.Event {
	if tick == nil {
		return ev
	}
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	if ev.Timestamp == "" {
		ev.Timestamp = tick.Timestamp.Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	if !hasPriceField(ev.Details) {
		ev.Details["current_price"] = tick.Mid.String()
	}
	if ev.Type == "close" {
		if _, ok := ev.Details["exit_price"]; !ok {
			ev.Details["exit_price"] = tick.Mid.String()
		}
	}
	return ev
}

func hasPriceField(details map[string]any) bool {
	for _, key := range []string{"price", "current_price", "entry_price", "exit_price"} {
		if _, ok := details[key]; ok {
			return true
		}
	}
	return false
}

// summarize renders a concise human-readable log line for a strategy
// event, stored as the Message of its StrategyEvent row.
func summarize(ev strategy.Event) string {
	if price, ok := ev.Details["current_price"]; ok {
		return fmt.Sprintf("%s @ %v", ev.Type, price)
	}
	return ev.Type
}

// tradeLogEntry classifies an enriched event as a completed trade: a
// "close" event with a non-null pnl, or any non-close event already shaped
// like a trade log entry (carries both entry_price and exit_price).
func tradeLogEntry(ev strategy.Event, executionID string) (*domain.TradeLogEntry, bool) {
	pnl, hasPnL := decimalDetail(ev.Details, "pnl")
	_, hasEntry := ev.Details["entry_price"]
	_, hasExit := ev.Details["exit_price"]

	if ev.Type != "close" && !(hasEntry && hasExit) {
		return nil, false
	}
	if ev.Type == "close" && !hasPnL {
		return nil, false
	}

	entry := &domain.TradeLogEntry{
		ExecutionID: executionID,
		Side:        stringDetail(ev.Details, "side"),
		PnL:         pnl,
		Details:     ev.Details,
	}
	if v, ok := decimalDetail(ev.Details, "entry_price"); ok {
		entry.EntryPrice = v
	}
	if v, ok := decimalDetail(ev.Details, "exit_price"); ok {
		entry.ExitPrice = v
	}
	if v, ok := decimalDetail(ev.Details, "size"); ok {
		entry.Size = v
	}
	if ts, ok := timeDetail(ev.Details, "entry_time"); ok {
		entry.EntryTime = ts
	}
	if ts, ok := timeDetail(ev.Details, "exit_time"); ok {
		entry.ExitTime = &ts
	} else if ts, ok := timeDetail(ev.Details, "timestamp"); ok {
		entry.ExitTime = &ts
	}
	return entry, true
}

// timeDetail parses an RFC3339-ish timestamp out of an event's Details map.
func timeDetail(details map[string]any, key string) (time.Time, bool) {
	s, isStr := details[key].(string)
	if !isStr || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func decimalDetail(details map[string]any, key string) (decimal.Decimal, bool) {
	v, ok := details[key]
	if !ok || v == nil {
		return decimal.Zero, false
	}
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(t), true
	default:
		return decimal.Zero, false
	}
}

func stringDetail(details map[string]any, key string) string {
	if v, ok := details[key].(string); ok {
		return v
	}
	return ""
}
