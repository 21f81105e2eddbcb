package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one normalized market update delivered over the Tick Bus. Bid and
// Ask are optional (a feed may publish mid-only or trade-only ticks); Mid is
// populated by the Redis Tick Bus decoder (decodeEnvelope), computed from
// bid/ask when the source omits it. All three are decimal.Decimal, never float64.
type Tick struct {
	Symbol    string
	Bid       *decimal.Decimal
	Ask       *decimal.Decimal
	Mid       decimal.Decimal
	Timestamp time.Time
	Raw       map[string]any
}

// ControlKind distinguishes a normal tick from the control messages a
// backtest replay channel uses to signal completion.
type ControlKind string

const (
	ControlNone    ControlKind = ""
	ControlEOF     ControlKind = "eof"
	ControlStopped ControlKind = "stopped"
	ControlError   ControlKind = "error"
)

// Envelope is the decoded form of one Tick Bus message: either a Tick or a
// control signal, never both.
type Envelope struct {
	Control      ControlKind
	Tick         *Tick
	PublishedTotal int64  // set on ControlEOF: total ticks the publisher sent
	ErrorMessage string // set on ControlError
}

// StreamMessage is one entry read back from a Redis Stream via StreamRead,
// used by the Dispatcher as its at-least-once enqueue substrate.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// TickBus is the pub/sub transport ticks and control signals travel over.
// Publish/Subscribe give at-most-once, no-replay delivery on the live
// channel; subscribers that are not listening when a tick is published
// never see it.
type TickBus interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	// Subscribe returns a channel of decoded envelopes for the given
	// channel name (glob patterns subscribe to multiple channels at once).
	// The returned channel closes when ctx is done or the subscription
	// cannot be re-established.
	Subscribe(ctx context.Context, channel string) (<-chan Envelope, error)
}

// StreamQueue is the at-least-once enqueue substrate the Dispatcher
// uses to hand execution requests off to the worker pool: Redis Streams via
// XADD/XREAD, distinct from TickBus's fire-and-forget Pub/Sub because a
// queued execution must survive no consumer being connected yet.
type StreamQueue interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]StreamMessage, error)
}

// EventBus is a raw-payload pub/sub transport for operational events that
// are not Ticks — execution status changes, strategy events, progress
// updates — consumed by the WebSocket hub to fan status out to connected
// dashboard clients. Kept distinct from TickBus because its payloads are
// arbitrary JSON, not decoded into a typed Envelope.
type EventBus interface {
	PublishEvent(ctx context.Context, channel string, payload []byte) error
	// SubscribeEvent returns a channel of raw payloads for the given
	// channel name (glob patterns subscribe to multiple channels at once).
	// The returned channel closes when ctx is done or the subscription
	// cannot be re-established.
	SubscribeEvent(ctx context.Context, channel string) (<-chan []byte, error)
}

// HistoricalTickSource replays a backtest task's data source onto a
// dedicated channel. The worker must Subscribe to that channel before
// calling PublishRange: Pub/Sub has no replay, so a late subscriber misses
// ticks and the eventual eof.
type HistoricalTickSource interface {
	PublishRange(ctx context.Context, dataSource, channel string, start, end time.Time) error
}

// TickDataStore reads back previously-ingested historical ticks for a
// backtest's data source, in ascending timestamp order. Rows are ingested
// by a separate process (out of scope here); this store only supports the
// read side a backtest replay needs.
type TickDataStore interface {
	// CountRange reports how many ticks fall within [start, end) for
	// source; the replay source logs it next to the number of ticks it
	// actually published.
	CountRange(ctx context.Context, source string, start, end time.Time) (int64, error)
	// ListRange returns up to limit ticks for source with timestamp in
	// (after, end), ordered ascending, so a caller can page through an
	// arbitrarily large range with a cursor rather than one giant load.
	ListRange(ctx context.Context, source string, after, end time.Time, limit int) ([]*Tick, error)
}
