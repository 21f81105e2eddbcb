package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// wireTick is the JSON shape ticks arrive in over Redis Pub/Sub. Bid/Ask are
// strings so decimal.Decimal decoding never goes through a float64, and are
// pointers so a tick can omit either side; Mid is computed when absent.
type wireTick struct {
	Symbol    string  `json:"symbol"`
	Bid       *string `json:"bid,omitempty"`
	Ask       *string `json:"ask,omitempty"`
	Mid       *string `json:"mid,omitempty"`
	Timestamp string  `json:"timestamp"`
}

type wireEnvelope struct {
	Type           string          `json:"type,omitempty"` // "eof" | "stopped" | "error"; empty means a tick
	Tick           json.RawMessage `json:"tick,omitempty"`
	PublishedTotal int64           `json:"published_total,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// TickBus implements domain.TickBus using Redis Pub/Sub: raw []byte
// payloads become decoded domain.Envelope values at the transport
// boundary, and bid/ask/mid normalization happens here rather than leaking
// string parsing into the worker loop.
type TickBus struct {
	rdb          *redis.Client
	streamMaxLen int64
}

// NewTickBus creates a TickBus backed by the given Client.
func NewTickBus(c *Client, streamMaxLen int64) *TickBus {
	if streamMaxLen <= 0 {
		streamMaxLen = 10000
	}
	return &TickBus{rdb: c.Underlying(), streamMaxLen: streamMaxLen}
}

// Publish implements domain.TickBus.
func (tb *TickBus) Publish(ctx context.Context, channel string, env domain.Envelope) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("tickbus: encode: %w", err)
	}
	if err := tb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("tickbus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements domain.TickBus. Subscribing before the publisher
// starts is the caller's responsibility: Redis Pub/Sub does not replay
// messages, so a subscriber that starts late can miss ticks and the
// eventual eof, and hang forever (see internal/worker for the
// backtest subscribe-before-trigger ordering this requires).
func (tb *TickBus) Subscribe(ctx context.Context, channel string) (<-chan domain.Envelope, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = tb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = tb.rdb.Subscribe(ctx, channel)
	}

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("tickbus: subscribe %s: %w", channel, err)
	}

	out := make(chan domain.Envelope, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := decodeEnvelope([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// PublishEvent implements domain.EventBus: a raw-payload sibling of Publish
// for operational events (execution status, strategy events) that the
// WebSocket hub fans out to dashboard clients, as opposed to Ticks.
func (tb *TickBus) PublishEvent(ctx context.Context, channel string, payload []byte) error {
	if err := tb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("tickbus: publish event %s: %w", channel, err)
	}
	return nil
}

// SubscribeEvent implements domain.EventBus, mirroring Subscribe's
// pattern-subscription handling but returning raw payloads undecoded.
func (tb *TickBus) SubscribeEvent(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = tb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = tb.rdb.Subscribe(ctx, channel)
	}

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("tickbus: subscribe event %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// StreamAppend appends a raw payload to a Redis stream using XADD with an
// approximate MAXLEN, used by the dispatcher (internal/dispatch) as its
// at-least-once enqueue substrate.
func (tb *TickBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: tb.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := tb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("tickbus: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages from a Redis stream after lastID.
func (tb *TickBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	args := &redis.XReadArgs{Streams: []string{stream, lastID}, Count: int64(count)}
	results, err := tb.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("tickbus: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}
			var data []byte
			switch v := payload.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return messages, nil
}

func encodeEnvelope(env domain.Envelope) ([]byte, error) {
	w := wireEnvelope{Type: string(env.Control), PublishedTotal: env.PublishedTotal, Error: env.ErrorMessage}
	if env.Tick != nil {
		wt := wireTick{Symbol: env.Tick.Symbol, Timestamp: env.Tick.Timestamp.Format(time.RFC3339Nano)}
		if env.Tick.Bid != nil {
			s := env.Tick.Bid.String()
			wt.Bid = &s
		}
		if env.Tick.Ask != nil {
			s := env.Tick.Ask.String()
			wt.Ask = &s
		}
		mid := env.Tick.Mid.String()
		wt.Mid = &mid
		tickJSON, err := json.Marshal(wt)
		if err != nil {
			return nil, err
		}
		w.Tick = tickJSON
	}
	return json.Marshal(w)
}

// decodeEnvelope parses a wire payload into a domain.Envelope, normalizing
// bid/ask/mid via decimal arithmetic: when mid is absent but both sides are
// present, mid = (bid+ask)/2; spec forbids ever doing this as a binary
// float computation.
func decodeEnvelope(payload []byte) (domain.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		return domain.Envelope{}, err
	}

	env := domain.Envelope{
		Control:        domain.ControlKind(w.Type),
		PublishedTotal: w.PublishedTotal,
		ErrorMessage:   w.Error,
	}
	if env.Control != domain.ControlNone || len(w.Tick) == 0 {
		return env, nil
	}

	var wt wireTick
	if err := json.Unmarshal(w.Tick, &wt); err != nil {
		return domain.Envelope{}, err
	}

	tick := &domain.Tick{Symbol: wt.Symbol}
	if ts, err := time.Parse(time.RFC3339Nano, wt.Timestamp); err == nil {
		tick.Timestamp = ts
	} else {
		tick.Timestamp = time.Now().UTC()
	}

	var bid, ask *decimal.Decimal
	if wt.Bid != nil {
		if d, err := decimal.NewFromString(*wt.Bid); err == nil {
			bid = &d
		}
	}
	if wt.Ask != nil {
		if d, err := decimal.NewFromString(*wt.Ask); err == nil {
			ask = &d
		}
	}
	tick.Bid, tick.Ask = bid, ask

	switch {
	case wt.Mid != nil:
		if d, err := decimal.NewFromString(*wt.Mid); err == nil {
			tick.Mid = d
		}
	case bid != nil && ask != nil:
		tick.Mid = bid.Add(*ask).Div(decimal.NewFromInt(2))
	case bid != nil:
		tick.Mid = *bid
	case ask != nil:
		tick.Mid = *ask
	}

	env.Tick = tick
	return env, nil
}

// Compile-time interface checks.
var (
	_ domain.TickBus     = (*TickBus)(nil)
	_ domain.StreamQueue = (*TickBus)(nil)
	_ domain.EventBus    = (*TickBus)(nil)
)
