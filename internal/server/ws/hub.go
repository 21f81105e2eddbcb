// Package ws bridges the Redis-backed EventBus (worker-published execution
// status/strategy events) to WebSocket-connected dashboard clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// client represents a single WebSocket connection, subscribed to a set of
// per-Execution channels chosen by the client itself.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to subscribe or
// unsubscribe from channels, e.g. {"action":"subscribe","channels":["execution:exec-1"]}.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// Hub manages a set of connected WebSocket clients and fans out messages
// from the Redis-backed EventBus to every client subscribed to the
// originating channel. Unlike the Tick Bus, channels here are opened
// on-demand per client subscription rather than a fixed default set, since
// the set of live Execution IDs changes constantly.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	subscribe  chan string
	bus        domain.EventBus
	mu         sync.RWMutex
	activeSubs map[string]context.CancelFunc // channel -> cancel for its EventBus subscription
	logger     *slog.Logger
	startedAt  time.Time
}

// broadcastMsg carries a message along with its source channel so the hub
// can route it only to clients subscribed to that channel.
type broadcastMsg struct {
	channel string
	data    []byte
}

// NewHub creates a new WebSocket hub that bridges a Redis EventBus to
// connected WebSocket clients.
func NewHub(bus domain.EventBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		subscribe:  make(chan string, 64),
		bus:        bus,
		activeSubs: make(map[string]context.CancelFunc),
		logger:     logger,
		startedAt:  time.Now().UTC(),
	}
}

// Run starts the hub's main event loop. It should be called in a goroutine.
// It handles client registration, unregistration, per-channel EventBus
// subscriptions, and message broadcasting. The loop exits when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			for _, cancel := range h.activeSubs {
				cancel()
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case channel := <-h.subscribe:
			h.ensureSubscribed(ctx, channel)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("ws: dropping message for slow client", slog.String("channel", msg.channel))
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ensureSubscribed opens an EventBus subscription for channel the first
// time any client asks for it; subsequent requests for the same channel
// are no-ops. Subscriptions are never torn down proactively when the last
// client leaves — Execution channels are short-lived and cheap to leave
// open until Run's ctx is cancelled.
func (h *Hub) ensureSubscribed(ctx context.Context, channel string) {
	h.mu.Lock()
	if _, ok := h.activeSubs[channel]; ok {
		h.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	h.activeSubs[channel] = cancel
	h.mu.Unlock()

	msgCh, err := h.bus.SubscribeEvent(subCtx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel", slog.String("channel", channel), slog.String("error", err.Error()))
		h.mu.Lock()
		delete(h.activeSubs, channel)
		h.mu.Unlock()
		cancel()
		return
	}

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case data, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case h.broadcast <- broadcastMsg{channel: channel, data: data}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. Clients start with no subscriptions and must
// send a subscribe message naming the execution channels they want.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}

	h.register <- c
	c.sendInitialStatus()

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads subscription management messages from the WebSocket
// connection until it closes.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && len(sub.Channels) > 0 {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription processes a subscribe/unsubscribe request, opening the
// hub-level EventBus subscription for any channel the client names for the
// first time.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	switch msg.Action {
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
		c.mu.Unlock()
		return
	default: // "subscribe" or unset defaults to subscribe
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	}
	c.mu.Unlock()

	for _, ch := range msg.Channels {
		select {
		case c.hub.subscribe <- ch:
		default:
		}
	}
}

// sendInitialStatus pushes a small JSON envelope so clients can immediately
// mark the connection as healthy even before subscribing to anything.
func (c *client) sendInitialStatus() {
	msg, err := json.Marshal(map[string]any{
		"type": "connected",
		"payload": map[string]any{
			"server_uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
		},
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// writePump pumps messages from the hub to the WebSocket connection as
// JSON text frames, plus periodic ping frames for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
