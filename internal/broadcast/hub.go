// Package broadcast is the HUD-facing WebSocket hub. It fans turn events
// (state, thinking status, stream start/delta/done, usage) out to every
// connected client and owns the single-use HUD operation tokens that gate
// sensitive tool actions.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

const (
	// clientBuffer bounds the per-client send queue. A client that cannot
	// keep up is dropped rather than ever blocking a turn.
	clientBuffer = 256

	writeTimeout = 5 * time.Second

	// hudTokenTTL bounds how long an issued HUD operation token stays
	// consumable.
	hudTokenTTL = 5 * time.Minute
)

// Event is one wire message to HUD clients.
type Event struct {
	Type     string `json:"type"`
	State    string `json:"state,omitempty"`
	Status   string `json:"status,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
	Text     string `json:"text,omitempty"`

	Provider string       `json:"provider,omitempty"`
	Model    string       `json:"model,omitempty"`
	Usage    *types.Usage `json:"usage,omitempty"`
	CostUSD  float64      `json:"cost_usd,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected clients. Event order is preserved per
// client; sends never block the caller.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	tokens  map[string]time.Time
	closed  bool
}

// NewHub builds an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log.With("component", "broadcast"),
		now:     time.Now,
		clients: make(map[*client]struct{}),
		tokens:  make(map[string]time.Time),
	}
}

// ServeHTTP upgrades the request and keeps the connection until the client
// goes away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("client connected", "clients", n)

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)
}

// writeLoop drains the client's queue in order.
func (h *Hub) writeLoop(c *client) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			h.drop(c, "write failed")
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "hub closed")
}

// readLoop consumes inbound frames until the connection dies. Clients only
// send control-ish noise today; everything is discarded.
func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			h.drop(c, "client disconnected")
			return
		}
	}
}

func (h *Hub) drop(c *client, reason string) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if present {
		h.log.Info("client dropped", "reason", reason, "clients", n)
		c.conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// publish enqueues the event for every client. Slow clients are dropped.
func (h *Hub) publish(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event marshal failed", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	var stalled []*client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stalled {
		h.drop(c, "send queue full")
	}
}

// ─── turn event surface ──────────────────────────────────────────────────────

// State broadcasts the orchestrator state ("idle", "processing").
func (h *Hub) State(state string) { h.publish(Event{Type: "state", State: state}) }

// Thinking broadcasts the thinking status line.
func (h *Hub) Thinking(status string) { h.publish(Event{Type: "thinking", Status: status}) }

// Message broadcasts a complete non-streamed assistant message.
func (h *Hub) Message(text string) { h.publish(Event{Type: "message", Text: text}) }

// StreamStart opens an assistant reply stream.
func (h *Hub) StreamStart(streamID string) {
	h.publish(Event{Type: "stream_start", StreamID: streamID})
}

// StreamDelta appends a text fragment to an open stream.
func (h *Hub) StreamDelta(streamID, delta string) {
	h.publish(Event{Type: "stream_delta", StreamID: streamID, Text: delta})
}

// StreamDone closes a stream.
func (h *Hub) StreamDone(streamID string) {
	h.publish(Event{Type: "stream_done", StreamID: streamID})
}

// EmitUsage broadcasts the turn's token usage and estimated cost.
func (h *Hub) EmitUsage(provider, model string, usage types.Usage, costUSD float64) {
	h.publish(Event{
		Type: "usage", Provider: provider, Model: model,
		Usage: &usage, CostUSD: costUSD,
	})
}

// ─── HUD operation tokens ────────────────────────────────────────────────────

// IssueHudOpToken mints a single-use token the HUD attaches to a turn that
// should be allowed one sensitive action.
func (h *Hub) IssueHudOpToken() string {
	token := uuid.NewString()
	h.mu.Lock()
	h.tokens[token] = h.now().Add(hudTokenTTL)
	h.mu.Unlock()
	return token
}

// ConsumeHudOpToken spends a token. Each token authorises exactly one
// action; expired and unknown tokens are rejected.
func (h *Hub) ConsumeHudOpToken(token string) bool {
	if token == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	expiry, ok := h.tokens[token]
	if !ok {
		return false
	}
	delete(h.tokens, token)
	return h.now().Before(expiry)
}

// ClientCount reports the connected-client count, for health probes.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects future connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}
