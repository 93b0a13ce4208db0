package server

import (
	"Percolator/internal/core"
	"Percolator/internal/observability"
	"Percolator/internal/query"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

// WSMessage is one frame on the market feed. Clients send subscribe and
// unsubscribe frames; the hub sends market updates.
type WSMessage struct {
	Type      string                `json:"type"`
	Slabs     []string              `json:"slabs,omitempty"`
	Market    *query.MarketResponse `json:"market,omitempty"`
	Events    []WSEvent             `json:"events,omitempty"`
	ClientID  string                `json:"client_id,omitempty"`
	Error     string                `json:"error,omitempty"`
	Timestamp int64                 `json:"timestamp"`
}

// WSEvent is a diff event attached to a market update.
type WSEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// MarketHub pushes processor outputs to websocket subscribers. A client
// with no subscriptions receives every market. Slow clients lose updates
// rather than block the feed.
type MarketHub struct {
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	subs map[string]bool
	// all is set while the client has never named a slab.
	all bool
}

func NewMarketHub(metrics *observability.Metrics, logger zerolog.Logger) *MarketHub {
	return &MarketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
}

// Run publishes every output from in until ctx is cancelled or in closes.
func (h *MarketHub) Run(ctx context.Context, in <-chan core.CoreOutput) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case out, ok := <-in:
			if !ok {
				h.closeAll()
				return nil
			}
			h.Publish(out)
		}
	}
}

// Publish sends one market update to every interested client.
func (h *MarketHub) Publish(out core.CoreOutput) {
	if out.Snapshot == nil {
		return
	}
	market := query.NewMarketResponse(out)
	msg := WSMessage{
		Type:      "market",
		Market:    &market,
		Timestamp: out.FetchedAt.UnixMilli(),
	}
	for _, env := range out.Envelopes {
		msg.Events = append(msg.Events, WSEvent{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Payload:        env.Payload,
		})
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal market update")
		return
	}

	slab := out.Slab.String()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(slab) {
			continue
		}
		if !c.enqueue(data) {
			h.logger.Warn().Str("client", c.id).Str("slab", slab).Msg("websocket client too slow, update dropped")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *MarketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnection upgrades the request and serves the client until it
// disconnects.
func (h *MarketHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]bool),
	}
	for _, s := range r.URL.Query()["slab"] {
		c.subs[s] = true
	}
	c.all = len(c.subs) == 0

	h.mu.Lock()
	h.clients[c.id] = c
	h.setGauge()
	h.mu.Unlock()

	go c.writePump()
	c.reply(WSMessage{Type: "connected", ClientID: c.id, Slabs: c.subscriptions()})
	c.readPump(h)
}

func (h *MarketHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	c.close()
	h.setGauge()
	h.mu.Unlock()
}

func (h *MarketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
	h.setGauge()
}

// setGauge must be called with h.mu held.
func (h *MarketHub) setGauge() {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(len(h.clients)))
	}
}

func (c *wsClient) readPump(h *MarketHub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("websocket read")
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			c.mu.Lock()
			for _, s := range msg.Slabs {
				c.subs[s] = true
				c.all = false
			}
			c.mu.Unlock()
			c.reply(WSMessage{Type: "subscribed", Slabs: c.subscriptions()})
		case "unsubscribe":
			c.mu.Lock()
			for _, s := range msg.Slabs {
				delete(c.subs, s)
				c.all = false
			}
			c.mu.Unlock()
			c.reply(WSMessage{Type: "subscribed", Slabs: c.subscriptions()})
		default:
			c.reply(WSMessage{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a control frame. It never blocks the read loop.
func (c *wsClient) reply(msg WSMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue reports false when the buffer is full or the client is closed.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsClient) wants(slab string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.all || c.subs[slab]
}

func (c *wsClient) subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
