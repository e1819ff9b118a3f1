// Package realtime pushes trade state changes to WebSocket subscribers.
//
// A Hub is an escrow.Observer: the agent and the client report every
// transition to it and it fans them out to connected control UIs.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 1000

	sendBuffer   = 64
	readLimit    = 4 << 10
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// EventType for real-time events
type EventType string

const EventTradeChanged EventType = "trade_changed"

// Event is one message pushed to subscribers.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Role      string            `json:"role"`
	TradeID   string            `json:"trade_id"`
	State     escrow.TradeState `json:"state"`
}

// Subscription narrows what a connection receives. Empty fields match
// everything.
type Subscription struct {
	Roles    []string            `json:"roles,omitempty"`
	TradeIDs []string            `json:"trade_ids,omitempty"`
	States   []escrow.TradeState `json:"states,omitempty"`
}

func (s Subscription) matches(e *Event) bool {
	if len(s.Roles) > 0 && !slices.Contains(s.Roles, e.Role) {
		return false
	}
	if len(s.TradeIDs) > 0 && !slices.Contains(s.TradeIDs, e.TradeID) {
		return false
	}
	if len(s.States) > 0 && !slices.Contains(s.States, e.State) {
		return false
	}
	return true
}

// conn is one WebSocket subscriber.
type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *conn) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub manages all WebSocket connections
type Hub struct {
	conns      map[*conn]struct{}
	broadcast  chan *Event
	register   chan *conn
	unregister chan *conn
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int
	now        func() time.Time

	totalEvents  atomic.Int64
	droppedConns atomic.Int64
}

var _ escrow.Observer = (*Hub)(nil)

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:      make(map[*conn]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		logger:     logger.With("component", "realtime"),
		done:       make(chan struct{}),
		maxClients: MaxClients,
		now:        time.Now,
	}
}

// Run fans events out until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.conns {
				close(c.send)
				delete(h.conns, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.conns[c] = struct{}{}
			n := len(h.conns)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("subscriber connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				close(c.send)
			}
			n := len(h.conns)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("subscriber disconnected", "total", n)

		case e := <-h.broadcast:
			h.deliver(e)
		}
	}
}

func (h *Hub) deliver(e *Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*conn
	for c := range h.conns {
		if !c.subscription().matches(e) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if _, ok := h.conns[c]; ok {
			close(c.send)
			delete(h.conns, c)
			h.droppedConns.Add(1)
		}
	}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow subscribers", "count", len(slow))
}

// TradeChanged queues a trade_changed event. It never blocks the caller.
func (h *Hub) TradeChanged(role, tradeID string, state escrow.TradeState) {
	h.Broadcast(&Event{
		Type:      EventTradeChanged,
		Timestamp: h.now().UTC(),
		Role:      role,
		TradeID:   tradeID,
		State:     state,
	})
}

// Broadcast queues e for delivery, dropping it when the queue is full.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "tradeId", e.TradeID)
	}
}

// Stats summarizes hub activity.
type Stats struct {
	Connected    int   `json:"connected"`
	TotalEvents  int64 `json:"total_events"`
	DroppedConns int64 `json:"dropped_connections"`
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return Stats{Connected: n, TotalEvents: h.totalEvents.Load(), DroppedConns: h.droppedConns.Load()}
}

// HandleWebSocket upgrades HTTP to WebSocket. Clients may send a
// Subscription as JSON at any time to replace their filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{hub: h, ws: ws, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = ws.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
