// Package push forwards connection lifecycle events to listeners: dashboard
// browsers over a websocket and, optionally, other services over NATS.
package push

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/pansacloud/gateway/internal/logging"
	"github.com/pansacloud/gateway/internal/metrics"
	"github.com/pansacloud/gateway/internal/wa"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 16
)

// Message is one frame sent to listeners.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub is the websocket push channel. Events are fire-and-forget: a listener
// only sees events emitted while it is connected, and a slow listener loses
// events instead of blocking the emitter.
type Hub struct {
	logger   log.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates a Hub.
func NewHub(logger log.Logger) *Hub {
	return &Hub{
		logger: logging.Component(logger, "push"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The route is behind admin auth; the dashboard may live on another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the listener. Every new
// listener first receives wa:status {status: waiting}.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(h.logger).Log("msg", "push upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if greeting, err := encode(wa.EventStatus, wa.StatusPayload{Status: wa.StatusWaiting}); err == nil {
		c.send <- greeting
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.PushSubscribers.Inc()
	level.Debug(h.logger).Log("msg", "push listener connected", "remote", r.RemoteAddr, "listeners", n)

	go h.writePump(c)
	go h.readPump(c)
}

// Emit implements wa.Emitter.
func (h *Hub) Emit(event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to encode push event", "event", event, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			level.Warn(h.logger).Log("msg", "push listener too slow, dropping event", "event", event)
		}
	}
}

// Listeners returns the number of connected listeners.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		h.drop(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		close(c.send)
		metrics.PushSubscribers.Dec()
	})
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Listeners have nothing to say; reading keeps control frames flowing.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				level.Debug(h.logger).Log("msg", "push listener read error", "err", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Data: data})
}
