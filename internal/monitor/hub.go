// Package monitor streams per-request events to operator clients over
// WebSocket. The feed carries processing metadata only; sanitized and raw
// payloads never pass through it.
package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veilgate/veilgate/internal/config"
	"github.com/veilgate/veilgate/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// clients only ever send pongs; anything longer is a protocol error
	maxMessageSize = 512
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan Event
}

// Hub maintains the set of active monitor clients and fans events out to
// them. A slow client is disconnected rather than allowed to apply
// backpressure to request processing.
type Hub struct {
	cfg      config.MonitorConfig
	log      *logger.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan Event

	mu      sync.RWMutex
	clients map[*client]bool
}

func NewHub(cfg config.MonitorConfig, log *logger.Logger) *Hub {
	h := &Hub{
		cfg:        cfg,
		log:        log.WithComponent("monitor"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		clients:    make(map[*client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

func (h *Hub) originAllowed(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		// same-origin only when nothing is configured
		return r.Header.Get("Origin") == ""
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run services registration and broadcast until the channels close.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("monitor client connected",
		zap.String("client_id", c.id),
		zap.Int("active", count),
	)
	h.Broadcast(Event{
		Type: EventTypeConnection,
		Data: ConnectionEvent{Action: "connected", ClientID: c.id},
	})
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("monitor client disconnected",
		zap.String("client_id", c.id),
		zap.Int("active", count),
	)
	h.Broadcast(Event{
		Type: EventTypeConnection,
		Data: ConnectionEvent{Action: "disconnected", ClientID: c.id},
	})
}

func (h *Hub) fanOut(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			// slow client; drop it, never the request path
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Broadcast queues an event for delivery; it never blocks the caller.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("monitor broadcast buffer full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// HandleWebSocket upgrades an operator connection and starts its pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := h.cfg.MaxConnections > 0 && len(h.clients) >= h.cfg.MaxConnections
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many monitor connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Event, 64),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
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

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("monitor read error",
					zap.String("client_id", c.id),
					zap.Error(err),
				)
			}
			return
		}
	}
}
