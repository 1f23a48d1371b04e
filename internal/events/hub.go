// internal/events/hub.go
package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Watchers only send control frames.
	maxMessageSize = 4096
	sendBuffer     = 256
)

// client is a middleman between one websocket connection and the hub.
type client struct {
	id        string
	sessionID string
	hub       *Hub
	conn      *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
}

type outbound struct {
	sessionID string
	payload   []byte
}

// readPump only services control frames; watchers never send commands.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.hub.logger.Debug("Ignoring message from websocket watcher", zap.String("client_id", c.id))
	}
}

// writePump pumps messages from the hub to the websocket connection.
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
				// The hub closed the channel.
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

// Hub broadcasts progress events to websocket watchers. A watcher may subscribe to one
// session with ?session_id=, otherwise it receives every session's events.
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. checkOrigin may be nil to accept every origin.
func NewHub(logger *zap.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		logger: logger.Named("ws_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		broadcast:  make(chan outbound, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run serves registrations and broadcasts until ctx ends, then disconnects every watcher.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started.")
	defer h.logger.Info("WebSocket hub stopped.")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("New WebSocket client connected.", zap.String("client_id", c.id), zap.String("session_id", c.sessionID))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info("WebSocket client disconnected.", zap.String("client_id", c.id))
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.sessionID != "" && c.sessionID != msg.sessionID {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow watcher.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues ev for broadcast. It gives up when ctx ends or the hub has stopped.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- outbound{sessionID: ev.SessionID, payload: payload}:
	case <-h.done:
	case <-ctx.Done():
	}
}

// Clients reports the number of connected watchers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the watcher.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	c := &client{
		id:        uuid.NewString(),
		sessionID: r.URL.Query().Get("session_id"),
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
