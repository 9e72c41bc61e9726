package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is one websocket push: signal updates, fills, snapshots,
// kill-switch transitions.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Client is one connected websocket consumer. A client that cannot
// keep up with the send buffer is dropped rather than blocking the hub.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}

// Hub fans events out to websocket clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	upgrader websocket.Upgrader
	logger   *zap.Logger
	closed   bool
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // operator UI runs on a different origin
			},
		},
	}
}

// HandleWebSocket upgrades the connection and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client.ID] = client
	h.mu.Unlock()
	h.logger.Info("websocket client connected", zap.String("clientId", client.ID))

	go h.writePump(client)
	go h.readPump(client)
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := json.Marshal(Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.logger.Error("marshal websocket event failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			// Slow consumer: drop it. Closing the conn unblocks both pumps.
			go h.remove(client.ID)
		}
	}
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, client := range h.clients {
		client.stop()
		delete(h.clients, id)
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[id]; ok {
		client.stop()
		delete(h.clients, id)
	}
}

func (h *Hub) writePump(client *Client) {
	defer h.remove(client.ID)
	for {
		select {
		case <-client.done:
			return
		case data := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readPump drains and discards client messages; the stream is one-way.
// It exists to detect disconnects promptly.
func (h *Hub) readPump(client *Client) {
	defer h.remove(client.ID)
	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			h.logger.Info("websocket client disconnected", zap.String("clientId", client.ID))
			return
		}
	}
}
