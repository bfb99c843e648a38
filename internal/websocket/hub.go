// Package websocket provides the firehose event feed for GUI clients. The
// durable per-audit stream with replay lives on the SSE endpoint; this hub is
// the lightweight live view across audits.
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ctxaudit/auditcore/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		// Server sits behind the desktop shell; origin checks happen there.
		return true
	},
}

// Client represents a connected WebSocket client. A client receives all
// audit events until it subscribes to specific audits.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu     sync.Mutex
	audits map[string]struct{}
}

// wants reports whether the client should receive events for an audit.
func (c *Client) wants(auditID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.audits) == 0 {
		return true
	}
	_, ok := c.audits[auditID]
	return ok
}

func (c *Client) setSubscription(auditID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.audits[auditID] = struct{}{}
	} else {
		delete(c.audits, auditID)
	}
}

// Hub maintains active WebSocket clients and feeds them audit events.
// It implements the event publisher's sink interface.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	mu         sync.RWMutex
}

type outbound struct {
	auditID string
	data    []byte
}

// Message is the wire envelope in both directions.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client disconnected")

		case out := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				if !client.wants(out.auditID) {
					continue
				}
				select {
				case client.send <- out.data:
				default:
					// Slow client; drop it rather than block the feed.
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// BroadcastEvent feeds one published audit event to interested clients.
func (h *Hub) BroadcastEvent(ev events.Event) {
	data, err := json.Marshal(Message{Type: "audit_event", Data: ev})
	if err != nil {
		log.Error().Err(err).Str("session", ev.SessionID).Msg("Failed to marshal WebSocket event")
		return
	}
	select {
	case h.broadcast <- outbound{auditID: ev.SessionID, data: data}:
	default:
		log.Warn().Msg("WebSocket broadcast channel full")
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket upgrade requests.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		id:     fmt.Sprintf("client-%d", time.Now().UnixNano()),
		audits: make(map[string]struct{}),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump handles incoming messages from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Error().Err(err).Str("client", c.id).Msg("Failed to unmarshal WebSocket message")
			continue
		}

		switch msg.Type {
		case "ping":
			pong := Message{Type: "pong", Data: map[string]int64{"timestamp": time.Now().Unix()}}
			if data, err := json.Marshal(pong); err == nil {
				c.send <- data
			}
		case "subscribe":
			if id, ok := msg.Data.(string); ok && id != "" {
				c.setSubscription(id, true)
			}
		case "unsubscribe":
			if id, ok := msg.Data.(string); ok && id != "" {
				c.setSubscription(id, false)
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Received WebSocket message")
		}
	}
}

// writePump handles outgoing messages to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain any queued messages in the same write window.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
