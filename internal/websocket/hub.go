// Package websocket fans a session's engine events out to every subscriber
// connected to its stream, over gorilla/websocket.
package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans out one session's event stream to any number of connected
// clients. Unlike a single-subscriber pipe, a slow client here only drops
// its own messages — it never blocks delivery to the others.
type Hub struct {
	sessionID string

	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan models.EngineEvent
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub returns a Hub for one session's event stream.
func NewHub(sessionID string) *Hub {
	return &Hub{
		sessionID:  sessionID,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan models.EngineEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Client is one active WebSocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Run drains registrations, unregistrations, and broadcasts until Stop is
// called. It is meant to run in its own goroutine for the life of the
// session.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("websocket: marshal event for session %s: %v", h.sessionID, err)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					log.Printf("websocket: client send buffer full for session %s, dropping", h.sessionID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop tears down the Run loop and disconnects every client.
func (h *Hub) Stop() {
	close(h.done)
}

// Publish enqueues an event for delivery to every connected client.
// Non-blocking: if the hub's own broadcast buffer is full the event is
// dropped rather than stalling the caller.
func (h *Hub) Publish(ev models.EngineEvent) {
	select {
	case h.broadcast <- ev:
	default:
		log.Printf("websocket: broadcast buffer full for session %s, dropping event", h.sessionID)
	}
}

// ServeWS upgrades an HTTP request to a WebSocket connection and registers
// it as a new subscriber.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket: read error: %v", err)
			}
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
