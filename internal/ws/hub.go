package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type  string `json:"type"`
	BetID string `json:"bet_id"`
	Data  any    `json:"data"`
}

// Hub manages per-bet WebSocket subscriptions. A connection may follow
// several bets at once: pool updates for the list view plus a payment
// countdown for an open charge.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // betID -> set of conns
	allConn map[*conn]bool
}

type conn struct {
	ws    *websocket.Conn
	send  chan []byte
	hub   *Hub
	rooms map[string]bool
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:     log.Named("ws"),
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
	}
}

// Publish sends a message to all subscribers of a bet.
func (h *Hub) Publish(betID, msgType string, data any) {
	msg := Msg{Type: msgType, BetID: betID, Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	room := h.rooms[betID]
	h.mu.RUnlock()
	for c := range room {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &conn{
		ws:    wsConn,
		send:  make(chan []byte, 64),
		hub:   h,
		rooms: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// Subscription message: {"action":"subscribe","bet_id":"..."}
		var sub struct {
			Action string `json:"action"`
			BetID  string `json:"bet_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.BetID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.BetID)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, betID string) {
	if betID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c.rooms[betID] = true
	room, ok := h.rooms[betID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[betID] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, betID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, betID)
	if room, ok := h.rooms[betID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, betID)
		}
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	for betID := range c.rooms {
		if room, ok := h.rooms[betID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, betID)
			}
		}
	}
	close(c.send)
}
