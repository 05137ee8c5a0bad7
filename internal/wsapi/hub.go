package wsapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e2b-dev/collab-core/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 25 * time.Second
	pongTimeout    = 60 * time.Second
	sendBufferSize = 64
)

// envelope is the JSON-framed message shape every WebSocket event uses
// (spec §6.2: "JSON-framed messages with fields event and data").
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is one WebSocket connection, with serialized I/O split across a
// read pump and a write pump exactly as the teacher splits per-connection
// I/O in its own proxy layer: a single writer goroutine owns the socket
// for writes, fed by a buffered channel, so concurrent handlers never race
// on the underlying conn.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	connID string

	mu     sync.Mutex
	roomID string
	userID string
}

func newClient(conn *websocket.Conn, connID string) *Client {
	return &Client{conn: conn, send: make(chan []byte, sendBufferSize), connID: connID}
}

func (c *Client) setSession(roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID, c.userID = roomID, userID
}

func (c *Client) session() (roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.userID
}

func (c *Client) sendEvent(event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		logger.L().Warn(context.Background(), "wsapi: marshalling event payload failed")
		return
	}
	msg, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
		// Slow consumer: drop the connection rather than block the hub or
		// grow send unboundedly.
		close(c.send)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Hub tracks every live connection by room, and implements
// crdt.Broadcaster so the CRDT Session Manager can fan updates out without
// knowing about WebSocket transport (spec §4.7 "Fan-out and ordering").
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client // roomID -> connID -> client
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*Client)}
}

func (h *Hub) add(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.rooms[roomID]
	if !ok {
		m = make(map[string]*Client)
		h.rooms[roomID] = m
	}
	m[c.connID] = c
}

func (h *Hub) remove(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.rooms[roomID]; ok {
		delete(m, connID)
		if len(m) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) get(roomID, connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.rooms[roomID]
	if !ok {
		return nil, false
	}
	c, ok := m[connID]
	return c, ok
}

func (h *Hub) each(roomID string, fn func(*Client)) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		fn(c)
	}
}

type crdtUpdateMsg struct {
	RoomID string  `json:"roomId"`
	Update byteSeq `json:"update"`
	Origin string  `json:"origin,omitempty"`
}

type conflictResolvedMsg struct {
	RoomID        string  `json:"roomId"`
	ResolvedState byteSeq `json:"resolvedState"`
}

type crdtErrorMsg struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type crdtWarningMsg struct {
	Warnings []string `json:"warnings"`
}

// Broadcast fans an encoded update out to every connection in roomID
// except excludeConnID.
func (h *Hub) Broadcast(roomID string, excludeConnID string, update []byte) {
	h.each(roomID, func(c *Client) {
		if c.connID == excludeConnID {
			return
		}
		c.sendEvent("crdt-update", crdtUpdateMsg{RoomID: roomID, Update: update})
	})
}

// NotifyConflictResolved tells connID its failing update was merged.
func (h *Hub) NotifyConflictResolved(roomID string, connID string, resolvedState []byte) {
	if c, ok := h.get(roomID, connID); ok {
		c.sendEvent("crdt-conflict-resolved", conflictResolvedMsg{RoomID: roomID, ResolvedState: resolvedState})
	}
}

// NotifyConflictFailed tells connID its update could not be recovered.
func (h *Hub) NotifyConflictFailed(roomID string, connID string, message string) {
	if c, ok := h.get(roomID, connID); ok {
		c.sendEvent("crdt-error", crdtErrorMsg{Message: message, Code: "CONFLICT_RESOLUTION_FAILED"})
	}
}

// NotifyWarning relays soft integrity warnings to connID.
func (h *Hub) NotifyWarning(roomID string, connID string, warnings []string) {
	if c, ok := h.get(roomID, connID); ok {
		c.sendEvent("crdt-warning", crdtWarningMsg{Warnings: warnings})
	}
}
