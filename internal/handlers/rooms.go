package handlers

import (
	"log/slog"
	"sync"

	"chat-sync/internal/metrics"
	"chat-sync/internal/utils"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Client is one authenticated websocket connection.
type Client struct {
	ID     string
	UserID string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Send writes payload as one JSON frame. Safe for concurrent use.
func (c *Client) Send(payload interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return utils.SendJSON(c.conn, payload)
}

type clientEntry struct {
	client *Client
	room   string
}

// Hub tracks open connections per user and room presence per connection.
// A connection is in at most one room at a time.
type Hub struct {
	mu sync.RWMutex
	// connID -> entry
	conns map[string]*clientEntry
	// roomID -> connID set
	rooms map[string]map[string]struct{}
	// userID -> connID set
	users map[string]map[string]struct{}

	log *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns: make(map[string]*clientEntry),
		rooms: make(map[string]map[string]struct{}),
		users: make(map[string]map[string]struct{}),
		log:   logger.WithGroup("hub"),
	}
}

// Register stores a new connection for userID.
func (h *Hub) Register(conn *websocket.Conn, userID string) *Client {
	return h.register(&Client{ID: uuid.NewString(), UserID: userID, conn: conn})
}

func (h *Hub) register(c *Client) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID] = &clientEntry{client: c}
	if _, ok := h.users[c.UserID]; !ok {
		h.users[c.UserID] = make(map[string]struct{})
	}
	h.users[c.UserID][c.ID] = struct{}{}
	metrics.ServerConnections.Inc()
	return c
}

// Unregister removes the connection and returns the room it was in.
func (h *Hub) Unregister(connID string) (room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.conns[connID]
	if !ok {
		return ""
	}
	room = e.room
	h.leaveLocked(e)
	delete(h.conns, connID)

	if set, ok := h.users[e.client.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.users, e.client.UserID)
		}
	}
	metrics.ServerConnections.Dec()
	return room
}

// Join moves the connection into room and returns the room it left, if any.
func (h *Hub) Join(connID, room string) (previous string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.conns[connID]
	if !ok || e.room == room {
		return ""
	}
	previous = e.room
	h.leaveLocked(e)

	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][connID] = struct{}{}
	e.room = room
	return previous
}

// Leave removes the connection from its room and returns that room.
func (h *Hub) Leave(connID string) (room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.conns[connID]
	if !ok {
		return ""
	}
	room = e.room
	h.leaveLocked(e)
	return room
}

func (h *Hub) leaveLocked(e *clientEntry) {
	if e.room == "" {
		return
	}
	if set, ok := h.rooms[e.room]; ok {
		delete(set, e.client.ID)
		if len(set) == 0 {
			delete(h.rooms, e.room)
		}
	}
	e.room = ""
}

// Broadcast sends message to every connection in room except excludeConnID.
func (h *Hub) Broadcast(room string, message interface{}, excludeConnID string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, h.conns[id].client)
	}
	h.mu.RUnlock()

	h.deliver(targets, message, "broadcast")
}

// SendToUser sends message to all connections of userID.
func (h *Hub) SendToUser(userID string, message interface{}) {
	h.deliver(h.clientsOf(userID), message, "send to user")
}

// IsUserOnline checks if any active connection belongs to the given user
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// IsUserInRoom checks if a user is currently in a specific room
func (h *Hub) IsUserInRoom(userID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.rooms[room] {
		if h.conns[connID].client.UserID == userID {
			return true
		}
	}
	return false
}

// CountUserConnections returns the number of active connections for a user
func (h *Hub) CountUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) clientsOf(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.users[userID]))
	for id := range h.users[userID] {
		out = append(out, h.conns[id].client)
	}
	return out
}

// deliver writes outside the hub lock; a failed write is left for the
// connection's read loop to notice.
func (h *Hub) deliver(targets []*Client, message interface{}, op string) {
	for _, c := range targets {
		if err := c.Send(message); err != nil {
			h.log.Debug("socket write failed", "op", op, "conn", c.ID, "user", c.UserID, "error", err)
		}
	}
}
