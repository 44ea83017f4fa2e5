package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/services"
	"chat-sync/internal/utils"

	"github.com/gofiber/websocket/v2"
)

// HandleMessage applies one client frame. Only presence frames are accepted
// on the socket; messages are sent over REST.
func HandleMessage(hub *Hub, client *Client, msgType int, msg []byte) {
	if msgType != websocket.TextMessage {
		return
	}

	var ev models.WSEvent
	if err := utils.SafeJSONParse(msg, &ev); err != nil {
		utils.LogError(err, "JSON Parse")
		return
	}

	switch ev.Event {
	case models.EventJoinRoom:
		handleJoin(hub, client, ev.RoomID)
	case models.EventLeaveRoom:
		handleLeave(hub, client)
	default:
		_ = client.Send(models.WSEvent{Event: models.EventError, Error: "unknown event: " + ev.Event})
	}
}

func handleJoin(hub *Hub, client *Client, roomID string) {
	left, joined := joinRoom(hub, client, roomID)
	if left != "" {
		broadcastLeft(hub, left, client.UserID)
	}
	if joined != "" {
		hub.Broadcast(joined, models.WSEvent{
			Event:  models.EventUserJoined,
			RoomID: joined,
			UserID: client.UserID,
		}, client.ID)
	}
}

func handleLeave(hub *Hub, client *Client) {
	if room := leaveRoom(hub, client); room != "" {
		broadcastLeft(hub, room, client.UserID)
	}
}

// joinRoom moves client into roomID. Presence is per user: joined is set
// only when this is the user's first connection in roomID, left only when
// the user has no connection left in the previous room.
func joinRoom(hub *Hub, client *Client, roomID string) (left, joined string) {
	if roomID == "" {
		return "", ""
	}
	already := hub.IsUserInRoom(client.UserID, roomID)
	prev := hub.Join(client.ID, roomID)
	if prev != "" && !hub.IsUserInRoom(client.UserID, prev) {
		left = prev
	}
	if !already {
		joined = roomID
	}
	return left, joined
}

// leaveRoom takes client out of its room and returns the room when the
// user is no longer present in it.
func leaveRoom(hub *Hub, client *Client) string {
	room := hub.Leave(client.ID)
	if room == "" || hub.IsUserInRoom(client.UserID, room) {
		return ""
	}
	return room
}

func broadcastLeft(hub *Hub, room, userID string) {
	hub.Broadcast(room, models.WSEvent{
		Event:  models.EventUserLeft,
		RoomID: room,
		UserID: userID,
	}, "")
}

// Notifier pushes derived state to sockets after REST writes.
type Notifier struct {
	hub  *Hub
	chat *services.ChatService
	log  *slog.Logger

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

func NewNotifier(hub *Hub, chat *services.ChatService, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		hub:   hub,
		chat:  chat,
		log:   logger.WithGroup("notify"),
		rooms: make(map[string]*sync.Mutex),
	}
}

// Publish runs save and sends the saved message as message:received to
// every participant while holding roomID's lock, so pushes for one room
// leave in the order the store stamped them. Room summaries and unread
// totals follow after the lock is released.
func (n *Notifier) Publish(roomID string, save func() (*models.Message, error)) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lock := n.roomLock(roomID)
	lock.Lock()
	msg, err := save()
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	participants, err := n.chat.GetRoomParticipants(ctx, msg.RoomID)
	if err != nil {
		lock.Unlock()
		utils.LogError(err, "GetRoomParticipants")
		return msg, nil
	}
	for _, userID := range participants {
		m := *msg
		m.IsRead = userID == msg.SenderID
		n.hub.SendToUser(userID, models.WSEvent{Event: models.EventMessageReceived, RoomID: msg.RoomID, Message: &m})
	}
	lock.Unlock()

	for _, userID := range participants {
		if !n.hub.IsUserOnline(userID) {
			continue
		}
		n.roomUpdated(ctx, msg.RoomID, userID)
		if userID != msg.SenderID {
			n.unreadTotal(ctx, userID)
		}
	}
	return msg, nil
}

func (n *Notifier) roomLock(roomID string) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.rooms[roomID]
	if !ok {
		l = &sync.Mutex{}
		n.rooms[roomID] = l
	}
	return l
}

// Read sends the reader's recomputed room summary and unread total.
func (n *Notifier) Read(roomID, userID string) {
	if !n.hub.IsUserOnline(userID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n.roomUpdated(ctx, roomID, userID)
	n.unreadTotal(ctx, userID)
}

func (n *Notifier) roomUpdated(ctx context.Context, roomID, userID string) {
	sum, err := n.chat.GetRoomSummary(ctx, roomID, userID)
	if err != nil {
		n.log.Warn("room summary failed", "room", roomID, "user", userID, "error", err)
		return
	}
	n.hub.SendToUser(userID, models.WSEvent{
		Event:         models.EventRoomUpdated,
		RoomID:        roomID,
		LastMessage:   sum.LastMessage,
		LastMessageAt: &sum.LastMessageAt,
		UnreadCount:   &sum.UnreadCount,
	})
}

func (n *Notifier) unreadTotal(ctx context.Context, userID string) {
	total, err := n.chat.TotalUnread(ctx, userID)
	if err != nil {
		n.log.Warn("unread total failed", "user", userID, "error", err)
		return
	}
	n.hub.SendToUser(userID, models.WSEvent{Event: models.EventUnreadTotal, TotalUnreadCount: &total})
}
