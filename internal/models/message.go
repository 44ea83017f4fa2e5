package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxBodyLength is the maximum number of runes in a message body.
const MaxBodyLength = 2000

var (
	ErrEmptyBody   = errors.New("message body is empty")
	ErrBodyTooLong = fmt.Errorf("message body exceeds %d characters", MaxBodyLength)
)

// Kind controls how a message is rendered. It never affects sync logic.
type Kind string

const (
	KindPlain      Kind = "plain"
	KindResume     Kind = "resume"
	KindVideoIntro Kind = "video-intro"
)

// ParseKind maps a wire value to a Kind. Unknown values render as plain text.
func ParseKind(s string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindResume:
		return KindResume
	case KindVideoIntro:
		return KindVideoIntro
	default:
		return KindPlain
	}
}

func (k Kind) String() string {
	return string(k)
}

// UnmarshalJSON accepts any string; unknown kinds fail closed to plain.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Non-string kinds (numbers, objects) are treated the same as unknown strings
		*k = KindPlain
		return nil
	}
	*k = ParseKind(s)
	return nil
}

type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	// IsRead is advisory on the client: it may be flipped optimistically and
	// is only authoritative after a refetch.
	IsRead bool `json:"isRead"`
}

// ValidateBody checks a message body against the length bounds.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// Page is one newest-first slice of a room's history.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// PageQuery selects a page of history. Before is preferred over Page when
// set, since a timestamp cursor is stable under concurrent inserts.
type PageQuery struct {
	Limit  int
	Page   int
	Before time.Time
}

// UsesCursor reports whether the query pages by timestamp rather than index.
func (q PageQuery) UsesCursor() bool {
	return !q.Before.IsZero()
}

type SendMessageRequest struct {
	Body string `json:"body"`
	Kind Kind   `json:"kind,omitempty"`
}

// Socket event names
const (
	EventConnected       = "connected"
	EventMessageReceived = "message:received"
	EventRoomUpdated     = "room:updated"
	EventUnreadTotal     = "unread:total"
	EventUserJoined      = "user:joined"
	EventUserLeft        = "user:left"
	EventError           = "error"
	EventJoinRoom        = "room:join"
	EventLeaveRoom       = "room:leave"
)

// WSEvent is the single frame shape used in both directions on the socket.
type WSEvent struct {
	Event            string     `json:"event"`
	RoomID           string     `json:"roomId,omitempty"`
	Message          *Message   `json:"message,omitempty"`
	LastMessage      string     `json:"lastMessage,omitempty"`
	LastMessageAt    *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount      *int       `json:"unreadCount,omitempty"`
	TotalUnreadCount *int       `json:"totalUnreadCount,omitempty"`
	UserID           string     `json:"userId,omitempty"`
	Error            string     `json:"error,omitempty"`
}

type MessageReceivedEvent struct {
	RoomID  string
	Message Message
}

type UserPresenceEvent struct {
	RoomID string
	UserID string
}
