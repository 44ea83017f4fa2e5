package models

import "time"

type Room struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateDirectRoomRequest struct {
	RecipientID string `json:"recipientId"`
}

type RoomResponse struct {
	RoomID string `json:"roomId"`
	IsNew  bool   `json:"isNew"`
}

// RoomSummary is what list screens render for one room.
type RoomSummary struct {
	RoomID        string    `json:"roomId"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
	Participants  []string  `json:"participants,omitempty"`
}

// RoomUpdatedEvent is the server's recomputed summary for one room.
type RoomUpdatedEvent struct {
	RoomID        string
	LastMessage   string
	LastMessageAt time.Time
	UnreadCount   int
}

type UnreadCountResponse struct {
	TotalUnreadCount int `json:"totalUnreadCount"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}
