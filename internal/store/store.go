// Package store persists users, rooms, messages and per-user read
// watermarks for the development server.
package store

import (
	"context"
	"errors"

	"chat-sync/internal/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("username already exists")
	ErrNotMember  = errors.New("user is not a participant of the room")
	ErrSelfRoom   = errors.New("cannot open a direct room with yourself")
)

// Store is implemented by MemoryStore and PostgresStore.
//
// Message pages are newest first. A message is read for a viewer when the
// viewer sent it or it is not newer than the viewer's watermark for the room.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (models.User, error)
	UserByUsername(ctx context.Context, username string) (models.User, error)
	UserByID(ctx context.Context, id string) (models.User, error)

	GetOrCreateDirectRoom(ctx context.Context, userA, userB string) (models.RoomResponse, error)
	Participants(ctx context.Context, roomID string) ([]string, error)

	// SaveMessage assigns ID and CreatedAt. CreatedAt is strictly increasing
	// within a room.
	SaveMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, roomID, viewerID string, q models.PageQuery) (models.Page, error)

	// MarkRead moves the viewer's watermark to the newest message and returns
	// how many messages became read.
	MarkRead(ctx context.Context, roomID, userID string) (int64, error)
	RoomSummary(ctx context.Context, roomID, userID string) (models.RoomSummary, error)
	RoomSummaries(ctx context.Context, userID string) ([]models.RoomSummary, error)
	TotalUnread(ctx context.Context, userID string) (int, error)

	Close()
}

// MaxPageSize caps the limit a client may request.
const MaxPageSize = 100

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
