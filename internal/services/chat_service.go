package services

import (
	"context"
	"errors"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

var ErrRecipientRequired = errors.New("recipient id required")

// ChatService applies chat rules on top of a Store.
type ChatService struct {
	store store.Store
}

func NewChatService(s store.Store) *ChatService {
	return &ChatService{store: s}
}

func (s *ChatService) GetOrCreateDirectRoom(ctx context.Context, userID, recipientID string) (*models.RoomResponse, error) {
	if recipientID == "" {
		return nil, ErrRecipientRequired
	}
	res, err := s.store.GetOrCreateDirectRoom(ctx, userID, recipientID)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SendMessage validates and persists a message from senderID.
func (s *ChatService) SendMessage(ctx context.Context, roomID, senderID string, req models.SendMessageRequest) (*models.Message, error) {
	if err := models.ValidateBody(req.Body); err != nil {
		return nil, err
	}
	msg := &models.Message{
		RoomID:   roomID,
		SenderID: senderID,
		Body:     req.Body,
		Kind:     req.Kind,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *ChatService) GetMessages(ctx context.Context, roomID, viewerID string, q models.PageQuery) (models.Page, error) {
	return s.store.ListMessages(ctx, roomID, viewerID, q)
}

func (s *ChatService) MarkRead(ctx context.Context, roomID, userID string) (int64, error) {
	return s.store.MarkRead(ctx, roomID, userID)
}

func (s *ChatService) GetUserRooms(ctx context.Context, userID string) ([]models.RoomSummary, error) {
	return s.store.RoomSummaries(ctx, userID)
}

func (s *ChatService) GetRoomSummary(ctx context.Context, roomID, userID string) (models.RoomSummary, error) {
	return s.store.RoomSummary(ctx, roomID, userID)
}

func (s *ChatService) GetRoomParticipants(ctx context.Context, roomID string) ([]string, error) {
	return s.store.Participants(ctx, roomID)
}

func (s *ChatService) TotalUnread(ctx context.Context, userID string) (int, error) {
	return s.store.TotalUnread(ctx, userID)
}
