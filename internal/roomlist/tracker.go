// Package roomlist keeps the summaries behind a room list screen.
package roomlist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chat-sync/internal/api"
	"chat-sync/internal/models"
)

// Path lists the caller's rooms.
const Path = "/rooms"

type Requester interface {
	Get(ctx context.Context, path string) (*api.Result, error)
}

// Source pushes room summary changes, e.g. *transport.Manager.
type Source interface {
	OnChatRoomUpdated(fn func(models.RoomUpdatedEvent)) (unsubscribe func())
}

// Tracker holds summaries keyed by room id.
type Tracker struct {
	api Requester

	mu    sync.Mutex
	rooms map[string]models.RoomSummary
}

func NewTracker(r Requester) *Tracker {
	return &Tracker{api: r, rooms: make(map[string]models.RoomSummary)}
}

// Load replaces the summaries with the server's list.
func (t *Tracker) Load(ctx context.Context) ([]models.RoomSummary, error) {
	result, err := t.api.Get(ctx, Path)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	var list []models.RoomSummary
	if err := api.Decode(result, &list); err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}

	t.mu.Lock()
	t.rooms = make(map[string]models.RoomSummary, len(list))
	for _, s := range list {
		t.rooms[s.RoomID] = s
	}
	t.mu.Unlock()
	return t.Rooms(), nil
}

// Apply merges one pushed update. Participants are kept from the loaded
// summary; an update older than the held one is ignored.
func (t *Tracker) Apply(ev models.RoomUpdatedEvent) {
	if ev.RoomID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.rooms[ev.RoomID]
	if ok && ev.LastMessageAt.Before(s.LastMessageAt) {
		s.UnreadCount = ev.UnreadCount
		t.rooms[ev.RoomID] = s
		return
	}
	s.RoomID = ev.RoomID
	s.LastMessage = ev.LastMessage
	s.LastMessageAt = ev.LastMessageAt
	s.UnreadCount = ev.UnreadCount
	t.rooms[ev.RoomID] = s
}

// Bind applies every update from src until the disposer is called.
func (t *Tracker) Bind(src Source) (dispose func()) {
	return src.OnChatRoomUpdated(t.Apply)
}

// Rooms returns the summaries, most recently active first.
func (t *Tracker) Rooms() []models.RoomSummary {
	t.mu.Lock()
	list := make([]models.RoomSummary, 0, len(t.rooms))
	for _, s := range t.rooms {
		list = append(list, s)
	}
	t.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastMessageAt.Equal(list[j].LastMessageAt) {
			return list[i].LastMessageAt.After(list[j].LastMessageAt)
		}
		return list[i].RoomID < list[j].RoomID
	})
	return list
}

// Unread returns the per-room unread count, zero for unknown rooms.
func (t *Tracker) Unread(roomID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms[roomID].UnreadCount
}
