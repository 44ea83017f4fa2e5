package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"chat-sync/internal/models"

	"github.com/google/uuid"
)

type memRoom struct {
	room         models.Room
	participants []string
	messages     []models.Message // oldest first
	watermarks   map[string]time.Time
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]models.User
	usernames map[string]string
	rooms     map[string]*memRoom
	direct    map[string]string

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]models.User),
		usernames: make(map[string]string),
		rooms:     make(map[string]*memRoom),
		direct:    make(map[string]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, username, passwordHash string) (models.User, error) {
	key := strings.ToLower(username)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usernames[key]; ok {
		return models.User{}, ErrUserExists
	}
	u := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	s.users[u.ID] = u
	s.usernames[key] = u.ID
	return u, nil
}

func (s *MemoryStore) UserByUsername(_ context.Context, username string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[strings.ToLower(username)]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) UserByID(_ context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func directKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (s *MemoryStore) GetOrCreateDirectRoom(_ context.Context, userA, userB string) (models.RoomResponse, error) {
	if userA == userB {
		return models.RoomResponse{}, ErrSelfRoom
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userA]; !ok {
		return models.RoomResponse{}, ErrNotFound
	}
	if _, ok := s.users[userB]; !ok {
		return models.RoomResponse{}, ErrNotFound
	}

	key := directKey(userA, userB)
	if id, ok := s.direct[key]; ok {
		return models.RoomResponse{RoomID: id, IsNew: false}, nil
	}

	r := &memRoom{
		room:         models.Room{ID: uuid.NewString(), Type: "direct", CreatedAt: s.now().UTC()},
		participants: []string{userA, userB},
		watermarks:   make(map[string]time.Time),
	}
	s.rooms[r.room.ID] = r
	s.direct[key] = r.room.ID
	return models.RoomResponse{RoomID: r.room.ID, IsNew: true}, nil
}

func (s *MemoryStore) Participants(_ context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), r.participants...), nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.memberRoomLocked(msg.RoomID, msg.SenderID)
	if err != nil {
		return err
	}

	// Per-room timestamps must be unique so the createdAt cursor never skips
	// a message.
	ts := s.now().UTC().Truncate(time.Microsecond)
	if n := len(r.messages); n > 0 {
		if last := r.messages[n-1].CreatedAt; !ts.After(last) {
			ts = last.Add(time.Microsecond)
		}
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = ts
	msg.Kind = models.ParseKind(string(msg.Kind))
	msg.IsRead = false
	r.messages = append(r.messages, *msg)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID, viewerID string, q models.PageQuery) (models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.memberRoomLocked(roomID, viewerID)
	if err != nil {
		return models.Page{}, err
	}
	limit := clampLimit(q.Limit)

	// end is the exclusive upper index into the oldest-first slice.
	end := len(r.messages)
	if q.UsesCursor() {
		end = sort.Search(len(r.messages), func(i int) bool {
			return !r.messages[i].CreatedAt.Before(q.Before)
		})
	} else if q.Page > 0 {
		end -= q.Page * limit
		if end < 0 {
			end = 0
		}
	}
	start := max(end-limit, 0)

	watermark := r.watermarks[viewerID]
	out := make([]models.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		m := r.messages[i]
		m.IsRead = m.SenderID == viewerID || !m.CreatedAt.After(watermark)
		out = append(out, m)
	}
	return models.Page{Messages: out, HasMore: start > 0}, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, roomID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.memberRoomLocked(roomID, userID)
	if err != nil {
		return 0, err
	}
	n := unreadLocked(r, userID)
	if len(r.messages) > 0 {
		newest := r.messages[len(r.messages)-1].CreatedAt
		if newest.After(r.watermarks[userID]) {
			r.watermarks[userID] = newest
		}
	}
	return int64(n), nil
}

func (s *MemoryStore) RoomSummary(_ context.Context, roomID, userID string) (models.RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.memberRoomLocked(roomID, userID)
	if err != nil {
		return models.RoomSummary{}, err
	}
	return summaryLocked(r, userID), nil
}

func (s *MemoryStore) RoomSummaries(_ context.Context, userID string) ([]models.RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := []models.RoomSummary{}
	for _, r := range s.rooms {
		if isParticipant(r, userID) {
			list = append(list, summaryLocked(r, userID))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].LastMessageAt.After(list[j].LastMessageAt)
	})
	return list, nil
}

func (s *MemoryStore) TotalUnread(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, r := range s.rooms {
		if isParticipant(r, userID) {
			total += unreadLocked(r, userID)
		}
	}
	return total, nil
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) memberRoomLocked(roomID, userID string) (*memRoom, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	if !isParticipant(r, userID) {
		return nil, ErrNotMember
	}
	return r, nil
}

func isParticipant(r *memRoom, userID string) bool {
	for _, p := range r.participants {
		if p == userID {
			return true
		}
	}
	return false
}

func unreadLocked(r *memRoom, userID string) int {
	watermark := r.watermarks[userID]
	n := 0
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if !m.CreatedAt.After(watermark) {
			break
		}
		if m.SenderID != userID {
			n++
		}
	}
	return n
}

func summaryLocked(r *memRoom, userID string) models.RoomSummary {
	s := models.RoomSummary{
		RoomID:        r.room.ID,
		LastMessageAt: r.room.CreatedAt,
		UnreadCount:   unreadLocked(r, userID),
		Participants:  append([]string(nil), r.participants...),
	}
	if n := len(r.messages); n > 0 {
		last := r.messages[n-1]
		s.LastMessage = last.Body
		s.LastMessageAt = last.CreatedAt
	}
	return s
}
