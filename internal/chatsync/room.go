// Package chatsync keeps the in-memory, newest-first message list for one
// open chat room. It merges paged history with live pushes so that the list
// never shows a gap, a duplicate or an out-of-order entry, whatever order
// the two sources complete in.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chat-sync/internal/api"
	"chat-sync/internal/config"
	"chat-sync/internal/metrics"
	"chat-sync/internal/models"
)

var (
	// ErrNotEmpty is returned by LoadInitial outside the Empty state.
	ErrNotEmpty = errors.New("room already loaded or loading")
	// ErrStale is returned when a response arrives after Reset or Switch.
	ErrStale = errors.New("response discarded: room was reset")
)

// PageFetcher is satisfied by *history.Fetcher.
type PageFetcher interface {
	FetchPage(ctx context.Context, roomID string, q models.PageQuery) (models.Page, error)
}

// State is the lifecycle position of a Room.
type State int

const (
	StateEmpty State = iota
	StateLoadingInitial
	StateReady
	StateLoadingOlder
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoadingInitial:
		return "loading_initial"
	case StateReady:
		return "ready"
	case StateLoadingOlder:
		return "loading_older"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Cursor is the pagination position for the next older page.
type Cursor struct {
	// Page is the next page index, used only when no timestamp is known.
	Page int
	// Before is the createdAt of the oldest message held.
	Before time.Time
}

// Snapshot is a copy of a room's state for rendering.
type Snapshot struct {
	RoomID          string
	State           State
	Messages        []models.Message
	HasMoreOlder    bool
	LoadingOlder    bool
	OldestMessageID string
	NewestMessageID string
	Cursor          Cursor
}

// Options configures a Room.
type Options struct {
	// InitialPageSize and OlderPageSize default to config.DefaultPageSize.
	InitialPageSize int
	OlderPageSize   int
	// LoadThreshold defaults to config.DefaultLoadThreshold.
	LoadThreshold float64
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Room is the synchronization state for one open room. All methods are safe
// for concurrent use; the lock is never held across network I/O.
type Room struct {
	fetcher PageFetcher
	opts    Options
	log     *slog.Logger

	mu             sync.Mutex
	roomID         string
	generation     uint64
	loadingInitial bool
	loaded         bool
	messages       []models.Message
	seen           map[string]struct{}
	hasMoreOlder   bool
	loadingOlder   bool
	oldestID       string
	newestID       string
	cursor         Cursor
}

// NewRoom creates an Empty room bound to roomID.
func NewRoom(roomID string, fetcher PageFetcher, opts Options) *Room {
	if opts.InitialPageSize <= 0 {
		opts.InitialPageSize = config.DefaultPageSize
	}
	if opts.OlderPageSize <= 0 {
		opts.OlderPageSize = config.DefaultPageSize
	}
	if opts.LoadThreshold <= 0 || opts.LoadThreshold >= 1 {
		opts.LoadThreshold = config.DefaultLoadThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Room{
		fetcher: fetcher,
		opts:    opts,
		log:     logger.WithGroup("chatsync"),
		roomID:  roomID,
	}
	r.clearLocked()
	return r
}

// RoomID returns the room currently bound to r.
func (r *Room) RoomID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

// LoadInitial fetches the most recent page. It is valid only from Empty; on
// failure the room stays Empty and the call may be repeated.
func (r *Room) LoadInitial(ctx context.Context) error {
	r.mu.Lock()
	if r.loaded || r.loadingInitial {
		r.mu.Unlock()
		return ErrNotEmpty
	}
	r.loadingInitial = true
	roomID, gen := r.roomID, r.generation
	limit := r.opts.InitialPageSize
	r.mu.Unlock()

	page, err := r.fetcher.FetchPage(ctx, roomID, models.PageQuery{Limit: limit})

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isCurrentLocked(roomID, gen) {
		return ErrStale
	}
	r.loadingInitial = false

	if err != nil {
		metrics.PagesFetched.WithLabelValues("initial", "error").Inc()
		r.log.Warn("initial load failed", "room", roomID, "error", err)
		return fmt.Errorf("loading room %s: %w", roomID, err)
	}
	metrics.PagesFetched.WithLabelValues("initial", "ok").Inc()

	// Live messages that arrived while the request was in flight are newer
	// than anything in the page; keep them at the head.
	live := r.messages
	r.messages = make([]models.Message, 0, len(live)+len(page.Messages))
	r.seen = make(map[string]struct{}, len(live)+len(page.Messages))

	pageIDs := make(map[string]struct{}, len(page.Messages))
	for _, m := range page.Messages {
		pageIDs[m.ID] = struct{}{}
	}
	for _, m := range live {
		if _, dup := pageIDs[m.ID]; dup {
			metrics.DuplicatesDropped.WithLabelValues("initial").Inc()
			continue
		}
		r.appendLocked(m)
	}
	for _, m := range page.Messages {
		if m.RoomID != "" && m.RoomID != roomID {
			continue
		}
		if _, dup := r.seen[m.ID]; dup {
			metrics.DuplicatesDropped.WithLabelValues("initial").Inc()
			continue
		}
		r.appendLocked(m)
	}

	r.loaded = true
	r.hasMoreOlder = page.HasMore
	r.cursor = Cursor{Page: 1}
	r.updateBoundsLocked()

	r.log.Debug("initial page loaded", "room", roomID,
		"count", len(page.Messages), "has_more", page.HasMore)
	return nil
}

// LoadOlder appends the next older page to the tail. It returns immediately,
// without a network call, while another older load is in flight, before the
// initial load has completed, or once history is exhausted. Failures leave
// the list untouched and may be retried. They are logged here; scroll-driven
// callers are expected to drop the returned error.
func (r *Room) LoadOlder(ctx context.Context) error {
	r.mu.Lock()
	if !r.loaded || r.loadingOlder || !r.hasMoreOlder {
		r.mu.Unlock()
		return nil
	}
	r.loadingOlder = true
	roomID, gen := r.roomID, r.generation
	q := models.PageQuery{Limit: r.opts.OlderPageSize, Before: r.cursor.Before}
	if !q.UsesCursor() {
		q.Page = r.cursor.Page
	}
	r.mu.Unlock()

	page, err := r.fetcher.FetchPage(ctx, roomID, q)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isCurrentLocked(roomID, gen) {
		return ErrStale
	}
	r.loadingOlder = false

	if err != nil {
		metrics.PagesFetched.WithLabelValues("older", "error").Inc()
		if _, ok := api.AsServerError(err); ok {
			r.log.Warn("older page rejected by server", "room", roomID, "error", err)
		} else {
			r.log.Debug("older page failed", "room", roomID, "error", err)
		}
		return fmt.Errorf("loading older messages for room %s: %w", roomID, err)
	}
	metrics.PagesFetched.WithLabelValues("older", "ok").Inc()

	added := 0
	for _, m := range page.Messages {
		if m.RoomID != "" && m.RoomID != roomID {
			continue
		}
		if _, dup := r.seen[m.ID]; dup {
			metrics.DuplicatesDropped.WithLabelValues("older").Inc()
			continue
		}
		r.appendLocked(m)
		added++
	}

	r.hasMoreOlder = page.HasMore
	if !q.UsesCursor() {
		r.cursor.Page++
	}
	r.updateBoundsLocked()

	r.log.Debug("older page loaded", "room", roomID,
		"added", added, "has_more", page.HasMore)
	return nil
}

// AddLive inserts a pushed message at the head. It returns false when the
// message belongs to another room or its id is already present.
func (r *Room) AddLive(m models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == "" || (m.RoomID != "" && m.RoomID != r.roomID) {
		return false
	}
	if _, dup := r.seen[m.ID]; dup {
		metrics.DuplicatesDropped.WithLabelValues("live").Inc()
		return false
	}

	r.messages = append(r.messages, models.Message{})
	copy(r.messages[1:], r.messages)
	r.messages[0] = m
	r.seen[m.ID] = struct{}{}
	r.newestID = m.ID
	if r.oldestID == "" {
		r.oldestID = m.ID
		r.cursor.Before = m.CreatedAt
	}

	metrics.LiveMerged.Inc()
	return true
}

// AddOwn merges the server's copy of a message this client sent. Unlike
// AddLive it places the message by createdAt, since the send response can
// arrive after newer pushes. A message older than everything held while
// older history remains is left for LoadOlder to bring in.
func (r *Room) AddOwn(m models.Message) bool {
	if m.CreatedAt.IsZero() {
		return r.AddLive(m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == "" || (m.RoomID != "" && m.RoomID != r.roomID) {
		return false
	}
	if _, dup := r.seen[m.ID]; dup {
		metrics.DuplicatesDropped.WithLabelValues("own").Inc()
		return false
	}

	// First held message strictly older than m.
	i := sort.Search(len(r.messages), func(i int) bool {
		return r.messages[i].CreatedAt.Before(m.CreatedAt)
	})
	tail := i == len(r.messages) && len(r.messages) > 0
	if tail && r.hasMoreOlder {
		return false
	}

	r.messages = append(r.messages, models.Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = m
	r.seen[m.ID] = struct{}{}
	r.newestID = r.messages[0].ID
	if r.oldestID == "" || tail {
		r.oldestID = m.ID
		r.cursor.Before = m.CreatedAt
	}

	metrics.LiveMerged.Inc()
	return true
}

// MarkReadLocal flips isRead on every held message. The flag is advisory:
// the server's copy is the source of truth and a refetch overrides it.
func (r *Room) MarkReadLocal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.messages {
		r.messages[i].IsRead = true
	}
}

// Reset returns the room to Empty. Responses still in flight are discarded.
func (r *Room) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

// Switch resets the room and binds it to roomID.
func (r *Room) Switch(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
	r.roomID = roomID
}

// State derives the lifecycle state from the flags.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

// Snapshot returns a copy of the current state.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := make([]models.Message, len(r.messages))
	copy(msgs, r.messages)
	return Snapshot{
		RoomID:          r.roomID,
		State:           r.stateLocked(),
		Messages:        msgs,
		HasMoreOlder:    r.hasMoreOlder,
		LoadingOlder:    r.loadingOlder,
		OldestMessageID: r.oldestID,
		NewestMessageID: r.newestID,
		Cursor:          r.cursor,
	}
}

// ShouldLoadOlder reports whether a list scrolled to within distanceFromEnd
// of its oldest end, out of a total listLength, has crossed the threshold.
func (r *Room) ShouldLoadOlder(distanceFromEnd, listLength float64) bool {
	if listLength <= 0 {
		return true
	}
	return distanceFromEnd/listLength < r.opts.LoadThreshold
}

// MaybeLoadOlder is LoadOlder gated by ShouldLoadOlder, for scroll handlers.
func (r *Room) MaybeLoadOlder(ctx context.Context, distanceFromEnd, listLength float64) error {
	if !r.ShouldLoadOlder(distanceFromEnd, listLength) {
		return nil
	}
	return r.LoadOlder(ctx)
}

func (r *Room) stateLocked() State {
	switch {
	case r.loadingInitial:
		return StateLoadingInitial
	case !r.loaded:
		return StateEmpty
	case r.loadingOlder:
		return StateLoadingOlder
	case !r.hasMoreOlder:
		return StateExhausted
	default:
		return StateReady
	}
}

func (r *Room) isCurrentLocked(roomID string, gen uint64) bool {
	return r.roomID == roomID && r.generation == gen
}

func (r *Room) clearLocked() {
	r.generation++
	r.loadingInitial = false
	r.loaded = false
	r.messages = []models.Message{}
	r.seen = make(map[string]struct{})
	r.hasMoreOlder = true
	r.loadingOlder = false
	r.oldestID = ""
	r.newestID = ""
	r.cursor = Cursor{}
}

func (r *Room) appendLocked(m models.Message) {
	r.messages = append(r.messages, m)
	r.seen[m.ID] = struct{}{}
}

func (r *Room) updateBoundsLocked() {
	if len(r.messages) == 0 {
		r.oldestID, r.newestID = "", ""
		r.cursor.Before = time.Time{}
		return
	}
	oldest := r.messages[len(r.messages)-1]
	r.newestID = r.messages[0].ID
	r.oldestID = oldest.ID
	r.cursor.Before = oldest.CreatedAt
}
