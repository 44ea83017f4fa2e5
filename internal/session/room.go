package session

import (
	"context"
	"sync"

	"chat-sync/internal/chatsync"
	"chat-sync/internal/models"
)

// RoomView is one foregrounded room: a sync state machine wired to the
// session's live events and read-state committer.
type RoomView struct {
	session *Session
	room    *chatsync.Room
	roomID  string
	changes chan struct{}

	closeOnce sync.Once
	disposers []func()
}

// OpenRoom joins roomID, subscribes to its live messages, loads the newest
// page and marks the room read. On failure nothing stays subscribed.
func (s *Session) OpenRoom(ctx context.Context, roomID string) (*RoomView, error) {
	v := &RoomView{
		session: s,
		roomID:  roomID,
		changes: make(chan struct{}, 1),
		room: chatsync.NewRoom(roomID, s.fetcher, chatsync.Options{
			InitialPageSize: s.cfg.InitialPageSize,
			OlderPageSize:   s.cfg.OlderPageSize,
			LoadThreshold:   s.cfg.LoadThreshold,
			Logger:          s.log,
		}),
	}

	// Subscribe before loading so pushes that race the first page are kept.
	v.disposers = append(v.disposers, s.transport.OnMessageReceived(func(ev models.MessageReceivedEvent) {
		if ev.RoomID != roomID {
			return
		}
		if v.room.AddLive(ev.Message) {
			s.committer.MarkRead(roomID)
			v.notify()
		}
	}))
	s.transport.JoinRoom(roomID)

	if err := v.room.LoadInitial(ctx); err != nil {
		v.Close()
		return nil, err
	}
	v.notify()
	s.committer.MarkRead(roomID)
	return v, nil
}

// RoomID returns the room this view shows.
func (v *RoomView) RoomID() string { return v.roomID }

// Snapshot returns the current messages, newest first.
func (v *RoomView) Snapshot() chatsync.Snapshot { return v.room.Snapshot() }

// Changes is signalled, coalesced, after each live merge or page load.
func (v *RoomView) Changes() <-chan struct{} { return v.changes }

// LoadOlder fetches the next older page, if any. A failure leaves the list
// as it was and is reported for callers that retry explicitly.
func (v *RoomView) LoadOlder(ctx context.Context) error {
	before := len(v.room.Snapshot().Messages)
	err := v.room.LoadOlder(ctx)
	if err == nil && len(v.room.Snapshot().Messages) != before {
		v.notify()
	}
	return err
}

// OnScroll loads older history once the viewport nears the oldest end.
// Errors are already logged and the load may simply be retried on the next
// scroll; callers should not show them to the user.
func (v *RoomView) OnScroll(ctx context.Context, distanceFromEnd, listLength float64) error {
	if !v.room.ShouldLoadOlder(distanceFromEnd, listLength) {
		return nil
	}
	return v.LoadOlder(ctx)
}

// Send posts body and merges the server's copy in createdAt order; the
// socket echo of the same message is dropped as a duplicate.
func (v *RoomView) Send(ctx context.Context, body string, kind models.Kind) (models.Message, error) {
	msg, err := v.session.Send(ctx, v.roomID, body, kind)
	if err != nil {
		return models.Message{}, err
	}
	if v.room.AddOwn(msg) {
		v.notify()
	}
	return msg, nil
}

// MarkRead commits the read state now and flips the local flags.
func (v *RoomView) MarkRead(ctx context.Context) error {
	if err := v.session.committer.Commit(ctx, v.roomID); err != nil {
		return err
	}
	v.room.MarkReadLocal()
	v.notify()
	return nil
}

// Close unsubscribes, leaves the room and resets the state machine. It is
// safe to call more than once.
func (v *RoomView) Close() {
	v.closeOnce.Do(func() {
		for _, dispose := range v.disposers {
			dispose()
		}
		if v.session.transport.Status().CurrentRoomID == v.roomID {
			v.session.transport.LeaveRoom()
		}
		v.room.Reset()
	})
}

func (v *RoomView) notify() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}
