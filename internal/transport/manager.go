// Package transport owns the single real-time connection of a session and
// fans its events out to any number of subscribers.
//
// A Manager is constructed by the composition root and passed to whatever
// needs live events. Disconnects are retried with exponential backoff and
// surface only as Status changes; nothing is replayed after a reconnect, so
// gaps are closed by the next explicit history fetch.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chat-sync/internal/metrics"
	"chat-sync/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
)

const (
	// DefaultReconnectMin is the first backoff delay after a failure.
	DefaultReconnectMin = time.Second
	// DefaultReconnectMax caps the backoff delay.
	DefaultReconnectMax = 30 * time.Second
)

// Status is a point-in-time view of the connection.
type Status struct {
	IsConnected     bool
	IsAuthenticated bool
	CurrentRoomID   string
}

// Config holds the configuration for a Manager.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:3001/ws".
	URL string
	// Dialer opens connections. Default: WebsocketDialer.
	Dialer Dialer
	// ReconnectMin and ReconnectMax bound the exponential backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Manager is the session's transport handle.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	token   string
	conn    Conn
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
	writeMu sync.Mutex

	messageReceived listeners[models.MessageReceivedEvent]
	roomUpdated     listeners[models.RoomUpdatedEvent]
	unreadTotal     listeners[int]
	userJoined      listeners[models.UserPresenceEvent]
	userLeft        listeners[models.UserPresenceEvent]
	statusChanged   listeners[Status]
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(DefaultReconnectMax, cfg.ReconnectMin)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("transport"),
		wake: make(chan struct{}, 1),
	}
}

// Connect starts the connection loop, or reuses the running one. A different
// token replaces the current connection. Connect never reports network
// errors; watch Status or OnStatusChanged instead. ctx bounds the lifetime
// of the connection loop.
func (m *Manager) Connect(ctx context.Context, token string) {
	m.mu.Lock()
	tokenChanged := token != m.token
	m.token = token

	if m.cancel == nil {
		loopCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		m.done = make(chan struct{})
		done := m.done
		m.mu.Unlock()

		go m.run(loopCtx, done)
		return
	}

	conn := m.conn
	m.mu.Unlock()

	if !tokenChanged {
		return
	}
	m.log.Info("auth token changed, reconnecting")
	if conn != nil {
		_ = conn.Close()
	}
	m.poke()
}

// Close stops the loop and closes the connection. The Manager may be
// connected again afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Status returns a snapshot of the connection state. It never blocks on I/O.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// JoinRoom marks roomID as the foreground room. The join frame is sent now
// if connected and again after every reconnect.
func (m *Manager) JoinRoom(roomID string) {
	st := m.updateStatus(func(s *Status) { s.CurrentRoomID = roomID })
	if st.IsConnected {
		m.send(models.WSEvent{Event: models.EventJoinRoom, RoomID: roomID})
	}
}

// LeaveRoom clears the foreground room.
func (m *Manager) LeaveRoom() {
	var prev string
	st := m.updateStatus(func(s *Status) {
		prev = s.CurrentRoomID
		s.CurrentRoomID = ""
	})
	if prev != "" && st.IsConnected {
		m.send(models.WSEvent{Event: models.EventLeaveRoom, RoomID: prev})
	}
}

// OnMessageReceived registers fn for every inbound message of any joined room.
func (m *Manager) OnMessageReceived(fn func(models.MessageReceivedEvent)) (unsubscribe func()) {
	return m.messageReceived.add(fn)
}

// OnChatRoomUpdated registers fn for server-recomputed room summaries.
func (m *Manager) OnChatRoomUpdated(fn func(models.RoomUpdatedEvent)) (unsubscribe func()) {
	return m.roomUpdated.add(fn)
}

// OnTotalUnreadCountUpdated registers fn for the session-wide unread total.
func (m *Manager) OnTotalUnreadCountUpdated(fn func(total int)) (unsubscribe func()) {
	return m.unreadTotal.add(fn)
}

// OnUserJoined registers fn for room join notifications.
func (m *Manager) OnUserJoined(fn func(models.UserPresenceEvent)) (unsubscribe func()) {
	return m.userJoined.add(fn)
}

// OnUserLeft registers fn for room leave notifications.
func (m *Manager) OnUserLeft(fn func(models.UserPresenceEvent)) (unsubscribe func()) {
	return m.userLeft.add(fn)
}

// OnStatusChanged registers fn for connection state changes.
func (m *Manager) OnStatusChanged(fn func(Status)) (unsubscribe func()) {
	return m.statusChanged.add(fn)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.done == done {
			m.cancel()
			m.cancel = nil
			m.done = nil
		}
		m.mu.Unlock()
		m.updateStatus(func(s *Status) {
			s.IsConnected = false
			s.IsAuthenticated = false
		})
		close(done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectMin
	bo.MaxInterval = m.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		token := m.currentToken()
		conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL, token)
		if err == nil && m.currentToken() != token {
			// Token replaced while dialing
			_ = conn.Close()
			continue
		}
		if err == nil {
			bo.Reset()
			m.serve(ctx, conn)
		} else if errors.Is(err, ErrUnauthorized) {
			m.log.Warn("socket rejected token", "url", m.cfg.URL)
		} else {
			m.log.Debug("socket dial failed", "url", m.cfg.URL, "error", err)
		}

		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		metrics.Reconnects.Inc()
		m.log.Debug("reconnecting", "in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// serve reads frames until the connection fails or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	st := m.updateStatus(func(s *Status) { s.IsConnected = true })
	m.log.Info("socket connected", "url", m.cfg.URL)

	if st.CurrentRoomID != "" {
		m.send(models.WSEvent{Event: models.EventJoinRoom, RoomID: st.CurrentRoomID})
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Info("socket disconnected", "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		m.dispatch(data)
	}

	_ = conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	m.updateStatus(func(s *Status) {
		s.IsConnected = false
		s.IsAuthenticated = false
	})
}

// dispatch decodes one frame and notifies the matching listeners on the
// reader goroutine, so listeners see events in server-send order.
func (m *Manager) dispatch(data []byte) {
	var ev models.WSEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		m.log.Debug("dropping undecodable frame", "error", err)
		return
	}

	switch ev.Event {
	case models.EventConnected:
		m.updateStatus(func(s *Status) { s.IsAuthenticated = true })

	case models.EventMessageReceived:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		roomID := ev.RoomID
		if roomID == "" {
			roomID = msg.RoomID
		}
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		msg.Kind = models.ParseKind(string(msg.Kind))
		m.messageReceived.emit(models.MessageReceivedEvent{RoomID: roomID, Message: msg})

	case models.EventRoomUpdated:
		update := models.RoomUpdatedEvent{RoomID: ev.RoomID, LastMessage: ev.LastMessage}
		if ev.LastMessageAt != nil {
			update.LastMessageAt = *ev.LastMessageAt
		}
		if ev.UnreadCount != nil {
			update.UnreadCount = *ev.UnreadCount
		}
		m.roomUpdated.emit(update)

	case models.EventUnreadTotal:
		if ev.TotalUnreadCount != nil {
			m.unreadTotal.emit(*ev.TotalUnreadCount)
		}

	case models.EventUserJoined:
		m.userJoined.emit(models.UserPresenceEvent{RoomID: ev.RoomID, UserID: ev.UserID})

	case models.EventUserLeft:
		m.userLeft.emit(models.UserPresenceEvent{RoomID: ev.RoomID, UserID: ev.UserID})

	case models.EventError:
		m.log.Warn("server reported socket error", "error", ev.Error)

	default:
		m.log.Debug("ignoring socket event", "event", ev.Event)
	}
}

func (m *Manager) send(ev models.WSEvent) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("encoding socket frame", "error", err)
		return
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop notices the broken connection and reconnects.
		m.log.Debug("socket write failed", "event", ev.Event, "error", err)
	}
}

// updateStatus applies fn and notifies listeners when the status changed.
func (m *Manager) updateStatus(fn func(*Status)) Status {
	m.mu.Lock()
	prev := m.status
	fn(&m.status)
	next := m.status
	m.mu.Unlock()

	if next != prev {
		m.statusChanged.emit(next)
	}
	return next
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) currentToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}
