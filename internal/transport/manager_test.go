package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/models"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []models.WSEvent
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var ev models.WSEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, ev)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, ev models.WSEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) sent() []models.WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.WSEvent, len(c.writes))
	copy(out, c.writes)
	return out
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	tokens []string
	err    error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestManager(d Dialer) *Manager {
	return NewManager(Config{
		URL:          "ws://test/ws",
		Dialer:       d,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	})
}

func connected(m *Manager) func() bool {
	return func() bool { return m.Status().IsConnected }
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Close()

	m.Connect(context.Background(), "tok")
	m.Connect(context.Background(), "tok")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)

	m.Connect(context.Background(), "tok")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
}

func TestManager_AuthenticatedAfterWelcome(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Close()

	statuses := make(chan Status, 16)
	m.OnStatusChanged(func(s Status) { statuses <- s })

	m.Connect(context.Background(), "tok")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)
	assert.False(t, m.Status().IsAuthenticated)

	d.last().push(t, models.WSEvent{Event: models.EventConnected, UserID: "u1"})
	require.Eventually(t, func() bool { return m.Status().IsAuthenticated }, time.Second, time.Millisecond)

	first := <-statuses
	assert.True(t, first.IsConnected)
	assert.False(t, first.IsAuthenticated)
}

func TestManager_FanOutInOrder(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Close()

	var mu sync.Mutex
	var a, b []string
	m.OnMessageReceived(func(ev models.MessageReceivedEvent) {
		mu.Lock()
		a = append(a, ev.Message.ID)
		mu.Unlock()
	})
	disposeB := m.OnMessageReceived(func(ev models.MessageReceivedEvent) {
		mu.Lock()
		b = append(b, ev.Message.ID)
		mu.Unlock()
	})

	m.Connect(context.Background(), "tok")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)
	conn := d.last()

	for _, id := range []string{"m1", "m2", "m3"} {
		conn.push(t, models.WSEvent{
			Event:   models.EventMessageReceived,
			RoomID:  "r1",
			Message: &models.Message{ID: id, Body: id, Kind: "weird"},
		})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(a) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"m1", "m2", "m3"}, a)
	assert.Equal(t, []string{"m1", "m2", "m3"}, b)
	mu.Unlock()

	disposeB()
	disposeB()
	conn.push(t, models.WSEvent{Event: models.EventMessageReceived, RoomID: "r1", Message: &models.Message{ID: "m4"}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(a) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Len(t, b, 3)
	mu.Unlock()
}

func TestManager_DispatchNormalizesMessage(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Close()

	got := make(chan models.MessageReceivedEvent, 1)
	m.OnMessageReceived(func(ev models.MessageReceivedEvent) { got <- ev })

	m.Connect(context.Background(), "tok")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)
	d.last().push(t, models.WSEvent{
		Event:   models.EventMessageReceived,
		RoomID:  "r1",
		Message: &models.Message{ID: "m1", Kind: "hologram"},
	})

	select {
	case ev := <-got:
		assert.Equal(t, "r1", ev.RoomID)
		assert.Equal(t, "r1", ev.Message.RoomID)
		assert.Equal(t, models.KindPlain, ev.Message.Kind)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestManager_RoomAndUnreadEvents(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Close()

	rooms := make(chan models.RoomUpdatedEvent, 1)
	totals := make(chan int, 1)
	joined := make(chan models.UserPresenceEvent, 1)
	m.OnChatRoomUpdated(func(ev models.RoomUpdatedEvent) { rooms <- ev })
	m.OnTotalUnreadCountUpdated(func(n int) { totals <- n })
	m.OnUserJoined(func(ev models.UserPresenceEvent) { joined <- ev })

	m.Connect(context.Background(), "tok")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	unread, total := 2, 7
	conn := d.last()
	conn.push(t, models.WSEvent{Event: models.EventRoomUpdated, RoomID: "r1", LastMessage: "hi", LastMessageAt: &at, UnreadCount: &unread})
	conn.push(t, models.WSEvent{Event: models.EventUnreadTotal, TotalUnreadCount: &total})
	conn.push(t, models.WSEvent{Event: models.EventUserJoined, RoomID: "r1", UserID: "u2"})

	ev := <-rooms
	assert.Equal(t, "r1", ev.RoomID)
	assert.Equal(t, "hi", ev.LastMessage)
	assert.True(t, at.Equal(ev.LastMessageAt))
	assert.Equal(t, 2, ev.UnreadCount)
	assert.Equal(t, 7, <-totals)
	assert.Equal(t, models.UserPresenceEvent{RoomID: "r1", UserID: "u2"}, <-joined)
}

func TestManager_ReconnectRejoinsRoom(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Close()

	m.JoinRoom("r1")
	m.Connect(context.Background(), "tok")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)

	first := d.last()
	require.Eventually(t, func() bool { return len(first.sent()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, models.WSEvent{Event: models.EventJoinRoom, RoomID: "r1"}, first.sent()[0])

	_ = first.Close()
	require.Eventually(t, func() bool { return d.dials() == 2 && m.Status().IsConnected }, time.Second, time.Millisecond)

	second := d.last()
	require.NotSame(t, first, second)
	require.Eventually(t, func() bool { return len(second.sent()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "r1", second.sent()[0].RoomID)
	assert.Equal(t, "r1", m.Status().CurrentRoomID)
}

func TestManager_LeaveRoomSendsFrame(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Close()

	m.Connect(context.Background(), "tok")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)

	m.JoinRoom("r1")
	m.LeaveRoom()
	m.LeaveRoom()

	sent := d.last().sent()
	require.Len(t, sent, 2)
	assert.Equal(t, models.EventJoinRoom, sent[0].Event)
	assert.Equal(t, models.WSEvent{Event: models.EventLeaveRoom, RoomID: "r1"}, sent[1])
	assert.Empty(t, m.Status().CurrentRoomID)
}

func TestManager_TokenChangeReconnects(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)
	defer m.Close()

	m.Connect(context.Background(), "old")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)

	m.Connect(context.Background(), "new")
	require.Eventually(t, func() bool { return d.dials() >= 2 && m.Status().IsConnected }, time.Second, time.Millisecond)

	d.mu.Lock()
	tokens := append([]string(nil), d.tokens...)
	d.mu.Unlock()
	assert.Equal(t, "old", tokens[0])
	assert.Equal(t, "new", tokens[len(tokens)-1])
}

func TestManager_UnauthorizedStaysUnauthenticated(t *testing.T) {
	d := &fakeDialer{err: ErrUnauthorized}
	m := newTestManager(d)
	defer m.Close()

	m.Connect(context.Background(), "bad")
	require.Eventually(t, func() bool { return d.dials() >= 2 }, time.Second, time.Millisecond)

	st := m.Status()
	assert.False(t, st.IsConnected)
	assert.False(t, st.IsAuthenticated)
}

func TestManager_CloseStopsLoop(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)

	m.Connect(context.Background(), "tok")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)
	d.last().push(t, models.WSEvent{Event: models.EventConnected})
	require.Eventually(t, func() bool { return m.Status().IsAuthenticated }, time.Second, time.Millisecond)

	m.Close()
	m.Close()

	st := m.Status()
	assert.False(t, st.IsConnected)
	assert.False(t, st.IsAuthenticated)

	n := d.dials()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, d.dials())

	m.Connect(context.Background(), "tok")
	require.Eventually(t, connected(m), time.Second, time.Millisecond)
	m.Close()
}

func TestManager_ContextCancelStopsLoop(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	m := newTestManager(d)

	ctx, cancel := context.WithCancel(context.Background())
	m.Connect(ctx, "tok")
	require.Eventually(t, func() bool { return d.dials() >= 1 }, time.Second, time.Millisecond)
	cancel()

	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()

	// The loop exits on its own; a later Connect starts a fresh one.
	require.Eventually(t, func() bool {
		m.Connect(context.Background(), "tok")
		return m.Status().IsConnected
	}, time.Second, 5*time.Millisecond)
	m.Close()
}

func TestListeners_DisposeIsIdempotent(t *testing.T) {
	var l listeners[int]
	var got []int
	d1 := l.add(func(v int) { got = append(got, v) })
	l.add(func(v int) { got = append(got, v*10) })
	assert.Equal(t, 2, l.len())

	l.emit(1)
	d1()
	d1()
	l.emit(2)

	assert.Equal(t, []int{1, 10, 20}, got)
	assert.Equal(t, 1, l.len())

	noop := l.add(nil)
	noop()
	assert.Equal(t, 1, l.len())
}

func TestListeners_DisposeDuringEmit(t *testing.T) {
	var l listeners[string]
	var calls int
	var dispose func()
	dispose = l.add(func(string) {
		calls++
		dispose()
	})
	l.emit("a")
	l.emit("b")
	assert.Equal(t, 1, calls)
}

func TestWithToken(t *testing.T) {
	got, err := withToken("ws://localhost:3001/ws?x=1", "a b")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3001/ws?access_token=a+b&x=1", got)

	got, err = withToken("ws://localhost:3001/ws", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3001/ws", got)

	_, err = withToken("://bad", "t")
	assert.Error(t, err)
}
