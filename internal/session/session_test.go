package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/app"
	"chat-sync/internal/chatsync"
	"chat-sync/internal/config"
	"chat-sync/internal/models"
	"chat-sync/internal/store"
	"chat-sync/internal/transport"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// startServer runs the dev server on a loopback port.
func startServer(t *testing.T) config.Client {
	t.Helper()

	srv := app.NewServer(config.Server{Env: "test", JWTSecret: "e2e", TokenTTL: time.Hour}, store.NewMemoryStore(), nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Listener(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	addr := ln.Addr().String()
	cfg := config.DefaultClient()
	cfg.APIURL = "http://" + addr + "/api"
	cfg.WSURL = "ws://" + addr + "/ws"
	cfg.RequestTimeout = 2 * time.Second
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	return cfg
}

func loggedIn(t *testing.T, cfg config.Client, name string) (*Session, models.User) {
	t.Helper()
	return loggedInWith(t, cfg, name, nil)
}

func loggedInWith(t *testing.T, cfg config.Client, name string, dialer transport.Dialer) (*Session, models.User) {
	t.Helper()
	ctx := context.Background()

	s := New(Config{Client: cfg, Dialer: dialer})
	user, err := s.Register(ctx, name, "pw-"+name)
	require.NoError(t, err)
	_, err = s.Login(ctx, name, "pw-"+name)
	require.NoError(t, err)
	t.Cleanup(s.Logout)

	require.Eventually(t, func() bool { return s.Transport().Status().IsAuthenticated }, waitFor, tick)
	return s, user
}

type frame struct {
	msgType int
	data    []byte
	err     error
}

// injectingConn forwards a real socket and lets a test slip extra frames
// into the read stream.
type injectingConn struct {
	transport.Conn
	frames chan frame
}

func (c *injectingConn) ReadMessage() (int, []byte, error) {
	f := <-c.frames
	return f.msgType, f.data, f.err
}

func (c *injectingConn) pump() {
	for {
		t, data, err := c.Conn.ReadMessage()
		c.frames <- frame{msgType: t, data: data, err: err}
		if err != nil {
			return
		}
	}
}

type injectingDialer struct {
	mu   sync.Mutex
	last *injectingConn
}

func (d *injectingDialer) Dial(ctx context.Context, rawURL, token string) (transport.Conn, error) {
	conn, err := transport.WebsocketDialer{}.Dial(ctx, rawURL, token)
	if err != nil {
		return nil, err
	}
	c := &injectingConn{Conn: conn, frames: make(chan frame, 16)}
	go c.pump()

	d.mu.Lock()
	d.last = c
	d.mu.Unlock()
	return c, nil
}

func (d *injectingDialer) inject(t *testing.T, ev models.WSEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	d.mu.Lock()
	c := d.last
	d.mu.Unlock()
	require.NotNil(t, c)
	c.frames <- frame{msgType: websocket.TextMessage, data: data}
}

func bodies(snap chatsync.Snapshot) []string {
	out := make([]string, len(snap.Messages))
	for i, m := range snap.Messages {
		out[i] = m.Body
	}
	return out
}

func TestSessionLiveMessagesAndReadState(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	alice, _ := loggedIn(t, cfg, "alice")
	bob, bobUser := loggedIn(t, cfg, "bob")

	room, err := alice.OpenDirectRoom(ctx, bobUser.ID)
	require.NoError(t, err)

	for _, body := range []string{"one", "two", "three"} {
		_, err := alice.Send(ctx, room.RoomID, body, models.KindPlain)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return bob.Unread().Value() == 3 }, waitFor, tick)

	view, err := bob.OpenRoom(ctx, room.RoomID)
	require.NoError(t, err)
	defer view.Close()

	assert.Equal(t, []string{"three", "two", "one"}, bodies(view.Snapshot()))
	assert.Equal(t, chatsync.StateExhausted, view.Snapshot().State)

	// Opening the room commits the read state.
	require.Eventually(t, func() bool { return bob.Unread().Value() == 0 }, waitFor, tick)

	_, err = alice.Send(ctx, room.RoomID, "live", models.KindResume)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := view.Snapshot()
		return len(snap.Messages) == 4 && snap.NewestMessageID == snap.Messages[0].ID
	}, waitFor, tick)
	snap := view.Snapshot()
	assert.Equal(t, "live", snap.Messages[0].Body)
	assert.Equal(t, models.KindResume, snap.Messages[0].Kind)

	// The live message was merged while foregrounded, so it is committed too.
	require.Eventually(t, func() bool {
		rooms, err := bob.Rooms().Load(ctx)
		return err == nil && len(rooms) == 1 && rooms[0].UnreadCount == 0 && rooms[0].LastMessage == "live"
	}, waitFor, tick)

	// Pushes can interleave; the refreshed total is authoritative.
	total, err := bob.Unread().Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSessionOwnSendIsNotDuplicated(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	alice, _ := loggedIn(t, cfg, "alice")
	_, bobUser := loggedIn(t, cfg, "bob")

	room, err := alice.OpenDirectRoom(ctx, bobUser.ID)
	require.NoError(t, err)

	view, err := alice.OpenRoom(ctx, room.RoomID)
	require.NoError(t, err)
	defer view.Close()
	assert.Empty(t, view.Snapshot().Messages)

	msg, err := view.Send(ctx, "hello", models.KindPlain)
	require.NoError(t, err)
	assert.True(t, msg.IsRead)

	// Give the socket echo time to arrive and be dropped.
	time.Sleep(100 * time.Millisecond)
	snap := view.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, msg.ID, snap.Messages[0].ID)

	_, err = view.Send(ctx, "   ", models.KindPlain)
	assert.ErrorIs(t, err, models.ErrEmptyBody)
}

func TestSessionOwnSendKeepsNewestFirst(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	dialer := &injectingDialer{}
	alice, _ := loggedInWith(t, cfg, "alice", dialer)
	_, bobUser := loggedIn(t, cfg, "bob")

	room, err := alice.OpenDirectRoom(ctx, bobUser.ID)
	require.NoError(t, err)

	view, err := alice.OpenRoom(ctx, room.RoomID)
	require.NoError(t, err)
	defer view.Close()

	// A push stamped after our send is delivered before the send response.
	later := models.Message{
		ID:        "pushed-first",
		RoomID:    room.RoomID,
		SenderID:  bobUser.ID,
		Body:      "from bob",
		Kind:      models.KindPlain,
		CreatedAt: time.Now().Add(time.Minute),
	}
	dialer.inject(t, models.WSEvent{Event: models.EventMessageReceived, RoomID: room.RoomID, Message: &later})
	require.Eventually(t, func() bool { return len(view.Snapshot().Messages) == 1 }, waitFor, tick)

	mine, err := view.Send(ctx, "mine", models.KindPlain)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	snap := view.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, []string{later.ID, mine.ID}, []string{snap.Messages[0].ID, snap.Messages[1].ID})
	assert.Equal(t, later.ID, snap.NewestMessageID)
}

func TestSessionPagesOlderHistory(t *testing.T) {
	cfg := startServer(t)
	cfg.InitialPageSize = 2
	cfg.OlderPageSize = 2
	ctx := context.Background()

	alice, _ := loggedIn(t, cfg, "alice")
	bob, bobUser := loggedIn(t, cfg, "bob")

	room, err := alice.OpenDirectRoom(ctx, bobUser.ID)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := alice.Send(ctx, room.RoomID, fmt.Sprintf("m%d", i), models.KindPlain)
		require.NoError(t, err)
	}

	view, err := bob.OpenRoom(ctx, room.RoomID)
	require.NoError(t, err)
	defer view.Close()
	assert.Equal(t, []string{"m5", "m4"}, bodies(view.Snapshot()))
	assert.True(t, view.Snapshot().HasMoreOlder)

	// Far from the oldest end: nothing happens.
	require.NoError(t, view.OnScroll(ctx, 90, 100))
	assert.Len(t, view.Snapshot().Messages, 2)

	require.NoError(t, view.OnScroll(ctx, 5, 100))
	require.NoError(t, view.LoadOlder(ctx))
	require.NoError(t, view.LoadOlder(ctx))

	snap := view.Snapshot()
	assert.Equal(t, []string{"m5", "m4", "m3", "m2", "m1"}, bodies(snap))
	assert.False(t, snap.HasMoreOlder)
	assert.Equal(t, chatsync.StateExhausted, snap.State)
}

func TestSessionCloseStopsLiveUpdates(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	alice, _ := loggedIn(t, cfg, "alice")
	bob, bobUser := loggedIn(t, cfg, "bob")

	room, err := alice.OpenDirectRoom(ctx, bobUser.ID)
	require.NoError(t, err)

	view, err := bob.OpenRoom(ctx, room.RoomID)
	require.NoError(t, err)
	require.Equal(t, room.RoomID, bob.Transport().Status().CurrentRoomID)

	view.Close()
	view.Close()
	bob.committer.Wait()
	assert.Empty(t, bob.Transport().Status().CurrentRoomID)
	assert.Equal(t, chatsync.StateEmpty, view.Snapshot().State)

	_, err = alice.Send(ctx, room.RoomID, "after close", models.KindPlain)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Unread().Value() == 1 }, waitFor, tick)
	assert.Empty(t, view.Snapshot().Messages)
}

func TestSessionLogoutResetsState(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	alice, _ := loggedIn(t, cfg, "alice")
	bob, bobUser := loggedIn(t, cfg, "bob")

	room, err := alice.OpenDirectRoom(ctx, bobUser.ID)
	require.NoError(t, err)
	_, err = alice.Send(ctx, room.RoomID, "ping", models.KindPlain)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Unread().Value() == 1 }, waitFor, tick)

	bob.Logout()
	assert.Zero(t, bob.Unread().Value())
	assert.Empty(t, bob.UserID())
	assert.False(t, bob.Transport().Status().IsConnected)

	_, err = bob.OpenRoom(ctx, room.RoomID)
	assert.Error(t, err)
}
