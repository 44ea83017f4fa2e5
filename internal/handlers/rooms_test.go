package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubPresence(t *testing.T) {
	h := NewHub(nil)
	a1 := h.register(&Client{ID: "a1", UserID: "alice"})
	h.register(&Client{ID: "a2", UserID: "alice"})
	h.register(&Client{ID: "b1", UserID: "bob"})

	assert.True(t, h.IsUserOnline("alice"))
	assert.Equal(t, 2, h.CountUserConnections("alice"))
	assert.False(t, h.IsUserOnline("carol"))

	assert.Empty(t, h.Join(a1.ID, "r1"))
	assert.True(t, h.IsUserInRoom("alice", "r1"))
	assert.False(t, h.IsUserInRoom("bob", "r1"))

	assert.Empty(t, h.Join(a1.ID, "r1"))
	assert.Equal(t, "r1", h.Join(a1.ID, "r2"))
	assert.False(t, h.IsUserInRoom("alice", "r1"))
	assert.True(t, h.IsUserInRoom("alice", "r2"))

	assert.Equal(t, "r2", h.Leave(a1.ID))
	assert.Empty(t, h.Leave(a1.ID))
	assert.False(t, h.IsUserInRoom("alice", "r2"))
}

func TestHubUnregister(t *testing.T) {
	h := NewHub(nil)
	h.register(&Client{ID: "a1", UserID: "alice"})
	h.register(&Client{ID: "a2", UserID: "alice"})
	h.Join("a1", "r1")

	assert.Equal(t, "r1", h.Unregister("a1"))
	assert.True(t, h.IsUserOnline("alice"))
	assert.False(t, h.IsUserInRoom("alice", "r1"))

	assert.Empty(t, h.Unregister("a2"))
	assert.False(t, h.IsUserOnline("alice"))
	assert.Empty(t, h.Unregister("missing"))

	// Nothing to deliver to; must not touch a socket.
	h.Broadcast("r1", map[string]string{"event": "x"}, "")
	h.SendToUser("alice", map[string]string{"event": "x"})
}

func TestPresenceIsPerUser(t *testing.T) {
	h := NewHub(nil)
	a1 := h.register(&Client{ID: "a1", UserID: "alice"})
	a2 := h.register(&Client{ID: "a2", UserID: "alice"})

	left, joined := joinRoom(h, a1, "r1")
	assert.Empty(t, left)
	assert.Equal(t, "r1", joined)

	// A second tab in the same room is not a new arrival.
	left, joined = joinRoom(h, a2, "r1")
	assert.Empty(t, left)
	assert.Empty(t, joined)

	// alice is still in r1 through a2.
	left, joined = joinRoom(h, a1, "r2")
	assert.Empty(t, left)
	assert.Equal(t, "r2", joined)

	assert.Equal(t, "r1", leaveRoom(h, a2))
	assert.Equal(t, "r2", leaveRoom(h, a1))
	assert.Empty(t, leaveRoom(h, a1))

	left, joined = joinRoom(h, a1, "")
	assert.Empty(t, left)
	assert.Empty(t, joined)
}
