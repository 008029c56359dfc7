package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatroom/internal/events"
	"github.com/pliu/chatroom/internal/ws"
)

func TestPresenceTransitions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	a, b := e.user(t, "alice"), e.user(t, "bob")
	room := e.room(t, "general", a, b)
	watcher := e.connect(t, b, room)

	phone := e.connect(t, a, room)
	laptop := e.connect(t, a)

	u, err := e.store.GetUserByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, u.IsOnline)

	// One online announcement for alice despite two connections.
	assert.Len(t, presenceOf(t, watcher, a.ID), 1)

	rooms := e.presence.Disconnected(ctx, phone)
	assert.Equal(t, []int64{room.ID}, rooms)
	u, err = e.store.GetUserByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, u.IsOnline)

	e.presence.Disconnected(ctx, laptop)
	u, err = e.store.GetUserByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, u.IsOnline)
	assert.NotNil(t, u.LastSeen)

	seen := presenceOf(t, watcher, a.ID)
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Online)
	assert.False(t, seen[1].Online)
	assert.False(t, e.registry.Contains(room.ID, phone))
}

func TestNotifyUser(t *testing.T) {
	e := newTestEnv(t)
	a, b := e.user(t, "alice"), e.user(t, "bob")
	first, second := e.connect(t, a), e.connect(t, a)
	other := e.connect(t, b)

	n, err := e.presence.NotifyUser(a.ID, ws.TypeInvited, map[string]int{"room_id": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, first.ofType(ws.TypeInvited), 1)
	assert.Len(t, second.ofType(ws.TypeInvited), 1)
	assert.Empty(t, other.ofType(ws.TypeInvited))
}

func presenceOf(t *testing.T, c *testConn, userID int64) []events.PresenceChanged {
	t.Helper()
	var out []events.PresenceChanged
	for _, f := range c.ofType(ws.TypePresence) {
		var ev events.PresenceChanged
		require.NoError(t, json.Unmarshal(f.Data, &ev))
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out
}
