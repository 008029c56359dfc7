package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/models"
	"github.com/pliu/chatroom/internal/store/sqlstore"
	"github.com/pliu/chatroom/internal/ws"
)

type recordedFrame struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref"`
	Data json.RawMessage `json:"data"`
}

// testConn records every frame pushed to it. A full conn rejects pushes
// the way a client with an exhausted send buffer does.
type testConn struct {
	id     string
	userID int64
	full   bool

	mu     sync.Mutex
	frames []recordedFrame
}

func (c *testConn) ID() string    { return c.id }
func (c *testConn) UserID() int64 { return c.userID }

func (c *testConn) Send(p []byte) error {
	if c.full {
		return ws.ErrSendBufferFull
	}
	var f recordedFrame
	if err := json.Unmarshal(p, &f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *testConn) ofType(frameType string) []recordedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []recordedFrame
	for _, f := range c.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (c *testConn) messages(t *testing.T) []models.Message {
	t.Helper()
	var out []models.Message
	for _, f := range c.ofType(ws.TypeMessage) {
		var m models.Message
		require.NoError(t, json.Unmarshal(f.Data, &m))
		out = append(out, m)
	}
	return out
}

func (c *testConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Publish(_ context.Context, topic string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// stubAttachments accepts refs starting with "ok-". Of those, refs starting
// with "ok-missing" were never uploaded.
type stubAttachments struct{}

func (stubAttachments) URL(ref string) (string, error) {
	if !strings.HasPrefix(ref, "ok-") {
		return "", apperr.Validation("invalid attachment reference %q", ref)
	}
	return "/attachments/" + ref, nil
}

func (stubAttachments) Exists(ref string) (bool, error) {
	return !strings.HasPrefix(ref, "ok-missing"), nil
}

type testEnv struct {
	store       *sqlstore.SQLStore
	registry    *ws.Registry
	bus         *recordingBus
	broadcaster *Broadcaster
	tracker     *Tracker
	typing      *Typing
	presence    *Presence
	rooms       *Rooms
	dispatcher  *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := zap.NewNop()
	registry := ws.NewRegistry(st)
	bus := &recordingBus{}
	e := &testEnv{store: st, registry: registry, bus: bus}
	e.broadcaster = NewBroadcaster(st, registry, bus, stubAttachments{}, 16, log)
	e.tracker = NewTracker(st, registry, bus, log)
	e.typing = NewTyping(registry, bus, 200*time.Millisecond, log)
	e.presence = NewPresence(st, registry, bus, log)
	e.rooms = NewRooms(st, registry, e.presence, e.broadcaster, bus, stubAttachments{}, 50, log)
	e.dispatcher = NewDispatcher(registry, e.rooms, e.broadcaster, e.tracker, e.typing, e.presence, log)
	return e
}

func (e *testEnv) user(t *testing.T, name string) *models.User {
	t.Helper()
	u := &models.User{Username: name, Email: name + "@example.com", Password: "hash"}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u
}

// room creates a public room owned by the first user with the rest as
// members.
func (e *testEnv) room(t *testing.T, name string, owner *models.User, members ...*models.User) *models.ChatRoom {
	t.Helper()
	ctx := context.Background()
	room, err := e.rooms.Create(ctx, owner.ID, name, "", false)
	require.NoError(t, err)
	for _, m := range members {
		_, err := e.rooms.Join(ctx, m.ID, room.ID)
		require.NoError(t, err)
	}
	return room
}

var connSeq int

// connect opens a live connection for u and attaches it to the rooms.
func (e *testEnv) connect(t *testing.T, u *models.User, rooms ...*models.ChatRoom) *testConn {
	t.Helper()
	connSeq++
	c := &testConn{id: fmt.Sprintf("%s-%d", u.Username, connSeq), userID: u.ID}
	e.dispatcher.Connected(context.Background(), c)
	for _, r := range rooms {
		require.NoError(t, e.registry.Register(context.Background(), r.ID, c))
	}
	return c
}

func (e *testEnv) messageCount(t *testing.T) int {
	t.Helper()
	n := 0
	rooms, err := e.store.ListPublicRooms(context.Background())
	require.NoError(t, err)
	for _, r := range rooms {
		msgs, err := e.store.ListMessages(context.Background(), r.ID, 0, MaxPageSize)
		require.NoError(t, err)
		n += len(msgs)
	}
	return n
}
