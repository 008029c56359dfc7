package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatroom/internal/apperr"
)

type fakeConn struct {
	id     string
	userID int64
	fail   error

	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) UserID() int64 { return c.userID }

func (c *fakeConn) Send(p []byte) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// membersOf lets every listed user into every room.
type membersOf map[int64]bool

func (m membersOf) IsMember(_ context.Context, _, userID int64) (bool, error) {
	return m[userID], nil
}

type brokenChecker struct{}

func (brokenChecker) IsMember(context.Context, int64, int64) (bool, error) {
	return false, errors.New("db down")
}

// leavingChecker confirms membership once, then lets the user leave the
// room while Register is still between its check and its insert.
type leavingChecker struct {
	registry *Registry
	calls    int
	member   bool
}

func (l *leavingChecker) IsMember(_ context.Context, roomID, userID int64) (bool, error) {
	l.calls++
	if l.calls == 1 {
		answer := l.member
		l.member = false
		l.registry.UnregisterUser(roomID, userID)
		return answer, nil
	}
	return l.member, nil
}

func TestRegisterRacingLeave(t *testing.T) {
	checker := &leavingChecker{member: true}
	r := NewRegistry(checker)
	checker.registry = r

	conn := &fakeConn{id: "a", userID: 1}
	err := r.Register(context.Background(), 10, conn)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	assert.False(t, r.Contains(10, conn), "a connection of a user who left must not stay attached")
	assert.Equal(t, 2, checker.calls)

	n, _ := r.Fanout(10, []byte("secret"), nil)
	assert.Zero(t, n)
}

func TestRegisterRequiresMembership(t *testing.T) {
	r := NewRegistry(membersOf{1: true})
	ctx := context.Background()

	member := &fakeConn{id: "a", userID: 1}
	stranger := &fakeConn{id: "d", userID: 4}

	require.NoError(t, r.Register(ctx, 10, member))
	err := r.Register(ctx, 10, stranger)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	assert.False(t, r.Contains(10, stranger))

	err = NewRegistry(brokenChecker{}).Register(ctx, 10, member)
	assert.ErrorIs(t, err, apperr.ErrStorage)
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(membersOf{1: true})
	ctx := context.Background()
	conn := &fakeConn{id: "a", userID: 1}

	require.NoError(t, r.Register(ctx, 10, conn))
	require.NoError(t, r.Register(ctx, 10, conn))
	assert.Len(t, r.ActiveConnections(10), 1)
	assert.Equal(t, 1, r.RoomCount())

	r.Unregister(10, conn)
	r.Unregister(10, conn)
	assert.Empty(t, r.ActiveConnections(10))
	assert.Equal(t, 0, r.RoomCount())
}

func TestActiveConnectionsIsSnapshot(t *testing.T) {
	r := NewRegistry(membersOf{1: true, 2: true})
	ctx := context.Background()
	a := &fakeConn{id: "a", userID: 1}
	b := &fakeConn{id: "b", userID: 2}

	require.NoError(t, r.Register(ctx, 10, a))
	snap := r.ActiveConnections(10)

	require.NoError(t, r.Register(ctx, 10, b))
	r.Unregister(10, a)

	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID())
}

func TestFanoutSkipsAndCollectsFailures(t *testing.T) {
	r := NewRegistry(membersOf{1: true, 2: true, 3: true})
	ctx := context.Background()
	a := &fakeConn{id: "a", userID: 1}
	b := &fakeConn{id: "b", userID: 2, fail: ErrSendBufferFull}
	c := &fakeConn{id: "c", userID: 3}
	for _, conn := range []*fakeConn{a, b, c} {
		require.NoError(t, r.Register(ctx, 10, conn))
	}

	delivered, errs := r.Fanout(10, []byte("x"), func(conn Conn) bool { return conn.UserID() == 1 })
	assert.Equal(t, 1, delivered)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], apperr.ErrPushFailed)
	assert.ErrorIs(t, errs[0], ErrSendBufferFull)
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, c.count())
}

func TestConnectDisconnect(t *testing.T) {
	r := NewRegistry(membersOf{1: true})
	ctx := context.Background()
	phone := &fakeConn{id: "phone", userID: 1}
	laptop := &fakeConn{id: "laptop", userID: 1}

	assert.True(t, r.Connect(phone))
	assert.False(t, r.Connect(laptop))
	require.NoError(t, r.Register(ctx, 10, phone))
	require.NoError(t, r.Register(ctx, 11, phone))
	require.NoError(t, r.Register(ctx, 11, laptop))
	assert.Len(t, r.UserConnections(1), 2)

	rooms, last := r.Disconnect(phone)
	assert.ElementsMatch(t, []int64{10, 11}, rooms)
	assert.False(t, last)
	assert.True(t, r.Contains(11, laptop))

	r.UnregisterUser(11, 1)
	assert.False(t, r.Contains(11, laptop))

	_, last = r.Disconnect(laptop)
	assert.True(t, last)
	assert.Empty(t, r.Connections())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(membersOf{1: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := &fakeConn{id: fmt.Sprint(i), userID: 1}
			r.Connect(conn)
			_ = r.Register(ctx, int64(i%5), conn)
			r.Fanout(int64(i%5), []byte("x"), nil)
			r.Disconnect(conn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.RoomCount())
	assert.Empty(t, r.Connections())
}
