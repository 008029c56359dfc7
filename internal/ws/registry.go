package ws

import (
	"context"
	"sync"

	"github.com/pliu/chatroom/internal/apperr"
)

// Conn is one live client session. Send must not block: it either enqueues
// the payload or fails.
type Conn interface {
	ID() string
	UserID() int64
	Send(payload []byte) error
}

// MembershipChecker answers whether a user holds a persisted room membership.
type MembershipChecker interface {
	IsMember(ctx context.Context, roomID, userID int64) (bool, error)
}

// Registry tracks which live connections are attached to which room, and
// which connections each user has open. It lives for the whole process and
// only hands out copies of its sets.
type Registry struct {
	members MembershipChecker

	mu    sync.RWMutex
	rooms map[int64]map[string]Conn
	users map[int64]map[string]Conn
	// departures counts UnregisterUser calls. Register retries its
	// membership check when one happened while it was checking.
	departures uint64
}

func NewRegistry(members MembershipChecker) *Registry {
	return &Registry{
		members: members,
		rooms:   make(map[int64]map[string]Conn),
		users:   make(map[int64]map[string]Conn),
	}
}

// Connect records a live connection. It reports whether this is the user's
// first open connection.
func (r *Registry) Connect(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[conn.UserID()]
	if !ok {
		conns = make(map[string]Conn)
		r.users[conn.UserID()] = conns
	}
	conns[conn.ID()] = conn
	return !ok
}

// Disconnect drops the connection from every room and from the user index.
// It returns the rooms it was attached to and whether the user has no
// connections left.
func (r *Registry) Disconnect(conn Conn) ([]int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.unregisterAllLocked(conn)

	last := false
	if conns, ok := r.users[conn.UserID()]; ok {
		delete(conns, conn.ID())
		if len(conns) == 0 {
			delete(r.users, conn.UserID())
			last = true
		}
	}
	return rooms, last
}

// Register attaches conn to the room's active set. The connection's user
// must be a persisted member of the room. Registering twice is a no-op.
func (r *Registry) Register(ctx context.Context, roomID int64, conn Conn) error {
	for {
		r.mu.RLock()
		gen := r.departures
		r.mu.RUnlock()

		ok, err := r.members.IsMember(ctx, roomID, conn.UserID())
		if err != nil {
			return apperr.Storage("check membership", err)
		}
		if !ok {
			return apperr.PermissionDenied("user %d is not a member of room %d", conn.UserID(), roomID)
		}
		if r.attach(roomID, conn, gen) {
			return nil
		}
	}
}

// attach adds conn unless a departure happened since gen was read.
func (r *Registry) attach(roomID int64, conn Conn, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.departures != gen {
		return false
	}
	conns, ok := r.rooms[roomID]
	if !ok {
		conns = make(map[string]Conn)
		r.rooms[roomID] = conns
	}
	conns[conn.ID()] = conn
	return true
}

func (r *Registry) Unregister(roomID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(roomID, conn.ID())
}

// UnregisterUser detaches every connection of userID from the room. Used
// when the user leaves the room.
func (r *Registry) UnregisterUser(roomID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.departures++
	for id, c := range r.rooms[roomID] {
		if c.UserID() == userID {
			r.unregisterLocked(roomID, id)
		}
	}
}

func (r *Registry) unregisterAllLocked(conn Conn) []int64 {
	var rooms []int64
	for roomID, conns := range r.rooms {
		if _, ok := conns[conn.ID()]; ok {
			rooms = append(rooms, roomID)
			r.unregisterLocked(roomID, conn.ID())
		}
	}
	return rooms
}

func (r *Registry) unregisterLocked(roomID int64, connID string) {
	conns, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.rooms, roomID)
	}
}

// ActiveConnections returns a snapshot of the room's live connections.
// Later registrations do not affect the returned slice.
func (r *Registry) ActiveConnections(roomID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[roomID])
}

// UserConnections returns a snapshot of all live connections of a user.
func (r *Registry) UserConnections(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[userID])
}

// Connections returns a snapshot of every live connection.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Conn
	for _, conns := range r.users {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Contains(roomID int64, conn Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][conn.ID()]
	return ok
}

// RoomCount is the number of rooms with at least one live connection.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Fanout enqueues payload on every live connection of the room for which
// skip returns false. A failing connection never blocks the others; its
// error is returned wrapped as apperr.ErrPushFailed.
func (r *Registry) Fanout(roomID int64, payload []byte, skip func(Conn) bool) (int, []error) {
	conns := r.ActiveConnections(roomID)
	if skip != nil {
		kept := conns[:0]
		for _, c := range conns {
			if !skip(c) {
				kept = append(kept, c)
			}
		}
		conns = kept
	}
	return SendAll(conns, payload)
}

// SendAll pushes payload to each connection and collects the failures.
func SendAll(conns []Conn, payload []byte) (int, []error) {
	delivered := 0
	var errs []error
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			errs = append(errs, apperr.PushFailed(c.ID(), err))
			continue
		}
		delivered++
	}
	return delivered, errs
}

func snapshot(conns map[string]Conn) []Conn {
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}
