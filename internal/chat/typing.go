package chat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/events"
	"github.com/pliu/chatroom/internal/logger"
	"github.com/pliu/chatroom/internal/ws"
)

// Typing relays ephemeral "is typing" signals. Nothing is persisted and
// nothing is guaranteed; entries lapse after ttl unless renewed.
type Typing struct {
	registry *ws.Registry
	bus      events.Publisher
	ttl      time.Duration
	active   *cache.Cache
	log      *zap.Logger
}

func NewTyping(registry *ws.Registry, bus events.Publisher, ttl time.Duration, log *zap.Logger) *Typing {
	return &Typing{
		registry: registry,
		bus:      bus,
		ttl:      ttl,
		active:   cache.New(ttl, 2*ttl),
		log:      logger.Module(log, "typing"),
	}
}

func typingKey(roomID, userID int64) string {
	return fmt.Sprintf("%d:%d", roomID, userID)
}

// NotifyTyping pushes a typing frame to every other live connection of the
// room and renews the user's entry.
func (t *Typing) NotifyTyping(ctx context.Context, roomID, userID int64) {
	t.active.Set(typingKey(roomID, userID), typingEntry{roomID: roomID, userID: userID}, cache.DefaultExpiration)

	ev := events.TypingStarted{RoomID: roomID, UserID: userID, ExpiresInMS: t.ttl.Milliseconds()}
	payload, err := ws.Encode(ws.TypeTyping, ev)
	if err != nil {
		t.log.Error("failed to encode typing frame", zap.Error(err))
		return
	}
	t.registry.Fanout(roomID, payload, func(c ws.Conn) bool { return c.UserID() == userID })

	if err := t.bus.Publish(ctx, events.TopicTypingStarted, ev); err != nil {
		t.log.Debug("failed to publish typing event", zap.Error(err))
	}
}

// Stop clears the user's entry, e.g. once their message went out.
func (t *Typing) Stop(roomID, userID int64) {
	t.active.Delete(typingKey(roomID, userID))
}

// TypingUsers returns the users currently typing in the room, ordered by id.
func (t *Typing) TypingUsers(roomID int64) []int64 {
	users := []int64{}
	for _, item := range t.active.Items() {
		if e, ok := item.Object.(typingEntry); ok && e.roomID == roomID {
			users = append(users, e.userID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

type typingEntry struct {
	roomID int64
	userID int64
}
