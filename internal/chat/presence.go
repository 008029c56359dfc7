package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/events"
	"github.com/pliu/chatroom/internal/logger"
	"github.com/pliu/chatroom/internal/store"
	"github.com/pliu/chatroom/internal/ws"
)

// Presence derives online status from live connections: a user is online
// while at least one of their connections is open.
type Presence struct {
	store    store.Store
	registry *ws.Registry
	bus      events.Publisher
	log      *zap.Logger

	// mu orders the online/offline writes of racing first and last
	// connections.
	mu sync.Mutex
}

func NewPresence(st store.Store, registry *ws.Registry, bus events.Publisher, log *zap.Logger) *Presence {
	return &Presence{
		store:    st,
		registry: registry,
		bus:      bus,
		log:      logger.Module(log, "presence"),
	}
}

// Connected records a new live connection and announces the user when it
// is their first.
func (p *Presence) Connected(ctx context.Context, conn ws.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registry.Connect(conn) {
		p.setOnline(ctx, conn.UserID(), true)
	}
}

// Disconnected drops the connection everywhere and announces the user as
// offline when it was their last. It returns the rooms the connection had
// joined.
func (p *Presence) Disconnected(ctx context.Context, conn ws.Conn) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	rooms, last := p.registry.Disconnect(conn)
	if last {
		p.setOnline(ctx, conn.UserID(), false)
	}
	return rooms
}

func (p *Presence) setOnline(ctx context.Context, userID int64, online bool) {
	if err := p.store.SetOnline(ctx, userID, online); err != nil {
		p.log.Warn("failed to record presence", zap.Int64("user_id", userID), zap.Bool("online", online), zap.Error(err))
	}

	ev := events.PresenceChanged{UserID: userID, Online: online, LastSeen: time.Now().UTC()}
	payload, err := ws.Encode(ws.TypePresence, ev)
	if err != nil {
		p.log.Error("failed to encode presence frame", zap.Error(err))
		return
	}
	ws.SendAll(p.registry.Connections(), payload)

	if err := p.bus.Publish(ctx, events.TopicPresenceChanged, ev); err != nil {
		p.log.Debug("failed to publish presence event", zap.Error(err))
	}
}

// NotifyUser sends one frame to every live connection of a user and
// returns how many accepted it.
func (p *Presence) NotifyUser(userID int64, frameType string, data any) (int, error) {
	payload, err := ws.Encode(frameType, data)
	if err != nil {
		return 0, err
	}
	delivered, errs := ws.SendAll(p.registry.UserConnections(userID), payload)
	for _, err := range errs {
		p.log.Debug("user push failed", zap.Int64("user_id", userID), zap.String("type", frameType), zap.Error(err))
	}
	return delivered, nil
}
