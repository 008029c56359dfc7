package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pliu/chatroom/internal/events"
	"github.com/pliu/chatroom/internal/logger"
	"github.com/pliu/chatroom/internal/models"
	"github.com/pliu/chatroom/internal/ws"
)

// envelope is what travels over the Redis channel.
type envelope struct {
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Source is the in-process bus the relay drains.
type Source interface {
	Consume(ctx context.Context, topic string, fn func(ctx context.Context, payload []byte) error) error
}

// Relay mirrors chat events between instances over Redis pub/sub so that a
// message sent on one node reaches connections held by the others. Relay
// delivery is best-effort: per-room order holds within a node, and remote
// nodes may interleave; clients order by seq.
type Relay struct {
	rdb      *redis.Client
	channel  string
	nodeID   string
	registry *ws.Registry
	log      *zap.Logger
}

func NewRelay(rdb *redis.Client, channel, nodeID string, registry *ws.Registry, log *zap.Logger) *Relay {
	return &Relay{
		rdb:      rdb,
		channel:  channel,
		nodeID:   nodeID,
		registry: registry,
		log:      logger.Module(log, "cluster").With(zap.String("node_id", nodeID)),
	}
}

// Run publishes local events and delivers remote ones until ctx is done.
func (r *Relay) Run(ctx context.Context, src Source) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range events.Topics {
		g.Go(func() error {
			return src.Consume(ctx, topic, func(ctx context.Context, payload []byte) error {
				return r.publish(ctx, topic, payload)
			})
		})
	}
	g.Go(func() error { return r.subscribe(ctx) })
	return g.Wait()
}

func (r *Relay) publish(ctx context.Context, topic string, payload []byte) error {
	data, err := json.Marshal(envelope{Origin: r.nodeID, Topic: topic, Payload: payload})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

func (r *Relay) subscribe(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.deliver([]byte(msg.Payload)); err != nil {
				r.log.Warn("dropping relayed event", zap.Error(err))
			}
		}
	}
}

// deliver pushes a relayed event to this node's matching connections.
// Events that originated here were already delivered locally.
func (r *Relay) deliver(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse relayed event: %w", err)
	}
	if env.Origin == r.nodeID {
		return nil
	}

	var (
		conns     []ws.Conn
		frameType string
		frameData any
	)
	switch env.Topic {
	case events.TopicMessagePersisted:
		var msg models.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		conns, frameType, frameData = r.registry.ActiveConnections(msg.RoomID), ws.TypeMessage, msg
	case events.TopicDeliveryAdvanced:
		var ev events.DeliveryAdvanced
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		conns, frameType, frameData = r.registry.UserConnections(ev.SenderID), ws.TypeReceipt, ev
	case events.TopicPresenceChanged:
		var ev events.PresenceChanged
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		conns, frameType, frameData = r.registry.Connections(), ws.TypePresence, ev
	case events.TopicTypingStarted:
		var ev events.TypingStarted
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		for _, c := range r.registry.ActiveConnections(ev.RoomID) {
			if c.UserID() != ev.UserID {
				conns = append(conns, c)
			}
		}
		frameType, frameData = ws.TypeTyping, ev
	case events.TopicRoomInvited:
		var ev events.RoomInvited
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		conns, frameType, frameData = r.registry.UserConnections(ev.UserID), ws.TypeInvited, ev
	default:
		return fmt.Errorf("unknown topic %q", env.Topic)
	}

	if len(conns) == 0 {
		return nil
	}
	payload, err := ws.Encode(frameType, frameData)
	if err != nil {
		return err
	}
	_, errs := ws.SendAll(conns, payload)
	for _, err := range errs {
		r.log.Debug("relayed push failed", zap.String("topic", env.Topic), zap.Error(err))
	}
	return nil
}
