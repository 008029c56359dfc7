package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/logger"
)

// Publisher emits chat events. Publishing is fire-and-forget for callers:
// an event without subscribers is dropped.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is the in-process event bus. Subscribers are independent: a slow
// subscriber never blocks Publish.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{}, logger.NewWatermillAdapter(log)),
		log:    logger.Module(log, "events"),
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	return b.pubsub.Publish(topic, msg)
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Consume runs fn for every event on topic until ctx is done. Events are
// acked even when fn fails: consumers are best-effort and a failed event
// is logged, never redelivered.
func (b *Bus) Consume(ctx context.Context, topic string, fn func(ctx context.Context, payload []byte) error) error {
	messages, err := b.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	for msg := range messages {
		if err := fn(msg.Context(), msg.Payload); err != nil {
			b.log.Warn("event consumer failed",
				zap.String("topic", topic),
				zap.String("event_id", msg.UUID),
				zap.Error(err))
		}
		msg.Ack()
	}
	return ctx.Err()
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

// Nop discards every event.
var Nop Publisher = nopPublisher{}
