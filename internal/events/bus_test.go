package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/models"
)

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan models.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- bus.Consume(ctx, TopicMessagePersisted, func(_ context.Context, payload []byte) error {
			var msg models.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				return err
			}
			select {
			case got <- msg:
			default:
			}
			return nil
		})
	}()

	// Subscribe happens asynchronously; publish until the consumer sees it.
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, TopicMessagePersisted, models.Message{ID: 1, RoomID: 2, Seq: 3, Body: "hi"})
		select {
		case msg := <-got:
			assert.Equal(t, int64(3), msg.Seq)
			assert.Equal(t, "hi", msg.Body)
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumeSurvivesHandlerErrors(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 16)
	go bus.Consume(ctx, TopicPresenceChanged, func(context.Context, []byte) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return errors.New("boom")
	})

	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, TopicPresenceChanged, PresenceChanged{UserID: 1, Online: true})
		return len(calls) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()
	assert.NoError(t, bus.Publish(context.Background(), TopicTypingStarted, TypingStarted{RoomID: 1}))
	assert.NoError(t, Nop.Publish(context.Background(), TopicTypingStarted, nil))
}
