package natsbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pliu/chatroom/internal/logger"
)

const (
	StreamName    = "CHAT"
	subjectPrefix = "chat."
)

// Source is the in-process bus the forwarder drains.
type Source interface {
	Consume(ctx context.Context, topic string, fn func(ctx context.Context, payload []byte) error) error
}

// streamPublisher is the part of jetstream.JetStream the forwarder uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Forwarder exports chat events to a JetStream stream so that services
// outside the chat process can consume them.
type Forwarder struct {
	nc     *nats.Conn
	js     streamPublisher
	topics []string
	log    *zap.Logger
}

// Connect dials NATS and makes sure the CHAT stream exists.
func Connect(ctx context.Context, url string, topics []string, log *zap.Logger) (*Forwarder, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log = logger.Module(log, "natsbus")

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		log.Warn("failed to ensure stream", zap.String("stream", StreamName), zap.Error(err))
	}

	return newForwarder(nc, js, topics, log), nil
}

func newForwarder(nc *nats.Conn, js streamPublisher, topics []string, log *zap.Logger) *Forwarder {
	return &Forwarder{nc: nc, js: js, topics: topics, log: log}
}

// Subject maps a bus topic to its JetStream subject.
func Subject(topic string) string {
	return subjectPrefix + topic
}

// Run forwards events until ctx is done.
func (f *Forwarder) Run(ctx context.Context, src Source) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range f.topics {
		g.Go(func() error {
			return src.Consume(ctx, topic, func(ctx context.Context, payload []byte) error {
				return f.forward(ctx, topic, payload)
			})
		})
	}
	return g.Wait()
}

func (f *Forwarder) forward(ctx context.Context, topic string, payload []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := f.js.Publish(pubCtx, Subject(topic), payload); err != nil {
		return fmt.Errorf("failed to publish event to subject %s: %w", Subject(topic), err)
	}
	return nil
}

func (f *Forwarder) Close() {
	if f.nc != nil {
		f.nc.Close()
	}
}
