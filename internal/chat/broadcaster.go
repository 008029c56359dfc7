package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/events"
	"github.com/pliu/chatroom/internal/logger"
	"github.com/pliu/chatroom/internal/models"
	"github.com/pliu/chatroom/internal/store"
	"github.com/pliu/chatroom/internal/ws"
)

const tracerName = "github.com/pliu/chatroom/internal/chat"

// AttachmentResolver turns an attachment reference into a URL.
type AttachmentResolver interface {
	URL(ref string) (string, error)
}

// AttachmentStore also confirms that a reference was actually uploaded.
type AttachmentStore interface {
	AttachmentResolver
	Exists(ref string) (bool, error)
}

type SubmitRequest struct {
	RoomID        int64
	SenderID      int64
	Kind          string
	Body          string
	AttachmentRef string
}

// Broadcaster is the only path from a submitted message to its persisted
// row and its live recipients.
type Broadcaster struct {
	store       store.Store
	registry    *ws.Registry
	bus         events.Publisher
	attachments AttachmentStore
	maxLength   int
	log         *zap.Logger
	tracer      trace.Tracer

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	pushFailures atomic.Int64
}

func NewBroadcaster(st store.Store, registry *ws.Registry, bus events.Publisher, attachments AttachmentStore, maxLength int, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		store:       st,
		registry:    registry,
		bus:         bus,
		attachments: attachments,
		maxLength:   maxLength,
		log:         logger.Module(log, "broadcaster"),
		tracer:      otel.Tracer(tracerName),
		locks:       make(map[int64]*sync.Mutex),
	}
}

// Submit validates, persists and fans out a message. Once the message is
// persisted Submit succeeds regardless of individual push failures.
func (b *Broadcaster) Submit(ctx context.Context, req SubmitRequest) (*models.Message, error) {
	ctx, span := b.tracer.Start(ctx, "chat.Submit", trace.WithAttributes(
		attribute.Int64("room.id", req.RoomID),
		attribute.Int64("sender.id", req.SenderID),
	))
	defer span.End()

	msg, err := b.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int64("message.seq", msg.Seq))
	return msg, nil
}

func (b *Broadcaster) submit(ctx context.Context, req SubmitRequest) (*models.Message, error) {
	msg, err := b.validate(req)
	if err != nil {
		return nil, err
	}

	// The room lock spans persist and enqueue, so connections observe
	// messages in seq order. Membership is checked inside the append
	// transaction.
	lock := b.roomLock(req.RoomID)
	lock.Lock()
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		lock.Unlock()
		return nil, apperr.Storage("append message", err)
	}
	b.resolveAttachment(msg)
	delivered, errs := b.fanout(msg)
	lock.Unlock()

	b.log.Debug("message broadcast",
		zap.Int64("room_id", msg.RoomID),
		zap.Int64("seq", msg.Seq),
		zap.Int("delivered", delivered),
		zap.Int("failed", len(errs)))

	if err := b.bus.Publish(ctx, events.TopicMessagePersisted, msg); err != nil {
		b.log.Warn("failed to publish message event", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	return msg, nil
}

func (b *Broadcaster) validate(req SubmitRequest) (*models.Message, error) {
	kind := req.Kind
	if kind == "" {
		kind = models.KindText
		if req.AttachmentRef != "" {
			kind = models.KindFile
		}
	}

	switch kind {
	case models.KindText:
		if req.Body == "" {
			return nil, apperr.Validation("message body is required")
		}
	case models.KindImage, models.KindFile:
		if req.AttachmentRef == "" {
			return nil, apperr.Validation("%s messages need an attachment", kind)
		}
		if _, err := b.attachments.URL(req.AttachmentRef); err != nil {
			return nil, err
		}
		ok, err := b.attachments.Exists(req.AttachmentRef)
		if err != nil {
			return nil, apperr.Storage("stat attachment", err)
		}
		if !ok {
			return nil, apperr.Validation("attachment %q was never uploaded", req.AttachmentRef)
		}
	default:
		return nil, apperr.Validation("unknown message kind %q", kind)
	}

	if n := utf8.RuneCountInString(req.Body); n > b.maxLength {
		return nil, apperr.Validation("message body is %d characters, the limit is %d", n, b.maxLength)
	}

	return &models.Message{
		RoomID:        req.RoomID,
		SenderID:      req.SenderID,
		Kind:          kind,
		Body:          req.Body,
		AttachmentRef: req.AttachmentRef,
	}, nil
}

func (b *Broadcaster) resolveAttachment(msg *models.Message) {
	if msg.AttachmentRef == "" {
		return
	}
	if url, err := b.attachments.URL(msg.AttachmentRef); err == nil {
		msg.AttachmentURL = url
	}
}

func (b *Broadcaster) fanout(msg *models.Message) (int, []error) {
	payload, err := ws.Encode(ws.TypeMessage, msg)
	if err != nil {
		b.log.Error("failed to encode message frame", zap.Int64("message_id", msg.ID), zap.Error(err))
		return 0, nil
	}
	delivered, errs := b.registry.Fanout(msg.RoomID, payload, nil)
	for _, err := range errs {
		b.pushFailures.Add(1)
		b.log.Warn("push failed", zap.Int64("room_id", msg.RoomID), zap.Int64("seq", msg.Seq), zap.Error(err))
	}
	return delivered, errs
}

// PushFailures is the number of dropped pushes since start.
func (b *Broadcaster) PushFailures() int64 {
	return b.pushFailures.Load()
}

func (b *Broadcaster) roomLock(roomID int64) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[roomID] = l
	}
	return l
}

// forgetRoom drops the lock of a deleted room.
func (b *Broadcaster) forgetRoom(roomID int64) {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	delete(b.locks, roomID)
}
