package chat

import (
	"context"
	"time"

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

// Tracker records delivery and read acknowledgements. States only move
// forward; an acknowledgement that does not advance the state is a no-op.
type Tracker struct {
	store    store.Store
	registry *ws.Registry
	bus      events.Publisher
	log      *zap.Logger
	tracer   trace.Tracer
}

func NewTracker(st store.Store, registry *ws.Registry, bus events.Publisher, log *zap.Logger) *Tracker {
	return &Tracker{
		store:    st,
		registry: registry,
		bus:      bus,
		log:      logger.Module(log, "tracker"),
		tracer:   otel.Tracer(tracerName),
	}
}

// Acknowledge advances the recipient's state for the message to state if
// that is later than the current one. It reports whether anything changed.
// On a change the sender's live connections in the room get a receipt.
func (t *Tracker) Acknowledge(ctx context.Context, messageID, recipientID int64, state models.DeliveryStatus) (bool, error) {
	ctx, span := t.tracer.Start(ctx, "chat.Acknowledge", trace.WithAttributes(
		attribute.Int64("message.id", messageID),
		attribute.Int64("recipient.id", recipientID),
		attribute.String("state", state.String()),
	))
	defer span.End()

	changed, err := t.acknowledge(ctx, messageID, recipientID, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
	}
	span.SetAttributes(attribute.Bool("changed", changed))
	return changed, err
}

func (t *Tracker) acknowledge(ctx context.Context, messageID, recipientID int64, state models.DeliveryStatus) (bool, error) {
	if !state.Valid() {
		return false, apperr.Validation("invalid delivery state %d", int(state))
	}

	changed, err := t.store.AdvanceDelivery(ctx, messageID, recipientID, state)
	if err != nil {
		return false, apperr.Storage("advance delivery", err)
	}
	if !changed {
		return false, nil
	}

	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		// The state is recorded; only the receipt is lost.
		t.log.Warn("receipt skipped, message lookup failed", zap.Int64("message_id", messageID), zap.Error(err))
		return true, nil
	}

	ev := events.DeliveryAdvanced{
		MessageID:   messageID,
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		RecipientID: recipientID,
		State:       state,
		UpdatedAt:   time.Now().UTC(),
	}
	t.pushReceipt(ev)
	if err := t.bus.Publish(ctx, events.TopicDeliveryAdvanced, ev); err != nil {
		t.log.Warn("failed to publish delivery event", zap.Int64("message_id", messageID), zap.Error(err))
	}
	return true, nil
}

func (t *Tracker) pushReceipt(ev events.DeliveryAdvanced) {
	payload, err := ws.Encode(ws.TypeReceipt, ev)
	if err != nil {
		t.log.Error("failed to encode receipt", zap.Error(err))
		return
	}
	_, errs := t.registry.Fanout(ev.RoomID, payload, func(c ws.Conn) bool {
		return c.UserID() != ev.SenderID
	})
	for _, err := range errs {
		t.log.Debug("receipt push failed", zap.Int64("message_id", ev.MessageID), zap.Error(err))
	}
}

// Receipts lists the per-recipient states of a message. Only its sender may
// read them.
func (t *Tracker) Receipts(ctx context.Context, messageID, requesterID int64) ([]models.DeliveryState, error) {
	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, apperr.Storage("get message", err)
	}
	if msg.SenderID != requesterID {
		return nil, apperr.PermissionDenied("only the sender can read receipts of message %d", messageID)
	}
	states, err := t.store.GetDeliveryStates(ctx, messageID)
	if err != nil {
		return nil, apperr.Storage("get delivery states", err)
	}
	return states, nil
}
