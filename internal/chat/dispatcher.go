package chat

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/logger"
	"github.com/pliu/chatroom/internal/models"
	"github.com/pliu/chatroom/internal/ws"
)

// JoinedData answers a join frame: the backlog to render and who is typing.
type JoinedData struct {
	RoomID   int64            `json:"room_id"`
	Messages []models.Message `json:"messages"`
	Typing   []int64          `json:"typing"`
}

// AcceptedData confirms a frame. Seq is set for submitted messages.
type AcceptedData struct {
	RoomID    int64 `json:"room_id,omitempty"`
	MessageID int64 `json:"message_id,omitempty"`
	Seq       int64 `json:"seq,omitempty"`
}

// Dispatcher routes websocket frames to the chat services.
type Dispatcher struct {
	registry    *ws.Registry
	rooms       *Rooms
	broadcaster *Broadcaster
	tracker     *Tracker
	typing      *Typing
	presence    *Presence
	log         *zap.Logger
}

func NewDispatcher(registry *ws.Registry, rooms *Rooms, broadcaster *Broadcaster, tracker *Tracker, typing *Typing, presence *Presence, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		rooms:       rooms,
		broadcaster: broadcaster,
		tracker:     tracker,
		typing:      typing,
		presence:    presence,
		log:         logger.Module(log, "dispatcher"),
	}
}

var _ ws.FrameHandler = (*Dispatcher)(nil)

func (d *Dispatcher) Connected(ctx context.Context, conn ws.Conn) {
	d.presence.Connected(ctx, conn)
	d.log.Debug("connection opened", zap.String("conn_id", conn.ID()), zap.Int64("user_id", conn.UserID()))
}

func (d *Dispatcher) Disconnected(ctx context.Context, conn ws.Conn) {
	rooms := d.presence.Disconnected(ctx, conn)
	d.log.Debug("connection closed", zap.String("conn_id", conn.ID()), zap.Int64("user_id", conn.UserID()), zap.Int64s("rooms", rooms))
}

func (d *Dispatcher) HandleFrame(ctx context.Context, conn ws.Conn, frame ws.Frame) {
	var err error
	switch frame.Type {
	case ws.TypeJoin:
		err = d.join(ctx, conn, frame)
	case ws.TypeLeave:
		d.registry.Unregister(frame.RoomID, conn)
		d.accept(conn, frame, AcceptedData{RoomID: frame.RoomID})
	case ws.TypeMessage:
		err = d.submit(ctx, conn, frame)
	case ws.TypeAck:
		_, err = d.tracker.Acknowledge(ctx, frame.MessageID, conn.UserID(), frame.State)
		if err == nil {
			d.accept(conn, frame, AcceptedData{MessageID: frame.MessageID})
		}
	case ws.TypeTyping:
		if !d.registry.Contains(frame.RoomID, conn) {
			err = apperr.PermissionDenied("join room %d before typing in it", frame.RoomID)
			break
		}
		d.typing.NotifyTyping(ctx, frame.RoomID, conn.UserID())
		d.accept(conn, frame, AcceptedData{RoomID: frame.RoomID})
	default:
		err = apperr.Validation("unknown frame type %q", frame.Type)
	}
	if err != nil {
		d.replyError(conn, frame, err)
	}
}

// join attaches the connection to the room and sends the backlog. With
// after_seq set the backlog is everything after it, otherwise the latest
// page.
func (d *Dispatcher) join(ctx context.Context, conn ws.Conn, frame ws.Frame) error {
	if err := d.registry.Register(ctx, frame.RoomID, conn); err != nil {
		return err
	}

	var (
		msgs []models.Message
		err  error
	)
	if frame.AfterSeq > 0 {
		msgs, err = d.rooms.CatchUp(ctx, conn.UserID(), frame.RoomID, frame.AfterSeq, MaxPageSize)
	} else {
		msgs, err = d.rooms.History(ctx, conn.UserID(), frame.RoomID, 0)
	}
	if err != nil {
		return err
	}

	d.reply(conn, ws.TypeJoined, frame.Ref, JoinedData{
		RoomID:   frame.RoomID,
		Messages: msgs,
		Typing:   d.typing.TypingUsers(frame.RoomID),
	})
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, conn ws.Conn, frame ws.Frame) error {
	msg, err := d.broadcaster.Submit(ctx, SubmitRequest{
		RoomID:        frame.RoomID,
		SenderID:      conn.UserID(),
		Kind:          frame.Kind,
		Body:          frame.Body,
		AttachmentRef: frame.AttachmentRef,
	})
	if err != nil {
		return err
	}
	d.typing.Stop(frame.RoomID, conn.UserID())
	d.reply(conn, ws.TypeAccepted, frame.Ref, AcceptedData{RoomID: msg.RoomID, MessageID: msg.ID, Seq: msg.Seq})
	return nil
}

// accept confirms a frame that asked for it with a ref.
func (d *Dispatcher) accept(conn ws.Conn, frame ws.Frame, data AcceptedData) {
	if frame.Ref == "" {
		return
	}
	d.reply(conn, ws.TypeAccepted, frame.Ref, data)
}

func (d *Dispatcher) replyError(conn ws.Conn, frame ws.Frame, err error) {
	code := apperr.Code(err)
	msg := err.Error()
	if code == "storage" || code == "internal" {
		d.log.Error("frame failed", zap.String("type", frame.Type), zap.Int64("user_id", conn.UserID()), zap.Error(err))
		msg = "internal error"
	} else if !errors.Is(err, apperr.ErrValidation) {
		d.log.Debug("frame rejected", zap.String("type", frame.Type), zap.Int64("user_id", conn.UserID()), zap.Error(err))
	}
	d.reply(conn, ws.TypeError, frame.Ref, ws.ErrorData{Code: code, Message: msg})
}

func (d *Dispatcher) reply(conn ws.Conn, frameType, ref string, data any) {
	payload, err := ws.EncodeReply(frameType, ref, data)
	if err != nil {
		d.log.Error("failed to encode reply", zap.String("type", frameType), zap.Error(err))
		return
	}
	if err := conn.Send(payload); err != nil {
		d.log.Debug("reply dropped", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}
