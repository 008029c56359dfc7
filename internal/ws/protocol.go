package ws

import (
	"context"
	"encoding/json"

	"github.com/pliu/chatroom/internal/models"
)

// Inbound frame types.
const (
	TypeJoin    = "join"
	TypeLeave   = "leave"
	TypeMessage = "message"
	TypeAck     = "ack"
	TypeTyping  = "typing"
)

// Outbound frame types. TypeMessage and TypeTyping are shared with inbound.
const (
	TypeJoined   = "joined"
	TypeAccepted = "accepted"
	TypeReceipt  = "receipt"
	TypePresence = "presence"
	TypeInvited  = "invited"
	TypeError    = "error"
)

// Frame is a client-to-server frame. Which fields are set depends on Type.
type Frame struct {
	Type          string                `json:"type"`
	Ref           string                `json:"ref,omitempty"`
	RoomID        int64                 `json:"room_id,omitempty"`
	MessageID     int64                 `json:"message_id,omitempty"`
	AfterSeq      int64                 `json:"after_seq,omitempty"`
	Body          string                `json:"body,omitempty"`
	Kind          string                `json:"kind,omitempty"`
	AttachmentRef string                `json:"attachment_ref,omitempty"`
	State         models.DeliveryStatus `json:"state,omitempty"`
}

// Envelope is a server-to-client frame.
type Envelope struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Data any    `json:"data,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Encode(frameType string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Type: frameType, Data: data})
}

// EncodeReply is Encode for frames answering a client frame with a ref.
func EncodeReply(frameType, ref string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Type: frameType, Ref: ref, Data: data})
}

// FrameHandler receives the lifecycle and frames of every connection.
// HandleFrame is called from the connection's read loop, so frames of one
// connection are handled in arrival order.
type FrameHandler interface {
	Connected(ctx context.Context, conn Conn)
	HandleFrame(ctx context.Context, conn Conn, frame Frame)
	Disconnected(ctx context.Context, conn Conn)
}
