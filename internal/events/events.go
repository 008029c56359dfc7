package events

import (
	"time"

	"github.com/pliu/chatroom/internal/models"
)

const (
	TopicMessagePersisted = "message.persisted"
	TopicDeliveryAdvanced = "delivery.advanced"
	TopicPresenceChanged  = "presence.changed"
	TopicTypingStarted    = "typing.started"
	TopicRoomInvited      = "room.invited"
)

// Topics lists every topic the chat core publishes.
var Topics = []string{
	TopicMessagePersisted,
	TopicDeliveryAdvanced,
	TopicPresenceChanged,
	TopicTypingStarted,
	TopicRoomInvited,
}

// The payload of TopicMessagePersisted is a models.Message. The remaining
// payloads below double as the data of the matching websocket frames.

type DeliveryAdvanced struct {
	MessageID   int64                 `json:"message_id"`
	RoomID      int64                 `json:"room_id"`
	SenderID    int64                 `json:"sender_id"`
	RecipientID int64                 `json:"recipient_id"`
	State       models.DeliveryStatus `json:"state"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

type PresenceChanged struct {
	UserID   int64     `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

type TypingStarted struct {
	RoomID      int64 `json:"room_id"`
	UserID      int64 `json:"user_id"`
	ExpiresInMS int64 `json:"expires_in_ms"`
}

type RoomInvited struct {
	Room      models.ChatRoom `json:"room"`
	UserID    int64           `json:"user_id"`
	InvitedBy int64           `json:"invited_by"`
}
