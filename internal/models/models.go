package models

import (
	"fmt"
	"time"
)

type User struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Password    string     `json:"-"`
	DisplayName string     `json:"display_name"`
	AvatarRef   string     `json:"avatar_ref,omitempty"`
	IsOnline    bool       `json:"is_online"`
	IsActive    bool       `json:"is_active"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type ChatRoom struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	IsPrivate   bool      `json:"is_private"`
	CreatedBy   int64     `json:"created_by"`
	LastSeq     int64     `json:"last_seq"`
	CreatedAt   time.Time `json:"created_at"`
}

type Membership struct {
	RoomID   int64     `json:"room_id"`
	UserID   int64     `json:"user_id"`
	IsAdmin  bool      `json:"is_admin"`
	JoinedAt time.Time `json:"joined_at"`
}

// Member is a room member as listed to other members.
type Member struct {
	User
	IsAdmin  bool      `json:"is_admin"`
	JoinedAt time.Time `json:"joined_at"`
}

const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
)

// Message is immutable once persisted. Seq is allocated per room and is
// strictly increasing without gaps.
type Message struct {
	ID             int64     `json:"id"`
	RoomID         int64     `json:"room_id"`
	SenderID       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username,omitempty"`
	Seq            int64     `json:"seq"`
	Kind           string    `json:"kind"`
	Body           string    `json:"body"`
	AttachmentRef  string    `json:"attachment_ref,omitempty"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeliveryStatus orders as Sent < Delivered < Read and never regresses.
type DeliveryStatus int

const (
	StatusSent DeliveryStatus = iota + 1
	StatusDelivered
	StatusRead
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("DeliveryStatus(%d)", int(s))
	}
}

func (s DeliveryStatus) Valid() bool {
	return s >= StatusSent && s <= StatusRead
}

func ParseDeliveryStatus(v string) (DeliveryStatus, error) {
	switch v {
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	}
	return 0, fmt.Errorf("unknown delivery status %q", v)
}

func (s DeliveryStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid delivery status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *DeliveryStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseDeliveryStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type DeliveryState struct {
	MessageID   int64          `json:"message_id"`
	RecipientID int64          `json:"recipient_id"`
	State       DeliveryStatus `json:"state"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
