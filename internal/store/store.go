package store

import (
	"context"

	"github.com/pliu/chatroom/internal/models"
)

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)
	UpdateProfile(ctx context.Context, userID int64, displayName, avatarRef string) error
	SetOnline(ctx context.Context, userID int64, online bool) error
	DeactivateUser(ctx context.Context, userID int64) error

	// Room operations
	CreateRoom(ctx context.Context, room *models.ChatRoom) error
	GetRoom(ctx context.Context, id int64) (*models.ChatRoom, error)
	GetRoomBySlug(ctx context.Context, slug string) (*models.ChatRoom, error)
	ListPublicRooms(ctx context.Context) ([]models.ChatRoom, error)
	GetUserRooms(ctx context.Context, userID int64) ([]models.ChatRoom, error)
	DeleteRoom(ctx context.Context, id, requesterID int64) error

	// Membership operations
	AddMember(ctx context.Context, roomID, userID int64, isAdmin bool) (bool, error)
	RemoveMember(ctx context.Context, roomID, userID int64) error
	IsMember(ctx context.Context, roomID, userID int64) (bool, error)
	GetMembership(ctx context.Context, roomID, userID int64) (*models.Membership, error)
	GetRoomMembers(ctx context.Context, roomID int64) ([]models.Member, error)
	GetUserRoomIDs(ctx context.Context, userID int64) ([]int64, error)

	// Message operations
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	ListMessages(ctx context.Context, roomID, afterSeq int64, limit int) ([]models.Message, error)
	LatestMessages(ctx context.Context, roomID int64, limit int) ([]models.Message, error)

	// Delivery state operations
	AdvanceDelivery(ctx context.Context, messageID, recipientID int64, state models.DeliveryStatus) (bool, error)
	GetDeliveryStates(ctx context.Context, messageID int64) ([]models.DeliveryState, error)

	Close() error
}
