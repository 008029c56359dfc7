package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/events"
	"github.com/pliu/chatroom/internal/logger"
	"github.com/pliu/chatroom/internal/models"
	"github.com/pliu/chatroom/internal/store"
	"github.com/pliu/chatroom/internal/ws"
)

const (
	maxRoomNameLength = 100
	MaxPageSize       = 200
)

// Rooms owns room lifecycle and membership. Persisted membership changes
// are mirrored into the live registry.
type Rooms struct {
	store       store.Store
	registry    *ws.Registry
	presence    *Presence
	broadcaster *Broadcaster
	bus         events.Publisher
	attachments AttachmentResolver
	pageSize    int
	log         *zap.Logger
}

// NewRooms builds the room service; pageSize is the default history page.
func NewRooms(st store.Store, registry *ws.Registry, presence *Presence, broadcaster *Broadcaster, bus events.Publisher, attachments AttachmentResolver, pageSize int, log *zap.Logger) *Rooms {
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = 50
	}
	return &Rooms{
		store:       st,
		registry:    registry,
		presence:    presence,
		broadcaster: broadcaster,
		bus:         bus,
		attachments: attachments,
		pageSize:    pageSize,
		log:         logger.Module(log, "rooms"),
	}
}

func normalizeName(name string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", apperr.Validation("room name is required")
	}
	if utf8.RuneCountInString(name) > maxRoomNameLength {
		return "", "", apperr.Validation("room name is longer than %d characters", maxRoomNameLength)
	}
	s := slug.Make(name)
	if s == "" {
		return "", "", apperr.Validation("room name %q has no usable characters", name)
	}
	return name, s, nil
}

// Create makes a new room with the creator as its admin.
func (r *Rooms) Create(ctx context.Context, creatorID int64, name, description string, isPrivate bool) (*models.ChatRoom, error) {
	name, s, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	room := &models.ChatRoom{
		Name:        name,
		Slug:        s,
		Description: strings.TrimSpace(description),
		IsPrivate:   isPrivate,
		CreatedBy:   creatorID,
	}
	if err := r.store.CreateRoom(ctx, room); err != nil {
		return nil, apperr.Storage("create room", err)
	}
	if _, err := r.store.AddMember(ctx, room.ID, creatorID, true); err != nil {
		return nil, apperr.Storage("add creator", err)
	}
	r.log.Info("room created", zap.Int64("room_id", room.ID), zap.String("slug", room.Slug), zap.Int64("created_by", creatorID))
	return room, nil
}

// GetOrJoin finds the room whose slug matches name, creating a public one
// when none exists, and makes the user a member. It reports whether the
// room was created.
func (r *Rooms) GetOrJoin(ctx context.Context, userID int64, name string) (*models.ChatRoom, bool, error) {
	_, s, err := normalizeName(name)
	if err != nil {
		return nil, false, err
	}

	room, err := r.store.GetRoomBySlug(ctx, s)
	if errors.Is(err, apperr.ErrNotFound) {
		room, err = r.Create(ctx, userID, name, "", false)
		if err == nil {
			return room, true, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return nil, false, err
		}
		// Lost a creation race; join the winner's room.
		room, err = r.store.GetRoomBySlug(ctx, s)
	}
	if err != nil {
		return nil, false, apperr.Storage("get room", err)
	}

	if err := r.join(ctx, userID, room); err != nil {
		return nil, false, err
	}
	return room, false, nil
}

// Join adds the user to a public room. Joining twice is a no-op.
func (r *Rooms) Join(ctx context.Context, userID, roomID int64) (*models.ChatRoom, error) {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, apperr.Storage("get room", err)
	}
	if err := r.join(ctx, userID, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *Rooms) join(ctx context.Context, userID int64, room *models.ChatRoom) error {
	if room.IsPrivate {
		ok, err := r.store.IsMember(ctx, room.ID, userID)
		if err != nil {
			return apperr.Storage("check membership", err)
		}
		if !ok {
			return apperr.PermissionDenied("room %d is private", room.ID)
		}
		return nil
	}
	if _, err := r.store.AddMember(ctx, room.ID, userID, false); err != nil {
		return apperr.Storage("add member", err)
	}
	return nil
}

// Leave ends the user's membership and detaches their live connections
// from the room. The last admin must hand over before leaving a room that
// still has other members.
func (r *Rooms) Leave(ctx context.Context, userID, roomID int64) error {
	if err := r.store.RemoveMember(ctx, roomID, userID); err != nil {
		return apperr.Storage("remove member", err)
	}
	r.registry.UnregisterUser(roomID, userID)
	return nil
}

// Invite adds another user to the room. Any member may invite to a public
// room; private rooms need an admin. The invitee is told live.
func (r *Rooms) Invite(ctx context.Context, inviterID, roomID int64, username string) (*models.User, error) {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, apperr.Storage("get room", err)
	}
	membership, err := r.store.GetMembership(ctx, roomID, inviterID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.PermissionDenied("user %d is not a member of room %d", inviterID, roomID)
	}
	if err != nil {
		return nil, apperr.Storage("get membership", err)
	}
	if room.IsPrivate && !membership.IsAdmin {
		return nil, apperr.PermissionDenied("only admins can invite to private room %d", roomID)
	}

	invitee, err := r.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, apperr.Storage("get user", err)
	}
	if !invitee.IsActive {
		return nil, apperr.NotFound("user %q", username)
	}

	added, err := r.store.AddMember(ctx, roomID, invitee.ID, false)
	if err != nil {
		return nil, apperr.Storage("add member", err)
	}
	if added {
		ev := events.RoomInvited{Room: *room, UserID: invitee.ID, InvitedBy: inviterID}
		if _, err := r.presence.NotifyUser(invitee.ID, ws.TypeInvited, ev); err != nil {
			r.log.Warn("failed to notify invitee", zap.Int64("user_id", invitee.ID), zap.Error(err))
		}
		if err := r.bus.Publish(ctx, events.TopicRoomInvited, ev); err != nil {
			r.log.Debug("failed to publish invite event", zap.Error(err))
		}
	}
	return invitee, nil
}

// Delete removes a room. Only an admin may delete it, and only once every
// other member has left.
func (r *Rooms) Delete(ctx context.Context, userID, roomID int64) error {
	membership, err := r.store.GetMembership(ctx, roomID, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.PermissionDenied("user %d is not a member of room %d", userID, roomID)
	}
	if err != nil {
		return apperr.Storage("get membership", err)
	}
	if !membership.IsAdmin {
		return apperr.PermissionDenied("only admins can delete room %d", roomID)
	}
	if err := r.store.DeleteRoom(ctx, roomID, userID); err != nil {
		return apperr.Storage("delete room", err)
	}
	r.registry.UnregisterUser(roomID, userID)
	r.broadcaster.forgetRoom(roomID)
	r.log.Info("room deleted", zap.Int64("room_id", roomID), zap.Int64("deleted_by", userID))
	return nil
}

func (r *Rooms) requireMember(ctx context.Context, userID, roomID int64) error {
	ok, err := r.store.IsMember(ctx, roomID, userID)
	if err != nil {
		return apperr.Storage("check membership", err)
	}
	if !ok {
		return apperr.PermissionDenied("user %d is not a member of room %d", userID, roomID)
	}
	return nil
}

func (r *Rooms) Members(ctx context.Context, userID, roomID int64) ([]models.Member, error) {
	if err := r.requireMember(ctx, userID, roomID); err != nil {
		return nil, err
	}
	members, err := r.store.GetRoomMembers(ctx, roomID)
	if err != nil {
		return nil, apperr.Storage("list members", err)
	}
	return members, nil
}

// History returns the newest limit messages of the room in seq order.
func (r *Rooms) History(ctx context.Context, userID, roomID int64, limit int) ([]models.Message, error) {
	if err := r.requireMember(ctx, userID, roomID); err != nil {
		return nil, err
	}
	msgs, err := r.store.LatestMessages(ctx, roomID, r.clampLimit(limit))
	if err != nil {
		return nil, apperr.Storage("list messages", err)
	}
	r.resolveAttachments(msgs)
	return msgs, nil
}

// CatchUp returns up to limit messages after afterSeq, the read path for
// clients that missed pushes.
func (r *Rooms) CatchUp(ctx context.Context, userID, roomID, afterSeq int64, limit int) ([]models.Message, error) {
	if err := r.requireMember(ctx, userID, roomID); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		return nil, apperr.Validation("after_seq must not be negative")
	}
	msgs, err := r.store.ListMessages(ctx, roomID, afterSeq, r.clampLimit(limit))
	if err != nil {
		return nil, apperr.Storage("list messages", err)
	}
	r.resolveAttachments(msgs)
	return msgs, nil
}

func (r *Rooms) resolveAttachments(msgs []models.Message) {
	for i := range msgs {
		if msgs[i].AttachmentRef == "" {
			continue
		}
		if url, err := r.attachments.URL(msgs[i].AttachmentRef); err == nil {
			msgs[i].AttachmentURL = url
		}
	}
}

func (r *Rooms) clampLimit(limit int) int {
	if limit <= 0 {
		return r.pageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
