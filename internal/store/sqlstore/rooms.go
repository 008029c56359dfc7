package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/models"
)

const roomColumns = "id, name, slug, description, is_private, created_by, last_seq, created_at"

func scanRoom(row rowScanner) (*models.ChatRoom, error) {
	var r models.ChatRoom
	if err := row.Scan(&r.ID, &r.Name, &r.Slug, &r.Description, &r.IsPrivate, &r.CreatedBy, &r.LastSeq, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLStore) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	room.CreatedAt = time.Now().UTC()
	room.LastSeq = 0

	query := s.rebind("INSERT INTO chat_rooms (name, slug, description, is_private, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?) RETURNING id")
	err := s.db.QueryRowContext(ctx, query, room.Name, room.Slug, room.Description, room.IsPrivate,
		room.CreatedBy, room.CreatedAt).Scan(&room.ID)
	if isUniqueViolation(err) {
		return apperr.Conflict("room %q already exists", room.Slug)
	}
	return err
}

func (s *SQLStore) GetRoom(ctx context.Context, id int64) (*models.ChatRoom, error) {
	query := s.rebind("SELECT " + roomColumns + " FROM chat_rooms WHERE id = ?")
	room, err := scanRoom(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "room %d", id)
	}
	return room, nil
}

func (s *SQLStore) GetRoomBySlug(ctx context.Context, slug string) (*models.ChatRoom, error) {
	query := s.rebind("SELECT " + roomColumns + " FROM chat_rooms WHERE slug = ?")
	room, err := scanRoom(s.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		return nil, notFoundOr(err, "room %q", slug)
	}
	return room, nil
}

func (s *SQLStore) ListPublicRooms(ctx context.Context) ([]models.ChatRoom, error) {
	query := s.rebind("SELECT " + roomColumns + " FROM chat_rooms WHERE is_private = ? ORDER BY created_at, id")
	return s.queryRooms(ctx, query, false)
}

func (s *SQLStore) GetUserRooms(ctx context.Context, userID int64) ([]models.ChatRoom, error) {
	query := s.rebind(`
		SELECT c.id, c.name, c.slug, c.description, c.is_private, c.created_by, c.last_seq, c.created_at
		FROM chat_rooms c
		JOIN room_members m ON c.id = m.room_id
		WHERE m.user_id = ?
		ORDER BY c.name
	`)
	return s.queryRooms(ctx, query, userID)
}

func (s *SQLStore) queryRooms(ctx context.Context, query string, args ...any) ([]models.ChatRoom, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.ChatRoom
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// DeleteRoom removes a room whose only remaining member, if any, is the
// requester, together with its memberships and messages. Delivery states go
// with their messages.
func (s *SQLStore) DeleteRoom(ctx context.Context, id, requesterID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var others int
	query := s.rebind("SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id <> ?")
	if err := tx.QueryRowContext(ctx, query, id, requesterID).Scan(&others); err != nil {
		return err
	}
	if others > 0 {
		return apperr.Conflict("room %d still has %d other members", id, others)
	}

	// Explicit deletes so that drivers without cascading foreign keys agree.
	deletes := []string{
		"DELETE FROM delivery_states WHERE message_id IN (SELECT id FROM messages WHERE room_id = ?)",
		"DELETE FROM messages WHERE room_id = ?",
		"DELETE FROM room_members WHERE room_id = ?",
	}
	for _, q := range deletes {
		if _, err := tx.ExecContext(ctx, s.rebind(q), id); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, s.rebind("DELETE FROM chat_rooms WHERE id = ?"), id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return apperr.NotFound("room %d", id)
	}
	return tx.Commit()
}

// AddMember is idempotent: it reports whether a new membership was created.
func (s *SQLStore) AddMember(ctx context.Context, roomID, userID int64, isAdmin bool) (bool, error) {
	query := s.rebind("INSERT INTO room_members (room_id, user_id, is_admin, joined_at) VALUES (?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, roomID, userID, isAdmin, time.Now().UTC())
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveMember ends a membership. The last admin cannot leave while other
// members remain, since nobody could invite to or delete the room after
// them. Removing a non-member is a no-op.
func (s *SQLStore) RemoveMember(ctx context.Context, roomID, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Touching the room row serialises leaves and appends on one room.
	if _, err := tx.ExecContext(ctx, s.rebind("UPDATE chat_rooms SET last_seq = last_seq WHERE id = ?"), roomID); err != nil {
		return err
	}

	var isAdmin bool
	query := s.rebind("SELECT is_admin FROM room_members WHERE room_id = ? AND user_id = ?")
	err = tx.QueryRowContext(ctx, query, roomID, userID).Scan(&isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	if isAdmin {
		var others, otherAdmins int
		query = s.rebind("SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_admin THEN 1 ELSE 0 END), 0) FROM room_members WHERE room_id = ? AND user_id <> ?")
		if err := tx.QueryRowContext(ctx, query, roomID, userID).Scan(&others, &otherAdmins); err != nil {
			return err
		}
		if others > 0 && otherAdmins == 0 {
			return apperr.Conflict("user %d is the last admin of room %d", userID, roomID)
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM room_members WHERE room_id = ? AND user_id = ?"), roomID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

const activeMemberQuery = `
	SELECT EXISTS(
		SELECT 1 FROM room_members m JOIN users u ON u.id = m.user_id
		WHERE m.room_id = ? AND m.user_id = ? AND u.is_active = ?
	)
`

// IsMember reports whether the user is an active member of the room.
// Deactivated accounts keep their rows but lose access.
func (s *SQLStore) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.rebind(activeMemberQuery), roomID, userID, true).Scan(&exists)
	return exists, err
}

func (s *SQLStore) GetMembership(ctx context.Context, roomID, userID int64) (*models.Membership, error) {
	m := models.Membership{RoomID: roomID, UserID: userID}
	query := s.rebind("SELECT is_admin, joined_at FROM room_members WHERE room_id = ? AND user_id = ?")
	if err := s.db.QueryRowContext(ctx, query, roomID, userID).Scan(&m.IsAdmin, &m.JoinedAt); err != nil {
		return nil, notFoundOr(err, "membership of user %d in room %d", userID, roomID)
	}
	return &m, nil
}

func (s *SQLStore) GetRoomMembers(ctx context.Context, roomID int64) ([]models.Member, error) {
	query := s.rebind(`
		SELECT u.id, u.username, u.email, u.password, u.display_name, u.avatar_ref, u.is_online, u.is_active, u.last_seen, u.created_at,
			m.is_admin, m.joined_at
		FROM users u
		JOIN room_members m ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY m.joined_at, u.id
	`)

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		var user *models.User
		user, err = scanUserWith(rows, &m.IsAdmin, &m.JoinedAt)
		if err != nil {
			return nil, err
		}
		m.User = *user
		m.Email = maskEmail(m.Email)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLStore) GetUserRoomIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT room_id FROM room_members WHERE user_id = ? ORDER BY room_id"), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
