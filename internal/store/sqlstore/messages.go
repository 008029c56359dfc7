package sqlstore

import (
	"context"
	"time"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/models"
)

// AppendMessage allocates the next room sequence number, inserts the message
// and creates a "sent" delivery state for every other member, all in one
// transaction. The sender must be an active member of the room. The sequence bump is a row-level atomic increment, so
// concurrent appends to one room serialize on the room row and can neither
// share nor skip a number.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, s.rebind("UPDATE chat_rooms SET last_seq = last_seq + 1 WHERE id = ? RETURNING last_seq"), msg.RoomID).Scan(&seq)
	if err != nil {
		return notFoundOr(err, "room %d", msg.RoomID)
	}

	// Checked after the room row is locked, so a concurrent leave either
	// commits first and is seen here or waits for this append.
	var member bool
	if err := tx.QueryRowContext(ctx, s.rebind(activeMemberQuery), msg.RoomID, msg.SenderID, true).Scan(&member); err != nil {
		return err
	}
	if !member {
		return apperr.PermissionDenied("user %d is not a member of room %d", msg.SenderID, msg.RoomID)
	}

	createdAt := time.Now().UTC()
	var id int64
	query := s.rebind("INSERT INTO messages (room_id, sender_id, seq, kind, body, attachment_ref, created_at) VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id")
	if err := tx.QueryRowContext(ctx, query, msg.RoomID, msg.SenderID, seq, msg.Kind, msg.Body, msg.AttachmentRef, createdAt).Scan(&id); err != nil {
		return err
	}

	query = s.rebind(`
		INSERT INTO delivery_states (message_id, recipient_id, state)
		SELECT CAST(? AS INTEGER), user_id, CAST(? AS INTEGER) FROM room_members WHERE room_id = ? AND user_id <> ?
	`)
	if _, err := tx.ExecContext(ctx, query, id, int(models.StatusSent), msg.RoomID, msg.SenderID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	msg.ID = id
	msg.Seq = seq
	msg.CreatedAt = createdAt
	return nil
}

const messageSelect = `
	SELECT m.id, m.room_id, m.sender_id, u.username, m.seq, m.kind, m.body, m.attachment_ref, m.created_at
	FROM messages m
	JOIN users u ON m.sender_id = u.id
`

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderUsername, &m.Seq, &m.Kind, &m.Body, &m.AttachmentRef, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.rebind(messageSelect+" WHERE m.id = ?"), id))
	if err != nil {
		return nil, notFoundOr(err, "message %d", id)
	}
	return msg, nil
}

// ListMessages returns up to limit messages with seq > afterSeq in ascending
// order. It is the catch-up read path for reconnecting clients.
func (s *SQLStore) ListMessages(ctx context.Context, roomID, afterSeq int64, limit int) ([]models.Message, error) {
	query := s.rebind(messageSelect + " WHERE m.room_id = ? AND m.seq > ? ORDER BY m.seq ASC LIMIT ?")
	return s.queryMessages(ctx, query, roomID, afterSeq, limit)
}

// LatestMessages returns the newest limit messages, still in ascending order.
func (s *SQLStore) LatestMessages(ctx context.Context, roomID int64, limit int) ([]models.Message, error) {
	query := s.rebind(messageSelect + " WHERE m.room_id = ? ORDER BY m.seq DESC LIMIT ?")
	msgs, err := s.queryMessages(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// AdvanceDelivery moves the (message, recipient) state forward to state only
// if state is later than the stored one. The comparison happens inside the
// UPDATE, so racing acknowledgements settle on the maximum without locks.
// It reports whether the row changed; a missing pair is ErrNotFound.
func (s *SQLStore) AdvanceDelivery(ctx context.Context, messageID, recipientID int64, state models.DeliveryStatus) (bool, error) {
	query := s.rebind("UPDATE delivery_states SET state = ?, updated_at = ? WHERE message_id = ? AND recipient_id = ? AND state < ?")
	result, err := s.db.ExecContext(ctx, query, int(state), time.Now().UTC(), messageID, recipientID, int(state))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	query = s.rebind("SELECT EXISTS(SELECT 1 FROM delivery_states WHERE message_id = ? AND recipient_id = ?)")
	if err := s.db.QueryRowContext(ctx, query, messageID, recipientID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, apperr.NotFound("delivery state for message %d and user %d", messageID, recipientID)
	}
	return false, nil
}

func (s *SQLStore) GetDeliveryStates(ctx context.Context, messageID int64) ([]models.DeliveryState, error) {
	query := s.rebind("SELECT message_id, recipient_id, state, updated_at FROM delivery_states WHERE message_id = ? ORDER BY recipient_id")
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []models.DeliveryState
	for rows.Next() {
		var (
			ds    models.DeliveryState
			state int
		)
		if err := rows.Scan(&ds.MessageID, &ds.RecipientID, &state, &ds.UpdatedAt); err != nil {
			return nil, err
		}
		ds.State = models.DeliveryStatus(state)
		states = append(states, ds)
	}
	return states, rows.Err()
}
