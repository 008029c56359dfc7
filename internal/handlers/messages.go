package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/chat"
	"github.com/pliu/chatroom/internal/models"
)

type MessageRequest struct {
	Kind          string `json:"kind" validate:"omitempty,oneof=text image file"`
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref" validate:"omitempty,max=64"`
}

type AckRequest struct {
	State models.DeliveryStatus `json:"state" validate:"required"`
}

type AckResponse struct {
	MessageID int64                 `json:"message_id"`
	State     models.DeliveryStatus `json:"state"`
	Changed   bool                  `json:"changed"`
}

type MessageHandler struct {
	Rooms       *chat.Rooms
	Broadcaster *chat.Broadcaster
	Tracker     *chat.Tracker
	Log         *zap.Logger
}

// GetMessages returns the latest page of a room's history, or the messages
// after after_seq when a reconnecting client catches up.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	limit, _, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	afterSeq, catchUp, err := queryInt(r, "after_seq")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	var msgs []models.Message
	if catchUp {
		msgs, err = h.Rooms.CatchUp(r.Context(), userID, roomID, afterSeq, int(limit))
	} else {
		msgs, err = h.Rooms.History(r.Context(), userID, roomID, int(limit))
	}
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	var req MessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	msg, err := h.Broadcaster.Submit(r.Context(), chat.SubmitRequest{
		RoomID:        roomID,
		SenderID:      userID,
		Kind:          req.Kind,
		Body:          req.Body,
		AttachmentRef: req.AttachmentRef,
	})
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Ack advances the caller's delivery state for a message.
func (h *MessageHandler) Ack(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	messageID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	var req AckRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	changed, err := h.Tracker.Acknowledge(r.Context(), messageID, userID, req.State)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{MessageID: messageID, State: req.State, Changed: changed})
}

func (h *MessageHandler) Receipts(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	messageID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	states, err := h.Tracker.Receipts(r.Context(), messageID, userID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if states == nil {
		states = []models.DeliveryState{}
	}
	writeJSON(w, http.StatusOK, states)
}
