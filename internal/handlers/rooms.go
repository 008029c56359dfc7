package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/chat"
	"github.com/pliu/chatroom/internal/models"
	"github.com/pliu/chatroom/internal/store"
)

type RoomRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	IsPrivate   bool   `json:"is_private"`
}

type JoinByNameRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type InviteRequest struct {
	Username string `json:"username" validate:"required"`
}

type JoinResponse struct {
	Room    *models.ChatRoom `json:"room"`
	Created bool             `json:"created"`
}

type RoomHandler struct {
	Rooms *chat.Rooms
	Store store.Store
	Log   *zap.Logger
}

func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req RoomRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	room, err := h.Rooms.Create(r.Context(), userID, req.Name, req.Description, req.IsPrivate)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// GetRooms lists the rooms the current user belongs to.
func (h *RoomHandler) GetRooms(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	rooms, err := h.Store.GetUserRooms(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if rooms == nil {
		rooms = []models.ChatRoom{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) PublicRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.Store.ListPublicRooms(r.Context())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if rooms == nil {
		rooms = []models.ChatRoom{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// JoinByName joins the room with the given name, creating it if needed.
func (h *RoomHandler) JoinByName(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req JoinByNameRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	room, created, err := h.Rooms.GetOrJoin(r.Context(), userID, req.Name)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, JoinResponse{Room: room, Created: created})
}

func (h *RoomHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	room, err := h.Rooms.Join(r.Context(), userID, roomID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, JoinResponse{Room: room})
}

func (h *RoomHandler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	if err := h.Rooms.Leave(r.Context(), userID, roomID); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) InviteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	var req InviteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	invitee, err := h.Rooms.Invite(r.Context(), userID, roomID, req.Username)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, invitee)
}

func (h *RoomHandler) Members(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	members, err := h.Rooms.Members(r.Context(), userID, roomID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if members == nil {
		members = []models.Member{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *RoomHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	if err := h.Rooms.Delete(r.Context(), userID, roomID); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
