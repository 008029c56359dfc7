package handlers

import (
	"context"
	"net/http"
	"time"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// RoomCounter reports how many rooms have live connections.
type RoomCounter interface {
	RoomCount() int
}

type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	ActiveRooms int    `json:"active_rooms"`
}

type HealthHandler struct {
	DB    Pinger
	Rooms RoomCounter
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Database: "ok"}
	if h.Rooms != nil {
		resp.ActiveRooms = h.Rooms.RoomCount()
	}
	if err := h.DB.Ping(ctx); err != nil {
		resp.Status, resp.Database = "degraded", "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
