package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/example/tripsync/internal/auth"
	"github.com/example/tripsync/internal/realtime"
)

// HTTP exposes read-only room state to trip participants.
type HTTP struct {
	rooms *realtime.RoomManager
}

// NewHTTP creates the handler.
func NewHTTP(rooms *realtime.RoomManager) *HTTP {
	return &HTTP{rooms: rooms}
}

// Router builds the chi router. Routes expect auth.Middleware upstream.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register adds the routes to an existing router.
func (h *HTTP) Register(r chi.Router) {
	r.Get("/v1/trips/{tripID}/state", h.state)
}

func (h *HTTP) state(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, realtime.ErrUnauthorized)
		return
	}
	snap, ok := h.rooms.Snapshot(chi.URLParam(r, "tripID"))
	if !ok {
		writeError(w, http.StatusNotFound, realtime.ErrNotFound)
		return
	}
	if actor := claims.ActorID(); actor != snap.DriverID && actor != snap.PassengerID {
		writeError(w, http.StatusForbidden, realtime.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": realtime.Reason(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
