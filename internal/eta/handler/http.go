package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/example/tripsync/internal/auth"
	etasvc "github.com/example/tripsync/internal/eta/service"
)

// HTTP exposes the /v1/trips/{tripID}/eta endpoint.
type HTTP struct {
	svc *etasvc.Service
}

// New creates the handler.
func New(svc *etasvc.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register adds the routes to an existing router.
func (h *HTTP) Register(r chi.Router) {
	r.Get("/v1/trips/{tripID}/eta", h.estimate)
}

func (h *HTTP) estimate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	est, err := h.svc.EstimatePickup(r.Context(), chi.URLParam(r, "tripID"), claims.ActorID())
	switch {
	case errors.Is(err, etasvc.ErrTripNotActive):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, etasvc.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
	case errors.Is(err, etasvc.ErrNoPosition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no_driver_position"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	default:
		writeJSON(w, http.StatusOK, est)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
