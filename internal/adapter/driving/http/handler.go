package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wyydra/trickle/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/port"
	"github.com/Wyydra/trickle/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Handler exposes a SignalingStore to remote peers.
type Handler struct {
	Store     port.SignalingStore
	Directory *service.CallDirectory
	Hub       *ws.Hub
}

func NewHandler(store port.SignalingStore, hub *ws.Hub) *Handler {
	return &Handler{
		Store:     store,
		Directory: service.NewCallDirectory(),
		Hub:       hub,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", h.health)

	r.Route("/calls", func(r chi.Router) {
		r.Post("/", h.createCall)
		r.Get("/{callID}", h.getCall)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": h.Hub.Len(),
	})
}

// createCall mints an id for a caller that wants to share it before
// starting. Nothing is written to the store.
func (h *Handler) createCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{
		"call_id": h.Directory.CreateCallID().String(),
	})
}

func (h *Handler) getCall(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseCallID(chi.URLParam(r, "callID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	rec, err := h.Store.ReadRecord(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		log.Error().Err(err).Str("call_id", id.String()).Msg("Failed to read call")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}
