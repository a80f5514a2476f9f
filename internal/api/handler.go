// Package api provides HTTP handlers for the bridge API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/baoagent/voicebridge/internal/session"
	"github.com/baoagent/voicebridge/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler provides common handler utilities.
type Handler struct {
	repo       store.Repository
	registry   *session.Registry
	publicHost string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, registry *session.Registry, publicHost string) *Handler {
	return &Handler{
		repo:       repo,
		registry:   registry,
		publicHost: publicHost,
	}
}

// RegisterRoutes registers the HTTP routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Post("/voice/incoming", h.VoiceIncoming)
	r.Get("/calls", h.ListCalls)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
