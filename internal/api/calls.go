package api

import (
	"log/slog"
	"net/http"
	"strconv"
)

const (
	defaultCallLimit = 50
	maxCallLimit     = 500
)

// ListCalls returns recent call records, newest first.
func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultCallLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxCallLimit {
		limit = maxCallLimit
	}

	calls, err := h.repo.ListCalls(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list calls", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list calls")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"calls": calls,
		"count": len(calls),
	})
}
