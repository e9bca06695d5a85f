package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/retro-relay/internal/event"
	"github.com/go-chi/chi/v5"
)

// SnapshotReader returns the current presence snapshot of a session.
type SnapshotReader interface {
	Snapshot(ctx context.Context, sessionID string) (event.PresenceSnapshot, error)
}

// PresenceHandler serves read-only presence snapshots.
type PresenceHandler struct {
	presence SnapshotReader
}

// NewPresenceHandler creates a presence handler.
func NewPresenceHandler(presence SnapshotReader) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// RegisterRoutes registers presence routes.
func (h *PresenceHandler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/presence", h.GetPresence)
}

// GetPresence returns the active users of a session.
func (h *PresenceHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session id is required")
		return
	}

	snap, err := h.presence.Snapshot(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load presence", "error", err, "session_id", sessionID)
		Error(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	JSON(w, http.StatusOK, snap)
}
