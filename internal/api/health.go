package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger is the store dependency of the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness reports whether the relay hub has been started.
type Readiness interface {
	Started() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   Pinger
	relay   Readiness
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store Pinger, relay Readiness, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{store: store, relay: relay, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "relay": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	if !h.relay.Started() {
		status["status"] = "degraded"
		checks["relay"] = "not_initialized"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, status)
}

// SocketHealth reports whether the relay is accepting connections.
func (h *HealthHandler) SocketHealth(w http.ResponseWriter, _ *http.Request) {
	if !h.relay.Started() {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_initialized"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterHealth registers the health check routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/socket/health", h.SocketHealth)
}
