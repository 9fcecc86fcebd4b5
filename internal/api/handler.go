// Package api provides the operational HTTP endpoints of the service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andreypedro/wa-agent-api/internal/conversation"
	"github.com/andreypedro/wa-agent-api/internal/domain"
	"github.com/andreypedro/wa-agent-api/internal/store"
)

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

// SessionHandler exposes read-only session progress.
type SessionHandler struct {
	engine *conversation.Engine
}

// NewSessionHandler creates the session status handler.
func NewSessionHandler(engine *conversation.Engine) *SessionHandler {
	return &SessionHandler{engine: engine}
}

// Status returns the progress snapshot for one channel user.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	userID := chi.URLParam(r, "user")

	switch channel {
	case domain.ChannelTelegram, domain.ChannelWhatsApp, domain.ChannelWebChat:
	default:
		Error(w, http.StatusBadRequest, "unknown channel")
		return
	}
	if userID == "" {
		Error(w, http.StatusBadRequest, "user is required")
		return
	}

	status, err := h.engine.Status(r.Context(), domain.SessionID(channel, userID))
	if err != nil {
		slog.Error("session status lookup failed", "channel", channel, "user", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if !status.Exists {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, status)
}

// Register mounts the session routes.
func (h *SessionHandler) Register(r chi.Router) {
	r.Get("/api/sessions/{channel}/{user}", h.Status)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{repo: repo, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
