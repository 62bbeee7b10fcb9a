package handler

import (
	"net/http"

	"github.com/capitalize-ai/conversation-bridge/internal/bot"
)

// Connectivity reports whether an optional dependency is reachable.
type Connectivity interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	dispatcher *bot.Dispatcher
	nats       Connectivity
}

// NewHealthHandler creates a new health handler. nats is nil when the server runs
// without NATS.
func NewHealthHandler(d *bot.Dispatcher, nats Connectivity) *HealthHandler {
	return &HealthHandler{
		dispatcher: d,
		nats:       nats,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.nats != nil && !h.nats.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}
	if len(h.dispatcher.Models()) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no models registered",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
