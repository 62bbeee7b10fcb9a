// Package handler provides HTTP handlers for the bridge API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/middleware"
	"github.com/capitalize-ai/conversation-bridge/internal/service"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

// ThreadHandler handles model and thread endpoints.
type ThreadHandler struct {
	service *service.ThreadService
	logger  *logger.Logger
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(svc *service.ThreadService, log *logger.Logger) *ThreadHandler {
	return &ThreadHandler{
		service: svc,
		logger:  logger.OrNop(log),
	}
}

// Models handles GET /api/v1/models
func (h *ThreadHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": h.service.Models(),
	})
}

// Create handles POST /api/v1/models/{model}/threads
func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")

	th, err := h.service.Create(r.Context(), name)
	if err != nil {
		h.logger.Warn("failed to create thread", zap.String("model", name), zap.Error(err))
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, th)
}

// List handles GET /api/v1/models/{model}/threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")

	resp, err := h.service.List(r.Context(), name, queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/models/{model}/threads/{id}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")
	id := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	th, err := h.service.Get(r.Context(), name, id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, th)
}

// Delete handles DELETE /api/v1/models/{model}/threads/{id}
func (h *ThreadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")
	id := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Delete(r.Context(), name, id); err != nil {
		writeFailure(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
