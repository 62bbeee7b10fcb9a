package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/middleware"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/service"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.MessageService
	stream  *StreamHandler
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.MessageService, stream *StreamHandler, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		stream:  stream,
		logger:  logger.OrNop(log),
	}
}

// List handles GET /api/v1/models/{model}/threads/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")
	id := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.History(r.Context(), name, id, queryInt(r, "after", 0), queryInt(r, "limit", 50))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/models/{model}/messages. The exchange is streamed as SSE
// unless the client asks for a single JSON reply with ?stream=false or an Accept header
// without text/event-stream.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateSend(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if wantsStream(r) {
		h.stream.Exchange(w, r, name, &req)
		return
	}

	resp, err := h.service.Send(r.Context(), name, &req, nil)
	if err != nil {
		h.logger.Info("exchange failed", zap.String("model", name), zap.Error(err))
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func validateSend(req *model.SendMessageRequest) error {
	if err := middleware.ValidatePrompt(req.Prompt, len(req.Images)); err != nil {
		return err
	}
	if req.ThreadID != "" {
		if err := middleware.ValidateThreadID(req.ThreadID); err != nil {
			return err
		}
	}
	if err := middleware.ValidateMode(req.Mode); err != nil {
		return err
	}
	if err := middleware.ValidateImageCount(len(req.Images)); err != nil {
		return err
	}
	for _, img := range req.Images {
		if err := middleware.ValidateImage(img.MimeType, len(img.Data)); err != nil {
			return err
		}
	}
	return nil
}

func wantsStream(r *http.Request) bool {
	switch r.URL.Query().Get("stream") {
	case "false", "0":
		return false
	case "true", "1":
		return true
	}
	accept := r.Header.Get("Accept")
	return accept == "" || accept == "*/*" || strings.Contains(accept, "text/event-stream")
}
