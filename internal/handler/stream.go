package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/middleware"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/service"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
	"github.com/capitalize-ai/conversation-bridge/pkg/metrics"
)

const defaultHeartbeat = 15 * time.Second

// StreamHandler writes exchanges and stored events as SSE.
type StreamHandler struct {
	service   *service.MessageService
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler. heartbeat <= 0 uses the default.
func NewStreamHandler(svc *service.MessageService, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &StreamHandler{
		service:   svc,
		logger:    logger.OrNop(log),
		heartbeat: heartbeat,
	}
}

// ReplayCompleteEvent represents the completion of event replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"lastSequence"`
	EventCount   int    `json:"eventCount"`
}

// sseWriter commits SSE headers on first use, so failures that happen before the
// exchange starts can still be answered with a plain JSON status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	metrics.IncrementSSEConnections()
}

func (s *sseWriter) close() {
	if s.started {
		metrics.DecrementSSEConnections()
	}
}

func (s *sseWriter) event(event string, data interface{}) error {
	s.start()
	return sendSSEEvent(s.w, s.flusher, event, data)
}

func (s *sseWriter) comment(text string) {
	if !s.started {
		return
	}
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

// Exchange runs one send and streams each StatusEvent as an SSE event named after its
// type. The backend runs on its own goroutine so heartbeats keep idle proxies open
// while it waits on the upstream.
func (h *StreamHandler) Exchange(w http.ResponseWriter, r *http.Request, name string, req *model.SendMessageRequest) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	sse := &sseWriter{w: w, flusher: flusher}
	defer sse.close()

	events := make(chan model.StatusEvent, 16)
	result := make(chan error, 1)
	go func() {
		defer close(events)
		_, err := h.service.Send(ctx, name, req, func(ev model.StatusEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		result <- err
	}()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if err := sse.event(string(ev.Type), ev); err != nil {
				h.logger.Debug("sse write failed", zap.Error(err))
			}
		case <-heartbeat.C:
			sse.comment("heartbeat")
		}
	}

	if err := <-result; err != nil && !sse.started {
		writeFailure(w, err)
		return
	}
	if ctx.Err() != nil {
		h.logger.Info("SSE client disconnected", zap.String("model", name))
	}
}

// Events handles GET /api/v1/models/{model}/threads/{id}/events
// Supports ?after_sequence=N for resuming from a specific point.
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "model")
	threadID := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	sse := &sseWriter{w: w, flusher: flusher}
	defer sse.close()

	var lastSequence uint64
	var total int
	for {
		batch, err := h.service.Events(ctx, name, threadID, afterSequence, 50)
		if err != nil {
			if !sse.started {
				writeFailure(w, err)
				return
			}
			h.logger.Error("failed to replay events", zap.String("thread_id", threadID), zap.Error(err))
			break
		}
		for _, env := range batch {
			if ctx.Err() != nil {
				return
			}
			sse.event(string(env.Event.Type), env)
			lastSequence = env.Sequence
			total++
		}
		if len(batch) < 50 {
			break
		}
		afterSequence = lastSequence
	}

	sse.event("replay_complete", &ReplayCompleteEvent{
		LastSequence: lastSequence,
		EventCount:   total,
	})

	h.logger.Info("event replay complete",
		zap.String("thread_id", threadID),
		zap.Int("events_replayed", total),
		zap.Uint64("last_sequence", lastSequence),
	)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
