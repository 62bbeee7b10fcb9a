package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
)

// FrameReader yields one inbound WebSocket message per call.
type FrameReader interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// FrameReaderFunc adapts a function to FrameReader.
type FrameReaderFunc func(ctx context.Context) ([]byte, error)

func (f FrameReaderFunc) ReadFrame(ctx context.Context) ([]byte, error) { return f(ctx) }

// Frame is one event-discriminated WebSocket message.
type Frame struct {
	Event          string   `json:"event"`
	ID             string   `json:"id,omitempty"`
	MessageID      string   `json:"messageId,omitempty"`
	PartID         string   `json:"partId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	Text           string   `json:"text,omitempty"`
	Title          string   `json:"title,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
	Code           string   `json:"code,omitempty"`
	Message        string   `json:"message,omitempty"`
}

// WSResult is the final state of one WebSocket exchange.
type WSResult struct {
	MessageID   string
	Text        string
	Title       string
	Suggestions []string
	Done        bool
}

// WSAccumulator folds frames into a running answer.
type WSAccumulator struct {
	res       WSResult
	gotTitle  bool
	gotFollow bool
}

// Result returns the accumulated state.
func (a *WSAccumulator) Result() WSResult { return a.res }

// Settled reports whether done and both straggler frames have arrived.
func (a *WSAccumulator) Settled() bool {
	return a.res.Done && a.gotTitle && a.gotFollow
}

// Handle applies one frame. It reports whether the answer text grew.
func (a *WSAccumulator) Handle(data []byte) (bool, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return false, aierr.Raise(aierr.ResponseParsingError, "malformed websocket frame", aierr.WithCause(err))
	}
	switch f.Event {
	case "received", "startMessage", "partCompleted":
		if f.MessageID != "" {
			a.res.MessageID = f.MessageID
		}
	case "appendText":
		if f.MessageID != "" {
			a.res.MessageID = f.MessageID
		}
		if f.Text == "" {
			return false, nil
		}
		a.res.Text += f.Text
		return true, nil
	case "done":
		a.res.Done = true
	case "suggestedFollowups":
		a.res.Suggestions = f.Suggestions
		a.gotFollow = true
	case "titleUpdate":
		a.res.Title = f.Title
		a.gotTitle = true
	case "error":
		return false, frameError(f)
	}
	return false, nil
}

func frameError(f Frame) error {
	msg := f.Message
	if msg == "" {
		msg = "backend reported an error"
	}
	code := strings.ToLower(f.Code)
	kind := aierr.ServiceUnavailable
	switch {
	case strings.Contains(code, "auth") || strings.Contains(code, "unauthorized"):
		kind = aierr.Unauthorized
	case strings.Contains(code, "rate") || strings.Contains(code, "throttl"):
		kind = aierr.RateLimitExceeded
	case strings.Contains(code, "limit"):
		kind = aierr.ConversationLimit
	}
	return aierr.Raise(kind, msg, aierr.WithContext("code", f.Code))
}

// ReadWS reads frames until done plus a grace period for straggler frames, or until
// both stragglers arrive. onText receives the cumulative answer after every append.
// A read failure before done is a network error; after done it just ends the wait.
func ReadWS(ctx context.Context, src FrameReader, grace time.Duration, onText func(text string)) (WSResult, error) {
	var acc WSAccumulator
	var graceCtx context.Context
	cancelGrace := func() {}
	defer func() { cancelGrace() }()

	for {
		readCtx := ctx
		if acc.res.Done {
			if acc.Settled() {
				return acc.Result(), nil
			}
			if graceCtx == nil {
				graceCtx, cancelGrace = context.WithTimeout(ctx, grace)
			}
			readCtx = graceCtx
		}

		data, err := src.ReadFrame(readCtx)
		if err != nil {
			if ctx.Err() != nil {
				return acc.Result(), ctx.Err()
			}
			if acc.res.Done {
				return acc.Result(), nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return acc.Result(), aierr.Raise(aierr.NetworkError, "websocket read timed out", aierr.WithCause(err))
			}
			return acc.Result(), aierr.Raise(aierr.NetworkError, "websocket closed before the answer completed", aierr.WithCause(err))
		}

		grew, err := acc.Handle(data)
		if err != nil {
			return acc.Result(), err
		}
		if grew && onText != nil {
			onText(acc.res.Text)
		}
	}
}
