package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/bot"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	natsclient "github.com/capitalize-ai/conversation-bridge/internal/nats"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

// ErrReplayUnavailable is returned when no event stream is configured.
var ErrReplayUnavailable = errors.New("event replay is not configured")

// EventReplayer reads back published status events.
type EventReplayer interface {
	Replay(ctx context.Context, modelName, threadID string, afterSequence uint64, limit int) ([]natsclient.Envelope, error)
}

// MessageService runs exchanges and reads thread history.
type MessageService struct {
	dispatcher *bot.Dispatcher
	events     EventReplayer
	logger     *logger.Logger
}

// NewMessageService creates a new message service. events may be nil.
func NewMessageService(d *bot.Dispatcher, events EventReplayer, log *logger.Logger) *MessageService {
	return &MessageService{
		dispatcher: d,
		events:     events,
		logger:     logger.OrNop(log).Named("messages"),
	}
}

// Send runs one exchange on modelName. Every status event is passed to onEvent (which
// may be nil) as it happens. Errors that occur before the exchange starts, such as
// ErrBusy or an unknown thread, are returned without any event; a failed exchange
// returns its taxonomy error after the ERROR event. A canceled exchange returns the
// partial answer with Canceled set.
func (s *MessageService) Send(ctx context.Context, modelName string, req *model.SendMessageRequest, onEvent model.EventHandler) (*model.SendMessageResponse, error) {
	resp := &model.SendMessageResponse{ThreadID: req.ThreadID}
	terminal := false

	params := bot.SendParams{
		Prompt: req.Prompt,
		Images: req.Images,
		Mode:   req.Mode,
		OnEvent: func(ev model.StatusEvent) {
			switch ev.Type {
			case model.EventUpdateAnswer:
				resp.Text = ev.Answer.Text
				resp.ReasoningContent = ev.Answer.ReasoningContent
			case model.EventTitleUpdate:
				resp.Title = ev.Title
			case model.EventSuggestedResponses:
				resp.Suggestions = ev.Suggestions
			case model.EventDone:
				resp.ThreadID = ev.ThreadID
			}
			if ev.Terminal() {
				terminal = true
			}
			if onEvent != nil {
				onEvent(ev)
			}
		},
	}

	if err := s.dispatcher.Send(ctx, modelName, req.ThreadID, params); err != nil {
		s.logger.Debug("exchange failed", zap.String("model", modelName), zap.Error(err))
		return resp, err
	}
	if !terminal {
		resp.Canceled = true
	}
	return resp, nil
}

// History returns up to limit messages of a thread starting at index after.
func (s *MessageService) History(ctx context.Context, modelName, threadID string, after, limit int) (*model.ListMessagesResponse, error) {
	th, err := s.dispatcher.Thread(ctx, modelName, threadID)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	if after < 0 {
		after = 0
	}
	total := len(th.Messages)
	if after > total {
		after = total
	}
	end := min(after+limit, total)
	return &model.ListMessagesResponse{
		Messages: th.Messages[after:end],
		HasMore:  end < total,
		Next:     end,
	}, nil
}

// Events returns published status events of a thread after the given stream sequence.
func (s *MessageService) Events(ctx context.Context, modelName, threadID string, afterSequence uint64, limit int) ([]natsclient.Envelope, error) {
	if s.events == nil {
		return nil, ErrReplayUnavailable
	}
	return s.events.Replay(ctx, modelName, threadID, afterSequence, clampLimit(limit))
}
