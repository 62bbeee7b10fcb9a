// Package bot implements the conversation models: one state machine per backend behind
// a single capability contract, plus the shared exchange runner and the dispatcher.
package bot

import (
	"context"
	"time"

	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/pow"
	"github.com/capitalize-ai/conversation-bridge/internal/store"
	"github.com/capitalize-ai/conversation-bridge/internal/transport"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

// State is the per-exchange lifecycle of a model.
type State string

const (
	StateIdle          State = "IDLE"
	StateThreadEnsured State = "THREAD_ENSURED"
	StateAuthEnsured   State = "AUTH_ENSURED"
	StateRequestSent   State = "REQUEST_SENT"
	StateStreaming     State = "STREAMING"
	StateFinalizing    State = "FINALIZING"
	StateErrored       State = "ERRORED"
)

// SendParams is the input of one exchange. Cancellation comes from the context.
type SendParams struct {
	Prompt  string
	Images  []model.Image
	Mode    string
	OnEvent model.EventHandler
}

// Model is the capability contract every backend implements.
//
// Server operations: InitNewThread, DoSendMessage.
// Local operations: the thread lifecycle methods, which only touch the thread store.
type Model interface {
	Name() string
	SupportsImageInput() bool

	// InitNewThread performs the backend handshake and persists a fresh current thread.
	InitNewThread(ctx context.Context) error
	// DoSendMessage runs one exchange. It emits at least one UPDATE_ANSWER and exactly
	// one terminal event. If ctx is canceled it stops emitting and returns nil.
	DoSendMessage(ctx context.Context, p SendParams) error

	LoadThread(ctx context.Context, id string) error
	SaveThread(ctx context.Context) error
	AllThreads(ctx context.Context) ([]model.ChatThread, error)
	DeleteThread(ctx context.Context, id string) error
	CurrentThread() *model.ChatThread
	State() State
}

// Publisher receives a copy of every emitted status event.
type Publisher interface {
	Publish(ctx context.Context, modelName, threadID string, ev model.StatusEvent) error
}

// Deps are the collaborators shared by all backends.
type Deps struct {
	Threads   store.ThreadStore
	Broker    auth.Broker
	Tokens    *auth.Cache
	Solver    pow.Solver
	HTTP      *transport.Client
	Logger    *logger.Logger
	Publisher Publisher
	Clock     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.HTTP == nil {
		d.HTTP = transport.New(transport.WithLogger(d.Logger))
	}
	if d.Tokens == nil {
		d.Tokens = auth.NewCache(nil, d.Logger)
	}
	if d.Broker == nil {
		d.Broker = auth.NewStaticBroker(nil)
	}
	if d.Solver == nil {
		d.Solver = pow.Unavailable
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	d.Logger = logger.OrNop(d.Logger)
	return d
}

// SendOption customizes SendMessage.
type SendOption func(*sendConfig)

type sendConfig struct {
	params   SendParams
	threadID string
}

// WithMode selects a backend mode such as "reasoning" or "search".
func WithMode(mode string) SendOption {
	return func(c *sendConfig) { c.params.Mode = mode }
}

// WithImages attaches images to the prompt.
func WithImages(images ...model.Image) SendOption {
	return func(c *sendConfig) { c.params.Images = images }
}

// WithThread loads the thread with id before sending.
func WithThread(id string) SendOption {
	return func(c *sendConfig) { c.threadID = id }
}

// WithEventHandler observes every event of the exchange.
func WithEventHandler(h model.EventHandler) SendOption {
	return func(c *sendConfig) { c.params.OnEvent = h }
}

// SendMessage runs one exchange and returns the final answer text. On cancellation it
// returns the text received so far and no error.
func SendMessage(ctx context.Context, m Model, prompt string, opts ...SendOption) (string, error) {
	cfg := sendConfig{params: SendParams{Prompt: prompt}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.threadID != "" {
		if err := m.LoadThread(ctx, cfg.threadID); err != nil {
			return "", err
		}
	}

	var text string
	var failure error
	observer := cfg.params.OnEvent
	cfg.params.OnEvent = func(ev model.StatusEvent) {
		switch ev.Type {
		case model.EventUpdateAnswer:
			text = ev.Answer.Text
		case model.EventError:
			if ev.Error != nil {
				failure = ev.Error
			}
		}
		if observer != nil {
			observer(ev)
		}
	}

	if err := m.DoSendMessage(ctx, cfg.params); err != nil {
		return text, err
	}
	if failure != nil {
		return text, failure
	}
	return text, nil
}
