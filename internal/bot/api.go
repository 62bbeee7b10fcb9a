package bot

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/llm"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
)

const (
	OpenAIAPIName = "openai-api"
	ClaudeAPIName = "claude-api"
)

// APIMetadata is the thread metadata of the API-key backends. The whole history is
// replayed on each send, so nothing server-side needs tracking.
type APIMetadata struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// APIModel talks to an official completion API through an llm.Client.
type APIModel struct {
	*Base
	provider  llm.Provider
	client    llm.Client
	maxTokens int
}

// APIConfig configures an API-key backend.
type APIConfig struct {
	llm.Options
	MaxTokens int
}

// NewOpenAIAPI creates the openai-api backend. A missing key is reported on send.
func NewOpenAIAPI(ctx context.Context, deps Deps, cfg APIConfig) (*APIModel, error) {
	return newAPIModel(ctx, deps, OpenAIAPIName, llm.ProviderOpenAI, cfg)
}

// NewClaudeAPI creates the claude-api backend. A missing key is reported on send.
func NewClaudeAPI(ctx context.Context, deps Deps, cfg APIConfig) (*APIModel, error) {
	return newAPIModel(ctx, deps, ClaudeAPIName, llm.ProviderAnthropic, cfg)
}

func newAPIModel(ctx context.Context, deps Deps, name string, provider llm.Provider, cfg APIConfig) (*APIModel, error) {
	deps = deps.withDefaults()
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = deps.HTTP.HTTPClient()
	}

	var client llm.Client
	if cfg.APIKey != "" {
		c, err := llm.NewClient(provider, cfg.Options)
		if err != nil {
			return nil, err
		}
		client = c
	}

	base, err := newBase(ctx, name, false, deps, nil)
	if err != nil {
		return nil, err
	}
	return &APIModel{Base: base, provider: provider, client: client, maxTokens: cfg.MaxTokens}, nil
}

// NewAPIModel wraps an existing client, mostly for tests and custom providers.
func NewAPIModel(ctx context.Context, deps Deps, name string, client llm.Client) (*APIModel, error) {
	deps = deps.withDefaults()
	base, err := newBase(ctx, name, false, deps, nil)
	if err != nil {
		return nil, err
	}
	m := &APIModel{Base: base, client: client}
	if client != nil {
		m.provider = llm.Provider(client.Name())
	}
	return m, nil
}

func (a *APIModel) InitNewThread(ctx context.Context) error {
	meta := APIMetadata{Provider: string(a.provider)}
	if a.client != nil {
		meta.Model = a.client.DefaultModel()
	}
	_, err := a.threads.Begin(ctx, uuid.NewString(), meta)
	return err
}

func (a *APIModel) DoSendMessage(ctx context.Context, p SendParams) error {
	return a.exchange(ctx, p, a.InitNewThread, a.send)
}

func (a *APIModel) send(ctx context.Context, x *Exchange) error {
	if a.client == nil {
		return aierr.Raise(aierr.MissingAPIKey, a.name+" has no API key configured")
	}

	req := &llm.CompletionRequest{
		Messages:  llm.FromHistory(x.History(), x.Prompt),
		MaxTokens: a.maxTokens,
	}

	var text strings.Builder
	x.Sent()
	resp, err := a.client.CompleteStream(ctx, req, func(token string, _ int) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		text.WriteString(token)
		x.Update(model.AnswerUpdate{Text: text.String()})
		return nil
	})
	if err != nil {
		return err
	}

	// some providers only report the full content at the end
	if resp.Content != "" && resp.Content != x.Answer().Text {
		x.Update(model.AnswerUpdate{Text: resp.Content})
	}
	x.Attach("model", resp.Model)
	if resp.StopReason != "" {
		x.Attach("stopReason", resp.StopReason)
	}
	return nil
}
