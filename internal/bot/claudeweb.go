package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/stream"
	"github.com/capitalize-ai/conversation-bridge/internal/thread"
	"github.com/capitalize-ai/conversation-bridge/internal/transport"
)

const ClaudeWebName = "claude-web"

// ClaudeWebMetadata is the thread metadata of the claude.ai web backend.
type ClaudeWebMetadata struct {
	OrganizationID string `json:"organizationId"`
	ConversationID string `json:"conversationId"`
}

func validClaudeWeb(t *model.ChatThread) bool {
	m, err := model.DecodeMetadata[ClaudeWebMetadata](t)
	return err == nil && m.OrganizationID != "" && m.ConversationID != ""
}

// ClaudeWebConfig configures the claude.ai backend.
type ClaudeWebConfig struct {
	BaseURL string
}

// ClaudeWeb talks to claude.ai with a cookie session and an event+data stream.
type ClaudeWeb struct {
	*Base
	cfg     ClaudeWebConfig
	http    *transport.Client
	session *auth.Session
}

// NewClaudeWeb creates the backend and runs the thread validation pass.
func NewClaudeWeb(ctx context.Context, deps Deps, cfg ClaudeWebConfig) (*ClaudeWeb, error) {
	deps = deps.withDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://claude.ai"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	base, err := newBase(ctx, ClaudeWebName, false, deps, validClaudeWeb)
	if err != nil {
		return nil, err
	}
	return &ClaudeWeb{
		Base: base,
		cfg:  cfg,
		http: deps.HTTP,
		session: auth.NewSession(deps.Broker, deps.Tokens, auth.TokenRequest{
			Service:    "claude",
			Origin:     cfg.BaseURL,
			URLPattern: cfg.BaseURL + "/*",
			Extractor:  "claudeSessionKey",
		}, deps.Logger),
	}, nil
}

func sessionCookie(token string) string {
	if strings.Contains(token, "=") {
		return token
	}
	return "sessionKey=" + token
}

func (c *ClaudeWeb) request(method, path, token string, body any) (transport.Request, error) {
	r, err := transport.NewJSONRequest(method, c.cfg.BaseURL+path, body)
	if err != nil {
		return r, err
	}
	r.Header = transport.Merge(r.Header, transport.Cookie(transport.BrowserHeaders(c.cfg.BaseURL), sessionCookie(token)))
	return r, nil
}

func (c *ClaudeWeb) InitNewThread(ctx context.Context) error {
	var meta ClaudeWebMetadata
	err := c.session.Do(ctx, func(ctx context.Context, token string) error {
		r, err := c.request(http.MethodGet, "/api/organizations", token, nil)
		if err != nil {
			return err
		}
		var orgs []struct {
			UUID string `json:"uuid"`
		}
		if err := c.http.JSON(ctx, r, &orgs); err != nil {
			return err
		}
		if len(orgs) == 0 || orgs[0].UUID == "" {
			return aierr.Raise(aierr.MetadataInitializationError, "no claude organization for this session")
		}
		meta.OrganizationID = orgs[0].UUID

		r, err = c.request(http.MethodPost, "/api/organizations/"+meta.OrganizationID+"/chat_conversations", token,
			map[string]string{"uuid": uuid.NewString(), "name": ""})
		if err != nil {
			return err
		}
		var conv struct {
			UUID string `json:"uuid"`
		}
		if err := c.http.JSON(ctx, r, &conv); err != nil {
			return err
		}
		meta.ConversationID = conv.UUID
		return nil
	})
	if err != nil {
		return err
	}
	if meta.ConversationID == "" {
		return aierr.Raise(aierr.MetadataInitializationError, "claude returned no conversation id")
	}
	_, err = c.threads.Begin(ctx, meta.ConversationID, meta)
	return err
}

func (c *ClaudeWeb) DoSendMessage(ctx context.Context, p SendParams) error {
	return c.exchange(ctx, p, c.InitNewThread, c.send)
}

type claudeWebEvent struct {
	Type       string `json:"type"`
	Completion string `json:"completion"`
	Delta      struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *ClaudeWeb) conversationPath(meta ClaudeWebMetadata) string {
	return fmt.Sprintf("/api/organizations/%s/chat_conversations/%s", meta.OrganizationID, meta.ConversationID)
}

func (c *ClaudeWeb) send(ctx context.Context, x *Exchange) error {
	meta, err := thread.Metadata[ClaudeWebMetadata](c.threads)
	if err != nil {
		return err
	}
	firstTurn := len(x.History()) == 0

	err = x.Authorize(ctx, c.session, func(ctx context.Context, token string) error {
		r, err := c.request(http.MethodPost, c.conversationPath(meta)+"/completion", token, map[string]any{
			"prompt":         x.Prompt,
			"timezone":       "UTC",
			"attachments":    []any{},
			"files":          []any{},
			"rendering_mode": "messages",
		})
		if err != nil {
			return err
		}
		r.Header.Set("Accept", "text/event-stream")

		x.Sent()
		resp, err := c.http.Do(ctx, r)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var answer strings.Builder
		return stream.ReadEvents(ctx, resp.Body, func(ev stream.Event) error {
			if ev.Name == "ping" || strings.TrimSpace(ev.Data) == "" {
				return nil
			}
			var e claudeWebEvent
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return aierr.Raise(aierr.ResponseParsingError, "malformed claude event", aierr.WithCause(err))
			}
			name := ev.Name
			if name == "" {
				name = e.Type
			}
			switch name {
			case "completion":
				answer.WriteString(e.Completion)
			case "content_block_delta":
				if e.Delta.Type == "text_delta" || e.Delta.Type == "" {
					answer.WriteString(e.Delta.Text)
				}
			case "message_stop":
				return stream.ErrStop
			case "error":
				return claudeWebError(e)
			default:
				return nil
			}
			x.Update(model.AnswerUpdate{Text: answer.String()})
			return nil
		})
	})
	if err != nil {
		return err
	}

	if firstTurn {
		c.generateTitle(ctx, meta, x)
	}
	return nil
}

// generateTitle asks the backend to name the conversation. Failures are only logged.
func (c *ClaudeWeb) generateTitle(ctx context.Context, meta ClaudeWebMetadata, x *Exchange) {
	token, err := c.session.Ensure(ctx)
	if err != nil {
		x.Log.Warn("skipping title generation", zap.Error(err))
		return
	}
	r, err := c.request(http.MethodPost, c.conversationPath(meta)+"/title", token, map[string]any{
		"message_content": x.Prompt,
		"recent_titles":   []string{},
	})
	if err != nil {
		return
	}
	var out struct {
		Title string `json:"title"`
	}
	if err := c.http.JSON(ctx, r, &out); err != nil {
		x.Log.Warn("title generation failed", zap.Error(err))
		return
	}
	x.Title(out.Title)
}

func claudeWebError(e claudeWebEvent) error {
	if e.Error == nil {
		return aierr.Raise(aierr.ServiceUnavailable, "claude reported an error")
	}
	msg := e.Error.Message
	if msg == "" {
		msg = e.Error.Type
	}
	switch e.Error.Type {
	case "authentication_error", "permission_error":
		return aierr.Raise(aierr.Unauthorized, msg)
	case "rate_limit_error":
		return aierr.Raise(aierr.RateLimitExceeded, msg)
	case "exceeded_limit":
		return aierr.Raise(aierr.ConversationLimit, msg)
	case "invalid_request_error", "not_found_error":
		return aierr.Raise(aierr.InvalidRequest, msg)
	default:
		return aierr.Raise(aierr.ServiceUnavailable, msg)
	}
}
