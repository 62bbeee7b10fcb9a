package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/pow"
	"github.com/capitalize-ai/conversation-bridge/internal/stream"
	"github.com/capitalize-ai/conversation-bridge/internal/thread"
	"github.com/capitalize-ai/conversation-bridge/internal/transport"
)

const (
	ChatGPTName = "chatgpt"
	chatGPTPart = "/message/content/parts/0"
)

// ChatGPTMetadata is the thread metadata of the ChatGPT web backend. The conversation id
// is assigned by the first reply.
type ChatGPTMetadata struct {
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId"`
}

func validChatGPT(t *model.ChatThread) bool {
	m, err := model.DecodeMetadata[ChatGPTMetadata](t)
	return err == nil && m.ParentMessageID != ""
}

// ChatGPTConfig configures the ChatGPT backend.
type ChatGPTConfig struct {
	BaseURL string
	Model   string
}

// ChatGPT talks to the ChatGPT web app: SSE carrying full messages and JSON patches,
// gated by a sentinel requirements token and an optional proof of work.
type ChatGPT struct {
	*Base
	cfg      ChatGPTConfig
	http     *transport.Client
	session  *auth.Session
	solver   pow.Solver
	deviceID string
}

// NewChatGPT creates the backend and runs the thread validation pass.
func NewChatGPT(ctx context.Context, deps Deps, cfg ChatGPTConfig) (*ChatGPT, error) {
	deps = deps.withDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://chatgpt.com"
	}
	if cfg.Model == "" {
		cfg.Model = "auto"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	base, err := newBase(ctx, ChatGPTName, false, deps, validChatGPT)
	if err != nil {
		return nil, err
	}
	return &ChatGPT{
		Base: base,
		cfg:  cfg,
		http: deps.HTTP,
		session: auth.NewSession(deps.Broker, deps.Tokens, auth.TokenRequest{
			Service:    ChatGPTName,
			Origin:     cfg.BaseURL,
			URLPattern: cfg.BaseURL + "/*",
			Extractor:  "chatgptAccessToken",
		}, deps.Logger),
		solver:   deps.Solver,
		deviceID: uuid.NewString(),
	}, nil
}

// InitNewThread is local: the remote conversation is created by the first send.
func (c *ChatGPT) InitNewThread(ctx context.Context) error {
	_, err := c.threads.Begin(ctx, uuid.NewString(), ChatGPTMetadata{ParentMessageID: uuid.NewString()})
	return err
}

func (c *ChatGPT) DoSendMessage(ctx context.Context, p SendParams) error {
	return c.exchange(ctx, p, c.InitNewThread, c.send)
}

func (c *ChatGPT) request(method, path, token string, body any) (transport.Request, error) {
	r, err := transport.NewJSONRequest(method, c.cfg.BaseURL+path, body)
	if err != nil {
		return r, err
	}
	r.Header = transport.Merge(r.Header, transport.Bearer(transport.BrowserHeaders(c.cfg.BaseURL), token))
	r.Header.Set("Oai-Device-Id", c.deviceID)
	r.Header.Set("Oai-Language", "en-US")
	return r, nil
}

type chatRequirements struct {
	Token       string `json:"token"`
	ProofOfWork struct {
		Required   bool   `json:"required"`
		Seed       string `json:"seed"`
		Difficulty string `json:"difficulty"`
	} `json:"proofofwork"`
}

// sentinel obtains the requirements token and, when demanded, the proof token.
func (c *ChatGPT) sentinel(ctx context.Context, token string) (string, string, error) {
	r, err := c.request(http.MethodPost, "/backend-api/sentinel/chat-requirements", token, map[string]any{})
	if err != nil {
		return "", "", err
	}
	var req chatRequirements
	if err := c.http.JSON(ctx, r, &req); err != nil {
		return "", "", err
	}
	if req.Token == "" {
		return "", "", aierr.Raise(aierr.PowChallengeFailed, "chat requirements carried no token")
	}
	if !req.ProofOfWork.Required {
		return req.Token, "", nil
	}
	proof, err := pow.Solve(ctx, c.solver, pow.Challenge{
		Service:    ChatGPTName,
		Seed:       req.ProofOfWork.Seed,
		Difficulty: req.ProofOfWork.Difficulty,
	})
	if err != nil {
		return "", "", err
	}
	return req.Token, proof, nil
}

type chatGPTMessage struct {
	ID     string `json:"id"`
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	Content struct {
		ContentType string            `json:"content_type"`
		Parts       []json.RawMessage `json:"parts"`
	} `json:"content"`
}

type chatGPTEvent struct {
	ConversationID string          `json:"conversation_id"`
	Message        *chatGPTMessage `json:"message"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Error          json.RawMessage `json:"error"`
	Path           string          `json:"p"`
	Op             string          `json:"o"`
	Value          json.RawMessage `json:"v"`
}

type chatGPTTurn struct {
	conversationID string
	assistantID    string
	acc            *stream.PatchAccumulator
}

func (c *ChatGPT) send(ctx context.Context, x *Exchange) error {
	meta, err := thread.Metadata[ChatGPTMetadata](c.threads)
	if err != nil {
		return err
	}

	turn := &chatGPTTurn{conversationID: meta.ConversationID}
	err = x.Authorize(ctx, c.session, func(ctx context.Context, token string) error {
		reqToken, proof, err := c.sentinel(ctx, token)
		if err != nil {
			return err
		}

		body := map[string]any{
			"action": "next",
			"messages": []any{map[string]any{
				"id":     uuid.NewString(),
				"author": map[string]string{"role": "user"},
				"content": map[string]any{
					"content_type": "text",
					"parts":        []string{x.Prompt},
				},
			}},
			"parent_message_id":             meta.ParentMessageID,
			"model":                         c.cfg.Model,
			"timezone_offset_min":           0,
			"history_and_training_disabled": false,
			"conversation_mode":             map[string]string{"kind": "primary_assistant"},
		}
		if meta.ConversationID != "" {
			body["conversation_id"] = meta.ConversationID
		}
		r, err := c.request(http.MethodPost, "/backend-api/conversation", token, body)
		if err != nil {
			return err
		}
		r.Header.Set("Accept", "text/event-stream")
		r.Header.Set("Openai-Sentinel-Chat-Requirements-Token", reqToken)
		if proof != "" {
			r.Header.Set("Openai-Sentinel-Proof-Token", proof)
		}

		x.Sent()
		resp, err := c.http.Do(ctx, r)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		turn.acc = stream.NewPatchAccumulator(stream.Paths{chatGPTPart: stream.TargetAnswer})
		return stream.ReadSSE(ctx, resp.Body, func(payload string) error {
			return c.handlePayload(payload, turn, x)
		})
	})
	if err != nil {
		return err
	}

	if turn.assistantID == "" {
		return aierr.Raise(aierr.ResponseParsingError, "chatgpt stream ended without an assistant message")
	}
	return thread.Update(c.threads, func(m *ChatGPTMetadata) {
		m.ConversationID = turn.conversationID
		m.ParentMessageID = turn.assistantID
	})
}

func (c *ChatGPT) handlePayload(payload string, turn *chatGPTTurn, x *Exchange) error {
	if !strings.HasPrefix(strings.TrimSpace(payload), "{") {
		// version markers such as "v1"
		return nil
	}
	var ev chatGPTEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return aierr.Raise(aierr.ResponseParsingError, "malformed chatgpt event", aierr.WithCause(err))
	}
	if msg := errorText(ev.Error); msg != "" {
		return aierr.Raise(aierr.ServiceUnavailable, msg)
	}
	if ev.ConversationID != "" {
		turn.conversationID = ev.ConversationID
	}

	switch {
	case ev.Type == "title_generation":
		x.Title(ev.Title)
		return nil
	case ev.Message != nil:
		return c.handleMessage(ev.Message, turn, x)
	case strings.EqualFold(ev.Op, "add") && bytes.HasPrefix(bytes.TrimSpace(ev.Value), []byte("{")):
		var inner chatGPTEvent
		if err := json.Unmarshal(ev.Value, &inner); err != nil {
			return aierr.Raise(aierr.ResponseParsingError, "malformed chatgpt add patch", aierr.WithCause(err))
		}
		if inner.ConversationID != "" {
			turn.conversationID = inner.ConversationID
		}
		if inner.Message != nil {
			return c.handleMessage(inner.Message, turn, x)
		}
		return nil
	case len(ev.Value) > 0:
		if turn.assistantID == "" {
			return nil
		}
		changed, err := turn.acc.Apply(stream.Patch{Path: ev.Path, Op: ev.Op, Value: ev.Value})
		if err != nil {
			return err
		}
		if changed {
			x.Update(turn.acc.Snapshot())
		}
	}
	return nil
}

// handleMessage applies a full message object. Only assistant text replaces the answer.
func (c *ChatGPT) handleMessage(msg *chatGPTMessage, turn *chatGPTTurn, x *Exchange) error {
	if msg.Author.Role != "assistant" {
		return nil
	}
	turn.assistantID = msg.ID
	if msg.Content.ContentType != "text" || len(msg.Content.Parts) == 0 {
		return nil
	}
	changed, err := turn.acc.Apply(stream.Patch{Path: chatGPTPart, Op: "replace", Value: msg.Content.Parts[0]})
	if err != nil {
		return err
	}
	if changed {
		x.Update(turn.acc.Snapshot())
	}
	return nil
}

func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
