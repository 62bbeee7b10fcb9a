package bot

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/stream"
	"github.com/capitalize-ai/conversation-bridge/internal/thread"
	"github.com/capitalize-ai/conversation-bridge/internal/transport"
)

const (
	CopilotName = "copilot"

	copilotReadLimit = 4 << 20
)

// CopilotMetadata is the thread metadata of the Copilot backend.
type CopilotMetadata struct {
	ConversationID string `json:"conversationId"`
}

func validCopilot(t *model.ChatThread) bool {
	m, err := model.DecodeMetadata[CopilotMetadata](t)
	return err == nil && m.ConversationID != ""
}

// CopilotConfig configures the Copilot backend.
type CopilotConfig struct {
	BaseURL      string
	ChatURL      string
	OpenTimeout  time.Duration
	GraceTimeout time.Duration
}

// Copilot talks to Microsoft Copilot over a WebSocket of event frames.
type Copilot struct {
	*Base
	cfg     CopilotConfig
	http    *transport.Client
	session *auth.Session
}

// NewCopilot creates the backend and runs the thread validation pass.
func NewCopilot(ctx context.Context, deps Deps, cfg CopilotConfig) (*Copilot, error) {
	deps = deps.withDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://copilot.microsoft.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ChatURL == "" {
		cfg.ChatURL = "wss://copilot.microsoft.com/c/api/chat?api-version=2"
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 3 * time.Second
	}

	base, err := newBase(ctx, CopilotName, false, deps, validCopilot)
	if err != nil {
		return nil, err
	}
	return &Copilot{
		Base: base,
		cfg:  cfg,
		http: deps.HTTP,
		session: auth.NewSession(deps.Broker, deps.Tokens, auth.TokenRequest{
			Service:    CopilotName,
			Origin:     cfg.BaseURL,
			URLPattern: cfg.BaseURL + "/*",
			Extractor:  "copilotAccessToken",
		}, deps.Logger),
	}, nil
}

func (c *Copilot) InitNewThread(ctx context.Context) error {
	var id string
	err := c.session.Do(ctx, func(ctx context.Context, token string) error {
		r := transport.Request{
			Method: http.MethodPost,
			URL:    c.cfg.BaseURL + "/c/api/conversations",
			Header: transport.Bearer(transport.BrowserHeaders(c.cfg.BaseURL), token),
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := c.http.JSON(ctx, r, &out); err != nil {
			return err
		}
		id = out.ID
		return nil
	})
	if err != nil {
		return err
	}
	if id == "" {
		return aierr.Raise(aierr.MetadataInitializationError, "copilot returned no conversation id")
	}
	_, err = c.threads.Begin(ctx, id, CopilotMetadata{ConversationID: id})
	return err
}

func (c *Copilot) DoSendMessage(ctx context.Context, p SendParams) error {
	return c.exchange(ctx, p, c.InitNewThread, c.send)
}

func copilotMode(mode string) string {
	if mode == "" {
		return "chat"
	}
	return mode
}

// dial opens the chat socket within the open timeout.
func (c *Copilot) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.ChatURL)
	if err != nil {
		return nil, aierr.Raise(aierr.InvalidRequest, "invalid copilot chat url", aierr.WithCause(err))
	}
	q := u.Query()
	q.Set("accessToken", token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient: c.http.HTTPClient(),
		HTTPHeader: transport.BrowserHeaders(c.cfg.BaseURL),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil && resp.StatusCode >= 400 {
			return nil, aierr.FromStatus(resp.StatusCode, "copilot refused the chat socket")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, aierr.Raise(aierr.NetworkError, "copilot socket open timed out", aierr.WithCause(err))
		}
		return nil, aierr.Raise(aierr.NetworkError, "opening copilot socket", aierr.WithCause(err))
	}
	conn.SetReadLimit(copilotReadLimit)
	return conn, nil
}

type copilotSend struct {
	Event          string           `json:"event"`
	ConversationID string           `json:"conversationId"`
	Content        []copilotContent `json:"content"`
	Mode           string           `json:"mode"`
}

type copilotContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *Copilot) send(ctx context.Context, x *Exchange) error {
	meta, err := thread.Metadata[CopilotMetadata](c.threads)
	if err != nil {
		return err
	}

	var res stream.WSResult
	err = x.Authorize(ctx, c.session, func(ctx context.Context, token string) error {
		conn, err := c.dial(ctx, token)
		if err != nil {
			return err
		}
		defer conn.CloseNow()

		x.Sent()
		if err := wsjson.Write(ctx, conn, copilotSend{
			Event:          "send",
			ConversationID: meta.ConversationID,
			Content:        []copilotContent{{Type: "text", Text: x.Prompt}},
			Mode:           copilotMode(x.Mode),
		}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return aierr.Raise(aierr.NetworkError, "writing to copilot socket", aierr.WithCause(err))
		}

		frames := stream.FrameReaderFunc(func(ctx context.Context) ([]byte, error) {
			_, data, err := conn.Read(ctx)
			return data, err
		})
		res, err = stream.ReadWS(ctx, frames, c.cfg.GraceTimeout, func(text string) {
			x.Update(model.AnswerUpdate{Text: text})
		})
		if err != nil {
			return err
		}
		conn.Close(websocket.StatusNormalClosure, "")
		return nil
	})
	if err != nil {
		return err
	}

	if res.Title != "" {
		x.Title(res.Title)
	}
	x.Suggest(res.Suggestions)
	return nil
}
