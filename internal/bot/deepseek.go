package bot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/pow"
	"github.com/capitalize-ai/conversation-bridge/internal/stream"
	"github.com/capitalize-ai/conversation-bridge/internal/thread"
	"github.com/capitalize-ai/conversation-bridge/internal/transport"
)

const (
	DeepSeekName       = "deepseek"
	deepSeekCompletion = "/api/v0/chat/completion"
	deepSeekAuthFailed = 40003
)

// DeepSeekMetadata is the thread metadata of the DeepSeek web backend.
type DeepSeekMetadata struct {
	ConversationID  string `json:"conversationId"`
	ParentMessageID int64  `json:"parentMessageId,omitempty"`
}

func validDeepSeek(t *model.ChatThread) bool {
	m, err := model.DecodeMetadata[DeepSeekMetadata](t)
	return err == nil && m.ConversationID != ""
}

var deepSeekPaths = stream.Paths{
	"response/thinking_content":      stream.TargetReasoning,
	"response/content":               stream.TargetAnswer,
	"response/thinking_elapsed_secs": stream.TargetElapsed,
	"response/status":                stream.TargetStatus,
	"response/quasi_status":          stream.TargetStatus,
	"response/fragments":             stream.TargetFragments,
	"response/fragments/-1/content":  stream.TargetCurrent,
}

// DeepSeekConfig configures the DeepSeek backend.
type DeepSeekConfig struct {
	BaseURL string
}

// DeepSeek talks to the DeepSeek web chat: event+data streams of patch triples behind a
// proof-of-work header.
type DeepSeek struct {
	*Base
	cfg     DeepSeekConfig
	http    *transport.Client
	session *auth.Session
	solver  pow.Solver
}

// NewDeepSeek creates the backend and runs the thread validation pass.
func NewDeepSeek(ctx context.Context, deps Deps, cfg DeepSeekConfig) (*DeepSeek, error) {
	deps = deps.withDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://chat.deepseek.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	base, err := newBase(ctx, DeepSeekName, false, deps, validDeepSeek)
	if err != nil {
		return nil, err
	}
	return &DeepSeek{
		Base: base,
		cfg:  cfg,
		http: deps.HTTP,
		session: auth.NewSession(deps.Broker, deps.Tokens, auth.TokenRequest{
			Service:    DeepSeekName,
			Origin:     cfg.BaseURL,
			URLPattern: cfg.BaseURL + "/*",
			Extractor:  "deepseekUserToken",
		}, deps.Logger),
		solver: deps.Solver,
	}, nil
}

type deepSeekEnvelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		BizCode int    `json:"biz_code"`
		BizMsg  string `json:"biz_msg"`
		BizData T      `json:"biz_data"`
	} `json:"data"`
}

func (e *deepSeekEnvelope[T]) err() error {
	if e.Code != 0 {
		return deepSeekError(e.Code, e.Msg)
	}
	if e.Data.BizCode != 0 {
		return deepSeekError(e.Data.BizCode, e.Data.BizMsg)
	}
	return nil
}

func deepSeekError(code int, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("deepseek error %d", code)
	}
	opt := aierr.WithContext("code", code)
	switch {
	case code == deepSeekAuthFailed:
		return aierr.Raise(aierr.Unauthorized, msg, opt)
	case code == 429 || strings.Contains(strings.ToLower(msg), "rate limit"):
		return aierr.Raise(aierr.RateLimitExceeded, msg, opt)
	case code >= 40000 && code < 50000:
		return aierr.Raise(aierr.InvalidRequest, msg, opt)
	default:
		return aierr.Raise(aierr.ServiceUnavailable, msg, opt)
	}
}

func (d *DeepSeek) request(method, path, token string, body any) (transport.Request, error) {
	r, err := transport.NewJSONRequest(method, d.cfg.BaseURL+path, body)
	if err != nil {
		return r, err
	}
	r.Header = transport.Merge(r.Header, transport.Bearer(transport.BrowserHeaders(d.cfg.BaseURL), token))
	r.Header.Set("X-Client-Platform", "web")
	return r, nil
}

func (d *DeepSeek) InitNewThread(ctx context.Context) error {
	var id string
	err := d.session.Do(ctx, func(ctx context.Context, token string) error {
		r, err := d.request(http.MethodPost, "/api/v0/chat_session/create", token, map[string]any{"character_id": nil})
		if err != nil {
			return err
		}
		var env deepSeekEnvelope[struct {
			ID          string `json:"id"`
			ChatSession *struct {
				ID string `json:"id"`
			} `json:"chat_session"`
		}]
		if err := d.http.JSON(ctx, r, &env); err != nil {
			return err
		}
		if err := env.err(); err != nil {
			return err
		}
		id = env.Data.BizData.ID
		if id == "" && env.Data.BizData.ChatSession != nil {
			id = env.Data.BizData.ChatSession.ID
		}
		return nil
	})
	if err != nil {
		if aierr.IsKind(err, aierr.Unauthorized) || ctx.Err() != nil {
			return err
		}
		return aierr.Raise(aierr.MetadataInitializationError, "creating deepseek chat session", aierr.WithCause(err))
	}
	if id == "" {
		return aierr.Raise(aierr.MetadataInitializationError, "deepseek returned no chat session id")
	}
	_, err = d.threads.Begin(ctx, id, DeepSeekMetadata{ConversationID: id})
	return err
}

func (d *DeepSeek) DoSendMessage(ctx context.Context, p SendParams) error {
	return d.exchange(ctx, p, d.InitNewThread, d.send)
}

type deepSeekChallenge struct {
	Algorithm  string `json:"algorithm"`
	Challenge  string `json:"challenge"`
	Salt       string `json:"salt"`
	Difficulty int64  `json:"difficulty"`
	ExpireAt   int64  `json:"expire_at"`
	Signature  string `json:"signature"`
	TargetPath string `json:"target_path"`
}

// powHeader fetches a challenge, has the solver answer it and encodes the header value.
func (d *DeepSeek) powHeader(ctx context.Context, token string) (string, error) {
	r, err := d.request(http.MethodPost, "/api/v0/chat/create_pow_challenge", token,
		map[string]string{"target_path": deepSeekCompletion})
	if err != nil {
		return "", err
	}
	var env deepSeekEnvelope[struct {
		Challenge deepSeekChallenge `json:"challenge"`
	}]
	if err := d.http.JSON(ctx, r, &env); err != nil {
		return "", err
	}
	if err := env.err(); err != nil {
		return "", err
	}
	ch := env.Data.BizData.Challenge
	if ch.Challenge == "" {
		return "", aierr.Raise(aierr.PowChallengeFailed, "deepseek returned an empty challenge")
	}

	answer, err := pow.Solve(ctx, d.solver, pow.Challenge{
		Service:    DeepSeekName,
		Algorithm:  ch.Algorithm,
		Seed:       ch.Challenge,
		Salt:       ch.Salt,
		Difficulty: strconv.FormatInt(ch.Difficulty, 10),
		ExpireAt:   ch.ExpireAt,
		Signature:  ch.Signature,
		TargetPath: ch.TargetPath,
	})
	if err != nil {
		return "", err
	}
	n, err := strconv.ParseInt(answer, 10, 64)
	if err != nil {
		return "", aierr.Raise(aierr.PowChallengeFailed, "solver answer is not numeric", aierr.WithCause(err))
	}

	data, err := json.Marshal(map[string]any{
		"algorithm":   ch.Algorithm,
		"challenge":   ch.Challenge,
		"salt":        ch.Salt,
		"answer":      n,
		"signature":   ch.Signature,
		"target_path": ch.TargetPath,
	})
	if err != nil {
		return "", aierr.Raise(aierr.PowChallengeFailed, "encoding proof", aierr.WithCause(err))
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

type deepSeekFrame struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	Type              string `json:"type"`
	Content           string `json:"content"`
	Finish            string `json:"finish_reason"`
	ResponseMessageID int64  `json:"response_message_id"`
}

func (d *DeepSeek) send(ctx context.Context, x *Exchange) error {
	meta, err := thread.Metadata[DeepSeekMetadata](d.threads)
	if err != nil {
		return err
	}

	var parent int64
	err = x.Authorize(ctx, d.session, func(ctx context.Context, token string) error {
		proof, err := d.powHeader(ctx, token)
		if err != nil {
			return err
		}

		var parentID any
		if meta.ParentMessageID != 0 {
			parentID = meta.ParentMessageID
		}
		r, err := d.request(http.MethodPost, deepSeekCompletion, token, map[string]any{
			"chat_session_id":   meta.ConversationID,
			"parent_message_id": parentID,
			"prompt":            x.Prompt,
			"ref_file_ids":      []string{},
			"thinking_enabled":  x.Mode == "reasoning",
			"search_enabled":    x.Mode == "search",
		})
		if err != nil {
			return err
		}
		r.Header.Set("Accept", "text/event-stream")
		r.Header.Set("X-Ds-Pow-Response", proof)

		x.Sent()
		resp, err := d.http.Do(ctx, r)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		// failures arrive as a plain JSON envelope with status 200
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var env deepSeekEnvelope[json.RawMessage]
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				return aierr.Raise(aierr.ResponseParsingError, "decoding deepseek reply", aierr.WithCause(err))
			}
			if err := env.err(); err != nil {
				return err
			}
			return aierr.Raise(aierr.ResponseParsingError, "deepseek replied without a stream")
		}

		acc := stream.NewPatchAccumulator(deepSeekPaths)
		return stream.ReadEvents(ctx, resp.Body, func(ev stream.Event) error {
			return d.handleEvent(ev, acc, x, &parent)
		})
	})
	if err != nil {
		return err
	}

	if parent != 0 {
		return thread.Update(d.threads, func(m *DeepSeekMetadata) { m.ParentMessageID = parent })
	}
	return nil
}

func (d *DeepSeek) handleEvent(ev stream.Event, acc *stream.PatchAccumulator, x *Exchange, parent *int64) error {
	switch ev.Name {
	case "ping", "update_session":
		return nil
	case "close":
		return stream.ErrStop
	case "title":
		var f deepSeekFrame
		if json.Unmarshal([]byte(ev.Data), &f) == nil {
			x.Title(f.Content)
		}
		return nil
	case "ready":
		var f deepSeekFrame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			return aierr.Raise(aierr.ResponseParsingError, "malformed ready event", aierr.WithCause(err))
		}
		if f.ResponseMessageID != 0 {
			*parent = f.ResponseMessageID
		}
		return nil
	case "hint":
		var f deepSeekFrame
		if json.Unmarshal([]byte(ev.Data), &f) == nil && f.Type == "error" {
			return aierr.Raise(aierr.ServiceUnavailable, f.Content)
		}
		return nil
	}

	if ev.Name != "" && ev.Name != "message" {
		return nil
	}
	data := []byte(ev.Data)
	var f deepSeekFrame
	if json.Unmarshal(data, &f) == nil && f.Code != 0 {
		return deepSeekError(f.Code, f.Msg)
	}
	changed, err := acc.ApplyJSON(data)
	if err != nil {
		return err
	}
	if changed {
		x.Update(acc.Snapshot())
	}
	return nil
}
