package bot

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/stream"
	"github.com/capitalize-ai/conversation-bridge/internal/thread"
	"github.com/capitalize-ai/conversation-bridge/internal/transport"
)

const (
	GeminiName = "gemini"

	geminiMaxImages = 1
	geminiGenerate  = "/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"
)

var (
	geminiAtPattern  = regexp.MustCompile(`"SNlM0e":"([^"]*)"`)
	geminiBlPattern  = regexp.MustCompile(`"cfb2h":"([^"]*)"`)
	geminiSIDPattern = regexp.MustCompile(`"FdrFJe":"([^"]*)"`)
)

// GeminiMetadata is the thread metadata of the Gemini web backend.
type GeminiMetadata struct {
	AtValue    string    `json:"atValue"`
	BlValue    string    `json:"blValue"`
	SID        string    `json:"sid"`
	ContextIDs [3]string `json:"contextIds"`
}

func validGemini(t *model.ChatThread) bool {
	m, err := model.DecodeMetadata[GeminiMetadata](t)
	return err == nil && m.AtValue != "" && m.BlValue != "" && m.SID != ""
}

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	BaseURL   string
	UploadURL string
}

// Gemini talks to the Gemini web app through its batched RPC endpoint.
type Gemini struct {
	*Base
	cfg     GeminiConfig
	http    *transport.Client
	session *auth.Session
	reqID   atomic.Int64
}

// NewGemini creates the backend and runs the thread validation pass.
func NewGemini(ctx context.Context, deps Deps, cfg GeminiConfig) (*Gemini, error) {
	deps = deps.withDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://gemini.google.com"
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = "https://content-push.googleapis.com/upload/"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	base, err := newBase(ctx, GeminiName, true, deps, validGemini)
	if err != nil {
		return nil, err
	}
	g := &Gemini{
		Base: base,
		cfg:  cfg,
		http: deps.HTTP,
		session: auth.NewSession(deps.Broker, deps.Tokens, auth.TokenRequest{
			Service:    GeminiName,
			Origin:     cfg.BaseURL,
			URLPattern: cfg.BaseURL + "/*",
			Extractor:  "geminiCookies",
		}, deps.Logger),
	}
	g.reqID.Store(int64(rand.IntN(9000) + 1000))
	return g, nil
}

func (g *Gemini) headers(token string) http.Header {
	return transport.Cookie(transport.BrowserHeaders(g.cfg.BaseURL), token)
}

func firstMatch(re *regexp.Regexp, page string) string {
	if m := re.FindStringSubmatch(page); len(m) == 2 {
		return m[1]
	}
	return ""
}

// InitNewThread scrapes the session parameters from the app page.
func (g *Gemini) InitNewThread(ctx context.Context) error {
	var meta GeminiMetadata
	err := g.session.Do(ctx, func(ctx context.Context, token string) error {
		page, err := g.http.Text(ctx, transport.Request{
			Method: http.MethodGet,
			URL:    g.cfg.BaseURL + "/app",
			Header: g.headers(token),
		})
		if err != nil {
			return err
		}
		meta.AtValue = firstMatch(geminiAtPattern, page)
		if meta.AtValue == "" {
			return aierr.Raise(aierr.Unauthorized, "gemini page carries no session token")
		}
		meta.BlValue = firstMatch(geminiBlPattern, page)
		meta.SID = firstMatch(geminiSIDPattern, page)
		return nil
	})
	if err != nil {
		return err
	}
	if meta.BlValue == "" || meta.SID == "" {
		return aierr.Raise(aierr.MetadataInitializationError, "gemini page is missing bl or sid")
	}
	_, err = g.threads.Begin(ctx, uuid.NewString(), meta)
	return err
}

func (g *Gemini) DoSendMessage(ctx context.Context, p SendParams) error {
	if len(p.Images) > geminiMaxImages {
		return g.exchange(ctx, p, g.InitNewThread, func(context.Context, *Exchange) error {
			return aierr.Raise(aierr.UploadAmountExceeded, "gemini accepts one image per message",
				aierr.WithContext("images", len(p.Images)))
		})
	}
	return g.exchange(ctx, p, g.InitNewThread, g.send)
}

// upload pushes one image and returns its content reference.
func (g *Gemini) upload(ctx context.Context, img model.Image) (string, error) {
	r := transport.Request{
		Method: http.MethodPost,
		URL:    g.cfg.UploadURL,
		Header: http.Header{},
		Body:   img.Data,
	}
	r.Header.Set("Push-ID", "feeds/mcudyrk2a4khkz")
	r.Header.Set("X-Tenant-Id", "bard-storage")
	r.Header.Set("Content-Type", "application/octet-stream")
	r.Header.Set("X-Goog-Upload-Protocol", "raw")
	r.Header.Set("X-Goog-Upload-File-Name", img.Name)

	ref, err := g.http.Text(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", aierr.Raise(aierr.UploadFailed, "uploading image", aierr.WithCause(err))
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", aierr.Raise(aierr.UploadFailed, "upload returned no content reference")
	}
	return ref, nil
}

// requestBody encodes the f.req form value.
func geminiRequestBody(prompt string, contextIDs [3]string, imageRef, imageName string) (string, error) {
	message := []any{prompt}
	if imageRef != "" {
		message = []any{prompt, 0, nil, []any{[]any{[]any{imageRef, 1}, imageName}}}
	}
	inner, err := json.Marshal([]any{message, nil, contextIDs[:]})
	if err != nil {
		return "", err
	}
	outer, err := json.Marshal([]any{nil, string(inner)})
	if err != nil {
		return "", err
	}
	return string(outer), nil
}

func (g *Gemini) send(ctx context.Context, x *Exchange) error {
	meta, err := thread.Metadata[GeminiMetadata](g.threads)
	if err != nil {
		return err
	}

	var reply *stream.BatchReply
	err = x.Authorize(ctx, g.session, func(ctx context.Context, token string) error {
		var imageRef, imageName string
		if len(x.Images) == 1 {
			ref, err := g.upload(ctx, x.Images[0])
			if err != nil {
				return err
			}
			imageRef, imageName = ref, x.Images[0].Name
		}

		freq, err := geminiRequestBody(x.Prompt, meta.ContextIDs, imageRef, imageName)
		if err != nil {
			return aierr.Raise(aierr.InvalidRequest, "encoding gemini request", aierr.WithCause(err))
		}
		q := url.Values{
			"bl":     {meta.BlValue},
			"_reqid": {strconv.FormatInt(g.reqID.Add(100000), 10)},
			"rt":     {"c"},
			"f.sid":  {meta.SID},
		}
		r := transport.NewFormRequest(http.MethodPost, g.cfg.BaseURL+geminiGenerate+"?"+q.Encode(),
			url.Values{"at": {meta.AtValue}, "f.req": {freq}})
		r.Header = transport.Merge(r.Header, g.headers(token))

		x.Sent()
		body, err := g.http.Text(ctx, r)
		if err != nil {
			return err
		}
		reply, err = stream.ParseBatch(body)
		return err
	})
	if err != nil {
		return err
	}

	x.Update(model.AnswerUpdate{Text: reply.Text})
	if len(reply.Images) > 0 {
		x.Attach("images", reply.Images)
	}
	return thread.Update(g.threads, func(m *GeminiMetadata) { m.ContextIDs = reply.ContextIDs() })
}
