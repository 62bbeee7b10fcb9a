package bot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
)

type claudeWebServer struct {
	*httptest.Server
	titles      atomic.Int32
	completions atomic.Int32
	stream string
	title  int
}

func newClaudeWebServer(t *testing.T) *claudeWebServer {
	t.Helper()
	s := &claudeWebServer{
		stream: "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
			"event: ping\ndata: {\"type\":\"ping\"}\n\n" +
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Bon\"}}\n\n" +
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"jour\"}}\n\n" +
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		title: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/organizations", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Cookie"), "sessionKey=claude-session") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `[{"uuid":"org-1","name":"Personal"}]`)
	})
	mux.HandleFunc("/api/organizations/org-1/chat_conversations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"uuid":"conv-1","name":""}`)
	})
	mux.HandleFunc("/api/organizations/org-1/chat_conversations/conv-1/completion", func(w http.ResponseWriter, r *http.Request) {
		s.completions.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, s.stream)
	})
	mux.HandleFunc("/api/organizations/org-1/chat_conversations/conv-1/title", func(w http.ResponseWriter, r *http.Request) {
		s.titles.Add(1)
		w.WriteHeader(s.title)
		fmt.Fprint(w, `{"title":"French greeting"}`)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestClaudeWeb_ExchangeAndTitle(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	srv := newClaudeWebServer(t)
	c, err := NewClaudeWeb(ctx, env.deps, ClaudeWebConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.DoSendMessage(ctx, SendParams{Prompt: "hello", OnEvent: rec.handle}))
	assert.Equal(t, []string{"", "Bon", "Bonjour"}, rec.answers())
	assert.Equal(t, []model.EventType{
		model.EventUpdateAnswer, model.EventUpdateAnswer, model.EventUpdateAnswer,
		model.EventTitleUpdate, model.EventDone,
	}, rec.types())

	th := c.CurrentThread()
	assert.Equal(t, "French greeting", th.Title)
	meta, err := model.DecodeMetadata[ClaudeWebMetadata](th)
	require.NoError(t, err)
	assert.Equal(t, ClaudeWebMetadata{OrganizationID: "org-1", ConversationID: "conv-1"}, meta)

	require.NoError(t, c.DoSendMessage(ctx, SendParams{Prompt: "again"}))
	assert.Equal(t, int32(1), srv.titles.Load())
}

func TestClaudeWeb_TitleFailureIsIgnored(t *testing.T) {
	env := newEnv(t)
	srv := newClaudeWebServer(t)
	srv.title = http.StatusInternalServerError
	c, err := NewClaudeWeb(context.Background(), env.deps, ClaudeWebConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.DoSendMessage(context.Background(), SendParams{Prompt: "hello", OnEvent: rec.handle}))
	assert.Equal(t, model.EventDone, rec.last().Type)
	assert.Equal(t, "hello", c.CurrentThread().Title)
}

func TestClaudeWeb_LegacyCompletionEvents(t *testing.T) {
	env := newEnv(t)
	srv := newClaudeWebServer(t)
	srv.stream = "data: {\"type\":\"completion\",\"completion\":\"Hi\"}\n\n" +
		"data: {\"type\":\"completion\",\"completion\":\" you\"}\n\n"
	c, err := NewClaudeWeb(context.Background(), env.deps, ClaudeWebConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, c.DoSendMessage(context.Background(), SendParams{Prompt: "hello"}))
	assert.Equal(t, "Hi you", c.CurrentThread().LastAssistant().Content)
}

func TestClaudeWeb_ErrorEvent(t *testing.T) {
	env := newEnv(t)
	srv := newClaudeWebServer(t)
	srv.stream = "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"exceeded_limit\",\"message\":\"limit reached\"}}\n\n"
	c, err := NewClaudeWeb(context.Background(), env.deps, ClaudeWebConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	rec := &recorder{}
	err = c.DoSendMessage(context.Background(), SendParams{Prompt: "hello", OnEvent: rec.handle})
	assert.True(t, aierr.IsKind(err, aierr.ConversationLimit))
	assert.Equal(t, "limit reached", rec.last().Error.Message)
}

func TestClaudeWeb_RejectedSession(t *testing.T) {
	env := newEnv(t)
	env.broker.Set("claude", "expired")
	srv := newClaudeWebServer(t)
	c, err := NewClaudeWeb(context.Background(), env.deps, ClaudeWebConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	err = c.DoSendMessage(context.Background(), SendParams{Prompt: "hello"})
	assert.True(t, aierr.IsKind(err, aierr.Unauthorized))
	assert.Nil(t, c.CurrentThread())
}

func TestClaudeWeb_RejectionAfterStreamingIsNotRetried(t *testing.T) {
	env := newEnv(t)
	srv := newClaudeWebServer(t)
	srv.stream = "data: {\"type\":\"completion\",\"completion\":\"Hello\"}\n\n" +
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"authentication_error\",\"message\":\"session expired\"}}\n\n"
	c, err := NewClaudeWeb(context.Background(), env.deps, ClaudeWebConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	rec := &recorder{}
	err = c.DoSendMessage(context.Background(), SendParams{Prompt: "hello", OnEvent: rec.handle})
	assert.True(t, aierr.IsKind(err, aierr.Unauthorized))
	assert.Equal(t, int32(1), srv.completions.Load())
	assert.Equal(t, []string{"", "Hello"}, rec.answers())
	assert.Equal(t, 1, rec.terminals())
	assert.Equal(t, model.EventError, rec.last().Type)

	th := c.CurrentThread()
	require.NotNil(t, th)
	assert.Empty(t, th.Messages)
}

func TestClaudeWeb_RejectionBeforeStreamingIsRetried(t *testing.T) {
	env := newEnv(t)
	srv := newClaudeWebServer(t)
	srv.stream = "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"authentication_error\",\"message\":\"session expired\"}}\n\n"
	c, err := NewClaudeWeb(context.Background(), env.deps, ClaudeWebConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	err = c.DoSendMessage(context.Background(), SendParams{Prompt: "hello"})
	assert.True(t, aierr.IsKind(err, aierr.Unauthorized))
	assert.Equal(t, int32(2), srv.completions.Load())
}
