package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/pow"
)

type chatGPTServer struct {
	*httptest.Server
	requirePoW bool
	proof      string
	body       map[string]any
	stream     []string
}

func newChatGPTServer(t *testing.T) *chatGPTServer {
	t.Helper()
	s := &chatGPTServer{stream: []string{
		`{"message":{"id":"u1","author":{"role":"user"},"content":{"content_type":"text","parts":["hi"]}},"conversation_id":"conv-1"}`,
		`{"message":{"id":"a1","author":{"role":"assistant"},"content":{"content_type":"text","parts":["Hel"]}},"conversation_id":"conv-1"}`,
		`{"p":"/message/content/parts/0","o":"append","v":"lo"}`,
		`{"v":" there"}`,
		`{"type":"title_generation","title":"Hello chat","conversation_id":"conv-1"}`,
		`[DONE]`,
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("/backend-api/sentinel/chat-requirements", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gpt-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"token":"req-token","proofofwork":{"required":%t,"seed":"0.42","difficulty":"0fffff"}}`, s.requirePoW)
	})
	mux.HandleFunc("/backend-api/conversation", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Openai-Sentinel-Chat-Requirements-Token") != "req-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		s.proof = r.Header.Get("Openai-Sentinel-Proof-Token")
		_ = json.NewDecoder(r.Body).Decode(&s.body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta_encoding\ndata: \"v1\"\n\n")
		for _, payload := range s.stream {
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestChatGPT_StreamAndMetadata(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	srv := newChatGPTServer(t)
	c, err := NewChatGPT(ctx, env.deps, ChatGPTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.DoSendMessage(ctx, SendParams{Prompt: "hi", OnEvent: rec.handle}))

	assert.Equal(t, []string{"", "Hel", "Hello", "Hello there"}, rec.answers())
	assert.Contains(t, rec.types(), model.EventTitleUpdate)
	assert.Equal(t, model.EventDone, rec.last().Type)
	assert.Empty(t, srv.proof)
	assert.NotContains(t, srv.body, "conversation_id")

	th := c.CurrentThread()
	assert.Equal(t, "Hello chat", th.Title)
	meta, err := model.DecodeMetadata[ChatGPTMetadata](th)
	require.NoError(t, err)
	assert.Equal(t, ChatGPTMetadata{ConversationID: "conv-1", ParentMessageID: "a1"}, meta)

	require.NoError(t, c.DoSendMessage(ctx, SendParams{Prompt: "again"}))
	assert.Equal(t, "conv-1", srv.body["conversation_id"])
	assert.Equal(t, "a1", srv.body["parent_message_id"])
}

func TestChatGPT_ProofOfWork(t *testing.T) {
	env := newEnv(t)
	var got pow.Challenge
	env.deps.Solver = pow.SolverFunc(func(_ context.Context, ch pow.Challenge) (string, error) {
		got = ch
		return "gAAAAB-proof", nil
	})
	srv := newChatGPTServer(t)
	srv.requirePoW = true
	c, err := NewChatGPT(context.Background(), env.deps, ChatGPTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, c.DoSendMessage(context.Background(), SendParams{Prompt: "hi"}))
	assert.Equal(t, "gAAAAB-proof", srv.proof)
	assert.Equal(t, pow.Challenge{Service: ChatGPTName, Seed: "0.42", Difficulty: "0fffff"}, got)
}

func TestChatGPT_ProofOfWorkFailure(t *testing.T) {
	env := newEnv(t)
	env.deps.Solver = pow.SolverFunc(func(context.Context, pow.Challenge) (string, error) { return "", nil })
	srv := newChatGPTServer(t)
	srv.requirePoW = true
	c, err := NewChatGPT(context.Background(), env.deps, ChatGPTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	rec := &recorder{}
	err = c.DoSendMessage(context.Background(), SendParams{Prompt: "hi", OnEvent: rec.handle})
	assert.True(t, aierr.IsKind(err, aierr.PowChallengeFailed))
	assert.Equal(t, model.EventError, rec.last().Type)
}

func TestChatGPT_ErrorPayload(t *testing.T) {
	env := newEnv(t)
	srv := newChatGPTServer(t)
	srv.stream = []string{`{"error":"Something went wrong"}`}
	c, err := NewChatGPT(context.Background(), env.deps, ChatGPTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	err = c.DoSendMessage(context.Background(), SendParams{Prompt: "hi"})
	assert.True(t, aierr.IsKind(err, aierr.ServiceUnavailable))
}

func TestChatGPT_NoAssistantMessage(t *testing.T) {
	env := newEnv(t)
	srv := newChatGPTServer(t)
	srv.stream = []string{`{"v":"orphan"}`, `[DONE]`}
	c, err := NewChatGPT(context.Background(), env.deps, ChatGPTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	err = c.DoSendMessage(context.Background(), SendParams{Prompt: "hi"})
	assert.True(t, aierr.IsKind(err, aierr.ResponseParsingError))
}

func TestChatGPT_UnauthorizedAfterRetry(t *testing.T) {
	env := newEnv(t)
	env.broker.Set(ChatGPTName, "stale")
	srv := newChatGPTServer(t)
	c, err := NewChatGPT(context.Background(), env.deps, ChatGPTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	err = c.DoSendMessage(context.Background(), SendParams{Prompt: "hi"})
	assert.True(t, aierr.IsKind(err, aierr.Unauthorized))
}

func TestChatGPT_AddPatchCarriesMessage(t *testing.T) {
	env := newEnv(t)
	srv := newChatGPTServer(t)
	srv.stream = []string{
		`{"p":"","o":"add","v":{"message":{"id":"a9","author":{"role":"assistant"},"content":{"content_type":"text","parts":[""]}},"conversation_id":"conv-9"}}`,
		`{"p":"/message/content/parts/0","o":"append","v":"Yo"}`,
		`{"o":"patch","v":[{"p":"/message/content/parts/0","o":"append","v":"!"}]}`,
		`[DONE]`,
	}
	c, err := NewChatGPT(context.Background(), env.deps, ChatGPTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, c.DoSendMessage(context.Background(), SendParams{Prompt: "hi"}))
	assert.Equal(t, "Yo!", c.CurrentThread().LastAssistant().Content)
	meta, err := model.DecodeMetadata[ChatGPTMetadata](c.CurrentThread())
	require.NoError(t, err)
	assert.Equal(t, "conv-9", meta.ConversationID)
	assert.Equal(t, "a9", meta.ParentMessageID)
}
