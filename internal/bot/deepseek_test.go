package bot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
)

type deepSeekServer struct {
	*httptest.Server
	sessions    atomic.Int32
	completions atomic.Int32
	rejectOnce  atomic.Bool
	lastBody   map[string]any
	stream     string
}

func newDeepSeekServer(t *testing.T) *deepSeekServer {
	t.Helper()
	s := &deepSeekServer{stream: "event: ready\ndata: {\"request_message_id\":1,\"response_message_id\":2}\n\n" +
		"data: {\"p\":\"response/content\",\"o\":\"APPEND\",\"v\":\"hi\"}\n\n" +
		"data: {\"v\":\" there\"}\n\n" +
		"data: {\"p\":\"response/status\",\"o\":\"SET\",\"v\":\"FINISHED\"}\n\n" +
		"event: title\ndata: {\"content\":\"Greeting\"}\n\n" +
		"event: close\ndata: {}\n\n"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/chat_session/create", func(w http.ResponseWriter, r *http.Request) {
		n := s.sessions.Add(1)
		fmt.Fprintf(w, `{"code":0,"msg":"","data":{"biz_code":0,"biz_msg":"","biz_data":{"id":"sess-%d"}}}`, n)
	})
	mux.HandleFunc("/api/v0/chat/create_pow_challenge", func(w http.ResponseWriter, r *http.Request) {
		if s.rejectOnce.CompareAndSwap(true, false) {
			fmt.Fprint(w, `{"code":40003,"msg":"Authorization Failed (invalid token)","data":null}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"biz_code":0,"biz_data":{"challenge":{"algorithm":"DeepSeekHashV1",`+
			`"challenge":"seed","salt":"salt","difficulty":144000,"expire_at":1,"signature":"sig",`+
			`"target_path":"/api/v0/chat/completion"}}}}`)
	})
	mux.HandleFunc("/api/v0/chat/completion", func(w http.ResponseWriter, r *http.Request) {
		raw, err := base64.StdEncoding.DecodeString(r.Header.Get("X-Ds-Pow-Response"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var proof map[string]any
		if json.Unmarshal(raw, &proof) != nil || proof["answer"] != float64(42) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.completions.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&s.lastBody)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, s.stream)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestDeepSeek(t *testing.T, env *testEnv, srv *deepSeekServer) *DeepSeek {
	t.Helper()
	d, err := NewDeepSeek(context.Background(), env.deps, DeepSeekConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	return d
}

func TestDeepSeek_EndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	srv := newDeepSeekServer(t)
	d := newTestDeepSeek(t, env, srv)

	require.NoError(t, d.InitNewThread(ctx))
	created := d.CurrentThread()
	require.NotNil(t, created)
	assert.Equal(t, "sess-1", created.ID)

	rec := &recorder{}
	require.NoError(t, d.DoSendMessage(ctx, SendParams{Prompt: "hi", OnEvent: rec.handle}))

	assert.Equal(t, []string{"", "hi", "hi there"}, rec.answers())
	assert.Equal(t, model.EventDone, rec.last().Type)
	assert.Equal(t, 1, rec.terminals())

	th := d.CurrentThread()
	require.Len(t, th.Messages, 2)
	assert.Equal(t, model.RoleUser, th.Messages[0].Role)
	assert.Equal(t, "hi", th.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, th.Messages[1].Role)
	assert.Equal(t, "hi there", th.Messages[1].Content)
	assert.Greater(t, th.UpdatedAt, created.UpdatedAt)
	assert.Equal(t, "Greeting", th.Title)

	all, err := d.AllThreads(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, th.ID, all[0].ID)
	assert.Len(t, all[0].Messages, 2)

	meta, err := model.DecodeMetadata[DeepSeekMetadata](&all[0])
	require.NoError(t, err)
	assert.Equal(t, DeepSeekMetadata{ConversationID: "sess-1", ParentMessageID: 2}, meta)

	assert.Equal(t, "sess-1", srv.lastBody["chat_session_id"])
	assert.Nil(t, srv.lastBody["parent_message_id"])
	assert.Equal(t, false, srv.lastBody["thinking_enabled"])
}

func TestDeepSeek_SecondTurnCarriesParent(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	srv := newDeepSeekServer(t)
	d := newTestDeepSeek(t, env, srv)

	require.NoError(t, d.DoSendMessage(ctx, SendParams{Prompt: "hi"}))
	require.NoError(t, d.DoSendMessage(ctx, SendParams{Prompt: "again", Mode: "reasoning"}))

	assert.Equal(t, int32(1), srv.sessions.Load())
	assert.Equal(t, float64(2), srv.lastBody["parent_message_id"])
	assert.Equal(t, true, srv.lastBody["thinking_enabled"])
	assert.Len(t, d.CurrentThread().Messages, 4)
}

func TestDeepSeek_ReasoningAndFragments(t *testing.T) {
	env := newEnv(t)
	srv := newDeepSeekServer(t)
	srv.stream = "data: {\"v\":{\"response\":{\"fragments\":[{\"type\":\"THINK\",\"content\":\"hm\"}]}}}\n\n" +
		"data: {\"p\":\"response/fragments/-1/content\",\"o\":\"APPEND\",\"v\":\"m\"}\n\n" +
		"data: {\"p\":\"response/thinking_elapsed_secs\",\"o\":\"SET\",\"v\":3}\n\n" +
		"data: {\"p\":\"response/fragments\",\"o\":\"APPEND\",\"v\":[{\"type\":\"RESPONSE\",\"content\":\"An\"}]}\n\n" +
		"data: {\"v\":\"swer\"}\n\n" +
		"event: close\ndata: {}\n\n"
	d := newTestDeepSeek(t, env, srv)

	require.NoError(t, d.DoSendMessage(context.Background(), SendParams{Prompt: "think"}))
	reply := d.CurrentThread().LastAssistant()
	require.NotNil(t, reply)
	assert.Equal(t, "Answer", reply.Content)
	assert.Equal(t, "hmm", reply.ReasoningContent)
}

func TestDeepSeek_RetriesOnceOnRejectedToken(t *testing.T) {
	env := newEnv(t)
	srv := newDeepSeekServer(t)
	calls := 0
	env.deps.Broker = brokerFunc(func(_ context.Context, req auth.TokenRequest) (string, error) {
		calls++
		return fmt.Sprintf("token-%d", calls), nil
	})
	d := newTestDeepSeek(t, env, srv)
	require.NoError(t, d.InitNewThread(context.Background()))
	srv.rejectOnce.Store(true)

	rec := &recorder{}
	require.NoError(t, d.DoSendMessage(context.Background(), SendParams{Prompt: "hi", OnEvent: rec.handle}))
	assert.Equal(t, 2, calls)
	assert.Equal(t, model.EventDone, rec.last().Type)
}

func TestDeepSeek_BizErrorInStream(t *testing.T) {
	env := newEnv(t)
	srv := newDeepSeekServer(t)
	srv.stream = "data: {\"code\":40301,\"msg\":\"invalid prompt\"}\n\n"
	d := newTestDeepSeek(t, env, srv)

	rec := &recorder{}
	err := d.DoSendMessage(context.Background(), SendParams{Prompt: "hi", OnEvent: rec.handle})
	assert.True(t, aierr.IsKind(err, aierr.InvalidRequest))
	assert.Equal(t, model.EventError, rec.last().Type)
}

func TestDeepSeek_RejectedMidStreamEndsWithOneError(t *testing.T) {
	env := newEnv(t)
	srv := newDeepSeekServer(t)
	srv.stream = "event: ready\ndata: {\"request_message_id\":1,\"response_message_id\":2}\n\n" +
		"data: {\"p\":\"response/content\",\"o\":\"APPEND\",\"v\":\"hi\"}\n\n" +
		"data: {\"code\":40003,\"msg\":\"Authorization Failed\"}\n\n"
	d := newTestDeepSeek(t, env, srv)

	rec := &recorder{}
	err := d.DoSendMessage(context.Background(), SendParams{Prompt: "hi", OnEvent: rec.handle})
	assert.True(t, aierr.IsKind(err, aierr.Unauthorized))
	assert.Equal(t, int32(1), srv.completions.Load())
	assert.Equal(t, []string{"", "hi"}, rec.answers())
	assert.Equal(t, 1, rec.terminals())
	assert.Empty(t, d.CurrentThread().Messages)
}

func TestDeepSeekError(t *testing.T) {
	tests := []struct {
		code int
		msg  string
		want aierr.Kind
	}{
		{40003, "", aierr.Unauthorized},
		{429, "", aierr.RateLimitExceeded},
		{1, "Rate limit reached", aierr.RateLimitExceeded},
		{40300, "bad", aierr.InvalidRequest},
		{50000, "oops", aierr.ServiceUnavailable},
	}
	for _, tt := range tests {
		assert.True(t, aierr.IsKind(deepSeekError(tt.code, tt.msg), tt.want), "code %d", tt.code)
	}
}

func TestDeepSeek_SolverFailure(t *testing.T) {
	env := newEnv(t)
	env.deps.Solver = nil
	srv := newDeepSeekServer(t)
	d := newTestDeepSeek(t, env, srv)

	err := d.DoSendMessage(context.Background(), SendParams{Prompt: "hi"})
	assert.True(t, aierr.IsKind(err, aierr.PowChallengeFailed))
}
