package bot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/pow"
	"github.com/capitalize-ai/conversation-bridge/internal/store"
	"github.com/capitalize-ai/conversation-bridge/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (r *recorder) handle(ev model.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) answers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == model.EventUpdateAnswer {
			out = append(out, ev.Answer.Text)
		}
	}
	return out
}

func (r *recorder) last() model.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type brokerFunc func(ctx context.Context, req auth.TokenRequest) (string, error)

func (f brokerFunc) GetToken(ctx context.Context, req auth.TokenRequest) (string, error) {
	return f(ctx, req)
}

func (r *recorder) terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

type testEnv struct {
	deps   Deps
	store  *store.KVThreadStore
	broker *auth.StaticBroker
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ts := store.NewThreadStore(store.NewMemoryKV(), nil)
	broker := auth.NewStaticBroker(map[string]string{
		DeepSeekName: "ds-token",
		ChatGPTName:  "gpt-token",
		"claude":     "claude-session",
		CopilotName:  "copilot-token",
		GeminiName:   "SID=abc",
	})
	var mu sync.Mutex
	ms := int64(1_000)
	return &testEnv{
		deps: Deps{
			Threads: ts,
			Broker:  broker,
			Solver: pow.SolverFunc(func(context.Context, pow.Challenge) (string, error) {
				return "42", nil
			}),
			HTTP: transport.New(transport.WithRetryWait(time.Millisecond)),
			Clock: func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				ms += 100
				return time.UnixMilli(ms)
			},
		},
		store:  ts,
		broker: broker,
	}
}

// fake is a backend whose protocol body is supplied by the test.
type fake struct {
	*Base
	inits int
	body  func(ctx context.Context, x *Exchange) error
}

type fakeMetadata struct {
	Remote string `json:"remote"`
}

func validFake(t *model.ChatThread) bool {
	m, err := model.DecodeMetadata[fakeMetadata](t)
	return err == nil && m.Remote != ""
}

func newFake(t *testing.T, env *testEnv, images bool) *fake {
	t.Helper()
	b, err := newBase(context.Background(), "fake", images, env.deps.withDefaults(), validFake)
	require.NoError(t, err)
	return &fake{Base: b, body: func(context.Context, *Exchange) error { return nil }}
}

func (f *fake) InitNewThread(ctx context.Context) error {
	f.inits++
	_, err := f.threads.Begin(ctx, fmt.Sprintf("t%d", f.inits), fakeMetadata{Remote: "r"})
	return err
}

func (f *fake) DoSendMessage(ctx context.Context, p SendParams) error {
	return f.exchange(ctx, p, f.InitNewThread, f.body)
}

func TestExchange_EventOrderAndPersistence(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	f := newFake(t, env, false)
	f.body = func(_ context.Context, x *Exchange) error {
		x.Sent()
		x.Update(model.AnswerUpdate{Text: "hi"})
		x.Update(model.AnswerUpdate{Text: "hi there"})
		return nil
	}

	rec := &recorder{}
	require.NoError(t, f.DoSendMessage(ctx, SendParams{Prompt: "hi", OnEvent: rec.handle}))

	assert.Equal(t, []model.EventType{
		model.EventUpdateAnswer, model.EventUpdateAnswer, model.EventUpdateAnswer, model.EventDone,
	}, rec.types())
	assert.Equal(t, []string{"", "hi", "hi there"}, rec.answers())
	assert.Equal(t, "t1", rec.last().ThreadID)
	assert.Equal(t, StateIdle, f.State())

	th := f.CurrentThread()
	require.NotNil(t, th)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, model.RoleUser, th.Messages[0].Role)
	assert.Equal(t, "hi", th.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, th.Messages[1].Role)
	assert.Equal(t, "hi there", th.Messages[1].Content)
	assert.Greater(t, th.UpdatedAt, th.CreatedAt)
	assert.Equal(t, "hi", th.Title)

	stored, err := f.AllThreads(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, th.Messages, stored[0].Messages)
}

func TestExchange_DropsNonMonotonicUpdates(t *testing.T) {
	env := newEnv(t)
	f := newFake(t, env, false)
	f.body = func(_ context.Context, x *Exchange) error {
		x.Update(model.AnswerUpdate{Text: "abc"})
		x.Update(model.AnswerUpdate{Text: "ab"})
		x.Update(model.AnswerUpdate{Text: "abc"})
		x.Update(model.AnswerUpdate{Text: "abcd"})
		return nil
	}

	rec := &recorder{}
	require.NoError(t, f.DoSendMessage(context.Background(), SendParams{Prompt: "p", OnEvent: rec.handle}))
	assert.Equal(t, []string{"", "abc", "abcd"}, rec.answers())
	assert.Equal(t, "abcd", f.CurrentThread().LastAssistant().Content)
}

func TestExchange_ErrorIsSingleTerminalEvent(t *testing.T) {
	env := newEnv(t)
	f := newFake(t, env, false)
	f.body = func(_ context.Context, x *Exchange) error {
		x.Update(model.AnswerUpdate{Text: "partial"})
		return aierr.Raise(aierr.RateLimitExceeded, "slow down")
	}

	rec := &recorder{}
	err := f.DoSendMessage(context.Background(), SendParams{Prompt: "p", OnEvent: rec.handle})
	assert.True(t, aierr.IsKind(err, aierr.RateLimitExceeded))
	assert.Equal(t, 1, rec.terminals())
	last := rec.last()
	require.Equal(t, model.EventError, last.Type)
	assert.Equal(t, aierr.RateLimitExceeded, last.Error.Kind)
	assert.Equal(t, StateErrored, f.State())
	assert.Empty(t, f.CurrentThread().Messages)
}

func TestExchange_UnknownErrorsAreWrapped(t *testing.T) {
	env := newEnv(t)
	f := newFake(t, env, false)
	f.body = func(context.Context, *Exchange) error { return fmt.Errorf("boom") }

	rec := &recorder{}
	err := f.DoSendMessage(context.Background(), SendParams{Prompt: "p", OnEvent: rec.handle})
	require.Error(t, err)
	assert.Equal(t, model.EventError, rec.last().Type)
	assert.True(t, rec.last().Error.Kind.Valid())
}

func TestExchange_CancellationIsSilent(t *testing.T) {
	env := newEnv(t)
	f := newFake(t, env, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.body = func(ctx context.Context, x *Exchange) error {
		x.Update(model.AnswerUpdate{Text: "a"})
		cancel()
		x.Update(model.AnswerUpdate{Text: "ab"})
		x.Title("ignored")
		return ctx.Err()
	}

	rec := &recorder{}
	require.NoError(t, f.DoSendMessage(ctx, SendParams{Prompt: "p", OnEvent: rec.handle}))
	assert.Equal(t, []string{"", "a"}, rec.answers())
	assert.Zero(t, rec.terminals())
	assert.Equal(t, StateIdle, f.State())

	stored, err := f.AllThreads(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Empty(t, stored[0].Messages)
}

func TestExchange_CancelledBodyReturningNilStillSilent(t *testing.T) {
	env := newEnv(t)
	f := newFake(t, env, false)
	ctx, cancel := context.WithCancel(context.Background())
	f.body = func(context.Context, *Exchange) error {
		cancel()
		return nil
	}

	rec := &recorder{}
	require.NoError(t, f.DoSendMessage(ctx, SendParams{Prompt: "p", OnEvent: rec.handle}))
	assert.Zero(t, rec.terminals())
}

func TestExchange_ImagesOnTextOnlyModel(t *testing.T) {
	env := newEnv(t)
	f := newFake(t, env, false)

	rec := &recorder{}
	err := f.DoSendMessage(context.Background(), SendParams{
		Prompt:  "look",
		Images:  []model.Image{{Name: "a.png", MimeType: "image/png", Data: []byte{1}}},
		OnEvent: rec.handle,
	})
	assert.True(t, aierr.IsKind(err, aierr.FeatureNotSupported))
	assert.Equal(t, []model.EventType{model.EventUpdateAnswer, model.EventError}, rec.types())
	assert.Equal(t, []string{""}, rec.answers())
	assert.Zero(t, f.inits)
}

func TestExchange_SelfHealsAfterExternalWipe(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	f := newFake(t, env, false)

	require.NoError(t, f.DoSendMessage(ctx, SendParams{Prompt: "one"}))
	require.NoError(t, env.store.SaveAll(ctx, nil))
	require.NoError(t, f.DoSendMessage(ctx, SendParams{Prompt: "two"}))

	assert.Equal(t, 2, f.inits)
	assert.Equal(t, "t2", f.CurrentThread().ID)
	assert.Len(t, f.CurrentThread().Messages, 2)
}

func TestExchange_ReusesMostRecentThread(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	f := newFake(t, env, false)
	require.NoError(t, f.DoSendMessage(ctx, SendParams{Prompt: "one"}))

	again := newFake(t, env, false)
	var history []model.ChatMessage
	again.body = func(_ context.Context, x *Exchange) error {
		history = x.History()
		return nil
	}
	require.NoError(t, again.DoSendMessage(ctx, SendParams{Prompt: "two"}))
	assert.Zero(t, again.inits)
	assert.Len(t, history, 2)
	assert.Len(t, again.CurrentThread().Messages, 4)
}

func TestNewBase_PurgesInvalidThreads(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	bad := model.NewThread("bad", "fake", time.UnixMilli(1))
	require.NoError(t, bad.SetMetadata(fakeMetadata{}))
	foreign := model.NewThread("other", "gemini", time.UnixMilli(1))
	require.NoError(t, env.store.SaveAll(ctx, []model.ChatThread{*bad, *foreign}))

	newFake(t, env, false)

	left, err := env.store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "other", left[0].ID)
}

func TestExchange_TitleAndSuggestions(t *testing.T) {
	env := newEnv(t)
	f := newFake(t, env, false)
	f.body = func(_ context.Context, x *Exchange) error {
		x.Update(model.AnswerUpdate{Text: "ok"})
		x.Title("  Greeting  ")
		x.Suggest([]string{"more?"})
		x.Attach("provider", "fake")
		return nil
	}

	rec := &recorder{}
	require.NoError(t, f.DoSendMessage(context.Background(), SendParams{Prompt: "p", OnEvent: rec.handle}))
	assert.Equal(t, []model.EventType{
		model.EventUpdateAnswer, model.EventUpdateAnswer, model.EventTitleUpdate,
		model.EventSuggestedResponses, model.EventDone,
	}, rec.types())

	th := f.CurrentThread()
	assert.Equal(t, "Greeting", th.Title)
	reply := th.LastAssistant()
	require.NotNil(t, reply)
	assert.Equal(t, []string{"more?"}, reply.Metadata["suggestedResponses"])
	assert.Equal(t, "fake", reply.Metadata["provider"])
}

type publishRecorder struct {
	mu      sync.Mutex
	threads []string
	types   []model.EventType
}

func (p *publishRecorder) Publish(_ context.Context, _, threadID string, ev model.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, threadID)
	p.types = append(p.types, ev.Type)
	return fmt.Errorf("publishing is best effort")
}

func TestExchange_PublishesEvents(t *testing.T) {
	env := newEnv(t)
	pub := &publishRecorder{}
	env.deps.Publisher = pub
	f := newFake(t, env, false)

	rec := &recorder{}
	require.NoError(t, f.DoSendMessage(context.Background(), SendParams{Prompt: "p", OnEvent: rec.handle}))
	assert.Equal(t, rec.types(), pub.types)
	for _, id := range pub.threads {
		assert.Equal(t, "t1", id)
	}
}

func TestDefaultTitle(t *testing.T) {
	assert.Equal(t, "hello world", defaultTitle("  hello \n world "))
	long := ""
	for i := 0; i < 60; i++ {
		long += "é"
	}
	got := defaultTitle(long)
	assert.Equal(t, maxDefaultTitle+1, len([]rune(got)))
	assert.Equal(t, "…", string([]rune(got)[maxDefaultTitle]))
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	f := newFake(t, env, false)
	f.body = func(_ context.Context, x *Exchange) error {
		assert.Equal(t, "reasoning", x.Mode)
		x.Update(model.AnswerUpdate{Text: "answer"})
		return nil
	}

	var seen int
	text, err := SendMessage(ctx, f, "q", WithMode("reasoning"), WithEventHandler(func(model.StatusEvent) { seen++ }))
	require.NoError(t, err)
	assert.Equal(t, "answer", text)
	assert.Equal(t, 3, seen)

	_, err = SendMessage(ctx, f, "q", WithThread("nope"))
	assert.True(t, aierr.IsKind(err, aierr.InvalidThreadID))

	f.body = func(context.Context, *Exchange) error { return aierr.Raise(aierr.ServiceUnavailable, "down") }
	_, err = SendMessage(ctx, f, "q", WithThread(f.CurrentThread().ID))
	assert.True(t, aierr.IsKind(err, aierr.ServiceUnavailable))
}
