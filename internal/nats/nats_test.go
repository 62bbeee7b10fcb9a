package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/pow"
	"github.com/capitalize-ai/conversation-bridge/internal/store"
)

type fakeRequester struct {
	subject string
	payload []byte
	reply   string
	err     error
}

func (f *fakeRequester) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject, f.payload = subj, data
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: []byte(f.reply)}, nil
}

func TestBroker_GetToken(t *testing.T) {
	nc := &fakeRequester{reply: `{"token":"abc"}`}
	tok, err := NewBroker(nc).GetToken(context.Background(), auth.TokenRequest{Service: "deepseek", ForceFresh: true})
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
	assert.Equal(t, TokenSubject, nc.subject)

	var sent auth.TokenRequest
	require.NoError(t, json.Unmarshal(nc.payload, &sent))
	assert.Equal(t, "deepseek", sent.Service)
	assert.True(t, sent.ForceFresh)
}

func TestBroker_ErrorReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  aierr.Kind
	}{
		{"permission", `{"error":"grant access to claude.ai","kind":"MISSING_HOST_PERMISSION"}`, nil, aierr.MissingHostPermission},
		{"unknown kind", `{"error":"boom","kind":"WAT"}`, nil, aierr.UnknownError},
		{"garbage", `not json`, nil, aierr.ResponseParsingError},
		{"no responders", "", nats.ErrNoResponders, aierr.Unauthorized},
		{"timeout", "", nats.ErrTimeout, aierr.NetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBroker(&fakeRequester{reply: tt.reply, err: tt.err}).GetToken(context.Background(), auth.TokenRequest{})
			assert.True(t, aierr.IsKind(err, tt.want), "got %v", err)
		})
	}
}

func TestSolver_Solve(t *testing.T) {
	nc := &fakeRequester{reply: `{"answer":"12345"}`}
	answer, err := NewSolver(nc).Solve(context.Background(), pow.Challenge{Service: "deepseek", Seed: "s", Difficulty: "1"})
	require.NoError(t, err)
	assert.Equal(t, "12345", answer)
	assert.Equal(t, SolveSubject, nc.subject)

	_, err = NewSolver(&fakeRequester{err: nats.ErrNoResponders}).Solve(context.Background(), pow.Challenge{})
	assert.True(t, aierr.IsKind(err, aierr.PowChallengeFailed))
}

func TestRequest_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBroker(&fakeRequester{err: context.Canceled}).GetToken(ctx, auth.TokenRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "bridge.events.deepseek.sess-1", EventSubject("deepseek", "sess-1"))
	assert.Equal(t, "bridge.events.claude-web.a_b_c", EventSubject("claude-web", "a.b*c"))
	assert.Equal(t, "bridge.events.gemini._", EventSubject("gemini", ""))
}

// memoryBucket implements the parts of jetstream.KeyValue the KV adapter uses.
type memoryBucket struct {
	jetstream.KeyValue
	data map[string][]byte
}

type memoryEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e memoryEntry) Value() []byte { return e.value }

func (b *memoryBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	v, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return memoryEntry{value: v}, nil
}

func (b *memoryBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.data[key] = value
	return uint64(len(b.data)), nil
}

func (b *memoryBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	if _, ok := b.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(b.data, key)
	return nil
}

func TestKV_Contract(t *testing.T) {
	ctx := context.Background()
	bucket := &memoryBucket{data: map[string][]byte{}}
	kv := &KV{kv: bucket}

	_, err := kv.Get(ctx, "auth_token:chatgpt")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, kv.Put(ctx, "auth_token:chatgpt", []byte(`"tok"`)))
	got, err := kv.Get(ctx, "auth_token:chatgpt")
	require.NoError(t, err)
	assert.Equal(t, `"tok"`, string(got))
	for key := range bucket.data {
		assert.NotContains(t, key, ":")
	}

	require.NoError(t, kv.Delete(ctx, "auth_token:chatgpt"))
	assert.NoError(t, kv.Delete(ctx, "auth_token:chatgpt"))
	_, err = kv.Get(ctx, "auth_token:chatgpt")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestKV_BacksThreadStore(t *testing.T) {
	ctx := context.Background()
	ts := store.NewThreadStore(&KV{kv: &memoryBucket{data: map[string][]byte{}}}, nil)
	threads, err := ts.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)
}
