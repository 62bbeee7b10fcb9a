package thread

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/store"
)

type convMeta struct {
	ConversationID string `json:"conversationId"`
}

func hasConversationID(t *model.ChatThread) bool {
	m, err := model.DecodeMetadata[convMeta](t)
	return err == nil && m.ConversationID != ""
}

type fixedClock struct{ ms int64 }

func (c *fixedClock) now() time.Time {
	c.ms += 10
	return time.UnixMilli(c.ms)
}

func setup(t *testing.T) (*Manager, *store.KVThreadStore) {
	t.Helper()
	ts := store.NewThreadStore(store.NewMemoryKV(), nil)
	clock := &fixedClock{ms: 1000}
	return NewManager(ts, "deepseek", hasConversationID, nil, WithClock(clock.now)), ts
}

func seed(t *testing.T, ts store.ThreadStore, threads ...model.ChatThread) {
	t.Helper()
	require.NoError(t, ts.SaveAll(context.Background(), threads))
}

func thread(t *testing.T, id, modelName string, updated int64, meta any) model.ChatThread {
	t.Helper()
	th := model.ChatThread{ID: id, ModelName: modelName, UpdatedAt: updated, Messages: []model.ChatMessage{}}
	if meta != nil {
		require.NoError(t, th.SetMetadata(meta))
	}
	return th
}

func TestValidate_PurgesOnlyOwnInvalidThreads(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)
	seed(t, ts,
		thread(t, "good", "deepseek", 1, convMeta{ConversationID: "c"}),
		thread(t, "bad", "deepseek", 2, convMeta{}),
		thread(t, "nometa", "deepseek", 3, nil),
		thread(t, "other", "gemini", 4, nil),
	)

	removed, err := m.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := ts.LoadAll(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, th := range left {
		ids = append(ids, th.ID)
	}
	assert.Equal(t, []string{"good", "other"}, ids)
}

func TestValidate_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)
	seed(t, ts,
		thread(t, "good", "deepseek", 1, convMeta{ConversationID: "c"}),
		thread(t, "bad", "deepseek", 2, convMeta{}),
	)

	_, err := m.Validate(ctx)
	require.NoError(t, err)
	once, err := ts.LoadAll(ctx)
	require.NoError(t, err)

	removed, err := m.Validate(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
	twice, err := ts.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestLoadMostRecent_PicksMaxUpdatedAtAmongValid(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)
	seed(t, ts,
		thread(t, "old", "deepseek", 10, convMeta{ConversationID: "a"}),
		thread(t, "newest-invalid", "deepseek", 99, convMeta{}),
		thread(t, "recent", "deepseek", 50, convMeta{ConversationID: "b"}),
		thread(t, "foreign", "gemini", 100, convMeta{ConversationID: "x"}),
	)

	ok, err := m.LoadMostRecent(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "recent", m.Current().ID)
}

func TestLoad_UnknownAndInvalid(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)
	seed(t, ts, thread(t, "bad", "deepseek", 1, convMeta{}))

	err := m.Load(ctx, "missing")
	assert.True(t, aierr.IsKind(err, aierr.InvalidThreadID))
	err = m.Load(ctx, "bad")
	assert.True(t, aierr.IsKind(err, aierr.InvalidThreadID))
}

func TestBegin_PersistsImmediately(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)

	th, err := m.Begin(ctx, "t1", convMeta{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", th.ModelName)

	all, err := ts.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t1", all[0].ID)
}

func TestBegin_RejectsInvalidMetadata(t *testing.T) {
	m, _ := setup(t)
	_, err := m.Begin(context.Background(), "t1", convMeta{})
	assert.True(t, aierr.IsKind(err, aierr.MetadataInitializationError))
	assert.Nil(t, m.Current())
}

func TestSave_UpsertsIntoLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)
	_, err := m.Begin(ctx, "t1", convMeta{ConversationID: "c1"})
	require.NoError(t, err)

	// another writer adds a thread after ours was loaded
	all, _ := ts.LoadAll(ctx)
	all = append(all, thread(t, "external", "gemini", 1, nil))
	require.NoError(t, ts.SaveAll(ctx, all))

	m.Current().Title = "renamed"
	require.NoError(t, m.Save(ctx))

	all, err = ts.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "renamed", all[0].Title)
	assert.Equal(t, "external", all[1].ID)
}

func TestDelete_ClearsCurrent(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)
	_, err := m.Begin(ctx, "t1", convMeta{ConversationID: "c1"})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "t1"))
	assert.Nil(t, m.Current())
	all, _ := ts.LoadAll(ctx)
	assert.Empty(t, all)

	assert.NoError(t, m.Delete(ctx, "t1"))
}

func TestEnsure_CreatesWhenNothingValid(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)
	seed(t, ts, thread(t, "bad", "deepseek", 1, convMeta{}))

	calls := 0
	err := m.Ensure(ctx, func(ctx context.Context) error {
		calls++
		_, err := m.Begin(ctx, "fresh", convMeta{ConversationID: "remote"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "fresh", m.Current().ID)
}

func TestEnsure_HealsAfterExternalDeletion(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)
	_, err := m.Begin(ctx, "t1", convMeta{ConversationID: "c1"})
	require.NoError(t, err)

	// UI wipes the collection behind the model's back
	require.NoError(t, ts.SaveAll(ctx, nil))

	created := false
	err = m.Ensure(ctx, func(ctx context.Context) error {
		created = true
		_, err := m.Begin(ctx, "t2", convMeta{ConversationID: "c2"})
		return err
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "t2", m.Current().ID)
}

func TestEnsure_ReusesMostRecent(t *testing.T) {
	ctx := context.Background()
	m, ts := setup(t)
	seed(t, ts, thread(t, "t1", "deepseek", 5, convMeta{ConversationID: "c"}))

	err := m.Ensure(ctx, func(context.Context) error {
		t.Fatal("create must not run")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", m.Current().ID)
}

func TestEnsure_CreateWithoutThreadFails(t *testing.T) {
	m, _ := setup(t)
	err := m.Ensure(context.Background(), func(context.Context) error { return nil })
	assert.True(t, aierr.IsKind(err, aierr.MetadataInitializationError))
}

func TestUpdateMetadata(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t)
	_, err := m.Begin(ctx, "t1", convMeta{ConversationID: "c1"})
	require.NoError(t, err)

	require.NoError(t, Update(m, func(c *convMeta) { c.ConversationID = "c2" }))
	got, err := Metadata[convMeta](m)
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ConversationID)
}
