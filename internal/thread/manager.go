// Package thread implements the thread lifecycle shared by every conversation model:
// validation of stored metadata, current-thread selection and whole-collection saves.
package thread

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/store"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
	"github.com/capitalize-ai/conversation-bridge/pkg/metrics"
)

// Validator decides whether a thread's metadata is well-formed enough to use.
type Validator func(t *model.ChatThread) bool

// Manager owns the current thread of one conversation model and mediates all of its
// store access. It is not safe for concurrent sends.
type Manager struct {
	store     store.ThreadStore
	modelName string
	valid     Validator
	logger    *logger.Logger
	now       func() time.Time

	current *model.ChatThread
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager for modelName. A nil validator accepts every thread.
func NewManager(ts store.ThreadStore, modelName string, valid Validator, log *logger.Logger, opts ...Option) *Manager {
	if valid == nil {
		valid = func(*model.ChatThread) bool { return true }
	}
	m := &Manager{
		store:     ts,
		modelName: modelName,
		valid:     valid,
		logger:    logger.OrNop(log).Named("thread").With(zap.String("model", modelName)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ModelName returns the owning model tag.
func (m *Manager) ModelName() string { return m.modelName }

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.now() }

// Current returns the in-memory current thread, or nil.
func (m *Manager) Current() *model.ChatThread { return m.current }

// IsValid applies the validity predicate to t.
func (m *Manager) IsValid(t *model.ChatThread) bool {
	return t != nil && t.ModelName == m.modelName && m.valid(t)
}

// Validate purges this model's threads whose metadata fails the predicate. Threads of
// other models are left untouched. It returns how many threads were removed and only
// writes when something changed, so running it twice equals running it once.
func (m *Manager) Validate(ctx context.Context) (int, error) {
	threads, err := m.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	kept := make([]model.ChatThread, 0, len(threads))
	removed := 0
	for i := range threads {
		t := &threads[i]
		if t.ModelName == m.modelName && !m.valid(t) {
			m.logger.Info("purging thread with invalid metadata", zap.String("thread_id", t.ID))
			removed++
			continue
		}
		kept = append(kept, *t)
	}
	if removed == 0 {
		return 0, nil
	}

	metrics.ThreadsPurged.WithLabelValues(m.modelName).Add(float64(removed))
	if err := m.store.SaveAll(ctx, kept); err != nil {
		return 0, err
	}
	if m.current != nil && !m.valid(m.current) {
		m.current = nil
	}
	return removed, nil
}

// All returns this model's valid threads in stored order.
func (m *Manager) All(ctx context.Context) ([]model.ChatThread, error) {
	threads, err := m.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.ChatThread, 0, len(threads))
	for i := range threads {
		if m.IsValid(&threads[i]) {
			out = append(out, threads[i])
		}
	}
	return out, nil
}

// Load makes the stored thread with id current. Unknown ids and threads failing the
// predicate raise INVALID_THREAD_ID.
func (m *Manager) Load(ctx context.Context, id string) error {
	threads, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	for i := range threads {
		t := &threads[i]
		if t.ID != id || t.ModelName != m.modelName {
			continue
		}
		if !m.valid(t) {
			return aierr.Raise(aierr.InvalidThreadID, fmt.Sprintf("thread %s has invalid metadata", id))
		}
		m.current = t.Clone()
		return nil
	}
	return aierr.Raise(aierr.InvalidThreadID, fmt.Sprintf("thread %s not found", id))
}

// LoadMostRecent makes the valid thread with the largest UpdatedAt current.
// It reports false when there is none.
func (m *Manager) LoadMostRecent(ctx context.Context) (bool, error) {
	threads, err := m.All(ctx)
	if err != nil {
		return false, err
	}
	var best *model.ChatThread
	for i := range threads {
		if best == nil || threads[i].UpdatedAt > best.UpdatedAt {
			best = &threads[i]
		}
	}
	if best == nil {
		return false, nil
	}
	m.current = best.Clone()
	return true, nil
}

// Begin replaces the current thread with a fresh one carrying metadata and persists it.
func (m *Manager) Begin(ctx context.Context, id string, metadata any) (*model.ChatThread, error) {
	t := model.NewThread(id, m.modelName, m.now())
	if metadata != nil {
		if err := t.SetMetadata(metadata); err != nil {
			return nil, aierr.Raise(aierr.InvalidMetadata, "encoding thread metadata", aierr.WithCause(err))
		}
	}
	if !m.valid(t) {
		return nil, aierr.Raise(aierr.MetadataInitializationError, "new thread failed validation")
	}
	m.current = t
	if err := m.Save(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("thread created", zap.String("thread_id", id))
	return t, nil
}

// Save upserts the current thread into the latest stored snapshot.
func (m *Manager) Save(ctx context.Context) error {
	if m.current == nil {
		return nil
	}
	threads, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range threads {
		if threads[i].ID == m.current.ID && threads[i].ModelName == m.modelName {
			threads[i] = *m.current.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		threads = append(threads, *m.current.Clone())
	}
	return m.store.SaveAll(ctx, threads)
}

// Delete removes the thread with id. Deleting the current thread clears it, so the next
// send heals by creating a new one.
func (m *Manager) Delete(ctx context.Context, id string) error {
	threads, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	kept := threads[:0]
	found := false
	for _, t := range threads {
		if t.ID == id && t.ModelName == m.modelName {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	if m.current != nil && m.current.ID == id {
		m.current = nil
	}
	if !found {
		return nil
	}
	return m.store.SaveAll(ctx, kept)
}

// Ensure guarantees a valid current thread before a send. The current thread is
// re-checked against the store because other writers may have deleted or replaced it.
// When no valid thread exists, create is called to run the backend handshake.
func (m *Manager) Ensure(ctx context.Context, create func(ctx context.Context) error) error {
	if m.current != nil {
		if err := m.Load(ctx, m.current.ID); err == nil {
			return nil
		}
		m.logger.Info("current thread vanished or became invalid", zap.String("thread_id", m.current.ID))
		m.current = nil
	} else {
		ok, err := m.LoadMostRecent(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	if err := create(ctx); err != nil {
		return err
	}
	if !m.IsValid(m.current) {
		return aierr.Raise(aierr.MetadataInitializationError, "thread initialization produced no valid thread")
	}
	return nil
}

// Update applies fn to the current thread's metadata variant and stores the result.
func Update[T any](m *Manager, fn func(*T)) error {
	if m.current == nil {
		return aierr.Raise(aierr.InvalidThreadID, "no current thread")
	}
	v, err := model.DecodeMetadata[T](m.current)
	if err != nil {
		return aierr.Raise(aierr.InvalidMetadata, "decoding thread metadata", aierr.WithCause(err))
	}
	fn(&v)
	if err := m.current.SetMetadata(v); err != nil {
		return aierr.Raise(aierr.InvalidMetadata, "encoding thread metadata", aierr.WithCause(err))
	}
	return nil
}

// Metadata decodes the current thread's metadata variant.
func Metadata[T any](m *Manager) (T, error) {
	var zero T
	if m.current == nil {
		return zero, aierr.Raise(aierr.InvalidThreadID, "no current thread")
	}
	v, err := model.DecodeMetadata[T](m.current)
	if err != nil {
		return zero, aierr.Raise(aierr.InvalidMetadata, "decoding thread metadata", aierr.WithCause(err))
	}
	return v, nil
}
