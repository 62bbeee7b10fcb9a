package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
	"github.com/capitalize-ai/conversation-bridge/pkg/metrics"
)

// ThreadsKey is the KV key holding the whole thread collection.
const ThreadsKey = "chat_threads"

// ThreadStore persists the ordered thread collection as a whole. There is no partial
// update: callers load, modify and save the full snapshot.
type ThreadStore interface {
	LoadAll(ctx context.Context) ([]model.ChatThread, error)
	SaveAll(ctx context.Context, threads []model.ChatThread) error
}

// KVThreadStore serializes the collection as one JSON array under a single key.
//
// Concurrent writers from separate processes are last-writer-wins; nothing here
// locks across load and save.
type KVThreadStore struct {
	kv     KV
	key    string
	logger *logger.Logger
}

// NewThreadStore creates a thread store backed by kv.
func NewThreadStore(kv KV, log *logger.Logger) *KVThreadStore {
	return &KVThreadStore{
		kv:     kv,
		key:    ThreadsKey,
		logger: logger.OrNop(log).Named("store"),
	}
}

// LoadAll returns every persisted thread. A missing key is an empty collection;
// an undecodable value is logged and also treated as empty so the caller can heal it.
func (s *KVThreadStore) LoadAll(ctx context.Context) ([]model.ChatThread, error) {
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		metrics.RecordStoreOp("load", nil)
		return []model.ChatThread{}, nil
	}
	if err != nil {
		metrics.RecordStoreOp("load", err)
		return nil, fmt.Errorf("loading threads: %w", err)
	}

	var threads []model.ChatThread
	if err := json.Unmarshal(data, &threads); err != nil {
		s.logger.Warn("discarding undecodable thread collection", zap.Error(err), zap.Int("bytes", len(data)))
		metrics.RecordStoreOp("load", err)
		return []model.ChatThread{}, nil
	}
	if threads == nil {
		threads = []model.ChatThread{}
	}
	metrics.RecordStoreOp("load", nil)
	return threads, nil
}

// SaveAll replaces the persisted collection.
func (s *KVThreadStore) SaveAll(ctx context.Context, threads []model.ChatThread) error {
	if threads == nil {
		threads = []model.ChatThread{}
	}
	data, err := json.Marshal(threads)
	if err != nil {
		return fmt.Errorf("encoding threads: %w", err)
	}
	err = s.kv.Put(ctx, s.key, data)
	metrics.RecordStoreOp("save", err)
	if err != nil {
		return fmt.Errorf("saving threads: %w", err)
	}
	s.logger.Debug("thread collection saved", zap.Int("threads", len(threads)))
	return nil
}
