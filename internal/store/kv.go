// Package store provides durable key-value backends and the thread collection built on them.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by KV.Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// KV is an opaque key to JSON-value store that survives process restarts.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryKV keeps values in process memory. It is not durable and is meant for tests
// and throwaway sessions.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Close() error { return nil }

// Backend names a KV implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendPebble Backend = "pebble"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
	// BackendNATS lives in a JetStream KV bucket and is opened by the nats package.
	BackendNATS Backend = "nats"
)

// Options selects and configures a local KV backend.
type Options struct {
	Backend  Backend
	Path     string
	Addr     string
	Password string
	DB       int
}

// Open opens the configured backend.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryKV(), nil
	case BackendFile:
		return NewFileKV(opts.Path)
	case BackendPebble:
		return NewPebbleKV(opts.Path)
	case BackendSQLite:
		return NewSQLiteKV(opts.Path)
	case BackendRedis:
		return NewRedisKV(ctx, opts.Addr, opts.Password, opts.DB)
	case BackendNATS:
		return nil, fmt.Errorf("store backend %q needs a NATS connection", opts.Backend)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
