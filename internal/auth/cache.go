package auth

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/store"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

// Cache holds retrieved tokens from process start until explicit invalidation.
// When a KV is attached, tokens are also persisted so a restart can reuse them.
// One Cache is shared by reference between the sessions that need it.
type Cache struct {
	mu     sync.Mutex
	tokens map[string]string
	kv     store.KV
	logger *logger.Logger
}

// NewCache creates a cache; kv may be nil for memory-only.
func NewCache(kv store.KV, log *logger.Logger) *Cache {
	return &Cache{
		tokens: make(map[string]string),
		kv:     kv,
		logger: logger.OrNop(log).Named("auth"),
	}
}

func cacheKey(service string) string {
	return "auth_token:" + service
}

// Get returns the cached token for service, consulting the persistent layer on a miss.
func (c *Cache) Get(ctx context.Context, service string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tokens[service]; ok {
		return t
	}
	if c.kv == nil {
		return ""
	}
	data, err := c.kv.Get(ctx, cacheKey(service))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("reading persisted token failed", zap.String("service", service), zap.Error(err))
		}
		return ""
	}
	c.tokens[service] = string(data)
	return string(data)
}

// Set stores token for service.
func (c *Cache) Set(ctx context.Context, service, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[service] = token
	if c.kv == nil {
		return
	}
	if err := c.kv.Put(ctx, cacheKey(service), []byte(token)); err != nil {
		c.logger.Warn("persisting token failed", zap.String("service", service), zap.Error(err))
	}
}

// Invalidate drops the token for service from both layers.
func (c *Cache) Invalidate(ctx context.Context, service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, service)
	if c.kv == nil {
		return
	}
	if err := c.kv.Delete(ctx, cacheKey(service)); err != nil {
		c.logger.Warn("deleting persisted token failed", zap.String("service", service), zap.Error(err))
	}
}
