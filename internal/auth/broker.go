// Package auth holds the auth-broker contract and the session refresh state machine
// every conversation model uses to obtain and renew its bearer token.
package auth

import (
	"context"
	"sync"
)

// TokenRequest asks the host to run a named extractor inside an authenticated context.
// The extractor is identified by name because it executes outside this process.
type TokenRequest struct {
	Service    string `json:"service"`
	Origin     string `json:"origin"`
	URLPattern string `json:"urlPattern"`
	Extractor  string `json:"extractor"`
	ForceFresh bool   `json:"forceFresh"`
}

// Broker retrieves tokens from an already-authenticated session. An empty string
// with a nil error means no token is available.
type Broker interface {
	GetToken(ctx context.Context, req TokenRequest) (string, error)
}

// StaticBroker serves tokens configured up front, keyed by service name.
type StaticBroker struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticBroker copies tokens into a new broker.
func NewStaticBroker(tokens map[string]string) *StaticBroker {
	b := &StaticBroker{tokens: make(map[string]string, len(tokens))}
	for k, v := range tokens {
		b.tokens[k] = v
	}
	return b
}

func (b *StaticBroker) GetToken(_ context.Context, req TokenRequest) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tokens[req.Service], nil
}

// Set replaces the token for service.
func (b *StaticBroker) Set(service, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[service] = token
}

// Chain tries brokers in order and returns the first non-empty token.
type Chain []Broker

func (c Chain) GetToken(ctx context.Context, req TokenRequest) (string, error) {
	var firstErr error
	for _, b := range c {
		token, err := b.GetToken(ctx, req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if token != "" {
			return token, nil
		}
	}
	return "", firstErr
}
