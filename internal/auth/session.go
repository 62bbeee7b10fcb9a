package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
	"github.com/capitalize-ai/conversation-bridge/pkg/metrics"
)

// State is the token lifecycle of one Session.
type State string

const (
	StateNoToken    State = "NO_TOKEN"
	StateRetrieving State = "RETRIEVING"
	StateHaveToken  State = "HAVE_TOKEN"
	StateRejected   State = "EXPIRED_OR_REJECTED"
)

// Session drives NO_TOKEN → RETRIEVING → HAVE_TOKEN → (EXPIRED_OR_REJECTED → RETRIEVING)
// for one backend. It is used from a single exchange at a time.
type Session struct {
	broker Broker
	cache  *Cache
	req    TokenRequest
	logger *logger.Logger
	now    func() time.Time

	state State
}

// NewSession creates a session for req.Service. A nil cache gets a private one.
func NewSession(broker Broker, cache *Cache, req TokenRequest, log *logger.Logger) *Session {
	if cache == nil {
		cache = NewCache(nil, log)
	}
	return &Session{
		broker: broker,
		cache:  cache,
		req:    req,
		logger: logger.OrNop(log).Named("auth").With(zap.String("service", req.Service)),
		now:    time.Now,
		state:  StateNoToken,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Service returns the backend service name.
func (s *Session) Service() string { return s.req.Service }

// Ensure returns a usable token, retrieving one lazily on first use or after rejection.
func (s *Session) Ensure(ctx context.Context) (string, error) {
	if token := s.cache.Get(ctx, s.req.Service); token != "" {
		if !Expired(token, s.now()) {
			s.state = StateHaveToken
			return token, nil
		}
		s.logger.Info("cached token expired")
		s.cache.Invalidate(ctx, s.req.Service)
		s.state = StateRejected
	}
	reason := "initial"
	if s.state == StateRejected {
		reason = "refresh"
	}
	return s.retrieve(ctx, s.state == StateRejected, reason)
}

func (s *Session) retrieve(ctx context.Context, forceFresh bool, reason string) (string, error) {
	s.state = StateRetrieving
	metrics.TokenRefreshes.WithLabelValues(s.req.Service, reason).Inc()

	req := s.req
	req.ForceFresh = forceFresh
	token, err := s.broker.GetToken(ctx, req)
	if err != nil {
		s.state = StateNoToken
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if aierr.IsKind(err, aierr.MissingHostPermission) {
			return "", err
		}
		return "", aierr.Raise(aierr.Unauthorized, "token retrieval failed", aierr.WithCause(err),
			aierr.WithContext("service", s.req.Service))
	}
	if token == "" {
		s.state = StateNoToken
		return "", aierr.Raise(aierr.Unauthorized, "no authenticated session for "+s.req.Service,
			aierr.WithContext("origin", s.req.Origin))
	}

	s.cache.Set(ctx, s.req.Service, token)
	s.state = StateHaveToken
	s.logger.Debug("token retrieved", zap.String("reason", reason))
	return token, nil
}

// Invalidate marks the cached token rejected.
func (s *Session) Invalidate(ctx context.Context) {
	s.cache.Invalidate(ctx, s.req.Service)
	s.state = StateRejected
}

// committedError marks a failure that arrived after the upstream response began.
type committedError struct{ err error }

func (c committedError) Error() string { return c.err.Error() }
func (c committedError) Unwrap() error { return c.err }

// Committed marks err as raised after the upstream produced output. Do never retries it.
func Committed(err error) error {
	if err == nil {
		return nil
	}
	return committedError{err: err}
}

// Do runs fn with a token. If fn fails with UNAUTHORIZED before committing, the token
// is invalidated, a fresh one retrieved and fn retried exactly once.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	token, err := s.Ensure(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, token)
	var committed committedError
	if errors.As(err, &committed) {
		if aierr.IsKind(committed.err, aierr.Unauthorized) {
			s.Invalidate(ctx)
		}
		return committed.err
	}
	if err == nil || !aierr.IsKind(err, aierr.Unauthorized) || ctx.Err() != nil {
		return err
	}

	s.logger.Info("token rejected, refreshing once", zap.Error(err))
	s.Invalidate(ctx)
	token, rerr := s.retrieve(ctx, true, "rejected")
	if rerr != nil {
		return rerr
	}
	return fn(ctx, token)
}

// Expired reports whether token is a JWT whose exp claim has passed. Opaque tokens
// are never considered expired here; the backend decides.
func Expired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}
