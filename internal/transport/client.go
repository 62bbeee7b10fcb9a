// Package transport is the outbound HTTP client every web backend talks through.
// It applies a request rate limit, maps unexpected statuses into the error taxonomy
// and retries idempotent requests once on transient failures.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
	"github.com/capitalize-ai/conversation-bridge/pkg/metrics"
)

const (
	// DefaultUserAgent mimics a desktop browser; several backends reject unknown agents.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

	maxErrorBody = 4096
)

// Client wraps net/http with rate limiting, status mapping and a single bounded retry.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    *logger.Logger
	retryWait time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit caps outbound requests per second. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = logger.OrNop(l).Named("transport") }
}

// WithRetryWait sets the initial wait before the single retry.
func WithRetryWait(d time.Duration) Option {
	return func(c *Client) { c.retryWait = d }
}

// New creates a client. Streaming responses rely on context cancellation, so the
// default client has no overall timeout.
func New(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{},
		userAgent: DefaultUserAgent,
		logger:    logger.NewNop(),
		retryWait: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient exposes the underlying client for SDKs that need one.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Request describes one outbound call. Body is held as bytes so a retry can replay it.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Idempotent allows the single transient retry for non-GET methods.
	Idempotent bool
}

// NewJSONRequest builds a request with a JSON-encoded body.
func NewJSONRequest(method, rawURL string, body any) (Request, error) {
	r := Request{Method: method, URL: rawURL, Header: http.Header{}}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return r, aierr.Raise(aierr.InvalidRequest, "encoding request body", aierr.WithCause(err))
		}
		r.Body = data
		r.Header.Set("Content-Type", "application/json")
	}
	return r, nil
}

// NewFormRequest builds a request with a url-encoded form body.
func NewFormRequest(method, rawURL string, form url.Values) Request {
	r := Request{Method: method, URL: rawURL, Header: http.Header{}, Body: []byte(form.Encode())}
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	return r
}

func (r Request) retryable() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return r.Idempotent
}

// Do sends r and returns the response when its status is 2xx. Any other status is
// drained and returned as a taxonomy error. The caller closes the body.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	if !r.retryable() {
		return c.once(ctx, r)
	}

	var resp *http.Response
	op := func() error {
		var err error
		resp, err = c.once(ctx, r)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !aierr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		c.logger.Info("transient upstream failure, retrying once",
			zap.String("url", redact(r.URL)), zap.Error(err))
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryWait
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) once(ctx context.Context, r Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, aierr.Raise(aierr.RateLimitExceeded, "outbound rate limit", aierr.WithCause(err))
		}
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, aierr.Raise(aierr.InvalidRequest, "building request", aierr.WithCause(err))
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.UpstreamRequests.WithLabelValues(req.URL.Host, "error").Inc()
		return nil, aierr.Wrap(err)
	}
	metrics.UpstreamRequests.WithLabelValues(req.URL.Host, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("upstream rejected request",
			zap.String("url", redact(r.URL)), zap.Int("status", resp.StatusCode))
		return nil, aierr.FromStatus(resp.StatusCode, string(data))
	}
	return resp, nil
}

// JSON sends r and decodes a 2xx body into out.
func (c *Client) JSON(ctx context.Context, r Request, out any) error {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return aierr.Raise(aierr.ResponseParsingError, "empty response body")
		}
		return aierr.Raise(aierr.ResponseParsingError, "decoding response body", aierr.WithCause(err))
	}
	return nil
}

// Text sends r and returns the whole 2xx body.
func (c *Client) Text(ctx context.Context, r Request) (string, error) {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", aierr.Wrap(err)
	}
	return string(data), nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	return u.String()
}
