// Package aierr defines the closed error taxonomy shared by every conversation backend.
package aierr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// Kind identifies a class of failure.
type Kind string

const (
	Unauthorized                Kind = "UNAUTHORIZED"
	MissingAPIKey               Kind = "MISSING_API_KEY"
	MissingHostPermission       Kind = "MISSING_HOST_PERMISSION"
	NetworkError                Kind = "NETWORK_ERROR"
	ServiceUnavailable          Kind = "SERVICE_UNAVAILABLE"
	RateLimitExceeded           Kind = "RATE_LIMIT_EXCEEDED"
	InvalidRequest              Kind = "INVALID_REQUEST"
	InvalidMetadata             Kind = "INVALID_METADATA"
	InvalidThreadID             Kind = "INVALID_THREAD_ID"
	UploadFailed                Kind = "UPLOAD_FAILED"
	UploadAmountExceeded        Kind = "UPLOAD_AMOUNT_EXCEEDED"
	ResponseParsingError        Kind = "RESPONSE_PARSING_ERROR"
	PowChallengeFailed          Kind = "POW_CHALLENGE_FAILED"
	MetadataInitializationError Kind = "METADATA_INITIALIZATION_ERROR"
	FeatureNotSupported         Kind = "FEATURE_NOT_SUPPORTED"
	ConversationLimit           Kind = "CONVERSATION_LIMIT"
	UnknownError                Kind = "UNKNOWN_ERROR"
)

var kinds = map[Kind]struct{}{
	Unauthorized: {}, MissingAPIKey: {}, MissingHostPermission: {}, NetworkError: {},
	ServiceUnavailable: {}, RateLimitExceeded: {}, InvalidRequest: {}, InvalidMetadata: {},
	InvalidThreadID: {}, UploadFailed: {}, UploadAmountExceeded: {}, ResponseParsingError: {},
	PowChallengeFailed: {}, MetadataInitializationError: {}, FeatureNotSupported: {},
	ConversationLimit: {}, UnknownError: {},
}

// Valid reports whether k belongs to the taxonomy.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Error is the only error type surfaced by conversation models.
type Error struct {
	Kind    Kind           `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: RateLimitExceeded}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sink receives a reported error before it is returned to the caller.
type Sink func(*Error)

// Option customizes a raised error.
type Option func(*raiseOptions)

type raiseOptions struct {
	cause   error
	context map[string]any
}

// WithCause attaches the underlying error for diagnostics.
func WithCause(err error) Option {
	return func(o *raiseOptions) { o.cause = err }
}

// WithContext attaches a diagnostic key/value pair.
func WithContext(key string, value any) Option {
	return func(o *raiseOptions) {
		if o.context == nil {
			o.context = make(map[string]any)
		}
		o.context[key] = value
	}
}

// Raise builds an *Error. Callers must return the result.
func Raise(kind Kind, message string, opts ...Option) error {
	var o raiseOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !kind.Valid() {
		kind = UnknownError
	}
	return &Error{Kind: kind, Message: message, Context: o.context, Cause: o.cause}
}

// Report sends an existing error through the taxonomy: foreign errors are wrapped,
// the sink (if any) is notified, and the taxonomy error is returned.
func Report(err error, sink Sink) error {
	if err == nil {
		return nil
	}
	e := Wrap(err)
	if sink != nil {
		sink(e)
	}
	return e
}

// Wrap converts any error into an *Error. Taxonomy errors pass through unchanged.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if isNetwork(err) {
		return &Error{Kind: NetworkError, Message: "network request failed", Cause: err}
	}
	return &Error{Kind: UnknownError, Message: err.Error(), Cause: err}
}

func isNetwork(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// KindOf returns the taxonomy kind of err, or UnknownError for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err != nil && isNetwork(err) {
		return NetworkError
	}
	return UnknownError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsTransient reports whether a single bounded retry may succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case NetworkError, ServiceUnavailable:
		return true
	}
	return false
}

// FromStatus maps an unexpected HTTP status to the taxonomy.
func FromStatus(code int, body string) error {
	msg := strings.TrimSpace(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", code)
	}
	opt := WithContext("status", code)
	switch {
	case code == 401 || code == 403:
		return Raise(Unauthorized, msg, opt)
	case code == 429:
		return Raise(RateLimitExceeded, msg, opt)
	case code == 400 || code == 404 || code == 413 || code == 422:
		return Raise(InvalidRequest, msg, opt)
	case code >= 500:
		return Raise(ServiceUnavailable, msg, opt)
	default:
		return Raise(UnknownError, msg, opt)
	}
}
