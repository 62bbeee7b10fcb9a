package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
)

func TestDo_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   aierr.Kind
	}{
		{http.StatusUnauthorized, aierr.Unauthorized},
		{http.StatusForbidden, aierr.Unauthorized},
		{http.StatusTooManyRequests, aierr.RateLimitExceeded},
		{http.StatusBadRequest, aierr.InvalidRequest},
		{http.StatusNotFound, aierr.InvalidRequest},
		{http.StatusTeapot, aierr.UnknownError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := New().Do(context.Background(), Request{Method: http.MethodPost, URL: srv.URL})
			assert.True(t, aierr.IsKind(err, tt.want), "got %v", err)
		})
	}
}

func TestDo_RetriesIdempotentOnceOn5xx(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct{ OK bool }
	err := New(WithRetryWait(time.Millisecond)).JSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.EqualValues(t, 2, hits.Load())
}

func TestDo_NeverRetriesMoreThanOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(WithRetryWait(time.Millisecond)).Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	assert.True(t, aierr.IsKind(err, aierr.ServiceUnavailable))
	assert.EqualValues(t, 2, hits.Load())
}

func TestDo_PostIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(WithRetryWait(time.Millisecond)).Do(context.Background(), Request{Method: http.MethodPost, URL: srv.URL})
	assert.True(t, aierr.IsKind(err, aierr.ServiceUnavailable))
	assert.EqualValues(t, 1, hits.Load())
}

func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(WithRetryWait(time.Millisecond)).Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	assert.True(t, aierr.IsKind(err, aierr.Unauthorized))
	assert.EqualValues(t, 1, hits.Load())
}

func TestDo_NetworkErrorIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(WithRetryWait(time.Millisecond)).Do(context.Background(), Request{Method: http.MethodPost, URL: addr})
	assert.True(t, aierr.IsKind(err, aierr.NetworkError), "got %v", err)
}

func TestDo_CanceledContextReturnsContextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := New().Do(ctx, Request{Method: http.MethodGet, URL: srv.URL})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestBuilders(t *testing.T) {
	var gotType, gotBody, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		_ = r.ParseForm()
		gotBody = r.PostForm.Get("at")
	}))
	defer srv.Close()

	_, err := New().Text(context.Background(), NewFormRequest(http.MethodPost, srv.URL, url.Values{"at": {"tok"}}))
	require.NoError(t, err)
	assert.Contains(t, gotType, "application/x-www-form-urlencoded")
	assert.Equal(t, "tok", gotBody)
	assert.Equal(t, DefaultUserAgent, gotUA)

	r, err := NewJSONRequest(http.MethodPost, srv.URL, map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(r.Body))
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
}

func TestBrowserHeaders(t *testing.T) {
	h := Bearer(BrowserHeaders("https://chat.deepseek.com/"), "tok")
	assert.Equal(t, "https://chat.deepseek.com", h.Get("Origin"))
	assert.Equal(t, "https://chat.deepseek.com/", h.Get("Referer"))
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
}
