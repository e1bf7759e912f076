package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h := Auth("s3cret")(okHandler)

	tests := []struct {
		name   string
		method string
		target string
		header map[string]string
		want   int
	}{
		{"missing token", http.MethodGet, "/api/pipelines", nil, http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/api/pipelines", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key header", http.MethodGet, "/api/pipelines", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"bearer", http.MethodPost, "/api/pipelines", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"health is public", http.MethodGet, "/api/health", nil, http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", nil, http.StatusOK},
		{"preflight skips auth", http.MethodOptions, "/api/pipelines", nil, http.StatusOK},
		{"ws query key", http.MethodGet, "/ws/pipelines/p-1?api_key=s3cret", nil, http.StatusOK},
		{"query key only on ws", http.MethodGet, "/api/pipelines?api_key=s3cret", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, serve(h, req).Code)
		})
	}

	assert.Equal(t, http.StatusOK, serve(Auth("")(okHandler), httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)).Code)
}

type countingLimiter struct {
	mu    sync.Mutex
	seen  map[string]int
	err   error
	calls int
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	l.seen[key]++
	return l.seen[key] <= limit, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{}
	h := RateLimit(lim, 2, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))(okHandler)

	from := func(ip, path string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		return req
	}

	assert.Equal(t, http.StatusOK, serve(h, from("1.2.3.4", "/api/pipelines")).Code)
	assert.Equal(t, http.StatusOK, serve(h, from("1.2.3.4", "/api/pipelines")).Code)
	rec := serve(h, from("1.2.3.4", "/api/pipelines"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(h, from("5.6.7.8", "/api/pipelines")).Code, "limits are per client")
	assert.Equal(t, http.StatusOK, serve(h, from("1.2.3.4", "/api/health")).Code, "health is exempt")
	assert.Equal(t, 3, lim.seen["ratelimit:api:1.2.3.4"])
}

func TestRateLimitFailsOpen(t *testing.T) {
	lim := &countingLimiter{err: errors.New("redis: connection refused")}
	h := RateLimit(lim, 1, time.Second, nil)(okHandler)

	for range 3 {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)).Code)
	}
	assert.Equal(t, 3, lim.calls)
}

func TestRateLimitDisabled(t *testing.T) {
	lim := &countingLimiter{}
	h := RateLimit(lim, 0, time.Second, nil)(okHandler)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)).Code)
	assert.Zero(t, lim.calls)

	h = RateLimit(nil, 5, time.Second, nil)(okHandler)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)).Code)
}

func TestLoggingRequestIDAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	failing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := Logging(logger)(failing)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/ws/pipelines/p-1?api_key=s3cret&after=4", nil))
	id := rec.Header().Get(RequestIDHeader)
	require.Len(t, id, 36)

	out := buf.String()
	assert.Contains(t, out, `"request_id":"`+id+`"`)
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"status":502`)
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "REDACTED")

	buf.Reset()
	req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
	req.Header.Set(RequestIDHeader, "client-chosen")
	rec = serve(Logging(logger)(okHandler), req)
	assert.Equal(t, "client-chosen", rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"level":"INFO"`)

	req = httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	rec = serve(Logging(logger)(okHandler), req)
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com/"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, RequestIDHeader, rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"), "methods are only advertised on preflight")

	req = httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Vary"), "same-origin requests pass untouched")
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/pipelines/p-1", nil)
	req.Header.Set("Origin", "https://APP.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec := serve(h, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://APP.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.NotContains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPut)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), RequestIDHeader)
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodOptions, "/api/pipelines", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestCORSWebSocketOrigin(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(Auth("s3cret")(okHandler))

	upgrade := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/ws/pipelines/p-1?api_key=s3cret", nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	assert.Equal(t, http.StatusOK, serve(h, upgrade("https://app.example.com")).Code)
	assert.Equal(t, http.StatusOK, serve(h, upgrade("")).Code, "non-browser clients send no origin")

	rec := serve(h, upgrade("https://evil.example.com"))
	assert.Equal(t, http.StatusForbidden, rec.Code, "a leaked api_key is useless from another site")
	assert.JSONEq(t, `{"error":"origin not allowed"}`, rec.Body.String())

	open := CORS(nil)(okHandler)
	assert.Equal(t, http.StatusOK, serve(open, upgrade("https://evil.example.com")).Code)
}
