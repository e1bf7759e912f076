package server

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
	"github.com/alanyoungcy/marketforge/internal/server/middleware"
)

type staticBond struct{}

func (staticBond) BondConfig(context.Context) (domain.BondConfig, error) {
	return domain.BondConfig{DefaultBondAmount: big.NewInt(1_000_000), CreationPenaltyBps: 100}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

func newTestServer(t *testing.T, cfg Config, limiter domain.RateLimiter) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, Handlers{
		Health: handler.NewHealthHandler(nil, logger),
		Bond:   handler.NewBondHandler(staticBond{}, logger),
	}, limiter, logger)
	return srv.Handler()
}

func TestRoutesAndAuth(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "k"}, nil)

	get := func(path string, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	assert.Equal(t, http.StatusUnauthorized, get("/api/bond/quote", "").Code)

	rec = get("/api/bond/quote", "k")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"fee":"10000"`)

	// Metrics are disabled in tests but the route is public.
	assert.Equal(t, http.StatusNotFound, get("/metrics", "").Code)

	// Unregistered handler groups leave their routes unmatched.
	assert.Equal(t, http.StatusNotFound, get("/api/pipelines", "k").Code)
}

func TestRateLimitInChain(t *testing.T) {
	h := newTestServer(t, Config{RateLimit: 1, RateLimitWindow: time.Second}, denyAll{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bond/quote", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
