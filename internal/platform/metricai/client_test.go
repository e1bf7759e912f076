package metricai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:      srv.URL,
		APIKey:       "k-123",
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  2 * time.Second,
	})
}

func TestDefine(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/define", r.URL.Path)
		assert.Equal(t, "Bearer k-123", r.Header.Get("Authorization"))

		var req defineRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "define_only", req.Mode)

		if req.Description == "Best pizza" {
			_, _ = w.Write([]byte(`{"measurable":false,"rejection_reason":"subjective"}`))
			return
		}
		_, _ = w.Write([]byte(`{"measurable":true,"metric_definition":{"name":"Bitcoin price","unit":"USD","scope":"global","time_basis":"minute","measurement_method":"VWAP"}}`))
	}))
	ctx := context.Background()

	res, err := c.Define(ctx, "Current price of Bitcoin in USD")
	require.NoError(t, err)
	assert.True(t, res.Measurable)
	require.NotNil(t, res.Definition)
	assert.Equal(t, "Bitcoin price", res.Definition.Name)
	assert.Equal(t, "VWAP", res.Definition.MeasurementMethod)

	res, err = c.Define(ctx, "Best pizza")
	require.NoError(t, err)
	assert.False(t, res.Measurable)
	assert.Equal(t, "subjective", res.RejectionReason)
}

func TestDiscover(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/discover", r.URL.Path)
		var req discoverRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "full", req.Mode)
		assert.Equal(t, 2, req.SearchVariation)
		assert.Equal(t, []string{"https://denied.example"}, req.ExcludeURLs)

		_, _ = w.Write([]byte(`{
			"sources": {
				"primary_source": {"url": "https://www.coingecko.com/en/coins/bitcoin", "authority": "CoinGecko", "confidence": 1.4},
				"secondary_sources": [
					{"url": "https://www.kraken.com/prices/bitcoin", "authority": "Kraken", "confidence": 0.8},
					{"url": "", "authority": "broken", "confidence": 0.1}
				]
			},
			"search_results": [{"url": "https://news.example/btc", "title": "BTC", "snippet": "..."}]
		}`))
	}))

	res, err := c.Discover(context.Background(), domain.DiscoveryRequest{
		Description:     "Bitcoin price",
		SearchVariation: 2,
		ExcludeURLs:     []string{"https://denied.example"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Primary)
	assert.True(t, res.Primary.IsPrimary)
	assert.Equal(t, 1.0, res.Primary.Confidence)
	require.Len(t, res.Secondary, 1)
	assert.Equal(t, "Kraken", res.Secondary[0].Authority)
	assert.Len(t, res.SearchResults, 1)
	assert.Len(t, res.Candidates(), 2)
}

func TestValidatePollsUntilComplete(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate", func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Bitcoin price", req.Metric)
		assert.Equal(t, []string{"https://www.coingecko.com/en/coins/bitcoin"}, req.URLs)
		_, _ = w.Write([]byte(`{"job_id":"job-1","status":"pending"}`))
	})
	mux.HandleFunc("GET /validate/job-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"job_id":"job-1","status":"running"}`))
			return
		}
		_, _ = w.Write([]byte(`{"job_id":"job-1","status":"completed","result":{
			"value": 65000.12, "unit": "USD", "as_of": "2026-03-01T12:00:00Z",
			"confidence": 0.93, "asset_price_suggestion": "65000",
			"sources": [{"url": "https://www.coingecko.com/en/coins/bitcoin", "snippet": "$65,000.12"}]
		}}`))
	})
	c := newTestClient(t, mux)

	res, err := c.Validate(context.Background(), domain.ValidationRequest{
		Metric:  "Bitcoin price",
		URLs:    []string{"https://www.coingecko.com/en/coins/bitcoin"},
		Context: "Tracks Bitcoin price",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), polls.Load())
	assert.Equal(t, "65000.12", res.Value)
	assert.Equal(t, "65000", res.AssetPriceSuggestion)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), res.AsOf)
	require.Len(t, res.Sources, 1)
}

func TestValidateImmediateResult(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"job_id":"j","status":"completed","result":{"value":"42","unit":"count"}}`))
	}))
	res, err := c.Validate(context.Background(), domain.ValidationRequest{Metric: "m", URLs: []string{"https://x.test"}})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Value)
	assert.True(t, res.AsOf.IsZero())
}

func TestValidateJobFailed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"job_id":"j","status":"failed","error":"no numeric value found"}`))
	}))
	_, err := c.Validate(context.Background(), domain.ValidationRequest{Metric: "m", URLs: []string{"https://x.test"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no numeric value found")
}

func TestValidateTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"job_id":"slow","status":"running"}`))
	}))
	t.Cleanup(srv.Close)
	c := New(Options{BaseURL: srv.URL, PollInterval: 20 * time.Millisecond, PollTimeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := c.Validate(context.Background(), domain.ValidationRequest{Metric: "m", URLs: []string{"https://x.test"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrTransient), err.Error())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCheckHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusForbidden, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
		{http.StatusBadGateway, domain.ErrTransient},
	}
	for _, tt := range tests {
		err := checkHTTPStatus(tt.code, []byte("x"))
		assert.True(t, errors.Is(err, tt.want), "status %d", tt.code)
	}
	assert.NoError(t, checkHTTPStatus(http.StatusOK, nil))
	assert.Error(t, checkHTTPStatus(http.StatusBadRequest, nil))
}

func TestDefineServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	_, err := c.Define(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))
}

func TestOversizedResponseRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"measurable":true,"rejection_reason":"`))
		_, _ = w.Write(bytes.Repeat([]byte("a"), maxResponseBytes))
		_, _ = w.Write([]byte(`"}`))
	}))
	_, err := c.Define(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResponseTooLarge))
	assert.False(t, errors.Is(err, domain.ErrTransient))
}

func TestResponseAtLimitAccepted(t *testing.T) {
	prefix := []byte(`{"measurable":false,"rejection_reason":"`)
	suffix := []byte(`"}`)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(prefix)
		_, _ = w.Write(bytes.Repeat([]byte("a"), maxResponseBytes-len(prefix)-len(suffix)))
		_, _ = w.Write(suffix)
	}))
	res, err := c.Define(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, res.Measurable)
	assert.Len(t, res.RejectionReason, maxResponseBytes-len(prefix)-len(suffix))
}
