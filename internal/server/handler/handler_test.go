package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/discovery"
	"github.com/alanyoungcy/marketforge/internal/domain"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakePipelines struct {
	mu        sync.Mutex
	recs      map[string]domain.PipelineRecord
	launched  []domain.MarketDraft
	launchErr error
}

func newFakePipelines() *fakePipelines {
	return &fakePipelines{recs: make(map[string]domain.PipelineRecord)}
}

func (f *fakePipelines) Launch(_ context.Context, draft domain.MarketDraft) (domain.PipelineRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return domain.PipelineRecord{}, f.launchErr
	}
	if err := draft.CheckComplete(); err != nil {
		return domain.PipelineRecord{}, err
	}
	f.launched = append(f.launched, draft)
	rec := domain.PipelineRecord{
		ID:     fmt.Sprintf("p-%d", len(f.launched)),
		Mode:   "direct",
		Status: domain.PipelineStatusPending,
		Draft:  draft,
	}
	f.recs[rec.ID] = rec
	return rec, nil
}

func (f *fakePipelines) Get(_ context.Context, id string) (domain.PipelineRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return domain.PipelineRecord{}, fmt.Errorf("registry: get %s: %w", id, domain.ErrPipelineNotFound)
	}
	return rec, nil
}

func (f *fakePipelines) List(_ context.Context, opts domain.ListOpts) ([]domain.PipelineRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PipelineRecord
	for _, rec := range f.recs {
		out = append(out, rec)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakePipelines) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return fmt.Errorf("registry: cancel %s: %w", id, domain.ErrPipelineNotFound)
	}
	rec.Status = domain.PipelineStatusCancelled
	f.recs[id] = rec
	return nil
}

type fakeEvents map[string][]domain.ProgressEvent

func (f fakeEvents) Events(_ context.Context, id string, after int64) ([]domain.ProgressEvent, error) {
	var out []domain.ProgressEvent
	for _, ev := range f[id] {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeDefiner struct{}

func (fakeDefiner) Define(_ context.Context, text string) (domain.DefinitionResult, error) {
	if strings.Contains(strings.ToLower(text), "bitcoin") {
		return domain.DefinitionResult{Measurable: true, Definition: &domain.MetricDefinition{
			Name: "Bitcoin price", Unit: "USD", Scope: "global spot", TimeBasis: "current",
			MeasurementMethod: "exchange-weighted average",
		}}, nil
	}
	return domain.DefinitionResult{Measurable: false, RejectionReason: "subjective"}, nil
}

type fakeDiscoverer struct{}

func (fakeDiscoverer) Discover(context.Context, domain.DiscoveryRequest) (domain.DiscoveryResult, error) {
	return domain.DiscoveryResult{
		Primary:   &domain.SourceCandidate{URL: "https://www.coingecko.com/en/coins/bitcoin", Authority: "CoinGecko", Confidence: 0.9},
		Secondary: []domain.SourceCandidate{{URL: "https://www.kraken.com/prices/bitcoin", Authority: "Kraken", Confidence: 0.8}},
	}, nil
}

type fakeValidator struct{}

func (fakeValidator) Validate(_ context.Context, req domain.ValidationRequest) (domain.ValidationResult, error) {
	return domain.ValidationResult{
		Value: "65,000.12", Unit: "USD", AsOf: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Confidence: 0.9, AssetPriceSuggestion: "65000",
		Sources: []domain.EvidenceSource{{URL: req.URLs[0]}},
	}, nil
}

type fakeMarkets struct {
	byTx map[string]domain.DeployedMarket
}

func (f fakeMarkets) Upsert(context.Context, domain.DeployedMarket) error { return nil }

func (f fakeMarkets) GetByTxHash(_ context.Context, tx string) (domain.DeployedMarket, error) {
	m, ok := f.byTx[tx]
	if !ok {
		return domain.DeployedMarket{}, domain.ErrNotFound
	}
	return m, nil
}

func (f fakeMarkets) GetByAddress(_ context.Context, addr string) (domain.DeployedMarket, error) {
	for _, m := range f.byTx {
		if strings.EqualFold(m.MarketAddress, addr) {
			return m, nil
		}
	}
	return domain.DeployedMarket{}, domain.ErrNotFound
}

func (f fakeMarkets) List(context.Context, domain.ListOpts) ([]domain.DeployedMarket, error) {
	var out []domain.DeployedMarket
	for _, m := range f.byTx {
		out = append(out, m)
	}
	return out, nil
}

type fakeBondSource struct {
	cfg domain.BondConfig
	err error
}

func (f fakeBondSource) BondConfig(context.Context) (domain.BondConfig, error) { return f.cfg, f.err }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testAPI struct {
	mux       *http.ServeMux
	pipelines *fakePipelines
	sessions  *discovery.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	api := &testAPI{
		mux:       http.NewServeMux(),
		pipelines: newFakePipelines(),
		sessions: discovery.NewManager(discovery.Deps{
			Definer:    fakeDefiner{},
			Discoverer: fakeDiscoverer{},
			Validator:  fakeValidator{},
		}, time.Hour, quietLogger()),
	}
	d := NewDiscoveryHandler(api.sessions, api.pipelines, quietLogger())
	p := NewPipelineHandler(api.pipelines, fakeEvents{
		"p-1": {
			{PipelineID: "p-1", Seq: 1, Step: "preflight", Status: domain.StepStatusSuccess},
			{PipelineID: "p-1", Seq: 2, Step: "compute_bond", Status: domain.StepStatusSuccess},
		},
	}, quietLogger())

	api.mux.HandleFunc("POST /api/discovery/sessions", d.Create)
	api.mux.HandleFunc("GET /api/discovery/sessions/{id}", d.Get)
	api.mux.HandleFunc("DELETE /api/discovery/sessions/{id}", d.Delete)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/clarify", d.Clarify)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/name", d.ConfirmName)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/description", d.ConfirmDescription)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/icon", d.ConfirmIcon)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/start_price", d.SetStartPrice)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/edit", d.Edit)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/sources/search", d.SearchSources)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/sources/select", d.SelectSource)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/sources/deny", d.DenySource)
	api.mux.HandleFunc("POST /api/discovery/sessions/{id}/finalize", d.Finalize)
	api.mux.HandleFunc("POST /api/pipelines", p.Launch)
	api.mux.HandleFunc("GET /api/pipelines", p.List)
	api.mux.HandleFunc("GET /api/pipelines/{id}", p.Get)
	api.mux.HandleFunc("GET /api/pipelines/{id}/events", p.Events)
	api.mux.HandleFunc("DELETE /api/pipelines/{id}", p.Cancel)
	return api
}

func (api *testAPI) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	api.mux.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func stageOf(t *testing.T, body map[string]any) string {
	t.Helper()
	sess, ok := body["session"].(map[string]any)
	require.True(t, ok, "response has no session: %v", body)
	return sess["stage"].(string)
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

func TestDiscoveryWizardToFinalize(t *testing.T) {
	api := newTestAPI(t)

	code, body := api.do(t, http.MethodPost, "/api/discovery/sessions", `{"prompt":"Current price of Bitcoin in USD"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "name", stageOf(t, body))
	id := body["session"].(map[string]any)["id"].(string)
	base := "/api/discovery/sessions/" + id

	code, body = api.do(t, http.MethodPost, base+"/name", `{"name":"Bitcoin Price"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "description", stageOf(t, body))

	code, body = api.do(t, http.MethodPost, base+"/description", `{}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "select_source", stageOf(t, body))

	code, body = api.do(t, http.MethodPost, base+"/sources/search", ``)
	require.Equal(t, http.StatusOK, code)
	cands := body["candidates"].([]any)
	require.Len(t, cands, 2)

	code, body = api.do(t, http.MethodPost, base+"/sources/select", `{"url":"https://www.coingecko.com/en/coins/bitcoin"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "icon", stageOf(t, body))

	code, _ = api.do(t, http.MethodPost, base+"/start_price", `{"start_price":"64000.5"}`)
	require.Equal(t, http.StatusOK, code)

	code, body = api.do(t, http.MethodPost, base+"/icon", `{"icon_url":"https://cdn.example.com/btc.png"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "complete", stageOf(t, body))

	code, body = api.do(t, http.MethodPost, base+"/finalize", ``)
	require.Equal(t, http.StatusAccepted, code)
	pipeline := body["pipeline"].(map[string]any)
	assert.Equal(t, "p-1", pipeline["id"])

	require.Len(t, api.pipelines.launched, 1)
	draft := api.pipelines.launched[0]
	assert.Equal(t, "Bitcoin Price", draft.Name)
	assert.Equal(t, "64000.5", draft.StartPrice)
	assert.Equal(t, "https://cdn.example.com/btc.png", draft.IconURL)
}

func TestDiscoveryRejectedPromptKeepsSession(t *testing.T) {
	api := newTestAPI(t)

	code, body := api.do(t, http.MethodPost, "/api/discovery/sessions", `{"prompt":"Best pizza in town"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "clarify_metric", stageOf(t, body))
	assert.NotEmpty(t, body["error"])
	id := body["session"].(map[string]any)["id"].(string)

	code, body = api.do(t, http.MethodPost, "/api/discovery/sessions/"+id+"/clarify", `{"reply":"I mean the price of bitcoin"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "name", stageOf(t, body))
}

func TestDiscoveryWrongStageAndBadInput(t *testing.T) {
	api := newTestAPI(t)

	code, body := api.do(t, http.MethodPost, "/api/discovery/sessions", `{"prompt":"Bitcoin price"}`)
	require.Equal(t, http.StatusCreated, code)
	id := body["session"].(map[string]any)["id"].(string)
	base := "/api/discovery/sessions/" + id

	code, _ = api.do(t, http.MethodPost, base+"/icon", `{"icon_url":"https://x/y.png"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = api.do(t, http.MethodPost, base+"/finalize", ``)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = api.do(t, http.MethodPost, base+"/edit", `{"field":"colour"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = api.do(t, http.MethodPost, base+"/name", `{"nmae":"typo"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = api.do(t, http.MethodPost, base+"/sources/select", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = api.do(t, http.MethodPost, "/api/discovery/sessions", `{"prompt":"  "}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDiscoveryGetAndDelete(t *testing.T) {
	api := newTestAPI(t)

	code, body := api.do(t, http.MethodPost, "/api/discovery/sessions", `{"prompt":"Bitcoin price"}`)
	require.Equal(t, http.StatusCreated, code)
	id := body["session"].(map[string]any)["id"].(string)

	code, body = api.do(t, http.MethodGet, "/api/discovery/sessions/"+id, ``)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["id"])

	code, _ = api.do(t, http.MethodDelete, "/api/discovery/sessions/"+id, ``)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = api.do(t, http.MethodGet, "/api/discovery/sessions/"+id, ``)
	assert.Equal(t, http.StatusNotFound, code)
}

// ---------------------------------------------------------------------------
// Pipelines
// ---------------------------------------------------------------------------

func TestPipelineLaunchGetListCancel(t *testing.T) {
	api := newTestAPI(t)

	code, _ := api.do(t, http.MethodPost, "/api/pipelines", `{"name":"only a name"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = api.do(t, http.MethodPost, "/api/pipelines", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = api.do(t, http.MethodGet, "/api/pipelines/missing", ``)
	assert.Equal(t, http.StatusNotFound, code)

	api.pipelines.recs["p-9"] = domain.PipelineRecord{ID: "p-9", Status: domain.PipelineStatusRunning}

	code, body := api.do(t, http.MethodGet, "/api/pipelines/p-9", ``)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])

	code, body = api.do(t, http.MethodGet, "/api/pipelines?limit=10", ``)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = api.do(t, http.MethodDelete, "/api/pipelines/p-9", ``)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "cancelled", body["status"])

	code, _ = api.do(t, http.MethodDelete, "/api/pipelines/missing", ``)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPipelineEvents(t *testing.T) {
	api := newTestAPI(t)
	api.pipelines.recs["p-1"] = domain.PipelineRecord{ID: "p-1", Status: domain.PipelineStatusRunning}

	code, body := api.do(t, http.MethodGet, "/api/pipelines/p-1/events", ``)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])

	code, body = api.do(t, http.MethodGet, "/api/pipelines/p-1/events?after=1", ``)
	require.Equal(t, http.StatusOK, code)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "compute_bond", events[0].(map[string]any)["step"])

	code, _ = api.do(t, http.MethodGet, "/api/pipelines/p-1/events?after=-3", ``)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = api.do(t, http.MethodGet, "/api/pipelines/nope/events", ``)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPipelineLaunchInfraErrorHidesDetail(t *testing.T) {
	api := newTestAPI(t)
	api.pipelines.launchErr = errors.New("postgres: dial tcp 10.0.0.4:5432: connection refused")

	req := httptest.NewRequest(http.MethodPost, "/api/pipelines", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	api.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.4")
}

// ---------------------------------------------------------------------------
// Bond, markets, health
// ---------------------------------------------------------------------------

func TestBondQuote(t *testing.T) {
	live := fakeBondSource{cfg: domain.BondConfig{DefaultBondAmount: big.NewInt(100_000_000), CreationPenaltyBps: 250}}

	tests := []struct {
		name       string
		source     BondConfigSource
		query      string
		wantCode   int
		wantFee    string
		wantRefund string
		wantSource string
	}{
		{"explicit", nil, "?amount=100000000&bps=250", http.StatusOK, "2500000", "97500000", "query"},
		{"live config", live, "", http.StatusOK, "2500000", "97500000", "chain"},
		{"bps override", live, "?bps=10000&amount=7", http.StatusOK, "7", "0", "query"},
		{"partial uses chain", live, "?bps=0", http.StatusOK, "0", "100000000", "chain"},
		{"no source", nil, "?amount=5", http.StatusBadRequest, "", "", ""},
		{"bad amount", nil, "?amount=1e6&bps=1", http.StatusBadRequest, "", "", ""},
		{"bps too large", nil, "?amount=1&bps=10001", http.StatusUnprocessableEntity, "", "", ""},
		{"negative amount", nil, "?amount=-1&bps=1", http.StatusUnprocessableEntity, "", "", ""},
		{"source down", fakeBondSource{err: fmt.Errorf("evm: call: %w", domain.ErrTransient)}, "", http.StatusBadGateway, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewBondHandler(tt.source, quietLogger())
			rec := httptest.NewRecorder()
			h.Quote(rec, httptest.NewRequest(http.MethodGet, "/api/bond/quote"+tt.query, nil))

			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantFee, body["fee"])
			assert.Equal(t, tt.wantRefund, body["refundable"])
			assert.Equal(t, tt.wantSource, body["source"])
		})
	}
}

func TestMarketLookup(t *testing.T) {
	tx := "0x" + strings.Repeat("ab", 32)
	addr := "0x" + strings.Repeat("cd", 20)
	h := NewMarketHandler(fakeMarkets{byTx: map[string]domain.DeployedMarket{
		tx: {Symbol: "BTCPRICE", MarketAddress: addr, TransactionHash: tx, ChainID: 31337},
	}}, quietLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/markets", h.ListMarkets)
	mux.HandleFunc("GET /api/markets/{ref}", h.GetMarket)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/api/markets/" + tx)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BTCPRICE")

	rec = get("/api/markets/" + addr)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, get("/api/markets/0x"+strings.Repeat("00", 20)).Code)
	assert.Equal(t, http.StatusBadRequest, get("/api/markets/0x1234").Code)
	assert.Equal(t, http.StatusBadRequest, get("/api/markets/BTCPRICE").Code)

	rec = get("/api/markets")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestHealthCheck(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]HealthCheck{"redis": ok, "postgres": ok}, quietLogger()).
		HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]HealthCheck{"redis": ok, "postgres": down}, quietLogger()).
		HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrPipelineNotFound, http.StatusNotFound},
		{domain.ErrWrongStage, http.StatusConflict},
		{domain.ErrInvalidDraft, http.StatusUnprocessableEntity},
		{domain.ErrSourceDenied, http.StatusUnprocessableEntity},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrTransient, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
