package deploy

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

const (
	testMarket   = "0x00000000000000000000000000000000000A0001"
	testRegistry = "0x0000000000000000000000000000000000005E55"
	testRoleHost = "0x000000000000000000000000000000000000C0DE"
	testTxHash   = "0xaaaa000000000000000000000000000000000000000000000000000000000001"
)

var (
	selPlace  = domain.Selector{0x01, 0x02, 0x03, 0x04}
	selCancel = domain.Selector{0x0a, 0x0b, 0x0c, 0x0d}
	selQuote  = domain.Selector{0x11, 0x12, 0x13, 0x14}
)

type fakeFactory struct {
	mu sync.Mutex

	loupe        []loupeReply
	missingCalls int

	waitFailures int
	waitCalls    int
	blockWait    bool
	blockFacets  bool
	entered      chan struct{}

	preflightErr error
	txHash       string

	created  []domain.CreateMarketParams
	cuts     [][]domain.FacetCut
	grants   []domain.RoleGrant
	registry string
	attaches int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{txHash: testTxHash, entered: make(chan struct{}, 1)}
}

func (f *fakeFactory) signalEntered() {
	select {
	case f.entered <- struct{}{}:
	default:
	}
}

func (f *fakeFactory) ChainID() int64 { return 31337 }

func (f *fakeFactory) FacetConfig(ctx context.Context) (domain.FacetConfig, error) {
	if f.blockFacets {
		f.signalEntered()
		<-ctx.Done()
		return domain.FacetConfig{}, fmt.Errorf("%w: %w", domain.ErrTransient, ctx.Err())
	}
	return domain.FacetConfig{
		Initializer: "0x00000000000000000000000000000000000001A1",
		Cuts: []domain.FacetCut{
			{Name: "Trading", FacetAddress: "0x00000000000000000000000000000000000F0001", Selectors: []domain.Selector{selPlace, selCancel}},
			{Name: "Quote", FacetAddress: "0x00000000000000000000000000000000000F0002", Selectors: []domain.Selector{selQuote}},
		},
	}, nil
}

func (f *fakeFactory) BondConfig(context.Context) (domain.BondConfig, error) {
	return domain.BondConfig{DefaultBondAmount: big.NewInt(100_000_000), CreationPenaltyBps: 250}, nil
}

func (f *fakeFactory) EncodeInitializer(symbol, metricURL string, startPrice *big.Int) ([]byte, error) {
	return []byte(symbol + "|" + metricURL + "|" + startPrice.String()), nil
}

func (f *fakeFactory) MetaNonce(context.Context, string) (*big.Int, error) {
	return big.NewInt(7), nil
}

func (f *fakeFactory) PreflightCreate(context.Context, domain.CreateMarketParams) error {
	return f.preflightErr
}

func (f *fakeFactory) SubmitCreate(_ context.Context, params domain.CreateMarketParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	return f.txHash, nil
}

func (f *fakeFactory) WaitMined(ctx context.Context, txHash string) (domain.TxReceipt, error) {
	f.mu.Lock()
	f.waitCalls++
	calls := f.waitCalls
	f.mu.Unlock()

	if f.blockWait && strings.EqualFold(txHash, f.txHash) {
		f.signalEntered()
		<-ctx.Done()
		return domain.TxReceipt{}, fmt.Errorf("%w: %w", domain.ErrTransient, ctx.Err())
	}
	if calls <= f.waitFailures {
		return domain.TxReceipt{}, fmt.Errorf("%w: rpc timeout", domain.ErrTransient)
	}
	return domain.TxReceipt{TxHash: txHash, BlockNumber: 42, Success: true, GasUsed: 21000}, nil
}

func (f *fakeFactory) ParseMarketCreated(r domain.TxReceipt) (domain.MarketCreated, error) {
	return domain.MarketCreated{
		MarketAddress: testMarket,
		MarketID:      "0x" + strings.Repeat("0", 63) + "9",
		Symbol:        "BITCOINPRICE",
		Creator:       "0x0000000000000000000000000000000000000C12",
	}, nil
}

// loupeReply is one scripted answer of the fake loupe. Calls past the end
// of the script report nothing missing.
type loupeReply struct {
	missing []domain.Selector
	err     error
}

func (f *fakeFactory) MissingSelectors(_ context.Context, _ string, required []domain.Selector) ([]domain.Selector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missingCalls++
	if f.missingCalls > len(f.loupe) {
		return nil, nil
	}
	reply := f.loupe[f.missingCalls-1]
	return append([]domain.Selector(nil), reply.missing...), reply.err
}

func (f *fakeFactory) SubmitDiamondCut(_ context.Context, _ string, cuts []domain.FacetCut) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cuts = append(f.cuts, cuts)
	return fmt.Sprintf("0xcut%d", len(f.cuts)), nil
}

func (f *fakeFactory) SessionRegistry(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registry == "" {
		return common.Address{}.Hex(), nil
	}
	return f.registry, nil
}

func (f *fakeFactory) SubmitSetSessionRegistry(_ context.Context, _ string, registry string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registry = registry
	f.attaches++
	return "0xregistry", nil
}

func (f *fakeFactory) HasRole(_ context.Context, grant domain.RoleGrant) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.grants {
		if g == grant {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeFactory) SubmitGrantRole(_ context.Context, grant domain.RoleGrant) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, grant)
	return "0xgrant", nil
}

type fakeRelayer struct {
	mu       sync.Mutex
	txHash   string
	requests []domain.SignedMetaRequest
}

func (r *fakeRelayer) SubmitMetaCreate(_ context.Context, req domain.SignedMetaRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return r.txHash, nil
}

type fakeSigner struct{}

func (fakeSigner) Address() common.Address {
	return common.HexToAddress("0x0000000000000000000000000000000000000C12")
}

func (fakeSigner) SignMetaCreate(domain.MetaCreateRequest) ([]byte, error) {
	sig := make([]byte, 65)
	sig[64] = 27
	return sig, nil
}

type fakeMarketStore struct {
	mu      sync.Mutex
	rows    map[string]domain.DeployedMarket
	upserts int
}

func newFakeMarketStore() *fakeMarketStore {
	return &fakeMarketStore{rows: make(map[string]domain.DeployedMarket)}
}

func (s *fakeMarketStore) Upsert(_ context.Context, m domain.DeployedMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if prev, ok := s.rows[m.TransactionHash]; ok {
		m.CreatedAt = prev.CreatedAt
	}
	s.rows[m.TransactionHash] = m
	return nil
}

func (s *fakeMarketStore) GetByTxHash(_ context.Context, txHash string) (domain.DeployedMarket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[txHash]
	if !ok {
		return domain.DeployedMarket{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *fakeMarketStore) GetByAddress(context.Context, string) (domain.DeployedMarket, error) {
	return domain.DeployedMarket{}, domain.ErrNotFound
}

func (s *fakeMarketStore) List(context.Context, domain.ListOpts) ([]domain.DeployedMarket, error) {
	return nil, nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
	keys []string
}

func newFakeLocks() *fakeLocks { return &fakeLocks{held: make(map[string]bool)} }

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = true
	l.keys = append(l.keys, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) snapshot() []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProgressEvent(nil), p.events...)
}

type recordingPipelineStore struct {
	mu    sync.Mutex
	saves []domain.PipelineRecord
}

func (s *recordingPipelineStore) Save(_ context.Context, rec domain.PipelineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, rec)
	return nil
}

func (s *recordingPipelineStore) Get(_ context.Context, id string) (domain.PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.saves) - 1; i >= 0; i-- {
		if s.saves[i].ID == id {
			return s.saves[i], nil
		}
	}
	return domain.PipelineRecord{}, domain.ErrPipelineNotFound
}

func (s *recordingPipelineStore) List(context.Context, domain.ListOpts) ([]domain.PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PipelineRecord(nil), s.saves...), nil
}

type fakeBlob struct {
	mu    sync.Mutex
	paths map[string]string
}

func (b *fakeBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paths == nil {
		b.paths = make(map[string]string)
	}
	b.paths[path] = string(body)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	recs []domain.PipelineRecord
}

func (n *recordingNotifier) NotifyPipeline(_ context.Context, rec domain.PipelineRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
	return nil
}

func completeDraft() domain.MarketDraft {
	return domain.MarketDraft{
		Prompt:      "Current price of Bitcoin in USD",
		Name:        "Bitcoin price (USD)",
		Description: "Tracks Bitcoin price in USD for global, reported minute. Measured by VWAP.",
		IconURL:     "https://icons.test/btc.png",
		SelectedSource: &domain.SourceCandidate{
			URL:        "https://www.coingecko.com/en/coins/bitcoin",
			Authority:  "CoinGecko",
			Confidence: 0.9,
			IsPrimary:  true,
		},
		Validation: &domain.ValidationResult{Value: "65000.12", Unit: "USD", Confidence: 0.93},
		StartPrice: "65000.12",
		Definition: &domain.DefinitionResult{
			Measurable: true,
			Definition: &domain.MetricDefinition{Name: "Bitcoin price", Unit: "USD"},
		},
		NameConfirmed:        true,
		DescriptionConfirmed: true,
		IconConfirmed:        true,
	}
}
