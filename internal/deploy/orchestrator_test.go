package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

type harness struct {
	factory  *fakeFactory
	relayer  *fakeRelayer
	markets  *fakeMarketStore
	locks    *fakeLocks
	progress *recordingPublisher
	records  *recordingPipelineStore
	blob     *fakeBlob
	notifier *recordingNotifier
	orch     *Orchestrator
	reg      *Registry
}

func newHarness(t *testing.T, mode Mode, tweak func(*fakeFactory)) *harness {
	t.Helper()
	h := &harness{
		factory:  newFakeFactory(),
		relayer:  &fakeRelayer{txHash: testTxHash},
		markets:  newFakeMarketStore(),
		locks:    newFakeLocks(),
		progress: &recordingPublisher{},
		records:  &recordingPipelineStore{},
		blob:     &fakeBlob{},
		notifier: &recordingNotifier{},
	}
	if tweak != nil {
		tweak(h.factory)
	}
	deps := Deps{
		Factory:   h.factory,
		Markets:   h.markets,
		Locks:     h.locks,
		Pipelines: h.records,
		Progress:  h.progress,
		Blob:      h.blob,
		Notifier:  h.notifier,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mode == ModeSponsored {
		deps.Relayer = h.relayer
		deps.Signer = fakeSigner{}
	} else {
		deps.Creator = "0x0000000000000000000000000000000000000C12"
	}
	orch, err := NewOrchestrator(Options{
		Mode:               mode,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		ConfirmTimeout:     time.Second,
		SessionRegistry:    testRegistry,
		Roles:              []RoleSpec{{Contract: testRoleHost, Role: "MARKET_ROLE"}},
		StartPriceDecimals: 6,
		SymbolMaxLength:    12,
		ArchiveReceipts:    true,
	}, deps)
	require.NoError(t, err)
	h.orch = orch
	h.reg = NewRegistry(orch, 4, 0, nil)
	t.Cleanup(func() { _ = h.reg.Shutdown(context.Background()) })
	return h
}

func countEvents(events []domain.ProgressEvent, step StepName, status domain.StepStatus) int {
	n := 0
	for _, ev := range events {
		if ev.Step == string(step) && ev.Status == status {
			n++
		}
	}
	return n
}

func TestSponsoredPipelinePatchesMissingSelector(t *testing.T) {
	h := newHarness(t, ModeSponsored, func(f *fakeFactory) {
		f.loupe = []loupeReply{{missing: []domain.Selector{selCancel}}, {missing: []domain.Selector{selCancel}}}
	})

	rec, err := h.reg.Run(context.Background(), completeDraft())
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusSucceeded, rec.Status)
	assert.Equal(t, testTxHash, rec.TxHash)
	assert.Equal(t, testMarket, rec.MarketAddress)
	assert.Equal(t, len(sponsoredSteps)-1, rec.ActiveIndex)
	assert.True(t, h.reg.Holds(rec.ID))
	assert.False(t, h.reg.Holds("run-elsewhere"))

	// The corrective cut carries only the missing selector.
	require.Len(t, h.factory.cuts, 1)
	require.Len(t, h.factory.cuts[0], 1)
	assert.Equal(t, "Trading", h.factory.cuts[0][0].Name)
	assert.Equal(t, []domain.Selector{selCancel}, h.factory.cuts[0][0].Selectors)
	assert.Equal(t, domain.FacetCutAdd, h.factory.cuts[0][0].Action)
	assert.Equal(t, 3, h.factory.missingCalls, "verify, re-read before the cut, re-verify")

	// Meta request built from the draft and signed once.
	require.Len(t, h.relayer.requests, 1)
	req := h.relayer.requests[0]
	assert.Equal(t, "BITCOINPRICE", req.Request.Params.Symbol)
	assert.Equal(t, "65000120000", req.Request.Params.StartPrice.String())
	assert.Equal(t, int64(7), req.Request.Nonce.Int64())
	assert.Len(t, req.Signature, 65)

	// Metadata persisted exactly once, keyed by the tx hash.
	assert.Equal(t, 1, h.markets.upserts)
	row, err := h.markets.GetByTxHash(context.Background(), testTxHash)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, row.PipelineID)
	assert.Equal(t, int64(31337), row.ChainID)
	require.NotNil(t, row.Bond)
	assert.Equal(t, int64(2_500_000), row.Bond.Fee.Int64())
	assert.Equal(t, int64(97_500_000), row.Bond.Refundable.Int64())
	assert.Equal(t, []string{"0xcut1"}, row.Metadata["patch_tx_hashes"])
	assert.Equal(t, []string{"persist:" + testTxHash}, h.locks.keys)

	// Registry attached and role granted after verification.
	assert.Equal(t, 1, h.factory.attaches)
	require.Len(t, h.factory.grants, 1)
	assert.Equal(t, testMarket, h.factory.grants[0].Account)

	events := h.progress.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, 1, countEvents(events, StepFinalize, domain.StepStatusSuccess), "finalize reached exactly once")
	assert.Equal(t, 1, countEvents(events, StepSubmitRelayer, domain.StepStatusSent))
	assert.Equal(t, 1, countEvents(events, StepAwaitConfirmation, domain.StepStatusMined))
	assert.Equal(t, 1, countEvents(events, StepPatchSelectors, domain.StepStatusSent))
	assert.Equal(t, 1, countEvents(events, StepPatchSelectors, domain.StepStatusMined))

	last := events[len(events)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, string(StepFinalize), last.Step)
	assert.Equal(t, domain.PipelineStatusSucceeded, last.Pipeline)
	for i, ev := range events {
		assert.Equal(t, rec.ID, ev.PipelineID)
		assert.Equal(t, int64(i+1), ev.Seq)
		if i < len(events)-1 {
			assert.False(t, ev.Terminal)
		}
	}

	assert.Contains(t, h.blob.paths, "receipts/31337/"+testTxHash+".json")
	require.Len(t, h.notifier.recs, 1)
	assert.Equal(t, domain.PipelineStatusSucceeded, h.notifier.recs[0].Status)
}

func TestDirectPipelineRetriesTransientConfirmation(t *testing.T) {
	h := newHarness(t, ModeDirect, func(f *fakeFactory) { f.waitFailures = 2 })

	rec, err := h.reg.Run(context.Background(), completeDraft())
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusSucceeded, rec.Status)
	assert.Equal(t, 3, rec.Attempts[string(StepAwaitConfirmation)])
	assert.Equal(t, 1, rec.Attempts[string(StepSubmitTransaction)])
	require.Len(t, h.factory.created, 1, "retrying confirmation never resubmits")
	assert.Equal(t, "0x0000000000000000000000000000000000000C12", h.factory.created[0].Creator)
	assert.Equal(t, 0, h.factory.attaches, "direct mode has no session registry step")
	assert.Equal(t, 1, h.markets.upserts)
	assert.Empty(t, h.relayer.requests)
}

func TestRetriesExhaustedFailsWithStepError(t *testing.T) {
	h := newHarness(t, ModeDirect, func(f *fakeFactory) { f.waitFailures = 100 })

	rec, err := h.reg.Run(context.Background(), completeDraft())
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepAwaitConfirmation, stepErr.Step)
	assert.Equal(t, 3, stepErr.Attempts)
	assert.Equal(t, testTxHash, stepErr.TxHash)
	assert.True(t, errors.Is(err, domain.ErrTransient))

	assert.Equal(t, domain.PipelineStatusFailed, rec.Status)
	assert.Equal(t, string(StepAwaitConfirmation), rec.FailedStep)
	assert.Equal(t, testTxHash, rec.TxHash, "broadcast tx is reported")
	assert.Equal(t, 0, h.markets.upserts)

	events := h.progress.snapshot()
	last := events[len(events)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, domain.StepStatusError, last.Status)
	assert.Equal(t, string(StepAwaitConfirmation), last.Step)
	assert.Equal(t, domain.PipelineStatusFailed, last.Pipeline)
	assert.NotEmpty(t, last.Error)
	assert.Zero(t, countEvents(events, StepParseCreationEvent, domain.StepStatusSuccess))
}

func TestPatchRetryDoesNotRecutLandedSelectors(t *testing.T) {
	h := newHarness(t, ModeSponsored, func(f *fakeFactory) {
		f.loupe = []loupeReply{
			{missing: []domain.Selector{selCancel}},
			{missing: []domain.Selector{selCancel}},
			{err: fmt.Errorf("%w: loupe rpc timeout", domain.ErrTransient)},
		}
	})

	rec, err := h.reg.Run(context.Background(), completeDraft())
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusSucceeded, rec.Status)
	assert.Equal(t, 2, rec.Attempts[string(StepPatchSelectors)])

	// The second attempt sees the cut already landed and sends nothing.
	require.Len(t, h.factory.cuts, 1)
	assert.Equal(t, 4, h.factory.missingCalls)
	assert.Equal(t, 1, countEvents(h.progress.snapshot(), StepPatchSelectors, domain.StepStatusSent))

	row, err := h.markets.GetByTxHash(context.Background(), testTxHash)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xcut1"}, row.Metadata["patch_tx_hashes"])
}

func TestFatalStepIsNotRetried(t *testing.T) {
	h := newHarness(t, ModeDirect, func(f *fakeFactory) {
		f.preflightErr = errors.New("execution reverted: symbol taken")
	})

	rec, err := h.reg.Run(context.Background(), completeDraft())
	require.Error(t, err)
	assert.Equal(t, domain.PipelineStatusFailed, rec.Status)
	assert.Equal(t, string(StepPreflightStaticCall), rec.FailedStep)
	assert.Equal(t, 1, rec.Attempts[string(StepPreflightStaticCall)])
	assert.Empty(t, h.factory.created)
	assert.Contains(t, rec.Error, "symbol taken")
}

func TestActiveIndexIsMonotonic(t *testing.T) {
	h := newHarness(t, ModeSponsored, func(f *fakeFactory) {
		f.loupe = []loupeReply{{missing: []domain.Selector{selQuote}}, {missing: []domain.Selector{selQuote}}}
		f.waitFailures = 1
	})

	_, err := h.reg.Run(context.Background(), completeDraft())
	require.NoError(t, err)

	h.records.mu.Lock()
	saves := append([]domain.PipelineRecord(nil), h.records.saves...)
	h.records.mu.Unlock()
	require.NotEmpty(t, saves)

	prev := -1
	for _, rec := range saves {
		assert.GreaterOrEqual(t, rec.ActiveIndex, prev)
		assert.LessOrEqual(t, rec.ActiveIndex, len(sponsoredSteps)-1)
		prev = rec.ActiveIndex
	}
	assert.Equal(t, len(sponsoredSteps)-1, prev)
}

func TestSecondPipelineForSameTxUpserts(t *testing.T) {
	h := newHarness(t, ModeSponsored, nil)

	first, err := h.reg.Run(context.Background(), completeDraft())
	require.NoError(t, err)
	second, err := h.reg.Run(context.Background(), completeDraft())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, 2, h.markets.upserts)
	assert.Len(t, h.markets.rows, 1)
	assert.Equal(t, second.ID, h.markets.rows[testTxHash].PipelineID)
	assert.Empty(t, h.locks.held)
}

func TestPersistLockHeldFailsAfterRetries(t *testing.T) {
	h := newHarness(t, ModeDirect, nil)
	h.locks.held["persist:"+testTxHash] = true

	rec, err := h.reg.Run(context.Background(), completeDraft())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))
	assert.Equal(t, string(StepPersistMetadata), rec.FailedStep)
	assert.Equal(t, 3, rec.Attempts[string(StepPersistMetadata)])
	assert.Equal(t, 0, h.markets.upserts)
}

func TestCancelBeforeBroadcast(t *testing.T) {
	h := newHarness(t, ModeSponsored, func(f *fakeFactory) { f.blockFacets = true })
	ctx := context.Background()

	launched, err := h.reg.Launch(ctx, completeDraft())
	require.NoError(t, err)
	<-h.factory.entered
	require.NoError(t, h.reg.Cancel(ctx, launched.ID))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rec, err := h.reg.Wait(waitCtx, launched.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusCancelled, rec.Status)
	assert.Empty(t, rec.TxHash)
	assert.Empty(t, h.relayer.requests)

	events := h.progress.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.PipelineStatusCancelled, events[len(events)-1].Pipeline)

	require.NoError(t, h.reg.Shutdown(ctx))
	goleak.VerifyNone(t)
}

func TestCancelAfterBroadcastOrphans(t *testing.T) {
	h := newHarness(t, ModeDirect, func(f *fakeFactory) { f.blockWait = true })
	ctx := context.Background()

	launched, err := h.reg.Launch(ctx, completeDraft())
	require.NoError(t, err)
	<-h.factory.entered
	require.NoError(t, h.reg.Cancel(ctx, launched.ID))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rec, err := h.reg.Wait(waitCtx, launched.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusOrphaned, rec.Status)
	assert.Equal(t, testTxHash, rec.TxHash)
	assert.Equal(t, string(StepAwaitConfirmation), rec.FailedStep)
	assert.Contains(t, rec.Error, domain.ErrPipelineOrphaned.Error())
	assert.Equal(t, 0, h.markets.upserts)

	require.NoError(t, h.reg.Shutdown(ctx))
	goleak.VerifyNone(t)
}

func TestRegistryGetAndList(t *testing.T) {
	h := newHarness(t, ModeDirect, nil)
	ctx := context.Background()

	_, err := h.reg.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrPipelineNotFound))
	assert.True(t, errors.Is(h.reg.Cancel(ctx, "missing"), domain.ErrPipelineNotFound))

	rec, err := h.reg.Run(ctx, completeDraft())
	require.NoError(t, err)

	got, err := h.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusSucceeded, got.Status)
	assert.NoError(t, h.reg.Cancel(ctx, rec.ID), "cancelling a finished pipeline is a no-op")

	_, err = h.reg.Run(ctx, domain.MarketDraft{Name: "half done"})
	assert.True(t, errors.Is(err, domain.ErrInvalidDraft))
}

func TestNewOrchestratorValidates(t *testing.T) {
	f := newFakeFactory()
	markets := newFakeMarketStore()

	_, err := NewOrchestrator(Options{Mode: ModeSponsored}, Deps{Factory: f, Markets: markets})
	assert.Error(t, err, "sponsored mode without relayer")

	_, err = NewOrchestrator(Options{Mode: "teleport"}, Deps{Factory: f, Markets: markets, Creator: "0x01"})
	assert.Error(t, err)

	_, err = NewOrchestrator(Options{Mode: ModeDirect}, Deps{Factory: f, Markets: markets})
	assert.Error(t, err, "direct mode without a creator")

	_, err = NewOrchestrator(Options{Mode: ModeDirect}, Deps{Markets: markets, Creator: "0x01"})
	assert.Error(t, err)

	o, err := NewOrchestrator(Options{Mode: ModeDirect}, Deps{Factory: f, Markets: markets, Creator: "0x01"})
	require.NoError(t, err)
	assert.Equal(t, 3, o.opts.MaxAttempts)
	assert.Equal(t, 2*time.Second, o.opts.BaseBackoff)
	assert.Equal(t, 30*time.Second, o.opts.MaxBackoff)
	assert.Equal(t, len(directSteps), o.Plan().Len())
}
