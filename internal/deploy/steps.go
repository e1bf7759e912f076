package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Signer signs creation meta requests for sponsored mode.
type Signer interface {
	Address() common.Address
	SignMetaCreate(req domain.MetaCreateRequest) ([]byte, error)
}

// Broadcaster puts the creation transaction on chain and returns its hash.
type Broadcaster interface {
	Broadcast(ctx context.Context, s State) (string, error)
}

// Reporter lets a step publish intermediate progress (sent, mined) for the
// step it is running. Sent returns the hashes the step reported as sent in
// its earlier attempts of the same pipeline.
type Reporter interface {
	Report(ctx context.Context, status domain.StepStatus, txHash string)
	Sent() []string
}

// StepFunc runs one attempt of a step on a private copy of the state.
type StepFunc func(ctx context.Context, r Reporter, s State) (State, Outcome)

// relayBroadcaster submits the signed meta request to the relayer.
type relayBroadcaster struct {
	relayer domain.MetaRelayer
}

func (b relayBroadcaster) Broadcast(ctx context.Context, s State) (string, error) {
	if s.Meta == nil || len(s.Signature) == 0 {
		return "", fmt.Errorf("%w: meta request is not signed", domain.ErrSigningFailed)
	}
	return b.relayer.SubmitMetaCreate(ctx, domain.SignedMetaRequest{Request: *s.Meta, Signature: s.Signature})
}

// directBroadcaster sends createMarket from the deployer key.
type directBroadcaster struct {
	factory domain.MarketFactory
}

func (b directBroadcaster) Broadcast(ctx context.Context, s State) (string, error) {
	return b.factory.SubmitCreate(ctx, s.CreateParams())
}

func (o *Orchestrator) stepTable() map[StepName]StepFunc {
	return map[StepName]StepFunc{
		StepFetchFacetConfig:      o.fetchFacetConfig,
		StepBuildInitializer:      o.buildInitializer,
		StepPrepareMetaRequest:    o.prepareMetaRequest,
		StepSignMetaRequest:       o.signMetaRequest,
		StepSubmitRelayer:         o.submit,
		StepPreflightStaticCall:   o.preflight,
		StepSubmitTransaction:     o.submit,
		StepAwaitConfirmation:     o.awaitConfirmation,
		StepParseCreationEvent:    o.parseCreationEvent,
		StepVerifySelectors:       o.verifySelectors,
		StepPatchSelectors:        o.patchSelectors,
		StepAttachSessionRegistry: o.attachSessionRegistry,
		StepGrantRoles:            o.grantRoles,
		StepPersistMetadata:       o.persistMetadata,
		StepFinalize:              o.finalize,
	}
}

func (o *Orchestrator) fetchFacetConfig(ctx context.Context, _ Reporter, s State) (State, Outcome) {
	cfg, err := o.factory.FacetConfig(ctx)
	if err != nil {
		return s, outcomeOf(fmt.Errorf("facet config: %w", err))
	}
	if len(cfg.RequiredSelectors()) == 0 {
		return s, Fatal(errors.New("facet config has no selectors"))
	}
	s.Facets = cfg
	return s, Success()
}

func (o *Orchestrator) buildInitializer(ctx context.Context, _ Reporter, s State) (State, Outcome) {
	if err := s.Draft.CheckComplete(); err != nil {
		return s, Fatal(err)
	}
	symbol, err := DeriveSymbol(s.Draft.Name, o.opts.SymbolMaxLength)
	if err != nil {
		return s, Fatal(err)
	}
	price, err := ScalePrice(s.Draft.StartPrice, o.opts.StartPriceDecimals)
	if err != nil {
		return s, Fatal(err)
	}
	data, err := o.factory.EncodeInitializer(symbol, s.metricURL(), price)
	if err != nil {
		return s, Fatal(err)
	}
	bond, err := o.factory.BondConfig(ctx)
	if err != nil {
		return s, outcomeOf(fmt.Errorf("bond config: %w", err))
	}
	breakdown, err := bond.Breakdown()
	if err != nil {
		return s, Fatal(err)
	}

	s.Symbol = symbol
	s.StartPrice = price
	s.InitData = data
	s.Bond = &breakdown
	return s, Success()
}

func (o *Orchestrator) prepareMetaRequest(ctx context.Context, _ Reporter, s State) (State, Outcome) {
	nonce, err := o.factory.MetaNonce(ctx, s.Creator)
	if err != nil {
		return s, outcomeOf(fmt.Errorf("meta nonce: %w", err))
	}
	deadline := o.now().Add(o.opts.MetaDeadline).Unix()
	s.Meta = &domain.MetaCreateRequest{
		Params:   s.CreateParams(),
		Nonce:    nonce,
		Deadline: big.NewInt(deadline),
	}
	return s, Success()
}

func (o *Orchestrator) signMetaRequest(_ context.Context, _ Reporter, s State) (State, Outcome) {
	if s.Meta == nil {
		return s, Fatal(errors.New("no meta request to sign"))
	}
	sig, err := o.signer.SignMetaCreate(*s.Meta)
	if err != nil {
		return s, Fatal(err)
	}
	s.Signature = sig
	return s, Success()
}

func (o *Orchestrator) preflight(ctx context.Context, _ Reporter, s State) (State, Outcome) {
	return s, outcomeOf(o.factory.PreflightCreate(ctx, s.CreateParams()))
}

// submit serves both submit_relayer and submit_transaction; the mode's
// Broadcaster decides where the transaction goes.
func (o *Orchestrator) submit(ctx context.Context, r Reporter, s State) (State, Outcome) {
	hash, err := o.broadcaster.Broadcast(ctx, s)
	if err != nil {
		return s, outcomeOf(err)
	}
	s.TxHash = hash
	r.Report(ctx, domain.StepStatusSent, hash)
	return s, Success()
}

func (o *Orchestrator) awaitConfirmation(ctx context.Context, r Reporter, s State) (State, Outcome) {
	receipt, err := o.waitMined(ctx, s.TxHash)
	if err != nil {
		return s, outcomeOf(err)
	}
	s.Receipt = &receipt
	r.Report(ctx, domain.StepStatusMined, s.TxHash)
	return s, Success()
}

func (o *Orchestrator) parseCreationEvent(_ context.Context, _ Reporter, s State) (State, Outcome) {
	if s.Receipt == nil {
		return s, Fatal(errors.New("no receipt to parse"))
	}
	ev, err := o.factory.ParseMarketCreated(*s.Receipt)
	if err != nil {
		return s, Fatal(err)
	}
	s.Market = ev
	return s, Success()
}

func (o *Orchestrator) verifySelectors(ctx context.Context, _ Reporter, s State) (State, Outcome) {
	missing, err := o.factory.MissingSelectors(ctx, s.Market.MarketAddress, s.Facets.RequiredSelectors())
	if err != nil {
		return s, outcomeOf(err)
	}
	s.MissingSelectors = missing
	if len(missing) > 0 {
		hexes := make([]string, len(missing))
		for i, m := range missing {
			hexes[i] = m.Hex()
		}
		o.logger.WarnContext(ctx, "market is missing selectors",
			slog.String("pipeline_id", s.PipelineID),
			slog.String("market", s.Market.MarketAddress),
			slog.String("selectors", strings.Join(hexes, ",")),
		)
	}
	return s, Success()
}

// patchSelectors adds the selectors still missing with a diamond cut
// restricted to them, then re-verifies. Each attempt reads the loupe before
// cutting, so a cut that landed in an earlier attempt is not sent twice.
func (o *Orchestrator) patchSelectors(ctx context.Context, r Reporter, s State) (State, Outcome) {
	if len(s.MissingSelectors) == 0 {
		return s, Success()
	}
	s.PatchTxHashes = append(s.PatchTxHashes, r.Sent()...)

	missing, err := o.factory.MissingSelectors(ctx, s.Market.MarketAddress, s.MissingSelectors)
	if err != nil {
		return s, outcomeOf(err)
	}
	if len(missing) == 0 {
		s.MissingSelectors = nil
		return s, Success()
	}
	cuts := s.Facets.RestrictTo(missing)
	if len(cuts) == 0 {
		return s, Fatal(errors.New("missing selectors are not served by any configured facet"))
	}
	hash, err := o.factory.SubmitDiamondCut(ctx, s.Market.MarketAddress, cuts)
	if err != nil {
		return s, outcomeOf(err)
	}
	r.Report(ctx, domain.StepStatusSent, hash)
	if _, err := o.waitMined(ctx, hash); err != nil {
		return s, outcomeOf(err)
	}
	r.Report(ctx, domain.StepStatusMined, hash)

	still, err := o.factory.MissingSelectors(ctx, s.Market.MarketAddress, missing)
	if err != nil {
		return s, outcomeOf(err)
	}
	if len(still) > 0 {
		return s, Retryable(fmt.Errorf("%d selector(s) still missing after patch %s", len(still), hash))
	}
	s.PatchTxHashes = append(s.PatchTxHashes, hash)
	s.MissingSelectors = nil
	return s, Success()
}

func (o *Orchestrator) attachSessionRegistry(ctx context.Context, r Reporter, s State) (State, Outcome) {
	want := o.opts.SessionRegistry
	if want == "" {
		return s, Success()
	}
	current, err := o.factory.SessionRegistry(ctx, s.Market.MarketAddress)
	if err != nil {
		return s, outcomeOf(err)
	}
	if strings.EqualFold(current, want) {
		s.SessionRegistry = current
		return s, Success()
	}
	hash, err := o.factory.SubmitSetSessionRegistry(ctx, s.Market.MarketAddress, want)
	if err != nil {
		return s, outcomeOf(err)
	}
	r.Report(ctx, domain.StepStatusSent, hash)
	if _, err := o.waitMined(ctx, hash); err != nil {
		return s, outcomeOf(err)
	}
	r.Report(ctx, domain.StepStatusMined, hash)
	s.SessionRegistry = want
	return s, Success()
}

// grantRoles checks each role before granting, so a retry only sends the
// grants an earlier attempt did not land.
func (o *Orchestrator) grantRoles(ctx context.Context, r Reporter, s State) (State, Outcome) {
	for _, role := range o.opts.Roles {
		grant := domain.RoleGrant{Contract: role.Contract, Role: role.Role, Account: s.Market.MarketAddress}
		has, err := o.factory.HasRole(ctx, grant)
		if err != nil {
			return s, outcomeOf(err)
		}
		if !has {
			hash, err := o.factory.SubmitGrantRole(ctx, grant)
			if err != nil {
				return s, outcomeOf(err)
			}
			r.Report(ctx, domain.StepStatusSent, hash)
			if _, err := o.waitMined(ctx, hash); err != nil {
				return s, outcomeOf(err)
			}
			r.Report(ctx, domain.StepStatusMined, hash)
		}
		s.GrantedRoles = append(s.GrantedRoles, role.Role)
	}
	return s, Success()
}

// persistMetadata writes the deployed market once per pipeline. The write is
// an upsert on the transaction hash taken under a lock, so a second pipeline
// for the same transaction updates the row instead of duplicating it.
func (o *Orchestrator) persistMetadata(ctx context.Context, _ Reporter, s State) (State, Outcome) {
	if s.Persisted {
		return s, Success()
	}
	if s.TxHash == "" {
		return s, Fatal(errors.New("no transaction hash to persist under"))
	}
	if o.locks != nil {
		unlock, err := o.locks.Acquire(ctx, "persist:"+strings.ToLower(s.TxHash), o.opts.PersistLockTTL)
		if err != nil {
			return s, Retryable(fmt.Errorf("%w: %w", domain.ErrTransient, err))
		}
		defer unlock()
	}

	now := o.now().UTC()
	market := domain.DeployedMarket{
		Symbol:          firstNonEmpty(s.Market.Symbol, s.Symbol),
		MarketAddress:   s.Market.MarketAddress,
		MarketIDBytes32: s.Market.MarketID,
		ChainID:         o.factory.ChainID(),
		TransactionHash: strings.ToLower(s.TxHash),
		PipelineID:      s.PipelineID,
		Metadata:        s.metadata(o.plan.Mode()),
		Bond:            s.Bond,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.markets.Upsert(ctx, market); err != nil {
		return s, Retryable(fmt.Errorf("%w: persist market: %w", domain.ErrTransient, err))
	}
	s.Persisted = true
	return s, Success()
}

func (s State) metadata(mode Mode) map[string]any {
	md := map[string]any{
		"name":        s.Draft.Name,
		"description": s.Draft.Description,
		"icon_url":    s.Draft.IconURL,
		"metric_url":  s.metricURL(),
		"metric":      s.Draft.Metric(),
		"start_price": s.Draft.StartPrice,
		"mode":        string(mode),
		"creator":     s.Creator,
	}
	if s.StartPrice != nil {
		md["start_price_scaled"] = s.StartPrice.String()
	}
	if s.Draft.Validation != nil {
		md["unit"] = s.Draft.Validation.Unit
		md["validated_value"] = s.Draft.Validation.Value
	}
	if s.Receipt != nil {
		md["block_number"] = s.Receipt.BlockNumber
	}
	if len(s.PatchTxHashes) > 0 {
		md["patch_tx_hashes"] = s.PatchTxHashes
	}
	if s.SessionRegistry != "" {
		md["session_registry"] = s.SessionRegistry
	}
	if len(s.GrantedRoles) > 0 {
		md["roles"] = s.GrantedRoles
	}
	return md
}

// finalize archives the receipt when configured. An archive failure is
// logged and does not fail a market that is already persisted.
func (o *Orchestrator) finalize(ctx context.Context, _ Reporter, s State) (State, Outcome) {
	if o.blob == nil || !o.opts.ArchiveReceipts || s.Receipt == nil {
		return s, Success()
	}
	path := fmt.Sprintf("receipts/%d/%s.json", o.factory.ChainID(), strings.ToLower(s.TxHash))
	body, err := json.Marshal(struct {
		PipelineID string                `json:"pipelineId"`
		Market     domain.MarketCreated  `json:"market"`
		Receipt    *domain.TxReceipt     `json:"receipt"`
		Bond       *domain.BondBreakdown `json:"bond,omitempty"`
		Patches    []string              `json:"patchTxHashes,omitempty"`
	}{s.PipelineID, s.Market, s.Receipt, s.Bond, s.PatchTxHashes})
	if err != nil {
		return s, Fatal(fmt.Errorf("encode receipt archive: %w", err))
	}
	if err := o.blob.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		o.logger.WarnContext(ctx, "receipt archive failed",
			slog.String("pipeline_id", s.PipelineID),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return s, Success()
	}
	s.ArchivePath = path
	return s, Success()
}

// waitMined waits for txHash under the confirmation timeout. A timeout is
// transient; a reverted transaction is not.
func (o *Orchestrator) waitMined(ctx context.Context, txHash string) (domain.TxReceipt, error) {
	if txHash == "" {
		return domain.TxReceipt{}, errors.New("no transaction hash to wait for")
	}
	waitCtx, cancel := context.WithTimeout(ctx, o.opts.ConfirmTimeout)
	defer cancel()
	receipt, err := o.factory.WaitMined(waitCtx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTransient) {
			err = fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
		return domain.TxReceipt{}, fmt.Errorf("confirm %s: %w", txHash, err)
	}
	if !receipt.Success {
		return receipt, fmt.Errorf("transaction %s reverted in block %d", txHash, receipt.BlockNumber)
	}
	return receipt, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
