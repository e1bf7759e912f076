// Package evm implements domain.MarketFactory on an EVM chain with
// go-ethereum: the market factory, the per-market diamond (loupe, cut,
// session registry), access control roles and the bond manager.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Backend is the subset of *ethclient.Client the factory uses.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// FacetSpec is one facet the market must route, with the Solidity
// signatures of the functions it serves.
type FacetSpec struct {
	Name       string
	Address    string
	Signatures []string
}

// Config holds the contract addresses and transaction knobs.
type Config struct {
	ChainID            int64
	FactoryAddress     string
	InitializerAddress string
	BondManagerAddress string
	Facets             []FacetSpec
	GasLimitMultiplier float64
	PollInterval       time.Duration
}

// Factory implements domain.MarketFactory.
type Factory struct {
	backend     Backend
	key         *ecdsa.PrivateKey
	from        common.Address
	chainID     *big.Int
	factory     common.Address
	bondManager common.Address
	facets      domain.FacetConfig
	gasMult     float64
	poll        time.Duration
	logger      *slog.Logger

	// sendMu serialises nonce assignment across concurrent pipelines.
	sendMu sync.Mutex
}

// NewFactory creates a Factory that signs its own transactions with key.
func NewFactory(backend Backend, key *ecdsa.PrivateKey, cfg Config, logger *slog.Logger) (*Factory, error) {
	if key == nil {
		return nil, errors.New("evm: signing key is required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("evm: chain id must be positive, got %d", cfg.ChainID)
	}
	if !common.IsHexAddress(cfg.FactoryAddress) {
		return nil, fmt.Errorf("evm: invalid factory address %q", cfg.FactoryAddress)
	}
	facets, err := BuildFacetConfig(cfg.Facets, cfg.InitializerAddress)
	if err != nil {
		return nil, err
	}
	if cfg.GasLimitMultiplier < 1 {
		cfg.GasLimitMultiplier = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		backend: backend,
		key:     key,
		from:    ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		factory: common.HexToAddress(cfg.FactoryAddress),
		facets:  facets,
		gasMult: cfg.GasLimitMultiplier,
		poll:    cfg.PollInterval,
		logger:  logger.With(slog.String("component", "evm_factory")),
	}
	if cfg.BondManagerAddress != "" {
		if !common.IsHexAddress(cfg.BondManagerAddress) {
			return nil, fmt.Errorf("evm: invalid bond manager address %q", cfg.BondManagerAddress)
		}
		f.bondManager = common.HexToAddress(cfg.BondManagerAddress)
	}
	return f, nil
}

// SelectorOf returns the 4-byte selector of a Solidity function signature
// such as "transfer(address,uint256)".
func SelectorOf(signature string) domain.Selector {
	var s domain.Selector
	copy(s[:], ethcrypto.Keccak256([]byte(strings.ReplaceAll(signature, " ", "")))[:4])
	return s
}

// BuildFacetConfig turns facet specs into an Add cut set.
func BuildFacetConfig(specs []FacetSpec, initializer string) (domain.FacetConfig, error) {
	cfg := domain.FacetConfig{Initializer: initializer}
	for _, spec := range specs {
		if !common.IsHexAddress(spec.Address) {
			return domain.FacetConfig{}, fmt.Errorf("evm: facet %s: invalid address %q", spec.Name, spec.Address)
		}
		cut := domain.FacetCut{
			Name:         spec.Name,
			FacetAddress: common.HexToAddress(spec.Address).Hex(),
			Action:       domain.FacetCutAdd,
		}
		for _, sig := range spec.Signatures {
			cut.Selectors = append(cut.Selectors, SelectorOf(sig))
		}
		cfg.Cuts = append(cfg.Cuts, cut)
	}
	return cfg, nil
}

// ChainID returns the configured chain id.
func (f *Factory) ChainID() int64 { return f.chainID.Int64() }

// From returns the address that signs the factory's own transactions.
func (f *Factory) From() common.Address { return f.from }

// FacetConfig returns the static cut set every market is created with.
func (f *Factory) FacetConfig(_ context.Context) (domain.FacetConfig, error) {
	out := domain.FacetConfig{Initializer: f.facets.Initializer}
	for _, c := range f.facets.Cuts {
		c.Selectors = append([]domain.Selector(nil), c.Selectors...)
		out.Cuts = append(out.Cuts, c)
	}
	return out, nil
}

// BondConfig reads the bond parameters from the bond manager. Without a
// configured bond manager the bond is zero.
func (f *Factory) BondConfig(ctx context.Context) (domain.BondConfig, error) {
	if f.bondManager == (common.Address{}) {
		return domain.BondConfig{DefaultBondAmount: new(big.Int)}, nil
	}
	amountOut, err := f.call(ctx, bondManagerABI, f.bondManager, "defaultBondAmount")
	if err != nil {
		return domain.BondConfig{}, fmt.Errorf("evm: default bond amount: %w", err)
	}
	bpsOut, err := f.call(ctx, bondManagerABI, f.bondManager, "creationPenaltyBps")
	if err != nil {
		return domain.BondConfig{}, fmt.Errorf("evm: creation penalty bps: %w", err)
	}
	amount, ok := amountOut[0].(*big.Int)
	if !ok {
		return domain.BondConfig{}, fmt.Errorf("evm: default bond amount: unexpected type %T", amountOut[0])
	}
	bps, ok := bpsOut[0].(uint16)
	if !ok {
		return domain.BondConfig{}, fmt.Errorf("evm: creation penalty bps: unexpected type %T", bpsOut[0])
	}
	return domain.BondConfig{DefaultBondAmount: amount, CreationPenaltyBps: bps}, nil
}

// EncodeInitializer packs the initializer call run by the diamond during
// creation.
func (f *Factory) EncodeInitializer(symbol, metricURL string, startPrice *big.Int) ([]byte, error) {
	if startPrice == nil {
		return nil, errors.New("evm: encode initializer: start price is required")
	}
	data, err := initializerABI.Pack("initialize", symbol, metricURL, startPrice)
	if err != nil {
		return nil, fmt.Errorf("evm: encode initializer: %w", err)
	}
	return data, nil
}

// MetaNonce returns the creator's next meta request nonce.
func (f *Factory) MetaNonce(ctx context.Context, creator string) (*big.Int, error) {
	out, err := f.call(ctx, factoryABI, f.factory, "metaNonces", common.HexToAddress(creator))
	if err != nil {
		return nil, fmt.Errorf("evm: meta nonce: %w", err)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: meta nonce: unexpected type %T", out[0])
	}
	return n, nil
}

// PreflightCreate simulates createMarket. A revert is returned without
// ErrTransient since resubmitting the same call cannot succeed.
func (f *Factory) PreflightCreate(ctx context.Context, params domain.CreateMarketParams) error {
	data, err := packCreate(params)
	if err != nil {
		return err
	}
	to := f.factory
	if _, err := f.backend.CallContract(ctx, ethereum.CallMsg{From: f.from, To: &to, Data: data}, nil); err != nil {
		return fmt.Errorf("evm: preflight createMarket: %w", classify(err))
	}
	return nil
}

// SubmitCreate broadcasts createMarket and returns the tx hash.
func (f *Factory) SubmitCreate(ctx context.Context, params domain.CreateMarketParams) (string, error) {
	data, err := packCreate(params)
	if err != nil {
		return "", err
	}
	hash, err := f.send(ctx, f.factory, data)
	if err != nil {
		return "", fmt.Errorf("evm: submit createMarket: %w", err)
	}
	return hash, nil
}

func packCreate(p domain.CreateMarketParams) ([]byte, error) {
	if p.StartPrice == nil {
		return nil, errors.New("evm: pack createMarket: start price is required")
	}
	data, err := factoryABI.Pack("createMarket",
		p.Symbol, p.MetricURL, p.StartPrice, common.HexToAddress(p.Creator),
		toABICuts(p.Cuts), common.HexToAddress(p.Initializer), p.InitCalldata,
	)
	if err != nil {
		return nil, fmt.Errorf("evm: pack createMarket: %w", err)
	}
	return data, nil
}

// WaitMined polls for the receipt of txHash until it is mined or ctx ends.
// A reverted transaction is returned with Success false and a nil error.
func (f *Factory) WaitMined(ctx context.Context, txHash string) (domain.TxReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	for {
		receipt, err := f.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return toDomainReceipt(receipt), nil
		case errors.Is(err, ethereum.NotFound):
		default:
			f.logger.DebugContext(ctx, "receipt poll failed",
				slog.String("tx_hash", txHash),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return domain.TxReceipt{}, fmt.Errorf("evm: wait mined %s: %w: %w", txHash, domain.ErrTransient, ctx.Err())
		case <-ticker.C:
		}
	}
}

func toDomainReceipt(r *types.Receipt) domain.TxReceipt {
	out := domain.TxReceipt{
		TxHash:  r.TxHash.Hex(),
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		tl := domain.TxLog{Address: l.Address.Hex(), Data: l.Data}
		for _, t := range l.Topics {
			tl.Topics = append(tl.Topics, t.Hex())
		}
		out.Logs = append(out.Logs, tl)
	}
	return out
}

// ParseMarketCreated decodes the factory's MarketCreated event from receipt.
func (f *Factory) ParseMarketCreated(receipt domain.TxReceipt) (domain.MarketCreated, error) {
	event := factoryABI.Events["MarketCreated"]
	for _, l := range receipt.Logs {
		if !strings.EqualFold(l.Address, f.factory.Hex()) || len(l.Topics) != 4 {
			continue
		}
		if common.HexToHash(l.Topics[0]) != event.ID {
			continue
		}
		values, err := factoryABI.Unpack("MarketCreated", l.Data)
		if err != nil {
			return domain.MarketCreated{}, fmt.Errorf("evm: decode MarketCreated: %w", err)
		}
		symbol, _ := values[0].(string)
		return domain.MarketCreated{
			MarketAddress: common.HexToAddress(l.Topics[1]).Hex(),
			MarketID:      common.HexToHash(l.Topics[2]).Hex(),
			Symbol:        symbol,
			Creator:       common.HexToAddress(l.Topics[3]).Hex(),
		}, nil
	}
	return domain.MarketCreated{}, fmt.Errorf("evm: no MarketCreated event from %s in tx %s", f.factory.Hex(), receipt.TxHash)
}

// MissingSelectors asks the market's loupe which of required route to no
// facet.
func (f *Factory) MissingSelectors(ctx context.Context, market string, required []domain.Selector) ([]domain.Selector, error) {
	addr := common.HexToAddress(market)
	var missing []domain.Selector
	for _, s := range required {
		out, err := f.call(ctx, diamondABI, addr, "facetAddress", [4]byte(s))
		if err != nil {
			return nil, fmt.Errorf("evm: facetAddress(%s): %w", s.Hex(), err)
		}
		facet, ok := out[0].(common.Address)
		if !ok {
			return nil, fmt.Errorf("evm: facetAddress(%s): unexpected type %T", s.Hex(), out[0])
		}
		if facet == (common.Address{}) {
			missing = append(missing, s)
		}
	}
	return missing, nil
}

// SubmitDiamondCut broadcasts a diamondCut on market with no initializer.
func (f *Factory) SubmitDiamondCut(ctx context.Context, market string, cuts []domain.FacetCut) (string, error) {
	data, err := diamondABI.Pack("diamondCut", toABICuts(cuts), common.Address{}, []byte{})
	if err != nil {
		return "", fmt.Errorf("evm: pack diamondCut: %w", err)
	}
	hash, err := f.send(ctx, common.HexToAddress(market), data)
	if err != nil {
		return "", fmt.Errorf("evm: submit diamondCut: %w", err)
	}
	return hash, nil
}

// SessionRegistry returns the registry currently attached to market.
func (f *Factory) SessionRegistry(ctx context.Context, market string) (string, error) {
	out, err := f.call(ctx, diamondABI, common.HexToAddress(market), "sessionRegistry")
	if err != nil {
		return "", fmt.Errorf("evm: sessionRegistry: %w", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("evm: sessionRegistry: unexpected type %T", out[0])
	}
	return addr.Hex(), nil
}

// SubmitSetSessionRegistry broadcasts setSessionRegistry on market.
func (f *Factory) SubmitSetSessionRegistry(ctx context.Context, market, registry string) (string, error) {
	data, err := diamondABI.Pack("setSessionRegistry", common.HexToAddress(registry))
	if err != nil {
		return "", fmt.Errorf("evm: pack setSessionRegistry: %w", err)
	}
	hash, err := f.send(ctx, common.HexToAddress(market), data)
	if err != nil {
		return "", fmt.Errorf("evm: submit setSessionRegistry: %w", err)
	}
	return hash, nil
}

// RoleID returns the bytes32 role id for role. A 0x-prefixed 32-byte hex
// string is used as is; anything else is hashed like Solidity's
// keccak256("ROLE_NAME").
func RoleID(role string) [32]byte {
	if strings.HasPrefix(role, "0x") && len(role) == 66 {
		return common.HexToHash(role)
	}
	return common.BytesToHash(ethcrypto.Keccak256([]byte(role)))
}

// HasRole reports whether grant.Account holds grant.Role on grant.Contract.
func (f *Factory) HasRole(ctx context.Context, grant domain.RoleGrant) (bool, error) {
	out, err := f.call(ctx, accessControlABI, common.HexToAddress(grant.Contract), "hasRole",
		RoleID(grant.Role), common.HexToAddress(grant.Account))
	if err != nil {
		return false, fmt.Errorf("evm: hasRole %s: %w", grant.Role, err)
	}
	has, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("evm: hasRole %s: unexpected type %T", grant.Role, out[0])
	}
	return has, nil
}

// SubmitGrantRole broadcasts grantRole on grant.Contract.
func (f *Factory) SubmitGrantRole(ctx context.Context, grant domain.RoleGrant) (string, error) {
	data, err := accessControlABI.Pack("grantRole", RoleID(grant.Role), common.HexToAddress(grant.Account))
	if err != nil {
		return "", fmt.Errorf("evm: pack grantRole: %w", err)
	}
	hash, err := f.send(ctx, common.HexToAddress(grant.Contract), data)
	if err != nil {
		return "", fmt.Errorf("evm: submit grantRole %s: %w", grant.Role, err)
	}
	return hash, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

type abiFacetCut struct {
	FacetAddress      common.Address
	Action            uint8
	FunctionSelectors [][4]byte
}

func toABICuts(cuts []domain.FacetCut) []abiFacetCut {
	out := make([]abiFacetCut, 0, len(cuts))
	for _, c := range cuts {
		sels := make([][4]byte, 0, len(c.Selectors))
		for _, s := range c.Selectors {
			sels = append(sels, [4]byte(s))
		}
		out = append(out, abiFacetCut{
			FacetAddress:      common.HexToAddress(c.FacetAddress),
			Action:            uint8(c.Action),
			FunctionSelectors: sels,
		})
	}
	return out
}

// call runs a read-only contract call and unpacks its outputs.
func (f *Factory) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := f.backend.CallContract(ctx, ethereum.CallMsg{From: f.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return out, nil
}

// send signs and broadcasts an EIP-1559 transaction from the factory key.
func (f *Factory) send(ctx context.Context, to common.Address, data []byte) (string, error) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	gas, err := f.backend.EstimateGas(ctx, ethereum.CallMsg{From: f.from, To: &to, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", classify(err))
	}
	gas = uint64(float64(gas) * f.gasMult)

	nonce, err := f.backend.PendingNonceAt(ctx, f.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", classify(err))
	}
	tip, err := f.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest tip: %w", classify(err))
	}
	head, err := f.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("latest header: %w", classify(err))
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(f.chainID), f.key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
	}
	if err := f.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", classify(err))
	}

	hash := signed.Hash().Hex()
	f.logger.InfoContext(ctx, "transaction sent",
		slog.String("to", to.Hex()),
		slog.String("tx_hash", hash),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)
	return hash, nil
}

// classify wraps err with ErrTransient unless the node reported a revert.
func classify(err error) error {
	if isRevert(err) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransient, err)
}

func isRevert(err error) bool {
	var de rpc.DataError
	if errors.As(err, &de) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert")
}

// Compile-time interface check.
var _ domain.MarketFactory = (*Factory)(nil)
