package domain

import (
	"context"
	"encoding/hex"
	"math/big"
)

// Selector is a 4-byte function selector routed by a diamond.
type Selector [4]byte

// Hex returns the 0x-prefixed selector.
func (s Selector) Hex() string {
	return "0x" + hex.EncodeToString(s[:])
}

// FacetCutAction mirrors IDiamondCut.FacetCutAction.
type FacetCutAction uint8

const (
	FacetCutAdd     FacetCutAction = 0
	FacetCutReplace FacetCutAction = 1
	FacetCutRemove  FacetCutAction = 2
)

// FacetCut routes a set of selectors to one facet implementation.
type FacetCut struct {
	Name         string         `json:"name"`
	FacetAddress string         `json:"facetAddress"`
	Action       FacetCutAction `json:"action"`
	Selectors    []Selector     `json:"selectors"`
}

// FacetConfig is the cut set and initializer used to create a market.
type FacetConfig struct {
	Cuts        []FacetCut `json:"cuts"`
	Initializer string     `json:"initializer"`
}

// RequiredSelectors flattens every selector the market must route.
func (c FacetConfig) RequiredSelectors() []Selector {
	var out []Selector
	seen := make(map[Selector]bool)
	for _, cut := range c.Cuts {
		if cut.Action == FacetCutRemove {
			continue
		}
		for _, s := range cut.Selectors {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// RestrictTo returns Add cuts covering only the given selectors, grouped by
// the facet that should serve them.
func (c FacetConfig) RestrictTo(missing []Selector) []FacetCut {
	want := make(map[Selector]bool, len(missing))
	for _, s := range missing {
		want[s] = true
	}
	var out []FacetCut
	for _, cut := range c.Cuts {
		if cut.Action == FacetCutRemove {
			continue
		}
		var sel []Selector
		for _, s := range cut.Selectors {
			if want[s] {
				sel = append(sel, s)
				delete(want, s)
			}
		}
		if len(sel) > 0 {
			out = append(out, FacetCut{
				Name:         cut.Name,
				FacetAddress: cut.FacetAddress,
				Action:       FacetCutAdd,
				Selectors:    sel,
			})
		}
	}
	return out
}

// CreateMarketParams are the arguments of the factory's create call.
type CreateMarketParams struct {
	Symbol       string     `json:"symbol"`
	MetricURL    string     `json:"metricUrl"`
	StartPrice   *big.Int   `json:"startPrice"`
	Creator      string     `json:"creator"`
	Cuts         []FacetCut `json:"cuts"`
	Initializer  string     `json:"initializer"`
	InitCalldata []byte     `json:"initCalldata"`
}

// MetaCreateRequest is the typed payload a creator signs for sponsored
// creation.
type MetaCreateRequest struct {
	Params   CreateMarketParams `json:"params"`
	Nonce    *big.Int           `json:"nonce"`
	Deadline *big.Int           `json:"deadline"`
}

// SignedMetaRequest pairs a meta request with its 65-byte signature.
type SignedMetaRequest struct {
	Request   MetaCreateRequest `json:"request"`
	Signature []byte            `json:"signature"`
}

// TxLog is a receipt log in chain-agnostic form.
type TxLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    []byte   `json:"data"`
}

// TxReceipt is the subset of a mined receipt the pipeline needs.
type TxReceipt struct {
	TxHash      string  `json:"txHash"`
	BlockNumber uint64  `json:"blockNumber"`
	Success     bool    `json:"success"`
	GasUsed     uint64  `json:"gasUsed"`
	Logs        []TxLog `json:"logs"`
}

// MarketCreated is the decoded factory creation event.
type MarketCreated struct {
	MarketAddress string `json:"marketAddress"`
	MarketID      string `json:"marketId"`
	Symbol        string `json:"symbol"`
	Creator       string `json:"creator"`
}

// RoleGrant is one role the market must hold on a protocol contract.
type RoleGrant struct {
	Contract string `json:"contract"`
	Role     string `json:"role"`
	Account  string `json:"account"`
}

// MarketFactory is the chain surface used by the deployment pipeline.
// Implementations wrap transient RPC failures with ErrTransient.
//
// Precondition: the diamond treats adding a selector that already routes
// to the same facet as a no-op, so a repeated patch is safe.
type MarketFactory interface {
	ChainID() int64
	FacetConfig(ctx context.Context) (FacetConfig, error)
	BondConfig(ctx context.Context) (BondConfig, error)
	EncodeInitializer(symbol, metricURL string, startPrice *big.Int) ([]byte, error)
	MetaNonce(ctx context.Context, creator string) (*big.Int, error)
	PreflightCreate(ctx context.Context, params CreateMarketParams) error
	SubmitCreate(ctx context.Context, params CreateMarketParams) (string, error)
	WaitMined(ctx context.Context, txHash string) (TxReceipt, error)
	ParseMarketCreated(receipt TxReceipt) (MarketCreated, error)
	MissingSelectors(ctx context.Context, market string, required []Selector) ([]Selector, error)
	SubmitDiamondCut(ctx context.Context, market string, cuts []FacetCut) (string, error)
	SessionRegistry(ctx context.Context, market string) (string, error)
	SubmitSetSessionRegistry(ctx context.Context, market, registry string) (string, error)
	HasRole(ctx context.Context, grant RoleGrant) (bool, error)
	SubmitGrantRole(ctx context.Context, grant RoleGrant) (string, error)
}

// MetaRelayer forwards signed meta requests to a gas-sponsoring relayer.
type MetaRelayer interface {
	SubmitMetaCreate(ctx context.Context, req SignedMetaRequest) (string, error)
}
