package deploy

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// State is the snapshot a step receives and returns. Steps get a deep copy,
// so a failed attempt can never leak partial changes into the next one.
type State struct {
	PipelineID string
	StepIndex  int
	Draft      domain.MarketDraft

	Creator    string
	Symbol     string
	StartPrice *big.Int
	Facets     domain.FacetConfig
	InitData   []byte
	Bond       *domain.BondBreakdown

	Meta      *domain.MetaCreateRequest
	Signature []byte

	TxHash  string
	Receipt *domain.TxReceipt
	Market  domain.MarketCreated

	MissingSelectors []domain.Selector
	PatchTxHashes    []string
	SessionRegistry  string
	GrantedRoles     []string
	Persisted        bool
	ArchivePath      string
}

// CreateParams assembles the factory call from the built fields.
func (s State) CreateParams() domain.CreateMarketParams {
	return domain.CreateMarketParams{
		Symbol:       s.Symbol,
		MetricURL:    s.metricURL(),
		StartPrice:   s.StartPrice,
		Creator:      s.Creator,
		Cuts:         s.Facets.Cuts,
		Initializer:  s.Facets.Initializer,
		InitCalldata: s.InitData,
	}
}

func (s State) metricURL() string {
	if s.Draft.SelectedSource == nil {
		return ""
	}
	return s.Draft.SelectedSource.URL
}

func (s State) clone() State {
	out := s
	out.Draft = s.Draft.Clone()
	if s.StartPrice != nil {
		out.StartPrice = new(big.Int).Set(s.StartPrice)
	}
	out.Facets = cloneFacets(s.Facets)
	out.InitData = append([]byte(nil), s.InitData...)
	if s.Bond != nil {
		b := *s.Bond
		out.Bond = &b
	}
	if s.Meta != nil {
		m := *s.Meta
		m.Params.Cuts = cloneFacets(domain.FacetConfig{Cuts: s.Meta.Params.Cuts}).Cuts
		out.Meta = &m
	}
	out.Signature = append([]byte(nil), s.Signature...)
	if s.Receipt != nil {
		r := *s.Receipt
		r.Logs = append([]domain.TxLog(nil), s.Receipt.Logs...)
		out.Receipt = &r
	}
	out.MissingSelectors = append([]domain.Selector(nil), s.MissingSelectors...)
	out.PatchTxHashes = append([]string(nil), s.PatchTxHashes...)
	out.GrantedRoles = append([]string(nil), s.GrantedRoles...)
	return out
}

func cloneFacets(c domain.FacetConfig) domain.FacetConfig {
	out := domain.FacetConfig{Initializer: c.Initializer}
	for _, cut := range c.Cuts {
		cut.Selectors = append([]domain.Selector(nil), cut.Selectors...)
		out.Cuts = append(out.Cuts, cut)
	}
	return out
}

// OutcomeKind classifies the result of one step attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is what a step attempt reports back to the orchestrator.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Success reports a completed step.
func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

// Retryable reports a failure worth another attempt.
func Retryable(err error) Outcome { return Outcome{Kind: OutcomeRetryable, Err: err} }

// Fatal reports a failure that aborts the pipeline.
func Fatal(err error) Outcome { return Outcome{Kind: OutcomeFatal, Err: err} }

// outcomeOf maps err to an outcome: nil is success, ErrTransient is
// retryable, anything else is fatal.
func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Success()
	case errors.Is(err, domain.ErrTransient):
		return Retryable(err)
	default:
		return Fatal(err)
	}
}

// StepError is the failure surfaced when a pipeline aborts. It names the
// failing step and keeps the raw cause.
type StepError struct {
	Step     StepName
	Attempts int
	TxHash   string
	Err      error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("deploy: step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// DeriveSymbol builds a market symbol from name: upper-cased letters and
// digits, truncated to maxLen.
func DeriveSymbol(name string, maxLen int) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	sym := b.String()
	if sym == "" {
		return "", fmt.Errorf("%w: name %q yields an empty symbol", domain.ErrInvalidDraft, name)
	}
	if maxLen > 0 && len(sym) > maxLen {
		sym = sym[:maxLen]
	}
	return sym, nil
}

// ScalePrice converts a decimal string to an integer with decimals places,
// truncating any further precision. The result must be positive.
func ScalePrice(price string, decimals int) (*big.Int, error) {
	r, _, ok := domain.ParseDecimal(price)
	if !ok {
		return nil, fmt.Errorf("%w: start price %q is not a number", domain.ErrInvalidDraft, price)
	}
	if decimals < 0 {
		return nil, fmt.Errorf("%w: negative price decimals %d", domain.ErrInvalidDraft, decimals)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	out := new(big.Int).Quo(r.Num(), r.Denom())
	if out.Sign() <= 0 {
		return nil, fmt.Errorf("%w: start price %q must be positive at %d decimals", domain.ErrInvalidDraft, price, decimals)
	}
	return out, nil
}
