// Package deploy runs market deployment pipelines: a fixed, named sequence
// of steps per mode, each retried with bounded exponential backoff, with
// progress published per step and the outcome persisted once.
package deploy

import (
	"fmt"
	"strings"
)

// Mode selects how the creation transaction reaches the chain.
type Mode string

const (
	// ModeSponsored signs a meta request and lets the relayer pay gas.
	ModeSponsored Mode = "sponsored"
	// ModeDirect sends the creation transaction from the deployer key.
	ModeDirect Mode = "direct"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSponsored, ModeDirect:
		return m, nil
	default:
		return "", fmt.Errorf("deploy: unknown mode %q (want sponsored or direct)", s)
	}
}

// StepName identifies one pipeline step.
type StepName string

const (
	StepFetchFacetConfig      StepName = "fetch_facet_config"
	StepBuildInitializer      StepName = "build_initializer"
	StepPrepareMetaRequest    StepName = "prepare_meta_request"
	StepSignMetaRequest       StepName = "sign_meta_request"
	StepSubmitRelayer         StepName = "submit_relayer"
	StepPreflightStaticCall   StepName = "preflight_static_call"
	StepSubmitTransaction     StepName = "submit_transaction"
	StepAwaitConfirmation     StepName = "await_confirmation"
	StepParseCreationEvent    StepName = "parse_creation_event"
	StepVerifySelectors       StepName = "verify_selectors"
	StepPatchSelectors        StepName = "patch_selectors"
	StepAttachSessionRegistry StepName = "attach_session_registry"
	StepGrantRoles            StepName = "grant_roles"
	StepPersistMetadata       StepName = "persist_metadata"
	StepFinalize              StepName = "finalize"
)

var sponsoredSteps = []StepName{
	StepFetchFacetConfig,
	StepBuildInitializer,
	StepPrepareMetaRequest,
	StepSignMetaRequest,
	StepSubmitRelayer,
	StepAwaitConfirmation,
	StepParseCreationEvent,
	StepVerifySelectors,
	StepPatchSelectors,
	StepAttachSessionRegistry,
	StepGrantRoles,
	StepPersistMetadata,
	StepFinalize,
}

var directSteps = []StepName{
	StepFetchFacetConfig,
	StepBuildInitializer,
	StepPreflightStaticCall,
	StepSubmitTransaction,
	StepAwaitConfirmation,
	StepParseCreationEvent,
	StepVerifySelectors,
	StepPatchSelectors,
	StepGrantRoles,
	StepPersistMetadata,
	StepFinalize,
}

// broadcastingSteps may put a transaction on chain. Once one of them has
// started, cancelling the pipeline orphans it instead of cancelling it.
var broadcastingSteps = map[StepName]bool{
	StepSubmitRelayer:         true,
	StepSubmitTransaction:     true,
	StepPatchSelectors:        true,
	StepAttachSessionRegistry: true,
	StepGrantRoles:            true,
}

// StepsFor returns the ordered step list of mode.
func StepsFor(mode Mode) ([]StepName, error) {
	switch mode {
	case ModeSponsored:
		return append([]StepName(nil), sponsoredSteps...), nil
	case ModeDirect:
		return append([]StepName(nil), directSteps...), nil
	default:
		return nil, fmt.Errorf("deploy: unknown mode %q", mode)
	}
}

// Plan is the fixed, ordered step list of one mode with its ordinal map.
type Plan struct {
	mode    Mode
	steps   []StepName
	ordinal map[StepName]int
}

// NewPlan builds the plan for mode and checks every step against
// implemented. A step without an implementation fails construction.
func NewPlan(mode Mode, implemented func(StepName) bool) (*Plan, error) {
	steps, err := StepsFor(mode)
	if err != nil {
		return nil, err
	}
	p := &Plan{mode: mode, steps: steps, ordinal: make(map[StepName]int, len(steps))}
	for i, s := range steps {
		if _, dup := p.ordinal[s]; dup {
			return nil, fmt.Errorf("deploy: plan %s: duplicate step %s", mode, s)
		}
		if implemented != nil && !implemented(s) {
			return nil, fmt.Errorf("deploy: plan %s: step %s has no implementation", mode, s)
		}
		p.ordinal[s] = i
	}
	return p, nil
}

// Mode returns the plan's mode.
func (p *Plan) Mode() Mode { return p.mode }

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.steps) }

// Step returns the name at ordinal i.
func (p *Plan) Step(i int) StepName { return p.steps[i] }

// Index returns the ordinal of name.
func (p *Plan) Index(name StepName) (int, bool) {
	i, ok := p.ordinal[name]
	return i, ok
}

// Names returns the step names as strings, in order.
func (p *Plan) Names() []string {
	out := make([]string, len(p.steps))
	for i, s := range p.steps {
		out[i] = string(s)
	}
	return out
}
