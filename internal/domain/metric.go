package domain

import (
	"context"
	"time"
)

// MetricDefinition is the structured, measurable form of a free-text metric
// description. It is re-derived on each clarification round and never
// mutated after acceptance.
type MetricDefinition struct {
	Name              string `json:"name" yaml:"name"`
	Unit              string `json:"unit" yaml:"unit"`
	Scope             string `json:"scope" yaml:"scope"`
	TimeBasis         string `json:"time_basis" yaml:"time_basis"`
	MeasurementMethod string `json:"measurement_method" yaml:"measurement_method"`
}

// DefinitionResult is the outcome of one call to the definition service.
type DefinitionResult struct {
	Measurable      bool              `json:"measurable" yaml:"measurable"`
	Definition      *MetricDefinition `json:"metric_definition,omitempty" yaml:"metric_definition,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty" yaml:"rejection_reason,omitempty"`
}

// SourceCandidate is one ranked data source. Confidence is advisory and is
// never used for settlement.
type SourceCandidate struct {
	URL          string  `json:"url" yaml:"url"`
	Authority    string  `json:"authority" yaml:"authority"`
	Confidence   float64 `json:"confidence" yaml:"confidence"`
	IsPrimary    bool    `json:"is_primary" yaml:"is_primary"`
	UserProvided bool    `json:"user_provided,omitempty" yaml:"user_provided,omitempty"`
}

// SearchResult is a raw hit returned alongside ranked sources.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// DiscoveryRequest asks the discovery service for ranked sources.
type DiscoveryRequest struct {
	Description     string
	SearchVariation int
	ExcludeURLs     []string
}

// DiscoveryResult holds ranked candidates; Primary may be nil.
type DiscoveryResult struct {
	Primary       *SourceCandidate  `json:"primary_source,omitempty"`
	Secondary     []SourceCandidate `json:"secondary_sources"`
	SearchResults []SearchResult    `json:"search_results"`
}

// Candidates returns the primary source (if any) followed by the secondaries.
func (r DiscoveryResult) Candidates() []SourceCandidate {
	out := make([]SourceCandidate, 0, len(r.Secondary)+1)
	if r.Primary != nil {
		p := *r.Primary
		p.IsPrimary = true
		out = append(out, p)
	}
	out = append(out, r.Secondary...)
	return out
}

// ValidationRequest asks the validation service to extract a value from urls.
type ValidationRequest struct {
	Metric  string
	URLs    []string
	Context string
}

// EvidenceSource is one piece of evidence backing a validated value.
type EvidenceSource struct {
	URL     string `json:"url" yaml:"url"`
	Snippet string `json:"snippet,omitempty" yaml:"snippet,omitempty"`
}

// ValidationResult is evidence that a source yields a usable numeric value.
type ValidationResult struct {
	Value                string           `json:"value" yaml:"value"`
	Unit                 string           `json:"unit" yaml:"unit"`
	AsOf                 time.Time        `json:"as_of" yaml:"as_of"`
	Confidence           float64          `json:"confidence" yaml:"confidence"`
	AssetPriceSuggestion string           `json:"asset_price_suggestion,omitempty" yaml:"asset_price_suggestion,omitempty"`
	Sources              []EvidenceSource `json:"sources" yaml:"sources"`
}

// MetricDefiner turns free text into a measurable definition.
type MetricDefiner interface {
	Define(ctx context.Context, description string) (DefinitionResult, error)
}

// SourceDiscoverer ranks candidate data sources for a metric.
type SourceDiscoverer interface {
	Discover(ctx context.Context, req DiscoveryRequest) (DiscoveryResult, error)
}

// ValueValidator extracts a current numeric value from a source.
type ValueValidator interface {
	Validate(ctx context.Context, req ValidationRequest) (ValidationResult, error)
}

// ValidationCache stores validation results keyed by a normalised
// (metric, url) key.
type ValidationCache interface {
	GetValidation(ctx context.Context, key string) (ValidationResult, bool, error)
	SetValidation(ctx context.Context, key string, v ValidationResult) error
}
