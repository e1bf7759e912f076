package metricai

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// flexString unmarshals from a JSON string or number so "value": 65000.12
// and "value": "65,000.12" both decode.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// --------------------------------------------------------------------------
// Definition service DTOs
// --------------------------------------------------------------------------

type defineRequest struct {
	Description string `json:"description"`
	Mode        string `json:"mode"`
}

// APIDefinition is the definition service response.
type APIDefinition struct {
	Measurable       bool                     `json:"measurable"`
	MetricDefinition *domain.MetricDefinition `json:"metric_definition,omitempty"`
	RejectionReason  string                   `json:"rejection_reason,omitempty"`
}

// ToDomain converts the response to a domain.DefinitionResult.
func (a APIDefinition) ToDomain() domain.DefinitionResult {
	return domain.DefinitionResult{
		Measurable:      a.Measurable,
		Definition:      a.MetricDefinition,
		RejectionReason: a.RejectionReason,
	}
}

// --------------------------------------------------------------------------
// Discovery service DTOs
// --------------------------------------------------------------------------

type discoverRequest struct {
	Description     string   `json:"description"`
	Mode            string   `json:"mode"`
	SearchVariation int      `json:"searchVariation"`
	ExcludeURLs     []string `json:"excludeUrls"`
}

// APISource is one ranked source as sent by the discovery service.
type APISource struct {
	URL        string  `json:"url"`
	Authority  string  `json:"authority"`
	Confidence float64 `json:"confidence"`
}

func (a APISource) toDomain(primary bool) domain.SourceCandidate {
	return domain.SourceCandidate{
		URL:        strings.TrimSpace(a.URL),
		Authority:  a.Authority,
		Confidence: clamp01(a.Confidence),
		IsPrimary:  primary,
	}
}

// APIDiscovery is the discovery service response.
type APIDiscovery struct {
	Sources struct {
		PrimarySource    *APISource  `json:"primary_source"`
		SecondarySources []APISource `json:"secondary_sources"`
	} `json:"sources"`
	SearchResults []domain.SearchResult `json:"search_results"`
}

// ToDomain converts the response to a domain.DiscoveryResult.
func (a APIDiscovery) ToDomain() domain.DiscoveryResult {
	var out domain.DiscoveryResult
	if p := a.Sources.PrimarySource; p != nil && p.URL != "" {
		c := p.toDomain(true)
		out.Primary = &c
	}
	out.Secondary = make([]domain.SourceCandidate, 0, len(a.Sources.SecondarySources))
	for _, s := range a.Sources.SecondarySources {
		if s.URL == "" {
			continue
		}
		out.Secondary = append(out.Secondary, s.toDomain(false))
	}
	out.SearchResults = a.SearchResults
	return out
}

// --------------------------------------------------------------------------
// Validation service DTOs
// --------------------------------------------------------------------------

type validateRequest struct {
	Metric  string   `json:"metric"`
	URLs    []string `json:"urls"`
	Context string   `json:"context"`
}

// Job states reported by the validation service.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// APIValidationJob is the envelope returned when submitting or polling a
// validation job.
type APIValidationJob struct {
	JobID  string         `json:"job_id"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Result *APIValidation `json:"result,omitempty"`
}

// APIValidation is a completed validation.
type APIValidation struct {
	Value                flexString              `json:"value"`
	Unit                 string                  `json:"unit"`
	AsOf                 string                  `json:"as_of"`
	Confidence           float64                 `json:"confidence"`
	AssetPriceSuggestion flexString              `json:"asset_price_suggestion"`
	Sources              []domain.EvidenceSource `json:"sources"`
}

// ToDomain converts the response to a domain.ValidationResult. An
// unparseable as_of is left zero.
func (a APIValidation) ToDomain() domain.ValidationResult {
	v := domain.ValidationResult{
		Value:                strings.TrimSpace(string(a.Value)),
		Unit:                 a.Unit,
		Confidence:           clamp01(a.Confidence),
		AssetPriceSuggestion: strings.TrimSpace(string(a.AssetPriceSuggestion)),
		Sources:              a.Sources,
	}
	if t, err := time.Parse(time.RFC3339, a.AsOf); err == nil {
		v.AsOf = t.UTC()
	}
	return v
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
