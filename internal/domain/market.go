package domain

import (
	"fmt"
	"strings"
	"time"
)

// MarketDraft is the single mutable aggregate behind a creation session.
// Discovery stage is derived from it, never stored alongside it.
type MarketDraft struct {
	Prompt         string            `json:"prompt" yaml:"prompt"`
	Name           string            `json:"name" yaml:"name"`
	Description    string            `json:"description" yaml:"description"`
	IconURL        string            `json:"icon_url" yaml:"icon_url"`
	SelectedSource *SourceCandidate  `json:"selected_source,omitempty" yaml:"selected_source,omitempty"`
	Validation     *ValidationResult `json:"validation,omitempty" yaml:"validation,omitempty"`
	StartPrice     string            `json:"start_price" yaml:"start_price"`
	Definition     *DefinitionResult `json:"definition,omitempty" yaml:"definition,omitempty"`

	NameConfirmed        bool `json:"name_confirmed" yaml:"name_confirmed"`
	DescriptionConfirmed bool `json:"description_confirmed" yaml:"description_confirmed"`
	IconConfirmed        bool `json:"icon_confirmed" yaml:"icon_confirmed"`
}

// Clone returns a deep copy so pipeline steps never share pointers with the
// discovery session.
func (d MarketDraft) Clone() MarketDraft {
	out := d
	if d.SelectedSource != nil {
		s := *d.SelectedSource
		out.SelectedSource = &s
	}
	if d.Validation != nil {
		v := *d.Validation
		v.Sources = append([]EvidenceSource(nil), d.Validation.Sources...)
		out.Validation = &v
	}
	if d.Definition != nil {
		def := *d.Definition
		if d.Definition.Definition != nil {
			m := *d.Definition.Definition
			def.Definition = &m
		}
		out.Definition = &def
	}
	return out
}

// Measurable reports whether the draft carries an accepted metric definition.
func (d MarketDraft) Measurable() bool {
	return d.Definition != nil && d.Definition.Measurable && d.Definition.Definition != nil
}

// Metric returns the accepted metric name, or "" when none is accepted.
func (d MarketDraft) Metric() string {
	if !d.Measurable() {
		return ""
	}
	return d.Definition.Definition.Name
}

// CheckComplete verifies the draft has every field a deployment needs.
func (d MarketDraft) CheckComplete() error {
	var missing []string
	if !d.Measurable() {
		missing = append(missing, "metric definition")
	}
	if strings.TrimSpace(d.Name) == "" || !d.NameConfirmed {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(d.Description) == "" || !d.DescriptionConfirmed {
		missing = append(missing, "description")
	}
	if d.SelectedSource == nil || d.Validation == nil {
		missing = append(missing, "validated source")
	}
	if strings.TrimSpace(d.IconURL) == "" || !d.IconConfirmed {
		missing = append(missing, "icon")
	}
	if strings.TrimSpace(d.StartPrice) == "" {
		missing = append(missing, "start price")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidDraft, strings.Join(missing, ", "))
	}
	return nil
}

// DeployedMarket is the terminal record written once per successful pipeline.
type DeployedMarket struct {
	Symbol          string         `json:"symbol"`
	MarketAddress   string         `json:"market_address"`
	MarketIDBytes32 string         `json:"market_id_bytes32"`
	ChainID         int64          `json:"chain_id"`
	TransactionHash string         `json:"transaction_hash"`
	PipelineID      string         `json:"pipeline_id"`
	Metadata        map[string]any `json:"metadata"`
	Bond            *BondBreakdown `json:"bond,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
