// Package discovery drives a market draft from a free-text metric
// description to a complete, source-backed definition ready to deploy.
package discovery

import (
	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Stage is a step of the creation wizard.
type Stage string

const (
	StageClarifyMetric Stage = "clarify_metric"
	StageName          Stage = "name"
	StageDescription   Stage = "description"
	StageSelectSource  Stage = "select_source"
	StageIcon          Stage = "icon"
	StageComplete      Stage = "complete"
)

var stageOrder = []Stage{
	StageClarifyMetric,
	StageName,
	StageDescription,
	StageSelectSource,
	StageIcon,
	StageComplete,
}

// Ordinal returns the position of s in the wizard, or -1 if unknown.
func (s Stage) Ordinal() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// DeriveStage computes the furthest stage reachable from the draft's
// confirmation flags. The stage is never stored; it is always recomputed.
func DeriveStage(d domain.MarketDraft) Stage {
	switch {
	case d.Definition == nil:
		return StageClarifyMetric
	case !d.Measurable():
		return StageClarifyMetric
	case !d.NameConfirmed:
		return StageName
	case !d.DescriptionConfirmed:
		return StageDescription
	case d.SelectedSource == nil || d.Validation == nil:
		return StageSelectSource
	case !d.IconConfirmed:
		return StageIcon
	default:
		return StageComplete
	}
}

// Field names an editable part of the draft. Fields are ordered the same
// way as the stages that confirm them.
type Field string

const (
	FieldMetric      Field = "metric"
	FieldName        Field = "name"
	FieldDescription Field = "description"
	FieldSource      Field = "source"
	FieldIcon        Field = "icon"
)

// ParseField maps s to a Field.
func ParseField(s string) (Field, bool) {
	switch f := Field(s); f {
	case FieldMetric, FieldName, FieldDescription, FieldSource, FieldIcon:
		return f, true
	}
	return "", false
}

// unconfirmFrom resets f and everything downstream of it.
func unconfirmFrom(d *domain.MarketDraft, f Field) {
	switch f {
	case FieldMetric:
		d.Definition = nil
		fallthrough
	case FieldName:
		d.NameConfirmed = false
		fallthrough
	case FieldDescription:
		d.DescriptionConfirmed = false
		fallthrough
	case FieldSource:
		d.SelectedSource = nil
		d.Validation = nil
		d.StartPrice = ""
		fallthrough
	case FieldIcon:
		d.IconConfirmed = false
	}
}
