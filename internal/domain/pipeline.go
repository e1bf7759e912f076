package domain

import (
	"context"
	"time"
)

// PipelineStatus is the lifecycle state of a deployment pipeline.
type PipelineStatus string

const (
	PipelineStatusPending   PipelineStatus = "pending"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusSucceeded PipelineStatus = "succeeded"
	PipelineStatusFailed    PipelineStatus = "failed"
	PipelineStatusCancelled PipelineStatus = "cancelled"
	// PipelineStatusOrphaned means the owner cancelled after a transaction
	// was broadcast. On-chain state may have changed and needs manual
	// reconciliation against the recorded tx hash.
	PipelineStatusOrphaned PipelineStatus = "orphaned"
)

// Terminal reports whether no further steps will run.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineStatusSucceeded, PipelineStatusFailed, PipelineStatusCancelled, PipelineStatusOrphaned:
		return true
	}
	return false
}

// StepStatus is the status carried by a progress event.
type StepStatus string

const (
	StepStatusSent    StepStatus = "sent"
	StepStatusMined   StepStatus = "mined"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
)

// ProgressEvent is one step-level update published on the progress channel.
type ProgressEvent struct {
	PipelineID string         `json:"pipelineId"`
	Seq        int64          `json:"seq"`
	Step       string         `json:"step"`
	StepIndex  int            `json:"stepIndex"`
	Status     StepStatus     `json:"status"`
	Attempt    int            `json:"attempt,omitempty"`
	TxHash     string         `json:"txHash,omitempty"`
	Error      string         `json:"error,omitempty"`
	Pipeline   PipelineStatus `json:"pipelineStatus,omitempty"`
	Terminal   bool           `json:"terminal,omitempty"`
	Time       time.Time      `json:"time"`
}

// ProgressPublisher delivers progress events for a pipeline.
type ProgressPublisher interface {
	Publish(ctx context.Context, ev ProgressEvent) error
}

// PipelineRecord is the persisted summary of one pipeline run.
type PipelineRecord struct {
	ID            string         `json:"id"`
	Mode          string         `json:"mode"`
	Steps         []string       `json:"steps"`
	ActiveIndex   int            `json:"activeIndex"`
	Status        PipelineStatus `json:"status"`
	FailedStep    string         `json:"failedStep,omitempty"`
	Error         string         `json:"error,omitempty"`
	TxHash        string         `json:"txHash,omitempty"`
	MarketAddress string         `json:"marketAddress,omitempty"`
	Attempts      map[string]int `json:"attempts"`
	Draft         MarketDraft    `json:"draft"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}
