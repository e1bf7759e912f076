package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// DeployedMarketStore persists deployed markets. Upsert is keyed by
// TransactionHash and must be idempotent.
type DeployedMarketStore interface {
	Upsert(ctx context.Context, market DeployedMarket) error
	GetByTxHash(ctx context.Context, txHash string) (DeployedMarket, error)
	GetByAddress(ctx context.Context, address string) (DeployedMarket, error)
	List(ctx context.Context, opts ListOpts) ([]DeployedMarket, error)
}

// PipelineStore persists pipeline run summaries.
type PipelineStore interface {
	Save(ctx context.Context, rec PipelineRecord) error
	Get(ctx context.Context, id string) (PipelineRecord, error)
	List(ctx context.Context, opts ListOpts) ([]PipelineRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
