package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

const pipelineColumns = `
	id, mode, steps, active_index, status, failed_step, error, tx_hash,
	market_address, attempts, draft, created_at, updated_at`

// PipelineStore implements domain.PipelineStore using PostgreSQL.
type PipelineStore struct {
	pool *pgxpool.Pool
}

// NewPipelineStore creates a new PipelineStore backed by the given pool.
func NewPipelineStore(pool *pgxpool.Pool) *PipelineStore {
	return &PipelineStore{pool: pool}
}

// Save upserts the pipeline summary. active_index never moves backwards even
// if saves arrive out of order.
func (s *PipelineStore) Save(ctx context.Context, rec domain.PipelineRecord) error {
	if rec.Attempts == nil {
		rec.Attempts = map[string]int{}
	}
	attempts, err := json.Marshal(rec.Attempts)
	if err != nil {
		return fmt.Errorf("postgres: marshal pipeline attempts: %w", err)
	}
	draft, err := json.Marshal(rec.Draft)
	if err != nil {
		return fmt.Errorf("postgres: marshal pipeline draft: %w", err)
	}

	const query = `
		INSERT INTO pipelines (
			id, mode, steps, active_index, status, failed_step, error, tx_hash,
			market_address, attempts, draft, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			NULLIF($9, ''), $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			active_index   = GREATEST(pipelines.active_index, EXCLUDED.active_index),
			status         = EXCLUDED.status,
			failed_step    = EXCLUDED.failed_step,
			error          = EXCLUDED.error,
			tx_hash        = COALESCE(EXCLUDED.tx_hash, pipelines.tx_hash),
			market_address = COALESCE(EXCLUDED.market_address, pipelines.market_address),
			attempts       = EXCLUDED.attempts,
			updated_at     = NOW()`

	_, err = s.pool.Exec(ctx, query,
		rec.ID, rec.Mode, rec.Steps, rec.ActiveIndex, string(rec.Status),
		rec.FailedStep, rec.Error, rec.TxHash, rec.MarketAddress,
		attempts, draft, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save pipeline %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a pipeline by id.
func (s *PipelineStore) Get(ctx context.Context, id string) (domain.PipelineRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	rec, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PipelineRecord{}, fmt.Errorf("postgres: get pipeline %s: %w", id, domain.ErrPipelineNotFound)
		}
		return domain.PipelineRecord{}, fmt.Errorf("postgres: get pipeline %s: %w", id, err)
	}
	return rec, nil
}

// List returns pipelines most recently updated first.
func (s *PipelineStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.PipelineRecord, error) {
	query, args := listQuery(
		`SELECT `+pipelineColumns+` FROM pipelines WHERE 1=1`,
		"updated_at", opts, nil,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pipelines: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineRecord
	for rows.Next() {
		rec, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list pipelines: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pipelines rows: %w", err)
	}
	return out, nil
}

func scanPipeline(row pgx.Row) (domain.PipelineRecord, error) {
	var (
		rec                                     domain.PipelineRecord
		status                                  string
		failedStep, errMsg, txHash, marketAddr *string
		attempts, draft                         []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Mode, &rec.Steps, &rec.ActiveIndex, &status, &failedStep, &errMsg, &txHash,
		&marketAddr, &attempts, &draft, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PipelineRecord{}, domain.ErrNotFound
		}
		return domain.PipelineRecord{}, err
	}
	rec.Status = domain.PipelineStatus(status)
	rec.FailedStep = deref(failedStep)
	rec.Error = deref(errMsg)
	rec.TxHash = deref(txHash)
	rec.MarketAddress = deref(marketAddr)
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &rec.Attempts); err != nil {
			return domain.PipelineRecord{}, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	if len(draft) > 0 {
		if err := json.Unmarshal(draft, &rec.Draft); err != nil {
			return domain.PipelineRecord{}, fmt.Errorf("unmarshal draft: %w", err)
		}
	}
	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Compile-time interface check.
var _ domain.PipelineStore = (*PipelineStore)(nil)
