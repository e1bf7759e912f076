package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

const deployedMarketColumns = `
	transaction_hash, symbol, market_address, market_id_bytes32, chain_id,
	pipeline_id, metadata, bond, created_at, updated_at`

// DeployedMarketStore implements domain.DeployedMarketStore using PostgreSQL.
type DeployedMarketStore struct {
	pool *pgxpool.Pool
}

// NewDeployedMarketStore creates a new DeployedMarketStore backed by the
// given connection pool.
func NewDeployedMarketStore(pool *pgxpool.Pool) *DeployedMarketStore {
	return &DeployedMarketStore{pool: pool}
}

// Upsert inserts or updates a deployed market keyed by transaction hash. A
// second pipeline that observes the same transaction refreshes the row
// instead of duplicating it; created_at keeps its first value.
func (s *DeployedMarketStore) Upsert(ctx context.Context, m domain.DeployedMarket) error {
	if m.TransactionHash == "" {
		return fmt.Errorf("postgres: upsert deployed market: transaction hash is required")
	}
	metadata, err := json.Marshal(nonNilMap(m.Metadata))
	if err != nil {
		return fmt.Errorf("postgres: marshal market metadata: %w", err)
	}
	var bond []byte
	if m.Bond != nil {
		if bond, err = json.Marshal(m.Bond); err != nil {
			return fmt.Errorf("postgres: marshal market bond: %w", err)
		}
	}

	const query = `
		INSERT INTO deployed_markets (
			transaction_hash, symbol, market_address, market_id_bytes32, chain_id,
			pipeline_id, metadata, bond, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (transaction_hash) DO UPDATE SET
			symbol            = EXCLUDED.symbol,
			market_address    = EXCLUDED.market_address,
			market_id_bytes32 = EXCLUDED.market_id_bytes32,
			chain_id          = EXCLUDED.chain_id,
			pipeline_id       = EXCLUDED.pipeline_id,
			metadata          = EXCLUDED.metadata,
			bond              = COALESCE(EXCLUDED.bond, deployed_markets.bond),
			updated_at        = NOW()`

	_, err = s.pool.Exec(ctx, query,
		strings.ToLower(m.TransactionHash), m.Symbol, m.MarketAddress, m.MarketIDBytes32,
		m.ChainID, m.PipelineID, metadata, bond,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert deployed market %s: %w", m.TransactionHash, err)
	}
	return nil
}

// GetByTxHash returns the market created by txHash.
func (s *DeployedMarketStore) GetByTxHash(ctx context.Context, txHash string) (domain.DeployedMarket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deployedMarketColumns+` FROM deployed_markets WHERE transaction_hash = $1`,
		strings.ToLower(txHash),
	)
	m, err := scanDeployedMarket(row)
	if err != nil {
		return domain.DeployedMarket{}, fmt.Errorf("postgres: get deployed market by tx %s: %w", txHash, err)
	}
	return m, nil
}

// GetByAddress returns the market deployed at address.
func (s *DeployedMarketStore) GetByAddress(ctx context.Context, address string) (domain.DeployedMarket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deployedMarketColumns+` FROM deployed_markets WHERE lower(market_address) = lower($1)`,
		address,
	)
	m, err := scanDeployedMarket(row)
	if err != nil {
		return domain.DeployedMarket{}, fmt.Errorf("postgres: get deployed market %s: %w", address, err)
	}
	return m, nil
}

// List returns deployed markets newest first.
func (s *DeployedMarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.DeployedMarket, error) {
	query, args := listQuery(
		`SELECT `+deployedMarketColumns+` FROM deployed_markets WHERE 1=1`,
		"created_at", opts, nil,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deployed markets: %w", err)
	}
	defer rows.Close()

	var out []domain.DeployedMarket
	for rows.Next() {
		m, err := scanDeployedMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list deployed markets: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list deployed markets rows: %w", err)
	}
	return out, nil
}

func scanDeployedMarket(row pgx.Row) (domain.DeployedMarket, error) {
	var m domain.DeployedMarket
	var metadata, bond []byte
	err := row.Scan(
		&m.TransactionHash, &m.Symbol, &m.MarketAddress, &m.MarketIDBytes32, &m.ChainID,
		&m.PipelineID, &metadata, &bond, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeployedMarket{}, domain.ErrNotFound
		}
		return domain.DeployedMarket{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return domain.DeployedMarket{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(bond) > 0 {
		m.Bond = &domain.BondBreakdown{}
		if err := json.Unmarshal(bond, m.Bond); err != nil {
			return domain.DeployedMarket{}, fmt.Errorf("unmarshal bond: %w", err)
		}
	}
	return m, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Compile-time interface check.
var _ domain.DeployedMarketStore = (*DeployedMarketStore)(nil)
