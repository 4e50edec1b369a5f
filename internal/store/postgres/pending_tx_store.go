package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// PendingTxStore implements domain.PendingTxStore using PostgreSQL.
type PendingTxStore struct {
	pool *pgxpool.Pool
}

// NewPendingTxStore creates a new PendingTxStore.
func NewPendingTxStore(pool *pgxpool.Pool) *PendingTxStore {
	return &PendingTxStore{pool: pool}
}

// Upsert inserts a pending transaction or moves an existing one to the new stage.
func (s *PendingTxStore) Upsert(ctx context.Context, p domain.PendingTx) error {
	var deadline *time.Time
	if !p.Deadline.IsZero() {
		d := p.Deadline
		deadline = &d
	}

	const query = `
		INSERT INTO pending_transactions (tx_hash, chain_id, wallet, nonce, opportunity_id, stage, deadline, expected_profit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_hash) DO UPDATE SET
			stage = EXCLUDED.stage,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.TxHash, int64(p.ChainID), p.Wallet, int64(p.Nonce), p.OpportunityID,
		string(p.Stage), deadline, numeric(p.ExpectedProfit),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert pending tx %s: %w", p.TxHash, err)
	}
	return nil
}

// UpdateStage moves a recorded transaction to stage.
// It returns domain.ErrNotFound if no record exists for txHash.
func (s *PendingTxStore) UpdateStage(ctx context.Context, txHash string, stage domain.TxStage) error {
	const query = `UPDATE pending_transactions SET stage = $2, updated_at = NOW() WHERE tx_hash = $1`
	tag, err := s.pool.Exec(ctx, query, txHash, string(stage))
	if err != nil {
		return fmt.Errorf("postgres: update pending tx %s: %w", txHash, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListUnresolved returns transactions still submitting or confirming, ordered
// by chain and nonce.
func (s *PendingTxStore) ListUnresolved(ctx context.Context) ([]domain.PendingTx, error) {
	const query = `
		SELECT tx_hash, chain_id, wallet, nonce, opportunity_id, stage, deadline,
		       expected_profit::text, created_at, updated_at
		FROM pending_transactions
		WHERE stage IN ('submitting', 'confirming')
		ORDER BY chain_id, nonce`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending txs: %w", err)
	}
	defer rows.Close()

	var list []domain.PendingTx
	for rows.Next() {
		var (
			p              domain.PendingTx
			chainID, nonce int64
			stage, profit  string
			deadline       *time.Time
		)
		if err := rows.Scan(&p.TxHash, &chainID, &p.Wallet, &nonce, &p.OpportunityID, &stage, &deadline,
			&profit, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan pending tx: %w", err)
		}
		p.ChainID = uint64(chainID)
		p.Nonce = uint64(nonce)
		p.Stage = domain.TxStage(stage)
		if deadline != nil {
			p.Deadline = *deadline
		}
		if p.ExpectedProfit, err = parseNumeric(profit); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pending txs rows: %w", err)
	}
	return list, nil
}

// Compile-time interface check.
var _ domain.PendingTxStore = (*PendingTxStore)(nil)
