package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// BatchStore implements domain.BatchStore using PostgreSQL.
type BatchStore struct {
	pool *pgxpool.Pool
}

// NewBatchStore creates a new BatchStore.
func NewBatchStore(pool *pgxpool.Pool) *BatchStore {
	return &BatchStore{pool: pool}
}

func numeric(v *big.Int) pgtype.Numeric {
	if v == nil {
		v = new(big.Int)
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Exp: 0, Valid: true}
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", s)
	}
	return v, nil
}

// InsertBatch stores a cycle and its executions in one transaction.
func (s *BatchStore) InsertBatch(ctx context.Context, b domain.BatchResult) error {
	id, err := uuid.Parse(b.ID)
	if err != nil {
		return fmt.Errorf("postgres: batch id %q: %w", b.ID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, started_at, completed_at, total, succeeded, failed, discarded, skipped, total_profit, total_gas_used, failure_ratio)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, b.StartedAt, b.CompletedAt, b.Total, b.Succeeded, b.Failed, b.Discarded, b.Skipped,
		numeric(b.TotalProfit), int64(b.TotalGasUsed), b.FailureRatio,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert batch %s: %w", b.ID, err)
	}

	if len(b.Results) > 0 {
		rows := make([][]any, 0, len(b.Results))
		for _, r := range b.Results {
			var nonce *int64
			if r.Nonce != nil {
				n := int64(*r.Nonce)
				nonce = &n
			}
			rows = append(rows, []any{
				id, r.OpportunityID, int64(r.ChainID), r.Wallet, r.Success, string(r.Status), string(r.Stage),
				r.TxHash, nonce, numeric(r.RealizedProfit), int64(r.GasUsed), numeric(r.GasCost),
				string(r.ErrorKind), r.Error, r.Attempts, r.Timestamp,
			})
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"executions"}, executionColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("postgres: insert executions for %s: %w", b.ID, err)
		}
	}

	return tx.Commit(ctx)
}

var executionColumns = []string{
	"batch_id", "opportunity_id", "chain_id", "wallet", "success", "status", "stage",
	"tx_hash", "nonce", "realized_profit", "gas_used", "gas_cost",
	"error_kind", "error", "attempts", "executed_at",
}

const selectExecution = `
	SELECT opportunity_id, chain_id, wallet, success, status, stage, tx_hash, nonce,
	       realized_profit::text, gas_used, gas_cost::text, error_kind, error, attempts, executed_at
	FROM executions`

func scanExecution(row pgx.Row) (domain.ExecutionResult, error) {
	var (
		r                  domain.ExecutionResult
		chainID, gasUsed   int64
		nonce              *int64
		status, stage      string
		kind               string
		profit, gasCostStr string
	)
	if err := row.Scan(&r.OpportunityID, &chainID, &r.Wallet, &r.Success, &status, &stage, &r.TxHash, &nonce,
		&profit, &gasUsed, &gasCostStr, &kind, &r.Error, &r.Attempts, &r.Timestamp); err != nil {
		return domain.ExecutionResult{}, err
	}
	r.ChainID = uint64(chainID)
	r.GasUsed = uint64(gasUsed)
	r.Status = domain.ExecStatus(status)
	r.Stage = domain.ExecStage(stage)
	r.ErrorKind = domain.ErrorKind(kind)
	if nonce != nil {
		n := uint64(*nonce)
		r.Nonce = &n
	}
	var err error
	if r.RealizedProfit, err = parseNumeric(profit); err != nil {
		return domain.ExecutionResult{}, err
	}
	if r.GasCost, err = parseNumeric(gasCostStr); err != nil {
		return domain.ExecutionResult{}, err
	}
	return r, nil
}

// ListRecentExecutions returns executions newest first.
func (s *BatchStore) ListRecentExecutions(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionResult, error) {
	var q listQuery
	q.window("executed_at", opts)
	query, args := q.build(selectExecution, "executed_at DESC, id DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var list []domain.ExecutionResult
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executions rows: %w", err)
	}
	return list, nil
}

// GetBatch returns a batch with its executions.
func (s *BatchStore) GetBatch(ctx context.Context, id string) (domain.BatchResult, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.BatchResult{}, domain.ErrNotFound
	}
	var (
		b        domain.BatchResult
		profit   string
		gasTotal int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, started_at, completed_at, total, succeeded, failed, discarded, skipped, total_profit::text, total_gas_used, failure_ratio
		FROM batches WHERE id = $1`,
		id,
	).Scan(&b.ID, &b.StartedAt, &b.CompletedAt, &b.Total, &b.Succeeded, &b.Failed, &b.Discarded, &b.Skipped,
		&profit, &gasTotal, &b.FailureRatio)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BatchResult{}, domain.ErrNotFound
		}
		return domain.BatchResult{}, fmt.Errorf("postgres: get batch %s: %w", id, err)
	}
	b.TotalGasUsed = uint64(gasTotal)
	if b.TotalProfit, err = parseNumeric(profit); err != nil {
		return domain.BatchResult{}, err
	}

	rows, err := s.pool.Query(ctx, selectExecution+` WHERE batch_id = $1 ORDER BY id`, id)
	if err != nil {
		return domain.BatchResult{}, fmt.Errorf("postgres: get executions for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return domain.BatchResult{}, fmt.Errorf("postgres: scan execution: %w", err)
		}
		b.Results = append(b.Results, r)
	}
	if err := rows.Err(); err != nil {
		return domain.BatchResult{}, err
	}
	return b, nil
}

// Compile-time interface check.
var _ domain.BatchStore = (*BatchStore)(nil)
