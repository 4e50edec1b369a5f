package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/chain"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/settlement"
	"github.com/alanyoungcy/arbengine/internal/wallet"
)

// Target is one chain's client and settlement codec.
type Target struct {
	Client chain.Client
	Codec  *settlement.Codec
}

// Emitter receives the reconciliation batch.
type Emitter interface {
	Emit(ctx context.Context, batch domain.BatchResult) error
}

// Reconciler resolves transactions left in submitting or confirming by a
// previous process before new work is dispatched.
type Reconciler struct {
	store        domain.PendingTxStore
	targets      map[uint64]Target
	wallets      []*wallet.Wallet
	sink         Emitter
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time
}

func NewReconciler(store domain.PendingTxStore, targets map[uint64]Target, wallets []*wallet.Wallet, sink Emitter, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:        store,
		targets:      targets,
		wallets:      wallets,
		sink:         sink,
		logger:       logger.With(slog.String("component", "reconciler")),
		pollInterval: 2 * time.Second,
		now:          time.Now,
	}
}

// Reconcile queries every unresolved record by hash and settles it:
// a receipt resolves it as confirmed or reverted, a transaction still in the
// mempool is awaited until its deadline, and an unknown hash is dropped.
// Wallet nonces are resynced afterwards.
func (r *Reconciler) Reconcile(ctx context.Context) (domain.BatchResult, error) {
	batch := domain.BatchResult{ID: uuid.NewString(), StartedAt: r.now()}

	pending, err := r.store.ListUnresolved(ctx)
	if err != nil {
		return batch, fmt.Errorf("reconcile: list pending: %w", err)
	}

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		res, stage := r.resolve(ctx, p)
		if err := r.store.UpdateStage(ctx, p.TxHash, stage); err != nil {
			r.logger.Warn("pending tx update failed",
				slog.String("tx_hash", p.TxHash),
				slog.String("error", err.Error()),
			)
		}
		r.logger.Info("pending tx resolved",
			slog.String("tx_hash", p.TxHash),
			slog.Uint64("chain_id", p.ChainID),
			slog.String("stage", string(stage)),
		)
		batch.Results = append(batch.Results, res)
	}

	for _, w := range r.wallets {
		if err := w.Resync(ctx); err != nil {
			r.logger.Warn("wallet resync failed",
				slog.String("wallet", w.Address().Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	batch.CompletedAt = r.now()
	batch.Tally()
	if len(batch.Results) > 0 && r.sink != nil {
		if err := r.sink.Emit(ctx, batch); err != nil {
			r.logger.Warn("reconciliation emit failed", slog.String("error", err.Error()))
		}
	}
	r.logger.Info("reconciliation complete",
		slog.Int("resolved", batch.Total),
		slog.Int("succeeded", batch.Succeeded),
		slog.Int("failed", batch.Failed),
	)
	return batch, nil
}

func (r *Reconciler) resolve(ctx context.Context, p domain.PendingTx) (domain.ExecutionResult, domain.TxStage) {
	nonce := p.Nonce
	res := domain.ExecutionResult{
		OpportunityID:  p.OpportunityID,
		ChainID:        p.ChainID,
		Wallet:         p.Wallet,
		TxHash:         p.TxHash,
		Nonce:          &nonce,
		Stage:          domain.StageConfirming,
		Status:         domain.ExecFailed,
		RealizedProfit: new(big.Int),
		GasCost:        new(big.Int),
		Attempts:       1,
		Timestamp:      r.now(),
	}
	fail := func(kind domain.ErrorKind, err error) {
		res.ErrorKind = kind
		res.Error = err.Error()
	}

	target, ok := r.targets[p.ChainID]
	if !ok {
		fail(domain.KindChainUnsupported, fmt.Errorf("chain %d: %w", p.ChainID, domain.ErrChainUnsupported))
		return res, domain.TxDropped
	}
	hash := common.HexToHash(p.TxHash)

	receipt, err := target.Client.TransactionReceipt(ctx, hash)
	if err != nil && errors.Is(err, ethereum.NotFound) {
		_, isPending, terr := target.Client.TransactionByHash(ctx, hash)
		switch {
		case terr != nil && errors.Is(terr, ethereum.NotFound):
			fail(domain.KindSubmissionTimeout, fmt.Errorf("transaction %s unknown to node: %w", p.TxHash, domain.ErrSubmissionTimeout))
			return res, domain.TxDropped
		case terr != nil:
			fail(chain.Classify(terr), terr)
			return res, domain.TxConfirming
		case isPending:
			receipt, err = r.awaitUntil(ctx, target.Client, hash, p.Deadline)
			if err != nil {
				fail(domain.KindExpired, fmt.Errorf("transaction %s still pending at deadline: %w", p.TxHash, domain.ErrExpired))
				res.Status = domain.ExecExpired
				return res, domain.TxExpired
			}
		default:
			receipt, err = target.Client.TransactionReceipt(ctx, hash)
		}
	}
	if err != nil {
		fail(chain.Classify(err), err)
		return res, domain.TxConfirming
	}

	res.GasUsed = receipt.GasUsed
	if receipt.EffectiveGasPrice != nil {
		res.GasCost = new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		fail(domain.KindTransactionReverted, fmt.Errorf("transaction %s: %w", p.TxHash, domain.ErrTransactionReverted))
		return res, domain.TxReverted
	}

	res.Success = true
	res.Status = domain.ExecSucceeded
	res.Stage = domain.StageDone
	if target.Codec != nil {
		if sum, err := target.Codec.UnpackBatchSummary(receipt); err == nil && sum.TotalProfit != nil {
			res.RealizedProfit = sum.TotalProfit
		}
	}
	return res, domain.TxConfirmed
}

func (r *Reconciler) awaitUntil(ctx context.Context, client chain.Client, hash common.Hash, deadline time.Time) (*types.Receipt, error) {
	if deadline.IsZero() || !deadline.After(r.now()) {
		return nil, domain.ErrExpired
	}
	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return WaitReceipt(wctx, client, hash, r.pollInterval)
}
