// Package executor drives one opportunity through validation, gas check,
// submission and confirmation on a single wallet.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/arbengine/internal/chain"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/oracle"
	"github.com/alanyoungcy/arbengine/internal/retry"
	"github.com/alanyoungcy/arbengine/internal/settlement"
	"github.com/alanyoungcy/arbengine/internal/wallet"
)

// GasRecommender returns fee parameters for a chain.
type GasRecommender interface {
	Recommend(ctx context.Context, chainID uint64, strategy domain.GasStrategy) (domain.GasPrice, error)
}

// Config tunes one executor.
type Config struct {
	GasStrategy   domain.GasStrategy
	OracleSources []string
	Retry         retry.Policy
	PollInterval  time.Duration

	// ConfirmTimeout bounds the confirmation wait for opportunities without
	// a deadline.
	ConfirmTimeout time.Duration
}

// Deps are the collaborators an executor needs. Validator, Pending, Stop and
// Metrics are optional.
type Deps struct {
	Chain     chain.Client
	Wallet    *wallet.Wallet
	Oracle    oracle.Validator
	Gas       GasRecommender
	Codec     *settlement.Codec
	Validator *settlement.Validator
	Pending   domain.PendingTxStore
	Stop      *atomic.Bool
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Executor is bound to exactly one wallet on one chain. Execute may be called
// concurrently; submissions serialize on the wallet's nonce cursor.
type Executor struct {
	cfg       Config
	chain     chain.Client
	wallet    *wallet.Wallet
	oracle    oracle.Validator
	gas       GasRecommender
	codec     *settlement.Codec
	validator *settlement.Validator
	pending   domain.PendingTxStore
	stop      *atomic.Bool
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config, deps Deps) *Executor {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	stop := deps.Stop
	if stop == nil {
		stop = new(atomic.Bool)
	}
	return &Executor{
		cfg:       cfg,
		chain:     deps.Chain,
		wallet:    deps.Wallet,
		oracle:    deps.Oracle,
		gas:       deps.Gas,
		codec:     deps.Codec,
		validator: deps.Validator,
		pending:   deps.Pending,
		stop:      stop,
		metrics:   deps.Metrics,
		logger: deps.Logger.With(
			slog.String("component", "executor"),
			slog.Uint64("chain_id", deps.Chain.ChainID()),
			slog.String("wallet", deps.Wallet.Address().Hex()),
		),
		now: time.Now,
	}
}

// Wallet returns the hex address of the executor's wallet.
func (e *Executor) Wallet() string { return e.wallet.Address().Hex() }

func (e *Executor) ChainID() uint64 { return e.chain.ChainID() }

// Nonce returns the wallet's committed nonce cursor.
func (e *Executor) Nonce() uint64 { return e.wallet.Nonce() }

// submission carries what the Confirming stage needs from Submitting.
type submission struct {
	tx    *types.Transaction
	nonce uint64
	gas   domain.GasPrice
}

// Execute runs opp to a terminal result. Every failure is reported in the
// result; nothing is returned as an error.
func (e *Executor) Execute(ctx context.Context, opp domain.Opportunity) domain.ExecutionResult {
	start := e.now()
	res := domain.ExecutionResult{
		OpportunityID:  opp.ID,
		ChainID:        opp.ChainID,
		Wallet:         e.Wallet(),
		RealizedProfit: new(big.Int),
		GasCost:        new(big.Int),
	}
	log := e.logger.With(slog.String("opportunity_id", opp.ID))

	finish := func(kind domain.ErrorKind, err error) domain.ExecutionResult {
		res.Timestamp = e.now()
		switch {
		case kind == domain.KindNone:
			res.Success = true
			res.Status = domain.ExecSucceeded
			res.Stage = domain.StageDone
		case kind == domain.KindExpired:
			res.Status = domain.ExecExpired
		default:
			res.Status = domain.ExecFailed
		}
		if err != nil {
			res.ErrorKind = kind
			res.Error = err.Error()
		}
		e.metrics.RecordExecution(strconv.FormatUint(opp.ChainID, 10), string(res.Status), string(res.ErrorKind), res.Attempts, res.Timestamp.Sub(start))

		attrs := []any{
			slog.String("status", string(res.Status)),
			slog.String("stage", string(res.Stage)),
			slog.Int("attempts", res.Attempts),
		}
		if res.TxHash != "" {
			attrs = append(attrs, slog.String("tx_hash", res.TxHash))
		}
		if err != nil {
			attrs = append(attrs, slog.String("kind", string(kind)), slog.String("error", err.Error()))
			log.Warn("execution finished", attrs...)
		} else {
			attrs = append(attrs, slog.String("profit", res.RealizedProfit.String()), slog.Uint64("gas_used", res.GasUsed))
			log.Info("execution finished", attrs...)
		}
		return res
	}

	// Validating
	e.enter(&res, domain.StageValidating)
	op, kind, err := e.validate(ctx, opp)
	if err != nil {
		return finish(kind, err)
	}

	// GasChecking and Submitting, under the retry policy.
	var sub submission
	policy := e.cfg.Retry.WithRetryable(func(err error) bool {
		return domain.KindOf(err).Transient()
	})
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			log.Info("retrying execution", slog.Int("attempt", attempt+1))
		}
		s, err := e.gasCheckAndSubmit(ctx, &res, opp, op)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		return finish(kindOf(err), err)
	}

	res.TxHash = sub.tx.Hash().Hex()
	nonce := sub.nonce
	res.Nonce = &nonce

	// Confirming
	e.enter(&res, domain.StageConfirming)
	kind, err = e.confirm(ctx, &res, opp, sub)
	return finish(kind, err)
}

func (e *Executor) enter(res *domain.ExecutionResult, stage domain.ExecStage) {
	res.Stage = stage
	e.metrics.RecordStage(string(stage))
}

func (e *Executor) validate(ctx context.Context, opp domain.Opportunity) (settlement.Operation, domain.ErrorKind, error) {
	now := e.now()
	if opp.ChainID != e.chain.ChainID() {
		return settlement.Operation{}, domain.KindChainUnsupported,
			fmt.Errorf("executor: opportunity chain %d on executor for chain %d: %w", opp.ChainID, e.chain.ChainID(), domain.ErrChainUnsupported)
	}
	if opp.Expired(now) {
		return settlement.Operation{}, domain.KindExpired,
			fmt.Errorf("executor: deadline %s passed: %w", opp.Deadline.Format(time.RFC3339), domain.ErrExpired)
	}
	if err := opp.Validate(); err != nil {
		return settlement.Operation{}, domain.KindInvalidOperation, err
	}
	op, err := settlement.OperationFromOpportunity(opp)
	if err != nil {
		return settlement.Operation{}, domain.KindInvalidOperation, err
	}
	if e.validator != nil {
		if err := e.validator.Validate(op, now); err != nil {
			return settlement.Operation{}, domain.KindOf(err), err
		}
	}

	consensus, err := e.oracle.GetConsensusPrice(ctx, opp.Pair, e.cfg.OracleSources)
	if err != nil {
		return settlement.Operation{}, domain.KindPriceValidationFailed,
			fmt.Errorf("executor: consensus for %s: %w: %v", opp.Pair, domain.ErrPriceValidation, err)
	}
	if !consensus.Valid {
		return settlement.Operation{}, domain.KindPriceValidationFailed,
			fmt.Errorf("executor: %s: %w: %s", opp.Pair, domain.ErrPriceValidation, consensus.Reason)
	}
	return op, domain.KindNone, nil
}

func (e *Executor) gasCheckAndSubmit(ctx context.Context, res *domain.ExecutionResult, opp domain.Opportunity, op settlement.Operation) (submission, error) {
	e.enter(res, domain.StageGasChecking)
	gp, err := e.gas.Recommend(ctx, opp.ChainID, e.cfg.GasStrategy)
	if err != nil {
		kind := domain.KindOf(err)
		if kind == domain.KindUnknown {
			kind = domain.KindGasUnavailable
		}
		return submission{}, domain.NewExecutionError(kind, err)
	}
	cost := gp.Cost(opp.GasLimit)
	res.GasCost = cost
	if cost.Cmp(opp.ExpectedProfit) >= 0 {
		return submission{}, domain.NewExecutionError(domain.KindUnprofitableAfterGas,
			fmt.Errorf("gas cost %s wei >= expected profit %s wei: %w", cost, opp.ExpectedProfit, domain.ErrUnprofitable))
	}

	e.enter(res, domain.StageSubmitting)
	if e.stop.Load() {
		return submission{}, domain.NewExecutionError(domain.KindCancelled, domain.ErrStopped)
	}
	sub, err := e.submit(ctx, opp, op, gp)
	if err != nil {
		kind := chain.Classify(err)
		if kind == domain.KindNonceTooLow {
			if rerr := e.wallet.Resync(ctx); rerr != nil {
				e.logger.Warn("nonce resync failed", slog.String("error", rerr.Error()))
			}
		}
		return submission{}, domain.NewExecutionError(kind, err)
	}
	return sub, nil
}

// submit signs and broadcasts the settlement call while holding the wallet's
// nonce cursor. The nonce advances only when the node accepts the transaction.
func (e *Executor) submit(ctx context.Context, opp domain.Opportunity, op settlement.Operation, gp domain.GasPrice) (submission, error) {
	data, err := e.codec.PackExecuteBatch([]settlement.Operation{op})
	if err != nil {
		return submission{}, domain.NewExecutionError(domain.KindInvalidOperation, err)
	}
	to := e.codec.Contract()

	nonce, err := e.wallet.Reserve(ctx)
	if err != nil {
		return submission{}, err
	}

	tx, err := e.wallet.Sign(types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(opp.ChainID),
		Nonce:     nonce,
		GasTipCap: gp.PriorityFee,
		GasFeeCap: gp.MaxFeePerGas,
		Gas:       opp.GasLimit,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	}))
	if err != nil {
		e.wallet.Release()
		return submission{}, domain.NewExecutionError(domain.KindUnknown, err)
	}

	record := domain.PendingTx{
		TxHash:         tx.Hash().Hex(),
		ChainID:        opp.ChainID,
		Wallet:         e.Wallet(),
		Nonce:          nonce,
		OpportunityID:  opp.ID,
		Stage:          domain.TxSubmitting,
		Deadline:       e.confirmDeadline(opp),
		ExpectedProfit: opp.ExpectedProfit,
	}
	e.recordPending(ctx, record)

	if err := e.chain.SendTransaction(ctx, tx); err != nil {
		e.wallet.Release()
		// A timed out send may still have reached the node; reconciliation
		// resolves the row.
		if chain.Classify(err) != domain.KindSubmissionTimeout {
			e.updatePending(ctx, record.TxHash, domain.TxDropped)
		}
		return submission{}, err
	}
	e.wallet.Commit()
	e.updatePending(ctx, record.TxHash, domain.TxConfirming)

	e.logger.Info("transaction submitted",
		slog.String("opportunity_id", opp.ID),
		slog.String("tx_hash", record.TxHash),
		slog.Uint64("nonce", nonce),
		slog.String("max_fee", gp.MaxFeePerGas.String()),
	)
	return submission{tx: tx, nonce: nonce, gas: gp}, nil
}

func (e *Executor) confirmDeadline(opp domain.Opportunity) time.Time {
	if opp.Deadline.IsZero() {
		return e.now().Add(e.cfg.ConfirmTimeout)
	}
	return opp.Deadline
}

// confirm polls for the receipt until the opportunity deadline.
func (e *Executor) confirm(ctx context.Context, res *domain.ExecutionResult, opp domain.Opportunity, sub submission) (domain.ErrorKind, error) {
	hash := sub.tx.Hash()
	cctx, cancel := context.WithDeadline(ctx, e.confirmDeadline(opp))
	defer cancel()

	receipt, err := WaitReceipt(cctx, e.chain, hash, e.cfg.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: leave the record in confirming for the reconciler.
			return domain.KindCancelled, fmt.Errorf("executor: confirmation of %s interrupted: %w", hash.Hex(), domain.ErrStopped)
		}
		e.updatePending(ctx, hash.Hex(), domain.TxExpired)
		return domain.KindExpired, fmt.Errorf("executor: %s not mined before deadline: %w", hash.Hex(), domain.ErrExpired)
	}

	res.GasUsed = receipt.GasUsed
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = sub.gas.MaxFeePerGas
	}
	res.GasCost = new(big.Int).Mul(price, new(big.Int).SetUint64(receipt.GasUsed))

	if receipt.Status != types.ReceiptStatusSuccessful {
		e.updatePending(ctx, hash.Hex(), domain.TxReverted)
		reason := e.revertReason(ctx, sub.tx, receipt.BlockNumber)
		return domain.KindTransactionReverted, fmt.Errorf("executor: %s reverted: %w: %s", hash.Hex(), domain.ErrTransactionReverted, reason)
	}

	e.updatePending(ctx, hash.Hex(), domain.TxConfirmed)
	sum, err := e.codec.UnpackBatchSummary(receipt)
	if err != nil {
		e.logger.Warn("batch event missing from receipt",
			slog.String("tx_hash", hash.Hex()),
			slog.String("error", err.Error()),
		)
		return domain.KindNone, nil
	}
	if sum.Failed != nil && sum.Failed.Sign() > 0 {
		return domain.KindTransactionReverted, fmt.Errorf("executor: operation failed in batch: %w: %s", domain.ErrTransactionReverted, sum.Failures[0])
	}
	if sum.TotalProfit != nil {
		res.RealizedProfit = sum.TotalProfit
	}
	if sum.GasUsed != nil && sum.GasUsed.IsUint64() && sum.GasUsed.Uint64() > 0 {
		res.GasUsed = sum.GasUsed.Uint64()
	}
	return domain.KindNone, nil
}

// WaitReceipt polls for hash until a receipt appears or ctx ends.
func WaitReceipt(ctx context.Context, client chain.Client, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertReason replays tx at the block it was mined in to recover the revert
// string. It returns "unknown" when the node gives nothing back.
func (e *Executor) revertReason(ctx context.Context, tx *types.Transaction, block *big.Int) string {
	msg := ethereum.CallMsg{
		From:      e.wallet.Address(),
		To:        tx.To(),
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	}
	_, err := e.chain.CallContract(ctx, msg, block)
	if err == nil {
		return "unknown"
	}
	return chain.RevertReason(err)
}

func (e *Executor) recordPending(ctx context.Context, p domain.PendingTx) {
	if e.pending == nil {
		return
	}
	now := e.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := e.pending.Upsert(ctx, p); err != nil {
		e.logger.Warn("pending tx record failed",
			slog.String("tx_hash", p.TxHash),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) updatePending(ctx context.Context, hash string, stage domain.TxStage) {
	if e.pending == nil {
		return
	}
	// The record must move even when the caller's context is already done.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.pending.UpdateStage(uctx, hash, stage); err != nil {
		e.logger.Warn("pending tx update failed",
			slog.String("tx_hash", hash),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
	}
}

func kindOf(err error) domain.ErrorKind {
	var ee *domain.ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return chain.Classify(err)
}
