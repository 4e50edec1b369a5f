package domain

import (
	"errors"
	"math/big"
	"time"
)

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindPriceValidationFailed ErrorKind = "price_validation_failed"
	KindUnprofitableAfterGas  ErrorKind = "unprofitable_after_gas"
	KindGasUnavailable        ErrorKind = "gas_unavailable"
	KindTransactionReverted   ErrorKind = "transaction_reverted"
	KindSubmissionTimeout     ErrorKind = "submission_timeout"
	KindRPCRateLimited        ErrorKind = "rpc_rate_limited"
	KindNonceTooLow           ErrorKind = "nonce_too_low"
	KindInsufficientBalance   ErrorKind = "insufficient_balance"
	KindInvalidOperation      ErrorKind = "invalid_operation"
	KindExpired               ErrorKind = "expired"
	KindCircuitBreakerOpen    ErrorKind = "circuit_breaker_open"
	KindChainUnsupported      ErrorKind = "chain_unsupported"
	KindCancelled             ErrorKind = "cancelled"
	KindUnknown               ErrorKind = "unknown"
)

var kindSentinels = map[ErrorKind]error{
	KindPriceValidationFailed: ErrPriceValidation,
	KindUnprofitableAfterGas:  ErrUnprofitable,
	KindGasUnavailable:        ErrGasUnavailable,
	KindTransactionReverted:   ErrTransactionReverted,
	KindSubmissionTimeout:     ErrSubmissionTimeout,
	KindRPCRateLimited:        ErrRateLimited,
	KindNonceTooLow:           ErrNonceTooLow,
	KindInsufficientBalance:   ErrInsufficientBalance,
	KindInvalidOperation:      ErrInvalidOperation,
	KindExpired:               ErrExpired,
	KindCircuitBreakerOpen:    ErrCircuitBreakerOpen,
	KindChainUnsupported:      ErrChainUnsupported,
	KindCancelled:             ErrStopped,
}

// Transient reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindGasUnavailable, KindSubmissionTimeout, KindRPCRateLimited, KindNonceTooLow:
		return true
	default:
		return false
	}
}

// KindOf returns the kind whose sentinel err wraps, or KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// ExecutionError is a classified execution failure.
type ExecutionError struct {
	Kind ErrorKind
	Err  error
}

// NewExecutionError classifies err under kind.
func NewExecutionError(kind ErrorKind, err error) *ExecutionError {
	if err == nil {
		err = kindSentinels[kind]
	}
	return &ExecutionError{Kind: kind, Err: err}
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind so callers can use errors.Is
// even when Err is a raw RPC error.
func (e *ExecutionError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// Transient reports whether the failure may be retried.
func (e *ExecutionError) Transient() bool {
	return e.Kind.Transient()
}

// ExecStatus is the terminal status of one execution.
type ExecStatus string

const (
	ExecSucceeded ExecStatus = "succeeded"
	ExecFailed    ExecStatus = "failed"
	ExecExpired   ExecStatus = "expired"
)

// ExecStage names a step of the per-opportunity state machine.
type ExecStage string

const (
	StageValidating  ExecStage = "validating"
	StageGasChecking ExecStage = "gas_checking"
	StageSubmitting  ExecStage = "submitting"
	StageConfirming  ExecStage = "confirming"
	StageDone        ExecStage = "done"
)

// ExecutionResult is the immutable outcome of one opportunity attempt.
type ExecutionResult struct {
	OpportunityID  string     `json:"opportunity_id"`
	ChainID        uint64     `json:"chain_id"`
	Wallet         string     `json:"wallet,omitempty"`
	Success        bool       `json:"success"`
	Status         ExecStatus `json:"status"`
	Stage          ExecStage  `json:"stage"`
	TxHash         string     `json:"tx_hash,omitempty"`
	Nonce          *uint64    `json:"nonce,omitempty"`
	RealizedProfit *big.Int   `json:"realized_profit"`
	GasUsed        uint64     `json:"gas_used"`
	GasCost        *big.Int   `json:"gas_cost"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"`
	Error          string     `json:"error,omitempty"`
	Attempts       int        `json:"attempts"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Err returns the classified failure, or nil on success.
func (r ExecutionResult) Err() *ExecutionError {
	if r.Success || r.ErrorKind == KindNone {
		return nil
	}
	return &ExecutionError{Kind: r.ErrorKind, Err: errors.New(r.Error)}
}

// BatchResult aggregates one orchestrator cycle.
type BatchResult struct {
	ID           string            `json:"id"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
	Total        int               `json:"total"`
	Succeeded    int               `json:"succeeded"`
	Failed       int               `json:"failed"`
	Discarded    int               `json:"discarded"`
	Skipped      bool              `json:"skipped"`
	TotalProfit  *big.Int          `json:"total_profit"`
	TotalGasUsed uint64            `json:"total_gas_used"`
	FailureRatio float64           `json:"failure_ratio"`
	Results      []ExecutionResult `json:"results"`
}

// Tally recomputes the aggregate counters from Results.
func (b *BatchResult) Tally() {
	b.Total = len(b.Results)
	b.Succeeded, b.Failed, b.TotalGasUsed = 0, 0, 0
	b.TotalProfit = new(big.Int)
	for _, r := range b.Results {
		if r.Success {
			b.Succeeded++
			if r.RealizedProfit != nil {
				b.TotalProfit.Add(b.TotalProfit, r.RealizedProfit)
			}
		} else {
			b.Failed++
		}
		b.TotalGasUsed += r.GasUsed
	}
	b.FailureRatio = 0
	if b.Total > 0 {
		b.FailureRatio = float64(b.Failed) / float64(b.Total)
	}
}

// TxStage is the persisted stage of an in-flight transaction.
type TxStage string

const (
	TxSubmitting TxStage = "submitting"
	TxConfirming TxStage = "confirming"
	TxConfirmed  TxStage = "confirmed"
	TxReverted   TxStage = "reverted"
	TxDropped    TxStage = "dropped"
	TxExpired    TxStage = "expired"
)

// Resolved reports whether the stage is terminal.
func (s TxStage) Resolved() bool {
	return s != TxSubmitting && s != TxConfirming
}

// PendingTx is the crash-recovery record written around submission.
type PendingTx struct {
	TxHash         string
	ChainID        uint64
	Wallet         string
	Nonce          uint64
	OpportunityID  string
	Stage          TxStage
	Deadline       time.Time
	ExpectedProfit *big.Int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
