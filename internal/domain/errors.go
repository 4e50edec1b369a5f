package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")

	ErrPriceValidation     = errors.New("price validation failed")
	ErrUnprofitable        = errors.New("unprofitable after gas")
	ErrGasUnavailable      = errors.New("gas price unavailable")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrSubmissionTimeout   = errors.New("submission timeout")
	ErrNonceTooLow         = errors.New("nonce too low")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrExpired             = errors.New("opportunity expired")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
	ErrChainUnsupported    = errors.New("chain not supported")
	ErrStopped             = errors.New("execution stopped")
	ErrSettlementPaused    = errors.New("settlement paused")
)
