package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Swapper executes one validated operation and returns its profit. It stands
// in for the DEX routing inside the contract.
type Swapper interface {
	Swap(ctx context.Context, op Operation) (*big.Int, error)
}

// BreakerConfig mirrors the orchestrator's breaker thresholds.
type BreakerConfig struct {
	MaxFailedRatio         float64
	MaxConsecutiveFailures int
}

// OpResult is the outcome of one operation in a batch.
type OpResult struct {
	Index   int
	Success bool
	Profit  *big.Int
	Reason  string
}

// Report summarizes one ExecuteBatch call.
type Report struct {
	Succeeded   int
	Failed      int
	TotalProfit *big.Int
	Results     []OpResult
	Paused      bool
}

// Settlement is the contract's batch executor. Operations are independent:
// a failing operation is recorded and the rest of the batch continues.
type Settlement struct {
	validator *Validator
	swapper   Swapper
	breaker   BreakerConfig
	logger    *slog.Logger
	now       func() time.Time

	mu                  sync.Mutex
	paused              bool
	consecutiveFailures int
}

func New(validator *Validator, swapper Swapper, breaker BreakerConfig, logger *slog.Logger) *Settlement {
	if breaker.MaxFailedRatio <= 0 {
		breaker.MaxFailedRatio = 0.3
	}
	if breaker.MaxConsecutiveFailures <= 0 {
		breaker.MaxConsecutiveFailures = 5
	}
	return &Settlement{
		validator: validator,
		swapper:   swapper,
		breaker:   breaker,
		logger:    logger.With(slog.String("component", "settlement")),
		now:       time.Now,
	}
}

// ExecuteBatch runs ops in order. It rejects the whole call only when the
// contract is paused or the batch size is out of range.
func (s *Settlement) ExecuteBatch(ctx context.Context, ops []Operation) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return Report{Paused: true}, domain.ErrSettlementPaused
	}
	if len(ops) == 0 {
		return Report{}, fmt.Errorf("settlement: empty batch: %w", domain.ErrInvalidOperation)
	}
	if len(ops) > MaxBatchSize {
		return Report{}, fmt.Errorf("settlement: batch of %d exceeds %d: %w", len(ops), MaxBatchSize, domain.ErrInvalidOperation)
	}

	rep := Report{TotalProfit: new(big.Int), Results: make([]OpResult, 0, len(ops))}
	now := s.now()
	for i, op := range ops {
		r := s.executeOne(ctx, i, op, now)
		if r.Success {
			rep.Succeeded++
			rep.TotalProfit.Add(rep.TotalProfit, r.Profit)
		} else {
			rep.Failed++
			s.logger.Warn("operation failed",
				slog.Int("index", i),
				slog.String("reason", r.Reason),
			)
		}
		rep.Results = append(rep.Results, r)
	}

	ratio := float64(rep.Failed) / float64(len(ops))
	if ratio > s.breaker.MaxFailedRatio {
		s.consecutiveFailures++
	} else {
		s.consecutiveFailures = 0
	}
	if s.consecutiveFailures >= s.breaker.MaxConsecutiveFailures {
		s.paused = true
		s.logger.Error("settlement paused by circuit breaker",
			slog.Int("consecutive_failures", s.consecutiveFailures),
		)
	}
	rep.Paused = s.paused
	return rep, nil
}

func (s *Settlement) executeOne(ctx context.Context, i int, op Operation, now time.Time) OpResult {
	if err := s.validator.Validate(op, now); err != nil {
		return OpResult{Index: i, Reason: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return OpResult{Index: i, Reason: err.Error()}
	}
	profit, err := s.swapper.Swap(ctx, op)
	if err != nil {
		return OpResult{Index: i, Reason: err.Error()}
	}
	if profit == nil {
		profit = new(big.Int)
	}
	return OpResult{Index: i, Success: true, Profit: profit}
}

// Unpause is the owner action that clears the breaker.
func (s *Settlement) Unpause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.consecutiveFailures = 0
}

func (s *Settlement) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
