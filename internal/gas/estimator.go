// Package gas recommends EIP-1559 fee parameters per chain and strategy.
package gas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/retry"
)

// Gwei is 1e9 wei.
var Gwei = big.NewInt(1_000_000_000)

// Tier is one strategy's pricing rule:
// MaxFeePerGas = base * MultiplierBps / 10000 + PriorityFee.
type Tier struct {
	MultiplierBps uint64
	PriorityFee   *big.Int
}

// DefaultTiers returns slow 1.0x/1 gwei, standard 1.25x/2, fast 1.5x/3 and
// instant 2.0x/5.
func DefaultTiers() map[domain.GasStrategy]Tier {
	return map[domain.GasStrategy]Tier{
		domain.GasSlow:     {MultiplierBps: 10_000, PriorityFee: gwei(1)},
		domain.GasStandard: {MultiplierBps: 12_500, PriorityFee: gwei(2)},
		domain.GasFast:     {MultiplierBps: 15_000, PriorityFee: gwei(3)},
		domain.GasInstant:  {MultiplierBps: 20_000, PriorityFee: gwei(5)},
	}
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Gwei)
}

// FeeSource reports the current base fee of one chain.
type FeeSource interface {
	BaseFee(ctx context.Context) (*big.Int, error)
}

// SourceFunc resolves the fee source for a chain.
type SourceFunc func(chainID uint64) (FeeSource, error)

// Config holds the default tiers plus optional per-chain overrides. Overrides
// replace individual strategies, not the whole table.
type Config struct {
	Tiers      map[domain.GasStrategy]Tier
	ChainTiers map[uint64]map[domain.GasStrategy]Tier
	Retry      retry.Policy
}

// Estimator computes fee recommendations. It keeps no state between calls.
type Estimator struct {
	cfg     Config
	sources SourceFunc
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEstimator(cfg Config, sources SourceFunc, logger *slog.Logger, m *metrics.Metrics) *Estimator {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	return &Estimator{
		cfg:     cfg,
		sources: sources,
		logger:  logger.With(slog.String("component", "gas")),
		metrics: m,
		now:     time.Now,
	}
}

// Recommend returns fee parameters for strategy on chainID. An empty strategy
// means standard. A base fee that cannot be read within the retry budget
// yields an error wrapping domain.ErrGasUnavailable.
func (e *Estimator) Recommend(ctx context.Context, chainID uint64, strategy domain.GasStrategy) (domain.GasPrice, error) {
	strategy, err := domain.ParseGasStrategy(string(strategy))
	if err != nil {
		return domain.GasPrice{}, fmt.Errorf("gas: %w: %v", domain.ErrInvalidOperation, err)
	}
	tier, err := e.tier(chainID, strategy)
	if err != nil {
		return domain.GasPrice{}, err
	}
	src, err := e.sources(chainID)
	if err != nil {
		return domain.GasPrice{}, fmt.Errorf("gas: chain %d: %w", chainID, err)
	}

	var base *big.Int
	policy := e.cfg.Retry.WithRetryable(func(err error) bool {
		return !errors.Is(err, context.Canceled)
	})
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		fee, err := src.BaseFee(ctx)
		if err != nil {
			e.logger.Debug("base fee read failed",
				slog.Uint64("chain_id", chainID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			return err
		}
		if fee == nil || fee.Sign() < 0 {
			return errors.New("invalid base fee")
		}
		base = fee
		return nil
	})
	if err != nil {
		return domain.GasPrice{}, fmt.Errorf("gas: chain %d after %d attempts: %w: %v",
			chainID, attempts, domain.ErrGasUnavailable, err)
	}

	maxFee := new(big.Int).Mul(base, new(big.Int).SetUint64(tier.MultiplierBps))
	maxFee.Quo(maxFee, big.NewInt(10_000))
	maxFee.Add(maxFee, tier.PriorityFee)

	gp := domain.GasPrice{
		ChainID:      chainID,
		Strategy:     strategy,
		BaseFee:      new(big.Int).Set(base),
		PriorityFee:  new(big.Int).Set(tier.PriorityFee),
		MaxFeePerGas: maxFee,
		FetchedAt:    e.now(),
	}
	e.metrics.RecordGas(strconv.FormatUint(chainID, 10), string(strategy), maxFee)
	return gp, nil
}

func (e *Estimator) tier(chainID uint64, strategy domain.GasStrategy) (Tier, error) {
	if over, ok := e.cfg.ChainTiers[chainID]; ok {
		if t, ok := over[strategy]; ok {
			return t, nil
		}
	}
	t, ok := e.cfg.Tiers[strategy]
	if !ok || t.PriorityFee == nil || t.MultiplierBps == 0 {
		return Tier{}, fmt.Errorf("gas: no tier configured for %q", strategy)
	}
	return t, nil
}
