package gas

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/retry"
)

type fakeFees struct {
	fees  []*big.Int
	errs  []error
	calls int
}

func (f *fakeFees) BaseFee(context.Context) (*big.Int, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.fees) {
		return f.fees[i], nil
	}
	return f.fees[len(f.fees)-1], nil
}

func newTestEstimator(src *fakeFees, cfg Config) *Estimator {
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	lookup := func(chainID uint64) (FeeSource, error) {
		if chainID != 1 {
			return nil, domain.ErrChainUnsupported
		}
		return src, nil
	}
	return NewEstimator(cfg, lookup, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestRecommendTiers(t *testing.T) {
	cases := []struct {
		strategy domain.GasStrategy
		maxFee   *big.Int
		tip      *big.Int
	}{
		{domain.GasSlow, gwei(21), gwei(1)},
		{domain.GasStandard, gwei(27), gwei(2)},
		{"", gwei(27), gwei(2)},
		{domain.GasFast, gwei(33), gwei(3)},
		{domain.GasInstant, gwei(45), gwei(5)},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			e := newTestEstimator(&fakeFees{fees: []*big.Int{gwei(20)}}, Config{})
			gp, err := e.Recommend(context.Background(), 1, tc.strategy)
			require.NoError(t, err)
			assert.Equal(t, tc.maxFee, gp.MaxFeePerGas)
			assert.Equal(t, tc.tip, gp.PriorityFee)
			assert.Equal(t, gwei(20), gp.BaseFee)
		})
	}
}

func TestRecommendChainOverride(t *testing.T) {
	e := newTestEstimator(&fakeFees{fees: []*big.Int{gwei(10)}}, Config{
		ChainTiers: map[uint64]map[domain.GasStrategy]Tier{
			1: {domain.GasFast: {MultiplierBps: 30_000, PriorityFee: gwei(30)}},
		},
	})

	gp, err := e.Recommend(context.Background(), 1, domain.GasFast)
	require.NoError(t, err)
	assert.Equal(t, gwei(60), gp.MaxFeePerGas)

	gp, err = e.Recommend(context.Background(), 1, domain.GasSlow)
	require.NoError(t, err)
	assert.Equal(t, gwei(11), gp.MaxFeePerGas)
}

func TestRecommendRetriesTransientFailures(t *testing.T) {
	src := &fakeFees{
		fees: []*big.Int{nil, nil, gwei(20)},
		errs: []error{errors.New("timeout"), errors.New("429")},
	}
	e := newTestEstimator(src, Config{})

	gp, err := e.Recommend(context.Background(), 1, domain.GasStandard)
	require.NoError(t, err)
	assert.Equal(t, gwei(27), gp.MaxFeePerGas)
	assert.Equal(t, 3, src.calls)
}

func TestRecommendGasUnavailable(t *testing.T) {
	boom := errors.New("rpc down")
	src := &fakeFees{errs: []error{boom, boom, boom}, fees: []*big.Int{nil}}
	e := newTestEstimator(src, Config{})

	_, err := e.Recommend(context.Background(), 1, domain.GasStandard)
	assert.ErrorIs(t, err, domain.ErrGasUnavailable)
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, domain.KindGasUnavailable, domain.KindOf(err))
}

func TestRecommendRejectsUnknownStrategyAndChain(t *testing.T) {
	e := newTestEstimator(&fakeFees{fees: []*big.Int{gwei(1)}}, Config{})

	_, err := e.Recommend(context.Background(), 1, "ludicrous")
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	_, err = e.Recommend(context.Background(), 56, domain.GasFast)
	assert.ErrorIs(t, err, domain.ErrChainUnsupported)
}
