package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

var (
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	dai    = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	uniV2  = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	sushi  = common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F")
	nowTS  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	target = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func validOp() Operation {
	return Operation{
		TokenIn:      weth,
		TokenOut:     usdc,
		AmountIn:     big.NewInt(1e18),
		MinAmountOut: big.NewInt(3000e6),
		Path:         []common.Address{weth, dai, usdc},
		Exchanges:    []common.Address{uniV2, sushi},
		Deadline:     big.NewInt(nowTS.Add(time.Minute).Unix()),
	}
}

func testValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(
		[]string{weth.Hex(), usdc.Hex(), dai.Hex()},
		[]string{uniV2.Hex(), sushi.Hex()},
	)
	require.NoError(t, err)
	return v
}

func TestValidatorRules(t *testing.T) {
	v := testValidator(t)
	require.NoError(t, v.Validate(validOp(), nowTS))

	cases := map[string]struct {
		mutate func(*Operation)
		want   error
	}{
		"unsupported token": {func(o *Operation) { o.TokenIn = target; o.Path[0] = target }, domain.ErrInvalidOperation},
		"deadline passed":   {func(o *Operation) { o.Deadline = big.NewInt(nowTS.Unix()) }, domain.ErrExpired},
		"zero amount":       {func(o *Operation) { o.AmountIn = big.NewInt(0) }, domain.ErrInvalidOperation},
		"short path":        {func(o *Operation) { o.Path = []common.Address{weth} }, domain.ErrInvalidOperation},
		"endpoint mismatch": {func(o *Operation) { o.Path = []common.Address{weth, dai} }, domain.ErrInvalidOperation},
		"hop count":         {func(o *Operation) { o.Exchanges = o.Exchanges[:1] }, domain.ErrInvalidOperation},
		"exchange denied":   {func(o *Operation) { o.Exchanges[1] = target }, domain.ErrInvalidOperation},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			op := validOp()
			tc.mutate(&op)
			assert.ErrorIs(t, v.Validate(op, nowTS), tc.want)
		})
	}
}

type scriptedSwapper struct {
	fail map[common.Address]bool
}

func (s scriptedSwapper) Swap(_ context.Context, op Operation) (*big.Int, error) {
	if s.fail[op.Exchanges[0]] {
		return nil, errors.New("slippage")
	}
	return big.NewInt(10), nil
}

func newTestSettlement(t *testing.T, sw Swapper) *Settlement {
	t.Helper()
	s := New(testValidator(t), sw, BreakerConfig{MaxFailedRatio: 0.3, MaxConsecutiveFailures: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return nowTS }
	return s
}

func TestExecuteBatchIsolatesFailures(t *testing.T) {
	s := newTestSettlement(t, scriptedSwapper{fail: map[common.Address]bool{sushi: true}})

	bad := validOp()
	bad.Exchanges = []common.Address{sushi, uniV2}
	invalid := validOp()
	invalid.AmountIn = big.NewInt(0)

	rep, err := s.ExecuteBatch(context.Background(), []Operation{validOp(), bad, invalid, validOp()})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, big.NewInt(20), rep.TotalProfit)
	assert.True(t, rep.Results[0].Success)
	assert.False(t, rep.Results[1].Success)
	assert.Equal(t, "slippage", rep.Results[1].Reason)
	assert.False(t, rep.Results[2].Success)
	assert.True(t, rep.Results[3].Success)
}

func TestExecuteBatchBounds(t *testing.T) {
	s := newTestSettlement(t, scriptedSwapper{})

	_, err := s.ExecuteBatch(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	ops := make([]Operation, MaxBatchSize+1)
	for i := range ops {
		ops[i] = validOp()
	}
	_, err = s.ExecuteBatch(context.Background(), ops)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestExecuteBatchBreakerPausesAndUnpauses(t *testing.T) {
	s := newTestSettlement(t, scriptedSwapper{fail: map[common.Address]bool{uniV2: true}})
	ops := []Operation{validOp()}

	rep, err := s.ExecuteBatch(context.Background(), ops)
	require.NoError(t, err)
	assert.False(t, rep.Paused)

	rep, err = s.ExecuteBatch(context.Background(), ops)
	require.NoError(t, err)
	assert.True(t, rep.Paused)

	_, err = s.ExecuteBatch(context.Background(), ops)
	assert.ErrorIs(t, err, domain.ErrSettlementPaused)

	s.Unpause()
	assert.False(t, s.Paused())
	_, err = s.ExecuteBatch(context.Background(), ops)
	assert.NoError(t, err)
}

func TestOperationFromOpportunity(t *testing.T) {
	opp := domain.Opportunity{
		TokenIn:      weth.Hex(),
		TokenOut:     usdc.Hex(),
		AmountIn:     big.NewInt(5),
		MinAmountOut: big.NewInt(6),
		Path:         []string{weth.Hex(), usdc.Hex()},
		Exchanges:    []string{uniV2.Hex()},
		Deadline:     nowTS,
	}
	op, err := OperationFromOpportunity(opp)
	require.NoError(t, err)
	assert.Equal(t, weth, op.TokenIn)
	assert.Equal(t, nowTS.Unix(), op.Deadline.Int64())

	opp.TokenOut = "not-an-address"
	_, err = OperationFromOpportunity(opp)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestCodecPacksExecuteBatch(t *testing.T) {
	c, err := NewCodec(target)
	require.NoError(t, err)

	data, err := c.PackExecuteBatch([]Operation{validOp()})
	require.NoError(t, err)
	assert.Equal(t, c.ABI().Methods["executeBatch"].ID, data[:4])

	args, err := c.ABI().Methods["executeBatch"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 1)

	_, err = c.PackExecuteBatch(nil)
	assert.Error(t, err)
}

func TestCodecUnpacksBatchSummary(t *testing.T) {
	c, err := NewCodec(target)
	require.NoError(t, err)

	batchData, err := c.ABI().Events["BatchExecuted"].Inputs.NonIndexed().Pack(
		big.NewInt(1), big.NewInt(1), big.NewInt(500), big.NewInt(180_000))
	require.NoError(t, err)
	failData, err := c.ABI().Events["OperationFailed"].Inputs.NonIndexed().Pack("slippage")
	require.NoError(t, err)

	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: weth, Topics: []common.Hash{c.ABI().Events["BatchExecuted"].ID}, Data: batchData},
		{Address: target, Topics: []common.Hash{c.ABI().Events["OperationFailed"].ID, common.BigToHash(big.NewInt(1))}, Data: failData},
		{Address: target, Topics: []common.Hash{c.ABI().Events["BatchExecuted"].ID}, Data: batchData},
	}}

	sum, err := c.UnpackBatchSummary(receipt)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), sum.TotalProfit)
	assert.Equal(t, big.NewInt(180_000), sum.GasUsed)
	assert.Equal(t, "slippage", sum.Failures[1])

	_, err = c.UnpackBatchSummary(&types.Receipt{})
	assert.ErrorIs(t, err, ErrNoBatchEvent)
}

type fakeCaller struct {
	out []byte
	err error
}

func (f fakeCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.out, f.err
}

func TestCallSwapper(t *testing.T) {
	c, err := NewCodec(target)
	require.NoError(t, err)

	ok, err := c.ABI().Methods["executeBatch"].Outputs.Pack(big.NewInt(1), big.NewInt(0), big.NewInt(42))
	require.NoError(t, err)
	profit, err := NewCallSwapper(fakeCaller{out: ok}, c, weth).Swap(context.Background(), validOp())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), profit)

	failed, err := c.ABI().Methods["executeBatch"].Outputs.Pack(big.NewInt(0), big.NewInt(1), big.NewInt(0))
	require.NoError(t, err)
	_, err = NewCallSwapper(fakeCaller{out: failed}, c, weth).Swap(context.Background(), validOp())
	assert.Error(t, err)
}
