package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const contractABI = `[
 {"type":"function","name":"executeBatch","stateMutability":"nonpayable",
  "inputs":[{"name":"ops","type":"tuple[]","components":[
    {"name":"tokenIn","type":"address"},
    {"name":"tokenOut","type":"address"},
    {"name":"amountIn","type":"uint256"},
    {"name":"minAmountOut","type":"uint256"},
    {"name":"path","type":"address[]"},
    {"name":"exchanges","type":"address[]"},
    {"name":"deadline","type":"uint256"}]}],
  "outputs":[
    {"name":"succeeded","type":"uint256"},
    {"name":"failed","type":"uint256"},
    {"name":"totalProfit","type":"uint256"}]},
 {"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"unpause","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"event","name":"BatchExecuted","anonymous":false,"inputs":[
    {"name":"succeeded","type":"uint256","indexed":false},
    {"name":"failed","type":"uint256","indexed":false},
    {"name":"totalProfit","type":"uint256","indexed":false},
    {"name":"gasUsed","type":"uint256","indexed":false}]},
 {"type":"event","name":"OperationFailed","anonymous":false,"inputs":[
    {"name":"index","type":"uint256","indexed":true},
    {"name":"reason","type":"string","indexed":false}]}
]`

// ErrNoBatchEvent is returned when a receipt carries no BatchExecuted log from
// the settlement contract.
var ErrNoBatchEvent = errors.New("settlement: no BatchExecuted event in receipt")

// Codec packs calls to and decodes logs from the settlement contract.
type Codec struct {
	abi      abi.ABI
	contract common.Address
}

func NewCodec(contract common.Address) (*Codec, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse abi: %w", err)
	}
	return &Codec{abi: parsed, contract: contract}, nil
}

// Contract returns the settlement contract address.
func (c *Codec) Contract() common.Address { return c.contract }

// ABI exposes the parsed contract ABI.
func (c *Codec) ABI() abi.ABI { return c.abi }

// PackExecuteBatch encodes executeBatch(ops).
func (c *Codec) PackExecuteBatch(ops []Operation) ([]byte, error) {
	if len(ops) == 0 || len(ops) > MaxBatchSize {
		return nil, fmt.Errorf("settlement: batch size %d out of range", len(ops))
	}
	data, err := c.abi.Pack("executeBatch", ops)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack executeBatch: %w", err)
	}
	return data, nil
}

// CallResult is the return value of executeBatch when simulated via eth_call.
type CallResult struct {
	Succeeded   *big.Int
	Failed      *big.Int
	TotalProfit *big.Int
}

func (c *Codec) UnpackExecuteBatch(data []byte) (CallResult, error) {
	var out CallResult
	if err := c.abi.UnpackIntoInterface(&out, "executeBatch", data); err != nil {
		return CallResult{}, fmt.Errorf("settlement: unpack executeBatch: %w", err)
	}
	return out, nil
}

// BatchSummary is the decoded BatchExecuted event plus any OperationFailed
// reasons keyed by operation index.
type BatchSummary struct {
	Succeeded   *big.Int
	Failed      *big.Int
	TotalProfit *big.Int
	GasUsed     *big.Int
	Failures    map[uint64]string
}

type batchExecutedEvent struct {
	Succeeded   *big.Int
	Failed      *big.Int
	TotalProfit *big.Int
	GasUsed     *big.Int
}

type operationFailedEvent struct {
	Reason string
}

// UnpackBatchSummary decodes the settlement logs of receipt. Logs from other
// contracts are ignored.
func (c *Codec) UnpackBatchSummary(receipt *types.Receipt) (BatchSummary, error) {
	batchID := c.abi.Events["BatchExecuted"].ID
	failedID := c.abi.Events["OperationFailed"].ID

	sum := BatchSummary{Failures: make(map[uint64]string)}
	found := false
	for _, lg := range receipt.Logs {
		if lg.Address != c.contract || len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case batchID:
			var ev batchExecutedEvent
			if err := c.abi.UnpackIntoInterface(&ev, "BatchExecuted", lg.Data); err != nil {
				return BatchSummary{}, fmt.Errorf("settlement: unpack BatchExecuted: %w", err)
			}
			sum.Succeeded, sum.Failed, sum.TotalProfit, sum.GasUsed = ev.Succeeded, ev.Failed, ev.TotalProfit, ev.GasUsed
			found = true
		case failedID:
			if len(lg.Topics) < 2 {
				continue
			}
			var ev operationFailedEvent
			if err := c.abi.UnpackIntoInterface(&ev, "OperationFailed", lg.Data); err != nil {
				return BatchSummary{}, fmt.Errorf("settlement: unpack OperationFailed: %w", err)
			}
			sum.Failures[new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()] = ev.Reason
		}
	}
	if !found {
		return BatchSummary{}, ErrNoBatchEvent
	}
	return sum, nil
}
