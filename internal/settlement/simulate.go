package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// CallSwapper simulates each operation with eth_call against the deployed
// contract. It never broadcasts.
type CallSwapper struct {
	caller ethereum.ContractCaller
	codec  *Codec
	from   common.Address
}

func NewCallSwapper(caller ethereum.ContractCaller, codec *Codec, from common.Address) *CallSwapper {
	return &CallSwapper{caller: caller, codec: codec, from: from}
}

func (s *CallSwapper) Swap(ctx context.Context, op Operation) (*big.Int, error) {
	data, err := s.codec.PackExecuteBatch([]Operation{op})
	if err != nil {
		return nil, err
	}
	to := s.codec.Contract()
	raw, err := s.caller.CallContract(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("settlement: simulate: %w", err)
	}
	res, err := s.codec.UnpackExecuteBatch(raw)
	if err != nil {
		return nil, err
	}
	if res.Failed != nil && res.Failed.Sign() > 0 {
		return nil, fmt.Errorf("settlement: simulated operation failed")
	}
	return res.TotalProfit, nil
}
