package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// GasStrategy names an aggressiveness tier for fee recommendations.
type GasStrategy string

const (
	GasSlow     GasStrategy = "slow"
	GasStandard GasStrategy = "standard"
	GasFast     GasStrategy = "fast"
	GasInstant  GasStrategy = "instant"
)

// ParseGasStrategy maps a config string onto a strategy. Empty means standard.
func ParseGasStrategy(s string) (GasStrategy, error) {
	switch GasStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", GasStandard:
		return GasStandard, nil
	case GasSlow:
		return GasSlow, nil
	case GasFast:
		return GasFast, nil
	case GasInstant:
		return GasInstant, nil
	default:
		return "", fmt.Errorf("domain: unknown gas strategy %q", s)
	}
}

// GasPrice is an EIP-1559 fee recommendation for one chain.
type GasPrice struct {
	ChainID      uint64      `json:"chain_id"`
	Strategy     GasStrategy `json:"strategy"`
	BaseFee      *big.Int    `json:"base_fee"`
	PriorityFee  *big.Int    `json:"priority_fee"`
	MaxFeePerGas *big.Int    `json:"max_fee_per_gas"`
	FetchedAt    time.Time   `json:"fetched_at"`
}

// Cost returns the worst-case fee for gasLimit units at this price.
func (g GasPrice) Cost(gasLimit uint64) *big.Int {
	if g.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(g.MaxFeePerGas, new(big.Int).SetUint64(gasLimit))
}
