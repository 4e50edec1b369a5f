// Package settlement mirrors the batch settlement contract: its operation
// struct, validation rules, per-operation isolation and circuit breaker, and
// the ABI used to call it.
package settlement

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// MaxBatchSize is the largest batch the contract accepts.
const MaxBatchSize = 40

// Operation matches the contract's Operation struct. Field names follow the
// ABI component names.
type Operation struct {
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Path         []common.Address
	Exchanges    []common.Address
	Deadline     *big.Int
}

// OperationFromOpportunity converts an opportunity into the contract struct.
func OperationFromOpportunity(opp domain.Opportunity) (Operation, error) {
	tokenIn, err := parseAddress("token_in", opp.TokenIn)
	if err != nil {
		return Operation{}, err
	}
	tokenOut, err := parseAddress("token_out", opp.TokenOut)
	if err != nil {
		return Operation{}, err
	}
	path, err := parseAddresses("path", opp.Path)
	if err != nil {
		return Operation{}, err
	}
	exchanges, err := parseAddresses("exchanges", opp.Exchanges)
	if err != nil {
		return Operation{}, err
	}

	op := Operation{
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     cloneOrZero(opp.AmountIn),
		MinAmountOut: cloneOrZero(opp.MinAmountOut),
		Path:         path,
		Exchanges:    exchanges,
		Deadline:     new(big.Int),
	}
	if !opp.Deadline.IsZero() {
		op.Deadline.SetInt64(opp.Deadline.Unix())
	}
	return op, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("settlement: %s %q: %w", field, s, domain.ErrInvalidOperation)
	}
	return common.HexToAddress(s), nil
}

func parseAddresses(field string, in []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(in))
	for i, s := range in {
		a, err := parseAddress(fmt.Sprintf("%s[%d]", field, i), s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Validator enforces the contract's per-operation rules off-chain.
type Validator struct {
	tokens    map[common.Address]bool
	exchanges map[common.Address]bool
}

// NewValidator builds a validator over the supported token and allowed
// exchange addresses. An empty token list accepts any token.
func NewValidator(tokens, exchanges []string) (*Validator, error) {
	v := &Validator{
		tokens:    make(map[common.Address]bool, len(tokens)),
		exchanges: make(map[common.Address]bool, len(exchanges)),
	}
	for _, t := range tokens {
		a, err := parseAddress("supported token", strings.TrimSpace(t))
		if err != nil {
			return nil, err
		}
		v.tokens[a] = true
	}
	for _, e := range exchanges {
		a, err := parseAddress("exchange", strings.TrimSpace(e))
		if err != nil {
			return nil, err
		}
		v.exchanges[a] = true
	}
	return v, nil
}

// Validate reports the first rule op breaks. Errors wrap
// domain.ErrInvalidOperation, or domain.ErrExpired for a passed deadline.
func (v *Validator) Validate(op Operation, now time.Time) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("settlement: %s: %w", fmt.Sprintf(format, args...), domain.ErrInvalidOperation)
	}

	if len(v.tokens) > 0 {
		if !v.tokens[op.TokenIn] {
			return invalid("unsupported token_in %s", op.TokenIn.Hex())
		}
		if !v.tokens[op.TokenOut] {
			return invalid("unsupported token_out %s", op.TokenOut.Hex())
		}
	}
	if op.Deadline != nil && op.Deadline.Sign() > 0 && op.Deadline.Int64() <= now.Unix() {
		return fmt.Errorf("settlement: deadline %d passed: %w", op.Deadline.Int64(), domain.ErrExpired)
	}
	if op.AmountIn == nil || op.AmountIn.Sign() <= 0 {
		return invalid("amount_in must be positive")
	}
	if op.MinAmountOut == nil || op.MinAmountOut.Sign() <= 0 {
		return invalid("min_amount_out must be positive")
	}
	if len(op.Path) < 2 {
		return invalid("path needs at least 2 tokens, got %d", len(op.Path))
	}
	if op.Path[0] != op.TokenIn || op.Path[len(op.Path)-1] != op.TokenOut {
		return invalid("path endpoints do not match token_in/token_out")
	}
	if len(op.Exchanges) != len(op.Path)-1 {
		return invalid("%d exchanges for %d hops", len(op.Exchanges), len(op.Path)-1)
	}
	for _, ex := range op.Exchanges {
		if !v.exchanges[ex] {
			return invalid("exchange %s not allowed", ex.Hex())
		}
	}
	return nil
}
