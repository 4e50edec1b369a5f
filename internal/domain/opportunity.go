package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Pair identifies a trading pair by base and quote symbol. It encodes as
// "BASE/QUOTE" in JSON and TOML.
type Pair struct {
	Base  string
	Quote string
}

// ParsePair parses "ETH/USDC" style pair notation.
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || base == "" || quote == "" {
		return Pair{}, fmt.Errorf("domain: invalid pair %q", s)
	}
	return Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}, nil
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// IsZero reports whether the pair is unset.
func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

func (p Pair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pair) UnmarshalText(text []byte) error {
	parsed, err := ParsePair(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Opportunity is a candidate arbitrage route issued by the discovery side.
// Amounts are base units of the respective tokens; ExpectedProfit is in wei of
// the chain's native token so it can be compared against gas cost directly.
type Opportunity struct {
	ID             string    `json:"id"`
	ChainID        uint64    `json:"chain_id"`
	Pair           Pair      `json:"pair"`
	TokenIn        string    `json:"token_in"`
	TokenOut       string    `json:"token_out"`
	AmountIn       *big.Int  `json:"amount_in"`
	MinAmountOut   *big.Int  `json:"min_amount_out"`
	ExpectedProfit *big.Int  `json:"expected_profit"`
	Path           []string  `json:"path"`
	Exchanges      []string  `json:"exchanges"`
	GasLimit       uint64    `json:"gas_limit"`
	Deadline       time.Time `json:"deadline"`
	Priority       int       `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether the opportunity deadline is at or before now.
func (o Opportunity) Expired(now time.Time) bool {
	return !o.Deadline.IsZero() && !now.Before(o.Deadline)
}

// Validate checks the structural fields every execution path relies on.
func (o Opportunity) Validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	case o.ChainID == 0:
		return fmt.Errorf("%w: opportunity %s: missing chain id", ErrInvalidOperation, o.ID)
	case o.Pair.IsZero():
		return fmt.Errorf("%w: opportunity %s: missing pair", ErrInvalidOperation, o.ID)
	case o.AmountIn == nil || o.AmountIn.Sign() <= 0:
		return fmt.Errorf("%w: opportunity %s: amount_in must be positive", ErrInvalidOperation, o.ID)
	case o.ExpectedProfit == nil:
		return fmt.Errorf("%w: opportunity %s: missing expected profit", ErrInvalidOperation, o.ID)
	case len(o.Path) < 2:
		return fmt.Errorf("%w: opportunity %s: path needs at least two hops", ErrInvalidOperation, o.ID)
	case o.GasLimit == 0:
		return fmt.Errorf("%w: opportunity %s: gas_limit must be positive", ErrInvalidOperation, o.ID)
	}
	return nil
}
