package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const aggregatorV3ABI = `[
 {"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"latestRoundData","outputs":[
   {"name":"roundId","type":"uint80"},
   {"name":"answer","type":"int256"},
   {"name":"startedAt","type":"uint256"},
   {"name":"updatedAt","type":"uint256"},
   {"name":"answeredInRound","type":"uint80"}
 ],"stateMutability":"view","type":"function"}
]`

var aggregatorABI = mustParseABI(aggregatorV3ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("oracle: parse abi: %v", err))
	}
	return parsed
}

// Chainlink reads AggregatorV3 price feeds through eth_call.
type Chainlink struct {
	name       string
	caller     ethereum.ContractCaller
	feeds      map[domain.Pair]common.Address
	maxAge     time.Duration
	confidence uint8

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

// ChainlinkConfig configures a Chainlink source. Feeds maps a pair to its
// aggregator proxy address on the caller's chain.
type ChainlinkConfig struct {
	Name       string
	Feeds      map[domain.Pair]common.Address
	MaxAge     time.Duration
	Confidence uint8
}

func NewChainlink(cfg ChainlinkConfig, caller ethereum.ContractCaller) *Chainlink {
	if cfg.Name == "" {
		cfg.Name = "chainlink"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultChainlinkMaxAge
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 95
	}
	return &Chainlink{
		name:       cfg.Name,
		caller:     caller,
		feeds:      cfg.Feeds,
		maxAge:     cfg.MaxAge,
		confidence: cfg.Confidence,
		decimals:   make(map[common.Address]uint8),
	}
}

func (c *Chainlink) Name() string          { return c.name }
func (c *Chainlink) MaxAge() time.Duration { return c.maxAge }

func (c *Chainlink) Query(ctx context.Context, pair domain.Pair) (domain.OraclePrice, error) {
	feed, ok := c.feeds[pair]
	if !ok {
		return domain.OraclePrice{}, fmt.Errorf("oracle/chainlink: no feed for %s: %w", pair, domain.ErrNotFound)
	}

	dec, err := c.feedDecimals(ctx, feed)
	if err != nil {
		return domain.OraclePrice{}, err
	}

	out, err := c.call(ctx, feed, "latestRoundData")
	if err != nil {
		return domain.OraclePrice{}, err
	}
	if len(out) != 5 {
		return domain.OraclePrice{}, fmt.Errorf("oracle/chainlink: latestRoundData returned %d values", len(out))
	}
	answer, ok1 := out[1].(*big.Int)
	updatedAt, ok2 := out[3].(*big.Int)
	if !ok1 || !ok2 {
		return domain.OraclePrice{}, fmt.Errorf("oracle/chainlink: unexpected latestRoundData types")
	}

	return domain.OraclePrice{
		Source:     c.name,
		Pair:       pair,
		Price:      scaleTo18(answer, dec),
		Timestamp:  time.Unix(updatedAt.Int64(), 0),
		Confidence: c.confidence,
	}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	c.mu.Lock()
	dec, ok := c.decimals[feed]
	c.mu.Unlock()
	if ok {
		return dec, nil
	}

	out, err := c.call(ctx, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("oracle/chainlink: decimals returned %d values", len(out))
	}
	dec, ok = out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle/chainlink: unexpected decimals type %T", out[0])
	}

	c.mu.Lock()
	c.decimals[feed] = dec
	c.mu.Unlock()
	return dec, nil
}

func (c *Chainlink) call(ctx context.Context, to common.Address, method string) ([]interface{}, error) {
	data, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle/chainlink: pack %s: %w", method, err)
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle/chainlink: call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := aggregatorABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("oracle/chainlink: unpack %s: %w", method, err)
	}
	return out, nil
}

// scaleTo18 rescales a fixed-point value with dec decimals to
// domain.PriceDecimals.
func scaleTo18(v *big.Int, dec uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case int(dec) < domain.PriceDecimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(domain.PriceDecimals-int(dec))), nil)
		out.Mul(out, exp)
	case int(dec) > domain.PriceDecimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(int(dec)-domain.PriceDecimals)), nil)
		out.Quo(out, exp)
	}
	return out
}
