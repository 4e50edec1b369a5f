// Package chain provides per-chain JSON-RPC access with multi-endpoint
// failover and client-side rate limiting.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	neturl "net/url"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Client is the RPC surface the execution core needs from one chain.
type Client interface {
	ChainID() uint64
	Name() string
	BaseFee(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// backend is the subset of *ethclient.Client used by Failover.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config describes one chain's RPC endpoints. Endpoints are tried in order;
// the first is the primary.
type Config struct {
	ChainID        uint64
	Name           string
	RPCURLs        []string
	RequestsPerSec float64
	Burst          int
}

type endpoint struct {
	host    string
	rpc     backend
	limiter *rate.Limiter
}

// Failover implements Client over several endpoints of the same chain. Calls
// go to the primary and fall through to the next endpoint on transport,
// timeout, or rate-limit errors; semantic errors (reverts, nonce errors) are
// returned immediately.
type Failover struct {
	chainID   uint64
	name      string
	endpoints []*endpoint
	logger    *slog.Logger
}

// Dial connects to every configured endpoint, verifies that each reports the
// expected chain id, and keeps the ones that do. It fails when none is usable.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Failover, error) {
	log := logger.With(
		slog.String("component", "chain"),
		slog.Uint64("chain_id", cfg.ChainID),
		slog.String("chain", cfg.Name),
	)

	var endpoints []*endpoint
	var errs []error
	for _, url := range cfg.RPCURLs {
		host := endpointHost(url)
		cl, err := ethclient.DialContext(ctx, url)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", host, err))
			continue
		}
		id, err := cl.ChainID(ctx)
		if err != nil {
			cl.Close()
			errs = append(errs, fmt.Errorf("chain id %s: %w", host, err))
			continue
		}
		if id.Uint64() != cfg.ChainID {
			cl.Close()
			errs = append(errs, fmt.Errorf("endpoint %s reports chain %d", host, id.Uint64()))
			continue
		}
		endpoints = append(endpoints, &endpoint{
			host:    host,
			rpc:     cl,
			limiter: newLimiter(cfg.RequestsPerSec, cfg.Burst),
		})
		log.Info("rpc endpoint ready", slog.String("endpoint", host))
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("chain: no reachable endpoint for chain %d (%s): %w",
			cfg.ChainID, cfg.Name, errors.Join(errs...))
	}
	for _, err := range errs {
		log.Warn("rpc endpoint skipped", slog.String("error", err.Error()))
	}

	return &Failover{
		chainID:   cfg.ChainID,
		name:      cfg.Name,
		endpoints: endpoints,
		logger:    log,
	}, nil
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// ChainID returns the numeric chain id.
func (f *Failover) ChainID() uint64 { return f.chainID }

// Name returns the configured chain name.
func (f *Failover) Name() string { return f.name }

// Close closes every endpoint connection.
func (f *Failover) Close() {
	for _, ep := range f.endpoints {
		ep.rpc.Close()
	}
}

func (f *Failover) do(ctx context.Context, op string, fn func(b backend) error) error {
	var lastErr error
	for i, ep := range f.endpoints {
		if err := ep.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("chain: %s: rate limiter: %w", op, err)
		}
		err := fn(ep.rpc)
		if err == nil {
			return nil
		}
		lastErr = err
		if !shouldFailover(err) || ctx.Err() != nil {
			return err
		}
		if i < len(f.endpoints)-1 {
			f.logger.Warn("rpc call failed, trying next endpoint",
				slog.String("op", op),
				slog.String("endpoint", ep.host),
				slog.String("error", err.Error()),
			)
		}
	}
	return lastErr
}

// BaseFee returns the latest block's base fee, or the node's legacy gas price
// suggestion on chains without EIP-1559.
func (f *Failover) BaseFee(ctx context.Context) (*big.Int, error) {
	var fee *big.Int
	err := f.do(ctx, "base_fee", func(b backend) error {
		head, err := b.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		if head.BaseFee != nil {
			fee = new(big.Int).Set(head.BaseFee)
			return nil
		}
		price, err := b.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		fee = price
		return nil
	})
	return fee, err
}

func (f *Failover) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := f.do(ctx, "pending_nonce", func(b backend) error {
		n, err := b.PendingNonceAt(ctx, account)
		nonce = n
		return err
	})
	return nonce, err
}

// SendTransaction broadcasts tx. A node answering "already known" holds the
// same signed transaction, which counts as success.
func (f *Failover) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return f.do(ctx, "send_transaction", func(b backend) error {
		err := b.SendTransaction(ctx, tx)
		if isAlreadyKnown(err) {
			return nil
		}
		return err
	})
}

// TransactionReceipt returns ethereum.NotFound while tx is unmined.
func (f *Failover) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := f.do(ctx, "transaction_receipt", func(b backend) error {
		r, err := b.TransactionReceipt(ctx, hash)
		receipt = r
		return err
	})
	return receipt, err
}

func (f *Failover) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := f.do(ctx, "transaction_by_hash", func(b backend) error {
		t, p, err := b.TransactionByHash(ctx, hash)
		tx, pending = t, p
		return err
	})
	return tx, pending, err
}

func (f *Failover) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := f.do(ctx, "call_contract", func(b backend) error {
		res, err := b.CallContract(ctx, msg, blockNumber)
		out = res
		return err
	})
	return out, err
}

// Compile-time interface check.
var _ Client = (*Failover)(nil)

// endpointHost strips credentials, path and query from an RPC URL for logs.
// Providers put API keys in all three.
func endpointHost(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-url"
	}
	return u.Host
}
