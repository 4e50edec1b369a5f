// Package wallet owns the per-wallet nonce cursor. Submissions from one
// wallet are strictly serialized: a reserved nonce blocks further reservations
// until it is committed or released.
package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NonceSource reports the next nonce the chain expects for an account,
// including pending transactions.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// TxSigner signs transactions for one key.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Wallet pairs a signing key with its nonce cursor on one chain.
type Wallet struct {
	chainID uint64
	signer  TxSigner
	source  NonceSource

	mu     sync.Mutex // held from Reserve until Commit or Release
	next   uint64
	synced bool

	published atomic.Uint64
}

// New returns a Wallet for signer on chainID. The cursor is loaded from source
// on the first reservation or an explicit Sync.
func New(chainID uint64, signer TxSigner, source NonceSource) *Wallet {
	return &Wallet{chainID: chainID, signer: signer, source: source}
}

func (w *Wallet) ChainID() uint64 { return w.chainID }

func (w *Wallet) Address() common.Address { return w.signer.Address() }

// Nonce returns the last committed cursor without blocking on a reservation.
func (w *Wallet) Nonce() uint64 { return w.published.Load() }

// Sync loads the cursor from chain. It waits for any outstanding reservation.
func (w *Wallet) Sync(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked(ctx)
}

// Resync is Sync under the name callers use after a nonce-too-low rejection.
func (w *Wallet) Resync(ctx context.Context) error {
	return w.Sync(ctx)
}

func (w *Wallet) syncLocked(ctx context.Context) error {
	n, err := w.source.PendingNonceAt(ctx, w.Address())
	if err != nil {
		return fmt.Errorf("wallet: sync nonce for %s: %w", w.Address().Hex(), err)
	}
	w.next = n
	w.synced = true
	w.published.Store(n)
	return nil
}

// Reserve locks the cursor and returns the nonce to use. Exactly one of
// Commit or Release must follow.
func (w *Wallet) Reserve(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	if !w.synced {
		if err := w.syncLocked(ctx); err != nil {
			w.mu.Unlock()
			return 0, err
		}
	}
	return w.next, nil
}

// Commit advances the cursor past the reserved nonce and unlocks it.
func (w *Wallet) Commit() {
	w.next++
	w.published.Store(w.next)
	w.mu.Unlock()
}

// Release unlocks the cursor without advancing it.
func (w *Wallet) Release() {
	w.mu.Unlock()
}

// Submit reserves a nonce, runs fn with it, and commits only when fn
// succeeds.
func (w *Wallet) Submit(ctx context.Context, fn func(nonce uint64) error) (uint64, error) {
	nonce, err := w.Reserve(ctx)
	if err != nil {
		return 0, err
	}
	if err := fn(nonce); err != nil {
		w.Release()
		return nonce, err
	}
	w.Commit()
	return nonce, nil
}

// Sign signs tx with the wallet key for the wallet's chain.
func (w *Wallet) Sign(tx *types.Transaction) (*types.Transaction, error) {
	return w.signer.SignTx(tx, new(big.Int).SetUint64(w.chainID))
}
