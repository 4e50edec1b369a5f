package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Runner executes one opportunity on a single wallet.
type Runner interface {
	Execute(ctx context.Context, opp domain.Opportunity) domain.ExecutionResult
	Wallet() string
	Nonce() uint64
}

// Pool hands out shared leases on a chain's executors. Any number of
// opportunities may run on one wallet at once; the wallet's own nonce
// reservation keeps their sends ordered. New leases go to the wallet with the
// fewest in flight. When a LockManager is set the first lease on a wallet takes
// wallet:<chain>:<address> so a second process cannot submit from it, and the
// last release drops it.
type Pool struct {
	chainID   uint64
	slots     []*slot
	runners   []Runner
	locks     domain.LockManager
	lockTTL   time.Duration
	lockRetry time.Duration
}

type slot struct {
	r Runner

	// mu serialises lock acquisition and release for this wallet.
	mu     sync.Mutex
	active atomic.Int32
	unlock func()
}

// NewPool builds a pool over runners. locks may be nil.
func NewPool(chainID uint64, runners []Runner, locks domain.LockManager, lockTTL time.Duration) *Pool {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	p := &Pool{
		chainID:   chainID,
		slots:     make([]*slot, 0, len(runners)),
		runners:   runners,
		locks:     locks,
		lockTTL:   lockTTL,
		lockRetry: 250 * time.Millisecond,
	}
	for _, r := range runners {
		p.slots = append(p.slots, &slot{r: r})
	}
	return p
}

func (p *Pool) ChainID() uint64 { return p.chainID }

// Size is the number of wallets in the pool.
func (p *Pool) Size() int { return len(p.runners) }

// Runners returns every runner regardless of lease state.
func (p *Pool) Runners() []Runner { return p.runners }

// Lease returns the least busy executor. It only blocks while every wallet is
// held by another process, until one frees up or ctx ends.
func (p *Pool) Lease(ctx context.Context) (Runner, func(), error) {
	if len(p.slots) == 0 {
		return nil, nil, fmt.Errorf("orchestrator: chain %d has no wallets: %w", p.chainID, domain.ErrChainUnsupported)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		for _, s := range p.byLoad() {
			ok, err := p.join(ctx, s)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				return s.r, p.releaser(s), nil
			}
		}

		// Every wallet is held elsewhere; try again shortly.
		t := time.NewTimer(p.lockRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		case <-t.C:
		}
	}
}

// byLoad orders slots by open leases, keeping pool order on ties.
func (p *Pool) byLoad() []*slot {
	out := slices.Clone(p.slots)
	slices.SortStableFunc(out, func(a, b *slot) int {
		return int(a.active.Load() - b.active.Load())
	})
	return out
}

// join opens a lease on s, taking the wallet lock if this is the first one.
// It reports false when another process holds the wallet.
func (p *Pool) join(ctx context.Context, s *slot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.locks != nil && s.unlock == nil {
		unlock, err := p.locks.Acquire(ctx, p.lockKey(s.r), p.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("orchestrator: lock wallet %s: %w", s.r.Wallet(), err)
		}
		s.unlock = unlock
	}
	s.active.Add(1)
	return true, nil
}

func (p *Pool) lockKey(r Runner) string {
	return fmt.Sprintf("wallet:%d:%s", p.chainID, r.Wallet())
}

func (p *Pool) releaser(s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.active.Add(-1) == 0 && s.unlock != nil {
				s.unlock()
				s.unlock = nil
			}
		})
	}
}
