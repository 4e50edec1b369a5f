package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

type fakeRunner struct {
	addr  string
	delay time.Duration

	mu    sync.Mutex
	calls []string

	active    *atomic.Int32
	maxActive *atomic.Int32
}

func (f *fakeRunner) Wallet() string { return f.addr }
func (f *fakeRunner) Nonce() uint64  { return uint64(len(f.executed())) }

func (f *fakeRunner) Execute(_ context.Context, opp domain.Opportunity) domain.ExecutionResult {
	f.mu.Lock()
	f.calls = append(f.calls, opp.ID)
	f.mu.Unlock()

	if f.active != nil {
		cur := f.active.Add(1)
		for {
			prev := f.maxActive.Load()
			if cur <= prev || f.maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		defer f.active.Add(-1)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	res := domain.ExecutionResult{
		OpportunityID:  opp.ID,
		ChainID:        opp.ChainID,
		Wallet:         f.addr,
		RealizedProfit: new(big.Int),
		GasCost:        new(big.Int),
		Attempts:       1,
		Timestamp:      time.Now(),
	}
	if strings.HasPrefix(opp.ID, "fail") {
		res.Status = domain.ExecFailed
		res.ErrorKind = domain.KindTransactionReverted
		res.Error = "reverted"
		return res
	}
	res.Success = true
	res.Status = domain.ExecSucceeded
	res.Stage = domain.StageDone
	res.RealizedProfit = big.NewInt(10)
	return res
}

func (f *fakeRunner) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAlerter) Alert(_ context.Context, a domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, a.Event)
	return nil
}

func (r *recordingAlerter) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type memAudit struct {
	mu      sync.Mutex
	entries []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type captureSink struct {
	mu      sync.Mutex
	batches []domain.BatchResult
}

func (c *captureSink) Emit(_ context.Context, b domain.BatchResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	return nil
}

var seq atomic.Int64

// batchOf returns ok succeeding and bad failing opportunities on chainID.
func batchOf(chainID uint64, ok, bad int) []domain.Opportunity {
	var out []domain.Opportunity
	for i := 0; i < ok; i++ {
		out = append(out, opp(fmt.Sprintf("ok-%d", seq.Add(1)), chainID, 1))
	}
	for i := 0; i < bad; i++ {
		out = append(out, opp(fmt.Sprintf("fail-%d", seq.Add(1)), chainID, 1))
	}
	return out
}

func opp(id string, chainID uint64, priority int) domain.Opportunity {
	return domain.Opportunity{
		ID:       id,
		ChainID:  chainID,
		Priority: priority,
		Deadline: time.Now().Add(time.Hour),
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	orch    *Orchestrator
	runners []*fakeRunner
	alerts  *recordingAlerter
	audit   *memAudit
	sink    *captureSink
}

func newFixture(cfg Config, wallets int) *fixture {
	f := &fixture{alerts: &recordingAlerter{}, audit: &memAudit{}, sink: &captureSink{}}
	var runners []Runner
	for i := 0; i < wallets; i++ {
		r := &fakeRunner{addr: fmt.Sprintf("0x%040d", i+1)}
		f.runners = append(f.runners, r)
		runners = append(runners, r)
	}
	f.orch = New(cfg, Deps{
		Pools:   []*Pool{NewPool(137, runners, nil, 0)},
		Sink:    f.sink,
		Alerter: f.alerts,
		Audit:   f.audit,
		Logger:  discard(),
	})
	return f
}

func (f *fixture) totalCalls() int {
	n := 0
	for _, r := range f.runners {
		n += len(r.executed())
	}
	return n
}

func TestBreakerTripsAfterConsecutiveFailuresAndSkips(t *testing.T) {
	f := newFixture(DefaultConfig(), 4)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		batch, err := f.orch.RunCycle(ctx, batchOf(137, 2, 2))
		require.NoError(t, err)
		assert.InDelta(t, 0.5, batch.FailureRatio, 1e-9)
		assert.Equal(t, i, f.orch.Snapshot().ConsecutiveFailures)
	}
	snap := f.orch.Snapshot()
	assert.True(t, snap.BreakerOpen)
	require.NotNil(t, snap.BreakerTrippedAt)

	before := f.totalCalls()
	batch, err := f.orch.RunCycle(ctx, batchOf(137, 4, 0))
	assert.ErrorIs(t, err, domain.ErrCircuitBreakerOpen)
	assert.True(t, batch.Skipped)
	assert.Empty(t, batch.Results)
	assert.Equal(t, before, f.totalCalls(), "no dispatch while the breaker is open")
	assert.True(t, f.orch.Snapshot().BreakerOpen)

	f.orch.bg.Wait()
	assert.Contains(t, f.alerts.seen(), domain.EventBreakerTripped)
	assert.Contains(t, f.alerts.seen(), domain.EventHighFailureRatio)
	assert.Contains(t, f.audit.entries, domain.EventBreakerTripped)
}

func TestHealthyCycleResetsCounter(t *testing.T) {
	f := newFixture(DefaultConfig(), 2)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.orch.RunCycle(ctx, batchOf(137, 1, 3))
		require.NoError(t, err)
	}
	assert.Equal(t, 4, f.orch.Snapshot().ConsecutiveFailures)

	// 3 of 10 is exactly the threshold and counts as healthy.
	batch, err := f.orch.RunCycle(ctx, batchOf(137, 7, 3))
	require.NoError(t, err)
	assert.InDelta(t, 0.3, batch.FailureRatio, 1e-9)
	assert.Zero(t, f.orch.Snapshot().ConsecutiveFailures)

	for i := 0; i < 4; i++ {
		_, err := f.orch.RunCycle(ctx, batchOf(137, 0, 2))
		require.NoError(t, err)
	}
	assert.False(t, f.orch.Snapshot().BreakerOpen)
}

func TestResetCircuitBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 1
	f := newFixture(cfg, 2)
	ctx := context.Background()

	_, err := f.orch.RunCycle(ctx, batchOf(137, 0, 1))
	require.NoError(t, err)
	require.True(t, f.orch.Snapshot().BreakerOpen)

	require.NoError(t, f.orch.ResetCircuitBreaker("rpc fixed"))
	// Readers see the reset only once the loop applies it.
	assert.True(t, f.orch.Snapshot().BreakerOpen)

	batch, err := f.orch.RunCycle(ctx, batchOf(137, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Succeeded)

	snap := f.orch.Snapshot()
	assert.False(t, snap.BreakerOpen)
	assert.Nil(t, snap.BreakerTrippedAt)
	assert.Zero(t, snap.ConsecutiveFailures)

	f.orch.bg.Wait()
	assert.Contains(t, f.alerts.seen(), domain.EventBreakerReset)
	assert.Contains(t, f.audit.entries, domain.EventBreakerReset)
}

func TestEmptyCycleLeavesBreakerStateAlone(t *testing.T) {
	f := newFixture(DefaultConfig(), 1)
	ctx := context.Background()

	_, err := f.orch.RunCycle(ctx, batchOf(137, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 1, f.orch.Snapshot().ConsecutiveFailures)

	batch, err := f.orch.RunCycle(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, batch.Total)
	assert.Equal(t, 1, f.orch.Snapshot().ConsecutiveFailures)
	assert.Equal(t, int64(2), f.orch.Snapshot().Cycles)
}

func TestDispatchInPriorityOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentOps = 1
	f := newFixture(cfg, 1)

	batch := []domain.Opportunity{
		opp("low", 137, 1),
		opp("high", 137, 9),
		opp("mid-a", 137, 5),
		opp("mid-b", 137, 5),
	}
	_, err := f.orch.RunCycle(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, f.runners[0].executed())
}

func TestConcurrencyCeilingPerChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentOps = 3
	f := newFixture(cfg, 8)
	active, peak := new(atomic.Int32), new(atomic.Int32)
	for _, r := range f.runners {
		r.active, r.maxActive, r.delay = active, peak, 20*time.Millisecond
	}

	batch, err := f.orch.RunCycle(context.Background(), batchOf(137, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, 12, batch.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load())
}

func TestOneWalletRunsOpportunitiesConcurrently(t *testing.T) {
	const delay = 200 * time.Millisecond
	f := newFixture(DefaultConfig(), 1)
	active, peak := new(atomic.Int32), new(atomic.Int32)
	f.runners[0].active, f.runners[0].maxActive, f.runners[0].delay = active, peak, delay

	start := time.Now()
	batch, err := f.orch.RunCycle(context.Background(), batchOf(137, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, 8, batch.Succeeded)
	assert.Less(t, time.Since(start), 3*delay, "executions on one wallet must overlap")
	assert.Greater(t, peak.Load(), int32(1))
	assert.Len(t, f.runners[0].executed(), 8)
}

func TestLeasesSpreadAcrossWallets(t *testing.T) {
	a, b := &fakeRunner{addr: "0xa"}, &fakeRunner{addr: "0xb"}
	p := NewPool(137, []Runner{a, b}, nil, 0)

	first, release1, err := p.Lease(context.Background())
	require.NoError(t, err)
	second, release2, err := p.Lease(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Wallet(), second.Wallet())

	release1()
	third, release3, err := p.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Wallet(), third.Wallet(), "the idle wallet is preferred")
	release2()
	release3()
}

func TestFailuresAreIsolated(t *testing.T) {
	f := newFixture(DefaultConfig(), 3)

	batch, err := f.orch.RunCycle(context.Background(), batchOf(137, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, 6, batch.Total)
	assert.Equal(t, 5, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, big.NewInt(50), batch.TotalProfit)
}

func TestUnknownChainYieldsChainUnsupported(t *testing.T) {
	f := newFixture(DefaultConfig(), 1)

	batch, err := f.orch.RunCycle(context.Background(), append(batchOf(137, 1, 0), opp("elsewhere", 10, 1)))
	require.NoError(t, err)
	require.Len(t, batch.Results, 2)
	for _, r := range batch.Results {
		if r.OpportunityID == "elsewhere" {
			assert.Equal(t, domain.KindChainUnsupported, r.ErrorKind)
			assert.False(t, r.Success)
		}
	}
}

func TestExpiredAndDuplicateAreDiscarded(t *testing.T) {
	f := newFixture(DefaultConfig(), 1)
	stale := opp("stale", 137, 1)
	stale.Deadline = time.Now().Add(-time.Second)
	fresh := opp("fresh", 137, 1)

	batch, err := f.orch.RunCycle(context.Background(), []domain.Opportunity{stale, fresh})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Total)
	assert.Equal(t, 1, batch.Discarded)

	batch, err = f.orch.RunCycle(context.Background(), []domain.Opportunity{fresh})
	require.NoError(t, err)
	assert.Zero(t, batch.Total)
	assert.Equal(t, 1, batch.Discarded)
	assert.Equal(t, []string{"fresh"}, f.runners[0].executed())
}

func TestSinkReceivesEveryCompletedCycle(t *testing.T) {
	f := newFixture(DefaultConfig(), 1)

	batch, err := f.orch.RunCycle(context.Background(), batchOf(137, 1, 0))
	require.NoError(t, err)
	require.Len(t, f.sink.batches, 1)
	assert.Equal(t, batch.ID, f.sink.batches[0].ID)
	assert.Equal(t, batch.ID, f.orch.Snapshot().LastBatchID)
	assert.Equal(t, uint64(1), f.orch.Snapshot().Nonces[f.runners[0].addr])
}

type sliceSource struct {
	mu      sync.Mutex
	batches [][]domain.Opportunity
}

func (s *sliceSource) Next(context.Context) ([]domain.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CycleInterval = 5 * time.Millisecond
	f := newFixture(cfg, 2)
	stop := f.orch.stop

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.orch.Run(ctx, &sliceSource{batches: [][]domain.Opportunity{batchOf(137, 3, 0)}})
	}()

	require.Eventually(t, func() bool { return f.totalCalls() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, stop.Load())
}

type flakyLocks struct {
	mu       sync.Mutex
	held     int
	acquired []string
}

func (l *flakyLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held > 0 {
		l.held--
		return nil, domain.ErrLockHeld
	}
	l.acquired = append(l.acquired, key)
	return func() {}, nil
}

func TestPoolLeaseWaitsForDistributedLock(t *testing.T) {
	r := &fakeRunner{addr: "0xabc"}
	locks := &flakyLocks{held: 2}
	p := NewPool(137, []Runner{r}, locks, time.Minute)
	p.lockRetry = time.Millisecond

	got, release, err := p.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Runner(r), got)
	assert.Equal(t, []string{"wallet:137:0xabc"}, locks.acquired)

	_, release2, err := p.Lease(context.Background())
	require.NoError(t, err)
	assert.Len(t, locks.acquired, 1, "a held wallet lock is shared by later leases")
	assert.Equal(t, int32(2), p.slots[0].active.Load())

	release()
	release()
	assert.Equal(t, int32(1), p.slots[0].active.Load(), "release is idempotent")
	release2()
	assert.Zero(t, p.slots[0].active.Load())

	locks.mu.Lock()
	locks.held = 1 << 30
	locks.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = p.Lease(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the wallet lock was dropped and is now held elsewhere")

	locks.mu.Lock()
	locks.held = 0
	locks.mu.Unlock()
	_, release3, err := p.Lease(context.Background())
	require.NoError(t, err)
	assert.Len(t, locks.acquired, 2)
	release3()
}

func TestPoolLockErrorIsReturned(t *testing.T) {
	p := NewPool(137, []Runner{&fakeRunner{addr: "0xabc"}}, brokenLocks{}, time.Minute)

	_, _, err := p.Lease(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrLockHeld)
	assert.Zero(t, p.slots[0].active.Load())
}

type brokenLocks struct{}

func (brokenLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, fmt.Errorf("redis: connection refused")
}

func TestDedupWindow(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))

	now = now.Add(time.Minute)
	assert.False(t, d.Seen("a"), "expired entries are consumable again")

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
}
