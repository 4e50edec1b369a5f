// Package orchestrator runs execution cycles: it filters and prioritizes a
// batch of opportunities, fans them out per chain under a concurrency gate,
// and owns the circuit breaker that halts dispatch after sustained failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

// Source supplies the next batch of opportunities.
type Source interface {
	Next(ctx context.Context) ([]domain.Opportunity, error)
}

// Sink receives every completed cycle. Implementations must not block.
type Sink interface {
	Emit(ctx context.Context, batch domain.BatchResult) error
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, alert domain.Alert) error
}

// Config holds the cycle and breaker tunables.
type Config struct {
	MaxConcurrentOps       int64
	MaxFailedRatio         float64
	MaxConsecutiveFailures int
	CycleInterval          time.Duration
	Cooldown               time.Duration
	DedupTTL               time.Duration

	// ShutdownGrace bounds how long in-flight confirmations may run after
	// shutdown begins.
	ShutdownGrace time.Duration
}

// DefaultConfig returns 40 concurrent ops per chain, a 30% failure ratio,
// 5 consecutive failures, a 10s cycle and a 60s cooldown.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentOps:       40,
		MaxFailedRatio:         0.30,
		MaxConsecutiveFailures: 5,
		CycleInterval:          10 * time.Second,
		Cooldown:               60 * time.Second,
		DedupTTL:               10 * time.Minute,
		ShutdownGrace:          30 * time.Second,
	}
}

// Deps are the orchestrator's collaborators. Everything except Pools and
// Logger is optional.
type Deps struct {
	Pools   []*Pool
	Sink    Sink
	Alerter Alerter
	Audit   domain.AuditStore
	Stop    *atomic.Bool
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type control struct {
	reset  bool
	reason string
}

// Orchestrator owns OrchestratorState. RunCycle and Run must be driven from a
// single goroutine; readers use Snapshot.
type Orchestrator struct {
	cfg      Config
	pools    map[uint64]*Pool
	gates    map[uint64]*semaphore.Weighted
	dedup    *Dedup
	sink     Sink
	alerter  Alerter
	audit    domain.AuditStore
	stop     *atomic.Bool
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	controls chan control

	state    domain.OrchestratorState
	snapshot atomic.Pointer[domain.OrchestratorState]

	bg sync.WaitGroup
}

func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrentOps <= 0 {
		cfg.MaxConcurrentOps = def.MaxConcurrentOps
	}
	if cfg.MaxFailedRatio <= 0 {
		cfg.MaxFailedRatio = def.MaxFailedRatio
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	stop := deps.Stop
	if stop == nil {
		stop = new(atomic.Bool)
	}

	o := &Orchestrator{
		cfg:      cfg,
		pools:    make(map[uint64]*Pool, len(deps.Pools)),
		gates:    make(map[uint64]*semaphore.Weighted, len(deps.Pools)),
		dedup:    NewDedup(cfg.DedupTTL),
		sink:     deps.Sink,
		alerter:  deps.Alerter,
		audit:    deps.Audit,
		stop:     stop,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With(slog.String("component", "orchestrator")),
		now:      time.Now,
		controls: make(chan control, 16),
		state:    domain.OrchestratorState{TotalProfit: new(big.Int)},
	}
	for _, p := range deps.Pools {
		o.pools[p.ChainID()] = p
		o.gates[p.ChainID()] = semaphore.NewWeighted(cfg.MaxConcurrentOps)
	}
	o.publish()
	return o
}

// Snapshot returns a copy of the latest published state.
func (o *Orchestrator) Snapshot() domain.OrchestratorState {
	return o.snapshot.Load().Clone()
}

// ResetCircuitBreaker queues an operator reset. The loop applies it before the
// next cycle, or immediately when it is waiting out a cooldown.
func (o *Orchestrator) ResetCircuitBreaker(reason string) error {
	select {
	case o.controls <- control{reset: true, reason: reason}:
		o.logger.Info("circuit breaker reset requested", slog.String("reason", reason))
		return nil
	default:
		return errors.New("orchestrator: control queue full")
	}
}

// Stop sets the shared stop flag so no further transaction is submitted.
func (o *Orchestrator) Stop() { o.stop.Store(true) }

// Run pulls a batch from src every cycle interval and runs it until ctx is
// cancelled. On shutdown it sets the stop flag and waits for the cycle in
// flight to settle.
func (o *Orchestrator) Run(ctx context.Context, src Source) error {
	o.logger.Info("orchestrator starting",
		slog.Duration("cycle_interval", o.cfg.CycleInterval),
		slog.Int64("max_concurrent_ops", o.cfg.MaxConcurrentOps),
		slog.Int("chains", len(o.pools)),
	)

	// Executions outlive ctx so broadcast transactions can still confirm.
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	go func() {
		select {
		case <-ctx.Done():
		case <-work.Done():
			return
		}
		o.stop.Store(true)
		t := time.NewTimer(o.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-t.C:
			cancelWork()
		case <-work.Done():
		}
	}()

	for {
		wait := o.cfg.CycleInterval
		o.applyControls(ctx)

		if o.state.BreakerOpen {
			_, _ = o.RunCycle(work, nil)
			wait = o.cfg.Cooldown
			o.logger.Warn("circuit breaker open, cooling down", slog.Duration("cooldown", wait))
		} else {
			opps, err := src.Next(ctx)
			switch {
			case ctx.Err() != nil:
			case err != nil:
				o.logger.Error("feed read failed", slog.String("error", err.Error()))
			default:
				if _, err := o.RunCycle(work, opps); err != nil && !errors.Is(err, domain.ErrCircuitBreakerOpen) {
					o.logger.Error("cycle failed", slog.String("error", err.Error()))
				}
			}
		}
		o.dedup.Cleanup()

		if !o.sleep(ctx, wait) {
			break
		}
	}

	o.stop.Store(true)
	o.bg.Wait()
	o.logger.Info("orchestrator stopped")
	return nil
}

// sleep waits d, returning early with true when a control arrives. It returns
// false once ctx is done.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case c := <-o.controls:
		o.applyControl(ctx, c)
		return true
	case <-t.C:
		return true
	}
}

// RunCycle dispatches opps and applies the resulting state transitions. While
// the breaker is open nothing is dispatched and the returned error wraps
// domain.ErrCircuitBreakerOpen.
func (o *Orchestrator) RunCycle(ctx context.Context, opps []domain.Opportunity) (domain.BatchResult, error) {
	start := o.now()
	batch := domain.BatchResult{ID: uuid.NewString(), StartedAt: start, TotalProfit: new(big.Int)}

	o.applyControls(ctx)
	if o.state.BreakerOpen {
		batch.Skipped = true
		batch.CompletedAt = o.now()
		o.metrics.RecordCycle("skipped", 0, 0, batch.CompletedAt.Sub(start))
		return batch, fmt.Errorf("orchestrator: cycle %s skipped: %w", batch.ID, domain.ErrCircuitBreakerOpen)
	}

	live := o.filter(opps, start, &batch)
	sort.SliceStable(live, func(i, j int) bool { return live[i].Priority > live[j].Priority })

	var chains []uint64
	groups := make(map[uint64][]domain.Opportunity)
	for _, opp := range live {
		if _, ok := groups[opp.ChainID]; !ok {
			chains = append(chains, opp.ChainID)
		}
		groups[opp.ChainID] = append(groups[opp.ChainID], opp)
	}

	results := make(chan domain.ExecutionResult, len(live))
	var wg sync.WaitGroup
	for _, id := range chains {
		wg.Add(1)
		go func(id uint64, group []domain.Opportunity) {
			defer wg.Done()
			o.dispatchChain(ctx, id, group, results)
		}(id, groups[id])
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		batch.Results = append(batch.Results, res)
	}
	batch.CompletedAt = o.now()
	batch.Tally()

	o.apply(ctx, batch)
	o.emit(ctx, batch)
	return batch, nil
}

// filter drops duplicates and opportunities already past their deadline.
func (o *Orchestrator) filter(opps []domain.Opportunity, now time.Time, batch *domain.BatchResult) []domain.Opportunity {
	live := make([]domain.Opportunity, 0, len(opps))
	for _, opp := range opps {
		if opp.Expired(now) {
			batch.Discarded++
			o.logger.Debug("opportunity discarded",
				slog.String("opportunity_id", opp.ID),
				slog.String("reason", "expired"),
			)
			continue
		}
		if opp.ID != "" && o.dedup.Seen(opp.ID) {
			batch.Discarded++
			o.logger.Debug("opportunity discarded",
				slog.String("opportunity_id", opp.ID),
				slog.String("reason", "duplicate"),
			)
			continue
		}
		live = append(live, opp)
	}
	return live
}

// dispatchChain runs one chain's group in priority order, at most
// MaxConcurrentOps at a time, and returns after every worker has reported.
func (o *Orchestrator) dispatchChain(ctx context.Context, chainID uint64, group []domain.Opportunity, results chan<- domain.ExecutionResult) {
	pool, ok := o.pools[chainID]
	if !ok {
		for _, opp := range group {
			results <- failed(opp, domain.KindChainUnsupported,
				fmt.Errorf("orchestrator: chain %d: %w", chainID, domain.ErrChainUnsupported), o.now())
		}
		return
	}
	gate := o.gates[chainID]
	label := strconv.FormatUint(chainID, 10)

	var wg sync.WaitGroup
	for i, opp := range group {
		if err := gate.Acquire(ctx, 1); err != nil {
			for _, rest := range group[i:] {
				results <- failed(rest, domain.KindCancelled, fmt.Errorf("orchestrator: dispatch: %w", err), o.now())
			}
			break
		}
		wg.Add(1)
		o.metrics.AddInFlight(label, 1)
		go func(opp domain.Opportunity) {
			defer wg.Done()
			defer gate.Release(1)
			defer o.metrics.AddInFlight(label, -1)
			results <- o.work(ctx, pool, opp)
		}(opp)
	}
	wg.Wait()
}

func (o *Orchestrator) work(ctx context.Context, pool *Pool, opp domain.Opportunity) (res domain.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("executor panic",
				slog.String("opportunity_id", opp.ID),
				slog.Any("panic", r),
			)
			res = failed(opp, domain.KindUnknown, fmt.Errorf("orchestrator: executor panic: %v", r), o.now())
		}
	}()

	runner, release, err := pool.Lease(ctx)
	if err != nil {
		return failed(opp, domain.KindOf(err), fmt.Errorf("orchestrator: lease wallet: %w", err), o.now())
	}
	defer release()
	return runner.Execute(ctx, opp)
}

func failed(opp domain.Opportunity, kind domain.ErrorKind, err error, now time.Time) domain.ExecutionResult {
	if kind == domain.KindUnknown || kind == domain.KindNone {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			kind = domain.KindCancelled
		}
	}
	return domain.ExecutionResult{
		OpportunityID:  opp.ID,
		ChainID:        opp.ChainID,
		Status:         domain.ExecFailed,
		Stage:          domain.StageValidating,
		RealizedProfit: new(big.Int),
		GasCost:        new(big.Int),
		ErrorKind:      kind,
		Error:          err.Error(),
		Timestamp:      now,
	}
}

// apply folds a completed cycle into the state. It runs only on the loop
// goroutine.
func (o *Orchestrator) apply(ctx context.Context, batch domain.BatchResult) {
	s := &o.state
	s.Cycles++
	took := batch.CompletedAt.Sub(batch.StartedAt)

	if batch.Total == 0 {
		o.metrics.RecordCycle("empty", 0, batch.Discarded, took)
		o.publish()
		return
	}

	s.TotalExecutions += int64(batch.Total)
	s.TotalSucceeded += int64(batch.Succeeded)
	s.TotalProfit.Add(s.TotalProfit, batch.TotalProfit)
	s.LastBatchID = batch.ID
	at := batch.CompletedAt
	s.LastCycleAt = &at

	outcome := "completed"
	if batch.FailureRatio > o.cfg.MaxFailedRatio {
		s.ConsecutiveFailures++
		outcome = "high_failure"
		o.logger.Warn("high failure ratio",
			slog.String("batch_id", batch.ID),
			slog.Float64("ratio", batch.FailureRatio),
			slog.Int("consecutive", s.ConsecutiveFailures),
		)
		o.raise(domain.Alert{
			Event:   domain.EventHighFailureRatio,
			Title:   "High failure ratio",
			Message: fmt.Sprintf("cycle %s failed %d of %d operations (%.0f%%)", batch.ID, batch.Failed, batch.Total, batch.FailureRatio*100),
			Detail: map[string]any{
				"batch_id":             batch.ID,
				"failure_ratio":        batch.FailureRatio,
				"consecutive_failures": s.ConsecutiveFailures,
			},
		}, false)
	} else {
		s.ConsecutiveFailures = 0
	}

	if !s.BreakerOpen && s.ConsecutiveFailures >= o.cfg.MaxConsecutiveFailures {
		tripped := o.now()
		s.BreakerOpen = true
		s.BreakerTrippedAt = &tripped
		o.logger.Error("circuit breaker tripped",
			slog.Int("consecutive", s.ConsecutiveFailures),
			slog.String("batch_id", batch.ID),
		)
		o.raise(domain.Alert{
			Event:   domain.EventBreakerTripped,
			Title:   "Circuit breaker tripped",
			Message: fmt.Sprintf("%d consecutive cycles above %.0f%% failures; dispatch halted until reset", s.ConsecutiveFailures, o.cfg.MaxFailedRatio*100),
			Detail: map[string]any{
				"consecutive_failures": s.ConsecutiveFailures,
				"last_batch_id":        batch.ID,
			},
		}, true)
	}

	o.metrics.RecordCycle(outcome, batch.FailureRatio, batch.Discarded, took)
	o.logger.Info("cycle complete",
		slog.String("batch_id", batch.ID),
		slog.Int("total", batch.Total),
		slog.Int("succeeded", batch.Succeeded),
		slog.Int("failed", batch.Failed),
		slog.Int("discarded", batch.Discarded),
		slog.String("profit", batch.TotalProfit.String()),
		slog.Duration("took", took),
	)
	o.publish()
}

func (o *Orchestrator) applyControls(ctx context.Context) {
	for {
		select {
		case c := <-o.controls:
			o.applyControl(ctx, c)
		default:
			return
		}
	}
}

func (o *Orchestrator) applyControl(ctx context.Context, c control) {
	if !c.reset {
		return
	}
	s := &o.state
	wasOpen := s.BreakerOpen
	s.BreakerOpen = false
	s.BreakerTrippedAt = nil
	s.ConsecutiveFailures = 0
	o.publish()

	o.logger.Info("circuit breaker reset",
		slog.String("reason", c.reason),
		slog.Bool("was_open", wasOpen),
	)
	o.raise(domain.Alert{
		Event:   domain.EventBreakerReset,
		Title:   "Circuit breaker reset",
		Message: "dispatch resumed by operator: " + c.reason,
		Detail:  map[string]any{"reason": c.reason, "was_open": wasOpen},
	}, true)
}

// raise sends the alert and, when audited, writes it to the audit log. Both
// run off the loop goroutine.
func (o *Orchestrator) raise(alert domain.Alert, audited bool) {
	if o.alerter == nil && (!audited || o.audit == nil) {
		return
	}
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if audited && o.audit != nil {
			if err := o.audit.Log(ctx, alert.Event, alert.Detail); err != nil {
				o.logger.Warn("audit write failed",
					slog.String("event", alert.Event),
					slog.String("error", err.Error()),
				)
			}
		}
		if o.alerter != nil {
			if err := o.alerter.Alert(ctx, alert); err != nil {
				o.logger.Warn("alert delivery failed",
					slog.String("event", alert.Event),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
}

func (o *Orchestrator) emit(ctx context.Context, batch domain.BatchResult) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Emit(context.WithoutCancel(ctx), batch); err != nil {
		o.logger.Warn("result sink failed",
			slog.String("batch_id", batch.ID),
			slog.String("error", err.Error()),
		)
	}
}

// publish stores a copy of the state for readers.
func (o *Orchestrator) publish() {
	snap := o.state.Clone()
	snap.Nonces = make(map[string]uint64)
	for _, p := range o.pools {
		for _, r := range p.Runners() {
			snap.Nonces[r.Wallet()] = r.Nonce()
		}
	}
	o.snapshot.Store(&snap)
	o.metrics.SetBreaker(snap.BreakerOpen, snap.ConsecutiveFailures)
}
