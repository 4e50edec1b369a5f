package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/orchestrator"
	"github.com/alanyoungcy/arbengine/internal/server"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
	"github.com/alanyoungcy/arbengine/internal/settlement"
)

// ExecuteMode resolves transactions left by a previous run, then drives the
// orchestrator loop and the admin server until ctx is cancelled.
func (a *App) ExecuteMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting execute mode")

	stopSink := a.startSink(deps)
	defer stopSink()

	if err := a.reconcile(ctx, deps); err != nil {
		return err
	}

	orch := a.newOrchestrator(deps)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(ctx, deps.Feed)
	})

	if a.cfg.Server.Enabled {
		var bus ws.Subscriber
		if deps.SignalBus != nil {
			bus = deps.SignalBus
		}
		hub := ws.NewHub(bus, orch.Snapshot, a.root)
		g.Go(func() error {
			return hub.Run(ctx)
		})

		srv := a.newServer(deps, orch, hub)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	return g.Wait()
}

// ReconcileMode resolves leftover transactions and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	stopSink := a.startSink(deps)
	defer stopSink()

	return a.reconcile(ctx, deps)
}

// DryRunMode reads one batch from the feed, simulates it against each chain's
// settlement contract and runs it through a single cycle with submission
// disabled.
func (a *App) DryRunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dry-run mode")
	deps.Stop.Store(true)

	stopSink := a.startSink(deps)
	defer stopSink()

	opps, err := deps.Feed.Next(ctx)
	if err != nil {
		return fmt.Errorf("app: dry run feed: %w", err)
	}
	if len(opps) == 0 {
		a.logger.WarnContext(ctx, "feed returned no opportunities")
		return nil
	}

	a.simulate(ctx, deps, opps)

	orch := a.newOrchestrator(deps)
	batch, err := orch.RunCycle(ctx, opps)
	if err != nil {
		return fmt.Errorf("app: dry run cycle: %w", err)
	}
	a.logger.InfoContext(ctx, "dry run complete",
		slog.String("batch_id", batch.ID),
		slog.Int("total", batch.Total),
		slog.Int("discarded", batch.Discarded),
		slog.Int("failed", batch.Failed),
	)
	return nil
}

// simulate groups opportunities by chain and runs each group through the
// settlement contract with eth_call. Nothing is broadcast.
func (a *App) simulate(ctx context.Context, deps *Dependencies, opps []domain.Opportunity) {
	groups := make(map[uint64][]settlement.Operation)
	var order []uint64
	for _, opp := range opps {
		op, err := settlement.OperationFromOpportunity(opp)
		if err != nil {
			a.logger.WarnContext(ctx, "skipping opportunity in simulation",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, ok := groups[opp.ChainID]; !ok {
			order = append(order, opp.ChainID)
		}
		groups[opp.ChainID] = append(groups[opp.ChainID], op)
	}

	for _, chainID := range order {
		target, ok := deps.Targets[chainID]
		if !ok {
			a.logger.WarnContext(ctx, "no settlement target for chain", slog.Uint64("chain_id", chainID))
			continue
		}
		batcher := settlement.New(
			deps.Validators[chainID],
			settlement.NewCallSwapper(target.Client, target.Codec, a.simulationSender(deps, chainID)),
			settlement.BreakerConfig{
				MaxFailedRatio:         a.cfg.Execution.MaxFailedOpsRatio,
				MaxConsecutiveFailures: a.cfg.Execution.MaxConsecutiveFailures,
			},
			a.root,
		)

		ops := groups[chainID]
		for start := 0; start < len(ops); start += settlement.MaxBatchSize {
			end := min(start+settlement.MaxBatchSize, len(ops))
			rep, err := batcher.ExecuteBatch(ctx, ops[start:end])
			if err != nil {
				a.logger.WarnContext(ctx, "settlement simulation rejected batch",
					slog.Uint64("chain_id", chainID),
					slog.String("error", err.Error()),
				)
				break
			}
			a.logger.InfoContext(ctx, "settlement simulation",
				slog.Uint64("chain_id", chainID),
				slog.Int("succeeded", rep.Succeeded),
				slog.Int("failed", rep.Failed),
				slog.String("total_profit_wei", rep.TotalProfit.String()),
				slog.Bool("paused", rep.Paused),
			)
		}
	}
}

func (a *App) simulationSender(deps *Dependencies, chainID uint64) common.Address {
	for _, w := range deps.Wallets {
		if w.ChainID() == chainID {
			return w.Address()
		}
	}
	return common.Address{}
}

// reconcile runs the startup reconciliation pass and alerts when anything was
// resolved.
func (a *App) reconcile(ctx context.Context, deps *Dependencies) error {
	if deps.PendingStore == nil {
		a.logger.WarnContext(ctx, "no pending transaction store, skipping reconciliation")
		return nil
	}

	r := executor.NewReconciler(deps.PendingStore, deps.Targets, deps.Wallets, deps.Sink, a.root)
	batch, err := r.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}
	if len(batch.Results) == 0 {
		return nil
	}

	msg := fmt.Sprintf("resolved %d pending transactions (%d succeeded, %d failed)",
		batch.Total, batch.Succeeded, batch.Failed)
	alert := domain.Alert{
		Event:   domain.EventReconciliation,
		Title:   "Reconciliation",
		Message: msg,
		Detail:  map[string]any{"batch_id": batch.ID},
	}
	if err := deps.Notifier.Alert(ctx, alert); err != nil {
		a.logger.WarnContext(ctx, "reconciliation alert failed", slog.String("error", err.Error()))
	}
	if deps.AuditStore != nil {
		if err := deps.AuditStore.Log(ctx, domain.EventReconciliation, map[string]any{
			"batch_id":  batch.ID,
			"total":     batch.Total,
			"succeeded": batch.Succeeded,
			"failed":    batch.Failed,
		}); err != nil {
			a.logger.WarnContext(ctx, "reconciliation audit failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (a *App) newOrchestrator(deps *Dependencies) *orchestrator.Orchestrator {
	ec := a.cfg.Execution
	return orchestrator.New(orchestrator.Config{
		MaxConcurrentOps:       ec.MaxConcurrentOps,
		MaxFailedRatio:         ec.MaxFailedOpsRatio,
		MaxConsecutiveFailures: ec.MaxConsecutiveFailures,
		CycleInterval:          ec.CycleInterval(),
		Cooldown:               ec.BreakerCooldown.Duration,
		DedupTTL:               ec.DedupTTL.Duration,
		ShutdownGrace:          ec.ShutdownGrace.Duration,
	}, orchestrator.Deps{
		Pools:   deps.Pools,
		Sink:    deps.Sink,
		Alerter: deps.Notifier,
		Audit:   deps.AuditStore,
		Stop:    deps.Stop,
		Metrics: deps.Metrics,
		Logger:  a.root,
	})
}

func (a *App) newServer(deps *Dependencies, orch *orchestrator.Orchestrator, hub *ws.Hub) *server.Server {
	checks := map[string]handler.Check{}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres.Ping
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.Blob != nil {
		checks["s3"] = deps.Blob.Health
	}
	for _, id := range deps.Chains.IDs() {
		client, _ := deps.Chains.Get(id)
		checks["chain_"+strconv.FormatUint(id, 10)] = func(ctx context.Context) error {
			_, err := client.BaseFee(ctx)
			return err
		}
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(checks, a.root),
		Status:  handler.NewStatusHandler(orch, a.cfg.Mode, a.root),
		Metrics: deps.Metrics.Handler(),
	}
	if deps.BatchStore != nil {
		handlers.Executions = handler.NewExecutionHandler(deps.BatchStore, a.root)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.root)
	}

	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
	}, handlers, hub, a.root)
}

// startSink runs the async result sink until the returned stop function is
// called. Stop drains queued batches before returning.
func (a *App) startSink(deps *Dependencies) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := deps.Sink.Run(ctx); err != nil {
			a.logger.Warn("result sink stopped", slog.String("error", err.Error()))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
