package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

// DefaultBuffer is the Async queue depth used when none is configured.
const DefaultBuffer = 64

// Async decouples the coordination loop from slow sinks. Emit never blocks:
// when the queue is full the batch is dropped and counted.
type Async struct {
	next         Sink
	queue        chan domain.BatchResult
	drainTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewAsync wraps next with a queue of the given depth.
func NewAsync(next Sink, buffer int, m *metrics.Metrics, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Async{
		next:         next,
		queue:        make(chan domain.BatchResult, buffer),
		drainTimeout: 10 * time.Second,
		metrics:      m,
		logger:       logger.With(slog.String("component", "sink_async")),
	}
}

func (a *Async) Name() string { return "async:" + a.next.Name() }

// Emit enqueues batch. It returns nil even when the batch is dropped.
func (a *Async) Emit(_ context.Context, batch domain.BatchResult) error {
	select {
	case a.queue <- batch:
	default:
		a.metrics.RecordSinkDrop(a.next.Name())
		a.logger.Warn("sink queue full, batch dropped",
			slog.String("batch", batch.ID),
			slog.Int("capacity", cap(a.queue)),
		)
	}
	return nil
}

// Run delivers queued batches until ctx is cancelled, then drains what is
// left within the drain timeout.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return nil
		case b := <-a.queue:
			a.deliver(ctx, b)
		}
	}
}

func (a *Async) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), a.drainTimeout)
	defer cancel()
	for {
		select {
		case b := <-a.queue:
			a.deliver(ctx, b)
		default:
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, b domain.BatchResult) {
	// Per-sink failures are logged by Multi.
	_ = a.next.Emit(ctx, b)
}
