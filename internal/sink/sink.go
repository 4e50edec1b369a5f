// Package sink delivers cycle results to persistence, pub/sub and archive
// backends.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

// Sink receives completed batches.
type Sink interface {
	Emit(ctx context.Context, batch domain.BatchResult) error
	Name() string
}

// Multi fans a batch out to every sink. A failing sink does not stop the
// others; the joined error is returned after all have run.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMulti creates a fan-out over sinks.
func NewMulti(m *metrics.Metrics, logger *slog.Logger, sinks ...Sink) *Multi {
	return &Multi{
		sinks:   sinks,
		metrics: m,
		logger:  logger.With(slog.String("component", "sink")),
	}
}

func (m *Multi) Name() string { return "multi" }

// Emit delivers batch to every sink.
func (m *Multi) Emit(ctx context.Context, batch domain.BatchResult) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, batch); err != nil {
			m.metrics.RecordSinkError(s.Name())
			m.logger.Warn("sink emit failed",
				slog.String("sink", s.Name()),
				slog.String("batch", batch.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Log writes a one-line summary of every batch.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With(slog.String("component", "batch"))}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Emit(_ context.Context, b domain.BatchResult) error {
	profit := "0"
	if b.TotalProfit != nil {
		profit = b.TotalProfit.String()
	}
	level := slog.LevelInfo
	if b.Failed > 0 || b.Skipped {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "batch complete",
		slog.String("id", b.ID),
		slog.Int("total", b.Total),
		slog.Int("succeeded", b.Succeeded),
		slog.Int("failed", b.Failed),
		slog.Int("discarded", b.Discarded),
		slog.Bool("skipped", b.Skipped),
		slog.String("profit_wei", profit),
		slog.Uint64("gas_used", b.TotalGasUsed),
		slog.Float64("failure_ratio", b.FailureRatio),
		slog.Duration("took", b.CompletedAt.Sub(b.StartedAt)),
	)
	return nil
}
