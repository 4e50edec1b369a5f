package oracle

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Validator is the consensus surface the executor depends on.
type Validator interface {
	GetConsensusPrice(ctx context.Context, pair domain.Pair, sources []string) (domain.ConsensusResult, error)
}

// WriteThrough publishes every computed consensus to a price cache. Cache
// failures are logged and never change the result.
type WriteThrough struct {
	inner  Validator
	cache  domain.PriceCache
	logger *slog.Logger
}

func NewWriteThrough(inner Validator, cache domain.PriceCache, logger *slog.Logger) *WriteThrough {
	return &WriteThrough{
		inner:  inner,
		cache:  cache,
		logger: logger.With(slog.String("component", "oracle_cache")),
	}
}

func (w *WriteThrough) GetConsensusPrice(ctx context.Context, pair domain.Pair, sources []string) (domain.ConsensusResult, error) {
	res, err := w.inner.GetConsensusPrice(ctx, pair, sources)
	if err != nil || res.Price == nil {
		return res, err
	}
	if cerr := w.cache.SetConsensus(ctx, res); cerr != nil {
		w.logger.Warn("consensus cache write failed",
			slog.String("pair", pair.String()),
			slog.String("error", cerr.Error()),
		)
	}
	return res, nil
}
