package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

// Config tunes the consensus rule.
type Config struct {
	MinConfirmations int
	MaxDeviationBps  uint64
	QueryTimeout     time.Duration
	MinConfidence    uint8
	MaxFutureSkew    time.Duration
}

// DefaultConfig requires two fresh answers within 200 bps of each other.
func DefaultConfig() Config {
	return Config{
		MinConfirmations: 2,
		MaxDeviationBps:  200,
		QueryTimeout:     5 * time.Second,
		MaxFutureSkew:    30 * time.Second,
	}
}

// Consensus aggregates registered price sources. It holds no per-call state
// and is safe for concurrent use.
type Consensus struct {
	cfg     Config
	sources map[string]PriceSource
	names   []string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewConsensus registers sources under their names. Duplicate names are an
// error.
func NewConsensus(cfg Config, logger *slog.Logger, m *metrics.Metrics, sources ...PriceSource) (*Consensus, error) {
	if cfg.MinConfirmations < 1 {
		cfg.MinConfirmations = 1
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	c := &Consensus{
		cfg:     cfg,
		sources: make(map[string]PriceSource, len(sources)),
		logger:  logger.With(slog.String("component", "oracle")),
		metrics: m,
		now:     time.Now,
	}
	for _, s := range sources {
		if _, dup := c.sources[s.Name()]; dup {
			return nil, fmt.Errorf("oracle: duplicate source %q", s.Name())
		}
		c.sources[s.Name()] = s
		c.names = append(c.names, s.Name())
	}
	sort.Strings(c.names)
	return c, nil
}

// Sources returns the registered source names in sorted order.
func (c *Consensus) Sources() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

type answer struct {
	price domain.OraclePrice
	err   error
}

// GetConsensusPrice queries the selected sources (all registered when names is
// empty) and reconciles their answers. The returned error is reserved for
// unknown source names; all data problems are reported through the result.
func (c *Consensus) GetConsensusPrice(ctx context.Context, pair domain.Pair, names []string) (domain.ConsensusResult, error) {
	selected, err := c.selectSources(names)
	if err != nil {
		return domain.ConsensusResult{}, err
	}

	answers := make([]answer, len(selected))
	var wg sync.WaitGroup
	for i, src := range selected {
		wg.Add(1)
		go func(i int, src PriceSource) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
			defer cancel()
			p, err := src.Query(qctx, pair)
			answers[i] = answer{price: p, err: err}
		}(i, src)
	}
	wg.Wait()

	now := c.now()
	survivors := make([]domain.OraclePrice, 0, len(selected))
	for i, a := range answers {
		src := selected[i]
		if reason := c.reject(src, a, now); reason != "" {
			c.metrics.RecordSourceRejection(src.Name(), reason)
			attrs := []any{
				slog.String("source", src.Name()),
				slog.String("pair", pair.String()),
				slog.String("reason", reason),
			}
			if a.err != nil {
				attrs = append(attrs, slog.String("error", a.err.Error()))
			}
			c.logger.Debug("oracle answer rejected", attrs...)
			continue
		}
		a.price.Source = src.Name()
		a.price.Pair = pair
		survivors = append(survivors, a.price)
	}

	res := Aggregate(pair, survivors, c.cfg.MinConfirmations, c.cfg.MaxDeviationBps)

	outcome := "valid"
	if !res.Valid {
		outcome = string(res.Failure)
	}
	c.metrics.RecordConsensus(pair.String(), outcome)
	return res, nil
}

func (c *Consensus) selectSources(names []string) ([]PriceSource, error) {
	if len(names) == 0 {
		names = c.names
	}
	out := make([]PriceSource, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		src, ok := c.sources[n]
		if !ok {
			return nil, fmt.Errorf("oracle: unknown source %q: %w", n, domain.ErrNotFound)
		}
		out = append(out, src)
	}
	return out, nil
}

func (c *Consensus) reject(src PriceSource, a answer, now time.Time) string {
	switch {
	case a.err != nil:
		if errors.Is(a.err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "error"
	case a.price.Price == nil || a.price.Price.Sign() <= 0:
		return "non_positive"
	case a.price.Timestamp.IsZero():
		return "no_timestamp"
	case a.price.Timestamp.After(now.Add(c.cfg.MaxFutureSkew)):
		return "future"
	case src.MaxAge() > 0 && now.Sub(a.price.Timestamp) > src.MaxAge():
		return "stale"
	case a.price.Confidence < c.cfg.MinConfidence:
		return "low_confidence"
	}
	return ""
}

// Aggregate computes the confidence-weighted consensus over already-filtered
// answers. Answers are ordered by source name first so the integer result does
// not depend on arrival order. AsOf is the newest surviving timestamp.
func Aggregate(pair domain.Pair, prices []domain.OraclePrice, minConfirmations int, maxDeviationBps uint64) domain.ConsensusResult {
	sorted := make([]domain.OraclePrice, len(prices))
	copy(sorted, prices)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Source < sorted[j].Source })

	res := domain.ConsensusResult{
		Pair:        pair,
		Sources:     len(sorted),
		SourceNames: make([]string, 0, len(sorted)),
	}
	for _, p := range sorted {
		res.SourceNames = append(res.SourceNames, p.Source)
		if p.Timestamp.After(res.AsOf) {
			res.AsOf = p.Timestamp
		}
	}

	if len(sorted) > 0 {
		num := new(big.Int)
		den := new(big.Int)
		for _, p := range sorted {
			w := big.NewInt(int64(weight(p.Confidence)))
			num.Add(num, new(big.Int).Mul(p.Price, w))
			den.Add(den, w)
		}
		res.Price = num.Quo(num, den)
		res.DeviationBps = maxDeviationBpsOf(sorted, res.Price)
	}

	switch {
	case len(sorted) < minConfirmations:
		res.Failure = domain.ConsensusInsufficientConfirmations
		res.Reason = fmt.Sprintf("insufficient confirmations: %d of %d required", len(sorted), minConfirmations)
	case res.DeviationBps > maxDeviationBps:
		res.Failure = domain.ConsensusExcessiveDeviation
		res.Reason = fmt.Sprintf("excessive deviation: %d bps exceeds %d bps", res.DeviationBps, maxDeviationBps)
	default:
		res.Valid = true
	}
	return res
}

func weight(confidence uint8) uint8 {
	if confidence == 0 {
		return 1
	}
	return confidence
}

func maxDeviationBpsOf(prices []domain.OraclePrice, consensus *big.Int) uint64 {
	if consensus.Sign() <= 0 {
		return 0
	}
	tenK := big.NewInt(10_000)
	var maxBps uint64
	for _, p := range prices {
		d := new(big.Int).Sub(p.Price, consensus)
		d.Abs(d).Mul(d, tenK).Quo(d, consensus)
		if !d.IsUint64() {
			return ^uint64(0)
		}
		if bps := d.Uint64(); bps > maxBps {
			maxBps = bps
		}
	}
	return maxBps
}
