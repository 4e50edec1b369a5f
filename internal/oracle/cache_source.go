package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// CacheSource serves prices that an external collector writes into the
// shared price cache under its collector name.
type CacheSource struct {
	name      string
	collector string
	cache     domain.PriceCache
	maxAge    time.Duration
}

func NewCacheSource(name, collector string, cache domain.PriceCache, maxAge time.Duration) *CacheSource {
	if maxAge <= 0 {
		maxAge = DefaultRESTMaxAge
	}
	if collector == "" {
		collector = name
	}
	return &CacheSource{name: name, collector: collector, cache: cache, maxAge: maxAge}
}

func (c *CacheSource) Name() string          { return c.name }
func (c *CacheSource) MaxAge() time.Duration { return c.maxAge }

func (c *CacheSource) Query(ctx context.Context, pair domain.Pair) (domain.OraclePrice, error) {
	p, err := c.cache.GetPrice(ctx, pair, c.collector)
	if err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/cache: %s %s: %w", c.collector, pair, err)
	}
	p.Source = c.name
	return p, nil
}
