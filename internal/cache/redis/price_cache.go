package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// consensusTTL keeps the last consensus readable by dashboards without letting
// a dead process leave a stale answer behind indefinitely.
const consensusTTL = 10 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes.
// Each source answer lives at "price:{BASE/QUOTE}:{source}" with fields
// "price" (18-decimal integer), "ts" (Unix nanoseconds) and "confidence".
// The last consensus for a pair lives at "consensus:{BASE/QUOTE}".
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(pair domain.Pair, source string) string {
	return "price:" + pair.String() + ":" + strings.ToLower(source)
}

func consensusKey(pair domain.Pair) string {
	return "consensus:" + pair.String()
}

// SetPrice stores one source's latest answer for a pair.
func (pc *PriceCache) SetPrice(ctx context.Context, p domain.OraclePrice) error {
	if p.Price == nil {
		return fmt.Errorf("redis: set price %s/%s: nil price", p.Pair, p.Source)
	}
	fields := map[string]interface{}{
		"price":      p.Price.String(),
		"ts":         strconv.FormatInt(p.Timestamp.UnixNano(), 10),
		"confidence": strconv.Itoa(int(p.Confidence)),
	}
	if err := pc.rdb.HSet(ctx, priceKey(p.Pair, p.Source), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s/%s: %w", p.Pair, p.Source, err)
	}
	return nil
}

// GetPrice retrieves a source's latest answer for a pair.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, pair domain.Pair, source string) (domain.OraclePrice, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(pair, source)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.OraclePrice{}, domain.ErrNotFound
		}
		return domain.OraclePrice{}, fmt.Errorf("redis: get price %s/%s: %w", pair, source, err)
	}
	if len(vals) == 0 {
		return domain.OraclePrice{}, domain.ErrNotFound
	}
	return parsePrice(pair, source, vals)
}

func parsePrice(pair domain.Pair, source string, vals map[string]string) (domain.OraclePrice, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.OraclePrice{}, domain.ErrNotFound
	}
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return domain.OraclePrice{}, fmt.Errorf("redis: parse price %s/%s: %q", pair, source, priceStr)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.OraclePrice{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.OraclePrice{}, fmt.Errorf("redis: parse ts %s/%s: %w", pair, source, err)
	}

	var confidence uint64 = 100
	if c, ok := vals["confidence"]; ok {
		confidence, err = strconv.ParseUint(c, 10, 8)
		if err != nil || confidence > 100 {
			return domain.OraclePrice{}, fmt.Errorf("redis: parse confidence %s/%s: %q", pair, source, c)
		}
	}

	return domain.OraclePrice{
		Source:     source,
		Pair:       pair,
		Price:      price,
		Timestamp:  time.Unix(0, tsNano),
		Confidence: uint8(confidence),
	}, nil
}

// SetConsensus records the latest consensus outcome for a pair with a TTL.
func (pc *PriceCache) SetConsensus(ctx context.Context, r domain.ConsensusResult) error {
	price := ""
	if r.Price != nil {
		price = r.Price.String()
	}
	key := consensusKey(r.Pair)
	fields := map[string]interface{}{
		"price":         price,
		"deviation_bps": strconv.FormatUint(r.DeviationBps, 10),
		"sources":       strings.Join(r.SourceNames, ","),
		"valid":         strconv.FormatBool(r.Valid),
		"reason":        r.Reason,
		"as_of":         strconv.FormatInt(r.AsOf.UnixNano(), 10),
	}

	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, consensusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set consensus %s: %w", r.Pair, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
