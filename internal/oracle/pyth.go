package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// PythConfig configures the Hermes REST source. FeedIDs maps a pair to the
// hex price feed id.
type PythConfig struct {
	Name           string
	BaseURL        string
	FeedIDs        map[domain.Pair]string
	MaxAge         time.Duration
	RequestsPerSec float64
}

// Pyth reads the latest price update for a feed from a Hermes endpoint.
type Pyth struct {
	name       string
	baseURL    string
	feeds      map[domain.Pair]string
	maxAge     time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

func NewPyth(cfg PythConfig) *Pyth {
	if cfg.Name == "" {
		cfg.Name = "pyth"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://hermes.pyth.network"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultRESTMaxAge
	}
	return &Pyth{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		feeds:      cfg.FeedIDs,
		maxAge:     cfg.MaxAge,
		limiter:    newRESTLimiter(cfg.RequestsPerSec),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *Pyth) Name() string          { return p.name }
func (p *Pyth) MaxAge() time.Duration { return p.maxAge }

type pythPriceFeed struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
}

func (p *Pyth) Query(ctx context.Context, pair domain.Pair) (domain.OraclePrice, error) {
	id, ok := p.feeds[pair]
	if !ok {
		return domain.OraclePrice{}, fmt.Errorf("oracle/pyth: no feed for %s: %w", pair, domain.ErrNotFound)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/pyth: rate limiter: %w", err)
	}

	params := url.Values{}
	params.Add("ids[]", id)
	body, err := doGet(ctx, p.httpClient, p.baseURL+"/api/latest_price_feeds?"+params.Encode())
	if err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/pyth: get %s: %w", pair, err)
	}

	var feeds []pythPriceFeed
	if err := json.Unmarshal(body, &feeds); err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/pyth: decode: %w", err)
	}
	if len(feeds) == 0 {
		return domain.OraclePrice{}, fmt.Errorf("oracle/pyth: empty response for %s: %w", pair, domain.ErrNotFound)
	}
	f := feeds[0]

	raw, err := decimal.NewFromString(f.Price.Price)
	if err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/pyth: parse price %q: %w", f.Price.Price, err)
	}
	conf, err := decimal.NewFromString(f.Price.Conf)
	if err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/pyth: parse conf %q: %w", f.Price.Conf, err)
	}

	return domain.OraclePrice{
		Source:     p.name,
		Pair:       pair,
		Price:      raw.Shift(f.Price.Expo + domain.PriceDecimals).BigInt(),
		Timestamp:  time.Unix(f.Price.PublishTime, 0),
		Confidence: confidenceFromInterval(raw, conf),
	}, nil
}

// confidenceFromInterval maps a Pyth confidence interval to a 0-100 score:
// every basis point of interval relative to price costs one point.
func confidenceFromInterval(price, conf decimal.Decimal) uint8 {
	if price.Sign() <= 0 {
		return 0
	}
	bps := conf.Abs().Mul(decimal.NewFromInt(10_000)).Div(price).IntPart()
	if bps >= 100 {
		return 0
	}
	return uint8(100 - bps)
}

func newRESTLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}
