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

// BinanceConfig configures the 24h ticker source. Symbols overrides the
// default BASE+QUOTE symbol for a pair.
type BinanceConfig struct {
	Name           string
	BaseURL        string
	Symbols        map[domain.Pair]string
	MaxAge         time.Duration
	Confidence     uint8
	RequestsPerSec float64
}

// Binance reads the last trade price from the public 24h ticker.
type Binance struct {
	name       string
	baseURL    string
	symbols    map[domain.Pair]string
	maxAge     time.Duration
	confidence uint8
	limiter    *rate.Limiter
	httpClient *http.Client
}

func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.Name == "" {
		cfg.Name = "binance"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultRESTMaxAge
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 80
	}
	return &Binance{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		symbols:    cfg.Symbols,
		maxAge:     cfg.MaxAge,
		confidence: cfg.Confidence,
		limiter:    newRESTLimiter(cfg.RequestsPerSec),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *Binance) Name() string          { return b.name }
func (b *Binance) MaxAge() time.Duration { return b.maxAge }

type binanceTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	CloseTime int64  `json:"closeTime"`
}

func (b *Binance) symbol(pair domain.Pair) string {
	if s, ok := b.symbols[pair]; ok {
		return s
	}
	return pair.Base + pair.Quote
}

func (b *Binance) Query(ctx context.Context, pair domain.Pair) (domain.OraclePrice, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/binance: rate limiter: %w", err)
	}

	params := url.Values{}
	params.Set("symbol", b.symbol(pair))
	body, err := doGet(ctx, b.httpClient, b.baseURL+"/api/v3/ticker/24hr?"+params.Encode())
	if err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/binance: get %s: %w", pair, err)
	}

	var t binanceTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/binance: decode: %w", err)
	}
	price, err := decimal.NewFromString(t.LastPrice)
	if err != nil {
		return domain.OraclePrice{}, fmt.Errorf("oracle/binance: parse price %q: %w", t.LastPrice, err)
	}

	return domain.OraclePrice{
		Source:     b.name,
		Pair:       pair,
		Price:      price.Shift(domain.PriceDecimals).BigInt(),
		Timestamp:  time.UnixMilli(t.CloseTime),
		Confidence: b.confidence,
	}, nil
}
