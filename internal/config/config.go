// Package config defines the arbengine configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBENGINE_* environment variables.
type Config struct {
	Execution ExecutionConfig `toml:"execution"`
	Chains    []ChainConfig   `toml:"chains"`
	Wallets   []WalletConfig  `toml:"wallets"`
	Oracle    OracleConfig    `toml:"oracle"`
	Gas       GasConfig       `toml:"gas"`
	Feed      FeedConfig      `toml:"feed"`
	Sink      SinkConfig      `toml:"sink"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExecutionConfig holds the execution core knobs.
type ExecutionConfig struct {
	MaxConcurrentOps       int64   `toml:"max_concurrent_ops"`
	MinOracleConfirmations int     `toml:"min_oracle_confirmations"`
	MaxPriceDeviationBps   uint64  `toml:"max_price_deviation_bps"`
	GasStrategy            string  `toml:"gas_strategy"`
	RetryAttempts          int     `toml:"retry_attempts"`
	RetryDelayMs           int64   `toml:"retry_delay_ms"`
	BackoffMultiplier      float64 `toml:"backoff_multiplier"`
	MaxFailedOpsRatio      float64 `toml:"max_failed_ops_ratio"`
	MaxConsecutiveFailures int     `toml:"max_consecutive_failures"`
	CycleIntervalMs        int64   `toml:"cycle_interval_ms"`

	BreakerCooldown duration `toml:"breaker_cooldown"`
	DedupTTL        duration `toml:"dedup_ttl"`
	MaxDelay        duration `toml:"max_delay"`
	ShutdownGrace   duration `toml:"shutdown_grace"`
	PollInterval    duration `toml:"poll_interval"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
	WalletLockTTL   duration `toml:"wallet_lock_ttl"`

	// OracleSources restricts consensus to these source names; empty uses all.
	OracleSources []string `toml:"oracle_sources"`
}

// ChainConfig describes one chain and its settlement contract.
type ChainConfig struct {
	ID                uint64                `toml:"id"`
	Name              string                `toml:"name"`
	RPCURLs           []string              `toml:"rpc_urls"`
	RequestsPerSec    float64               `toml:"requests_per_sec"`
	Burst             int                   `toml:"burst"`
	SettlementAddress string                `toml:"settlement_address"`
	SupportedTokens   []string              `toml:"supported_tokens"`
	Exchanges         []string              `toml:"exchanges"`
	ChainlinkFeeds    map[string]string     `toml:"chainlink_feeds"`
	GasTiers          map[string]TierConfig `toml:"gas_tiers"`
}

// WalletConfig is one signing key. Exactly one of PrivateKey or
// EncryptedKeyPath is used.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// OracleConfig configures the price sources.
type OracleConfig struct {
	QueryTimeout  duration `toml:"query_timeout"`
	MinConfidence uint8    `toml:"min_confidence"`
	CacheResults  bool     `toml:"cache_results"`

	Chainlink ChainlinkConfig     `toml:"chainlink"`
	Pyth      PythConfig          `toml:"pyth"`
	Binance   BinanceConfig       `toml:"binance"`
	Cached    []CacheSourceConfig `toml:"cached"`
}

// ChainlinkConfig enables the on-chain feeds declared per chain.
type ChainlinkConfig struct {
	Enabled    bool     `toml:"enabled"`
	MaxAge     duration `toml:"max_age"`
	Confidence uint8    `toml:"confidence"`
}

// PythConfig configures the Hermes REST source. FeedIDs maps "BASE/QUOTE" to a
// hex feed id.
type PythConfig struct {
	Enabled        bool              `toml:"enabled"`
	BaseURL        string            `toml:"base_url"`
	FeedIDs        map[string]string `toml:"feed_ids"`
	MaxAge         duration          `toml:"max_age"`
	RequestsPerSec float64           `toml:"requests_per_sec"`
}

// BinanceConfig configures the ticker source. Symbols maps "BASE/QUOTE" to a
// ticker symbol when it differs from BASE+QUOTE.
type BinanceConfig struct {
	Enabled        bool              `toml:"enabled"`
	BaseURL        string            `toml:"base_url"`
	Symbols        map[string]string `toml:"symbols"`
	MaxAge         duration          `toml:"max_age"`
	Confidence     uint8             `toml:"confidence"`
	RequestsPerSec float64           `toml:"requests_per_sec"`
}

// CacheSourceConfig reads prices an external collector writes to Redis.
type CacheSourceConfig struct {
	Name      string   `toml:"name"`
	Collector string   `toml:"collector"`
	MaxAge    duration `toml:"max_age"`
}

// TierConfig is one gas strategy: max fee = base * multiplier + priority fee.
type TierConfig struct {
	Multiplier      float64 `toml:"multiplier"`
	PriorityFeeGwei float64 `toml:"priority_fee_gwei"`
}

// GasConfig overrides the default gas tiers.
type GasConfig struct {
	Tiers map[string]TierConfig `toml:"tiers"`
}

// FeedConfig selects where opportunities come from.
type FeedConfig struct {
	Source    string   `toml:"source"`
	Stream    string   `toml:"stream"`
	StartID   string   `toml:"start_id"`
	BatchSize int      `toml:"batch_size"`
	Block     duration `toml:"block"`
	File      string   `toml:"file"`
}

// SinkConfig selects result backends. The log sink is always on.
type SinkConfig struct {
	Buffer   int  `toml:"buffer"`
	Postgres bool `toml:"postgres"`
	Redis    bool `toml:"redis"`
	S3       bool `toml:"s3"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled        bool     `toml:"enabled"`
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	DialTimeout duration `toml:"dial_timeout"`
	WalletLocks bool     `toml:"wallet_locks"`
}

// S3Config holds the batch archive bucket parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// Duration wraps d for use in a Config literal.
func Duration(d time.Duration) duration { return duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   float64  `toml:"rate_limit"`
	RateBurst   int      `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Modes.
const (
	ModeExecute   = "execute"
	ModeReconcile = "reconcile"
	ModeDryRun    = "dry-run"
)

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Execution: ExecutionConfig{
			MaxConcurrentOps:       40,
			MinOracleConfirmations: 2,
			MaxPriceDeviationBps:   200,
			GasStrategy:            string(domain.GasStandard),
			RetryAttempts:          3,
			RetryDelayMs:           500,
			BackoffMultiplier:      2,
			MaxDelay:               duration{10 * time.Second},
			MaxFailedOpsRatio:      0.30,
			MaxConsecutiveFailures: 5,
			CycleIntervalMs:        10_000,
			BreakerCooldown:        duration{time.Minute},
			DedupTTL:               duration{10 * time.Minute},
			ShutdownGrace:          duration{30 * time.Second},
			PollInterval:           duration{2 * time.Second},
			ConfirmTimeout:         duration{2 * time.Minute},
			WalletLockTTL:          duration{5 * time.Minute},
		},
		Oracle: OracleConfig{
			QueryTimeout: duration{5 * time.Second},
			CacheResults: true,
			Chainlink:    ChainlinkConfig{Enabled: true},
			Pyth:         PythConfig{BaseURL: "https://hermes.pyth.network", RequestsPerSec: 5},
			Binance:      BinanceConfig{BaseURL: "https://api.binance.com", RequestsPerSec: 10},
		},
		Feed: FeedConfig{
			Source:    "redis",
			Stream:    domain.StreamOpportunities,
			StartID:   "$",
			BatchSize: 200,
		},
		Sink: SinkConfig{
			Buffer:   64,
			Postgres: true,
			Redis:    true,
		},
		Postgres: PostgresConfig{
			Enabled:        true,
			Host:           "localhost",
			Port:           5432,
			Database:       "arbengine",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{5 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Enabled:     true,
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
			WalletLocks: true,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "arbengine-batches",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      8080,
			RateLimit: 20,
			RateBurst: 40,
		},
		Notify: NotifyConfig{
			Events: []string{domain.EventBreakerTripped, domain.EventBreakerReset, domain.EventReconciliation},
		},
		Mode:     ModeExecute,
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	ModeExecute:   true,
	ModeReconcile: true,
	ModeDryRun:    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: execute, reconcile, dry-run)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Execution
	e := c.Execution
	if e.MaxConcurrentOps < 1 {
		errs = append(errs, "execution: max_concurrent_ops must be >= 1")
	}
	if e.MinOracleConfirmations < 1 {
		errs = append(errs, "execution: min_oracle_confirmations must be >= 1")
	}
	if e.MaxPriceDeviationBps == 0 || e.MaxPriceDeviationBps > 10_000 {
		errs = append(errs, "execution: max_price_deviation_bps must be 1-10000")
	}
	if _, err := domain.ParseGasStrategy(e.GasStrategy); err != nil {
		errs = append(errs, "execution: "+err.Error())
	}
	if e.RetryAttempts < 1 {
		errs = append(errs, "execution: retry_attempts must be >= 1")
	}
	if e.RetryDelayMs < 0 {
		errs = append(errs, "execution: retry_delay_ms must be >= 0")
	}
	if e.BackoffMultiplier < 1 {
		errs = append(errs, "execution: backoff_multiplier must be >= 1")
	}
	if e.MaxDelay.Duration < 0 {
		errs = append(errs, "execution: max_delay must be >= 0")
	}
	if e.MaxFailedOpsRatio <= 0 || e.MaxFailedOpsRatio > 1 {
		errs = append(errs, "execution: max_failed_ops_ratio must be in (0, 1]")
	}
	if e.MaxConsecutiveFailures < 1 {
		errs = append(errs, "execution: max_consecutive_failures must be >= 1")
	}
	if e.CycleIntervalMs < 1 {
		errs = append(errs, "execution: cycle_interval_ms must be >= 1")
	}

	// Chains
	if len(c.Chains) == 0 {
		errs = append(errs, "chains: at least one chain must be configured")
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for i, ch := range c.Chains {
		prefix := fmt.Sprintf("chains[%d]", i)
		if ch.ID == 0 {
			errs = append(errs, prefix+": id must be > 0")
		} else if seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate chain id %d", prefix, ch.ID))
		}
		seen[ch.ID] = true
		if len(ch.RPCURLs) == 0 {
			errs = append(errs, prefix+": rpc_urls must not be empty")
		}
		if !common.IsHexAddress(ch.SettlementAddress) {
			errs = append(errs, fmt.Sprintf("%s: invalid settlement_address %q", prefix, ch.SettlementAddress))
		}
		if len(ch.Exchanges) == 0 {
			errs = append(errs, prefix+": exchanges must list at least one allowed router")
		}
		for pair, addr := range ch.ChainlinkFeeds {
			if _, err := domain.ParsePair(pair); err != nil {
				errs = append(errs, fmt.Sprintf("%s: chainlink_feeds: %v", prefix, err))
			}
			if !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Sprintf("%s: chainlink_feeds[%s]: invalid address %q", prefix, pair, addr))
			}
		}
	}

	// Wallets
	if mode != ModeDryRun && len(c.Wallets) == 0 {
		errs = append(errs, "wallets: at least one wallet is required for mode "+c.Mode)
	}
	for i, w := range c.Wallets {
		if w.PrivateKey == "" && w.EncryptedKeyPath == "" {
			errs = append(errs, fmt.Sprintf("wallets[%d]: either private_key or encrypted_key_path must be set", i))
		}
	}

	// Oracle
	for pair := range c.Oracle.Pyth.FeedIDs {
		if _, err := domain.ParsePair(pair); err != nil {
			errs = append(errs, "oracle.pyth: "+err.Error())
		}
	}
	for pair := range c.Oracle.Binance.Symbols {
		if _, err := domain.ParsePair(pair); err != nil {
			errs = append(errs, "oracle.binance: "+err.Error())
		}
	}
	if len(c.Oracle.Cached) > 0 && !c.Redis.Enabled {
		errs = append(errs, "oracle.cached: requires redis")
	}

	// Gas
	for name, t := range c.Gas.Tiers {
		if _, err := domain.ParseGasStrategy(name); err != nil {
			errs = append(errs, "gas.tiers: "+err.Error())
		}
		if t.Multiplier < 1 || t.PriorityFeeGwei < 0 {
			errs = append(errs, fmt.Sprintf("gas.tiers.%s: multiplier must be >= 1 and priority_fee_gwei >= 0", name))
		}
	}

	// Feed
	switch c.Feed.Source {
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "feed: source redis requires redis.enabled")
		}
	case "file":
		if c.Feed.File == "" {
			errs = append(errs, "feed: file must be set for source file")
		}
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: redis, file)", c.Feed.Source))
	}

	// Stores
	if (mode == ModeExecute || mode == ModeReconcile) && !c.Postgres.Enabled {
		errs = append(errs, "postgres: required for mode "+c.Mode)
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: dsn or host must be set")
	}
	if c.Sink.Postgres && !c.Postgres.Enabled {
		errs = append(errs, "sink: postgres sink requires postgres.enabled")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if (c.Sink.Redis || c.Redis.WalletLocks) && !c.Redis.Enabled {
		errs = append(errs, "redis: sink.redis and redis.wallet_locks require redis.enabled")
	}
	if c.Sink.S3 && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when sink.s3 is set")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RetryDelay returns retry_delay_ms as a duration.
func (e ExecutionConfig) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelayMs) * time.Millisecond
}

// CycleInterval returns cycle_interval_ms as a duration.
func (e ExecutionConfig) CycleInterval() time.Duration {
	return time.Duration(e.CycleIntervalMs) * time.Millisecond
}
