package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBENGINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Execution ──
	setInt64(&cfg.Execution.MaxConcurrentOps, "ARBENGINE_MAX_CONCURRENT_OPS")
	setInt(&cfg.Execution.MinOracleConfirmations, "ARBENGINE_MIN_ORACLE_CONFIRMATIONS")
	setUint64(&cfg.Execution.MaxPriceDeviationBps, "ARBENGINE_MAX_PRICE_DEVIATION_BPS")
	setStr(&cfg.Execution.GasStrategy, "ARBENGINE_GAS_STRATEGY")
	setInt(&cfg.Execution.RetryAttempts, "ARBENGINE_RETRY_ATTEMPTS")
	setInt64(&cfg.Execution.RetryDelayMs, "ARBENGINE_RETRY_DELAY_MS")
	setFloat64(&cfg.Execution.BackoffMultiplier, "ARBENGINE_BACKOFF_MULTIPLIER")
	setDuration(&cfg.Execution.MaxDelay, "ARBENGINE_MAX_DELAY")
	setFloat64(&cfg.Execution.MaxFailedOpsRatio, "ARBENGINE_MAX_FAILED_OPS_RATIO")
	setInt(&cfg.Execution.MaxConsecutiveFailures, "ARBENGINE_MAX_CONSECUTIVE_FAILURES")
	setInt64(&cfg.Execution.CycleIntervalMs, "ARBENGINE_CYCLE_INTERVAL_MS")
	setDuration(&cfg.Execution.BreakerCooldown, "ARBENGINE_BREAKER_COOLDOWN")
	setDuration(&cfg.Execution.ShutdownGrace, "ARBENGINE_SHUTDOWN_GRACE")
	setDuration(&cfg.Execution.ConfirmTimeout, "ARBENGINE_CONFIRM_TIMEOUT")
	setStringSlice(&cfg.Execution.OracleSources, "ARBENGINE_ORACLE_SOURCES")

	// ── Wallets ──
	// A comma separated key list replaces any wallets from the file.
	var keys []string
	setStringSlice(&keys, "ARBENGINE_WALLET_PRIVATE_KEYS")
	if len(keys) > 0 {
		cfg.Wallets = make([]WalletConfig, 0, len(keys))
		for _, k := range keys {
			cfg.Wallets = append(cfg.Wallets, WalletConfig{PrivateKey: k})
		}
	}
	if len(cfg.Wallets) > 0 {
		setStr(&cfg.Wallets[0].KeyPassword, "ARBENGINE_WALLET_KEY_PASSWORD")
	}

	// ── Oracle ──
	setStr(&cfg.Oracle.Pyth.BaseURL, "ARBENGINE_ORACLE_PYTH_BASE_URL")
	setBool(&cfg.Oracle.Pyth.Enabled, "ARBENGINE_ORACLE_PYTH_ENABLED")
	setStr(&cfg.Oracle.Binance.BaseURL, "ARBENGINE_ORACLE_BINANCE_BASE_URL")
	setBool(&cfg.Oracle.Binance.Enabled, "ARBENGINE_ORACLE_BINANCE_ENABLED")
	setBool(&cfg.Oracle.Chainlink.Enabled, "ARBENGINE_ORACLE_CHAINLINK_ENABLED")
	setDuration(&cfg.Oracle.QueryTimeout, "ARBENGINE_ORACLE_QUERY_TIMEOUT")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "ARBENGINE_FEED_SOURCE")
	setStr(&cfg.Feed.Stream, "ARBENGINE_FEED_STREAM")
	setStr(&cfg.Feed.File, "ARBENGINE_FEED_FILE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ARBENGINE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ARBENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ARBENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBENGINE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBENGINE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ARBENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBENGINE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "ARBENGINE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "ARBENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBENGINE_S3_FORCE_PATH_STYLE")

	// ── Sink ──
	setBool(&cfg.Sink.Postgres, "ARBENGINE_SINK_POSTGRES")
	setBool(&cfg.Sink.Redis, "ARBENGINE_SINK_REDIS")
	setBool(&cfg.Sink.S3, "ARBENGINE_SINK_S3")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ARBENGINE_SERVER_API_KEY")
	setFloat64(&cfg.Server.RateLimit, "ARBENGINE_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "ARBENGINE_SERVER_RATE_BURST")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBENGINE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBENGINE_MODE")
	setStr(&cfg.LogLevel, "ARBENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
