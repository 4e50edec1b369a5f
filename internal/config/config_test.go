package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "dry-run"
log_level = "debug"

[execution]
max_concurrent_ops = 8
min_oracle_confirmations = 3
max_price_deviation_bps = 150
gas_strategy = "fast"
retry_delay_ms = 250
backoff_multiplier = 1.5
breaker_cooldown = "30s"

[[chains]]
id = 137
name = "polygon"
rpc_urls = ["https://polygon.example"]
settlement_address = "0x00000000000000000000000000000000000000aa"
supported_tokens = ["0x00000000000000000000000000000000000000b1"]
exchanges = ["0x00000000000000000000000000000000000000c1"]

[chains.chainlink_feeds]
"ETH/USD" = "0x00000000000000000000000000000000000000d1"

[[wallets]]
private_key = "0xdeadbeef"

[oracle.pyth.feed_ids]
"ETH/USD" = "ff61491a"

[feed]
source = "file"
file = "opps.jsonl"

[redis]
enabled = false
wallet_locks = false

[sink]
redis = false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbengine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, ModeDryRun, cfg.Mode)
	assert.EqualValues(t, 8, cfg.Execution.MaxConcurrentOps)
	assert.Equal(t, 3, cfg.Execution.MinOracleConfirmations)
	assert.Equal(t, "fast", cfg.Execution.GasStrategy)
	assert.Equal(t, 250*time.Millisecond, cfg.Execution.RetryDelay())
	assert.Equal(t, 1.5, cfg.Execution.BackoffMultiplier)
	assert.Equal(t, 10*time.Second, cfg.Execution.MaxDelay.Duration)
	assert.Equal(t, 30*time.Second, cfg.Execution.BreakerCooldown.Duration)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Execution.MaxConsecutiveFailures)
	assert.Equal(t, 10*time.Second, cfg.Execution.CycleInterval())

	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, uint64(137), cfg.Chains[0].ID)
	assert.Len(t, cfg.Chains[0].ChainlinkFeeds, 1)
	assert.Equal(t, "ff61491a", cfg.Oracle.Pyth.FeedIDs["ETH/USD"])

	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARBENGINE_MAX_CONCURRENT_OPS", "16")
	t.Setenv("ARBENGINE_MAX_PRICE_DEVIATION_BPS", "75")
	t.Setenv("ARBENGINE_MAX_FAILED_OPS_RATIO", "0.5")
	t.Setenv("ARBENGINE_BACKOFF_MULTIPLIER", "3")
	t.Setenv("ARBENGINE_MAX_DELAY", "4s")
	t.Setenv("ARBENGINE_WALLET_PRIVATE_KEYS", "0x01, 0x02,")
	t.Setenv("ARBENGINE_SERVER_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("ARBENGINE_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.EqualValues(t, 16, cfg.Execution.MaxConcurrentOps)
	assert.EqualValues(t, 75, cfg.Execution.MaxPriceDeviationBps)
	assert.Equal(t, 0.5, cfg.Execution.MaxFailedOpsRatio)
	assert.Equal(t, 3.0, cfg.Execution.BackoffMultiplier)
	assert.Equal(t, 4*time.Second, cfg.Execution.MaxDelay.Duration)
	require.Len(t, cfg.Wallets, 2)
	assert.Equal(t, "0x02", cfg.Wallets[1].PrivateKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	// Unparseable values leave the field alone.
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Execution.MaxConcurrentOps = 0
	cfg.Execution.MaxFailedOpsRatio = 1.5
	cfg.Execution.GasStrategy = "ludicrous"
	cfg.Execution.BackoffMultiplier = 0.5
	cfg.Execution.MaxDelay = Duration(-time.Second)
	cfg.Chains = []ChainConfig{
		{ID: 1, RPCURLs: []string{"http://a"}, SettlementAddress: "nope", Exchanges: []string{"0x01"}},
		{ID: 1},
	}
	cfg.Postgres.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "live"`,
		"max_concurrent_ops must be >= 1",
		"max_failed_ops_ratio must be in (0, 1]",
		`unknown gas strategy "ludicrous"`,
		"backoff_multiplier must be >= 1",
		"max_delay must be >= 0",
		`invalid settlement_address "nope"`,
		"duplicate chain id 1",
		"chains[1]: rpc_urls must not be empty",
		"sink: postgres sink requires postgres.enabled",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateModeRequirements(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	cfg.Mode = ModeExecute
	cfg.Wallets = nil
	cfg.Postgres.Enabled = false
	cfg.Sink.Postgres = false

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallets: at least one wallet is required for mode execute")
	assert.Contains(t, err.Error(), "postgres: required for mode execute")

	cfg.Mode = ModeDryRun
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallets = []WalletConfig{{PrivateKey: "0xsecret", KeyPassword: "pw"}}
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tok"
	cfg.Chains = []ChainConfig{{ID: 1, RPCURLs: []string{
		"https://eth-mainnet.example/v2/abc123",
		"https://rpc.example",
		"wss://user:pw@node.example:8546",
	}}}

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Wallets[0].PrivateKey)
	assert.Equal(t, redacted, out.Wallets[0].KeyPassword)
	assert.Equal(t, redacted, out.Postgres.DSN)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Equal(t, redacted, out.Notify.TelegramToken)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, []string{
		"https://eth-mainnet.example/***",
		"https://rpc.example",
		"wss://node.example:8546/***",
	}, out.Chains[0].RPCURLs)

	// The original is untouched.
	assert.Equal(t, "0xsecret", cfg.Wallets[0].PrivateKey)
	assert.Equal(t, "key", cfg.Server.APIKey)
	assert.Equal(t, "https://eth-mainnet.example/v2/abc123", cfg.Chains[0].RPCURLs[0])
}
