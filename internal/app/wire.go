package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/arbengine/internal/blob/s3"
	"github.com/alanyoungcy/arbengine/internal/cache/redis"
	"github.com/alanyoungcy/arbengine/internal/chain"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/feed"
	"github.com/alanyoungcy/arbengine/internal/gas"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/notify"
	"github.com/alanyoungcy/arbengine/internal/oracle"
	"github.com/alanyoungcy/arbengine/internal/orchestrator"
	"github.com/alanyoungcy/arbengine/internal/retry"
	"github.com/alanyoungcy/arbengine/internal/settlement"
	"github.com/alanyoungcy/arbengine/internal/sink"
	"github.com/alanyoungcy/arbengine/internal/store/postgres"
	"github.com/alanyoungcy/arbengine/internal/wallet"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Metrics *metrics.Metrics
	Stop    *atomic.Bool

	// Stores; nil when postgres is disabled.
	Postgres     *postgres.Client
	BatchStore   domain.BatchStore
	PendingStore domain.PendingTxStore
	AuditStore   domain.AuditStore

	// Redis; nil when disabled.
	Redis     *redis.Client
	SignalBus *redis.SignalBus

	Blob *s3blob.Client

	// Chains
	Chains     *chain.Registry
	Targets    map[uint64]executor.Target
	Validators map[uint64]*settlement.Validator
	Wallets    []*wallet.Wallet
	Pools      []*orchestrator.Pool

	Oracle oracle.Validator
	Gas    *gas.Estimator

	Feed     orchestrator.Source
	Sink     *sink.Async
	Notifier *notify.Notifier
}

// Wire constructs all concrete implementations from cfg and returns them
// together with a cleanup function that releases every opened resource in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{
		Metrics:    metrics.New("arbengine"),
		Stop:       new(atomic.Bool),
		Targets:    make(map[uint64]executor.Target, len(cfg.Chains)),
		Validators: make(map[uint64]*settlement.Validator, len(cfg.Chains)),
	}
	// Nothing leaves the process in a dry run.
	if mode == config.ModeDryRun {
		deps.Stop.Store(true)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.BatchStore = postgres.NewBatchStore(pool)
		deps.PendingStore = postgres.NewPendingTxStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	var locks domain.LockManager
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.SignalBus = redis.NewSignalBus(redisClient)
		if cfg.Redis.WalletLocks {
			locks = redis.NewLockManager(redisClient)
		}
	}

	// --- S3 batch archive ---
	if cfg.Sink.S3 {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Blob = s3Client
	}

	// --- Chains ---
	clients := make([]chain.Client, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		client, err := chain.Dial(ctx, chain.Config{
			ChainID:        cc.ID,
			Name:           cc.Name,
			RPCURLs:        cc.RPCURLs,
			RequestsPerSec: cc.RequestsPerSec,
			Burst:          cc.Burst,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: chain %d: %w", cc.ID, err))
		}
		closers = append(closers, client.Close)
		clients = append(clients, client)

		codec, err := settlement.NewCodec(common.HexToAddress(cc.SettlementAddress))
		if err != nil {
			return fail(fmt.Errorf("wire: chain %d settlement codec: %w", cc.ID, err))
		}
		validator, err := settlement.NewValidator(cc.SupportedTokens, cc.Exchanges)
		if err != nil {
			return fail(fmt.Errorf("wire: chain %d validator: %w", cc.ID, err))
		}
		deps.Targets[cc.ID] = executor.Target{Client: client, Codec: codec}
		deps.Validators[cc.ID] = validator
	}
	deps.Chains = chain.NewRegistry(clients...)

	// --- Oracle ---
	validator, err := buildOracle(cfg, deps, logger)
	if err != nil {
		return fail(err)
	}
	deps.Oracle = validator

	// --- Gas ---
	gasCfg, err := gasConfig(cfg)
	if err != nil {
		return fail(err)
	}
	deps.Gas = gas.NewEstimator(gasCfg, func(chainID uint64) (gas.FeeSource, error) {
		c, err := deps.Chains.Get(chainID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, logger, deps.Metrics)

	// --- Wallets and executors ---
	signers, err := loadSigners(cfg, logger)
	if err != nil {
		return fail(err)
	}
	gasStrategy, err := domain.ParseGasStrategy(cfg.Execution.GasStrategy)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	execCfg := executor.Config{
		GasStrategy:    gasStrategy,
		OracleSources:  cfg.Execution.OracleSources,
		Retry:          retryPolicy(cfg.Execution),
		PollInterval:   cfg.Execution.PollInterval.Duration,
		ConfirmTimeout: cfg.Execution.ConfirmTimeout.Duration,
	}

	for _, cc := range cfg.Chains {
		target := deps.Targets[cc.ID]
		runners := make([]orchestrator.Runner, 0, len(signers))
		for _, signer := range signers {
			w := wallet.New(cc.ID, signer, target.Client)
			deps.Wallets = append(deps.Wallets, w)
			runners = append(runners, executor.New(execCfg, executor.Deps{
				Chain:     target.Client,
				Wallet:    w,
				Oracle:    deps.Oracle,
				Gas:       deps.Gas,
				Codec:     target.Codec,
				Validator: deps.Validators[cc.ID],
				Pending:   deps.PendingStore,
				Stop:      deps.Stop,
				Metrics:   deps.Metrics,
				Logger:    logger,
			}))
		}
		deps.Pools = append(deps.Pools, orchestrator.NewPool(cc.ID, runners, locks, cfg.Execution.WalletLockTTL.Duration))
	}

	// --- Opportunity feed ---
	switch cfg.Feed.Source {
	case "redis":
		if deps.SignalBus == nil {
			return fail(fmt.Errorf("wire: feed source redis requires redis"))
		}
		deps.Feed = feed.NewStream(deps.SignalBus, feed.StreamConfig{
			Stream:    cfg.Feed.Stream,
			StartID:   cfg.Feed.StartID,
			BatchSize: cfg.Feed.BatchSize,
			Block:     cfg.Feed.Block.Duration,
		}, logger)
	case "file":
		deps.Feed = feed.NewFile(cfg.Feed.File, logger)
	default:
		return fail(fmt.Errorf("wire: unknown feed source %q", cfg.Feed.Source))
	}

	// --- Result sinks ---
	sinks := []sink.Sink{sink.NewLog(logger)}
	if cfg.Sink.Postgres && deps.BatchStore != nil {
		sinks = append(sinks, sink.NewPostgres(deps.BatchStore))
	}
	if cfg.Sink.Redis && deps.SignalBus != nil {
		sinks = append(sinks, sink.NewRedis(deps.SignalBus))
	}
	if deps.Blob != nil {
		sinks = append(sinks, sink.NewS3(s3blob.NewWriter(deps.Blob)))
	}
	deps.Sink = sink.NewAsync(sink.NewMulti(deps.Metrics, logger, sinks...), cfg.Sink.Buffer, deps.Metrics, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	var publisher notify.Publisher
	if deps.SignalBus != nil {
		publisher = deps.SignalBus
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, publisher, logger)

	return deps, cleanup, nil
}

// buildOracle registers every enabled price source and wraps the consensus in
// a write-through cache when redis is available.
func buildOracle(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (oracle.Validator, error) {
	var sources []oracle.PriceSource
	oc := cfg.Oracle

	if oc.Chainlink.Enabled {
		for _, cc := range cfg.Chains {
			if len(cc.ChainlinkFeeds) == 0 {
				continue
			}
			feeds := make(map[domain.Pair]common.Address, len(cc.ChainlinkFeeds))
			for key, addr := range cc.ChainlinkFeeds {
				pair, err := domain.ParsePair(key)
				if err != nil {
					return nil, fmt.Errorf("wire: chain %d chainlink feeds: %w", cc.ID, err)
				}
				feeds[pair] = common.HexToAddress(addr)
			}
			sources = append(sources, oracle.NewChainlink(oracle.ChainlinkConfig{
				Name:       "chainlink-" + chainLabel(cc),
				Feeds:      feeds,
				MaxAge:     oc.Chainlink.MaxAge.Duration,
				Confidence: oc.Chainlink.Confidence,
			}, deps.Targets[cc.ID].Client))
		}
	}

	if oc.Pyth.Enabled {
		ids, err := pairMap(oc.Pyth.FeedIDs)
		if err != nil {
			return nil, fmt.Errorf("wire: pyth feeds: %w", err)
		}
		sources = append(sources, oracle.NewPyth(oracle.PythConfig{
			BaseURL:        oc.Pyth.BaseURL,
			FeedIDs:        ids,
			MaxAge:         oc.Pyth.MaxAge.Duration,
			RequestsPerSec: oc.Pyth.RequestsPerSec,
		}))
	}

	if oc.Binance.Enabled {
		symbols, err := pairMap(oc.Binance.Symbols)
		if err != nil {
			return nil, fmt.Errorf("wire: binance symbols: %w", err)
		}
		sources = append(sources, oracle.NewBinance(oracle.BinanceConfig{
			BaseURL:        oc.Binance.BaseURL,
			Symbols:        symbols,
			MaxAge:         oc.Binance.MaxAge.Duration,
			Confidence:     oc.Binance.Confidence,
			RequestsPerSec: oc.Binance.RequestsPerSec,
		}))
	}

	var cache domain.PriceCache
	if deps.Redis != nil {
		cache = redis.NewPriceCache(deps.Redis)
		for _, cs := range oc.Cached {
			sources = append(sources, oracle.NewCacheSource(cs.Name, cs.Collector, cache, cs.MaxAge.Duration))
		}
	}

	ocfg := oracle.DefaultConfig()
	ocfg.MinConfirmations = cfg.Execution.MinOracleConfirmations
	ocfg.MaxDeviationBps = cfg.Execution.MaxPriceDeviationBps
	if oc.QueryTimeout.Duration > 0 {
		ocfg.QueryTimeout = oc.QueryTimeout.Duration
	}
	if oc.MinConfidence > 0 {
		ocfg.MinConfidence = oc.MinConfidence
	}

	consensus, err := oracle.NewConsensus(ocfg, logger, deps.Metrics, sources...)
	if err != nil {
		return nil, fmt.Errorf("wire: oracle: %w", err)
	}
	logger.Info("oracle sources registered", slog.Any("sources", consensus.Sources()))

	if cache != nil && oc.CacheResults {
		return oracle.NewWriteThrough(consensus, cache, logger), nil
	}
	return consensus, nil
}

func chainLabel(cc config.ChainConfig) string {
	if cc.Name != "" {
		return cc.Name
	}
	return strconv.FormatUint(cc.ID, 10)
}

func pairMap(in map[string]string) (map[domain.Pair]string, error) {
	out := make(map[domain.Pair]string, len(in))
	for key, v := range in {
		pair, err := domain.ParsePair(key)
		if err != nil {
			return nil, err
		}
		out[pair] = v
	}
	return out, nil
}

// gasConfig overlays configured tiers on the defaults. Per-chain tiers replace
// single strategies only.
func gasConfig(cfg *config.Config) (gas.Config, error) {
	tiers := gas.DefaultTiers()
	if err := applyTiers(tiers, cfg.Gas.Tiers); err != nil {
		return gas.Config{}, err
	}

	out := gas.Config{Tiers: tiers, Retry: retry.Default()}
	for _, cc := range cfg.Chains {
		if len(cc.GasTiers) == 0 {
			continue
		}
		chainTiers := make(map[domain.GasStrategy]gas.Tier, len(cc.GasTiers))
		if err := applyTiers(chainTiers, cc.GasTiers); err != nil {
			return gas.Config{}, fmt.Errorf("chain %d: %w", cc.ID, err)
		}
		if out.ChainTiers == nil {
			out.ChainTiers = make(map[uint64]map[domain.GasStrategy]gas.Tier)
		}
		out.ChainTiers[cc.ID] = chainTiers
	}
	return out, nil
}

func applyTiers(dst map[domain.GasStrategy]gas.Tier, src map[string]config.TierConfig) error {
	for name, tc := range src {
		strategy, err := domain.ParseGasStrategy(name)
		if err != nil {
			return fmt.Errorf("wire: gas tiers: %w", err)
		}
		dst[strategy] = tierFromConfig(tc)
	}
	return nil
}

// tierFromConfig converts a float multiplier to basis points and a gwei
// priority fee to wei without float rounding drift.
func tierFromConfig(tc config.TierConfig) gas.Tier {
	bps := decimal.NewFromFloat(tc.Multiplier).Shift(4).Round(0).IntPart()
	fee := decimal.NewFromFloat(tc.PriorityFeeGwei).Shift(9).Round(0).BigInt()
	if fee.Sign() < 0 {
		fee = new(big.Int)
	}
	return gas.Tier{MultiplierBps: uint64(bps), PriorityFee: fee}
}

// loadSigners resolves every configured wallet key. A dry run without wallets
// gets one throwaway key so the pipeline can still be exercised.
func loadSigners(cfg *config.Config, logger *slog.Logger) ([]*crypto.Signer, error) {
	signers := make([]*crypto.Signer, 0, len(cfg.Wallets))
	for i, wc := range cfg.Wallets {
		s, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    wc.PrivateKey,
			EncryptedKeyPath: wc.EncryptedKeyPath,
			KeyPassword:      wc.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: wallet %d: %w", i, err)
		}
		signers = append(signers, s)
	}

	if len(signers) == 0 {
		if !strings.EqualFold(cfg.Mode, config.ModeDryRun) {
			return nil, fmt.Errorf("wire: no wallets configured")
		}
		s, err := crypto.GenerateSigner()
		if err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
		logger.Warn("no wallets configured, using an ephemeral key for the dry run",
			slog.String("address", s.Address().Hex()),
		)
		signers = append(signers, s)
	}
	return signers, nil
}

// retryPolicy builds the GasChecking and Submitting retry policy from the
// execution settings.
func retryPolicy(e config.ExecutionConfig) retry.Policy {
	p := retry.Default()
	p.MaxAttempts = e.RetryAttempts
	p.BaseDelay = e.RetryDelay()
	p.Multiplier = e.BackoffMultiplier
	p.MaxDelay = e.MaxDelay.Duration
	return p
}
