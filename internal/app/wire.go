package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/marketforge/internal/blob/s3"
	"github.com/alanyoungcy/marketforge/internal/cache/redis"
	"github.com/alanyoungcy/marketforge/internal/config"
	"github.com/alanyoungcy/marketforge/internal/crypto"
	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/notify"
	"github.com/alanyoungcy/marketforge/internal/platform/evm"
	"github.com/alanyoungcy/marketforge/internal/platform/metricai"
	"github.com/alanyoungcy/marketforge/internal/platform/relayer"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
	"github.com/alanyoungcy/marketforge/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	DeployedMarkets domain.DeployedMarketStore
	PipelineStore   domain.PipelineStore
	AuditStore      domain.AuditStore

	// Caches
	RateLimiter     domain.RateLimiter
	LockManager     domain.LockManager
	SignalBus       domain.SignalBus
	ValidationCache domain.ValidationCache

	// Blob storage; nil when S3 is disabled.
	BlobWriter domain.BlobWriter

	// Chain
	Factory *evm.Factory
	Signer  *crypto.Signer
	Relayer domain.MetaRelayer

	// Metric AI services
	MetricAI *metricai.Client

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks probes each connected dependency by name.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

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

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Supabase.DSN,
		Host:     cfg.Supabase.Host,
		Port:     cfg.Supabase.Port,
		Database: cfg.Supabase.Database,
		User:     cfg.Supabase.User,
		Password: cfg.Supabase.Password,
		SSLMode:  cfg.Supabase.SSLMode,
		MaxConns: cfg.Supabase.PoolMaxConns,
		MinConns: cfg.Supabase.PoolMinConns,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)

	if cfg.Supabase.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}

	pool := pgClient.Pool()
	deps.DeployedMarkets = postgres.NewDeployedMarketStore(pool)
	deps.PipelineStore = postgres.NewPipelineStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.HealthChecks["postgres"] = pgClient.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	// Progress streams outlive the in-process replay window so late
	// readers can still fetch them.
	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen, 4*cfg.Deploy.EventRetention.Duration)
	deps.ValidationCache = redis.NewValidationCache(redisClient, cfg.Discovery.ValidationTTL.Duration)
	deps.HealthChecks["redis"] = redisClient.Ping

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Deployer key and chain ---
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: deployer key: %w", err))
	}
	signer, err := crypto.NewSigner(keyHex, crypto.MetaDomain{
		Name:              cfg.Chain.FactoryName,
		Version:           cfg.Chain.FactoryVersion,
		ChainID:           cfg.Chain.ChainID,
		VerifyingContract: common.HexToAddress(cfg.Chain.FactoryAddress),
	})
	if err != nil {
		return fail(fmt.Errorf("wire: signer: %w", err))
	}
	deps.Signer = signer

	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fail(fmt.Errorf("wire: dial rpc: %w", err))
	}
	closers = append(closers, eth.Close)

	rpcChainID, err := eth.ChainID(ctx)
	if err != nil {
		return fail(fmt.Errorf("wire: rpc chain id: %w", err))
	}
	if rpcChainID.Int64() != cfg.Chain.ChainID {
		return fail(fmt.Errorf("wire: rpc serves chain %s, configured chain_id is %d", rpcChainID, cfg.Chain.ChainID))
	}
	deps.HealthChecks["rpc"] = func(ctx context.Context) error {
		_, err := eth.BlockNumber(ctx)
		return err
	}

	facets := make([]evm.FacetSpec, 0, len(cfg.Chain.Facets))
	for _, f := range cfg.Chain.Facets {
		facets = append(facets, evm.FacetSpec{Name: f.Name, Address: f.Address, Signatures: f.Signatures})
	}
	factory, err := evm.NewFactory(eth, signer.PrivateKey(), evm.Config{
		ChainID:            cfg.Chain.ChainID,
		FactoryAddress:     cfg.Chain.FactoryAddress,
		InitializerAddress: cfg.Chain.InitializerAddress,
		BondManagerAddress: cfg.Chain.BondManagerAddress,
		Facets:             facets,
		GasLimitMultiplier: cfg.Chain.GasLimitMultiplier,
		PollInterval:       cfg.Chain.ReceiptPollInterval.Duration,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: market factory: %w", err))
	}
	deps.Factory = factory

	// --- Relayer (sponsored mode) ---
	if cfg.Relayer.URL != "" {
		var auth *crypto.HMACAuth
		if cfg.Relayer.ApiKey != "" {
			auth = &crypto.HMACAuth{
				Key:        cfg.Relayer.ApiKey,
				Secret:     cfg.Relayer.ApiSecret,
				Passphrase: cfg.Relayer.ApiPassphrase,
			}
		}
		deps.Relayer = relayer.NewClient(cfg.Relayer.URL, auth, signer.Address(), cfg.Relayer.Timeout.Duration)
	}

	// --- Metric AI services ---
	if cfg.Discovery.BaseURL != "" {
		deps.MetricAI = metricai.New(metricai.Options{
			BaseURL:        cfg.Discovery.BaseURL,
			APIKey:         cfg.Discovery.ApiKey,
			RequestTimeout: cfg.Discovery.RequestTimeout.Duration,
			PollInterval:   cfg.Discovery.PollInterval.Duration,
			PollTimeout:    cfg.Discovery.PollTimeout.Duration,
			Logger:         logger,
		})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if strings.TrimSpace(cfg.Notify.DiscordWebhookURL) != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
