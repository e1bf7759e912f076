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
// built-in defaults, applies MARKETFORGE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
//
// A missing file is not an error when path is empty, so the binary can run
// purely from environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETFORGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "MARKETFORGE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "MARKETFORGE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "MARKETFORGE_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "MARKETFORGE_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "MARKETFORGE_CHAIN_ID")
	setStr(&cfg.Chain.FactoryAddress, "MARKETFORGE_CHAIN_FACTORY_ADDRESS")
	setStr(&cfg.Chain.InitializerAddress, "MARKETFORGE_CHAIN_INITIALIZER_ADDRESS")
	setStr(&cfg.Chain.BondManagerAddress, "MARKETFORGE_CHAIN_BOND_MANAGER_ADDRESS")
	setStr(&cfg.Chain.SessionRegistryAddress, "MARKETFORGE_CHAIN_SESSION_REGISTRY_ADDRESS")
	setFloat64(&cfg.Chain.GasLimitMultiplier, "MARKETFORGE_CHAIN_GAS_LIMIT_MULTIPLIER")

	// ── Relayer ──
	setStr(&cfg.Relayer.URL, "MARKETFORGE_RELAYER_URL")
	setStr(&cfg.Relayer.ApiKey, "MARKETFORGE_RELAYER_API_KEY")
	setStr(&cfg.Relayer.ApiSecret, "MARKETFORGE_RELAYER_API_SECRET")
	setStr(&cfg.Relayer.ApiPassphrase, "MARKETFORGE_RELAYER_API_PASSPHRASE")
	setDuration(&cfg.Relayer.Timeout, "MARKETFORGE_RELAYER_TIMEOUT")

	// ── Discovery ──
	setStr(&cfg.Discovery.BaseURL, "MARKETFORGE_DISCOVERY_BASE_URL")
	setStr(&cfg.Discovery.ApiKey, "MARKETFORGE_DISCOVERY_API_KEY")
	setDuration(&cfg.Discovery.PollInterval, "MARKETFORGE_DISCOVERY_POLL_INTERVAL")
	setDuration(&cfg.Discovery.PollTimeout, "MARKETFORGE_DISCOVERY_POLL_TIMEOUT")
	setDuration(&cfg.Discovery.ValidationTTL, "MARKETFORGE_DISCOVERY_VALIDATION_TTL")

	// ── Deploy ──
	setStr(&cfg.Deploy.Mode, "MARKETFORGE_DEPLOY_MODE")
	setInt(&cfg.Deploy.MaxAttempts, "MARKETFORGE_DEPLOY_MAX_ATTEMPTS")
	setDuration(&cfg.Deploy.BaseBackoff, "MARKETFORGE_DEPLOY_BASE_BACKOFF")
	setDuration(&cfg.Deploy.MaxBackoff, "MARKETFORGE_DEPLOY_MAX_BACKOFF")
	setDuration(&cfg.Deploy.ConfirmTimeout, "MARKETFORGE_DEPLOY_CONFIRM_TIMEOUT")
	setBool(&cfg.Deploy.ArchiveReceipts, "MARKETFORGE_DEPLOY_ARCHIVE_RECEIPTS")
	setInt(&cfg.Deploy.MaxConcurrent, "MARKETFORGE_DEPLOY_MAX_CONCURRENT")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "MARKETFORGE_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "MARKETFORGE_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "MARKETFORGE_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "MARKETFORGE_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "MARKETFORGE_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "MARKETFORGE_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "MARKETFORGE_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "MARKETFORGE_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "MARKETFORGE_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "MARKETFORGE_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "MARKETFORGE_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARKETFORGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETFORGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETFORGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETFORGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETFORGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETFORGE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MARKETFORGE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MARKETFORGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETFORGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETFORGE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "MARKETFORGE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "MARKETFORGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETFORGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETFORGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETFORGE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARKETFORGE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETFORGE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETFORGE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "MARKETFORGE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "MARKETFORGE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "MARKETFORGE_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETFORGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETFORGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETFORGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETFORGE_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "MARKETFORGE_METRICS_ENABLED")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETFORGE_MODE")
	setStr(&cfg.LogLevel, "MARKETFORGE_LOG_LEVEL")
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
