// Package config defines the top-level configuration for marketforge and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETFORGE_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Chain     ChainConfig     `toml:"chain"`
	Relayer   RelayerConfig   `toml:"relayer"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Deploy    DeployConfig    `toml:"deploy"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig holds the deployer / creator key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds RPC and protocol contract addresses.
type ChainConfig struct {
	RPCURL                 string        `toml:"rpc_url"`
	ChainID                int64         `toml:"chain_id"`
	FactoryAddress         string        `toml:"factory_address"`
	FactoryName            string        `toml:"factory_name"`
	FactoryVersion         string        `toml:"factory_version"`
	InitializerAddress     string        `toml:"initializer_address"`
	BondManagerAddress     string        `toml:"bond_manager_address"`
	SessionRegistryAddress string        `toml:"session_registry_address"`
	Facets                 []FacetConfig `toml:"facets"`
	Roles                  []RoleConfig  `toml:"roles"`
	GasLimitMultiplier     float64       `toml:"gas_limit_multiplier"`
	ReceiptPollInterval    duration      `toml:"receipt_poll_interval"`
}

// FacetConfig names one facet and the function signatures it must serve,
// e.g. "placeOrder(uint256,uint256,bool)".
type FacetConfig struct {
	Name       string   `toml:"name"`
	Address    string   `toml:"address"`
	Signatures []string `toml:"signatures"`
}

// RoleConfig is a role the new market must hold on a protocol contract.
type RoleConfig struct {
	Contract string `toml:"contract"`
	Role     string `toml:"role"`
}

// RelayerConfig holds the gas-sponsoring relayer endpoint and credentials.
type RelayerConfig struct {
	URL           string   `toml:"url"`
	ApiKey        string   `toml:"api_key"`
	ApiSecret     string   `toml:"api_secret"`
	ApiPassphrase string   `toml:"api_passphrase"`
	Timeout       duration `toml:"timeout"`
}

// DiscoveryConfig holds the metric AI service endpoints and polling knobs.
type DiscoveryConfig struct {
	BaseURL           string   `toml:"base_url"`
	ApiKey            string   `toml:"api_key"`
	RequestTimeout    duration `toml:"request_timeout"`
	PollInterval      duration `toml:"poll_interval"`
	PollTimeout       duration `toml:"poll_timeout"`
	ValidationTTL     duration `toml:"validation_ttl"`
	SessionIdleExpiry duration `toml:"session_idle_expiry"`
}

// DeployConfig holds orchestrator parameters.
type DeployConfig struct {
	// Mode selects "sponsored" (relayer pays gas) or "direct".
	Mode               string   `toml:"mode"`
	MaxAttempts        int      `toml:"max_attempts"`
	BaseBackoff        duration `toml:"base_backoff"`
	MaxBackoff         duration `toml:"max_backoff"`
	ConfirmTimeout     duration `toml:"confirm_timeout"`
	MetaDeadline       duration `toml:"meta_deadline"`
	EventRetention     duration `toml:"event_retention"`
	PersistLockTTL     duration `toml:"persist_lock_ttl"`
	ArchiveReceipts    bool     `toml:"archive_receipts"`
	MaxConcurrent      int      `toml:"max_concurrent"`
	StartPriceDecimals int      `toml:"start_price_decimals"`
	SymbolMaxLength    int      `toml:"symbol_max_length"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
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
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	ApiKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig toggles the Prometheus registry.
type MetricsConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:              "http://localhost:8545",
			ChainID:             31337,
			FactoryName:         "MarketFactory",
			FactoryVersion:      "1",
			GasLimitMultiplier:  1.2,
			ReceiptPollInterval: duration{2 * time.Second},
		},
		Relayer: RelayerConfig{
			Timeout: duration{30 * time.Second},
		},
		Discovery: DiscoveryConfig{
			RequestTimeout:    duration{30 * time.Second},
			PollInterval:      duration{2 * time.Second},
			PollTimeout:       duration{60 * time.Second},
			ValidationTTL:     duration{6 * time.Hour},
			SessionIdleExpiry: duration{2 * time.Hour},
		},
		Deploy: DeployConfig{
			Mode:               "sponsored",
			MaxAttempts:        3,
			BaseBackoff:        duration{2 * time.Second},
			MaxBackoff:         duration{30 * time.Second},
			ConfirmTimeout:     duration{2 * time.Minute},
			MetaDeadline:       duration{15 * time.Minute},
			EventRetention:     duration{10 * time.Minute},
			PersistLockTTL:     duration{30 * time.Second},
			ArchiveReceipts:    true,
			MaxConcurrent:      8,
			StartPriceDecimals: 6,
			SymbolMaxLength:    12,
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 1000,
		},
		S3: S3Config{
			Enabled:        true,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketforge",
			Prefix:         "marketforge",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"pipeline_succeeded", "pipeline_failed", "pipeline_orphaned"},
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			ServiceName: "marketforge",
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"deploy": true,
}

// validDeployModes enumerates the accepted values for DeployConfig.Mode.
var validDeployModes = map[string]bool{
	"sponsored": true,
	"direct":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
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

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, deploy)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	checkAddr := func(field, v string, required bool) {
		if v == "" {
			if required {
				errs = append(errs, fmt.Sprintf("chain: %s must be set", field))
			}
			return
		}
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("chain: %s %q is not a hex address", field, v))
		}
	}
	checkAddr("factory_address", c.Chain.FactoryAddress, true)
	checkAddr("initializer_address", c.Chain.InitializerAddress, true)
	checkAddr("bond_manager_address", c.Chain.BondManagerAddress, false)
	checkAddr("session_registry_address", c.Chain.SessionRegistryAddress, c.Deploy.Mode == "sponsored")
	if len(c.Chain.Facets) == 0 {
		errs = append(errs, "chain: at least one facet must be configured")
	}
	for i, f := range c.Chain.Facets {
		if !common.IsHexAddress(f.Address) {
			errs = append(errs, fmt.Sprintf("chain: facets[%d] (%s) address %q is not a hex address", i, f.Name, f.Address))
		}
		if len(f.Signatures) == 0 {
			errs = append(errs, fmt.Sprintf("chain: facets[%d] (%s) has no signatures", i, f.Name))
		}
	}
	for i, r := range c.Chain.Roles {
		if !common.IsHexAddress(r.Contract) || r.Role == "" {
			errs = append(errs, fmt.Sprintf("chain: roles[%d] needs a hex contract and a role name", i))
		}
	}
	if c.Chain.GasLimitMultiplier < 1 {
		errs = append(errs, "chain: gas_limit_multiplier must be >= 1")
	}

	// Deploy
	if !validDeployModes[strings.ToLower(c.Deploy.Mode)] {
		errs = append(errs, fmt.Sprintf("deploy: unknown mode %q (valid: sponsored, direct)", c.Deploy.Mode))
	}
	if c.Deploy.MaxAttempts < 1 {
		errs = append(errs, "deploy: max_attempts must be >= 1")
	}
	if c.Deploy.BaseBackoff.Duration <= 0 || c.Deploy.MaxBackoff.Duration < c.Deploy.BaseBackoff.Duration {
		errs = append(errs, "deploy: base_backoff must be > 0 and <= max_backoff")
	}
	if c.Deploy.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "deploy: confirm_timeout must be > 0")
	}
	if c.Deploy.MaxConcurrent < 1 {
		errs = append(errs, "deploy: max_concurrent must be >= 1")
	}

	// Relayer
	if strings.EqualFold(c.Deploy.Mode, "sponsored") && c.Relayer.URL == "" {
		errs = append(errs, "relayer: url is required in sponsored mode")
	}
	rk := c.Relayer.ApiKey != ""
	rs := c.Relayer.ApiSecret != ""
	rp := c.Relayer.ApiPassphrase != ""
	if (rk || rs || rp) && !(rk && rs && rp) {
		errs = append(errs, "relayer: api_key, api_secret, and api_passphrase must all be set together")
	}

	// Discovery
	if c.Mode == "server" && c.Discovery.BaseURL == "" {
		errs = append(errs, "discovery: base_url is required in server mode")
	}
	if c.Discovery.PollInterval.Duration <= 0 || c.Discovery.PollTimeout.Duration < c.Discovery.PollInterval.Duration {
		errs = append(errs, "discovery: poll_interval must be > 0 and <= poll_timeout")
	}

	// Supabase
	if strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
		}
		if c.Supabase.Database == "" {
			errs = append(errs, "supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		errs = append(errs, "supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
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
