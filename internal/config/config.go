// Package config defines the top-level configuration for the greenledger
// backend and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by GREENLEDGER_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Custodian CustodianConfig `toml:"custodian"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Pricing   PricingConfig   `toml:"pricing"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds the node endpoint and the deployed GreenLedger contract.
type ChainConfig struct {
	RPCURL          string `toml:"rpc_url"`
	ChainID         int64  `toml:"chain_id"` // 0 asks the node
	ContractAddress string `toml:"contract_address"`
	// ABIPath points at a compiled artifact or bare ABI JSON; empty uses the
	// built-in GreenLedger ABI.
	ABIPath             string   `toml:"abi_path"`
	TokenURI            string   `toml:"token_uri"`
	GasLimitBuy         uint64   `toml:"gas_limit_buy"`
	GasLimitRegister    uint64   `toml:"gas_limit_register"`
	GasLimitTransfer    uint64   `toml:"gas_limit_transfer"`
	GasLimitPayment     uint64   `toml:"gas_limit_payment"`
	ReceiptTimeout      duration `toml:"receipt_timeout"`
	ReceiptPollInterval duration `toml:"receipt_poll_interval"`
	SenderLockTTL       duration `toml:"sender_lock_ttl"`
}

// CustodianConfig holds the service-held wallet that receives sold tokens and
// pays sellers.
type CustodianConfig struct {
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters. An empty Addr disables Redis;
// the backend then falls back to in-process locks and base prices.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PricingConfig controls the simulated region quotes.
type PricingConfig struct {
	VolatilityPct   float64  `toml:"volatility_pct"`
	RefreshInterval duration `toml:"refresh_interval"`
}

// ReconcileConfig controls the stranded-settlement reconciler.
type ReconcileConfig struct {
	Interval   duration `toml:"interval"`
	StaleAfter duration `toml:"stale_after"`
	AutoRetry  bool     `toml:"auto_retry"`
}

// ArchiveConfig controls the ledger archive mode.
type ArchiveConfig struct {
	RetentionDays int `toml:"retention_days"`
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
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RateLimitPerMin   int      `toml:"rate_limit_per_min"`
	OperatorRoutesKey string   `toml:"operator_routes_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with values suitable for a local
// Ganache chain and docker-compose services.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:              "http://127.0.0.1:7545",
			TokenURI:            "ipfs://dummy-metadata-url",
			GasLimitBuy:         3_000_000,
			GasLimitRegister:    3_000_000,
			GasLimitTransfer:    300_000,
			GasLimitPayment:     21_000,
			ReceiptTimeout:      duration{2 * time.Minute},
			ReceiptPollInterval: duration{time.Second},
			SenderLockTTL:       duration{3 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "greenledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "greenledger-archive",
			ForcePathStyle: true,
		},
		Pricing: PricingConfig{
			VolatilityPct:   1.0,
			RefreshInterval: duration{5 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Interval:   duration{time.Minute},
			StaleAfter: duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Port:            5000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"partial_settlement", "settlement_recovered", "persistence_failure"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"reconcile": true,
	"archive":   true,
	"full":      true,
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

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, reconcile, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	needsChain := mode != "archive"
	if needsChain {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty")
		}
		if !common.IsHexAddress(c.Chain.ContractAddress) {
			errs = append(errs, fmt.Sprintf("chain: contract_address %q is not a hex address", c.Chain.ContractAddress))
		}
		if c.Chain.ChainID < 0 {
			errs = append(errs, "chain: chain_id must be >= 0")
		}
		if c.Chain.GasLimitBuy == 0 || c.Chain.GasLimitTransfer == 0 || c.Chain.GasLimitPayment == 0 || c.Chain.GasLimitRegister == 0 {
			errs = append(errs, "chain: gas limits must be > 0")
		}
		if c.Chain.ReceiptTimeout.Duration <= 0 {
			errs = append(errs, "chain: receipt_timeout must be > 0")
		}
		if c.Chain.ReceiptPollInterval.Duration <= 0 {
			errs = append(errs, "chain: receipt_poll_interval must be > 0")
		}

		// Custodian: sells and reconciliation both pay from this wallet.
		if !common.IsHexAddress(c.Custodian.Address) {
			errs = append(errs, fmt.Sprintf("custodian: address %q is not a hex address", c.Custodian.Address))
		}
		if c.Custodian.PrivateKey == "" && c.Custodian.EncryptedKeyPath == "" {
			errs = append(errs, "custodian: either private_key or encrypted_key_path must be set")
		}
		if c.Custodian.EncryptedKeyPath != "" && c.Custodian.KeyPassword == "" {
			errs = append(errs, "custodian: key_password is required when encrypted_key_path is set")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis (optional)
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled || mode == "archive" {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Pricing
	if c.Pricing.VolatilityPct < 0 || c.Pricing.VolatilityPct >= 100 {
		errs = append(errs, "pricing: volatility_pct must be in [0, 100)")
	}
	if c.Pricing.RefreshInterval.Duration <= 0 {
		errs = append(errs, "pricing: refresh_interval must be > 0")
	}

	// Reconcile
	if mode == "reconcile" || mode == "full" {
		if c.Reconcile.Interval.Duration <= 0 {
			errs = append(errs, "reconcile: interval must be > 0")
		}
	}

	// Archive
	if mode == "archive" && c.Archive.RetentionDays < 1 {
		errs = append(errs, "archive: retention_days must be >= 1")
	}

	// Server
	if mode == "server" || mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
