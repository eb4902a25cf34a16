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
// built-in defaults, applies GREENLEDGER_* environment variable overrides, and
// returns the final Config. A missing file is not an error: the defaults plus
// environment are used. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GREENLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. The
// original backend's OWNER_ADDRESS / OWNER_PRIVATE_KEY names are honoured as
// aliases for the custodian wallet.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "GREENLEDGER_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "GREENLEDGER_CHAIN_ID")
	setStr(&cfg.Chain.ContractAddress, "GREENLEDGER_CHAIN_CONTRACT_ADDRESS")
	setStr(&cfg.Chain.ABIPath, "GREENLEDGER_CHAIN_ABI_PATH")
	setStr(&cfg.Chain.TokenURI, "GREENLEDGER_CHAIN_TOKEN_URI")
	setUint64(&cfg.Chain.GasLimitBuy, "GREENLEDGER_CHAIN_GAS_LIMIT_BUY")
	setUint64(&cfg.Chain.GasLimitTransfer, "GREENLEDGER_CHAIN_GAS_LIMIT_TRANSFER")
	setDuration(&cfg.Chain.ReceiptTimeout, "GREENLEDGER_CHAIN_RECEIPT_TIMEOUT")
	setDuration(&cfg.Chain.ReceiptPollInterval, "GREENLEDGER_CHAIN_RECEIPT_POLL_INTERVAL")

	// ── Custodian ──
	setStr(&cfg.Custodian.Address, "OWNER_ADDRESS")
	setStr(&cfg.Custodian.PrivateKey, "OWNER_PRIVATE_KEY")
	setStr(&cfg.Custodian.Address, "GREENLEDGER_CUSTODIAN_ADDRESS")
	setStr(&cfg.Custodian.PrivateKey, "GREENLEDGER_CUSTODIAN_PRIVATE_KEY")
	setStr(&cfg.Custodian.EncryptedKeyPath, "GREENLEDGER_CUSTODIAN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Custodian.KeyPassword, "GREENLEDGER_CUSTODIAN_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GREENLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "GREENLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GREENLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GREENLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GREENLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GREENLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GREENLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GREENLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GREENLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GREENLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "GREENLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GREENLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GREENLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GREENLEDGER_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "GREENLEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "GREENLEDGER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "GREENLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GREENLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "GREENLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GREENLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GREENLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "GREENLEDGER_S3_FORCE_PATH_STYLE")

	// ── Pricing / reconcile / archive ──
	setFloat64(&cfg.Pricing.VolatilityPct, "GREENLEDGER_PRICING_VOLATILITY_PCT")
	setDuration(&cfg.Pricing.RefreshInterval, "GREENLEDGER_PRICING_REFRESH_INTERVAL")
	setDuration(&cfg.Reconcile.Interval, "GREENLEDGER_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.StaleAfter, "GREENLEDGER_RECONCILE_STALE_AFTER")
	setBool(&cfg.Reconcile.AutoRetry, "GREENLEDGER_RECONCILE_AUTO_RETRY")
	setInt(&cfg.Archive.RetentionDays, "GREENLEDGER_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "GREENLEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GREENLEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GREENLEDGER_SERVER_API_KEY")
	setStr(&cfg.Server.OperatorRoutesKey, "GREENLEDGER_SERVER_OPERATOR_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "GREENLEDGER_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "GREENLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GREENLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "GREENLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GREENLEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "GREENLEDGER_MODE")
	setStr(&cfg.LogLevel, "GREENLEDGER_LOG_LEVEL")
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
