package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/greenledger/internal/blob/s3"
	"github.com/alanyoungcy/greenledger/internal/cache/redis"
	"github.com/alanyoungcy/greenledger/internal/config"
	"github.com/alanyoungcy/greenledger/internal/crypto"
	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/alanyoungcy/greenledger/internal/ledger"
	"github.com/alanyoungcy/greenledger/internal/notify"
	"github.com/alanyoungcy/greenledger/internal/server/handler"
	"github.com/alanyoungcy/greenledger/internal/service"
	"github.com/alanyoungcy/greenledger/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the run modes need. Optional
// ones (Redis, S3, the chain in archive mode) are left nil when not
// configured.
type Dependencies struct {
	// Stores
	TransactionStore domain.TransactionStore
	CompanyStore     domain.CompanyStore
	SettlementStore  domain.SettlementStore
	AuditStore       domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	EventLog    domain.EventLog

	// Blob storage
	Archiver domain.Archiver

	// Chain
	Gateway   *ledger.Gateway
	Custodian service.Custodian

	// Notifications
	Notifier *notify.Notifier

	// Health lists a ping for every wired backend.
	Health map[string]handler.Pinger
}

// needsChain reports whether a mode talks to the node.
func needsChain(mode string) bool {
	return mode != "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Health: make(map[string]handler.Pinger)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Health["postgres"] = pgClient.Ping

	if cfg.Postgres.RunMigrations {
		applied, err := pgClient.RunMigrations(ctx)
		if err != nil {
			return fail("postgres migrations", err)
		}
		if len(applied) > 0 {
			logger.InfoContext(ctx, "applied migrations", slog.Any("files", applied))
		}
	}

	pool := pgClient.Pool()
	deps.TransactionStore = postgres.NewTransactionStore(pool)
	deps.CompanyStore = postgres.NewCompanyStore(pool)
	deps.SettlementStore = postgres.NewSettlementStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis (optional) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Health["redis"] = redisClient.Ping

		bus := redis.NewSignalBus(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = bus
		deps.EventLog = bus
	} else {
		logger.WarnContext(ctx, "redis disabled: in-process locks, no rate limit, no live events")
	}

	// --- S3 (optional outside archive mode) ---
	if cfg.S3.Enabled || mode == "archive" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Health["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.TransactionStore,
			deps.AuditStore,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Chain ---
	if needsChain(mode) {
		gw, custodian, closeRPC, err := wireChain(ctx, cfg, deps.LockManager, logger)
		if err != nil {
			return fail("chain", err)
		}
		closers = append(closers, closeRPC)
		deps.Gateway = gw
		deps.Custodian = custodian
	}

	return deps, cleanup, nil
}

// wireChain loads the custodian key, dials the node and builds the gateway.
func wireChain(ctx context.Context, cfg *config.Config, locks domain.LockManager, logger *slog.Logger) (*ledger.Gateway, service.Custodian, func(), error) {
	key, err := crypto.LoadKey(crypto.KeySource{
		RawPrivateKey:    cfg.Custodian.PrivateKey,
		EncryptedKeyPath: cfg.Custodian.EncryptedKeyPath,
		KeyPassword:      cfg.Custodian.KeyPassword,
	})
	if err != nil {
		return nil, service.Custodian{}, nil, err
	}
	signer := crypto.NewSigner(key)
	want := common.HexToAddress(cfg.Custodian.Address)
	if signer.Address() != want {
		return nil, service.Custodian{}, nil, fmt.Errorf("custodian key controls %s, config says %s", signer.Address().Hex(), want.Hex())
	}

	parsed, err := ledger.LoadABI(cfg.Chain.ABIPath)
	if err != nil {
		return nil, service.Custodian{}, nil, err
	}
	client, rc, err := ledger.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, service.Custodian{}, nil, err
	}

	var chainID *big.Int
	if cfg.Chain.ChainID > 0 {
		chainID = big.NewInt(cfg.Chain.ChainID)
	}
	gw, err := ledger.NewGateway(ctx, client, rc, parsed, ledger.Options{
		ContractAddress:     common.HexToAddress(cfg.Chain.ContractAddress),
		ChainID:             chainID,
		GasLimitBuy:         cfg.Chain.GasLimitBuy,
		GasLimitRegister:    cfg.Chain.GasLimitRegister,
		GasLimitTransfer:    cfg.Chain.GasLimitTransfer,
		GasLimitPayment:     cfg.Chain.GasLimitPayment,
		ReceiptTimeout:      cfg.Chain.ReceiptTimeout.Duration,
		ReceiptPollInterval: cfg.Chain.ReceiptPollInterval.Duration,
		SenderLockTTL:       cfg.Chain.SenderLockTTL.Duration,
	}, locks, logger)
	if err != nil {
		rc.Close()
		return nil, service.Custodian{}, nil, err
	}

	logger.InfoContext(ctx, "ledger gateway ready",
		slog.String("contract", gw.ContractAddress().Hex()),
		slog.String("chain_id", gw.ChainID().String()),
		slog.String("custodian", signer.Address().Hex()),
	)
	return gw, service.Custodian{Address: signer.Address(), Signer: signer}, rc.Close, nil
}
