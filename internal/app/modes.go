package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/greenledger/internal/server"
	"github.com/alanyoungcy/greenledger/internal/server/handler"
	"github.com/alanyoungcy/greenledger/internal/server/ws"
	"github.com/alanyoungcy/greenledger/internal/service"
)

// services are the domain services shared by the chain-facing modes.
type services struct {
	prices      *service.PriceService
	settlements *service.SettlementService
	companies   *service.CompanyService
}

func (a *App) buildServices(deps *Dependencies) services {
	prices := service.NewPriceService(deps.PriceCache, deps.SignalBus, a.cfg.Pricing.VolatilityPct, a.logger)
	settlements := service.NewSettlementService(service.SettlementDeps{
		Chain:       deps.Gateway,
		Custodian:   deps.Custodian,
		Txs:         deps.TransactionStore,
		Settlements: deps.SettlementStore,
		Audit:       deps.AuditStore,
		Prices:      prices,
		Archiver:    deps.Archiver,
		Notifier:    deps.Notifier,
		Bus:         deps.SignalBus,
		Events:      deps.EventLog,
		Locks:       deps.LockManager,
		TokenURI:    a.cfg.Chain.TokenURI,
		SagaTimeout: 2*a.cfg.Chain.ReceiptTimeout.Duration + 30*time.Second,
		StaleAfter:  a.cfg.Reconcile.StaleAfter.Duration,
		Logger:      a.logger,
	})
	companies := service.NewCompanyService(deps.Gateway, deps.CompanyStore, deps.AuditStore, a.logger)
	return services{prices: prices, settlements: settlements, companies: companies}
}

func (a *App) newReconciler(svcs services) *service.Reconciler {
	return service.NewReconciler(
		svcs.settlements,
		a.cfg.Reconcile.StaleAfter.Duration,
		a.cfg.Reconcile.AutoRetry,
		a.logger,
	)
}

// ServerMode serves the HTTP API and WebSocket hub and refreshes prices.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)
	a.startPriceRefresher(ctx, g, svcs.prices)
	a.startHTTPServer(ctx, g, deps, svcs)
	return ignoreCanceled(g.Wait())
}

// ReconcileMode runs only the stranded-settlement reconciler.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode",
		slog.Duration("interval", a.cfg.Reconcile.Interval.Duration),
		slog.Bool("auto_retry", a.cfg.Reconcile.AutoRetry),
	)
	rec := a.newReconciler(a.buildServices(deps))
	return ignoreCanceled(rec.Run(ctx, a.cfg.Reconcile.Interval.Duration))
}

// ArchiveMode copies ledger rows older than the retention window to object
// storage once and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: archive mode requires s3")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	a.logger.InfoContext(ctx, "starting archive mode", slog.Time("before", cutoff))

	n, err := deps.Archiver.ArchiveTransactions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("app: archive: %w", err)
	}
	a.logger.InfoContext(ctx, "archive complete", slog.Int64("rows", n))
	return nil
}

// FullMode runs the server and the reconciler in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)
	a.startPriceRefresher(ctx, g, svcs.prices)
	a.startHTTPServer(ctx, g, deps, svcs)

	rec := a.newReconciler(svcs)
	g.Go(func() error {
		return rec.Run(ctx, a.cfg.Reconcile.Interval.Duration)
	})
	return ignoreCanceled(g.Wait())
}

func (a *App) startPriceRefresher(ctx context.Context, g *errgroup.Group, prices *service.PriceService) {
	interval := a.cfg.Pricing.RefreshInterval.Duration
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		return prices.Run(ctx, interval)
	})
}

// startHTTPServer adds the WebSocket hub, the HTTP server and its graceful
// shutdown to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs services) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, deps.EventLog, a.logger, ws.Config{
			Channels:       []string{service.SettlementChannel, service.PriceChannel},
			ReplayStream:   service.SettlementStream,
			ReplayCount:    50,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	custodian := ""
	if deps.Custodian.Signer != nil {
		custodian = deps.Custodian.Address.Hex()
	}
	status := &handler.StatusHandler{
		Mode:      a.cfg.Mode,
		Custodian: custodian,
		StartedAt: time.Now().UTC(),
	}
	if deps.Gateway != nil {
		status.ChainID = deps.Gateway.ChainID().String()
		status.Contract = deps.Gateway.ContractAddress().Hex()
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
		OperatorKey:     a.cfg.Server.OperatorRoutesKey,
		WriteTimeout:    2*a.cfg.Chain.ReceiptTimeout.Duration + 30*time.Second,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(deps.Health, a.logger),
		Status:      status,
		Companies:   handler.NewCompanyHandler(svcs.companies, a.logger),
		Settlements: handler.NewSettlementHandler(svcs.settlements, a.logger),
		Prices:      handler.NewPriceHandler(svcs.prices, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// ignoreCanceled treats a cancelled context as a clean stop.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
