package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/greenledger/internal/crypto"
	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/alanyoungcy/greenledger/internal/server/handler"
	"github.com/alanyoungcy/greenledger/internal/server/middleware"
	"github.com/alanyoungcy/greenledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimitPerMin caps requests per client IP; 0 disables limiting.
	RateLimitPerMin int
	// OperatorKey signs settlement recovery requests. When empty the
	// operator routes are not registered.
	OperatorKey string
	// WriteTimeout must cover a sell's two receipt waits. Zero means 3m.
	WriteTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Companies   *handler.CompanyHandler
	Settlements *handler.SettlementHandler
	Prices      *handler.PriceHandler
}

// Server is the GreenLedger HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain:
// CORS, then logging, then rate limiting and auth. Operator routes also
// require an HMAC signature.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	mux.HandleFunc("POST /api/register", handlers.Companies.Register)
	mux.HandleFunc("GET /api/company/{address}", handlers.Companies.GetCompany)

	mux.HandleFunc("POST /api/buy", handlers.Settlements.Buy)
	mux.HandleFunc("POST /api/sell", handlers.Settlements.Sell)
	mux.HandleFunc("GET /api/transactions", handlers.Settlements.ListTransactions)

	mux.HandleFunc("GET /api/prices", handlers.Prices.ListPrices)
	mux.HandleFunc("GET /api/prices/estimate", handlers.Prices.Estimate)

	if cfg.OperatorKey != "" {
		op := middleware.Operator(&crypto.OperatorAuth{Secret: cfg.OperatorKey})
		mux.Handle("GET /api/settlements/stranded", op(http.HandlerFunc(handlers.Settlements.ListStranded)))
		mux.Handle("POST /api/settlements/{id}/retry", op(http.HandlerFunc(handlers.Settlements.RetrySettlement)))
	} else {
		logger.Warn("server: operator key not set, settlement recovery routes disabled")
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Minute
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Handler exposes the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
