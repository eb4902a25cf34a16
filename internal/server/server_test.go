package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/alanyoungcy/greenledger/internal/server/handler"
)

type nopSettlements struct{}

func (nopSettlements) Buy(context.Context, domain.BuyRequest) (domain.BuyResult, error) {
	return domain.BuyResult{}, nil
}

func (nopSettlements) Sell(context.Context, domain.SellRequest) (domain.SellResult, error) {
	return domain.SellResult{}, nil
}

func (nopSettlements) ListTransactions(context.Context, string, domain.ListOpts) ([]domain.LedgerTransaction, error) {
	return nil, nil
}

func (nopSettlements) ListStranded(context.Context, time.Time) ([]domain.SellSettlement, error) {
	return nil, nil
}

func (nopSettlements) RetrySettlement(context.Context, string) (domain.SellResult, error) {
	return domain.SellResult{}, nil
}

type nopCompanies struct{}

func (nopCompanies) Register(context.Context, domain.RegisterRequest) (domain.CompanyRecord, error) {
	return domain.CompanyRecord{}, nil
}

func (nopCompanies) GetCompany(context.Context, string) (domain.CompanyInfo, error) {
	return domain.CompanyInfo{}, domain.ErrNotFound
}

type nopPrices struct{}

func (nopPrices) Quotes(context.Context) []domain.RegionQuote { return nil }

func (nopPrices) Estimate(context.Context, string, string) (float64, error) { return 0, nil }

func newTestServer(cfg Config) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, Handlers{
		Health:      handler.NewHealthHandler(nil, logger),
		Status:      &handler.StatusHandler{Mode: "server", StartedAt: time.Now()},
		Companies:   handler.NewCompanyHandler(nopCompanies{}, logger),
		Settlements: handler.NewSettlementHandler(nopSettlements{}, logger),
		Prices:      handler.NewPriceHandler(nopPrices{}, logger),
	}, nil, nil, logger).Handler()
}

func do(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Routes(t *testing.T) {
	h := newTestServer(Config{APIKey: "k"})
	auth := map[string]string{"X-API-Key": "k"}

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/prices", nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/prices", auth).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", auth).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/company/0xabc", auth).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/api/buy", auth).Code)

	rec := do(h, http.MethodGet, "/api/prices", auth)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_OperatorRoutesNeedKey(t *testing.T) {
	auth := map[string]string{"X-API-Key": "k"}

	h := newTestServer(Config{APIKey: "k"})
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/api/settlements/s-1/retry", auth).Code)

	h = newTestServer(Config{APIKey: "k", OperatorKey: "ops"})
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/api/settlements/s-1/retry", auth).Code)
}

func TestServer_Preflight(t *testing.T) {
	h := newTestServer(Config{APIKey: "k", CORSOrigins: []string{"https://dash.example"}})
	rec := do(h, http.MethodOptions, "/api/buy", map[string]string{"Origin": "https://dash.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
