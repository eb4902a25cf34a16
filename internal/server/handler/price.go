package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// PriceService defines the methods the price handler requires.
type PriceService interface {
	Quotes(ctx context.Context) []domain.RegionQuote
	Estimate(ctx context.Context, region, eth string) (float64, error)
}

// PriceHandler serves region quotes.
type PriceHandler struct {
	prices PriceService
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices PriceService, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logger}
}

// ListPrices returns the latest quote for every region.
// GET /api/prices
func (h *PriceHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.prices.Quotes(r.Context()))
}

// Estimate returns how many credits an ETH amount buys in a region at the
// current quote.
// GET /api/prices/estimate?region=UK&eth=0.5
func (h *PriceHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	region, eth := q.Get("region"), q.Get("eth")
	credits, err := h.prices.Estimate(r.Context(), region, eth)
	if err != nil {
		writeServiceError(w, r, h.logger, "estimate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region":  region,
		"eth":     eth,
		"credits": credits,
	})
}
