package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// PriceChannel carries a snapshot of every refreshed quote.
const PriceChannel = "prices"

// PriceService maintains simulated region quotes around the static base
// price table. Quotes are kept in the price cache when one is configured and
// in memory otherwise.
type PriceService struct {
	cache      domain.PriceCache
	bus        domain.SignalBus
	volatility float64
	rand       func() float64
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.RWMutex
	latest map[string]domain.RegionQuote
}

// NewPriceService creates a PriceService. cache and bus may be nil.
// volatilityPct is the maximum absolute percent move per refresh.
func NewPriceService(cache domain.PriceCache, bus domain.SignalBus, volatilityPct float64, logger *slog.Logger) *PriceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceService{
		cache:      cache,
		bus:        bus,
		volatility: volatilityPct,
		rand:       rand.Float64,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "price_service")),
		latest:     make(map[string]domain.RegionQuote, len(domain.Regions)),
	}
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// ethPerCredit converts a USD price to ETH per credit.
func ethPerCredit(price float64) float64 {
	return round(price/10, 4)
}

func baseQuote(r domain.Region) domain.RegionQuote {
	return domain.RegionQuote{
		Region:       r.Name,
		Price:        r.BasePrice,
		EthPerCredit: ethPerCredit(r.BasePrice),
	}
}

// Quotes returns the latest quote for every region in table order. Regions
// with no stored quote report their base price.
func (s *PriceService) Quotes(ctx context.Context) []domain.RegionQuote {
	names := make([]string, len(domain.Regions))
	for i, r := range domain.Regions {
		names[i] = r.Name
	}

	var cached map[string]domain.RegionQuote
	if s.cache != nil {
		var err error
		cached, err = s.cache.GetQuotes(ctx, names)
		if err != nil {
			s.logger.WarnContext(ctx, "price cache read failed, using local quotes",
				slog.String("error", err.Error()),
			)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RegionQuote, 0, len(domain.Regions))
	for _, r := range domain.Regions {
		if q, ok := cached[r.Name]; ok {
			out = append(out, q)
		} else if q, ok := s.latest[r.Name]; ok {
			out = append(out, q)
		} else {
			out = append(out, baseQuote(r))
		}
	}
	return out
}

// Quote returns the latest quote for one region.
func (s *PriceService) Quote(ctx context.Context, region string) (domain.RegionQuote, error) {
	r, ok := domain.LookupRegion(region)
	if !ok {
		return domain.RegionQuote{}, fmt.Errorf("price_service: region %q: %w", region, domain.ErrNotFound)
	}
	if s.cache != nil {
		q, err := s.cache.GetQuote(ctx, region)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "price cache read failed",
				slog.String("region", region),
				slog.String("error", err.Error()),
			)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.latest[region]; ok {
		return q, nil
	}
	return baseQuote(r), nil
}

// Refresh perturbs every base price by a uniform move in
// [-volatility, +volatility] percent and stores the new quotes.
func (s *PriceService) Refresh(ctx context.Context) ([]domain.RegionQuote, error) {
	now := s.now().UTC()
	quotes := make([]domain.RegionQuote, 0, len(domain.Regions))
	for _, r := range domain.Regions {
		change := round((s.rand()*2-1)*s.volatility, 2)
		price := round(r.BasePrice*(1+change/100), 2)
		quotes = append(quotes, domain.RegionQuote{
			Region:       r.Name,
			Price:        price,
			EthPerCredit: ethPerCredit(price),
			Change:       change,
			UpdatedAt:    now,
		})
	}

	s.mu.Lock()
	for _, q := range quotes {
		s.latest[q.Region] = q
	}
	s.mu.Unlock()

	if s.cache != nil {
		for _, q := range quotes {
			if err := s.cache.SetQuote(ctx, q); err != nil {
				return quotes, fmt.Errorf("price_service: set quote for %q: %w", q.Region, err)
			}
		}
	}

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":     "prices",
			"quotes":    quotes,
			"timestamp": now.Format(time.RFC3339Nano),
		})
		if err := s.bus.Publish(ctx, PriceChannel, evt); err != nil {
			s.logger.WarnContext(ctx, "failed to publish price update", slog.String("error", err.Error()))
		}
	}
	return quotes, nil
}

// Run refreshes quotes every interval until ctx is cancelled.
func (s *PriceService) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.WarnContext(ctx, "price refresh failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.WarnContext(ctx, "price refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// EstimateCredits returns how many credits eth buys in region at the base
// price: eth / (price / 10).
func EstimateCredits(region string, eth string) (float64, error) {
	r, ok := domain.LookupRegion(region)
	if !ok {
		return 0, &domain.ValidationError{Fields: []string{"region"}, Reason: "unknown region"}
	}
	amount, err := strconv.ParseFloat(eth, 64)
	if err != nil || amount <= 0 || math.IsInf(amount, 0) || math.IsNaN(amount) {
		return 0, &domain.ValidationError{Fields: []string{"ethAmount"}, Reason: "invalid amount"}
	}
	return amount / (r.BasePrice / 10), nil
}

// Estimate is EstimateCredits against the region's current quote rather
// than its base price.
func (s *PriceService) Estimate(ctx context.Context, region string, eth string) (float64, error) {
	if _, err := EstimateCredits(region, eth); err != nil {
		return 0, err
	}
	q, err := s.Quote(ctx, region)
	if err != nil {
		return 0, err
	}
	if q.EthPerCredit <= 0 {
		return 0, fmt.Errorf("price_service: region %q has no price", region)
	}
	amount, _ := strconv.ParseFloat(eth, 64)
	return amount / q.EthPerCredit, nil
}
