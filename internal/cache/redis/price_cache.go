package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

// quoteTTL bounds how long a quote outlives the refresher that wrote it.
const quoteTTL = 10 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes. Each region's
// quote lives at "quote:{region}" with fields price, eth_per_credit, change
// and ts (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func quoteKey(region string) string {
	return "quote:" + region
}

// SetQuote stores the latest quote for its region.
func (pc *PriceCache) SetQuote(ctx context.Context, q domain.RegionQuote) error {
	key := quoteKey(q.Region)
	fields := map[string]interface{}{
		"price":          strconv.FormatFloat(q.Price, 'f', -1, 64),
		"eth_per_credit": strconv.FormatFloat(q.EthPerCredit, 'f', -1, 64),
		"change":         strconv.FormatFloat(q.Change, 'f', -1, 64),
		"ts":             strconv.FormatInt(q.UpdatedAt.UnixNano(), 10),
	}
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, quoteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Region, err)
	}
	return nil
}

// GetQuote returns the cached quote for region, or domain.ErrNotFound.
func (pc *PriceCache) GetQuote(ctx context.Context, region string) (domain.RegionQuote, error) {
	vals, err := pc.rdb.HGetAll(ctx, quoteKey(region)).Result()
	if err != nil {
		return domain.RegionQuote{}, fmt.Errorf("redis: get quote %s: %w", region, err)
	}
	q, ok := parseQuote(region, vals)
	if !ok {
		return domain.RegionQuote{}, domain.ErrNotFound
	}
	return q, nil
}

// GetQuotes fetches several regions in one pipeline. Regions without a
// usable quote are omitted from the result.
func (pc *PriceCache) GetQuotes(ctx context.Context, regions []string) (map[string]domain.RegionQuote, error) {
	if len(regions) == 0 {
		return map[string]domain.RegionQuote{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(regions))
	for _, r := range regions {
		cmds[r] = pipe.HGetAll(ctx, quoteKey(r))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	out := make(map[string]domain.RegionQuote, len(regions))
	for r, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if q, ok := parseQuote(r, vals); ok {
			out[r] = q
		}
	}
	return out, nil
}

func parseQuote(region string, vals map[string]string) (domain.RegionQuote, bool) {
	if len(vals) == 0 {
		return domain.RegionQuote{}, false
	}
	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return domain.RegionQuote{}, false
	}
	q := domain.RegionQuote{Region: region, Price: price}
	q.EthPerCredit, _ = strconv.ParseFloat(vals["eth_per_credit"], 64)
	q.Change, _ = strconv.ParseFloat(vals["change"], 64)
	if ts, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		q.UpdatedAt = time.Unix(0, ts)
	}
	return q, true
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
