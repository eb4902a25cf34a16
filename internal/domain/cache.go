package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest region quotes.
type PriceCache interface {
	SetQuote(ctx context.Context, q RegionQuote) error
	GetQuote(ctx context.Context, region string) (RegionQuote, error)
	GetQuotes(ctx context.Context, regions []string) (map[string]RegionQuote, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub for settlement events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// StreamMessage is one entry of a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventLog keeps a bounded history of published events.
type EventLog interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRecent(ctx context.Context, stream string, count int64) ([]StreamMessage, error)
}
