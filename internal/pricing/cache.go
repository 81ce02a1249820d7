package pricing

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const priceKey = "pricing:ethusd"

// Cached wraps an Oracle with a short-TTL Redis cache so request handlers do
// not hit the upstream quote source on every listing read.
type Cached struct {
	inner  Oracle
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached builds the caching decorator.
func NewCached(inner Oracle, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Cached {
	return &Cached{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

// ETHUSDPrice serves the cached quote when fresh, falling through to the
// wrapped oracle otherwise. Cache failures degrade to the inner oracle.
func (c *Cached) ETHUSDPrice(ctx context.Context) (float64, error) {
	if cached, err := c.cache.Get(ctx, priceKey).Result(); err == nil {
		if price, err := strconv.ParseFloat(cached, 64); err == nil {
			return price, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("price cache lookup failed", "error", err)
	}

	price, err := c.inner.ETHUSDPrice(ctx)
	if err != nil {
		return 0, err
	}

	if err := c.cache.Set(ctx, priceKey, strconv.FormatFloat(price, 'f', -1, 64), c.ttl).Err(); err != nil {
		c.logger.Warn("price cache store failed", "error", err)
	}
	return price, nil
}
