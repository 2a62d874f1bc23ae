package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"perpbot/internal/cache"
	"perpbot/internal/domain"
)

type Provider interface {
	Quote(ctx context.Context, market string) (domain.Quote, error)
	Candles(ctx context.Context, market, timeframe string, count int) ([]domain.Candle, error)
	OrderBook(ctx context.Context, market string, depth int) (domain.OrderBook, error)
}

// QuoteCache shares quotes across sessions for a short TTL. Candles and books
// pass through uncached. Every error it returns is MarketDataUnavailable.
type QuoteCache struct {
	upstream Provider
	store    cache.Store
	ttl      time.Duration
	logger   *zap.Logger
}

func NewQuoteCache(upstream Provider, store cache.Store, ttl time.Duration, logger *zap.Logger) *QuoteCache {
	if store == nil {
		store = cache.NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuoteCache{upstream: upstream, store: store, ttl: ttl, logger: logger}
}

func quoteKey(market string) string { return "quote:" + market }

func (c *QuoteCache) Quote(ctx context.Context, market string) (domain.Quote, error) {
	if c.ttl > 0 {
		if raw, ok, err := c.store.Get(ctx, quoteKey(market)); err != nil {
			c.logger.Warn("quote cache read failed", zap.String("market", market), zap.Error(err))
		} else if ok {
			var q domain.Quote
			if err := json.Unmarshal(raw, &q); err == nil {
				return q, nil
			}
		}
	}
	q, err := c.upstream.Quote(ctx, market)
	if err != nil {
		return domain.Quote{}, domain.Failf(domain.ErrMarketDataUnavailable, "quote %s: %w", market, err)
	}
	if q.Mid <= 0 {
		return domain.Quote{}, domain.Failf(domain.ErrMarketDataUnavailable, "quote %s: no price", market)
	}
	if c.ttl > 0 {
		if raw, err := json.Marshal(q); err == nil {
			if err := c.store.Set(ctx, quoteKey(market), raw, c.ttl); err != nil {
				c.logger.Warn("quote cache write failed", zap.String("market", market), zap.Error(err))
			}
		}
	}
	return q, nil
}

// Fresh bypasses the cache so end-of-tick marks use prices fetched after
// every trade of the tick settled.
func (c *QuoteCache) Fresh(ctx context.Context, market string) (domain.Quote, error) {
	if err := c.store.Delete(ctx, quoteKey(market)); err != nil {
		c.logger.Warn("quote cache evict failed", zap.String("market", market), zap.Error(err))
	}
	return c.Quote(ctx, market)
}

// Quotes fetches each distinct market once.
func (c *QuoteCache) Quotes(ctx context.Context, markets []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote, len(markets))
	for _, m := range markets {
		if _, ok := out[m]; ok {
			continue
		}
		q, err := c.Quote(ctx, m)
		if err != nil {
			return nil, err
		}
		out[m] = q
	}
	return out, nil
}

func (c *QuoteCache) Candles(ctx context.Context, market, timeframe string, count int) ([]domain.Candle, error) {
	candles, err := c.upstream.Candles(ctx, market, timeframe, count)
	if err != nil {
		return nil, domain.Failf(domain.ErrMarketDataUnavailable, "candles %s: %w", market, err)
	}
	return candles, nil
}

func (c *QuoteCache) OrderBook(ctx context.Context, market string, depth int) (domain.OrderBook, error) {
	book, err := c.upstream.OrderBook(ctx, market, depth)
	if err != nil {
		return domain.OrderBook{}, domain.Failf(domain.ErrMarketDataUnavailable, "order book %s: %w", market, err)
	}
	return book, nil
}
