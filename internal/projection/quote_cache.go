package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/quantmesh/lobcore/internal/book"
	"github.com/quantmesh/lobcore/pkg/cache"
	"github.com/quantmesh/lobcore/pkg/logger"
)

// quoteTTL bounds how stale a cached quote may serve before a reader
// falls back to the live book; maintenance never touches this key, it
// simply expires and is repopulated on the next update.
const quoteTTL = 5 * time.Second

// Quote is the cached best-bid/best-ask view for one symbol.
type Quote struct {
	Symbol      string `json:"symbol"`
	BestBid     string `json:"best_bid"`
	BestAsk     string `json:"best_ask"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
	UpdateSeqNo uint64 `json:"update_sequence"`
}

func quoteKey(symbol string) string { return "lob:quote:" + symbol }

// QuoteCache keeps a Redis read-through projection of each symbol's
// best bid/ask, refreshed synchronously on every book mutation.
type QuoteCache struct {
	redis *cache.RedisCache
}

// NewQuoteCache wraps an already-connected *cache.RedisCache.
func NewQuoteCache(redis *cache.RedisCache) *QuoteCache {
	return &QuoteCache{redis: redis}
}

// Refresh writes bk's current best bid/ask to the cache. It is cheap
// enough to call directly from an OrderBook.SubscribeUpdates callback.
func (q *QuoteCache) Refresh(ctx context.Context, bk book.OrderBook, nowNano int64) error {
	quote := Quote{
		Symbol:      bk.Symbol(),
		BestBid:     bk.BestBidPrice().String(),
		BestAsk:     bk.BestAskPrice().String(),
		UpdatedAtNs: nowNano,
		UpdateSeqNo: bk.UpdateSequence(),
	}
	if err := q.redis.SetJSON(ctx, quoteKey(bk.Symbol()), quote, quoteTTL); err != nil {
		return fmt.Errorf("projection: cache quote for %s: %w", bk.Symbol(), err)
	}
	return nil
}

// Get reads the cached quote for symbol, if present and unexpired.
func (q *QuoteCache) Get(ctx context.Context, symbol string) (Quote, error) {
	var quote Quote
	if err := q.redis.GetJSON(ctx, quoteKey(symbol), &quote); err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// Subscriber returns a book.Subscriber that refreshes the cache after
// every mutation, logging (not propagating) a cache failure: the cache
// is a convenience read path, never a dependency of the book itself.
func (q *QuoteCache) Subscriber(ctx context.Context, bk book.OrderBook) book.Subscriber {
	return func(u book.Update) {
		if err := q.Refresh(ctx, bk, time.Now().UnixNano()); err != nil {
			logger.Error(ctx, "quote cache refresh failed", "symbol", u.Symbol, "error", err)
		}
	}
}
