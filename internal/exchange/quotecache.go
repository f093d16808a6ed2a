package exchange

import (
	"context"
	"sync"
	"time"
)

// QuoteCache layers streamed top-of-book quotes over a venue. Ticker serves
// the cached quote while it is fresh and falls back to the venue's own
// lookup otherwise, so a dropped stream degrades to polling instead of
// stalling the quote loop.
type QuoteCache struct {
	Exchange

	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	quotes map[string]Ticker
}

// NewQuoteCache wraps venue with a streamed quote cache.
func NewQuoteCache(venue Exchange, maxAge time.Duration) *QuoteCache {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &QuoteCache{
		Exchange: venue,
		maxAge:   maxAge,
		now:      time.Now,
		quotes:   make(map[string]Ticker),
	}
}

// Put stores a streamed quote. It is the ticker stream's handler.
func (c *QuoteCache) Put(t Ticker) {
	if t.Pair == "" || t.Bid == "" || t.Ask == "" {
		return
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = c.now()
	}
	c.mu.Lock()
	c.quotes[t.Pair] = t
	c.mu.Unlock()
}

// Ticker returns the cached quote when fresh, otherwise the venue's.
func (c *QuoteCache) Ticker(ctx context.Context, pair string) (Ticker, error) {
	c.mu.RLock()
	cached, ok := c.quotes[pair]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.Timestamp) <= c.maxAge {
		return cached, nil
	}
	return c.Exchange.Ticker(ctx, pair)
}
