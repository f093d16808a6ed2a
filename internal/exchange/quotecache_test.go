package exchange_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange/fake"
)

func TestQuoteCacheServesFreshStreamedQuote(t *testing.T) {
	venue := fake.New()
	venue.SeedTicker("BTC/USDT", "49000", "49010")
	cache := exchange.NewQuoteCache(venue, time.Minute)

	cache.Put(exchange.Ticker{Pair: "BTC/USDT", Bid: "50000", Ask: "50010", Timestamp: time.Now()})

	got, err := cache.Ticker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, "50000", got.Bid)
	require.Zero(t, venue.CallCount("Ticker"))
}

func TestQuoteCacheFallsBackWhenStale(t *testing.T) {
	venue := fake.New()
	venue.SeedTicker("BTC/USDT", "49000", "49010")
	cache := exchange.NewQuoteCache(venue, time.Minute)

	cache.Put(exchange.Ticker{Pair: "BTC/USDT", Bid: "50000", Ask: "50010", Timestamp: time.Now().Add(-2 * time.Minute)})

	got, err := cache.Ticker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, "49000", got.Bid)
	require.Equal(t, 1, venue.CallCount("Ticker"))
}

func TestQuoteCacheFallsBackOnUnknownPair(t *testing.T) {
	venue := fake.New()
	venue.SeedTicker("ETH/USDT", "3000", "3001")
	cache := exchange.NewQuoteCache(venue, time.Minute)

	got, err := cache.Ticker(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	require.Equal(t, "3000", got.Bid)

	// Incomplete streamed quotes are dropped.
	cache.Put(exchange.Ticker{Pair: "ETH/USDT", Bid: "", Ask: "3002"})
	got, err = cache.Ticker(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	require.Equal(t, "3000", got.Bid)
}
