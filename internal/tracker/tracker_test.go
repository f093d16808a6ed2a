package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange/fake"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/persistence/memory"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"NEW":              StatusOpen,
		"new":              StatusOpen,
		"PARTIALLY_FILLED": StatusPartiallyFilled,
		"FILLED":           StatusFilled,
		"closed":           StatusFilled,
		"CANCELED":         StatusCancelled,
		"cancelled":        StatusCancelled,
		"REJECTED":         StatusFailed,
		"":                 StatusFailed,
	}
	for vendor, want := range cases {
		require.Equal(t, want, NormalizeStatus(vendor), "vendor %q", vendor)
	}
}

func TestRegistryCountsAndOpenOrders(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Order{ExchangeOrderID: "a", StrategyKey: "s1", Status: StatusOpen})
	r.Upsert(Order{ExchangeOrderID: "b", StrategyKey: "s1", Status: StatusPartiallyFilled})
	r.Upsert(Order{ExchangeOrderID: "c", StrategyKey: "s1", Status: StatusFilled})
	r.Upsert(Order{ExchangeOrderID: "d", StrategyKey: "s2", Status: StatusOpen})

	require.Equal(t, 4, r.CountAll())
	require.Equal(t, 2, r.CountOpen("s1"))
	require.Equal(t, 3, r.CountOpen(""))

	open := r.OpenOrders("s1")
	require.Len(t, open, 2)
	require.Equal(t, "a", open[0].ExchangeOrderID)
	require.Equal(t, "b", open[1].ExchangeOrderID)
}

func TestUpsertReplacesExisting(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Order{ExchangeOrderID: "a", Status: StatusOpen, Filled: "0"})
	r.Upsert(Order{ExchangeOrderID: "a", Status: StatusFilled, Filled: "1.5"})

	got, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, StatusFilled, got.Status)
	require.Equal(t, "1.5", got.Filled)
	require.Equal(t, 1, r.CountAll())
}

func TestApplyEmitsOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	outbox := memory.NewOutboxStore()
	monitor := NewMonitor(registry, nil, outbox, nil)

	tracked := Order{
		ExchangeOrderID: "ex-1",
		StrategyKey:     "mexc:BTC/USDT",
		Exchange:        "mexc",
		Pair:            "BTC/USDT",
		Status:          StatusOpen,
		Filled:          "0",
		Remaining:       "1",
	}
	registry.Upsert(tracked)

	// Same status and fills, no event.
	err := monitor.Apply(ctx, tracked, exchange.OrderSnapshot{
		ExchangeOrderID: "ex-1", Status: "NEW", Filled: "0", Remaining: "1",
	})
	require.NoError(t, err)
	records, err := outbox.ListEvents(ctx, outboxstore.Query{Topics: []string{TopicOrderStatusChanged}})
	require.NoError(t, err)
	require.Empty(t, records)

	// Fill moved, one event.
	err = monitor.Apply(ctx, tracked, exchange.OrderSnapshot{
		ExchangeOrderID: "ex-1", Status: "PARTIALLY_FILLED", Filled: "0.4", Remaining: "0.6",
	})
	require.NoError(t, err)
	records, err = outbox.ListEvents(ctx, outboxstore.Query{Topics: []string{TopicOrderStatusChanged}})
	require.NoError(t, err)
	require.Len(t, records, 1)

	got, ok := registry.Get("ex-1")
	require.True(t, ok)
	require.Equal(t, StatusPartiallyFilled, got.Status)
	require.Equal(t, "0.4", got.Filled)
}

func TestOnTickSweepsOpenOrders(t *testing.T) {
	ctx := context.Background()
	venue := fake.New()
	registry := NewRegistry()
	outbox := memory.NewOutboxStore()
	monitor := NewMonitor(registry, exchange.NewRegistry(venue), outbox, nil)

	placed, err := venue.PlaceLimitOrder(ctx, exchange.LimitOrderRequest{Pair: "BTC/USDT", Side: exchange.SideBuy, Price: "50000", Qty: "1"})
	require.NoError(t, err)
	registry.Upsert(Order{
		ExchangeOrderID: placed.ExchangeOrderID,
		StrategyKey:     "fake:BTC/USDT",
		Exchange:        "fake",
		Pair:            "BTC/USDT",
		Status:          StatusOpen,
	})

	venue.SetOrderStatus(placed.ExchangeOrderID, "FILLED", "1", "50000")
	require.NoError(t, monitor.OnTick(ctx, time.Now()))

	got, ok := registry.Get(placed.ExchangeOrderID)
	require.True(t, ok)
	require.Equal(t, StatusFilled, got.Status)
	require.True(t, monitor.Healthy())
}

func TestHealthyReadableDuringTicks(t *testing.T) {
	ctx := context.Background()
	venue := fake.New()
	registry := NewRegistry()
	monitor := NewMonitor(registry, exchange.NewRegistry(venue), memory.NewOutboxStore(), nil)

	placed, err := venue.PlaceLimitOrder(ctx, exchange.LimitOrderRequest{Pair: "BTC/USDT", Side: exchange.SideBuy, Price: "50000", Qty: "1"})
	require.NoError(t, err)
	registry.Upsert(Order{
		ExchangeOrderID: placed.ExchangeOrderID,
		Exchange:        "fake",
		Pair:            "BTC/USDT",
		Status:          StatusOpen,
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = monitor.Healthy()
			}
		}
	}()
	for i := 0; i < 100; i++ {
		require.NoError(t, monitor.OnTick(ctx, time.Now()))
	}
	close(stop)
	wg.Wait()
	require.True(t, monitor.Healthy())
}

func TestRebuildPrefersLiveRegistry(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	outbox := memory.NewOutboxStore()
	monitor := NewMonitor(registry, nil, outbox, nil)

	registry.Upsert(Order{ExchangeOrderID: "live-1", StrategyKey: "s1", Status: StatusOpen})

	rebuilt, err := monitor.RebuildOpenOrders(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	require.Equal(t, "live-1", rebuilt[0].ExchangeOrderID)
}

func TestRebuildReplaysOutboxWhenRegistryEmpty(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	outbox := memory.NewOutboxStore()
	monitor := NewMonitor(registry, nil, outbox, nil)

	seed := Order{
		ExchangeOrderID: "ex-9",
		StrategyKey:     "s1",
		Exchange:        "mexc",
		Pair:            "BTC/USDT",
		Status:          StatusOpen,
	}
	registry.Upsert(seed)
	require.NoError(t, monitor.Apply(ctx, seed, exchange.OrderSnapshot{
		ExchangeOrderID: "ex-9", Status: "PARTIALLY_FILLED", Filled: "0.2", Remaining: "0.8",
	}))
	require.NoError(t, monitor.Apply(ctx, Order{
		ExchangeOrderID: "ex-10", StrategyKey: "s1", Status: StatusOpen,
	}, exchange.OrderSnapshot{ExchangeOrderID: "ex-10", Status: "CANCELED"}))

	// Fresh process: empty registry, same outbox.
	cold := NewMonitor(NewRegistry(), nil, outbox, nil)
	rebuilt, err := cold.RebuildOpenOrders(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	require.Equal(t, "ex-9", rebuilt[0].ExchangeOrderID)
	require.Equal(t, StatusPartiallyFilled, rebuilt[0].Status)
	require.Equal(t, "0.2", rebuilt[0].Filled)
}

func TestRebuildLatestEventWins(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	outbox := memory.NewOutboxStore()
	monitor := NewMonitor(registry, nil, outbox, nil)

	order := Order{ExchangeOrderID: "ex-1", StrategyKey: "s1", Status: StatusOpen}
	registry.Upsert(order)
	require.NoError(t, monitor.Apply(ctx, order, exchange.OrderSnapshot{
		ExchangeOrderID: "ex-1", Status: "PARTIALLY_FILLED", Filled: "0.5",
	}))
	current, _ := registry.Get("ex-1")
	require.NoError(t, monitor.Apply(ctx, current, exchange.OrderSnapshot{
		ExchangeOrderID: "ex-1", Status: "FILLED", Filled: "1",
	}))

	cold := NewMonitor(NewRegistry(), nil, outbox, nil)
	rebuilt, err := cold.RebuildOpenOrders(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, rebuilt)
}
