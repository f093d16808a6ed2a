package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange/fake"
	"github.com/mvg-fi-dev/mrmarket/internal/tracker"
)

func TestManagerStartAndStop(t *testing.T) {
	venue := fake.New()
	venue.SeedTicker("BTC/USDT", "49990", "50010")
	sub := &recordingSubmitter{}
	orders := tracker.NewRegistry()
	m := NewManager(exchange.NewRegistry(venue), sub, orders, DefaultParams, nil)
	defer m.Close()

	order := testOrder()
	require.NoError(t, m.StartQuoter(context.Background(), order))
	require.True(t, m.Running(order.OrderID))
	require.Equal(t, []string{"fake:BTC/USDT"}, sub.resumed)

	// Restarting a running order is a no-op.
	require.NoError(t, m.StartQuoter(context.Background(), order))
	require.Equal(t, []string{"fake:BTC/USDT"}, sub.resumed)

	orders.Upsert(tracker.Order{
		ExchangeOrderID: "open-1",
		StrategyKey:     "fake:BTC/USDT",
		Status:          tracker.StatusOpen,
	})
	require.NoError(t, m.StopQuoter(context.Background(), order.OrderID))
	require.False(t, m.Running(order.OrderID))

	intents := sub.intents()
	require.Len(t, intents, 2)
	require.Equal(t, intentstore.TypeCancelOrder, intents[0].Type)
	require.Equal(t, "open-1", intents[0].ExchangeOrderID)
	require.Equal(t, intentstore.TypeStopExecutor, intents[1].Type)
	require.Equal(t, "fake:BTC/USDT", intents[1].StrategyKey)

	// Stopping an unknown order is a no-op.
	require.NoError(t, m.StopQuoter(context.Background(), "missing"))
	require.Len(t, sub.intents(), 2)
}

func TestManagerRejectsBadParams(t *testing.T) {
	venue := fake.New()
	m := NewManager(exchange.NewRegistry(venue), &recordingSubmitter{}, tracker.NewRegistry(), DefaultParams, nil)
	defer m.Close()

	order := testOrder()
	order.StrategyParams = []byte(`{"orderSize":"bogus"}`)
	require.Error(t, m.StartQuoter(context.Background(), order))
	require.False(t, m.Running(order.OrderID))
}

func TestManagerRejectsUnknownVenue(t *testing.T) {
	m := NewManager(exchange.NewRegistry(), &recordingSubmitter{}, tracker.NewRegistry(), DefaultParams, nil)
	defer m.Close()

	order := testOrder()
	order.Exchange = "nowhere"
	require.Error(t, m.StartQuoter(context.Background(), order))
}
