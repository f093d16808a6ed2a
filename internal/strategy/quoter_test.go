package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange/fake"
	"github.com/mvg-fi-dev/mrmarket/internal/tracker"
)

type recordingSubmitter struct {
	mu        sync.Mutex
	submitted []intentstore.Intent
	resumed   []string
}

func (r *recordingSubmitter) Submit(_ context.Context, in intentstore.Intent) (intentstore.Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in.IntentID == "" {
		in.IntentID = fmt.Sprintf("i-%d", len(r.submitted)+1)
	}
	r.submitted = append(r.submitted, in)
	return in, nil
}

func (r *recordingSubmitter) ResumeStrategy(strategyKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, strategyKey)
}

func (r *recordingSubmitter) intents() []intentstore.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]intentstore.Intent, len(r.submitted))
	copy(out, r.submitted)
	return out
}

func testOrder() orderstore.Order {
	return orderstore.Order{
		OrderID:  "ord-1",
		TraceID:  "trace-1",
		Exchange: "fake",
		Pair:     "BTC/USDT",
	}
}

func testQuoter(t *testing.T, params Params, venue *fake.Venue, sub *recordingSubmitter, orders *tracker.Registry) *quoter {
	t.Helper()
	parsed, err := ParseParams(nil, params)
	require.NoError(t, err)
	return newQuoter(testOrder(), parsed, venue, sub, orders, slog.Default())
}

func TestQuotePlacesLayeredQuotes(t *testing.T) {
	venue := fake.New()
	venue.SeedTicker("BTC/USDT", "49990", "50010")
	sub := &recordingSubmitter{}
	q := testQuoter(t, Params{SpreadBps: 20, Layers: 2, LayerStepBps: 10, OrderSize: "0.01", RefreshSec: 1}, venue, sub, tracker.NewRegistry())

	require.NoError(t, q.quote(context.Background()))

	intents := sub.intents()
	require.Len(t, intents, 4)
	type leg struct{ side, price string }
	got := make([]leg, 0, 4)
	for _, in := range intents {
		require.Equal(t, intentstore.TypeCreateLimitOrder, in.Type)
		require.Equal(t, "fake:BTC/USDT", in.StrategyKey)
		require.Equal(t, "ord-1", in.OrderID)
		require.Equal(t, "0.01", in.Qty)
		got = append(got, leg{in.Side, in.Price})
	}
	require.Equal(t, []leg{
		{"buy", "49900"},
		{"sell", "50100"},
		{"buy", "49850"},
		{"sell", "50150"},
	}, got)
}

func TestQuoteSkipsWhenMidIsStable(t *testing.T) {
	venue := fake.New()
	venue.SeedTicker("BTC/USDT", "49990", "50010")
	sub := &recordingSubmitter{}
	q := testQuoter(t, Params{SpreadBps: 20, Layers: 1, OrderSize: "0.01", RefreshSec: 1}, venue, sub, tracker.NewRegistry())

	require.NoError(t, q.quote(context.Background()))
	first := len(sub.intents())
	require.NoError(t, q.quote(context.Background()))
	require.Len(t, sub.intents(), first)

	// A move inside the threshold still does not requote.
	venue.SeedTicker("BTC/USDT", "49992", "50012")
	require.NoError(t, q.quote(context.Background()))
	require.Len(t, sub.intents(), first)
}

func TestQuoteRequotesAfterMidMoves(t *testing.T) {
	venue := fake.New()
	venue.SeedTicker("BTC/USDT", "49990", "50010")
	sub := &recordingSubmitter{}
	q := testQuoter(t, Params{SpreadBps: 20, Layers: 1, OrderSize: "0.01", RefreshSec: 1}, venue, sub, tracker.NewRegistry())

	require.NoError(t, q.quote(context.Background()))
	first := len(sub.intents())

	// 20 bps move beats the default half-spread threshold of 10 bps.
	venue.SeedTicker("BTC/USDT", "50090", "50110")
	require.NoError(t, q.quote(context.Background()))
	require.Greater(t, len(sub.intents()), first)
}

func TestGuardsSuppressQuotesPastBounds(t *testing.T) {
	venue := fake.New()
	venue.SeedTicker("BTC/USDT", "49990", "50010")
	sub := &recordingSubmitter{}
	q := testQuoter(t, Params{
		SpreadBps: 20, Layers: 1, OrderSize: "0.01", RefreshSec: 1,
		PriceFloor:   "49950",
		PriceCeiling: "50050",
	}, venue, sub, tracker.NewRegistry())

	require.NoError(t, q.quote(context.Background()))

	// Buy at 49900 breaches the floor, sell at 50100 breaches the ceiling.
	require.Empty(t, sub.intents())
}

func TestQuoteCancelsStaleQuotesFirst(t *testing.T) {
	venue := fake.New()
	venue.SeedTicker("BTC/USDT", "49990", "50010")
	orders := tracker.NewRegistry()
	orders.Upsert(tracker.Order{
		ExchangeOrderID: "stale-1",
		StrategyKey:     "fake:BTC/USDT",
		Status:          tracker.StatusOpen,
	})
	sub := &recordingSubmitter{}
	q := testQuoter(t, Params{SpreadBps: 20, Layers: 1, OrderSize: "0.01", RefreshSec: 1}, venue, sub, orders)

	require.NoError(t, q.quote(context.Background()))

	intents := sub.intents()
	require.GreaterOrEqual(t, len(intents), 3)
	require.Equal(t, intentstore.TypeCancelOrder, intents[0].Type)
	require.Equal(t, "stale-1", intents[0].ExchangeOrderID)
}

func TestParseParamsAppliesDefaults(t *testing.T) {
	params, err := ParseParams(nil, DefaultParams)
	require.NoError(t, err)
	require.Equal(t, DefaultParams.SpreadBps, params.SpreadBps)
	require.Equal(t, DefaultParams.OrderSize, params.OrderSize)
	require.Equal(t, DefaultParams.SpreadBps/2, params.RequoteThresholdBps)

	params, err = ParseParams([]byte(`{"spreadBps":50,"layers":3,"orderSize":"0.5"}`), DefaultParams)
	require.NoError(t, err)
	require.Equal(t, 50, params.SpreadBps)
	require.Equal(t, 3, params.Layers)
	require.Equal(t, "0.5", params.OrderSize)
	require.Equal(t, 25, params.RequoteThresholdBps)
}

func TestParseParamsRejectsBadValues(t *testing.T) {
	_, err := ParseParams([]byte(`{"orderSize":"not-a-number"}`), DefaultParams)
	require.Error(t, err)

	_, err = ParseParams([]byte(`{"priceFloor":"nope"}`), DefaultParams)
	require.Error(t, err)

	_, err = ParseParams([]byte(`{broken`), DefaultParams)
	require.Error(t, err)
}
