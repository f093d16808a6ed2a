// Package strategy runs the per-order quote loop. Each running order gets a
// quoter that places layered buy and sell quotes around the venue mid price,
// emitting durable intents rather than calling the venue directly.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
	"github.com/mvg-fi-dev/mrmarket/internal/tracker"
)

var (
	bpsDivisor = decimal.NewFromInt(10000)
	one        = decimal.NewFromInt(1)
)

// Key derives the strategy key grouping an order's quotes on a venue pair.
func Key(exchangeName, pair string) string {
	return exchangeName + ":" + pair
}

// IntentSubmitter persists intents and manages the executor's stop markers.
type IntentSubmitter interface {
	Submit(ctx context.Context, intent intentstore.Intent) (intentstore.Intent, error)
	ResumeStrategy(strategyKey string)
}

type quoter struct {
	orderID     string
	traceID     string
	strategyKey string
	exchange    string
	pair        string
	params      Params
	venue       exchange.Exchange
	intents     IntentSubmitter
	orders      *tracker.Registry
	logger      *slog.Logger

	lastMid decimal.Decimal
	cancel  context.CancelFunc
}

func newQuoter(order orderstore.Order, params Params, venue exchange.Exchange, intents IntentSubmitter, orders *tracker.Registry, logger *slog.Logger) *quoter {
	return &quoter{
		orderID:     order.OrderID,
		traceID:     order.TraceID,
		strategyKey: Key(order.Exchange, order.Pair),
		exchange:    order.Exchange,
		pair:        order.Pair,
		params:      params,
		venue:       venue,
		intents:     intents,
		orders:      orders,
		logger:      logger,
	}
}

func (q *quoter) run(ctx context.Context) {
	ticker := time.NewTicker(q.params.Refresh())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.quote(ctx); err != nil {
				q.logger.Warn("quote cycle failed",
					slog.String("order_id", q.orderID),
					slog.String("pair", q.pair),
					slog.String("error", err.Error()))
			}
		}
	}
}

// quote reads the venue ticker and refreshes the layered quotes. Quotes are
// only replaced when the mid moved past the requote threshold.
func (q *quoter) quote(ctx context.Context) error {
	t, err := q.venue.Ticker(ctx, q.pair)
	if err != nil {
		return err
	}
	bid, err := decimal.NewFromString(t.Bid)
	if err != nil {
		return err
	}
	ask, err := decimal.NewFromString(t.Ask)
	if err != nil {
		return err
	}
	if !bid.IsPositive() || !ask.IsPositive() {
		return nil
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))

	if !q.lastMid.IsZero() {
		threshold := decimal.NewFromInt(int64(q.params.RequoteThresholdBps))
		moveBps := mid.Sub(q.lastMid).Abs().Div(q.lastMid).Mul(bpsDivisor)
		if moveBps.LessThanOrEqual(threshold) {
			return nil
		}
	}

	// Pull stale quotes before placing the new set.
	for _, open := range q.orders.OpenOrders(q.strategyKey) {
		if err := q.submitCancel(ctx, open.ExchangeOrderID); err != nil {
			return err
		}
	}

	for layer := 0; layer < q.params.Layers; layer++ {
		offsetBps := int64(q.params.SpreadBps + layer*q.params.LayerStepBps)
		offset := decimal.NewFromInt(offsetBps).Div(bpsDivisor)
		buyPrice := mid.Mul(one.Sub(offset)).Round(8)
		sellPrice := mid.Mul(one.Add(offset)).Round(8)

		if q.withinGuards(buyPrice) {
			if err := q.submitCreate(ctx, "buy", buyPrice); err != nil {
				return err
			}
		}
		if q.withinGuards(sellPrice) {
			if err := q.submitCreate(ctx, "sell", sellPrice); err != nil {
				return err
			}
		}
	}

	q.lastMid = mid
	return nil
}

func (q *quoter) withinGuards(price decimal.Decimal) bool {
	if q.params.PriceFloor != "" {
		floor, _ := decimal.NewFromString(q.params.PriceFloor)
		if price.LessThan(floor) {
			return false
		}
	}
	if q.params.PriceCeiling != "" {
		ceiling, _ := decimal.NewFromString(q.params.PriceCeiling)
		if price.GreaterThan(ceiling) {
			return false
		}
	}
	return true
}

func (q *quoter) submitCreate(ctx context.Context, side string, price decimal.Decimal) error {
	_, err := q.intents.Submit(ctx, intentstore.Intent{
		Type:        intentstore.TypeCreateLimitOrder,
		StrategyKey: q.strategyKey,
		TraceID:     q.traceID,
		OrderID:     q.orderID,
		Exchange:    q.exchange,
		Pair:        q.pair,
		Side:        side,
		Price:       price.String(),
		Qty:         q.params.OrderSize,
	})
	return err
}

func (q *quoter) submitCancel(ctx context.Context, exchangeOrderID string) error {
	_, err := q.intents.Submit(ctx, intentstore.Intent{
		Type:            intentstore.TypeCancelOrder,
		StrategyKey:     q.strategyKey,
		TraceID:         q.traceID,
		OrderID:         q.orderID,
		Exchange:        q.exchange,
		Pair:            q.pair,
		ExchangeOrderID: exchangeOrderID,
	})
	return err
}
