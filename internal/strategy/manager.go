package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
	"github.com/mvg-fi-dev/mrmarket/internal/lifecycle"
	"github.com/mvg-fi-dev/mrmarket/internal/tracker"
)

var _ lifecycle.StrategyRunner = (*Manager)(nil)

// Manager owns the quote loops, one per running order. It is the strategy
// runner the order lifecycle starts and stops.
type Manager struct {
	venues   *exchange.Registry
	intents  IntentSubmitter
	orders   *tracker.Registry
	defaults Params
	logger   *slog.Logger

	mu      sync.Mutex
	quoters map[string]*quoter
	wg      conc.WaitGroup
}

// NewManager constructs the quote loop manager.
func NewManager(venues *exchange.Registry, intents IntentSubmitter, orders *tracker.Registry, defaults Params, logger *slog.Logger) *Manager {
	if defaults.SpreadBps <= 0 {
		defaults = DefaultParams
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		venues:   venues,
		intents:  intents,
		orders:   orders,
		defaults: defaults,
		logger:   logger,
		quoters:  make(map[string]*quoter),
	}
}

// StartQuoter launches the order's quote loop. Starting an already running
// order is a no-op, so redelivered start steps are safe. The executor's stop
// marker for the strategy is cleared so fresh intents execute.
func (m *Manager) StartQuoter(_ context.Context, order orderstore.Order) error {
	params, err := ParseParams(order.StrategyParams, m.defaults)
	if err != nil {
		return err
	}
	venue, err := m.venues.Get(order.Exchange)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.quoters[order.OrderID]; running {
		return nil
	}

	q := newQuoter(order, params, venue, m.intents, m.orders, m.logger)
	loopCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	m.quoters[order.OrderID] = q
	m.intents.ResumeStrategy(q.strategyKey)
	m.wg.Go(func() { q.run(loopCtx) })

	m.logger.Info("quoter started",
		slog.String("order_id", order.OrderID),
		slog.String("strategy_key", q.strategyKey),
		slog.Int("spread_bps", params.SpreadBps),
		slog.Int("layers", params.Layers))
	return nil
}

// StopQuoter halts the order's quote loop, pulls its open quotes, and marks
// the strategy stopped so queued intents drain without executing. Stopping an
// unknown order is a no-op.
func (m *Manager) StopQuoter(ctx context.Context, orderID string) error {
	m.mu.Lock()
	q, ok := m.quoters[orderID]
	if ok {
		delete(m.quoters, orderID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	q.cancel()

	// Cancels are submitted ahead of the stop marker so they still execute.
	for _, open := range m.orders.OpenOrders(q.strategyKey) {
		if err := q.submitCancel(ctx, open.ExchangeOrderID); err != nil {
			return err
		}
	}
	if _, err := m.intents.Submit(ctx, intentstore.Intent{
		Type:        intentstore.TypeStopExecutor,
		StrategyKey: q.strategyKey,
		TraceID:     q.traceID,
		OrderID:     q.orderID,
		Exchange:    q.exchange,
		Pair:        q.pair,
	}); err != nil {
		return err
	}

	m.logger.Info("quoter stopped",
		slog.String("order_id", orderID),
		slog.String("strategy_key", q.strategyKey))
	return nil
}

// Running reports whether the order's quoter is active.
func (m *Manager) Running(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.quoters[orderID]
	return ok
}

// Close stops every quoter and waits for the loops to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	for orderID, q := range m.quoters {
		q.cancel()
		delete(m.quoters, orderID)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
