package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
)

// TopicOrderStatusChanged is appended whenever a tracked order's status or
// fill fields change.
const TopicOrderStatusChanged = "market_making.exchange_order.status_changed"

// statusChangedPayload is the wire shape of a status change event. It carries
// everything needed to rebuild the registry from the outbox alone.
type statusChangedPayload struct {
	ExchangeOrderID string    `json:"exchangeOrderId"`
	StrategyKey     string    `json:"strategyKey"`
	Exchange        string    `json:"exchange"`
	Pair            string    `json:"pair"`
	Side            string    `json:"side"`
	Price           string    `json:"price"`
	Qty             string    `json:"qty"`
	Filled          string    `json:"filled"`
	Remaining       string    `json:"remaining"`
	AvgPrice        string    `json:"avgPrice"`
	Status          string    `json:"status"`
	PrevStatus      string    `json:"prevStatus"`
	TraceID         string    `json:"traceId"`
	OrderID         string    `json:"orderId"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Monitor refreshes tracked orders from the venue on each tick and records
// changes to the outbox. It implements tick.Component.
type Monitor struct {
	registry *Registry
	venues   *exchange.Registry
	outbox   outboxstore.Store
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	healthy bool
}

// NewMonitor constructs a tracker monitor.
func NewMonitor(registry *Registry, venues *exchange.Registry, outbox outboxstore.Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		venues:   venues,
		outbox:   outbox,
		logger:   logger,
		now:      time.Now,
		healthy:  true,
	}
}

func (m *Monitor) Start(context.Context) error { return nil }
func (m *Monitor) Stop(context.Context) error  { return nil }

func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *Monitor) setHealthy(healthy bool) {
	m.mu.Lock()
	m.healthy = healthy
	m.mu.Unlock()
}

// OnTick fetches a fresh snapshot for every open order. A fetch failure for
// one order does not stop the sweep; the tick fails only when every fetch
// failed.
func (m *Monitor) OnTick(ctx context.Context, _ time.Time) error {
	open := m.registry.OpenOrders("")
	if len(open) == 0 {
		m.setHealthy(true)
		return nil
	}

	failures := 0
	for _, tracked := range open {
		venue, err := m.venues.Get(tracked.Exchange)
		if err != nil {
			failures++
			m.logger.Warn("tracker venue lookup failed",
				slog.String("exchange", tracked.Exchange),
				slog.String("error", err.Error()))
			continue
		}
		snapshot, err := venue.FetchOrder(ctx, tracked.Pair, tracked.ExchangeOrderID)
		if err != nil {
			failures++
			m.logger.Warn("tracker order fetch failed",
				slog.String("exchange_order_id", tracked.ExchangeOrderID),
				slog.String("error", err.Error()))
			continue
		}
		if err := m.Apply(ctx, tracked, snapshot); err != nil {
			failures++
			m.logger.Warn("tracker apply failed",
				slog.String("exchange_order_id", tracked.ExchangeOrderID),
				slog.String("error", err.Error()))
		}
	}

	m.setHealthy(failures < len(open))
	if failures == len(open) {
		return fmt.Errorf("tracker: all %d order fetches failed", failures)
	}
	return nil
}

// Apply merges a venue snapshot into the tracked order, appending a status
// change event only when the status or a fill field actually moved.
func (m *Monitor) Apply(ctx context.Context, tracked Order, snapshot exchange.OrderSnapshot) error {
	next := tracked
	next.Status = NormalizeStatus(snapshot.Status)
	if snapshot.Filled != "" {
		next.Filled = snapshot.Filled
	}
	if snapshot.Remaining != "" {
		next.Remaining = snapshot.Remaining
	}
	if snapshot.AvgPrice != "" {
		next.AvgPrice = snapshot.AvgPrice
	}

	changed := next.Status != tracked.Status ||
		next.Filled != tracked.Filled ||
		next.Remaining != tracked.Remaining ||
		next.AvgPrice != tracked.AvgPrice
	if !changed {
		return nil
	}

	next.UpdatedAt = m.now()
	m.registry.Upsert(next)

	payload, err := json.Marshal(statusChangedPayload{
		ExchangeOrderID: next.ExchangeOrderID,
		StrategyKey:     next.StrategyKey,
		Exchange:        next.Exchange,
		Pair:            next.Pair,
		Side:            string(next.Side),
		Price:           next.Price,
		Qty:             next.Qty,
		Filled:          next.Filled,
		Remaining:       next.Remaining,
		AvgPrice:        next.AvgPrice,
		Status:          string(next.Status),
		PrevStatus:      string(tracked.Status),
		TraceID:         next.TraceID,
		OrderID:         next.OrderID,
		UpdatedAt:       next.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("tracker: encode status change: %w", err)
	}
	_, err = m.outbox.AppendEvent(ctx, outboxstore.Event{
		Topic:         TopicOrderStatusChanged,
		AggregateType: "exchange_order",
		AggregateID:   next.ExchangeOrderID,
		TraceID:       next.TraceID,
		OrderID:       next.OrderID,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("tracker: append status change: %w", err)
	}
	return nil
}

// RebuildOpenOrders returns open orders for a strategy key. When the live
// registry holds any orders it answers from memory; otherwise it replays
// status change events oldest first so the most recent event per order wins.
func (m *Monitor) RebuildOpenOrders(ctx context.Context, strategyKey string) ([]Order, error) {
	if m.registry.CountAll() > 0 {
		return m.registry.OpenOrders(strategyKey), nil
	}

	records, err := m.outbox.ListEvents(ctx, outboxstore.Query{
		Topics:      []string{TopicOrderStatusChanged},
		Limit:       1000,
		OldestFirst: true,
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: replay status changes: %w", err)
	}

	rebuilt := make(map[string]Order, len(records))
	for _, record := range records {
		var payload statusChangedPayload
		if err := json.Unmarshal(record.Payload, &payload); err != nil {
			m.logger.Warn("tracker skipping malformed status change",
				slog.String("event_id", record.EventID),
				slog.String("error", err.Error()))
			continue
		}
		if payload.ExchangeOrderID == "" {
			continue
		}
		rebuilt[payload.ExchangeOrderID] = Order{
			ExchangeOrderID: payload.ExchangeOrderID,
			StrategyKey:     payload.StrategyKey,
			Exchange:        payload.Exchange,
			Pair:            payload.Pair,
			Side:            exchange.Side(payload.Side),
			Price:           payload.Price,
			Qty:             payload.Qty,
			Filled:          payload.Filled,
			Remaining:       payload.Remaining,
			AvgPrice:        payload.AvgPrice,
			Status:          Status(payload.Status),
			TraceID:         payload.TraceID,
			OrderID:         payload.OrderID,
			UpdatedAt:       payload.UpdatedAt,
		}
	}

	var out []Order
	for _, order := range rebuilt {
		if order.Open() && (strategyKey == "" || order.StrategyKey == strategyKey) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out, nil
}
