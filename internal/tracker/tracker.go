// Package tracker maintains the live view of orders resting on the venue.
// The registry is the in-memory read model; the monitor refreshes it each tick
// and records changes to the outbox so the view can be rebuilt after a crash.
package tracker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
)

// Status is the normalized order status. Vendor strings are mapped through
// NormalizeStatus at the edge.
type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
)

// NormalizeStatus maps a vendor status string onto the tracker taxonomy.
// Unrecognized statuses map to failed so they drop out of the open set.
func NormalizeStatus(vendor string) Status {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "new", "open", "live", "accepted":
		return StatusOpen
	case "partially_filled", "partiallyfilled", "partial", "partial_fill":
		return StatusPartiallyFilled
	case "filled", "closed", "done", "executed":
		return StatusFilled
	case "canceled", "cancelled", "cancel":
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Order is one tracked venue order.
type Order struct {
	ExchangeOrderID string
	StrategyKey     string
	Exchange        string
	Pair            string
	Side            exchange.Side
	Price           string
	Qty             string
	Filled          string
	Remaining       string
	AvgPrice        string
	Status          Status
	TraceID         string
	OrderID         string
	UpdatedAt       time.Time
}

// Open reports whether the order still rests on the venue.
func (o Order) Open() bool {
	return o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

// Registry is the in-memory tracked order map, keyed by exchange order ID.
type Registry struct {
	mu     sync.RWMutex
	orders map[string]Order
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{orders: make(map[string]Order)}
}

// Upsert replaces the tracked view of an order.
func (r *Registry) Upsert(order Order) {
	if strings.TrimSpace(order.ExchangeOrderID) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ExchangeOrderID] = order
}

// Get returns one tracked order.
func (r *Registry) Get(exchangeOrderID string) (Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[strings.TrimSpace(exchangeOrderID)]
	return order, ok
}

// CountAll returns the total tracked order count, terminal statuses included.
func (r *Registry) CountAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// CountOpen returns the number of open orders for a strategy key. An empty
// key counts open orders across all strategies.
func (r *Registry) CountOpen(strategyKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, order := range r.orders {
		if order.Open() && (strategyKey == "" || order.StrategyKey == strategyKey) {
			count++
		}
	}
	return count
}

// OpenOrders returns open orders for a strategy key, sorted by exchange
// order ID for deterministic iteration.
func (r *Registry) OpenOrders(strategyKey string) []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Order
	for _, order := range r.orders {
		if order.Open() && (strategyKey == "" || order.StrategyKey == strategyKey) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out
}

// Snapshot returns every tracked order.
func (r *Registry) Snapshot() []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Order, 0, len(r.orders))
	for _, order := range r.orders {
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out
}
