package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
)

// OrderStore is an in-memory order, payment-state, and allocation store.
type OrderStore struct {
	mu          sync.Mutex
	orders      map[string]orderstore.Order
	payments    map[string]orderstore.PaymentState
	allocations map[string]orderstore.Allocation
	now         func() time.Time
}

// NewOrderStore constructs an empty order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:      make(map[string]orderstore.Order),
		payments:    make(map[string]orderstore.PaymentState),
		allocations: make(map[string]orderstore.Allocation),
		now:         time.Now,
	}
}

// CreateOrder inserts a new order.
func (s *OrderStore) CreateOrder(_ context.Context, order orderstore.Order) (orderstore.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.OrderID = strings.TrimSpace(order.OrderID)
	if order.State == "" {
		order.State = orderstore.StateCreated
	}
	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	s.orders[order.OrderID] = order
	return order, nil
}

// GetOrder returns an order by ID.
func (s *OrderStore) GetOrder(_ context.Context, orderID string) (orderstore.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	return order, nil
}

// UpdateOrderState persists a new lifecycle state.
func (s *OrderStore) UpdateOrderState(_ context.Context, orderID string, state orderstore.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return orderstore.ErrNotFound
	}
	order.State = state
	order.UpdatedAt = s.now()
	s.orders[order.OrderID] = order
	return nil
}

// ListOrdersByState returns orders in a state, oldest first.
func (s *OrderStore) ListOrdersByState(_ context.Context, state orderstore.State, limit int) ([]orderstore.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var out []orderstore.Order
	for _, order := range s.orders {
		if order.State == state {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertPaymentState replaces the accumulated totals for an order.
func (s *OrderStore) UpsertPaymentState(_ context.Context, ps orderstore.PaymentState) (orderstore.PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps.OrderID = strings.TrimSpace(ps.OrderID)
	if ps.ReceivedBase == "" {
		ps.ReceivedBase = "0"
	}
	if ps.ReceivedQuote == "" {
		ps.ReceivedQuote = "0"
	}
	if ps.ReceivedFee == "" {
		ps.ReceivedFee = "0"
	}
	if ps.SnapshotIDs == nil {
		ps.SnapshotIDs = []string{}
	}
	ps.UpdatedAt = s.now()
	s.payments[ps.OrderID] = ps
	return ps, nil
}

// GetPaymentState returns the payment state for an order.
func (s *OrderStore) GetPaymentState(_ context.Context, orderID string) (orderstore.PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.payments[strings.TrimSpace(orderID)]
	if !ok {
		return orderstore.PaymentState{}, orderstore.ErrNotFound
	}
	return ps, nil
}

// CreateAllocation records an allocation.
func (s *OrderStore) CreateAllocation(_ context.Context, alloc orderstore.Allocation) (orderstore.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc.OrderID = strings.TrimSpace(alloc.OrderID)
	if existing, ok := s.allocations[alloc.OrderID]; ok {
		existing.UpdatedAt = s.now()
		s.allocations[alloc.OrderID] = existing
		return existing, nil
	}
	if alloc.State == "" {
		alloc.State = orderstore.AllocationReserved
	}
	alloc.UpdatedAt = s.now()
	s.allocations[alloc.OrderID] = alloc
	return alloc, nil
}

// GetAllocation returns the allocation for an order.
func (s *OrderStore) GetAllocation(_ context.Context, orderID string) (orderstore.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, ok := s.allocations[strings.TrimSpace(orderID)]
	if !ok {
		return orderstore.Allocation{}, orderstore.ErrNotFound
	}
	return alloc, nil
}

// UpdateAllocationState advances the allocation lifecycle.
func (s *OrderStore) UpdateAllocationState(_ context.Context, orderID string, state orderstore.AllocationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, ok := s.allocations[strings.TrimSpace(orderID)]
	if !ok {
		return orderstore.ErrNotFound
	}
	alloc.State = state
	alloc.UpdatedAt = s.now()
	s.allocations[alloc.OrderID] = alloc
	return nil
}

// ReleaseAllocation zeroes both legs.
func (s *OrderStore) ReleaseAllocation(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, ok := s.allocations[strings.TrimSpace(orderID)]
	if !ok {
		return orderstore.ErrNotFound
	}
	alloc.BaseAmount = "0"
	alloc.QuoteAmount = "0"
	alloc.State = orderstore.AllocationReleased
	alloc.UpdatedAt = s.now()
	s.allocations[alloc.OrderID] = alloc
	return nil
}

var _ orderstore.Store = (*OrderStore)(nil)
