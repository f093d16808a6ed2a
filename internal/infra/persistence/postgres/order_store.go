package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
)

// OrderStore persists market-making orders, payment states, and exchange
// allocations.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	defaultOrderLimit = 200
	maxOrderLimit     = 2000
)

const (
	orderInsertSQL = `
INSERT INTO mm_orders (
    order_id,
    user_id,
    trace_id,
    exchange,
    pair,
    base_asset,
    quote_asset,
    base_amount,
    quote_amount,
    fee_asset,
    fee_amount,
    state,
    strategy_params
)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, COALESCE($13::jsonb, '{}'::jsonb))
RETURNING ` + orderColumns + `;
`

	orderSelectSQL = `
SELECT ` + orderColumns + `
FROM mm_orders
WHERE order_id = $1;
`

	orderUpdateStateSQL = `
UPDATE mm_orders
SET state = $2,
    updated_at = NOW()
WHERE order_id = $1;
`

	orderListByStateSQL = `
SELECT ` + orderColumns + `
FROM mm_orders
WHERE state = $1
ORDER BY created_at ASC
LIMIT $2;
`

	paymentUpsertSQL = `
INSERT INTO mm_payment_states (
    order_id,
    received_base,
    received_quote,
    received_fee,
    snapshot_ids
)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (order_id) DO UPDATE
SET received_base = EXCLUDED.received_base,
    received_quote = EXCLUDED.received_quote,
    received_fee = EXCLUDED.received_fee,
    snapshot_ids = EXCLUDED.snapshot_ids,
    updated_at = NOW()
RETURNING
    order_id,
    received_base::text,
    received_quote::text,
    received_fee::text,
    snapshot_ids,
    updated_at;
`

	paymentSelectSQL = `
SELECT
    order_id,
    received_base::text,
    received_quote::text,
    received_fee::text,
    snapshot_ids,
    updated_at
FROM mm_payment_states
WHERE order_id = $1;
`

	allocationInsertSQL = `
INSERT INTO mm_exchange_allocations (
    order_id,
    exchange,
    base_asset,
    base_amount,
    quote_asset,
    quote_amount,
    state
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (order_id) DO UPDATE
SET updated_at = NOW()
RETURNING ` + allocationColumns + `;
`

	allocationSelectSQL = `
SELECT ` + allocationColumns + `
FROM mm_exchange_allocations
WHERE order_id = $1;
`

	allocationUpdateStateSQL = `
UPDATE mm_exchange_allocations
SET state = $2,
    updated_at = NOW()
WHERE order_id = $1;
`

	allocationReleaseSQL = `
UPDATE mm_exchange_allocations
SET base_amount = 0,
    quote_amount = 0,
    state = $2,
    updated_at = NOW()
WHERE order_id = $1;
`
)

const orderColumns = `
    order_id,
    user_id,
    COALESCE(trace_id, ''),
    exchange,
    pair,
    base_asset,
    quote_asset,
    base_amount::text,
    quote_amount::text,
    COALESCE(fee_asset, ''),
    fee_amount::text,
    state,
    strategy_params,
    created_at,
    updated_at`

const allocationColumns = `
    order_id,
    exchange,
    base_asset,
    base_amount::text,
    quote_asset,
    quote_amount::text,
    state,
    updated_at`

// CreateOrder inserts a new order.
func (s *OrderStore) CreateOrder(ctx context.Context, order orderstore.Order) (orderstore.Order, error) {
	if s.pool == nil {
		return orderstore.Order{}, fmt.Errorf("order store: nil pool")
	}
	orderID := strings.TrimSpace(order.OrderID)
	if orderID == "" {
		return orderstore.Order{}, fmt.Errorf("order store: order id required")
	}
	if strings.TrimSpace(order.UserID) == "" {
		return orderstore.Order{}, fmt.Errorf("order store: user id required")
	}
	baseAmount, err := numericFromString(order.BaseAmount)
	if err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: base amount: %w", err)
	}
	quoteAmount, err := numericFromString(order.QuoteAmount)
	if err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: quote amount: %w", err)
	}
	feeAmount, err := numericFromOptional(order.FeeAmount)
	if err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: fee amount: %w", err)
	}
	state := order.State
	if state == "" {
		state = orderstore.StateCreated
	}
	params := order.StrategyParams
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	row := s.pool.QueryRow(ctx, orderInsertSQL,
		orderID, order.UserID, order.TraceID, order.Exchange, order.Pair,
		order.BaseAsset, order.QuoteAsset, baseAmount, quoteAmount,
		order.FeeAsset, feeAmount, string(state), []byte(params))
	return scanOrder(row)
}

// GetOrder returns an order by ID.
func (s *OrderStore) GetOrder(ctx context.Context, orderID string) (orderstore.Order, error) {
	if s.pool == nil {
		return orderstore.Order{}, fmt.Errorf("order store: nil pool")
	}
	order, err := scanOrder(s.pool.QueryRow(ctx, orderSelectSQL, strings.TrimSpace(orderID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	return order, err
}

// UpdateOrderState persists a new lifecycle state.
func (s *OrderStore) UpdateOrderState(ctx context.Context, orderID string, state orderstore.State) error {
	if s.pool == nil {
		return fmt.Errorf("order store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, orderUpdateStateSQL, strings.TrimSpace(orderID), string(state))
	if err != nil {
		return fmt.Errorf("order store: update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orderstore.ErrNotFound
	}
	return nil
}

// ListOrdersByState returns orders in the given state, oldest first.
func (s *OrderStore) ListOrdersByState(ctx context.Context, state orderstore.State, limit int) ([]orderstore.Order, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	if limit <= 0 {
		limit = defaultOrderLimit
	} else if limit > maxOrderLimit {
		limit = maxOrderLimit
	}
	rows, err := s.pool.Query(ctx, orderListByStateSQL, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("order store: list by state: %w", err)
	}
	defer rows.Close()

	var orders []orderstore.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

// UpsertPaymentState replaces the accumulated payment totals for an order.
func (s *OrderStore) UpsertPaymentState(ctx context.Context, ps orderstore.PaymentState) (orderstore.PaymentState, error) {
	if s.pool == nil {
		return orderstore.PaymentState{}, fmt.Errorf("order store: nil pool")
	}
	orderID := strings.TrimSpace(ps.OrderID)
	if orderID == "" {
		return orderstore.PaymentState{}, fmt.Errorf("order store: order id required")
	}
	base, err := numericFromString(zeroIfEmpty(ps.ReceivedBase))
	if err != nil {
		return orderstore.PaymentState{}, fmt.Errorf("order store: received base: %w", err)
	}
	quote, err := numericFromString(zeroIfEmpty(ps.ReceivedQuote))
	if err != nil {
		return orderstore.PaymentState{}, fmt.Errorf("order store: received quote: %w", err)
	}
	fee, err := numericFromString(zeroIfEmpty(ps.ReceivedFee))
	if err != nil {
		return orderstore.PaymentState{}, fmt.Errorf("order store: received fee: %w", err)
	}
	snapshots := ps.SnapshotIDs
	if snapshots == nil {
		snapshots = []string{}
	}
	row := s.pool.QueryRow(ctx, paymentUpsertSQL, orderID, base, quote, fee, snapshots)
	return scanPaymentState(row)
}

// GetPaymentState returns the payment state for an order.
func (s *OrderStore) GetPaymentState(ctx context.Context, orderID string) (orderstore.PaymentState, error) {
	if s.pool == nil {
		return orderstore.PaymentState{}, fmt.Errorf("order store: nil pool")
	}
	ps, err := scanPaymentState(s.pool.QueryRow(ctx, paymentSelectSQL, strings.TrimSpace(orderID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return orderstore.PaymentState{}, orderstore.ErrNotFound
	}
	return ps, err
}

// CreateAllocation records an order's claimed share of the exchange account.
func (s *OrderStore) CreateAllocation(ctx context.Context, alloc orderstore.Allocation) (orderstore.Allocation, error) {
	if s.pool == nil {
		return orderstore.Allocation{}, fmt.Errorf("order store: nil pool")
	}
	orderID := strings.TrimSpace(alloc.OrderID)
	if orderID == "" {
		return orderstore.Allocation{}, fmt.Errorf("order store: order id required")
	}
	base, err := numericFromString(alloc.BaseAmount)
	if err != nil {
		return orderstore.Allocation{}, fmt.Errorf("order store: base amount: %w", err)
	}
	quote, err := numericFromString(alloc.QuoteAmount)
	if err != nil {
		return orderstore.Allocation{}, fmt.Errorf("order store: quote amount: %w", err)
	}
	state := alloc.State
	if state == "" {
		state = orderstore.AllocationReserved
	}
	row := s.pool.QueryRow(ctx, allocationInsertSQL,
		orderID, alloc.Exchange, alloc.BaseAsset, base, alloc.QuoteAsset, quote, string(state))
	return scanAllocation(row)
}

// GetAllocation returns the allocation for an order.
func (s *OrderStore) GetAllocation(ctx context.Context, orderID string) (orderstore.Allocation, error) {
	if s.pool == nil {
		return orderstore.Allocation{}, fmt.Errorf("order store: nil pool")
	}
	alloc, err := scanAllocation(s.pool.QueryRow(ctx, allocationSelectSQL, strings.TrimSpace(orderID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return orderstore.Allocation{}, orderstore.ErrNotFound
	}
	return alloc, err
}

// UpdateAllocationState advances the allocation lifecycle.
func (s *OrderStore) UpdateAllocationState(ctx context.Context, orderID string, state orderstore.AllocationState) error {
	if s.pool == nil {
		return fmt.Errorf("order store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, allocationUpdateStateSQL, strings.TrimSpace(orderID), string(state))
	if err != nil {
		return fmt.Errorf("order store: update allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orderstore.ErrNotFound
	}
	return nil
}

// ReleaseAllocation zeroes both legs once the exit withdrawal is confirmed.
func (s *OrderStore) ReleaseAllocation(ctx context.Context, orderID string) error {
	if s.pool == nil {
		return fmt.Errorf("order store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, allocationReleaseSQL, strings.TrimSpace(orderID), string(orderstore.AllocationReleased))
	if err != nil {
		return fmt.Errorf("order store: release allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orderstore.ErrNotFound
	}
	return nil
}

func zeroIfEmpty(value string) string {
	if strings.TrimSpace(value) == "" {
		return "0"
	}
	return value
}

func scanOrder(row rowScanner) (orderstore.Order, error) {
	var (
		order  orderstore.Order
		state  string
		params []byte
	)
	if err := row.Scan(
		&order.OrderID,
		&order.UserID,
		&order.TraceID,
		&order.Exchange,
		&order.Pair,
		&order.BaseAsset,
		&order.QuoteAsset,
		&order.BaseAmount,
		&order.QuoteAmount,
		&order.FeeAsset,
		&order.FeeAmount,
		&state,
		&params,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Order{}, err
		}
		return orderstore.Order{}, fmt.Errorf("order store: scan order: %w", err)
	}
	order.State = orderstore.State(state)
	order.StrategyParams = json.RawMessage(params)
	return order, nil
}

func scanPaymentState(row rowScanner) (orderstore.PaymentState, error) {
	var ps orderstore.PaymentState
	if err := row.Scan(
		&ps.OrderID,
		&ps.ReceivedBase,
		&ps.ReceivedQuote,
		&ps.ReceivedFee,
		&ps.SnapshotIDs,
		&ps.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.PaymentState{}, err
		}
		return orderstore.PaymentState{}, fmt.Errorf("order store: scan payment state: %w", err)
	}
	return ps, nil
}

func scanAllocation(row rowScanner) (orderstore.Allocation, error) {
	var (
		alloc orderstore.Allocation
		state string
	)
	if err := row.Scan(
		&alloc.OrderID,
		&alloc.Exchange,
		&alloc.BaseAsset,
		&alloc.BaseAmount,
		&alloc.QuoteAsset,
		&alloc.QuoteAmount,
		&state,
		&alloc.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Allocation{}, err
		}
		return orderstore.Allocation{}, fmt.Errorf("order store: scan allocation: %w", err)
	}
	alloc.State = orderstore.AllocationState(state)
	return alloc, nil
}

var _ orderstore.Store = (*OrderStore)(nil)
