// Package orderstore defines persistence contracts for market-making orders,
// their accumulated payment state, and their exchange allocations.
package orderstore

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNotFound is returned when an order, payment state, or allocation does
// not exist.
var ErrNotFound = errors.New("order store: not found")

// State identifies where an order sits in its lifecycle. Transitions are
// validated by the lifecycle package; the store persists whatever it is told.
type State string

const (
	StateCreated             State = "created"
	StatePaymentPending      State = "payment_pending"
	StatePaymentIncomplete   State = "payment_incomplete"
	StatePaymentComplete     State = "payment_complete"
	StateWithdrawing         State = "withdrawing"
	StateWithdrawalConfirmed State = "withdrawal_confirmed"
	StateDepositConfirming   State = "deposit_confirming"
	StateDepositConfirmed    State = "deposit_confirmed"
	StateJoiningCampaign     State = "joining_campaign"
	StateCampaignJoined      State = "campaign_joined"
	StateRunning             State = "running"
	StatePaused              State = "paused"
	StateStopped             State = "stopped"
	StateExitRequested       State = "exit_requested"
	StateExitWithdrawing     State = "exit_withdrawing"
	StateExitRefunding       State = "exit_refunding"
	StateExitComplete        State = "exit_complete"
	StateFailed              State = "failed"
)

// Order is one market-making engagement. Orders are never deleted; terminal
// states are final absent operator override.
type Order struct {
	OrderID    string
	UserID     string
	TraceID    string
	Exchange   string
	Pair       string
	BaseAsset  string
	QuoteAsset string
	// BaseAmount and QuoteAmount are the required leg amounts as decimal strings.
	BaseAmount  string
	QuoteAmount string
	FeeAsset    string
	FeeAmount   string
	State       State
	// StrategyParams carries opaque strategy settings (spread, layers, guards).
	StrategyParams json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PaymentState accumulates inbound transfers for an order. Amounts are
// additive decimal strings; the row is immutable once the order reaches
// payment_complete.
type PaymentState struct {
	OrderID       string
	ReceivedBase  string
	ReceivedQuote string
	ReceivedFee   string
	// SnapshotIDs records every payment snapshot already folded in, so a
	// redelivered snapshot never double-counts.
	SnapshotIDs []string
	UpdatedAt   time.Time
}

// AllocationState tracks the allocation through its own small lifecycle.
type AllocationState string

const (
	AllocationReserved         AllocationState = "reserved"
	AllocationDepositConfirmed AllocationState = "deposit_confirmed"
	AllocationExitWithdrawing  AllocationState = "exit_withdrawing"
	AllocationReleased         AllocationState = "released"
)

// Allocation is an order's claimed share of a shared exchange account. Exit
// withdrawals are bounded by these amounts, never by the account's free
// balance.
type Allocation struct {
	OrderID     string
	Exchange    string
	BaseAsset   string
	BaseAmount  string
	QuoteAsset  string
	QuoteAmount string
	State       AllocationState
	UpdatedAt   time.Time
}

// Store abstracts order, payment-state, and allocation persistence.
type Store interface {
	CreateOrder(ctx context.Context, order Order) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	UpdateOrderState(ctx context.Context, orderID string, state State) error
	ListOrdersByState(ctx context.Context, state State, limit int) ([]Order, error)

	UpsertPaymentState(ctx context.Context, ps PaymentState) (PaymentState, error)
	GetPaymentState(ctx context.Context, orderID string) (PaymentState, error)

	// CreateAllocation records an order's claimed share of the exchange
	// account. Creating again for the same order returns the stored
	// allocation untouched so redelivered steps cannot reset its state.
	CreateAllocation(ctx context.Context, alloc Allocation) (Allocation, error)
	GetAllocation(ctx context.Context, orderID string) (Allocation, error)
	UpdateAllocationState(ctx context.Context, orderID string, state AllocationState) error
	// ReleaseAllocation zeroes both legs and marks the allocation released.
	// Called only once the exit withdrawal is confirmed.
	ReleaseAllocation(ctx context.Context, orderID string) error
}
