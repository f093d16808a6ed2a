// Package exchange defines the capability interface consumed by the
// orchestrator, tracker, and intent execution, independent of any venue.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Side identifies order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderSnapshot is the venue's view of one order, with vendor status strings
// passed through for normalization by the tracker.
type OrderSnapshot struct {
	ExchangeOrderID string
	Pair            string
	Side            Side
	Price           string
	Qty             string
	Filled          string
	Remaining       string
	AvgPrice        string
	Status          string
	UpdatedAt       time.Time
}

// Ticker is one top-of-book quote.
type Ticker struct {
	Pair      string
	Bid       string
	Ask       string
	Last      string
	Timestamp time.Time
}

// Balance is one asset's venue balance.
type Balance struct {
	Asset     string
	Free      string
	Locked    string
	UpdatedAt time.Time
}

// DepositAddress is a venue deposit destination for an asset on a network.
type DepositAddress struct {
	Asset   string
	Network string
	Address string
	Memo    string
}

// WithdrawalRequest asks the venue to send funds out.
type WithdrawalRequest struct {
	Asset   string
	Network string
	Address string
	Memo    string
	Amount  string
}

// WithdrawalReceipt acknowledges a submitted withdrawal. TxHash may trail the
// submission and stay empty until the venue broadcasts.
type WithdrawalReceipt struct {
	WithdrawalID string
	TxHash       string
}

// LimitOrderRequest asks the venue to rest a limit order.
type LimitOrderRequest struct {
	Pair  string
	Side  Side
	Price string
	Qty   string
	// ClientOrderID makes duplicate submissions detectable venue-side.
	ClientOrderID string
}

// Exchange is the venue capability surface.
type Exchange interface {
	Name() string
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (OrderSnapshot, error)
	CancelOrder(ctx context.Context, pair, exchangeOrderID string) error
	FetchOrder(ctx context.Context, pair, exchangeOrderID string) (OrderSnapshot, error)
	// GetDeposits returns raw deposit records for matching; field names vary
	// per venue so the records stay untyped.
	GetDeposits(ctx context.Context, asset string, since time.Time, limit int) ([]map[string]any, error)
	// GetDepositAddress resolves the venue deposit address for an asset. An
	// empty network selects the venue's default chain for that asset; the
	// returned address carries the network actually chosen.
	GetDepositAddress(ctx context.Context, asset, network string) (DepositAddress, error)
	CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (WithdrawalReceipt, error)
	BalanceBySymbol(ctx context.Context, asset string) (Balance, error)
	Ticker(ctx context.Context, pair string) (Ticker, error)
}

// Registry resolves configured venues by name.
type Registry struct {
	venues map[string]Exchange
}

// NewRegistry builds a registry over the provided venues.
func NewRegistry(venues ...Exchange) *Registry {
	r := &Registry{venues: make(map[string]Exchange, len(venues))}
	for _, venue := range venues {
		if venue == nil {
			continue
		}
		r.venues[strings.ToLower(venue.Name())] = venue
	}
	return r
}

// Get returns the venue registered under name.
func (r *Registry) Get(name string) (Exchange, error) {
	if r == nil {
		return nil, fmt.Errorf("exchange registry: not configured")
	}
	venue, ok := r.venues[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("exchange registry: unknown venue %q", name)
	}
	return venue, nil
}
