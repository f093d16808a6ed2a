// Package fake provides a deterministic in-memory venue for tests.
package fake

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
)

// Venue is a scripted exchange. All methods record their calls; responses
// come from state seeded by the test. The zero value is not usable, use New.
type Venue struct {
	mu sync.Mutex

	name        string
	nextOrderID int
	orders      map[string]exchange.OrderSnapshot
	deposits    map[string][]map[string]any
	balances    map[string]exchange.Balance
	addresses   map[string]exchange.DepositAddress
	withdrawals []exchange.WithdrawalRequest
	// NextWithdrawalReceipt is returned by the next CreateWithdrawal call.
	NextWithdrawalReceipt exchange.WithdrawalReceipt
	tickers               map[string]exchange.Ticker

	// Errs injects a failure per method name; the method returns the error
	// without touching state.
	Errs map[string]error
	// ErrsOnce injects a failure consumed by the next call to the method.
	ErrsOnce map[string]error

	calls []string
}

// New constructs an empty fake venue.
func New() *Venue {
	return &Venue{
		name:      "fake",
		orders:    make(map[string]exchange.OrderSnapshot),
		deposits:  make(map[string][]map[string]any),
		balances:  make(map[string]exchange.Balance),
		addresses: make(map[string]exchange.DepositAddress),
		tickers:   make(map[string]exchange.Ticker),
		Errs:      make(map[string]error),
		ErrsOnce:  make(map[string]error),
	}
}

// Name returns the venue identifier.
func (v *Venue) Name() string { return v.name }

// Calls returns the ordered method invocation log.
func (v *Venue) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.calls))
	copy(out, v.calls)
	return out
}

// CallCount returns how many times the named method ran.
func (v *Venue) CallCount(method string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	count := 0
	for _, call := range v.calls {
		if call == method {
			count++
		}
	}
	return count
}

func (v *Venue) record(method string) error {
	v.calls = append(v.calls, method)
	if err := v.ErrsOnce[method]; err != nil {
		delete(v.ErrsOnce, method)
		return err
	}
	if err := v.Errs[method]; err != nil {
		return err
	}
	return nil
}

// SeedDeposits sets the deposit records returned for an asset.
func (v *Venue) SeedDeposits(asset string, records []map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deposits[asset] = records
}

// SeedBalance sets the balance returned for an asset.
func (v *Venue) SeedBalance(asset, free, locked string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[asset] = exchange.Balance{Asset: asset, Free: free, Locked: locked}
}

// SeedTicker sets the quote returned for a pair.
func (v *Venue) SeedTicker(pair, bid, ask string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickers[pair] = exchange.Ticker{Pair: pair, Bid: bid, Ask: ask, Timestamp: time.Now()}
}

// SeedAddress sets the deposit address for an asset/network.
func (v *Venue) SeedAddress(asset, network, address string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.addresses[asset+":"+network] = exchange.DepositAddress{Asset: asset, Network: network, Address: address}
}

// SetOrderStatus rewrites a tracked order's venue status and fill fields,
// simulating external progress.
func (v *Venue) SetOrderStatus(exchangeOrderID, status, filled, avgPrice string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[exchangeOrderID]
	if !ok {
		return
	}
	order.Status = status
	if filled != "" {
		order.Filled = filled
	}
	if avgPrice != "" {
		order.AvgPrice = avgPrice
	}
	order.UpdatedAt = time.Now()
	v.orders[exchangeOrderID] = order
}

// Withdrawals returns recorded withdrawal requests.
func (v *Venue) Withdrawals() []exchange.WithdrawalRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]exchange.WithdrawalRequest, len(v.withdrawals))
	copy(out, v.withdrawals)
	return out
}

// PlaceLimitOrder records a new venue order with status NEW.
func (v *Venue) PlaceLimitOrder(_ context.Context, req exchange.LimitOrderRequest) (exchange.OrderSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("PlaceLimitOrder"); err != nil {
		return exchange.OrderSnapshot{}, err
	}
	v.nextOrderID++
	snapshot := exchange.OrderSnapshot{
		ExchangeOrderID: "fake-" + strconv.Itoa(v.nextOrderID),
		Pair:            req.Pair,
		Side:            req.Side,
		Price:           req.Price,
		Qty:             req.Qty,
		Filled:          "0",
		Remaining:       req.Qty,
		Status:          "NEW",
		UpdatedAt:       time.Now(),
	}
	v.orders[snapshot.ExchangeOrderID] = snapshot
	return snapshot, nil
}

// CancelOrder marks an order canceled.
func (v *Venue) CancelOrder(_ context.Context, _, exchangeOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("CancelOrder"); err != nil {
		return err
	}
	order, ok := v.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("fake: order %s not found", exchangeOrderID)
	}
	order.Status = "CANCELED"
	v.orders[exchangeOrderID] = order
	return nil
}

// FetchOrder returns the current snapshot.
func (v *Venue) FetchOrder(_ context.Context, _, exchangeOrderID string) (exchange.OrderSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("FetchOrder"); err != nil {
		return exchange.OrderSnapshot{}, err
	}
	order, ok := v.orders[exchangeOrderID]
	if !ok {
		return exchange.OrderSnapshot{}, fmt.Errorf("fake: order %s not found", exchangeOrderID)
	}
	return order, nil
}

// GetDeposits returns seeded deposit records.
func (v *Venue) GetDeposits(_ context.Context, asset string, _ time.Time, _ int) ([]map[string]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("GetDeposits"); err != nil {
		return nil, err
	}
	return v.deposits[asset], nil
}

// GetDepositAddress returns the seeded address. An empty network selects the
// venue default chain: the single seeded address for the asset, erroring when
// the asset has none or more than one so callers cannot guess wrong silently.
func (v *Venue) GetDepositAddress(_ context.Context, asset, network string) (exchange.DepositAddress, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("GetDepositAddress"); err != nil {
		return exchange.DepositAddress{}, err
	}
	if network == "" {
		var found []exchange.DepositAddress
		for _, addr := range v.addresses {
			if addr.Asset == asset {
				found = append(found, addr)
			}
		}
		switch len(found) {
		case 0:
			return exchange.DepositAddress{}, fmt.Errorf("fake: no address for %s", asset)
		case 1:
			return found[0], nil
		default:
			return exchange.DepositAddress{}, fmt.Errorf("fake: %d networks for %s, pick one", len(found), asset)
		}
	}
	addr, ok := v.addresses[asset+":"+network]
	if !ok {
		return exchange.DepositAddress{}, fmt.Errorf("fake: no address for %s on %s", asset, network)
	}
	return addr, nil
}

// CreateWithdrawal records the request and returns the scripted receipt.
func (v *Venue) CreateWithdrawal(_ context.Context, req exchange.WithdrawalRequest) (exchange.WithdrawalReceipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("CreateWithdrawal"); err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	v.withdrawals = append(v.withdrawals, req)
	receipt := v.NextWithdrawalReceipt
	if receipt.WithdrawalID == "" {
		receipt.WithdrawalID = "fake-wd-" + strconv.Itoa(len(v.withdrawals))
	}
	return receipt, nil
}

// BalanceBySymbol returns the seeded balance, zero when unseeded.
func (v *Venue) BalanceBySymbol(_ context.Context, asset string) (exchange.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("BalanceBySymbol"); err != nil {
		return exchange.Balance{}, err
	}
	balance, ok := v.balances[asset]
	if !ok {
		return exchange.Balance{Asset: asset, Free: "0", Locked: "0"}, nil
	}
	return balance, nil
}

// Ticker returns the seeded quote.
func (v *Venue) Ticker(_ context.Context, pair string) (exchange.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("Ticker"); err != nil {
		return exchange.Ticker{}, err
	}
	ticker, ok := v.tickers[pair]
	if !ok {
		return exchange.Ticker{}, fmt.Errorf("fake: no ticker for %s", pair)
	}
	return ticker, nil
}

var _ exchange.Exchange = (*Venue)(nil)
