package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange/fake"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/persistence/memory"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/queue"
	"github.com/mvg-fi-dev/mrmarket/internal/payment"
)

type stubCampaigns struct {
	mu    sync.Mutex
	joins []string
}

func (s *stubCampaigns) Join(_ context.Context, _, campaignID, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.joins {
		if existing == campaignID+":"+orderID {
			return false, nil
		}
	}
	s.joins = append(s.joins, campaignID+":"+orderID)
	return true, nil
}

type stubStrategies struct {
	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
}

func newStubStrategies() *stubStrategies {
	return &stubStrategies{started: make(map[string]int), stopped: make(map[string]int)}
}

func (s *stubStrategies) StartQuoter(_ context.Context, order orderstore.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[order.OrderID]++
	return nil
}

func (s *stubStrategies) StopQuoter(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[orderID]++
	return nil
}

type fixture struct {
	processor  *Processor
	pool       *queue.Pool
	orders     *memory.OrderStore
	ledger     *memory.LedgerStore
	outbox     *memory.OutboxStore
	jobs       *memory.JobStore
	venue      *fake.Venue
	payments   *payment.Fake
	campaigns  *stubCampaigns
	strategies *stubStrategies
}

func newFixture(t *testing.T, params Params) *fixture {
	t.Helper()
	f := &fixture{
		orders:     memory.NewOrderStore(),
		ledger:     memory.NewLedgerStore(),
		outbox:     memory.NewOutboxStore(),
		jobs:       memory.NewJobStore(),
		venue:      fake.New(),
		payments:   payment.NewFake(),
		campaigns:  &stubCampaigns{},
		strategies: newStubStrategies(),
	}
	if params.PaymentPollInterval == 0 {
		params.PaymentPollInterval = time.Millisecond
	}
	if params.RetryDelay == 0 {
		params.RetryDelay = time.Millisecond
	}
	if params.DefaultCampaignID == "" {
		params.DefaultCampaignID = "camp-1"
	}
	f.processor = NewProcessor(Deps{
		Orders:     f.orders,
		Ledger:     f.ledger,
		Outbox:     f.outbox,
		Jobs:       f.jobs,
		Venues:     exchange.NewRegistry(f.venue),
		Payments:   f.payments,
		Campaigns:  f.campaigns,
		Strategies: f.strategies,
	}, params)
	f.pool = queue.New(f.jobs, queue.Options{Workers: 1, ClaimLimit: 8})
	f.processor.RegisterHandlers(f.pool)
	return f
}

// drain runs queued jobs until the queue stays empty for a few rounds.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	idle := 0
	for i := 0; i < 500; i++ {
		processed, err := f.pool.PollOnce(context.Background())
		require.NoError(t, err)
		if processed == 0 {
			idle++
			if idle > 5 {
				return
			}
			time.Sleep(2 * time.Millisecond)
			continue
		}
		idle = 0
	}
	t.Fatal("queue never drained")
}

func (f *fixture) createFundedOrder(t *testing.T) orderstore.Order {
	t.Helper()
	order, err := f.processor.CreateOrder(context.Background(), CreateOrderRequest{
		OrderID:     "ord-1",
		UserID:      "user-1",
		Exchange:    "fake",
		Pair:        "BTC/USDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		BaseAmount:  "1.23456789",
		QuoteAmount: "5000.00",
	})
	require.NoError(t, err)

	f.payments.SeedSnapshot(payment.SafeSnapshot{
		SnapshotID: "s1", AssetID: "BTC", Amount: "1.23456789", Confirmations: 1,
	})
	f.payments.SeedSnapshot(payment.SafeSnapshot{
		SnapshotID: "s2", AssetID: "USDT", Amount: "5000.00", Confirmations: 1,
	})

	f.venue.SeedAddress("BTC", "BTC", "venue-btc-addr")
	f.venue.SeedAddress("USDT", "TRC20", "venue-usdt-addr")

	// Outbound transfers confirm on the payment network with these hashes.
	f.payments.SeedSnapshot(payment.SafeSnapshot{
		SnapshotID: "withdraw_ord-1_base", TransactionHash: "0xbasehash", Confirmations: 1,
	})
	f.payments.SeedSnapshot(payment.SafeSnapshot{
		SnapshotID: "withdraw_ord-1_quote", TransactionHash: "0xquotehash", Confirmations: 1,
	})

	f.venue.SeedDeposits("BTC", []map[string]any{{
		"currency": "BTC", "network": "BTC", "txid": "0xBASEHASH",
		"amount": "1.23456789", "status": "ok",
	}})
	f.venue.SeedDeposits("USDT", []map[string]any{{
		"currency": "USDT", "network": "TRC20", "txid": "0xQUOTEHASH",
		"amount": "5000.00", "status": "ok",
	}})
	return order
}

func TestFullSagaReachesRunning(t *testing.T) {
	f := newFixture(t, Params{})
	order := f.createFundedOrder(t)

	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s1"))
	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s2"))
	f.drain(t)

	got, err := f.orders.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.StateRunning, got.State)

	alloc, err := f.orders.GetAllocation(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.AllocationDepositConfirmed, alloc.State)
	require.Equal(t, "1.23456789", alloc.BaseAmount)
	require.Equal(t, "5000.00", alloc.QuoteAmount)

	require.Equal(t, 1, f.strategies.started[order.OrderID])
	require.Len(t, f.campaigns.joins, 1)

	// Credited then withdrawn, so the user's balance nets to zero.
	balance, err := f.ledger.GetBalance(context.Background(), "user-1", "BTC")
	require.NoError(t, err)
	require.Equal(t, "0", balance.Available)

	started, err := f.outbox.ListEvents(context.Background(), outboxstore.Query{Topics: []string{TopicStarted}})
	require.NoError(t, err)
	require.Len(t, started, 1)
	confirmed, err := f.outbox.ListEvents(context.Background(), outboxstore.Query{Topics: []string{TopicDepositConfirmed}})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
}

func TestRedeliveredSnapshotAppliesOnce(t *testing.T) {
	f := newFixture(t, Params{})
	order := f.createFundedOrder(t)

	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s1"))
	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s2"))
	f.drain(t)

	entriesBefore, err := f.ledger.ListEntries(context.Background(), "user-1", "BTC", 50)
	require.NoError(t, err)

	// Redeliver the same snapshot notification.
	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s1"))
	f.drain(t)

	entriesAfter, err := f.ledger.ListEntries(context.Background(), "user-1", "BTC", 50)
	require.NoError(t, err)
	require.Equal(t, len(entriesBefore), len(entriesAfter))

	state, err := f.orders.GetPaymentState(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, "1.23456789", state.ReceivedBase)
}

func TestPaymentWindowExpiryFailsAndRefunds(t *testing.T) {
	f := newFixture(t, Params{PaymentMaxRetries: 2})
	order := f.createFundedOrder(t)

	// Only the base leg arrives.
	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s1"))
	f.drain(t)

	got, err := f.orders.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.StateFailed, got.State)

	transfers := f.payments.Transfers()
	require.Len(t, transfers, 1)
	require.Equal(t, "user-1", transfers[0].OpponentID)
	require.Equal(t, "1.23456789", transfers[0].Amount)

	balance, err := f.ledger.GetBalance(context.Background(), "user-1", "BTC")
	require.NoError(t, err)
	require.Equal(t, "0", balance.Available)
}

func TestRefundCompensatesWhenTransferFails(t *testing.T) {
	f := newFixture(t, Params{PaymentMaxRetries: 2})
	order := f.createFundedOrder(t)
	f.payments.TransferErr = context.DeadlineExceeded

	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s1"))
	f.drain(t)

	got, err := f.orders.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.StateFailed, got.State)

	// Debit applied, transfer failed, compensation restored the balance.
	balance, err := f.ledger.GetBalance(context.Background(), "user-1", "BTC")
	require.NoError(t, err)
	require.Equal(t, "1.23456789", balance.Available)
}

func TestExitBoundedByAllocation(t *testing.T) {
	f := newFixture(t, Params{})
	order := f.createFundedOrder(t)

	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s1"))
	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s2"))
	f.drain(t)

	// Shared account holds more than this order's allocation.
	f.venue.SeedBalance("BTC", "10", "0")
	f.venue.SeedBalance("USDT", "99999", "0")

	require.NoError(t, f.processor.RequestExit(context.Background(), order.OrderID))
	f.drain(t)

	withdrawals := f.venue.Withdrawals()
	require.Len(t, withdrawals, 2)
	require.Equal(t, "1.23456789", withdrawals[0].Amount)
	require.Equal(t, "5000.00", withdrawals[1].Amount)

	got, err := f.orders.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.StateExitComplete, got.State)

	alloc, err := f.orders.GetAllocation(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.AllocationReleased, alloc.State)
	require.Equal(t, "0", alloc.BaseAmount)
	require.Equal(t, "0", alloc.QuoteAmount)

	require.GreaterOrEqual(t, f.strategies.stopped[order.OrderID], 1)
}

func TestExitBeforeWithdrawalRefundsDirectly(t *testing.T) {
	f := newFixture(t, Params{PaymentMaxRetries: 1000})
	order := f.createFundedOrder(t)

	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s1"))
	// Stop before the quote leg arrives; the order sits in payment states.
	for i := 0; i < 3; i++ {
		_, err := f.pool.PollOnce(context.Background())
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, f.processor.RequestExit(context.Background(), order.OrderID))
	f.drain(t)

	got, err := f.orders.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.StateExitComplete, got.State)

	// No exchange withdrawal happened; the base leg was refunded.
	require.Empty(t, f.venue.Withdrawals())
	balance, err := f.ledger.GetBalance(context.Background(), "user-1", "BTC")
	require.NoError(t, err)
	require.Equal(t, "0", balance.Available)
}

func TestWithdrawStepRedeliveredAfterStatePersisted(t *testing.T) {
	f := newFixture(t, Params{})
	order := f.createFundedOrder(t)
	ctx := context.Background()

	// Fund the ledger the way snapshot processing would have.
	legs := []struct{ asset, amount, name string }{
		{"BTC", "1.23456789", "base"},
		{"USDT", "5000.00", "quote"},
	}
	for _, leg := range legs {
		_, err := f.ledger.CreditDeposit(ctx, ledgerstore.Posting{
			UserID: "user-1", AssetID: leg.asset, Amount: leg.amount,
			IdempotencyKey: "seed_" + leg.name, RefType: "payment", RefID: order.OrderID,
		})
		require.NoError(t, err)
	}
	_, err := f.orders.CreateAllocation(ctx, orderstore.Allocation{
		OrderID: order.OrderID, Exchange: "fake",
		BaseAsset: "BTC", BaseAmount: "1.23456789",
		QuoteAsset: "USDT", QuoteAmount: "5000.00",
		State: orderstore.AllocationReserved,
	})
	require.NoError(t, err)

	// A previous run debited both legs and persisted the withdrawing state,
	// then died before writing the step receipt.
	for _, leg := range legs {
		_, err := f.ledger.DebitWithdrawal(ctx, ledgerstore.Posting{
			UserID: "user-1", AssetID: leg.asset, Amount: leg.amount,
			IdempotencyKey: "withdraw_" + order.OrderID + ":" + leg.name,
			RefType:        "exchange_withdrawal",
			RefID:          order.OrderID,
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.orders.UpdateOrderState(ctx, order.OrderID, orderstore.StateWithdrawing))

	// Redeliver the step and let the saga run out.
	payload := stepPayload{OrderID: order.OrderID, TraceID: order.TraceID, StartedAt: time.Now()}
	require.NoError(t, f.processor.enqueueStep(ctx, StepWithdrawToExchange, payload, 0))
	f.drain(t)

	got, err := f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.StateRunning, got.State)

	// The replayed debits did not double-spend.
	balance, err := f.ledger.GetBalance(ctx, "user-1", "BTC")
	require.NoError(t, err)
	require.Equal(t, "0", balance.Available)
}

func TestExitStepRedeliveredMidRefund(t *testing.T) {
	f := newFixture(t, Params{PaymentMaxRetries: 1000})
	order := f.createFundedOrder(t)
	ctx := context.Background()

	require.NoError(t, f.processor.SubmitSnapshot(ctx, order.OrderID, "s1"))
	for i := 0; i < 3; i++ {
		_, err := f.pool.PollOnce(ctx)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	// A previous exit run persisted exit_refunding and died before finishing.
	require.NoError(t, f.orders.UpdateOrderState(ctx, order.OrderID, orderstore.StateExitRefunding))

	payload := stepPayload{OrderID: order.OrderID, TraceID: order.TraceID, StartedAt: time.Now()}
	require.NoError(t, f.processor.enqueueStep(ctx, StepExitWithdrawal, payload, 0))
	f.drain(t)

	got, err := f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.StateExitComplete, got.State)

	// No exchange involvement, and the base leg went back to the user.
	require.Empty(t, f.venue.Withdrawals())
	balance, err := f.ledger.GetBalance(ctx, "user-1", "BTC")
	require.NoError(t, err)
	require.Equal(t, "0", balance.Available)
}

func TestStopRunsAgainAfterResume(t *testing.T) {
	f := newFixture(t, Params{})
	order := f.createFundedOrder(t)
	ctx := context.Background()

	require.NoError(t, f.processor.SubmitSnapshot(ctx, order.OrderID, "s1"))
	require.NoError(t, f.processor.SubmitSnapshot(ctx, order.OrderID, "s2"))
	f.drain(t)

	require.NoError(t, f.processor.Stop(ctx, order.OrderID))
	f.drain(t)
	got, err := f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.StateStopped, got.State)

	require.NoError(t, f.processor.Pause(ctx, order.OrderID))
	require.NoError(t, f.processor.Resume(ctx, order.OrderID))

	stopsBefore := f.strategies.stopped[order.OrderID]
	require.NoError(t, f.processor.Stop(ctx, order.OrderID))
	f.drain(t)

	got, err = f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, orderstore.StateStopped, got.State)
	require.Greater(t, f.strategies.stopped[order.OrderID], stopsBefore)
}

func TestEveryTransitionRecorded(t *testing.T) {
	f := newFixture(t, Params{})
	order := f.createFundedOrder(t)

	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s1"))
	require.NoError(t, f.processor.SubmitSnapshot(context.Background(), order.OrderID, "s2"))
	f.drain(t)

	records, err := f.outbox.ListEvents(context.Background(), outboxstore.Query{
		Topics:      []string{TopicOrderStateChanged},
		OrderID:     order.OrderID,
		OldestFirst: true,
		Limit:       50,
	})
	require.NoError(t, err)
	// created→payment_pending …→ running is at least eight transitions.
	require.GreaterOrEqual(t, len(records), 8)
}
