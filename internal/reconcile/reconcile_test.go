package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/campaignstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/persistence/memory"
	"github.com/mvg-fi-dev/mrmarket/internal/lifecycle"
)

type fixture struct {
	ledger  *memory.LedgerStore
	rewards *memory.CampaignStore
	intents *memory.IntentStore
	orders  *memory.OrderStore
	jobs    *memory.JobStore
}

func newFixture() *fixture {
	return &fixture{
		ledger:  memory.NewLedgerStore(),
		rewards: memory.NewCampaignStore(),
		intents: memory.NewIntentStore(),
		orders:  memory.NewOrderStore(),
		jobs:    memory.NewJobStore(),
	}
}

func (f *fixture) sweeper(opts Options) *Sweeper {
	return NewSweeper(f.ledger, f.rewards, f.intents, f.orders, f.jobs, opts)
}

func TestSweepCleanStateFindsNothing(t *testing.T) {
	f := newFixture()
	f.ledger.SeedBalance("user-1", "btc-asset", "1.5", "0.5")
	f.rewards.SeedRewardUsage(campaignstore.RewardUsage{
		RewardTxID: "rw-1", Amount: "100", Allocated: "40",
	})

	findings, err := f.sweeper(Options{}).Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, findings.Anomalies())
	require.Zero(t, findings.RepairsEnqueued)
}

func TestSweepFlagsNegativeBalance(t *testing.T) {
	f := newFixture()
	f.ledger.SeedBalance("user-1", "btc-asset", "-0.1", "0")
	f.ledger.SeedBalance("user-2", "btc-asset", "1", "-2")

	findings, err := f.sweeper(Options{}).Sweep(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user-1/btc-asset", "user-2/btc-asset"}, findings.LedgerViolations)
}

func TestSweepFlagsOverAllocatedReward(t *testing.T) {
	f := newFixture()
	f.rewards.SeedRewardUsage(campaignstore.RewardUsage{
		RewardTxID: "rw-over", Amount: "100", Allocated: "100.00000001",
	})
	f.rewards.SeedRewardUsage(campaignstore.RewardUsage{
		RewardTxID: "rw-full", Amount: "100", Allocated: "100",
	})

	findings, err := f.sweeper(Options{}).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"rw-over"}, findings.RewardViolations)
}

func TestSweepFlagsStaleSentIntents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.intents.Insert(ctx, intentstore.Intent{IntentID: "i-stale", Type: intentstore.TypeCreateLimitOrder})
	require.NoError(t, err)
	require.NoError(t, f.intents.MarkSent(ctx, "i-stale", 1))

	// Clock ten minutes ahead makes the just-sent intent six minutes stale.
	clock := func() time.Time { return time.Now().Add(10 * time.Minute) }
	findings, err := f.sweeper(Options{Clock: clock}).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"i-stale"}, findings.StaleSentIntents)

	// With the real clock the intent is fresh.
	findings, err = f.sweeper(Options{}).Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, findings.StaleSentIntents)
}

func TestSweepFlagsDoneCreateWithoutOrderID(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.intents.Insert(ctx, intentstore.Intent{IntentID: "i-odd", Type: intentstore.TypeCreateLimitOrder})
	require.NoError(t, err)
	require.NoError(t, f.intents.MarkDone(ctx, "i-odd", ""))

	// A skipped create is fine without an order id.
	_, err = f.intents.Insert(ctx, intentstore.Intent{IntentID: "i-skipped", Type: intentstore.TypeCreateLimitOrder})
	require.NoError(t, err)
	require.NoError(t, f.intents.MarkDone(ctx, "i-skipped", "KILL_SWITCH_ENABLED"))

	// A done cancel never carries an order id either.
	_, err = f.intents.Insert(ctx, intentstore.Intent{IntentID: "i-cancel", Type: intentstore.TypeCancelOrder})
	require.NoError(t, err)
	require.NoError(t, f.intents.MarkDone(ctx, "i-cancel", ""))

	findings, err := f.sweeper(Options{}).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"i-odd"}, findings.DoneWithoutOrder)
}

func TestSweepRepairsStuckDepositMonitor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, err := f.orders.CreateOrder(ctx, orderstore.Order{
		OrderID: "ord-stuck", UserID: "user-1", TraceID: "trace-1",
		Exchange: "fake", Pair: "BTC/USDT",
		BaseAsset: "btc", QuoteAsset: "usdt",
		BaseAmount: "1", QuoteAmount: "50000",
	})
	require.NoError(t, err)
	require.NoError(t, f.orders.UpdateOrderState(ctx, order.OrderID, orderstore.StateDepositConfirming))

	at := time.Unix(1_700_000_000, 0)
	sweeper := f.sweeper(Options{Clock: func() time.Time { return at }})
	findings, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, findings.RepairsEnqueued)
	require.Equal(t, []string{"ord-stuck"}, findings.OrdersReenqueued)

	job, err := f.jobs.Get(ctx, repairJobID("ord-stuck", at))
	require.NoError(t, err)
	require.Equal(t, lifecycle.StepMonitorExchangeDeposit, job.Kind)

	// A second sweep in the same window dedupes on the job ID.
	findings, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, findings.RepairsEnqueued)
}

func TestSweepRepairsAgainInLaterWindow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, err := f.orders.CreateOrder(ctx, orderstore.Order{
		OrderID: "ord-stuck", UserID: "user-1", TraceID: "trace-1",
		Exchange: "fake", Pair: "BTC/USDT",
		BaseAsset: "btc", QuoteAsset: "usdt",
		BaseAmount: "1", QuoteAmount: "50000",
	})
	require.NoError(t, err)
	require.NoError(t, f.orders.UpdateOrderState(ctx, order.OrderID, orderstore.StateDepositConfirming))

	now := time.Unix(1_700_000_000, 0)
	sweeper := f.sweeper(Options{Clock: func() time.Time { return now }})

	findings, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, findings.RepairsEnqueued)
	first := repairJobID(order.OrderID, now)
	require.NoError(t, f.jobs.MarkDone(ctx, first))

	// Still wedged one window later; the finished repair must not block a
	// fresh one.
	now = now.Add(repairWindow)
	findings, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, findings.RepairsEnqueued)

	second, err := f.jobs.Get(ctx, repairJobID(order.OrderID, now))
	require.NoError(t, err)
	require.NotEqual(t, first, second.JobID)
}

func TestHealthReadsDuringTicks(t *testing.T) {
	f := newFixture()
	f.ledger.SeedBalance("user-1", "btc-asset", "1", "0")
	sweeper := f.sweeper(Options{EveryNTicks: 1})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = sweeper.Healthy()
				_ = sweeper.LastFindings()
			}
		}
	}()
	for i := 0; i < 100; i++ {
		require.NoError(t, sweeper.OnTick(context.Background(), time.Now()))
	}
	close(stop)
	wg.Wait()
	require.True(t, sweeper.Healthy())
}

func TestOnTickRunsEveryNth(t *testing.T) {
	f := newFixture()
	f.ledger.SeedBalance("user-1", "btc-asset", "-1", "0")
	sweeper := f.sweeper(Options{EveryNTicks: 3})

	now := time.Now()
	require.NoError(t, sweeper.OnTick(context.Background(), now))
	require.NoError(t, sweeper.OnTick(context.Background(), now))
	require.Zero(t, sweeper.LastFindings().Anomalies())

	require.NoError(t, sweeper.OnTick(context.Background(), now))
	require.Equal(t, 1, sweeper.LastFindings().Anomalies())
	require.True(t, sweeper.Healthy())
}
