package postgres

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/campaignstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
)

func TestOutboxStoreNilPool(t *testing.T) {
	store := NewOutboxStore(nil)
	ctx := context.Background()
	event := outboxstore.Event{
		Topic:         "mm.started",
		AggregateType: "order",
		AggregateID:   "order-1",
		Payload:       json.RawMessage(`{"orderId":"order-1"}`),
	}
	if _, err := store.AppendEvent(ctx, event); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListEvents(ctx, outboxstore.Query{}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.MarkProcessed(ctx, "step", "key"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.IsProcessed(ctx, "step", "key"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestOutboxStoreAppendValidation(t *testing.T) {
	store := NewOutboxStore(nil)
	ctx := context.Background()
	if _, err := store.AppendEvent(ctx, outboxstore.Event{}); err == nil {
		t.Fatalf("expected error for missing topic")
	}
	if _, err := store.MarkProcessed(ctx, "", "key"); err == nil {
		t.Fatalf("expected error for missing consumer")
	}
}

func TestLedgerStoreNilPool(t *testing.T) {
	store := NewLedgerStore(nil)
	ctx := context.Background()
	posting := ledgerstore.Posting{
		UserID:         "user-1",
		AssetID:        "asset-1",
		Amount:         "1.5",
		IdempotencyKey: "key-1",
	}
	if _, err := store.CreditDeposit(ctx, posting); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.DebitWithdrawal(ctx, posting); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.GetBalance(ctx, "user-1", "asset-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListBalances(ctx, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListEntries(ctx, "user-1", "asset-1", 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestLedgerStorePostingValidation(t *testing.T) {
	store := NewLedgerStore(nil)
	ctx := context.Background()
	if _, err := store.CreditDeposit(ctx, ledgerstore.Posting{UserID: "u", AssetID: "a", IdempotencyKey: "k", Amount: "not-a-number"}); err == nil {
		t.Fatalf("expected error for bad amount")
	}
	if _, err := store.CreditDeposit(ctx, ledgerstore.Posting{UserID: "u", AssetID: "a", IdempotencyKey: "k", Amount: "-1"}); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := store.CreditDeposit(ctx, ledgerstore.Posting{AssetID: "a", IdempotencyKey: "k", Amount: "1"}); err == nil {
		t.Fatalf("expected error for missing user")
	}
}

func TestOrderStoreNilPool(t *testing.T) {
	store := NewOrderStore(nil)
	ctx := context.Background()
	order := orderstore.Order{
		OrderID:     "order-1",
		UserID:      "user-1",
		Exchange:    "mexc",
		Pair:        "BTC/USDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		BaseAmount:  "1.23456789",
		QuoteAmount: "5000.00",
	}
	if _, err := store.CreateOrder(ctx, order); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.GetOrder(ctx, "order-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.UpdateOrderState(ctx, "order-1", orderstore.StateRunning); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListOrdersByState(ctx, orderstore.StateRunning, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.UpsertPaymentState(ctx, orderstore.PaymentState{OrderID: "order-1"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.GetPaymentState(ctx, "order-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	alloc := orderstore.Allocation{OrderID: "order-1", BaseAmount: "1", QuoteAmount: "2"}
	if _, err := store.CreateAllocation(ctx, alloc); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.GetAllocation(ctx, "order-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.UpdateAllocationState(ctx, "order-1", orderstore.AllocationReleased); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.ReleaseAllocation(ctx, "order-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestIntentStoreNilPool(t *testing.T) {
	store := NewIntentStore(nil)
	ctx := context.Background()
	intent := intentstore.Intent{
		IntentID:    "intent-1",
		Type:        intentstore.TypeCreateLimitOrder,
		StrategyKey: "mexc:BTC/USDT",
		Exchange:    "mexc",
		Pair:        "BTC/USDT",
		Side:        "buy",
		Price:       "50000",
		Qty:         "0.01",
	}
	if _, err := store.Insert(ctx, intent); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Get(ctx, "intent-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListByStatus(ctx, intentstore.StatusNew, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListStaleSent(ctx, time.Now(), 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkSent(ctx, "intent-1", 1); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkAcked(ctx, "intent-1", "ex-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkFailed(ctx, "intent-1", "boom"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkDone(ctx, "intent-1", ""); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestJobStoreNilPool(t *testing.T) {
	store := NewJobStore(nil)
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, jobstore.Enqueue{JobID: "withdraw_order-1", Kind: "withdraw_to_exchange"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ClaimDue(ctx, time.Now(), 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkDone(ctx, "withdraw_order-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkRetry(ctx, "withdraw_order-1", "boom", time.Now()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkDead(ctx, "withdraw_order-1", "boom"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Get(ctx, "withdraw_order-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.RequeueStuck(ctx, time.Now()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestCampaignStoreNilPool(t *testing.T) {
	store := NewCampaignStore(nil)
	ctx := context.Background()
	p := campaignstore.Participation{CampaignID: "camp-1", OrderID: "order-1", UserID: "user-1"}
	if _, _, err := store.Join(ctx, p); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListByOrder(ctx, "order-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListRewardUsage(ctx, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}
