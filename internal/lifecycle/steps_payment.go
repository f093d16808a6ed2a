package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
)

// handleProcessSnapshot folds one inbound payment snapshot into the order's
// payment state and credits the user's ledger balance. The receipt key is the
// snapshot ID so each snapshot applies at most once.
func (p *Processor) handleProcessSnapshot(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	if payload.SnapshotID == "" {
		return fmt.Errorf("lifecycle: process_snapshot payload missing snapshot id")
	}
	done, err := p.processed(ctx, StepProcessSnapshot, payload.SnapshotID)
	if err != nil || done {
		return err
	}

	snapshot, err := p.payments.FetchSafeSnapshot(ctx, payload.SnapshotID)
	if err != nil {
		return fmt.Errorf("lifecycle: fetch snapshot %s: %w", payload.SnapshotID, err)
	}

	order, err := p.orders.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return fmt.Errorf("lifecycle: load order %s: %w", payload.OrderID, err)
	}

	leg := legForAsset(order, snapshot.AssetID)
	if leg == "" || Terminal(order.State) {
		// Funds we cannot attribute go straight back to the sender.
		if _, refundErr := p.payments.Refund(ctx, snapshot); refundErr != nil {
			return fmt.Errorf("lifecycle: refund unattributable snapshot %s: %w", snapshot.SnapshotID, refundErr)
		}
		p.logger.Warn("refunded unattributable snapshot",
			slog.String("order_id", order.OrderID),
			slog.String("snapshot_id", snapshot.SnapshotID),
			slog.String("asset_id", snapshot.AssetID))
		return p.markProcessed(ctx, StepProcessSnapshot, payload.SnapshotID)
	}

	state, err := p.orders.GetPaymentState(ctx, order.OrderID)
	if err != nil && !errors.Is(err, orderstore.ErrNotFound) {
		return fmt.Errorf("lifecycle: load payment state: %w", err)
	}
	state.OrderID = order.OrderID
	for _, seen := range state.SnapshotIDs {
		if seen == snapshot.SnapshotID {
			return p.markProcessed(ctx, StepProcessSnapshot, payload.SnapshotID)
		}
	}

	result, err := p.ledger.CreditDeposit(ctx, ledgerstore.Posting{
		UserID:         order.UserID,
		AssetID:        snapshot.AssetID,
		Amount:         snapshot.Amount,
		IdempotencyKey: "snapshot_" + snapshot.SnapshotID,
		RefType:        "payment_snapshot",
		RefID:          snapshot.SnapshotID,
		TraceID:        order.TraceID,
		OrderID:        order.OrderID,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: credit snapshot %s: %w", snapshot.SnapshotID, err)
	}
	if !result.Applied {
		p.logger.Info("snapshot credit already applied",
			slog.String("order_id", order.OrderID),
			slog.String("snapshot_id", snapshot.SnapshotID))
	}

	amount := mustDecimal(snapshot.Amount)
	switch leg {
	case "base":
		state.ReceivedBase = mustDecimal(state.ReceivedBase).Add(amount).String()
	case "quote":
		state.ReceivedQuote = mustDecimal(state.ReceivedQuote).Add(amount).String()
	case "fee":
		state.ReceivedFee = mustDecimal(state.ReceivedFee).Add(amount).String()
	}
	state.SnapshotIDs = append(state.SnapshotIDs, snapshot.SnapshotID)
	if _, err := p.orders.UpsertPaymentState(ctx, state); err != nil {
		return fmt.Errorf("lifecycle: persist payment state: %w", err)
	}

	if order.State == orderstore.StateCreated {
		if err := p.transition(ctx, order, orderstore.StatePaymentPending); err != nil {
			return err
		}
		next := stepPayload{OrderID: order.OrderID, TraceID: order.TraceID, StartedAt: p.now(), Attempt: 1}
		if err := p.enqueueStep(ctx, StepCheckPayment, next, p.params.PaymentPollInterval); err != nil {
			return err
		}
	}

	return p.markProcessed(ctx, StepProcessSnapshot, payload.SnapshotID)
}

// handleCheckPayment polls the accumulated payment state against the required
// leg amounts. Completion reserves the exchange allocation and hands off to
// the withdrawal step; timeout or retry exhaustion fails the order and
// refunds whatever arrived.
func (p *Processor) handleCheckPayment(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	done, err := p.processed(ctx, StepCheckPayment, payload.OrderID)
	if err != nil || done {
		return err
	}

	order, err := p.orders.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return fmt.Errorf("lifecycle: load order %s: %w", payload.OrderID, err)
	}
	if Terminal(order.State) {
		return nil
	}

	state, err := p.orders.GetPaymentState(ctx, order.OrderID)
	if err != nil && !errors.Is(err, orderstore.ErrNotFound) {
		return fmt.Errorf("lifecycle: load payment state: %w", err)
	}

	if paymentComplete(order, state) {
		if err := p.transition(ctx, order, orderstore.StatePaymentComplete); err != nil {
			return err
		}
		if _, err := p.orders.CreateAllocation(ctx, orderstore.Allocation{
			OrderID:     order.OrderID,
			Exchange:    order.Exchange,
			BaseAsset:   order.BaseAsset,
			BaseAmount:  order.BaseAmount,
			QuoteAsset:  order.QuoteAsset,
			QuoteAmount: order.QuoteAmount,
			State:       orderstore.AllocationReserved,
		}); err != nil {
			return fmt.Errorf("lifecycle: reserve allocation: %w", err)
		}
		next := stepPayload{OrderID: order.OrderID, TraceID: order.TraceID, StartedAt: p.now()}
		if err := p.enqueueStep(ctx, StepWithdrawToExchange, next, 0); err != nil {
			return err
		}
		return p.markProcessed(ctx, StepCheckPayment, order.OrderID)
	}

	if p.deadlineExceeded(payload.StartedAt, p.params.PaymentTimeout) || payload.Attempt >= p.params.PaymentMaxRetries {
		if err := p.fail(ctx, order, "payment window expired"); err != nil {
			return err
		}
		return p.markProcessed(ctx, StepCheckPayment, order.OrderID)
	}

	if order.State == orderstore.StatePaymentPending && anyLegReceived(state) {
		if err := p.transition(ctx, order, orderstore.StatePaymentIncomplete); err != nil {
			return err
		}
	}

	next := payload
	next.Attempt++
	return p.enqueueStep(ctx, StepCheckPayment, next, p.params.PaymentPollInterval)
}

func legForAsset(order orderstore.Order, assetID string) string {
	switch strings.TrimSpace(assetID) {
	case order.BaseAsset:
		return "base"
	case order.QuoteAsset:
		return "quote"
	case order.FeeAsset:
		if order.FeeAsset != "" {
			return "fee"
		}
	}
	return ""
}

func paymentComplete(order orderstore.Order, state orderstore.PaymentState) bool {
	if mustDecimal(state.ReceivedBase).LessThan(mustDecimal(order.BaseAmount)) {
		return false
	}
	if mustDecimal(state.ReceivedQuote).LessThan(mustDecimal(order.QuoteAmount)) {
		return false
	}
	fee := mustDecimal(order.FeeAmount)
	if fee.GreaterThan(decimal.Zero) && mustDecimal(state.ReceivedFee).LessThan(fee) {
		return false
	}
	return true
}

func anyLegReceived(state orderstore.PaymentState) bool {
	return mustDecimal(state.ReceivedBase).GreaterThan(decimal.Zero) ||
		mustDecimal(state.ReceivedQuote).GreaterThan(decimal.Zero) ||
		mustDecimal(state.ReceivedFee).GreaterThan(decimal.Zero)
}
