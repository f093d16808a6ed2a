package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/payment"
)

// refundReceived returns every received payment leg to the user. Each leg is
// debit-then-transfer; when the transfer fails after the debit applied, a
// compensating credit under `<key>:compensation` restores the balance.
func (p *Processor) refundReceived(ctx context.Context, order orderstore.Order) error {
	state, err := p.orders.GetPaymentState(ctx, order.OrderID)
	if err != nil {
		if errors.Is(err, orderstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lifecycle: load payment state for refund: %w", err)
	}

	var errs []error
	legs := []struct {
		name   string
		asset  string
		amount string
	}{
		{"base", order.BaseAsset, state.ReceivedBase},
		{"quote", order.QuoteAsset, state.ReceivedQuote},
		{"fee", order.FeeAsset, state.ReceivedFee},
	}
	for _, leg := range legs {
		if leg.asset == "" || !mustDecimal(leg.amount).GreaterThan(decimal.Zero) {
			continue
		}
		key := fmt.Sprintf("refund_%s:%s", order.OrderID, leg.name)
		if err := p.refundLeg(ctx, order, leg.asset, leg.amount, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// refundLeg debits the user's balance and transfers the funds back. The debit
// and the compensating credit share the idempotency prefix so a redelivered
// refund never double-moves money.
func (p *Processor) refundLeg(ctx context.Context, order orderstore.Order, assetID, amount, key string) error {
	result, err := p.ledger.DebitWithdrawal(ctx, ledgerstore.Posting{
		UserID:         order.UserID,
		AssetID:        assetID,
		Amount:         amount,
		IdempotencyKey: key,
		RefType:        "refund",
		RefID:          order.OrderID,
		TraceID:        order.TraceID,
		OrderID:        order.OrderID,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: refund debit %s: %w", key, err)
	}
	if !result.Applied {
		p.logger.Info("refund debit already applied", slog.String("key", key))
	}

	_, transferErr := p.payments.Transfer(ctx, payment.TransferRequest{
		AssetID:    assetID,
		OpponentID: order.UserID,
		Amount:     amount,
		Memo:       "refund " + order.OrderID,
		TraceID:    key,
	})
	if transferErr == nil {
		return nil
	}

	if _, compErr := p.ledger.CreditDeposit(ctx, ledgerstore.Posting{
		UserID:         order.UserID,
		AssetID:        assetID,
		Amount:         amount,
		IdempotencyKey: key + ":compensation",
		RefType:        "refund_compensation",
		RefID:          order.OrderID,
		TraceID:        order.TraceID,
		OrderID:        order.OrderID,
	}); compErr != nil {
		return fmt.Errorf("lifecycle: refund transfer failed and compensation failed: %w", errors.Join(transferErr, compErr))
	}
	return fmt.Errorf("lifecycle: refund transfer %s failed, balance compensated: %w", key, transferErr)
}
