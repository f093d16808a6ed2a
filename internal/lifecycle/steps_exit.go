package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
)

// handleExitWithdrawal pulls the order's allocated funds off the venue. The
// withdrawal amounts come from the recorded allocation, never from the
// account balance, because the exchange account is shared across orders.
func (p *Processor) handleExitWithdrawal(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	done, err := p.processed(ctx, StepExitWithdrawal, payload.OrderID)
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

	if err := p.strategies.StopQuoter(ctx, order.OrderID); err != nil {
		p.logger.Warn("quoter stop during exit failed",
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()))
	}

	alloc, allocErr := p.orders.GetAllocation(ctx, order.OrderID)
	onExchange := allocErr == nil &&
		(alloc.State == orderstore.AllocationDepositConfirmed || alloc.State == orderstore.AllocationExitWithdrawing)
	if allocErr != nil && !errors.Is(allocErr, orderstore.ErrNotFound) {
		return fmt.Errorf("lifecycle: load allocation: %w", allocErr)
	}

	if !onExchange {
		// Funds never reached the exchange; refund what arrived and finish.
		// Each hop is guarded on the current state so a redelivered job picks
		// the chain up wherever the last run left it.
		if order.State == orderstore.StateExitRequested {
			if err := p.transition(ctx, order, orderstore.StateExitWithdrawing); err != nil {
				return err
			}
			order.State = orderstore.StateExitWithdrawing
		}
		if order.State == orderstore.StateExitWithdrawing {
			if err := p.transition(ctx, order, orderstore.StateExitRefunding); err != nil {
				return err
			}
			order.State = orderstore.StateExitRefunding
		}
		if err := p.refundReceived(ctx, order); err != nil {
			p.logger.Error("exit refund incomplete",
				slog.String("order_id", order.OrderID),
				slog.String("error", err.Error()))
		}
		if err := p.transition(ctx, order, orderstore.StateExitComplete); err != nil {
			return err
		}
		if allocErr == nil {
			if err := p.orders.ReleaseAllocation(ctx, order.OrderID); err != nil {
				return fmt.Errorf("lifecycle: release allocation: %w", err)
			}
		}
		return p.markProcessed(ctx, StepExitWithdrawal, order.OrderID)
	}

	venue, err := p.venue(order)
	if err != nil {
		return err
	}
	baseAddr, quoteAddr, err := p.userReturnAddresses(ctx, order)
	if err != nil {
		return err
	}

	baseReceipt, err := venue.CreateWithdrawal(ctx, exchange.WithdrawalRequest{
		Asset:   alloc.BaseAsset,
		Network: payload.BaseNetwork,
		Address: baseAddr,
		Amount:  alloc.BaseAmount,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: exit base withdrawal: %w", err)
	}
	quoteReceipt, err := venue.CreateWithdrawal(ctx, exchange.WithdrawalRequest{
		Asset:   alloc.QuoteAsset,
		Network: payload.QuoteNetwork,
		Address: quoteAddr,
		Amount:  alloc.QuoteAmount,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: exit quote withdrawal: %w", err)
	}

	if err := p.orders.UpdateAllocationState(ctx, order.OrderID, orderstore.AllocationExitWithdrawing); err != nil {
		return fmt.Errorf("lifecycle: mark allocation exiting: %w", err)
	}
	if err := p.transition(ctx, order, orderstore.StateExitWithdrawing); err != nil {
		return err
	}

	next := stepPayload{
		OrderID:     order.OrderID,
		TraceID:     order.TraceID,
		StartedAt:   p.now(),
		Attempt:     1,
		BaseTxHash:  baseReceipt.TxHash,
		QuoteTxHash: quoteReceipt.TxHash,
	}
	if err := p.enqueueStep(ctx, StepMonitorExitDeposit, next, p.params.RetryDelay); err != nil {
		return err
	}
	return p.markProcessed(ctx, StepExitWithdrawal, order.OrderID)
}

// userReturnAddresses resolves where the venue should send the exit funds on
// the payment network. The user's own account id doubles as the destination.
func (p *Processor) userReturnAddresses(_ context.Context, order orderstore.Order) (string, string, error) {
	user := strings.TrimSpace(order.UserID)
	if user == "" {
		return "", "", fmt.Errorf("lifecycle: order %s has no user id", order.OrderID)
	}
	return user, user, nil
}

// handleMonitorExitDeposit waits for the exit withdrawal to land back on the
// payment network, then returns the funds to the user through the ledger.
func (p *Processor) handleMonitorExitDeposit(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	done, err := p.processed(ctx, StepMonitorExitDeposit, payload.OrderID)
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

	alloc, err := p.orders.GetAllocation(ctx, order.OrderID)
	if err != nil {
		return fmt.Errorf("lifecycle: load allocation: %w", err)
	}

	baseArrived, err := p.exitArrived(ctx, alloc.BaseAsset, alloc.BaseAmount, payload.BaseTxHash)
	if err != nil {
		return err
	}
	quoteArrived, err := p.exitArrived(ctx, alloc.QuoteAsset, alloc.QuoteAmount, payload.QuoteTxHash)
	if err != nil {
		return err
	}

	if baseArrived && quoteArrived {
		if err := p.transition(ctx, order, orderstore.StateExitRefunding); err != nil {
			return err
		}
		order.State = orderstore.StateExitRefunding

		legs := []struct {
			name   string
			asset  string
			amount string
		}{
			{"base", alloc.BaseAsset, alloc.BaseAmount},
			{"quote", alloc.QuoteAsset, alloc.QuoteAmount},
		}
		for _, leg := range legs {
			if _, err := p.ledger.CreditDeposit(ctx, ledgerstore.Posting{
				UserID:         order.UserID,
				AssetID:        leg.asset,
				Amount:         leg.amount,
				IdempotencyKey: fmt.Sprintf("exit_%s:%s", order.OrderID, leg.name),
				RefType:        "exit_deposit",
				RefID:          order.OrderID,
				TraceID:        order.TraceID,
				OrderID:        order.OrderID,
			}); err != nil {
				return fmt.Errorf("lifecycle: credit exit %s leg: %w", leg.name, err)
			}
			key := fmt.Sprintf("exit_refund_%s:%s", order.OrderID, leg.name)
			if err := p.refundLeg(ctx, order, leg.asset, leg.amount, key); err != nil {
				p.logger.Error("exit refund leg failed",
					slog.String("order_id", order.OrderID),
					slog.String("leg", leg.name),
					slog.String("error", err.Error()))
			}
		}

		if err := p.transition(ctx, order, orderstore.StateExitComplete); err != nil {
			return err
		}
		if err := p.orders.ReleaseAllocation(ctx, order.OrderID); err != nil {
			return fmt.Errorf("lifecycle: release allocation: %w", err)
		}
		return p.markProcessed(ctx, StepMonitorExitDeposit, order.OrderID)
	}

	if p.deadlineExceeded(payload.StartedAt, p.params.ExitTimeout) {
		if err := p.fail(ctx, order, "exit withdrawal timed out"); err != nil {
			return err
		}
		return p.markProcessed(ctx, StepMonitorExitDeposit, order.OrderID)
	}

	next := payload
	next.Attempt++
	return p.enqueueStep(ctx, StepMonitorExitDeposit, next, p.params.RetryDelay)
}

// exitArrived reports whether a payment-network snapshot for the exit leg
// exists, by transaction hash when known, by asset and amount otherwise.
func (p *Processor) exitArrived(ctx context.Context, assetID, amount, txHash string) (bool, error) {
	if txHash != "" {
		snapshot, err := p.payments.FetchSafeSnapshot(ctx, txHash)
		if err != nil {
			return false, nil
		}
		return snapshot.Confirmations >= 1, nil
	}

	snapshots, err := p.payments.FetchSafeSnapshots(ctx, 100)
	if err != nil {
		return false, fmt.Errorf("lifecycle: list snapshots: %w", err)
	}
	want := mustDecimal(amount)
	tolerance := mustDecimal(p.params.DepositTolerance)
	for _, snapshot := range snapshots {
		if snapshot.AssetID != assetID || snapshot.Confirmations < 1 {
			continue
		}
		if mustDecimal(snapshot.Amount).Sub(want).Abs().LessThanOrEqual(tolerance) {
			return true, nil
		}
	}
	return false, nil
}
