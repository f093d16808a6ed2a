package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mvg-fi-dev/mrmarket/internal/depositmatch"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
	"github.com/mvg-fi-dev/mrmarket/internal/payment"
)

// handleWithdrawToExchange debits both legs from the user's balance and
// transfers them to the venue's deposit addresses. The debit keys are derived
// from the order ID so a redelivered job never double-debits.
func (p *Processor) handleWithdrawToExchange(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	done, err := p.processed(ctx, StepWithdrawToExchange, payload.OrderID)
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

	venue, err := p.venue(order)
	if err != nil {
		return err
	}
	baseAddr, err := venue.GetDepositAddress(ctx, order.BaseAsset, "")
	if err != nil {
		return fmt.Errorf("lifecycle: base deposit address: %w", err)
	}
	quoteAddr, err := venue.GetDepositAddress(ctx, order.QuoteAsset, "")
	if err != nil {
		return fmt.Errorf("lifecycle: quote deposit address: %w", err)
	}

	legs := []struct {
		name    string
		asset   string
		amount  string
		address string
		memo    string
	}{
		{"base", order.BaseAsset, order.BaseAmount, baseAddr.Address, baseAddr.Memo},
		{"quote", order.QuoteAsset, order.QuoteAmount, quoteAddr.Address, quoteAddr.Memo},
	}
	for _, leg := range legs {
		key := fmt.Sprintf("withdraw_%s:%s", order.OrderID, leg.name)
		result, err := p.ledger.DebitWithdrawal(ctx, ledgerstore.Posting{
			UserID:         order.UserID,
			AssetID:        leg.asset,
			Amount:         leg.amount,
			IdempotencyKey: key,
			RefType:        "exchange_withdrawal",
			RefID:          order.OrderID,
			TraceID:        order.TraceID,
			OrderID:        order.OrderID,
		})
		if err != nil {
			return fmt.Errorf("lifecycle: debit %s: %w", key, err)
		}
		if !result.Applied {
			p.logger.Info("withdrawal debit already applied", slog.String("key", key))
		}

		_, transferErr := p.payments.Transfer(ctx, payment.TransferRequest{
			AssetID:    leg.asset,
			OpponentID: leg.address,
			Amount:     leg.amount,
			Memo:       leg.memo,
			TraceID:    fmt.Sprintf("withdraw_%s_%s", order.OrderID, leg.name),
		})
		if transferErr != nil {
			if _, compErr := p.ledger.CreditDeposit(ctx, ledgerstore.Posting{
				UserID:         order.UserID,
				AssetID:        leg.asset,
				Amount:         leg.amount,
				IdempotencyKey: key + ":compensation",
				RefType:        "withdrawal_compensation",
				RefID:          order.OrderID,
				TraceID:        order.TraceID,
				OrderID:        order.OrderID,
			}); compErr != nil {
				p.logger.Error("withdrawal compensation failed",
					slog.String("key", key),
					slog.String("error", compErr.Error()))
			}
			if err := p.fail(ctx, order, "exchange transfer failed: "+transferErr.Error()); err != nil {
				return err
			}
			return p.markProcessed(ctx, StepWithdrawToExchange, order.OrderID)
		}
	}

	if err := p.transition(ctx, order, orderstore.StateWithdrawing); err != nil {
		return err
	}
	next := stepPayload{
		OrderID:      order.OrderID,
		TraceID:      order.TraceID,
		StartedAt:    p.now(),
		Attempt:      1,
		BaseNetwork:  baseAddr.Network,
		QuoteNetwork: quoteAddr.Network,
	}
	if err := p.enqueueStep(ctx, StepMonitorWithdrawal, next, p.params.RetryDelay); err != nil {
		return err
	}
	return p.markProcessed(ctx, StepWithdrawToExchange, order.OrderID)
}

// handleMonitorWithdrawal polls the payment network until both outbound
// transfers confirm and yield their transaction hashes, which seed the strong
// deposit match on the venue side.
func (p *Processor) handleMonitorWithdrawal(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	done, err := p.processed(ctx, StepMonitorWithdrawal, payload.OrderID)
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

	baseHash := p.confirmedTxHash(ctx, fmt.Sprintf("withdraw_%s_base", order.OrderID))
	quoteHash := p.confirmedTxHash(ctx, fmt.Sprintf("withdraw_%s_quote", order.OrderID))

	if baseHash != "" && quoteHash != "" {
		if err := p.transition(ctx, order, orderstore.StateWithdrawalConfirmed); err != nil {
			return err
		}
		next := payload
		next.Attempt = 1
		next.StartedAt = p.now()
		next.BaseTxHash = baseHash
		next.QuoteTxHash = quoteHash
		if err := p.enqueueStep(ctx, StepMonitorExchangeDeposit, next, p.params.RetryDelay); err != nil {
			return err
		}
		return p.markProcessed(ctx, StepMonitorWithdrawal, order.OrderID)
	}

	if p.deadlineExceeded(payload.StartedAt, p.params.WithdrawalTimeout) {
		if err := p.fail(ctx, order, "withdrawal confirmation timed out"); err != nil {
			return err
		}
		return p.markProcessed(ctx, StepMonitorWithdrawal, order.OrderID)
	}

	next := payload
	next.Attempt++
	return p.enqueueStep(ctx, StepMonitorWithdrawal, next, p.params.RetryDelay)
}

// confirmedTxHash returns the transfer's transaction hash once it has at
// least one confirmation, empty otherwise. Lookup failures count as pending.
func (p *Processor) confirmedTxHash(ctx context.Context, traceID string) string {
	snapshot, err := p.payments.FetchSafeSnapshot(ctx, traceID)
	if err != nil {
		return ""
	}
	if snapshot.Confirmations < 1 || snapshot.TransactionHash == "" {
		return ""
	}
	return snapshot.TransactionHash
}

// handleMonitorExchangeDeposit polls the venue's deposit history until both
// legs match, by transaction hash when known.
func (p *Processor) handleMonitorExchangeDeposit(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	done, err := p.processed(ctx, StepMonitorExchangeDeposit, payload.OrderID)
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
	if order.State == orderstore.StateWithdrawalConfirmed {
		if err := p.transition(ctx, order, orderstore.StateDepositConfirming); err != nil {
			return err
		}
		order.State = orderstore.StateDepositConfirming
	}

	venue, err := p.venue(order)
	if err != nil {
		return err
	}
	since := payload.StartedAt.Add(-time.Hour)
	tolerance := mustDecimal(p.params.DepositTolerance)

	baseMatched, err := p.matchDeposit(ctx, venue.GetDeposits, depositmatch.Args{
		Symbol:          order.BaseAsset,
		Network:         payload.BaseNetwork,
		ExpectedAmount:  mustDecimal(order.BaseAmount),
		ExpectedTxHash:  payload.BaseTxHash,
		AmountTolerance: tolerance,
	}, order.BaseAsset, since)
	if err != nil {
		return err
	}
	quoteMatched, err := p.matchDeposit(ctx, venue.GetDeposits, depositmatch.Args{
		Symbol:          order.QuoteAsset,
		Network:         payload.QuoteNetwork,
		ExpectedAmount:  mustDecimal(order.QuoteAmount),
		ExpectedTxHash:  payload.QuoteTxHash,
		AmountTolerance: tolerance,
	}, order.QuoteAsset, since)
	if err != nil {
		return err
	}

	if baseMatched && quoteMatched {
		if err := p.transition(ctx, order, orderstore.StateDepositConfirmed); err != nil {
			return err
		}
		if err := p.orders.UpdateAllocationState(ctx, order.OrderID, orderstore.AllocationDepositConfirmed); err != nil {
			return fmt.Errorf("lifecycle: confirm allocation: %w", err)
		}
		eventPayload, err := json.Marshal(map[string]string{
			"orderId":     order.OrderID,
			"traceId":     order.TraceID,
			"baseTxHash":  payload.BaseTxHash,
			"quoteTxHash": payload.QuoteTxHash,
		})
		if err != nil {
			return fmt.Errorf("lifecycle: encode deposit confirmed: %w", err)
		}
		if _, err := p.outbox.AppendEvent(ctx, outboxstore.Event{
			Topic:         TopicDepositConfirmed,
			AggregateType: "order",
			AggregateID:   order.OrderID,
			TraceID:       order.TraceID,
			OrderID:       order.OrderID,
			Payload:       eventPayload,
		}); err != nil {
			return fmt.Errorf("lifecycle: append deposit confirmed: %w", err)
		}
		next := stepPayload{OrderID: order.OrderID, TraceID: order.TraceID, StartedAt: p.now()}
		if err := p.enqueueStep(ctx, StepJoinCampaign, next, 0); err != nil {
			return err
		}
		return p.markProcessed(ctx, StepMonitorExchangeDeposit, order.OrderID)
	}

	if p.deadlineExceeded(payload.StartedAt, p.params.DepositTimeout) {
		if err := p.fail(ctx, order, "exchange deposit confirmation timed out"); err != nil {
			return err
		}
		return p.markProcessed(ctx, StepMonitorExchangeDeposit, order.OrderID)
	}

	next := payload
	next.Attempt++
	return p.enqueueStep(ctx, StepMonitorExchangeDeposit, next, p.params.RetryDelay)
}

type depositFetcher func(ctx context.Context, asset string, since time.Time, limit int) ([]map[string]any, error)

func (p *Processor) matchDeposit(ctx context.Context, fetch depositFetcher, args depositmatch.Args, asset string, since time.Time) (bool, error) {
	records, err := fetch(ctx, asset, since, 100)
	if err != nil {
		return false, fmt.Errorf("lifecycle: fetch %s deposits: %w", asset, err)
	}
	args.Deposits = records
	_, matched := depositmatch.FindMatching(args)
	return matched, nil
}
