package lifecycle

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
)

// handleJoinCampaign performs the idempotent campaign participation insert
// and hands off to strategy start.
func (p *Processor) handleJoinCampaign(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	done, err := p.processed(ctx, StepJoinCampaign, payload.OrderID)
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

	if order.State == orderstore.StateDepositConfirmed {
		if err := p.transition(ctx, order, orderstore.StateJoiningCampaign); err != nil {
			return err
		}
		order.State = orderstore.StateJoiningCampaign
	}

	if _, err := p.campaigns.Join(ctx, order.UserID, p.params.DefaultCampaignID, order.OrderID); err != nil {
		return fmt.Errorf("lifecycle: join campaign: %w", err)
	}

	if err := p.transition(ctx, order, orderstore.StateCampaignJoined); err != nil {
		return err
	}
	next := stepPayload{OrderID: order.OrderID, TraceID: order.TraceID, StartedAt: p.now()}
	if err := p.enqueueStep(ctx, StepStartStrategy, next, 0); err != nil {
		return err
	}
	return p.markProcessed(ctx, StepJoinCampaign, order.OrderID)
}

// handleStartStrategy launches the quote loop and moves the order to running.
func (p *Processor) handleStartStrategy(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	done, err := p.processed(ctx, StepStartStrategy, payload.OrderID)
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

	if err := p.strategies.StartQuoter(ctx, order); err != nil {
		return fmt.Errorf("lifecycle: start quoter: %w", err)
	}

	if err := p.transition(ctx, order, orderstore.StateRunning); err != nil {
		return err
	}
	eventPayload, err := json.Marshal(map[string]string{
		"orderId": order.OrderID,
		"traceId": order.TraceID,
		"pair":    order.Pair,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: encode started event: %w", err)
	}
	if _, err := p.outbox.AppendEvent(ctx, outboxstore.Event{
		Topic:         TopicStarted,
		AggregateType: "order",
		AggregateID:   order.OrderID,
		TraceID:       order.TraceID,
		OrderID:       order.OrderID,
		Payload:       eventPayload,
	}); err != nil {
		return fmt.Errorf("lifecycle: append started event: %w", err)
	}
	return p.markProcessed(ctx, StepStartStrategy, order.OrderID)
}

// handleStopStrategy halts the quote loop and parks the order in stopped.
// The receipt is keyed on the job ID, not the order ID, because stop can run
// more than once per order across pause and resume cycles.
func (p *Processor) handleStopStrategy(ctx context.Context, job jobstore.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	done, err := p.processed(ctx, StepStopStrategy, job.JobID)
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
		return fmt.Errorf("lifecycle: stop quoter: %w", err)
	}

	if order.State == orderstore.StateRunning {
		if err := p.transition(ctx, order, orderstore.StatePaused); err != nil {
			return err
		}
		order.State = orderstore.StatePaused
	}
	if order.State == orderstore.StatePaused {
		if err := p.transition(ctx, order, orderstore.StateStopped); err != nil {
			return err
		}
	}
	return p.markProcessed(ctx, StepStopStrategy, job.JobID)
}
