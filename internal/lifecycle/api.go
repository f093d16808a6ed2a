package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
)

// CreateOrderRequest carries the caller-supplied order parameters.
type CreateOrderRequest struct {
	OrderID        string
	UserID         string
	TraceID        string
	Exchange       string
	Pair           string
	BaseAsset      string
	QuoteAsset     string
	BaseAmount     string
	QuoteAmount    string
	FeeAsset       string
	FeeAmount      string
	StrategyParams []byte
}

// CreateOrder registers a new order in created state.
func (p *Processor) CreateOrder(ctx context.Context, req CreateOrderRequest) (orderstore.Order, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return orderstore.Order{}, fmt.Errorf("lifecycle: user id required")
	}
	if strings.TrimSpace(req.Pair) == "" || strings.TrimSpace(req.Exchange) == "" {
		return orderstore.Order{}, fmt.Errorf("lifecycle: exchange and pair required")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = uuid.NewString()
	}
	traceID := strings.TrimSpace(req.TraceID)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	order, err := p.orders.CreateOrder(ctx, orderstore.Order{
		OrderID:        orderID,
		UserID:         req.UserID,
		TraceID:        traceID,
		Exchange:       req.Exchange,
		Pair:           req.Pair,
		BaseAsset:      req.BaseAsset,
		QuoteAsset:     req.QuoteAsset,
		BaseAmount:     req.BaseAmount,
		QuoteAmount:    req.QuoteAmount,
		FeeAsset:       req.FeeAsset,
		FeeAmount:      req.FeeAmount,
		State:          orderstore.StateCreated,
		StrategyParams: req.StrategyParams,
	})
	if err != nil {
		return orderstore.Order{}, fmt.Errorf("lifecycle: create order: %w", err)
	}
	return order, nil
}

// SubmitSnapshot enqueues processing of one inbound payment snapshot. The job
// ID is derived from the snapshot ID so redelivered notifications collapse.
func (p *Processor) SubmitSnapshot(ctx context.Context, orderID, snapshotID string) error {
	order, err := p.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("lifecycle: load order %s: %w", orderID, err)
	}
	payload := stepPayload{
		OrderID:    order.OrderID,
		TraceID:    order.TraceID,
		StartedAt:  p.now(),
		SnapshotID: snapshotID,
	}
	return p.enqueueStepWithID(ctx, StepProcessSnapshot, "process_snapshot_"+snapshotID, payload, 0)
}

// Pause suspends quoting without leaving the engagement.
func (p *Processor) Pause(ctx context.Context, orderID string) error {
	order, err := p.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("lifecycle: load order %s: %w", orderID, err)
	}
	if err := p.strategies.StopQuoter(ctx, order.OrderID); err != nil {
		return fmt.Errorf("lifecycle: stop quoter: %w", err)
	}
	return p.transition(ctx, order, orderstore.StatePaused)
}

// Resume restarts quoting for a paused order.
func (p *Processor) Resume(ctx context.Context, orderID string) error {
	order, err := p.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("lifecycle: load order %s: %w", orderID, err)
	}
	if err := p.strategies.StartQuoter(ctx, order); err != nil {
		return fmt.Errorf("lifecycle: start quoter: %w", err)
	}
	return p.transition(ctx, order, orderstore.StateRunning)
}

// Stop enqueues the stop step for a running or paused order. Every call gets
// a fresh job ID: an order stopped, resumed, and stopped again must run the
// step each time, so stop jobs never dedupe against an earlier epoch. The
// handler keys its receipt on the job ID for the same reason.
func (p *Processor) Stop(ctx context.Context, orderID string) error {
	order, err := p.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("lifecycle: load order %s: %w", orderID, err)
	}
	payload := stepPayload{OrderID: order.OrderID, TraceID: order.TraceID, StartedAt: p.now()}
	jobID := fmt.Sprintf("%s_%s_e%s", StepStopStrategy, order.OrderID, uuid.NewString())
	return p.enqueueStepWithID(ctx, StepStopStrategy, jobID, payload, 0)
}

// RequestExit moves the order into the exit flow and enqueues the exit
// withdrawal step.
func (p *Processor) RequestExit(ctx context.Context, orderID string) error {
	order, err := p.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("lifecycle: load order %s: %w", orderID, err)
	}
	if order.State != orderstore.StateExitRequested {
		if err := p.transition(ctx, order, orderstore.StateExitRequested); err != nil {
			return err
		}
	}
	payload := stepPayload{OrderID: order.OrderID, TraceID: order.TraceID, StartedAt: p.now()}
	return p.enqueueStep(ctx, StepExitWithdrawal, payload, 0)
}
