package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/queue"
	"github.com/mvg-fi-dev/mrmarket/internal/payment"
)

// Step names double as queue job kinds and receipt consumer names.
const (
	StepProcessSnapshot        = "process_snapshot"
	StepCheckPayment           = "check_payment"
	StepWithdrawToExchange     = "withdraw_to_exchange"
	StepMonitorWithdrawal      = "monitor_withdrawal"
	StepMonitorExchangeDeposit = "monitor_exchange_deposit"
	StepJoinCampaign           = "join_campaign"
	StepStartStrategy          = "start_strategy"
	StepStopStrategy           = "stop_strategy"
	StepExitWithdrawal         = "exit_withdrawal"
	StepMonitorExitDeposit     = "monitor_exit_deposit"
)

// Outbox topics appended by saga steps.
const (
	TopicOrderStateChanged = "market_making.order.state_changed"
	TopicStarted           = "mm.started"
	TopicDepositConfirmed  = "mm.deposit.confirmed"
)

// StrategyRunner starts and stops the per-order quote loop.
type StrategyRunner interface {
	StartQuoter(ctx context.Context, order orderstore.Order) error
	StopQuoter(ctx context.Context, orderID string) error
}

// CampaignJoiner performs the idempotent campaign participation insert.
type CampaignJoiner interface {
	Join(ctx context.Context, userID, campaignID, orderID string) (bool, error)
}

// Params are the saga timing and policy knobs.
type Params struct {
	PaymentTimeout      time.Duration
	PaymentPollInterval time.Duration
	PaymentMaxRetries   int
	WithdrawalTimeout   time.Duration
	DepositTimeout      time.Duration
	ExitTimeout         time.Duration
	RetryDelay          time.Duration
	// DepositTolerance is the absolute decimal tolerance for amount matching.
	DepositTolerance  string
	DefaultCampaignID string
}

// Processor owns every saga step handler.
type Processor struct {
	orders     orderstore.Store
	ledger     ledgerstore.Store
	outbox     outboxstore.Store
	jobs       jobstore.Store
	venues     *exchange.Registry
	payments   payment.Client
	campaigns  CampaignJoiner
	strategies StrategyRunner
	params     Params
	logger     *slog.Logger
	now        func() time.Time
}

// Deps collects the processor's collaborators.
type Deps struct {
	Orders     orderstore.Store
	Ledger     ledgerstore.Store
	Outbox     outboxstore.Store
	Jobs       jobstore.Store
	Venues     *exchange.Registry
	Payments   payment.Client
	Campaigns  CampaignJoiner
	Strategies StrategyRunner
	Logger     *slog.Logger
	Clock      func() time.Time
}

// NewProcessor constructs the saga processor.
func NewProcessor(deps Deps, params Params) *Processor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if params.PaymentTimeout <= 0 {
		params.PaymentTimeout = 10 * time.Minute
	}
	if params.PaymentPollInterval <= 0 {
		params.PaymentPollInterval = 10 * time.Second
	}
	if params.PaymentMaxRetries <= 0 {
		params.PaymentMaxRetries = 60
	}
	if params.WithdrawalTimeout <= 0 {
		params.WithdrawalTimeout = 30 * time.Minute
	}
	if params.DepositTimeout <= 0 {
		params.DepositTimeout = 30 * time.Minute
	}
	if params.ExitTimeout <= 0 {
		params.ExitTimeout = 60 * time.Minute
	}
	if params.RetryDelay <= 0 {
		params.RetryDelay = 30 * time.Second
	}
	if params.DepositTolerance == "" {
		params.DepositTolerance = "0.00000001"
	}
	return &Processor{
		orders:     deps.Orders,
		ledger:     deps.Ledger,
		outbox:     deps.Outbox,
		jobs:       deps.Jobs,
		venues:     deps.Venues,
		payments:   deps.Payments,
		campaigns:  deps.Campaigns,
		strategies: deps.Strategies,
		params:     params,
		logger:     deps.Logger,
		now:        deps.Clock,
	}
}

// RegisterHandlers binds every step to its job kind.
func (p *Processor) RegisterHandlers(pool *queue.Pool) {
	pool.Register(StepProcessSnapshot, p.handleProcessSnapshot)
	pool.Register(StepCheckPayment, p.handleCheckPayment)
	pool.Register(StepWithdrawToExchange, p.handleWithdrawToExchange)
	pool.Register(StepMonitorWithdrawal, p.handleMonitorWithdrawal)
	pool.Register(StepMonitorExchangeDeposit, p.handleMonitorExchangeDeposit)
	pool.Register(StepJoinCampaign, p.handleJoinCampaign)
	pool.Register(StepStartStrategy, p.handleStartStrategy)
	pool.Register(StepStopStrategy, p.handleStopStrategy)
	pool.Register(StepExitWithdrawal, p.handleExitWithdrawal)
	pool.Register(StepMonitorExitDeposit, p.handleMonitorExitDeposit)
}

// stepPayload is the durable job payload shared by all steps. Timeouts are
// measured from StartedAt so deadlines survive worker restarts.
type stepPayload struct {
	OrderID    string    `json:"orderId"`
	TraceID    string    `json:"traceId"`
	StartedAt  time.Time `json:"startedAt"`
	Attempt    int       `json:"attempt"`
	SnapshotID string    `json:"snapshotId,omitempty"`
	// Withdrawal transaction hashes feed the strong-identity deposit match.
	BaseTxHash  string `json:"baseTxHash,omitempty"`
	QuoteTxHash string `json:"quoteTxHash,omitempty"`
	// Networks come from the venue deposit addresses used for the withdrawal.
	BaseNetwork  string `json:"baseNetwork,omitempty"`
	QuoteNetwork string `json:"quoteNetwork,omitempty"`
}

func decodePayload(job jobstore.Job) (stepPayload, error) {
	var payload stepPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return stepPayload{}, fmt.Errorf("lifecycle: decode %s payload: %w", job.Kind, err)
	}
	if payload.OrderID == "" {
		return stepPayload{}, fmt.Errorf("lifecycle: %s payload missing order id", job.Kind)
	}
	return payload, nil
}

// stepJobID builds the deterministic job ID giving per-step-per-order dedup.
// Polling attempts append the attempt number so each attempt is its own job.
func stepJobID(step, orderID string, attempt int) string {
	if attempt > 0 {
		return fmt.Sprintf("%s_%s_a%d", step, orderID, attempt)
	}
	return step + "_" + orderID
}

func (p *Processor) enqueueStep(ctx context.Context, step string, payload stepPayload, delay time.Duration) error {
	return p.enqueueStepWithID(ctx, step, stepJobID(step, payload.OrderID, payload.Attempt), payload, delay)
}

func (p *Processor) enqueueStepWithID(ctx context.Context, step, jobID string, payload stepPayload, delay time.Duration) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("lifecycle: encode %s payload: %w", step, err)
	}
	_, err = p.jobs.Enqueue(ctx, jobstore.Enqueue{
		JobID:   jobID,
		Kind:    step,
		Payload: encoded,
		Delay:   delay,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: enqueue %s: %w", step, err)
	}
	return nil
}

// processed is the shared idempotency gate.
func (p *Processor) processed(ctx context.Context, step, orderID string) (bool, error) {
	done, err := p.outbox.IsProcessed(ctx, step, orderID)
	if err != nil {
		return false, fmt.Errorf("lifecycle: receipt lookup for %s: %w", step, err)
	}
	return done, nil
}

// markProcessed records the receipt last, after state and outbox writes.
func (p *Processor) markProcessed(ctx context.Context, step, orderID string) error {
	if _, err := p.outbox.MarkProcessed(ctx, step, orderID); err != nil {
		return fmt.Errorf("lifecycle: mark %s processed: %w", step, err)
	}
	return nil
}

// transition validates and persists a state change, then appends the state
// change event. An order already at the target state is left alone: a crash
// between persisting the transition and recording the step receipt redelivers
// the job against the new state, and the redelivery must not error.
func (p *Processor) transition(ctx context.Context, order orderstore.Order, to orderstore.State) error {
	if order.State == to {
		return nil
	}
	if !CanTransition(order.State, to) {
		return &ErrIllegalTransition{From: order.State, To: to}
	}
	if err := p.orders.UpdateOrderState(ctx, order.OrderID, to); err != nil {
		return fmt.Errorf("lifecycle: persist state %s: %w", to, err)
	}
	payload, err := json.Marshal(map[string]string{
		"orderId": order.OrderID,
		"traceId": order.TraceID,
		"from":    string(order.State),
		"to":      string(to),
	})
	if err != nil {
		return fmt.Errorf("lifecycle: encode state change: %w", err)
	}
	_, err = p.outbox.AppendEvent(ctx, outboxstore.Event{
		Topic:         TopicOrderStateChanged,
		AggregateType: "order",
		AggregateID:   order.OrderID,
		TraceID:       order.TraceID,
		OrderID:       order.OrderID,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: append state change: %w", err)
	}
	return nil
}

// fail moves the order to failed and refunds any received funds. Refund
// failures are logged, never propagated, so a broken refund path cannot wedge
// the failure transition.
func (p *Processor) fail(ctx context.Context, order orderstore.Order, reason string) error {
	if Terminal(order.State) {
		return nil
	}
	if err := p.transition(ctx, order, orderstore.StateFailed); err != nil {
		return err
	}
	p.logger.Error("order failed",
		slog.String("order_id", order.OrderID),
		slog.String("from_state", string(order.State)),
		slog.String("reason", reason))
	if err := p.refundReceived(ctx, order); err != nil {
		p.logger.Error("refund after failure did not complete",
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()))
	}
	return nil
}

func (p *Processor) venue(order orderstore.Order) (exchange.Exchange, error) {
	venue, err := p.venues.Get(order.Exchange)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	return venue, nil
}

func (p *Processor) deadlineExceeded(startedAt time.Time, timeout time.Duration) bool {
	return !startedAt.IsZero() && p.now().Sub(startedAt) > timeout
}

func mustDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}
