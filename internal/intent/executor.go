// Package intent executes strategy intents against the venue behind the
// kill switch, per-strategy open-order caps, and the retry taxonomy.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mvg-fi-dev/mrmarket/errs"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/queue"
	"github.com/mvg-fi-dev/mrmarket/internal/tracker"
)

// JobKind is the queue kind driving intent execution.
const JobKind = "execute_intent"

// receiptConsumer names the idempotency receipts for executed intents.
const receiptConsumer = "intent_execution"

// Outbox topics appended by the executor.
const (
	TopicExecuted = "strategy.intent.executed"
	TopicFailed   = "strategy.intent.failed"
	TopicSkipped  = "strategy.intent.skipped"
)

// Skip reasons recorded on DONE-without-execution intents.
const (
	SkipKillSwitch      = "KILL_SWITCH_ENABLED"
	SkipMaxOpenOrders   = "MAX_OPEN_ORDERS_REACHED"
	SkipExecutorStopped = "EXECUTOR_STOPPED"
)

// Options are the execution policy knobs.
type Options struct {
	// KillSwitch disables all venue calls; intents drain as skipped.
	KillSwitch bool
	// MaxOpenOrders caps open orders per strategy key for creates.
	MaxOpenOrders int
	// MaxAttempts bounds retries of transient failures.
	MaxAttempts int
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
	Logger         *slog.Logger
}

// Executor consumes strategy intents and applies them to the venue.
type Executor struct {
	intents intentstore.Store
	outbox  outboxstore.Store
	jobs    jobstore.Store
	venues  *exchange.Registry
	orders  *tracker.Registry
	opts    Options

	mu      sync.RWMutex
	stopped map[string]bool
}

// NewExecutor constructs an intent executor.
func NewExecutor(intents intentstore.Store, outbox outboxstore.Store, jobs jobstore.Store, venues *exchange.Registry, orders *tracker.Registry, opts Options) *Executor {
	if opts.MaxOpenOrders <= 0 {
		opts.MaxOpenOrders = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		intents: intents,
		outbox:  outbox,
		jobs:    jobs,
		venues:  venues,
		orders:  orders,
		opts:    opts,
		stopped: make(map[string]bool),
	}
}

// Register binds the executor to its queue kind.
func (e *Executor) Register(pool *queue.Pool) {
	pool.Register(JobKind, e.handleJob)
}

// Submit persists a new intent and enqueues its execution.
func (e *Executor) Submit(ctx context.Context, intent intentstore.Intent) (intentstore.Intent, error) {
	if strings.TrimSpace(intent.IntentID) == "" {
		intent.IntentID = uuid.NewString()
	}
	intent.Status = intentstore.StatusNew
	stored, err := e.intents.Insert(ctx, intent)
	if err != nil {
		return intentstore.Intent{}, fmt.Errorf("intent: insert: %w", err)
	}
	payload, err := json.Marshal(map[string]string{"intentId": stored.IntentID})
	if err != nil {
		return intentstore.Intent{}, fmt.Errorf("intent: encode job payload: %w", err)
	}
	if _, err := e.jobs.Enqueue(ctx, jobstore.Enqueue{
		JobID:   "intent_" + stored.IntentID,
		Kind:    JobKind,
		Payload: payload,
	}); err != nil {
		return intentstore.Intent{}, fmt.Errorf("intent: enqueue: %w", err)
	}
	return stored, nil
}

func (e *Executor) handleJob(ctx context.Context, job jobstore.Job) error {
	var payload struct {
		IntentID string `json:"intentId"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("intent: decode job payload: %w", err)
	}
	return e.Execute(ctx, payload.IntentID)
}

// Execute runs one intent to a terminal status. The open-order cap is checked
// before the idempotency gate so a redelivered skipped create stays skipped,
// and the kill switch short-circuits everything without touching the venue.
func (e *Executor) Execute(ctx context.Context, intentID string) error {
	intent, err := e.intents.Get(ctx, intentID)
	if err != nil {
		return fmt.Errorf("intent: load %s: %w", intentID, err)
	}
	if intent.Status == intentstore.StatusDone || intent.Status == intentstore.StatusFailed {
		return nil
	}

	if e.opts.KillSwitch {
		return e.skip(ctx, intent, SkipKillSwitch)
	}
	if intent.Type == intentstore.TypeStopExecutor {
		e.stopStrategy(intent.StrategyKey)
		return e.complete(ctx, intent, "")
	}
	if e.strategyStopped(intent.StrategyKey) {
		return e.skip(ctx, intent, SkipExecutorStopped)
	}
	if intent.Type == intentstore.TypeCreateLimitOrder &&
		e.orders.CountOpen(intent.StrategyKey) >= e.opts.MaxOpenOrders {
		return e.skip(ctx, intent, SkipMaxOpenOrders)
	}

	done, err := e.outbox.IsProcessed(ctx, receiptConsumer, intent.IntentID)
	if err != nil {
		return fmt.Errorf("intent: receipt lookup: %w", err)
	}
	if done {
		return nil
	}

	venue, err := e.venues.Get(intent.Exchange)
	if err != nil {
		return e.failTerminal(ctx, intent, err)
	}

	snapshot, execErr := e.executeWithRetry(ctx, intent, venue)
	if execErr != nil {
		return e.failTerminal(ctx, intent, execErr)
	}

	if snapshot.ExchangeOrderID != "" {
		if err := e.intents.MarkAcked(ctx, intent.IntentID, snapshot.ExchangeOrderID); err != nil {
			return fmt.Errorf("intent: mark acked: %w", err)
		}
		intent.ExchangeOrderID = snapshot.ExchangeOrderID
		e.orders.Upsert(tracker.Order{
			ExchangeOrderID: snapshot.ExchangeOrderID,
			StrategyKey:     intent.StrategyKey,
			Exchange:        intent.Exchange,
			Pair:            intent.Pair,
			Side:            snapshot.Side,
			Price:           snapshot.Price,
			Qty:             snapshot.Qty,
			Filled:          snapshot.Filled,
			Remaining:       snapshot.Remaining,
			Status:          tracker.NormalizeStatus(snapshot.Status),
			TraceID:         intent.TraceID,
			OrderID:         intent.OrderID,
			UpdatedAt:       snapshot.UpdatedAt,
		})
	}

	if err := e.appendEvent(ctx, TopicExecuted, intent, map[string]string{
		"exchangeOrderId": intent.ExchangeOrderID,
	}); err != nil {
		return err
	}
	return e.complete(ctx, intent, "")
}

// retryBackoff builds the wait schedule for transient failures: the base
// delay doubling after every attempt, jittered by the library default.
func retryBackoff(base time.Duration) *backoff.ExponentialBackOff {
	interval := backoff.NewExponentialBackOff()
	interval.InitialInterval = base
	interval.Multiplier = 2
	return interval
}

// executeWithRetry performs the venue call, retrying transient failures with
// exponential backoff up to the attempt cap.
func (e *Executor) executeWithRetry(ctx context.Context, intent intentstore.Intent, venue exchange.Exchange) (exchange.OrderSnapshot, error) {
	interval := retryBackoff(e.opts.RetryBaseDelay)

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if err := e.intents.MarkSent(ctx, intent.IntentID, attempt); err != nil {
			return exchange.OrderSnapshot{}, fmt.Errorf("intent: mark sent: %w", err)
		}
		snapshot, err := e.perform(ctx, intent, venue)
		if err == nil {
			return snapshot, nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return exchange.OrderSnapshot{}, err
		}
		wait := interval.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		e.opts.Logger.Warn("intent attempt failed",
			slog.String("intent_id", intent.IntentID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return exchange.OrderSnapshot{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return exchange.OrderSnapshot{}, lastErr
}

// perform issues the venue call for one intent type.
func (e *Executor) perform(ctx context.Context, intent intentstore.Intent, venue exchange.Exchange) (exchange.OrderSnapshot, error) {
	switch intent.Type {
	case intentstore.TypeCreateLimitOrder:
		return venue.PlaceLimitOrder(ctx, exchange.LimitOrderRequest{
			Pair:          intent.Pair,
			Side:          exchange.Side(intent.Side),
			Price:         intent.Price,
			Qty:           intent.Qty,
			ClientOrderID: intent.IntentID,
		})
	case intentstore.TypeCancelOrder:
		if err := venue.CancelOrder(ctx, intent.Pair, intent.ExchangeOrderID); err != nil {
			return exchange.OrderSnapshot{}, err
		}
		if tracked, ok := e.orders.Get(intent.ExchangeOrderID); ok {
			tracked.Status = tracker.StatusCancelled
			e.orders.Upsert(tracked)
		}
		return exchange.OrderSnapshot{}, nil
	case intentstore.TypeReplaceOrder:
		// Cancel-then-place; a failed cancel leg aborts without placing.
		if err := venue.CancelOrder(ctx, intent.Pair, intent.ExchangeOrderID); err != nil {
			return exchange.OrderSnapshot{}, err
		}
		if tracked, ok := e.orders.Get(intent.ExchangeOrderID); ok {
			tracked.Status = tracker.StatusCancelled
			e.orders.Upsert(tracked)
		}
		return venue.PlaceLimitOrder(ctx, exchange.LimitOrderRequest{
			Pair:          intent.Pair,
			Side:          exchange.Side(intent.Side),
			Price:         intent.Price,
			Qty:           intent.Qty,
			ClientOrderID: intent.IntentID,
		})
	default:
		return exchange.OrderSnapshot{}, errs.New("executor", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported intent type %s", intent.Type)))
	}
}

// skip drains an intent without executing it.
func (e *Executor) skip(ctx context.Context, intent intentstore.Intent, reason string) error {
	if err := e.appendEvent(ctx, TopicSkipped, intent, map[string]string{"skipReason": reason}); err != nil {
		return err
	}
	return e.complete(ctx, intent, reason)
}

// failTerminal records a non-retryable failure.
func (e *Executor) failTerminal(ctx context.Context, intent intentstore.Intent, cause error) error {
	classification := errs.Classify(cause)
	if err := e.intents.MarkFailed(ctx, intent.IntentID, classification.Message); err != nil {
		return fmt.Errorf("intent: mark failed: %w", err)
	}
	if err := e.appendEvent(ctx, TopicFailed, intent, map[string]string{
		"errorCode": classification.ErrorCode,
		"category":  classification.Category,
		"message":   classification.Message,
	}); err != nil {
		return err
	}
	if _, err := e.outbox.MarkProcessed(ctx, receiptConsumer, intent.IntentID); err != nil {
		return fmt.Errorf("intent: mark receipt: %w", err)
	}
	e.opts.Logger.Error("intent failed",
		slog.String("intent_id", intent.IntentID),
		slog.String("error_code", classification.ErrorCode),
		slog.String("message", classification.Message))
	return nil
}

func (e *Executor) complete(ctx context.Context, intent intentstore.Intent, skipReason string) error {
	if err := e.intents.MarkDone(ctx, intent.IntentID, skipReason); err != nil {
		return fmt.Errorf("intent: mark done: %w", err)
	}
	if _, err := e.outbox.MarkProcessed(ctx, receiptConsumer, intent.IntentID); err != nil {
		return fmt.Errorf("intent: mark receipt: %w", err)
	}
	return nil
}

func (e *Executor) appendEvent(ctx context.Context, topic string, intent intentstore.Intent, extra map[string]string) error {
	fields := map[string]string{
		"intentId":    intent.IntentID,
		"type":        string(intent.Type),
		"strategyKey": intent.StrategyKey,
		"traceId":     intent.TraceID,
		"orderId":     intent.OrderID,
	}
	for key, value := range extra {
		fields[key] = value
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("intent: encode %s event: %w", topic, err)
	}
	if _, err := e.outbox.AppendEvent(ctx, outboxstore.Event{
		Topic:         topic,
		AggregateType: "strategy_intent",
		AggregateID:   intent.IntentID,
		TraceID:       intent.TraceID,
		OrderID:       intent.OrderID,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("intent: append %s event: %w", topic, err)
	}
	return nil
}

func (e *Executor) stopStrategy(strategyKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped[strategyKey] = true
}

// ResumeStrategy clears a stop marker, used when a quoter restarts.
func (e *Executor) ResumeStrategy(strategyKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.stopped, strategyKey)
}

func (e *Executor) strategyStopped(strategyKey string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped[strategyKey]
}
