// Package reconcile sweeps persisted state for invariant violations and
// repairs wedged monitor chains. Findings are logged, never acted on
// destructively; only the deposit monitor repair mutates anything, and that
// is an idempotent job enqueue.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/campaignstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/jobstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
	"github.com/mvg-fi-dev/mrmarket/internal/lifecycle"
	"github.com/mvg-fi-dev/mrmarket/internal/tick"
)

// repairWindow scopes repair jobs to a wall-clock epoch. Sweeps inside one
// window dedupe on the job ID; an order that wedges again after a finished
// repair falls into a later window and gets a fresh chain.
const repairWindow = 15 * time.Minute

func repairEpoch(at time.Time) int64 {
	return at.Unix() / int64(repairWindow/time.Second)
}

func repairJobID(orderID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_repair_e%d", lifecycle.StepMonitorExchangeDeposit, orderID, repairEpoch(at))
}

// Options tune the sweep cadence and scan sizes.
type Options struct {
	// EveryNTicks runs the sweep on every Nth coordinator tick.
	EveryNTicks int
	// StaleSentAfter flags SENT intents older than this.
	StaleSentAfter time.Duration
	// ScanLimit caps each store read.
	ScanLimit int
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Findings summarizes one sweep.
type Findings struct {
	LedgerViolations []string
	RewardViolations []string
	StaleSentIntents []string
	DoneWithoutOrder []string
	RepairsEnqueued  int
	OrdersReenqueued []string
}

// Anomalies reports whether the sweep found anything wrong.
func (f Findings) Anomalies() int {
	return len(f.LedgerViolations) + len(f.RewardViolations) +
		len(f.StaleSentIntents) + len(f.DoneWithoutOrder)
}

// Sweeper is the reconciliation tick component.
type Sweeper struct {
	ledger  ledgerstore.Store
	rewards campaignstore.Store
	intents intentstore.Store
	orders  orderstore.Store
	jobs    jobstore.Store
	opts    Options

	mu      sync.Mutex
	tickSeq int64
	healthy bool
	last    Findings
}

var _ tick.Component = (*Sweeper)(nil)

// NewSweeper constructs the reconciliation component.
func NewSweeper(ledger ledgerstore.Store, rewards campaignstore.Store, intents intentstore.Store, orders orderstore.Store, jobs jobstore.Store, opts Options) *Sweeper {
	if opts.EveryNTicks <= 0 {
		opts.EveryNTicks = 10
	}
	if opts.StaleSentAfter <= 0 {
		opts.StaleSentAfter = 5 * time.Minute
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Sweeper{
		ledger:  ledger,
		rewards: rewards,
		intents: intents,
		orders:  orders,
		jobs:    jobs,
		opts:    opts,
		healthy: true,
	}
}

// Start implements tick.Component.
func (s *Sweeper) Start(context.Context) error { return nil }

// Stop implements tick.Component.
func (s *Sweeper) Stop(context.Context) error { return nil }

// Healthy reports whether the last sweep completed.
func (s *Sweeper) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// LastFindings returns the most recent sweep result.
func (s *Sweeper) LastFindings() Findings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// OnTick runs the sweep on every Nth tick.
func (s *Sweeper) OnTick(ctx context.Context, _ time.Time) error {
	s.mu.Lock()
	s.tickSeq++
	due := s.tickSeq%int64(s.opts.EveryNTicks) == 0
	s.mu.Unlock()
	if !due {
		return nil
	}
	findings, err := s.Sweep(ctx)
	s.mu.Lock()
	s.healthy = err == nil
	if err == nil {
		s.last = findings
	}
	s.mu.Unlock()
	return err
}

// Sweep runs every check once and returns the findings. Store read failures
// abort the sweep; anomalies are logged and collected.
func (s *Sweeper) Sweep(ctx context.Context) (Findings, error) {
	var findings Findings

	if err := s.sweepLedger(ctx, &findings); err != nil {
		return findings, err
	}
	if err := s.sweepRewards(ctx, &findings); err != nil {
		return findings, err
	}
	if err := s.sweepIntents(ctx, &findings); err != nil {
		return findings, err
	}
	if err := s.repairDepositMonitors(ctx, &findings); err != nil {
		return findings, err
	}

	if count := findings.Anomalies(); count > 0 {
		s.opts.Logger.Warn("reconciliation found anomalies",
			slog.Int("count", count),
			slog.Int("ledger", len(findings.LedgerViolations)),
			slog.Int("rewards", len(findings.RewardViolations)),
			slog.Int("stale_intents", len(findings.StaleSentIntents)),
			slog.Int("done_without_order", len(findings.DoneWithoutOrder)))
	}
	return findings, nil
}

// sweepLedger verifies available+locked == total and both non-negative for
// every balance read model.
func (s *Sweeper) sweepLedger(ctx context.Context, findings *Findings) error {
	balances, err := s.ledger.ListBalances(ctx, s.opts.ScanLimit)
	if err != nil {
		return fmt.Errorf("reconcile: list balances: %w", err)
	}
	for _, b := range balances {
		available, err1 := decimal.NewFromString(b.Available)
		locked, err2 := decimal.NewFromString(b.Locked)
		total, err3 := decimal.NewFromString(b.Total)
		key := b.UserID + "/" + b.AssetID
		if err1 != nil || err2 != nil || err3 != nil {
			findings.LedgerViolations = append(findings.LedgerViolations, key)
			s.logViolation("ledger balance not decimal", key)
			continue
		}
		if available.IsNegative() || locked.IsNegative() || !available.Add(locked).Equal(total) {
			findings.LedgerViolations = append(findings.LedgerViolations, key)
			s.logViolation("ledger balance invariant broken", key)
		}
	}
	return nil
}

// sweepRewards flags reward rows whose allocations exceed the reward amount.
func (s *Sweeper) sweepRewards(ctx context.Context, findings *Findings) error {
	usages, err := s.rewards.ListRewardUsage(ctx, s.opts.ScanLimit)
	if err != nil {
		return fmt.Errorf("reconcile: list reward usage: %w", err)
	}
	for _, usage := range usages {
		amount, err1 := decimal.NewFromString(usage.Amount)
		allocated, err2 := decimal.NewFromString(usage.Allocated)
		if err1 != nil || err2 != nil || allocated.GreaterThan(amount) {
			findings.RewardViolations = append(findings.RewardViolations, usage.RewardTxID)
			s.logViolation("reward over-allocated", usage.RewardTxID)
		}
	}
	return nil
}

// sweepIntents flags SENT intents older than the cutoff and DONE creates that
// never recorded an exchange order id yet were not skipped.
func (s *Sweeper) sweepIntents(ctx context.Context, findings *Findings) error {
	cutoff := s.opts.Clock().Add(-s.opts.StaleSentAfter)
	stale, err := s.intents.ListStaleSent(ctx, cutoff, s.opts.ScanLimit)
	if err != nil {
		return fmt.Errorf("reconcile: list stale sent intents: %w", err)
	}
	for _, intent := range stale {
		findings.StaleSentIntents = append(findings.StaleSentIntents, intent.IntentID)
		s.logViolation("intent stuck in SENT", intent.IntentID)
	}

	done, err := s.intents.ListByStatus(ctx, intentstore.StatusDone, s.opts.ScanLimit)
	if err != nil {
		return fmt.Errorf("reconcile: list done intents: %w", err)
	}
	for _, intent := range done {
		if intent.Type == intentstore.TypeCreateLimitOrder &&
			intent.ExchangeOrderID == "" && intent.SkipReason == "" {
			findings.DoneWithoutOrder = append(findings.DoneWithoutOrder, intent.IntentID)
			s.logViolation("done create without exchange order id", intent.IntentID)
		}
	}
	return nil
}

// repairDepositMonitors re-enqueues the exchange deposit monitor for orders
// stuck in deposit_confirming. The job ID carries the sweep epoch so sweeps
// inside one window dedupe while a later wedge gets repaired again, and the
// payload's started-at comes from the order so the deposit timeout still
// counts from the original funding window. The attempt counter seeds from
// wall-clock seconds, keeping the chain's job IDs disjoint from the regular
// polling chain and from any earlier repair chain.
func (s *Sweeper) repairDepositMonitors(ctx context.Context, findings *Findings) error {
	stuck, err := s.orders.ListOrdersByState(ctx, orderstore.StateDepositConfirming, s.opts.ScanLimit)
	if err != nil {
		return fmt.Errorf("reconcile: list deposit_confirming orders: %w", err)
	}
	now := s.opts.Clock()
	for _, order := range stuck {
		payload, err := json.Marshal(map[string]any{
			"orderId":   order.OrderID,
			"traceId":   order.TraceID,
			"startedAt": order.CreatedAt,
			"attempt":   now.Unix(),
		})
		if err != nil {
			return fmt.Errorf("reconcile: encode repair payload: %w", err)
		}
		created, err := s.jobs.Enqueue(ctx, jobstore.Enqueue{
			JobID:   repairJobID(order.OrderID, now),
			Kind:    lifecycle.StepMonitorExchangeDeposit,
			Payload: payload,
		})
		if err != nil {
			return fmt.Errorf("reconcile: enqueue repair for %s: %w", order.OrderID, err)
		}
		if created {
			findings.RepairsEnqueued++
			findings.OrdersReenqueued = append(findings.OrdersReenqueued, order.OrderID)
			s.opts.Logger.Info("re-enqueued deposit monitor",
				slog.String("order_id", order.OrderID))
		}
	}
	return nil
}

func (s *Sweeper) logViolation(message, id string) {
	s.opts.Logger.Error(message, slog.String("id", id))
}
