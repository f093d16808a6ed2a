// Package intentstore defines persistence contracts for strategy intents,
// the desired exchange actions emitted by the quote loop.
package intentstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an intent does not exist.
var ErrNotFound = errors.New("intent store: not found")

// Type enumerates desired exchange actions.
type Type string

const (
	TypeCreateLimitOrder Type = "CREATE_LIMIT_ORDER"
	TypeCancelOrder      Type = "CANCEL_ORDER"
	TypeReplaceOrder     Type = "REPLACE_ORDER"
	TypeStopExecutor     Type = "STOP_EXECUTOR"
)

// Status tracks an intent through execution. Only the execution component
// advances it; DONE and FAILED are terminal.
type Status string

const (
	StatusNew    Status = "NEW"
	StatusSent   Status = "SENT"
	StatusAcked  Status = "ACKED"
	StatusFailed Status = "FAILED"
	StatusDone   Status = "DONE"
)

// Intent is one desired exchange action.
type Intent struct {
	IntentID    string
	Type        Type
	StrategyKey string
	TraceID     string
	OrderID     string
	Exchange    string
	Pair        string
	Side        string
	// Price and Qty are decimal strings, empty for cancels.
	Price string
	Qty   string
	// ExchangeOrderID targets an existing venue order for cancel/replace and
	// records the placed order id once a create succeeds.
	ExchangeOrderID string
	Status          Status
	Attempts        int
	LastError       string
	SkipReason      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SentAt          *time.Time
}

// Store abstracts intent persistence.
type Store interface {
	Insert(ctx context.Context, intent Intent) (Intent, error)
	Get(ctx context.Context, intentID string) (Intent, error)
	// ListByStatus returns intents in creation order, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Intent, error)
	// ListStaleSent returns SENT intents whose sent_at is older than the cutoff.
	ListStaleSent(ctx context.Context, olderThan time.Time, limit int) ([]Intent, error)
	MarkSent(ctx context.Context, intentID string, attempts int) error
	MarkAcked(ctx context.Context, intentID, exchangeOrderID string) error
	MarkFailed(ctx context.Context, intentID, lastError string) error
	MarkDone(ctx context.Context, intentID, skipReason string) error
}
