// Package ledgerstore defines persistence contracts for the append-only
// balance ledger and its denormalized read model.
package ledgerstore

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientBalance is returned by debits that would drive the available
// balance negative. It is never retryable.
var ErrInsufficientBalance = errors.New("ledger: insufficient available balance")

// EntryType distinguishes ledger movements.
type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryWithdrawal EntryType = "withdrawal"
)

// Posting describes one balance movement request. Amount is a positive
// decimal string; the entry type determines the sign.
type Posting struct {
	UserID  string
	AssetID string
	Amount  string
	// IdempotencyKey deduplicates the posting. Replaying a key is a no-op.
	IdempotencyKey string
	RefType        string
	RefID          string
	TraceID        string
	OrderID        string
}

// Result reports the outcome of a posting.
type Result struct {
	// Applied is false when the idempotency key had already been used and no
	// balance change occurred.
	Applied bool
	EntryID string
}

// Entry is one immutable ledger row.
type Entry struct {
	EntryID        string
	UserID         string
	AssetID        string
	Amount         string
	Type           EntryType
	IdempotencyKey string
	RefType        string
	RefID          string
	TraceID        string
	OrderID        string
	CreatedAt      time.Time
}

// Balance is the denormalized per-(user, asset) snapshot. The write path and
// the reconciliation sweep both enforce available+locked==total with both
// legs non-negative.
type Balance struct {
	UserID    string
	AssetID   string
	Available string
	Locked    string
	Total     string
	UpdatedAt time.Time
}

// Store abstracts ledger persistence. Implementations must apply the entry
// insert and the read-model update in one transaction.
type Store interface {
	CreditDeposit(ctx context.Context, p Posting) (Result, error)
	DebitWithdrawal(ctx context.Context, p Posting) (Result, error)
	GetBalance(ctx context.Context, userID, assetID string) (Balance, error)
	ListBalances(ctx context.Context, limit int) ([]Balance, error)
	ListEntries(ctx context.Context, userID, assetID string, limit int) ([]Entry, error)
}
