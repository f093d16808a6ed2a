package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
)

// LedgerStore persists ledger entries and the balance read model. Entry and
// read-model writes share one transaction so the balance invariant holds at
// every commit point.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore constructs a LedgerStore backed by the provided pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const (
	defaultBalanceLimit = 500
	maxBalanceLimit     = 5000
)

const (
	ledgerInsertEntrySQL = `
INSERT INTO ledger_entries (
    entry_id,
    user_id,
    asset_id,
    amount,
    entry_type,
    idempotency_key,
    ref_type,
    ref_id,
    trace_id,
    order_id
)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''));
`

	ledgerCreditReadModelSQL = `
INSERT INTO balance_read_models (user_id, asset_id, available, locked, total)
VALUES ($1, $2, $3, 0, $3)
ON CONFLICT (user_id, asset_id) DO UPDATE
SET available = balance_read_models.available + EXCLUDED.available,
    total = balance_read_models.total + EXCLUDED.total,
    updated_at = NOW();
`

	ledgerDebitReadModelSQL = `
UPDATE balance_read_models
SET available = available - $3,
    total = total - $3,
    updated_at = NOW()
WHERE user_id = $1
  AND asset_id = $2
  AND available >= $3;
`

	ledgerGetBalanceSQL = `
SELECT
    user_id,
    asset_id,
    available::text,
    locked::text,
    total::text,
    updated_at
FROM balance_read_models
WHERE user_id = $1
  AND asset_id = $2;
`

	ledgerListBalancesSQL = `
SELECT
    user_id,
    asset_id,
    available::text,
    locked::text,
    total::text,
    updated_at
FROM balance_read_models
ORDER BY user_id ASC, asset_id ASC
LIMIT $1;
`

	ledgerListEntriesSQL = `
SELECT
    entry_id,
    user_id,
    asset_id,
    amount::text,
    entry_type,
    idempotency_key,
    COALESCE(ref_type, ''),
    COALESCE(ref_id, ''),
    COALESCE(trace_id, ''),
    COALESCE(order_id, ''),
    created_at
FROM ledger_entries
WHERE user_id = $1
  AND asset_id = $2
ORDER BY created_at DESC, entry_id DESC
LIMIT $3;
`
)

// CreditDeposit appends a credit entry and raises the read model.
func (s *LedgerStore) CreditDeposit(ctx context.Context, p ledgerstore.Posting) (ledgerstore.Result, error) {
	return s.post(ctx, p, ledgerstore.EntryDeposit)
}

// DebitWithdrawal appends a debit entry and lowers the read model. A debit
// that would drive available negative fails with ErrInsufficientBalance.
func (s *LedgerStore) DebitWithdrawal(ctx context.Context, p ledgerstore.Posting) (ledgerstore.Result, error) {
	return s.post(ctx, p, ledgerstore.EntryWithdrawal)
}

func (s *LedgerStore) post(ctx context.Context, p ledgerstore.Posting, entryType ledgerstore.EntryType) (ledgerstore.Result, error) {
	if s.pool == nil {
		return ledgerstore.Result{}, fmt.Errorf("ledger store: nil pool")
	}
	userID := strings.TrimSpace(p.UserID)
	assetID := strings.TrimSpace(p.AssetID)
	idempotencyKey := strings.TrimSpace(p.IdempotencyKey)
	if userID == "" || assetID == "" || idempotencyKey == "" {
		return ledgerstore.Result{}, fmt.Errorf("ledger store: user, asset and idempotency key required")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(p.Amount))
	if err != nil {
		return ledgerstore.Result{}, fmt.Errorf("ledger store: parse amount: %w", err)
	}
	if amount.Sign() <= 0 {
		return ledgerstore.Result{}, fmt.Errorf("ledger store: amount must be positive")
	}
	amountNumeric, err := numericFromString(amount.String())
	if err != nil {
		return ledgerstore.Result{}, fmt.Errorf("ledger store: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledgerstore.Result{}, fmt.Errorf("ledger store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entryID := uuid.NewString()
	signed := amount
	if entryType == ledgerstore.EntryWithdrawal {
		signed = amount.Neg()
	}
	signedNumeric, err := numericFromString(signed.String())
	if err != nil {
		return ledgerstore.Result{}, fmt.Errorf("ledger store: %w", err)
	}

	_, err = tx.Exec(ctx, ledgerInsertEntrySQL,
		entryID, userID, assetID, signedNumeric, string(entryType),
		idempotencyKey, p.RefType, p.RefID, p.TraceID, p.OrderID)
	if err != nil {
		if isUniqueViolation(err) {
			// The idempotency key already applied; a duplicate delivery is a
			// successful no-op.
			return ledgerstore.Result{Applied: false}, nil
		}
		return ledgerstore.Result{}, fmt.Errorf("ledger store: insert entry: %w", err)
	}

	switch entryType {
	case ledgerstore.EntryDeposit:
		if _, err := tx.Exec(ctx, ledgerCreditReadModelSQL, userID, assetID, amountNumeric); err != nil {
			return ledgerstore.Result{}, fmt.Errorf("ledger store: credit read model: %w", err)
		}
	case ledgerstore.EntryWithdrawal:
		tag, err := tx.Exec(ctx, ledgerDebitReadModelSQL, userID, assetID, amountNumeric)
		if err != nil {
			return ledgerstore.Result{}, fmt.Errorf("ledger store: debit read model: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ledgerstore.Result{}, ledgerstore.ErrInsufficientBalance
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ledgerstore.Result{}, fmt.Errorf("ledger store: commit: %w", err)
	}
	return ledgerstore.Result{Applied: true, EntryID: entryID}, nil
}

// GetBalance returns the read model row for a (user, asset) pair. A pair
// with no postings yet reads as all zeros.
func (s *LedgerStore) GetBalance(ctx context.Context, userID, assetID string) (ledgerstore.Balance, error) {
	if s.pool == nil {
		return ledgerstore.Balance{}, fmt.Errorf("ledger store: nil pool")
	}
	row := s.pool.QueryRow(ctx, ledgerGetBalanceSQL, strings.TrimSpace(userID), strings.TrimSpace(assetID))
	balance, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledgerstore.Balance{
			UserID:    strings.TrimSpace(userID),
			AssetID:   strings.TrimSpace(assetID),
			Available: "0",
			Locked:    "0",
			Total:     "0",
		}, nil
	}
	return balance, err
}

// ListBalances returns read model rows for the reconciliation sweep.
func (s *LedgerStore) ListBalances(ctx context.Context, limit int) ([]ledgerstore.Balance, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("ledger store: nil pool")
	}
	if limit <= 0 {
		limit = defaultBalanceLimit
	} else if limit > maxBalanceLimit {
		limit = maxBalanceLimit
	}
	rows, err := s.pool.Query(ctx, ledgerListBalancesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list balances: %w", err)
	}
	defer rows.Close()

	var balances []ledgerstore.Balance
	for rows.Next() {
		balance, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, balance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate balances: %w", err)
	}
	return balances, nil
}

// ListEntries returns recent entries for a (user, asset) pair.
func (s *LedgerStore) ListEntries(ctx context.Context, userID, assetID string, limit int) ([]ledgerstore.Entry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("ledger store: nil pool")
	}
	if limit <= 0 {
		limit = defaultBalanceLimit
	} else if limit > maxBalanceLimit {
		limit = maxBalanceLimit
	}
	rows, err := s.pool.Query(ctx, ledgerListEntriesSQL, strings.TrimSpace(userID), strings.TrimSpace(assetID), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list entries: %w", err)
	}
	defer rows.Close()

	var entries []ledgerstore.Entry
	for rows.Next() {
		var (
			entry     ledgerstore.Entry
			entryType string
		)
		if err := rows.Scan(
			&entry.EntryID,
			&entry.UserID,
			&entry.AssetID,
			&entry.Amount,
			&entryType,
			&entry.IdempotencyKey,
			&entry.RefType,
			&entry.RefID,
			&entry.TraceID,
			&entry.OrderID,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ledger store: scan entry: %w", err)
		}
		entry.Type = ledgerstore.EntryType(entryType)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate entries: %w", err)
	}
	return entries, nil
}

func scanBalance(row rowScanner) (ledgerstore.Balance, error) {
	var balance ledgerstore.Balance
	if err := row.Scan(
		&balance.UserID,
		&balance.AssetID,
		&balance.Available,
		&balance.Locked,
		&balance.Total,
		&balance.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledgerstore.Balance{}, err
		}
		return ledgerstore.Balance{}, fmt.Errorf("ledger store: scan balance: %w", err)
	}
	return balance, nil
}

var _ ledgerstore.Store = (*LedgerStore)(nil)
