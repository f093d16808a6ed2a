package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/ledgerstore"
)

// LedgerStore is an in-memory ledger with the same invariants as the
// postgres implementation.
type LedgerStore struct {
	mu       sync.Mutex
	entries  []ledgerstore.Entry
	byKey    map[string]struct{}
	balances map[string]*memBalance
	now      func() time.Time
}

type memBalance struct {
	available decimal.Decimal
	locked    decimal.Decimal
	updatedAt time.Time
}

// NewLedgerStore constructs an empty ledger.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		byKey:    make(map[string]struct{}),
		balances: make(map[string]*memBalance),
		now:      time.Now,
	}
}

// CreditDeposit appends a credit entry.
func (s *LedgerStore) CreditDeposit(ctx context.Context, p ledgerstore.Posting) (ledgerstore.Result, error) {
	return s.post(ctx, p, ledgerstore.EntryDeposit)
}

// DebitWithdrawal appends a debit entry.
func (s *LedgerStore) DebitWithdrawal(ctx context.Context, p ledgerstore.Posting) (ledgerstore.Result, error) {
	return s.post(ctx, p, ledgerstore.EntryWithdrawal)
}

func (s *LedgerStore) post(_ context.Context, p ledgerstore.Posting, entryType ledgerstore.EntryType) (ledgerstore.Result, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byKey[idempotencyKey]; dup {
		return ledgerstore.Result{Applied: false}, nil
	}

	balanceKey := userID + "\x00" + assetID
	balance := s.balances[balanceKey]
	if balance == nil {
		balance = &memBalance{}
		s.balances[balanceKey] = balance
	}

	signed := amount
	if entryType == ledgerstore.EntryWithdrawal {
		if balance.available.LessThan(amount) {
			return ledgerstore.Result{}, ledgerstore.ErrInsufficientBalance
		}
		signed = amount.Neg()
	}

	entryID := uuid.NewString()
	s.byKey[idempotencyKey] = struct{}{}
	s.entries = append(s.entries, ledgerstore.Entry{
		EntryID:        entryID,
		UserID:         userID,
		AssetID:        assetID,
		Amount:         signed.String(),
		Type:           entryType,
		IdempotencyKey: idempotencyKey,
		RefType:        p.RefType,
		RefID:          p.RefID,
		TraceID:        p.TraceID,
		OrderID:        p.OrderID,
		CreatedAt:      s.now(),
	})

	balance.available = balance.available.Add(signed)
	balance.updatedAt = s.now()

	return ledgerstore.Result{Applied: true, EntryID: entryID}, nil
}

// SeedBalance overwrites a balance read model directly, bypassing posting
// checks. Reconciliation tests use it to plant broken rows.
func (s *LedgerStore) SeedBalance(userID, assetID, available, locked string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID+"\x00"+assetID] = &memBalance{
		available: mustParseDecimal(available),
		locked:    mustParseDecimal(locked),
		updatedAt: s.now(),
	}
}

func mustParseDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(fmt.Sprintf("memory: bad seed decimal %q", value))
	}
	return d
}

// GetBalance returns the read model row, zeros when absent.
func (s *LedgerStore) GetBalance(_ context.Context, userID, assetID string) (ledgerstore.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.balances[strings.TrimSpace(userID)+"\x00"+strings.TrimSpace(assetID)]
	if balance == nil {
		return ledgerstore.Balance{
			UserID: strings.TrimSpace(userID), AssetID: strings.TrimSpace(assetID),
			Available: "0", Locked: "0", Total: "0",
		}, nil
	}
	return toBalance(strings.TrimSpace(userID), strings.TrimSpace(assetID), balance), nil
}

// ListBalances returns all read model rows.
func (s *LedgerStore) ListBalances(_ context.Context, limit int) ([]ledgerstore.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 500
	}
	keys := make([]string, 0, len(s.balances))
	for key := range s.balances {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []ledgerstore.Balance
	for _, key := range keys {
		parts := strings.SplitN(key, "\x00", 2)
		out = append(out, toBalance(parts[0], parts[1], s.balances[key]))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListEntries returns entries for a (user, asset), newest first.
func (s *LedgerStore) ListEntries(_ context.Context, userID, assetID string, limit int) ([]ledgerstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 500
	}
	var out []ledgerstore.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.entries[i]
		if entry.UserID == strings.TrimSpace(userID) && entry.AssetID == strings.TrimSpace(assetID) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func toBalance(userID, assetID string, b *memBalance) ledgerstore.Balance {
	return ledgerstore.Balance{
		UserID:    userID,
		AssetID:   assetID,
		Available: b.available.String(),
		Locked:    b.locked.String(),
		Total:     b.available.Add(b.locked).String(),
		UpdatedAt: b.updatedAt,
	}
}

var _ ledgerstore.Store = (*LedgerStore)(nil)
