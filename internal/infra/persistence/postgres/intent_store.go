package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
)

// IntentStore persists strategy intents.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore constructs an IntentStore backed by the provided pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

const (
	defaultIntentLimit = 100
	maxIntentLimit     = 1000
)

const intentColumns = `
    intent_id,
    intent_type,
    strategy_key,
    COALESCE(trace_id, ''),
    COALESCE(order_id, ''),
    exchange,
    pair,
    COALESCE(side, ''),
    COALESCE(price::text, ''),
    COALESCE(qty::text, ''),
    COALESCE(exchange_order_id, ''),
    status,
    attempts,
    COALESCE(last_error, ''),
    COALESCE(skip_reason, ''),
    created_at,
    updated_at,
    sent_at`

const (
	intentInsertSQL = `
INSERT INTO strategy_intents (
    intent_id,
    intent_type,
    strategy_key,
    trace_id,
    order_id,
    exchange,
    pair,
    side,
    price,
    qty,
    exchange_order_id,
    status
)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9, $10, NULLIF($11, ''), $12)
RETURNING ` + intentColumns + `;
`

	intentSelectSQL = `
SELECT ` + intentColumns + `
FROM strategy_intents
WHERE intent_id = $1;
`

	intentListByStatusSQL = `
SELECT ` + intentColumns + `
FROM strategy_intents
WHERE status = $1
ORDER BY created_at ASC, intent_id ASC
LIMIT $2;
`

	intentListStaleSentSQL = `
SELECT ` + intentColumns + `
FROM strategy_intents
WHERE status = 'SENT'
  AND sent_at < $1
ORDER BY sent_at ASC
LIMIT $2;
`

	intentMarkSentSQL = `
UPDATE strategy_intents
SET status = 'SENT',
    attempts = $2,
    sent_at = NOW(),
    updated_at = NOW()
WHERE intent_id = $1;
`

	intentMarkAckedSQL = `
UPDATE strategy_intents
SET status = 'ACKED',
    exchange_order_id = NULLIF($2, ''),
    updated_at = NOW()
WHERE intent_id = $1;
`

	intentMarkFailedSQL = `
UPDATE strategy_intents
SET status = 'FAILED',
    last_error = NULLIF($2, ''),
    updated_at = NOW()
WHERE intent_id = $1;
`

	intentMarkDoneSQL = `
UPDATE strategy_intents
SET status = 'DONE',
    skip_reason = NULLIF($2, ''),
    updated_at = NOW()
WHERE intent_id = $1;
`
)

// Insert records a new intent.
func (s *IntentStore) Insert(ctx context.Context, intent intentstore.Intent) (intentstore.Intent, error) {
	if s.pool == nil {
		return intentstore.Intent{}, fmt.Errorf("intent store: nil pool")
	}
	intentID := strings.TrimSpace(intent.IntentID)
	if intentID == "" {
		return intentstore.Intent{}, fmt.Errorf("intent store: intent id required")
	}
	if strings.TrimSpace(intent.StrategyKey) == "" {
		return intentstore.Intent{}, fmt.Errorf("intent store: strategy key required")
	}
	price, err := numericFromOptional(intent.Price)
	if err != nil {
		return intentstore.Intent{}, fmt.Errorf("intent store: price: %w", err)
	}
	qty, err := numericFromOptional(intent.Qty)
	if err != nil {
		return intentstore.Intent{}, fmt.Errorf("intent store: qty: %w", err)
	}
	status := intent.Status
	if status == "" {
		status = intentstore.StatusNew
	}
	row := s.pool.QueryRow(ctx, intentInsertSQL,
		intentID, string(intent.Type), intent.StrategyKey, intent.TraceID, intent.OrderID,
		intent.Exchange, intent.Pair, intent.Side, price, qty,
		intent.ExchangeOrderID, string(status))
	return scanIntent(row)
}

// Get returns an intent by ID.
func (s *IntentStore) Get(ctx context.Context, intentID string) (intentstore.Intent, error) {
	if s.pool == nil {
		return intentstore.Intent{}, fmt.Errorf("intent store: nil pool")
	}
	intent, err := scanIntent(s.pool.QueryRow(ctx, intentSelectSQL, strings.TrimSpace(intentID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return intentstore.Intent{}, intentstore.ErrNotFound
	}
	return intent, err
}

// ListByStatus returns intents with the status, oldest first.
func (s *IntentStore) ListByStatus(ctx context.Context, status intentstore.Status, limit int) ([]intentstore.Intent, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("intent store: nil pool")
	}
	if limit <= 0 {
		limit = defaultIntentLimit
	} else if limit > maxIntentLimit {
		limit = maxIntentLimit
	}
	rows, err := s.pool.Query(ctx, intentListByStatusSQL, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("intent store: list by status: %w", err)
	}
	return collectIntents(rows)
}

// ListStaleSent returns SENT intents older than the cutoff.
func (s *IntentStore) ListStaleSent(ctx context.Context, olderThan time.Time, limit int) ([]intentstore.Intent, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("intent store: nil pool")
	}
	if limit <= 0 {
		limit = defaultIntentLimit
	} else if limit > maxIntentLimit {
		limit = maxIntentLimit
	}
	rows, err := s.pool.Query(ctx, intentListStaleSentSQL, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("intent store: list stale sent: %w", err)
	}
	return collectIntents(rows)
}

// MarkSent advances an intent to SENT and records the attempt count.
func (s *IntentStore) MarkSent(ctx context.Context, intentID string, attempts int) error {
	return s.exec(ctx, intentMarkSentSQL, "mark sent", strings.TrimSpace(intentID), attempts)
}

// MarkAcked records venue acknowledgement with the placed order id.
func (s *IntentStore) MarkAcked(ctx context.Context, intentID, exchangeOrderID string) error {
	return s.exec(ctx, intentMarkAckedSQL, "mark acked", strings.TrimSpace(intentID), strings.TrimSpace(exchangeOrderID))
}

// MarkFailed parks an intent with its classified error.
func (s *IntentStore) MarkFailed(ctx context.Context, intentID, lastError string) error {
	return s.exec(ctx, intentMarkFailedSQL, "mark failed", strings.TrimSpace(intentID), lastError)
}

// MarkDone terminates an intent, optionally with a skip reason.
func (s *IntentStore) MarkDone(ctx context.Context, intentID, skipReason string) error {
	return s.exec(ctx, intentMarkDoneSQL, "mark done", strings.TrimSpace(intentID), skipReason)
}

func (s *IntentStore) exec(ctx context.Context, sql, op string, args ...any) error {
	if s.pool == nil {
		return fmt.Errorf("intent store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("intent store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return intentstore.ErrNotFound
	}
	return nil
}

func collectIntents(rows pgx.Rows) ([]intentstore.Intent, error) {
	defer rows.Close()
	var intents []intentstore.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intent store: iterate intents: %w", err)
	}
	return intents, nil
}

func scanIntent(row rowScanner) (intentstore.Intent, error) {
	var (
		intent     intentstore.Intent
		intentType string
		status     string
		sentAt     pgtype.Timestamptz
	)
	if err := row.Scan(
		&intent.IntentID,
		&intentType,
		&intent.StrategyKey,
		&intent.TraceID,
		&intent.OrderID,
		&intent.Exchange,
		&intent.Pair,
		&intent.Side,
		&intent.Price,
		&intent.Qty,
		&intent.ExchangeOrderID,
		&status,
		&intent.Attempts,
		&intent.LastError,
		&intent.SkipReason,
		&intent.CreatedAt,
		&intent.UpdatedAt,
		&sentAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return intentstore.Intent{}, err
		}
		return intentstore.Intent{}, fmt.Errorf("intent store: scan intent: %w", err)
	}
	intent.Type = intentstore.Type(intentType)
	intent.Status = intentstore.Status(status)
	if sentAt.Valid {
		t := sentAt.Time
		intent.SentAt = &t
	}
	return intent, nil
}

var _ intentstore.Store = (*IntentStore)(nil)
