package postgres

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
)

// OutboxStore persists domain events and the consumer receipts guarding
// idempotent processing.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 100
	maxOutboxLimit     = 1000
)

const (
	outboxAppendSQL = `
INSERT INTO outbox_events (
    event_id,
    topic,
    aggregate_type,
    aggregate_id,
    trace_id,
    order_id,
    payload
)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), COALESCE($7::jsonb, '{}'::jsonb))
RETURNING
    event_id,
    topic,
    aggregate_type,
    aggregate_id,
    COALESCE(trace_id, ''),
    COALESCE(order_id, ''),
    payload,
    created_at;
`

	receiptInsertSQL = `
INSERT INTO consumer_receipts (consumer_name, idempotency_key)
VALUES ($1, $2);
`

	receiptExistsSQL = `
SELECT EXISTS (
    SELECT 1
    FROM consumer_receipts
    WHERE consumer_name = $1
      AND idempotency_key = $2
);
`
)

// payloadIdentity mirrors the indexable fields a payload may carry.
type payloadIdentity struct {
	TraceID string `json:"traceId"`
	OrderID string `json:"orderId"`
}

// AppendEvent durably records one domain occurrence. When the caller omits
// trace/order identifiers they are extracted from the payload itself.
func (s *OutboxStore) AppendEvent(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	if s.pool == nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: nil pool")
	}
	topic := strings.TrimSpace(evt.Topic)
	if topic == "" {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: topic required")
	}
	aggregateType := strings.TrimSpace(evt.AggregateType)
	if aggregateType == "" {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: aggregate type required")
	}
	aggregateID := strings.TrimSpace(evt.AggregateID)
	if aggregateID == "" {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: aggregate id required")
	}

	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	traceID := strings.TrimSpace(evt.TraceID)
	orderID := strings.TrimSpace(evt.OrderID)
	if traceID == "" || orderID == "" {
		var identity payloadIdentity
		// Extraction is best-effort; a non-object payload simply indexes nothing.
		_ = json.Unmarshal(payload, &identity)
		if traceID == "" {
			traceID = strings.TrimSpace(identity.TraceID)
		}
		if orderID == "" {
			orderID = strings.TrimSpace(identity.OrderID)
		}
	}

	row := s.pool.QueryRow(ctx, outboxAppendSQL,
		uuid.NewString(), topic, aggregateType, aggregateID, traceID, orderID, []byte(payload))
	return scanOutboxRecord(row)
}

// ListEvents returns events matching the query, newest first unless the
// query asks for replay order.
func (s *OutboxStore) ListEvents(ctx context.Context, q outboxstore.Query) ([]outboxstore.EventRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}

	var builder strings.Builder
	builder.WriteString(`
SELECT
    event_id,
    topic,
    aggregate_type,
    aggregate_id,
    COALESCE(trace_id, ''),
    COALESCE(order_id, ''),
    payload,
    created_at
FROM outbox_events
WHERE 1 = 1`)

	args := make([]any, 0, 8)
	argPos := 0
	next := func(value any) int {
		args = append(args, value)
		argPos++
		return argPos
	}

	if len(q.Topics) > 0 {
		fmt.Fprintf(&builder, " AND topic = ANY($%d)", next(q.Topics))
	}
	if v := strings.TrimSpace(q.AggregateType); v != "" {
		fmt.Fprintf(&builder, " AND aggregate_type = $%d", next(v))
	}
	if v := strings.TrimSpace(q.AggregateID); v != "" {
		fmt.Fprintf(&builder, " AND aggregate_id = $%d", next(v))
	}
	if v := strings.TrimSpace(q.TraceID); v != "" {
		fmt.Fprintf(&builder, " AND trace_id = $%d", next(v))
	}
	if v := strings.TrimSpace(q.OrderID); v != "" {
		fmt.Fprintf(&builder, " AND order_id = $%d", next(v))
	}
	if !q.Since.IsZero() {
		fmt.Fprintf(&builder, " AND created_at >= $%d", next(q.Since))
	}
	if q.OldestFirst {
		builder.WriteString(" ORDER BY created_at ASC, event_id ASC")
	} else {
		builder.WriteString(" ORDER BY created_at DESC, event_id DESC")
	}
	fmt.Fprintf(&builder, " LIMIT $%d;", next(limit))

	rows, err := s.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list events: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.EventRecord
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate events: %w", err)
	}
	return records, nil
}

// MarkProcessed inserts a consumer receipt. Losing an insertion race is
// reported as false, not as an error.
func (s *OutboxStore) MarkProcessed(ctx context.Context, consumer, idempotencyKey string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("outbox store: nil pool")
	}
	consumer = strings.TrimSpace(consumer)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if consumer == "" || idempotencyKey == "" {
		return false, fmt.Errorf("outbox store: consumer and idempotency key required")
	}
	if _, err := s.pool.Exec(ctx, receiptInsertSQL, consumer, idempotencyKey); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("outbox store: mark processed: %w", err)
	}
	return true, nil
}

// IsProcessed reports whether a receipt exists for the pair.
func (s *OutboxStore) IsProcessed(ctx context.Context, consumer, idempotencyKey string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("outbox store: nil pool")
	}
	var exists bool
	err := s.pool.QueryRow(ctx, receiptExistsSQL, strings.TrimSpace(consumer), strings.TrimSpace(idempotencyKey)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("outbox store: is processed: %w", err)
	}
	return exists, nil
}

func scanOutboxRecord(row rowScanner) (outboxstore.EventRecord, error) {
	var (
		record  outboxstore.EventRecord
		payload []byte
	)
	if err := row.Scan(
		&record.EventID,
		&record.Topic,
		&record.AggregateType,
		&record.AggregateID,
		&record.TraceID,
		&record.OrderID,
		&payload,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	record.Payload = json.RawMessage(payload)
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
