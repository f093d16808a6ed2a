// Package outboxstore defines persistence contracts for the durable event log
// and the consumer receipts that make side-effecting steps idempotent.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Event is a domain occurrence ready to be appended to the outbox.
type Event struct {
	Topic         string
	AggregateType string
	AggregateID   string
	// TraceID and OrderID are optional; when empty they are extracted from
	// the payload's own traceId/orderId fields so audit queries stay possible
	// without every caller threading them through.
	TraceID string
	OrderID string
	Payload json.RawMessage
}

// EventRecord captures the persisted state of an outbox entry.
type EventRecord struct {
	EventID       string
	Topic         string
	AggregateType string
	AggregateID   string
	TraceID       string
	OrderID       string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// Query filters outbox events for audit and replay reads.
type Query struct {
	Topics        []string
	AggregateType string
	AggregateID   string
	TraceID       string
	OrderID       string
	Since         time.Time
	// Limit is clamped to 1..1000; zero means the default page size.
	Limit int
	// OldestFirst flips the default newest-first ordering, used by replay.
	OldestFirst bool
}

// Store abstracts the outbox and receipt persistence operations.
type Store interface {
	// AppendEvent durably records one domain occurrence. Events are never
	// mutated after the append.
	AppendEvent(ctx context.Context, evt Event) (EventRecord, error)
	// ListEvents returns events matching the query.
	ListEvents(ctx context.Context, q Query) ([]EventRecord, error)
	// MarkProcessed inserts a consumer receipt. It returns true when this
	// call created the receipt and false when one already existed, including
	// when a concurrent insert wins the race.
	MarkProcessed(ctx context.Context, consumer, idempotencyKey string) (bool, error)
	// IsProcessed reports whether a receipt exists for the pair.
	IsProcessed(ctx context.Context, consumer, idempotencyKey string) (bool, error)
}
