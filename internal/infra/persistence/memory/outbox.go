// Package memory provides in-memory implementations of the domain store
// contracts for tests and single-process development runs. Semantics mirror
// the postgres implementations, including idempotency behavior.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
)

// OutboxStore is an in-memory outbox and receipt store.
type OutboxStore struct {
	mu       sync.Mutex
	events   []outboxstore.EventRecord
	receipts map[string]time.Time
	now      func() time.Time
	seq      int64
}

// NewOutboxStore constructs an empty outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{
		receipts: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *OutboxStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

type payloadIdentity struct {
	TraceID string `json:"traceId"`
	OrderID string `json:"orderId"`
}

// AppendEvent records one domain occurrence.
func (s *OutboxStore) AppendEvent(_ context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	traceID := strings.TrimSpace(evt.TraceID)
	orderID := strings.TrimSpace(evt.OrderID)
	if traceID == "" || orderID == "" {
		var identity payloadIdentity
		_ = json.Unmarshal(payload, &identity)
		if traceID == "" {
			traceID = strings.TrimSpace(identity.TraceID)
		}
		if orderID == "" {
			orderID = strings.TrimSpace(identity.OrderID)
		}
	}

	s.seq++
	record := outboxstore.EventRecord{
		EventID:       uuid.NewString(),
		Topic:         strings.TrimSpace(evt.Topic),
		AggregateType: strings.TrimSpace(evt.AggregateType),
		AggregateID:   strings.TrimSpace(evt.AggregateID),
		TraceID:       traceID,
		OrderID:       orderID,
		Payload:       payload,
		CreatedAt:     s.now().Add(time.Duration(s.seq) * time.Nanosecond),
	}
	s.events = append(s.events, record)
	return record, nil
}

// ListEvents returns matching events.
func (s *OutboxStore) ListEvents(_ context.Context, q outboxstore.Query) ([]outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}

	var matched []outboxstore.EventRecord
	for _, record := range s.events {
		if len(q.Topics) > 0 && !containsString(q.Topics, record.Topic) {
			continue
		}
		if q.AggregateType != "" && record.AggregateType != q.AggregateType {
			continue
		}
		if q.AggregateID != "" && record.AggregateID != q.AggregateID {
			continue
		}
		if q.TraceID != "" && record.TraceID != q.TraceID {
			continue
		}
		if q.OrderID != "" && record.OrderID != q.OrderID {
			continue
		}
		if !q.Since.IsZero() && record.CreatedAt.Before(q.Since) {
			continue
		}
		matched = append(matched, record)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			if q.OldestFirst {
				return matched[i].EventID < matched[j].EventID
			}
			return matched[i].EventID > matched[j].EventID
		}
		if q.OldestFirst {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// MarkProcessed inserts a receipt, reporting false for duplicates.
func (s *OutboxStore) MarkProcessed(_ context.Context, consumer, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := consumer + "\x00" + idempotencyKey
	if _, exists := s.receipts[key]; exists {
		return false, nil
	}
	s.receipts[key] = s.now()
	return true, nil
}

// IsProcessed reports whether a receipt exists.
func (s *OutboxStore) IsProcessed(_ context.Context, consumer, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.receipts[consumer+"\x00"+idempotencyKey]
	return exists, nil
}

func containsString(values []string, wanted string) bool {
	for _, v := range values {
		if v == wanted {
			return true
		}
	}
	return false
}

var _ outboxstore.Store = (*OutboxStore)(nil)
