package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/intentstore"
)

// IntentStore is an in-memory strategy intent store.
type IntentStore struct {
	mu      sync.Mutex
	intents map[string]intentstore.Intent
	order   []string
	now     func() time.Time
}

// NewIntentStore constructs an empty intent store.
func NewIntentStore() *IntentStore {
	return &IntentStore{
		intents: make(map[string]intentstore.Intent),
		now:     time.Now,
	}
}

// Insert records a new intent in NEW status.
func (s *IntentStore) Insert(_ context.Context, intent intentstore.Intent) (intentstore.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent.IntentID = strings.TrimSpace(intent.IntentID)
	if intent.Status == "" {
		intent.Status = intentstore.StatusNew
	}
	now := s.now()
	intent.CreatedAt = now
	intent.UpdatedAt = now
	if _, exists := s.intents[intent.IntentID]; !exists {
		s.order = append(s.order, intent.IntentID)
	}
	s.intents[intent.IntentID] = intent
	return intent, nil
}

// Get returns one intent by id.
func (s *IntentStore) Get(_ context.Context, intentID string) (intentstore.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[strings.TrimSpace(intentID)]
	if !ok {
		return intentstore.Intent{}, intentstore.ErrNotFound
	}
	return intent, nil
}

// ListByStatus returns intents in a status, oldest first.
func (s *IntentStore) ListByStatus(_ context.Context, status intentstore.Status, limit int) ([]intentstore.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var out []intentstore.Intent
	for _, id := range s.order {
		intent := s.intents[id]
		if intent.Status == status {
			out = append(out, intent)
		}
		if len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListStaleSent returns SENT intents whose sent_at precedes the cutoff.
func (s *IntentStore) ListStaleSent(_ context.Context, sentBefore time.Time, limit int) ([]intentstore.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var out []intentstore.Intent
	for _, id := range s.order {
		intent := s.intents[id]
		if intent.Status != intentstore.StatusSent || intent.SentAt == nil {
			continue
		}
		if intent.SentAt.Before(sentBefore) {
			out = append(out, intent)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkSent records an attempt dispatch.
func (s *IntentStore) MarkSent(_ context.Context, intentID string, attempts int) error {
	return s.mutate(intentID, func(intent *intentstore.Intent) {
		intent.Status = intentstore.StatusSent
		intent.Attempts = attempts
		at := s.now()
		intent.SentAt = &at
	})
}

// MarkAcked records the exchange acknowledgement.
func (s *IntentStore) MarkAcked(_ context.Context, intentID, exchangeOrderID string) error {
	return s.mutate(intentID, func(intent *intentstore.Intent) {
		intent.Status = intentstore.StatusAcked
		intent.ExchangeOrderID = exchangeOrderID
	})
}

// MarkFailed records a terminal failure.
func (s *IntentStore) MarkFailed(_ context.Context, intentID, lastError string) error {
	return s.mutate(intentID, func(intent *intentstore.Intent) {
		intent.Status = intentstore.StatusFailed
		intent.LastError = lastError
	})
}

// MarkDone records completion, optionally with a skip reason.
func (s *IntentStore) MarkDone(_ context.Context, intentID, skipReason string) error {
	return s.mutate(intentID, func(intent *intentstore.Intent) {
		intent.Status = intentstore.StatusDone
		intent.SkipReason = skipReason
	})
}

func (s *IntentStore) mutate(intentID string, apply func(*intentstore.Intent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[strings.TrimSpace(intentID)]
	if !ok {
		return intentstore.ErrNotFound
	}
	apply(&intent)
	intent.UpdatedAt = s.now()
	s.intents[intent.IntentID] = intent
	return nil
}

var _ intentstore.Store = (*IntentStore)(nil)
