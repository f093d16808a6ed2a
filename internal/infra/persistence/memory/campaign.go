package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/campaignstore"
)

// CampaignStore is an in-memory campaign participation store.
type CampaignStore struct {
	mu             sync.Mutex
	participations []campaignstore.Participation
	rewards        []campaignstore.RewardUsage
	now            func() time.Time
}

// NewCampaignStore constructs an empty campaign store.
func NewCampaignStore() *CampaignStore {
	return &CampaignStore{now: time.Now}
}

// SeedRewardUsage registers reward rows for reconciliation tests.
func (s *CampaignStore) SeedRewardUsage(usage campaignstore.RewardUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards = append(s.rewards, usage)
}

// Join inserts a participation, returning the existing row for duplicates.
func (s *CampaignStore) Join(_ context.Context, p campaignstore.Participation) (campaignstore.Participation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CampaignID = strings.TrimSpace(p.CampaignID)
	p.OrderID = strings.TrimSpace(p.OrderID)
	p.UserID = strings.TrimSpace(p.UserID)
	for _, existing := range s.participations {
		if existing.CampaignID == p.CampaignID && existing.OrderID == p.OrderID && existing.UserID == p.UserID {
			return existing, false, nil
		}
	}
	p.JoinedAt = s.now()
	s.participations = append(s.participations, p)
	return p, true, nil
}

// ListByOrder returns participations for an order.
func (s *CampaignStore) ListByOrder(_ context.Context, orderID string) ([]campaignstore.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []campaignstore.Participation
	for _, p := range s.participations {
		if p.OrderID == strings.TrimSpace(orderID) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListRewardUsage returns seeded reward rows.
func (s *CampaignStore) ListRewardUsage(_ context.Context, limit int) ([]campaignstore.RewardUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.rewards) {
		limit = len(s.rewards)
	}
	out := make([]campaignstore.RewardUsage, limit)
	copy(out, s.rewards[:limit])
	return out, nil
}

var _ campaignstore.Store = (*CampaignStore)(nil)
