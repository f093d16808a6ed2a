// Package campaignstore defines persistence contracts for campaign
// participation and the reward rows audited by reconciliation.
package campaignstore

import (
	"context"
	"time"
)

// Participation records one order joining a campaign. The
// (campaign, order, user) triple is unique; joining twice returns the
// existing row.
type Participation struct {
	CampaignID string
	OrderID    string
	UserID     string
	JoinedAt   time.Time
}

// RewardUsage pairs a reward ledger row with the total already allocated
// from it. Reconciliation flags rows where Allocated exceeds Amount.
type RewardUsage struct {
	RewardTxID string
	Amount     string
	Allocated  string
}

// Store abstracts campaign persistence.
type Store interface {
	// Join inserts a participation. The returned bool is false when the
	// triple already existed, in which case the stored row is returned.
	Join(ctx context.Context, p Participation) (Participation, bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]Participation, error)
	// ListRewardUsage returns reward rows joined with their allocation sums.
	ListRewardUsage(ctx context.Context, limit int) ([]RewardUsage, error)
}
