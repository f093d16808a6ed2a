package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/campaignstore"
)

// CampaignStore persists campaign participations and reads reward usage for
// the reconciliation sweep.
type CampaignStore struct {
	pool *pgxpool.Pool
}

// NewCampaignStore constructs a CampaignStore backed by the provided pool.
func NewCampaignStore(pool *pgxpool.Pool) *CampaignStore {
	return &CampaignStore{pool: pool}
}

const (
	defaultRewardLimit = 500
	maxRewardLimit     = 5000
)

const (
	participationInsertSQL = `
INSERT INTO campaign_participations (campaign_id, order_id, user_id)
VALUES ($1, $2, $3)
RETURNING campaign_id, order_id, user_id, joined_at;
`

	participationSelectSQL = `
SELECT campaign_id, order_id, user_id, joined_at
FROM campaign_participations
WHERE campaign_id = $1
  AND order_id = $2
  AND user_id = $3;
`

	participationListByOrderSQL = `
SELECT campaign_id, order_id, user_id, joined_at
FROM campaign_participations
WHERE order_id = $1
ORDER BY joined_at ASC;
`

	rewardUsageSQL = `
SELECT
    r.reward_tx_id,
    r.amount::text,
    COALESCE(SUM(a.amount), 0)::text
FROM reward_ledger r
LEFT JOIN reward_allocations a ON a.reward_tx_id = r.reward_tx_id
GROUP BY r.reward_tx_id, r.amount
ORDER BY r.reward_tx_id ASC
LIMIT $1;
`
)

// Join inserts a participation. Losing the uniqueness race returns the
// stored row with created=false.
func (s *CampaignStore) Join(ctx context.Context, p campaignstore.Participation) (campaignstore.Participation, bool, error) {
	if s.pool == nil {
		return campaignstore.Participation{}, false, fmt.Errorf("campaign store: nil pool")
	}
	campaignID := strings.TrimSpace(p.CampaignID)
	orderID := strings.TrimSpace(p.OrderID)
	userID := strings.TrimSpace(p.UserID)
	if campaignID == "" || orderID == "" || userID == "" {
		return campaignstore.Participation{}, false, fmt.Errorf("campaign store: campaign, order and user required")
	}

	stored, err := scanParticipation(s.pool.QueryRow(ctx, participationInsertSQL, campaignID, orderID, userID))
	if err == nil {
		return stored, true, nil
	}
	if !isUniqueViolation(err) {
		return campaignstore.Participation{}, false, fmt.Errorf("campaign store: join: %w", err)
	}

	existing, err := scanParticipation(s.pool.QueryRow(ctx, participationSelectSQL, campaignID, orderID, userID))
	if err != nil {
		return campaignstore.Participation{}, false, fmt.Errorf("campaign store: load existing: %w", err)
	}
	return existing, false, nil
}

// ListByOrder returns an order's participations.
func (s *CampaignStore) ListByOrder(ctx context.Context, orderID string) ([]campaignstore.Participation, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("campaign store: nil pool")
	}
	rows, err := s.pool.Query(ctx, participationListByOrderSQL, strings.TrimSpace(orderID))
	if err != nil {
		return nil, fmt.Errorf("campaign store: list by order: %w", err)
	}
	defer rows.Close()

	var participations []campaignstore.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, fmt.Errorf("campaign store: scan participation: %w", err)
		}
		participations = append(participations, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign store: iterate participations: %w", err)
	}
	return participations, nil
}

// ListRewardUsage returns reward rows with their allocation totals.
func (s *CampaignStore) ListRewardUsage(ctx context.Context, limit int) ([]campaignstore.RewardUsage, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("campaign store: nil pool")
	}
	if limit <= 0 {
		limit = defaultRewardLimit
	} else if limit > maxRewardLimit {
		limit = maxRewardLimit
	}
	rows, err := s.pool.Query(ctx, rewardUsageSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign store: reward usage: %w", err)
	}
	defer rows.Close()

	var usages []campaignstore.RewardUsage
	for rows.Next() {
		var usage campaignstore.RewardUsage
		if err := rows.Scan(&usage.RewardTxID, &usage.Amount, &usage.Allocated); err != nil {
			return nil, fmt.Errorf("campaign store: scan reward usage: %w", err)
		}
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign store: iterate reward usage: %w", err)
	}
	return usages, nil
}

func scanParticipation(row rowScanner) (campaignstore.Participation, error) {
	var p campaignstore.Participation
	if err := row.Scan(&p.CampaignID, &p.OrderID, &p.UserID, &p.JoinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return campaignstore.Participation{}, err
		}
		return campaignstore.Participation{}, err
	}
	return p, nil
}

var _ campaignstore.Store = (*CampaignStore)(nil)
