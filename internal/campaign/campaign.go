// Package campaign handles campaign participation for funded orders.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/campaignstore"
	"github.com/mvg-fi-dev/mrmarket/internal/domain/outboxstore"
)

// TopicJoined is appended once per new participation.
const TopicJoined = "mm.campaign.joined"

// Service performs idempotent campaign joins.
type Service struct {
	store  campaignstore.Store
	outbox outboxstore.Store
	logger *slog.Logger
}

// NewService constructs the campaign service.
func NewService(store campaignstore.Store, outbox outboxstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, outbox: outbox, logger: logger}
}

// Join inserts the participation row. A repeated join for the same
// (campaign, order, user) triple returns false without a second event.
func (s *Service) Join(ctx context.Context, userID, campaignID, orderID string) (bool, error) {
	if userID == "" || campaignID == "" || orderID == "" {
		return false, fmt.Errorf("campaign: join requires user, campaign and order ids")
	}
	stored, created, err := s.store.Join(ctx, campaignstore.Participation{
		CampaignID: campaignID,
		OrderID:    orderID,
		UserID:     userID,
	})
	if err != nil {
		return false, fmt.Errorf("campaign: join %s: %w", campaignID, err)
	}
	if !created {
		return false, nil
	}

	payload, err := json.Marshal(map[string]string{
		"campaignId": stored.CampaignID,
		"orderId":    stored.OrderID,
		"userId":     stored.UserID,
		"joinedAt":   stored.JoinedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, fmt.Errorf("campaign: encode joined event: %w", err)
	}
	if _, err := s.outbox.AppendEvent(ctx, outboxstore.Event{
		Topic:         TopicJoined,
		AggregateType: "campaign_participation",
		AggregateID:   campaignID + ":" + orderID,
		OrderID:       orderID,
		Payload:       payload,
	}); err != nil {
		return false, fmt.Errorf("campaign: append joined event: %w", err)
	}
	s.logger.Info("campaign joined",
		slog.String("campaign_id", campaignID),
		slog.String("order_id", orderID),
		slog.String("user_id", userID))
	return true, nil
}
