package service

import (
	"context"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"
	"consenthub/pkg/apperror"
)

// topSubscriptionCount is the N of the top-by-trigger-volume statistic.
const topSubscriptionCount = 5

type deliveryLogService struct {
	subRepo      ports.SubscriptionRepository
	deliveryRepo ports.DeliveryLogRepository
}

// NewDeliveryLogService creates the delivery history/statistics service.
func NewDeliveryLogService(
	subRepo ports.SubscriptionRepository,
	deliveryRepo ports.DeliveryLogRepository,
) ports.DeliveryLogService {
	return &deliveryLogService{
		subRepo:      subRepo,
		deliveryRepo: deliveryRepo,
	}
}

// GetLogs returns a subscription's delivery history, newest-first. Listing an
// unknown subscription is a NotFoundError rather than an empty page.
func (s *deliveryLogService) GetLogs(ctx context.Context, params ports.DeliveryListParams) ([]domain.DeliveryLog, int64, error) {
	sub, err := s.subRepo.GetByID(ctx, params.SubscriptionID)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(err)
	}
	if sub == nil {
		return nil, 0, apperror.ErrNotFound("subscription")
	}

	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}

	logs, total, err := s.deliveryRepo.ListBySubscription(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(err)
	}
	return logs, total, nil
}

func (s *deliveryLogService) GetStats(ctx context.Context) (*ports.WebhookStats, error) {
	total, active, err := s.subRepo.Counts(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	triggers, err := s.deliveryRepo.CountTriggers(ctx, nil)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	recent, err := s.deliveryRepo.CountTriggers(ctx, &since)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	top, err := s.deliveryRepo.TopSubscriptions(ctx, topSubscriptionCount)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	return &ports.WebhookStats{
		TotalSubscriptions:  total,
		ActiveSubscriptions: active,
		TotalTriggers:       triggers,
		TriggersLast24h:     recent,
		TopSubscriptions:    top,
	}, nil
}
