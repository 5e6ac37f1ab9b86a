package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/model"
	"github.com/unclebandit/cartnotify-backend/internal/repository"
)

const DefaultAnalyticsDays = 30

// StatsAggregator maintains the tenant lifetime counters and derives dashboard rates.
// Counter increments are best effort: a failed increment is logged and never fails the
// operation that triggered it.
type StatsAggregator struct {
	Tenants  repository.TenantRepositoryInterface
	OptIns   repository.OptInRepositoryInterface
	Messages repository.MessageRepositoryInterface
	Logger   *zap.Logger
}

func NewStatsAggregator(tenants repository.TenantRepositoryInterface, optIns repository.OptInRepositoryInterface, messages repository.MessageRepositoryInterface, logger *zap.Logger) *StatsAggregator {
	return &StatsAggregator{Tenants: tenants, OptIns: optIns, Messages: messages, Logger: logger}
}

func (s *StatsAggregator) IncrementOptIns(ctx context.Context, tenantID string) {
	s.increment(ctx, tenantID, model.StatTotalOptIns)
}

func (s *StatsAggregator) IncrementDelivered(ctx context.Context, tenantID string) {
	s.increment(ctx, tenantID, model.StatMessagesDelivered)
}

func (s *StatsAggregator) IncrementClicked(ctx context.Context, tenantID string) {
	s.increment(ctx, tenantID, model.StatMessagesClicked)
}

func (s *StatsAggregator) IncrementConversions(ctx context.Context, tenantID string) {
	s.increment(ctx, tenantID, model.StatConversions)
}

func (s *StatsAggregator) increment(ctx context.Context, tenantID string, field model.StatField) {
	if err := s.Tenants.IncrementStat(ctx, tenantID, field, 1); err != nil {
		s.Logger.Error("failed to increment tenant counter",
			zap.String("tenant_id", tenantID),
			zap.String("field", string(field)),
			zap.Error(err),
		)
	}
}

// Snapshot returns the counters plus click and conversion rates over delivered messages.
func (s *StatsAggregator) Snapshot(ctx context.Context, tenantID string) (*model.StatsSnapshot, error) {
	tenant, err := s.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	snap := &model.StatsSnapshot{TenantID: tenantID, Counters: tenant.Stats}
	if delivered := tenant.Stats.MessagesDelivered; delivered > 0 {
		snap.ClickRate = float64(tenant.Stats.MessagesClicked) / float64(delivered)
		snap.ConversionRate = float64(tenant.Stats.Conversions) / float64(delivered)
	}
	return snap, nil
}

// Analytics summarizes the last `days` days of opt-ins and messages.
func (s *StatsAggregator) Analytics(ctx context.Context, tenantID string, days int) (*model.Analytics, error) {
	if days <= 0 {
		days = DefaultAnalyticsDays
	}
	tenant, err := s.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	since := time.Now().AddDate(0, 0, -days)

	recent, err := s.OptIns.CountSince(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.Messages.CountByStatus(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	byCategory, err := s.Messages.CountByCategory(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	return &model.Analytics{
		TenantID:       tenantID,
		Days:           days,
		TotalOptIns:    tenant.Stats.TotalOptIns,
		RecentOptIns:   recent,
		MessagesStatus: byStatus,
		ByCategory:     byCategory,
	}, nil
}
