package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
	"github.com/unclebandit/cartnotify-backend/internal/phone"
	"github.com/unclebandit/cartnotify-backend/internal/repository"
)

// OptInRegistry owns recipient consent.
type OptInRegistry struct {
	OptIns  repository.OptInRepositoryInterface
	Tenants repository.TenantRepositoryInterface
	Stats   *StatsAggregator
	Logger  *zap.Logger
}

func NewOptInRegistry(optIns repository.OptInRepositoryInterface, tenants repository.TenantRepositoryInterface, stats *StatsAggregator, logger *zap.Logger) *OptInRegistry {
	return &OptInRegistry{OptIns: optIns, Tenants: tenants, Stats: stats, Logger: logger}
}

// UpsertOptIn records consent for the recipient's phone. Repeated calls update the same
// record; totalOptIns only moves when the record is created or reactivated.
func (r *OptInRegistry) UpsertOptIn(ctx context.Context, tenantID string, rec model.Recipient, source model.OptInSource) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", appErrors.NewValidation("tenant_id", "required")
	}
	if !phone.Plausible(rec.Phone) {
		return "", appErrors.NewValidation("phone", "not a usable phone number")
	}
	if source == "" {
		source = model.SourceWidget
	}
	if !source.Valid() {
		return "", appErrors.NewValidation("source", "must be widget, checkout or manual")
	}

	tenant, err := r.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !tenant.IsActive {
		return "", appErrors.NewValidation("tenant_id", "tenant is not active")
	}

	rec.Phone = phone.Normalize(rec.Phone)
	id, activated, err := r.OptIns.Upsert(ctx, tenantID, rec, source)
	if err != nil {
		return "", err
	}
	if activated {
		r.Stats.IncrementOptIns(ctx, tenantID)
	}
	r.Logger.Info("opt-in recorded",
		zap.String("tenant_id", tenantID),
		zap.String("opt_in_id", id),
		zap.String("source", string(source)),
		zap.Bool("activated", activated),
	)
	return id, nil
}

// FindActiveOptIn returns nil when the phone has no active opt-in allowing pref.
func (r *OptInRegistry) FindActiveOptIn(ctx context.Context, tenantID, rawPhone string, pref model.Preference) (*model.OptIn, error) {
	p := phone.Normalize(rawPhone)
	if p == "" {
		return nil, nil
	}
	return r.OptIns.FindActive(ctx, tenantID, p, pref)
}

func (r *OptInRegistry) RecordEngagement(ctx context.Context, optInID string, kind model.EngagementKind) error {
	return r.OptIns.RecordEngagement(ctx, optInID, kind)
}

// OptOut deactivates consent. Counters are lifetime totals and are not decremented.
func (r *OptInRegistry) OptOut(ctx context.Context, tenantID, rawPhone string) error {
	p := phone.Normalize(rawPhone)
	if p == "" {
		return appErrors.NewValidation("phone", "required")
	}
	return r.OptIns.Deactivate(ctx, tenantID, p)
}

func (r *OptInRegistry) UpdatePreferences(ctx context.Context, tenantID, rawPhone string, prefs model.Preferences) error {
	p := phone.Normalize(rawPhone)
	if p == "" {
		return appErrors.NewValidation("phone", "required")
	}
	return r.OptIns.UpdatePreferences(ctx, tenantID, p, prefs)
}
