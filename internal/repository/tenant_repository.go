package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
)

type TenantRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Tenant, error)
	GetByShopDomain(ctx context.Context, domain string) (*model.Tenant, error)
	Upsert(ctx context.Context, t *model.Tenant) error
	UpdateChannel(ctx context.Context, id string, ch model.ChannelConfig) error
	IncrementStat(ctx context.Context, id string, field model.StatField, delta int64) error
	Deactivate(ctx context.Context, id string) error
}

var _ TenantRepositoryInterface = (*TenantRepository)(nil)

type TenantRepository struct {
	DB *sql.DB
}

func NewTenantRepository(db *sql.DB) *TenantRepository {
	return &TenantRepository{DB: db}
}

const tenantColumns = `id, shop_domain, name, is_active, is_configured, access_token, phone_number_id,
    business_account_id, webhook_verify_token, app_secret, commerce_secret,
    feature_abandoned_cart, feature_order_confirmation, feature_order_delivered,
    total_opt_ins, messages_delivered, messages_clicked, conversions, created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (*model.Tenant, error) {
	var t model.Tenant
	ch := &t.Channel
	err := row.Scan(
		&t.ID, &t.ShopDomain, &t.Name, &t.IsActive, &ch.IsConfigured, &ch.AccessToken, &ch.PhoneNumberID,
		&ch.BusinessAccountID, &ch.WebhookVerifyToken, &ch.AppSecret, &ch.CommerceSecret,
		&ch.Features.AbandonedCart, &ch.Features.OrderConfirmation, &ch.Features.OrderDelivered,
		&t.Stats.TotalOptIns, &t.Stats.MessagesDelivered, &t.Stats.MessagesClicked, &t.Stats.Conversions,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TenantRepository) GetByID(ctx context.Context, id string) (*model.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id=$1`
	t, err := scanTenant(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewTenantNotFound(id)
		}
		return nil, err
	}
	return t, nil
}

func (r *TenantRepository) GetByShopDomain(ctx context.Context, domain string) (*model.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE shop_domain=$1`
	t, err := scanTenant(r.DB.QueryRowContext(ctx, query, domain))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewTenantNotFound(domain)
		}
		return nil, err
	}
	return t, nil
}

// Upsert creates the tenant or refreshes its profile and channel config. Counters are
// never overwritten here.
func (r *TenantRepository) Upsert(ctx context.Context, t *model.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.UpdatedAt = now
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	ch := t.Channel
	query := `
        INSERT INTO tenants (id, shop_domain, name, is_active, is_configured, access_token, phone_number_id,
            business_account_id, webhook_verify_token, app_secret, commerce_secret,
            feature_abandoned_cart, feature_order_confirmation, feature_order_delivered, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (id) DO UPDATE SET
            shop_domain=EXCLUDED.shop_domain, name=EXCLUDED.name, is_active=EXCLUDED.is_active,
            is_configured=EXCLUDED.is_configured, access_token=EXCLUDED.access_token,
            phone_number_id=EXCLUDED.phone_number_id, business_account_id=EXCLUDED.business_account_id,
            webhook_verify_token=EXCLUDED.webhook_verify_token, app_secret=EXCLUDED.app_secret,
            commerce_secret=EXCLUDED.commerce_secret,
            feature_abandoned_cart=EXCLUDED.feature_abandoned_cart,
            feature_order_confirmation=EXCLUDED.feature_order_confirmation,
            feature_order_delivered=EXCLUDED.feature_order_delivered,
            updated_at=EXCLUDED.updated_at
    `
	_, err := r.DB.ExecContext(ctx, query,
		t.ID, t.ShopDomain, t.Name, t.IsActive, ch.IsConfigured, ch.AccessToken, ch.PhoneNumberID,
		ch.BusinessAccountID, ch.WebhookVerifyToken, ch.AppSecret, ch.CommerceSecret,
		ch.Features.AbandonedCart, ch.Features.OrderConfirmation, ch.Features.OrderDelivered,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

func (r *TenantRepository) UpdateChannel(ctx context.Context, id string, ch model.ChannelConfig) error {
	query := `
        UPDATE tenants SET is_configured=$1, access_token=$2, phone_number_id=$3, business_account_id=$4,
            webhook_verify_token=$5, app_secret=$6, commerce_secret=$7,
            feature_abandoned_cart=$8, feature_order_confirmation=$9, feature_order_delivered=$10,
            updated_at=NOW()
        WHERE id=$11
    `
	res, err := r.DB.ExecContext(ctx, query,
		ch.IsConfigured, ch.AccessToken, ch.PhoneNumberID, ch.BusinessAccountID,
		ch.WebhookVerifyToken, ch.AppSecret, ch.CommerceSecret,
		ch.Features.AbandonedCart, ch.Features.OrderConfirmation, ch.Features.OrderDelivered, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, appErrors.NewTenantNotFound(id))
}

func statColumn(field model.StatField) (string, bool) {
	switch field {
	case model.StatTotalOptIns, model.StatMessagesDelivered, model.StatMessagesClicked, model.StatConversions:
		return string(field), true
	}
	return "", false
}

// IncrementStat atomically adds delta to one lifetime counter.
func (r *TenantRepository) IncrementStat(ctx context.Context, id string, field model.StatField, delta int64) error {
	col, ok := statColumn(field)
	if !ok {
		return appErrors.NewValidation("field", "unknown stat "+string(field))
	}
	query := fmt.Sprintf(`UPDATE tenants SET %[1]s = %[1]s + $1, updated_at=NOW() WHERE id=$2`, col)
	res, err := r.DB.ExecContext(ctx, query, delta, id)
	if err != nil {
		return err
	}
	return requireRow(res, appErrors.NewTenantNotFound(id))
}

// Deactivate disables a tenant; tenants are never deleted.
func (r *TenantRepository) Deactivate(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tenants SET is_active=FALSE, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, appErrors.NewTenantNotFound(id))
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
