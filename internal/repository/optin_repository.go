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

type OptInRepositoryInterface interface {
	Upsert(ctx context.Context, tenantID string, r model.Recipient, source model.OptInSource) (id string, activated bool, err error)
	FindActive(ctx context.Context, tenantID, phone string, pref model.Preference) (*model.OptIn, error)
	GetByID(ctx context.Context, id string) (*model.OptIn, error)
	RecordEngagement(ctx context.Context, id string, kind model.EngagementKind) error
	Deactivate(ctx context.Context, tenantID, phone string) error
	UpdatePreferences(ctx context.Context, tenantID, phone string, prefs model.Preferences) error
	CountSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

var _ OptInRepositoryInterface = (*OptInRepository)(nil)

type OptInRepository struct {
	DB *sql.DB
}

func NewOptInRepository(db *sql.DB) *OptInRepository {
	return &OptInRepository{DB: db}
}

const optInColumns = `id, tenant_id, customer_id, customer_email, customer_name, phone_number, source, is_active,
    pref_abandoned_cart, pref_order_updates, pref_promotions, messages_received, messages_clicked,
    last_message_at, opted_in_at, created_at, updated_at`

func scanOptIn(row interface{ Scan(...any) error }) (*model.OptIn, error) {
	var o model.OptIn
	var lastMessageAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.TenantID, &o.CustomerID, &o.CustomerEmail, &o.CustomerName, &o.PhoneNumber, &o.Source, &o.IsActive,
		&o.Preferences.AbandonedCart, &o.Preferences.OrderUpdates, &o.Preferences.Promotions,
		&o.MessagesReceived, &o.MessagesClicked, &lastMessageAt, &o.OptedInAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		o.LastMessageAt = &t
	}
	return &o, nil
}

// Upsert creates or refreshes the opt-in for (tenant, phone). phone must already be
// normalized. activated is true when this call created the record or flipped it from
// inactive to active; concurrent callers for the same phone see it true at most once.
// Preferences are only overwritten when the recipient carries them.
func (r *OptInRepository) Upsert(ctx context.Context, tenantID string, rec model.Recipient, source model.OptInSource) (string, bool, error) {
	prefs := model.DefaultPreferences()
	prefsSet := rec.Preferences != nil
	if prefsSet {
		prefs = *rec.Preferences
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("upsert opt-in: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// The row lock holds off concurrent upserts and opt-outs until commit.
	existed := true
	var wasActive bool
	err = tx.QueryRowContext(ctx,
		`SELECT is_active FROM opt_ins WHERE tenant_id=$1 AND phone_number=$2 FOR UPDATE`,
		tenantID, rec.Phone,
	).Scan(&wasActive)
	if errors.Is(err, sql.ErrNoRows) {
		existed = false
	} else if err != nil {
		return "", false, fmt.Errorf("upsert opt-in: %w", err)
	}

	query := `
        INSERT INTO opt_ins (id, tenant_id, phone_number, customer_id, customer_email, customer_name, source,
            is_active, pref_abandoned_cart, pref_order_updates, pref_promotions, opted_in_at, created_at, updated_at)
        VALUES ($3, $1, $2, $4, $5, $6, $7, TRUE, $8, $9, $10, NOW(), NOW(), NOW())
        ON CONFLICT (tenant_id, phone_number) DO UPDATE SET
            customer_id=COALESCE(NULLIF(EXCLUDED.customer_id, ''), opt_ins.customer_id),
            customer_email=COALESCE(NULLIF(EXCLUDED.customer_email, ''), opt_ins.customer_email),
            customer_name=COALESCE(NULLIF(EXCLUDED.customer_name, ''), opt_ins.customer_name),
            source=EXCLUDED.source,
            is_active=TRUE,
            pref_abandoned_cart=CASE WHEN $11 THEN EXCLUDED.pref_abandoned_cart ELSE opt_ins.pref_abandoned_cart END,
            pref_order_updates=CASE WHEN $11 THEN EXCLUDED.pref_order_updates ELSE opt_ins.pref_order_updates END,
            pref_promotions=CASE WHEN $11 THEN EXCLUDED.pref_promotions ELSE opt_ins.pref_promotions END,
            opted_in_at=CASE WHEN opt_ins.is_active THEN opt_ins.opted_in_at ELSE NOW() END,
            updated_at=NOW()
        RETURNING id, (xmax = 0)
    `
	// xmax is 0 only on the row version written by the INSERT branch, so a caller that
	// lost an insert race to another transaction sees false here.
	var id string
	var inserted bool
	err = tx.QueryRowContext(ctx, query,
		tenantID, rec.Phone, uuid.NewString(), rec.CustomerID, rec.Email, rec.Name, string(source),
		prefs.AbandonedCart, prefs.OrderUpdates, prefs.Promotions, prefsSet,
	).Scan(&id, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("upsert opt-in: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("upsert opt-in: %w", err)
	}
	return id, inserted || (existed && !wasActive), nil
}

func prefColumn(pref model.Preference) (string, bool) {
	switch pref {
	case model.PrefAbandonedCart:
		return "pref_abandoned_cart", true
	case model.PrefOrderUpdates:
		return "pref_order_updates", true
	case model.PrefPromotions:
		return "pref_promotions", true
	}
	return "", false
}

// FindActive returns the active opt-in for the phone that allows pref, or nil if there is
// none. An empty pref matches any active opt-in.
func (r *OptInRepository) FindActive(ctx context.Context, tenantID, phone string, pref model.Preference) (*model.OptIn, error) {
	query := `SELECT ` + optInColumns + ` FROM opt_ins WHERE tenant_id=$1 AND phone_number=$2 AND is_active=TRUE`
	if pref != "" {
		col, ok := prefColumn(pref)
		if !ok {
			return nil, appErrors.NewValidation("preference", "unknown preference "+string(pref))
		}
		query += " AND " + col + "=TRUE"
	}
	o, err := scanOptIn(r.DB.QueryRowContext(ctx, query, tenantID, phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

func (r *OptInRepository) GetByID(ctx context.Context, id string) (*model.OptIn, error) {
	query := `SELECT ` + optInColumns + ` FROM opt_ins WHERE id=$1`
	o, err := scanOptIn(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewOptInNotFound(id)
		}
		return nil, err
	}
	return o, nil
}

func (r *OptInRepository) RecordEngagement(ctx context.Context, id string, kind model.EngagementKind) error {
	var query string
	switch kind {
	case model.EngagementReceived:
		query = `UPDATE opt_ins SET messages_received=messages_received+1, last_message_at=NOW(), updated_at=NOW() WHERE id=$1`
	case model.EngagementClicked:
		query = `UPDATE opt_ins SET messages_clicked=messages_clicked+1, updated_at=NOW() WHERE id=$1`
	default:
		return appErrors.NewValidation("kind", "unknown engagement "+string(kind))
	}
	res, err := r.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireRow(res, appErrors.NewOptInNotFound(id))
}

// Deactivate opts the phone out. The record is kept for history.
func (r *OptInRepository) Deactivate(ctx context.Context, tenantID, phone string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE opt_ins SET is_active=FALSE, updated_at=NOW() WHERE tenant_id=$1 AND phone_number=$2 AND is_active=TRUE`,
		tenantID, phone)
	if err != nil {
		return err
	}
	return requireRow(res, appErrors.NewOptInNotFound(phone))
}

func (r *OptInRepository) UpdatePreferences(ctx context.Context, tenantID, phone string, prefs model.Preferences) error {
	query := `
        UPDATE opt_ins SET pref_abandoned_cart=$1, pref_order_updates=$2, pref_promotions=$3, updated_at=NOW()
        WHERE tenant_id=$4 AND phone_number=$5
    `
	res, err := r.DB.ExecContext(ctx, query, prefs.AbandonedCart, prefs.OrderUpdates, prefs.Promotions, tenantID, phone)
	if err != nil {
		return err
	}
	return requireRow(res, appErrors.NewOptInNotFound(phone))
}

// CountSince counts active opt-ins that opted in at or after since.
func (r *OptInRepository) CountSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM opt_ins WHERE tenant_id=$1 AND is_active=TRUE AND opted_in_at >= $2`,
		tenantID, since).Scan(&n)
	return n, err
}
