package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
)

type MessageRepositoryInterface interface {
	Insert(ctx context.Context, m *model.Message) error
	ExistsActive(ctx context.Context, tenantID, linkedObjectID string, category model.Category) (bool, error)
	GetByID(ctx context.Context, id string) (*model.Message, error)
	GetByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error)
	ApplyStatus(ctx context.Context, providerMessageID string, to model.MessageStatus, at time.Time, reason string) (bool, error)
	MarkClicked(ctx context.Context, id, url string, at time.Time) (bool, error)
	MarkConverted(ctx context.Context, id string, value decimal.Decimal, at time.Time) (bool, error)
	CountByStatus(ctx context.Context, tenantID string, since time.Time) (map[string]int, error)
	CountByCategory(ctx context.Context, tenantID string, since time.Time) ([]model.CategoryStats, error)
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)

type MessageRepository struct {
	DB *sql.DB
}

func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{DB: db}
}

const messageColumns = `id, tenant_id, opt_in_id, category, provider_message_id, recipient_phone, content,
    template_name, linked_object_id, monetary_value, currency, status, sent_at, delivered_at, read_at,
    failed_at, failure_reason, clicked, clicked_at, clicked_url, converted, converted_at, conversion_value,
    created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var m model.Message
	err := row.Scan(
		&m.ID, &m.TenantID, &m.OptInID, &m.Category, &m.ProviderMessageID, &m.RecipientPhone, &m.Content,
		&m.TemplateName, &m.LinkedObjectID, &m.MonetaryValue, &m.Currency, &m.Status, &m.SentAt, &m.DeliveredAt,
		&m.ReadAt, &m.FailedAt, &m.FailureReason, &m.Clicked, &m.ClickedAt, &m.ClickedURL, &m.Converted,
		&m.ConvertedAt, &m.ConversionValue, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ====================== Dispatch ======================

// Insert persists a terminal dispatch result. A conflicting non-failed row for the same
// (tenant, linked object, category) yields appErrors.ErrDuplicate.
func (r *MessageRepository) Insert(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `
        INSERT INTO messages (id, tenant_id, opt_in_id, category, provider_message_id, recipient_phone, content,
            template_name, linked_object_id, monetary_value, currency, status, sent_at, failed_at, failure_reason,
            created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        ON CONFLICT (tenant_id, linked_object_id, category)
            WHERE linked_object_id IS NOT NULL AND status <> 'send_failed'
        DO NOTHING
        RETURNING id
    `
	var id string
	err := r.DB.QueryRowContext(ctx, query,
		m.ID, m.TenantID, m.OptInID, string(m.Category), m.ProviderMessageID, m.RecipientPhone, m.Content,
		m.TemplateName, m.LinkedObjectID, m.MonetaryValue, m.Currency, string(m.Status), m.SentAt, m.FailedAt,
		m.FailureReason, m.CreatedAt, m.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ExistsActive reports whether a non-failed message already covers the key.
func (r *MessageRepository) ExistsActive(ctx context.Context, tenantID, linkedObjectID string, category model.Category) (bool, error) {
	query := `
        SELECT 1 FROM messages
        WHERE tenant_id=$1 AND linked_object_id=$2 AND category=$3 AND status <> 'send_failed'
        LIMIT 1
    `
	var tmp int
	err := r.DB.QueryRowContext(ctx, query, tenantID, linkedObjectID, string(category)).Scan(&tmp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id=$1`
	m, err := scanMessage(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewMessageNotFound(id)
		}
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) GetByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE provider_message_id=$1 LIMIT 1`
	m, err := scanMessage(r.DB.QueryRowContext(ctx, query, providerMessageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewMessageNotFound(providerMessageID)
		}
		return nil, err
	}
	return m, nil
}

// ====================== Reconciliation ======================

func statusTimestampColumn(s model.MessageStatus) (string, bool) {
	switch s {
	case model.StatusSent:
		return "sent_at", true
	case model.StatusDelivered:
		return "delivered_at", true
	case model.StatusRead:
		return "read_at", true
	case model.StatusFailed:
		return "failed_at", true
	}
	return "", false
}

// ApplyStatus moves a message to `to` only if its current status is one the transition is
// allowed from, so concurrent or reordered callbacks can never regress it. Returns whether
// a row changed.
func (r *MessageRepository) ApplyStatus(ctx context.Context, providerMessageID string, to model.MessageStatus, at time.Time, reason string) (bool, error) {
	col, ok := statusTimestampColumn(to)
	if !ok {
		return false, appErrors.NewValidation("status", "not a provider status: "+string(to))
	}
	priors := model.PriorStatuses(to)
	if len(priors) == 0 {
		return false, nil
	}
	from := make([]string, len(priors))
	for i, s := range priors {
		from[i] = string(s)
	}

	extra := ""
	if to == model.StatusRead {
		// a read receipt implies delivery even if that callback never arrived
		extra = ", delivered_at=COALESCE(delivered_at, $2)"
	}
	query := fmt.Sprintf(`
        UPDATE messages
        SET status=$1, %s=$2%s,
            failure_reason=CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END,
            updated_at=NOW()
        WHERE provider_message_id=$4 AND status = ANY($5)
    `, col, extra)
	res, err := r.DB.ExecContext(ctx, query, string(to), at, reason, providerMessageID, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkClicked records the first click only. Returns false when already clicked.
func (r *MessageRepository) MarkClicked(ctx context.Context, id, url string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE messages SET clicked=TRUE, clicked_at=$1, clicked_url=$2, updated_at=NOW() WHERE id=$3 AND clicked=FALSE`,
		at, url, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkConverted records the first conversion only. Returns false when already converted.
func (r *MessageRepository) MarkConverted(ctx context.Context, id string, value decimal.Decimal, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE messages SET converted=TRUE, converted_at=$1, conversion_value=$2, updated_at=NOW() WHERE id=$3 AND converted=FALSE`,
		at, value, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ====================== Analytics ======================

func (r *MessageRepository) CountByStatus(ctx context.Context, tenantID string, since time.Time) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages WHERE tenant_id=$1 AND created_at >= $2 GROUP BY status`,
		tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *MessageRepository) CountByCategory(ctx context.Context, tenantID string, since time.Time) ([]model.CategoryStats, error) {
	query := `
        SELECT category, COUNT(*), COUNT(*) FILTER (WHERE clicked), COUNT(*) FILTER (WHERE converted)
        FROM messages
        WHERE tenant_id=$1 AND created_at >= $2
        GROUP BY category
        ORDER BY category
    `
	rows, err := r.DB.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.CategoryStats{}
	for rows.Next() {
		var cs model.CategoryStats
		if err := rows.Scan(&cs.Category, &cs.Count, &cs.Clicked, &cs.Converted); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
