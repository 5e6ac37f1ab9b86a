// internal/model/message.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryAbandonedCart     Category = "abandoned_cart"
	CategoryOrderConfirmation Category = "order_confirmation"
	CategoryOrderShipped      Category = "order_shipped"
	CategoryOrderDelivered    Category = "order_delivered"
	CategoryPromotion         Category = "promotion"
	CategoryTest              Category = "test"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryAbandonedCart, CategoryOrderConfirmation, CategoryOrderShipped,
		CategoryOrderDelivered, CategoryPromotion, CategoryTest:
		return true
	}
	return false
}

// EventTriggered reports whether messages of this category come from a commerce
// webhook and therefore carry a linked object id used for deduplication.
func (c Category) EventTriggered() bool {
	switch c {
	case CategoryAbandonedCart, CategoryOrderConfirmation, CategoryOrderShipped, CategoryOrderDelivered:
		return true
	}
	return false
}

// RequiredPreference returns the consent flag a recipient must have set.
// Test sends need no consent.
func (c Category) RequiredPreference() (Preference, bool) {
	switch c {
	case CategoryAbandonedCart:
		return PrefAbandonedCart, true
	case CategoryOrderConfirmation, CategoryOrderShipped, CategoryOrderDelivered:
		return PrefOrderUpdates, true
	case CategoryPromotion:
		return PrefPromotions, true
	}
	return "", false
}

type MessageStatus string

const (
	StatusSent       MessageStatus = "sent"
	StatusDelivered  MessageStatus = "delivered"
	StatusRead       MessageStatus = "read"
	StatusFailed     MessageStatus = "failed"
	StatusSendFailed MessageStatus = "send_failed"
)

var allStatuses = []MessageStatus{StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusSendFailed}

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Terminal statuses accept no further provider callbacks.
func (s MessageStatus) Terminal() bool {
	return s == StatusFailed || s == StatusSendFailed
}

// CanTransition reports whether a provider callback moving a message from one status
// to another should be applied. Progress is monotonic (sent < delivered < read) and
// failed overrides anything that is not already terminal.
func CanTransition(from, to MessageStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	if to.rank() == 0 || from.rank() == 0 {
		return false
	}
	return to.rank() > from.rank()
}

// PriorStatuses lists every status from which a transition to `to` is allowed.
func PriorStatuses(to MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range allStatuses {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// ParseProviderStatus maps a provider callback status onto a message status.
func ParseProviderStatus(raw string) (MessageStatus, bool) {
	switch MessageStatus(raw) {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return MessageStatus(raw), true
	}
	return "", false
}

type Message struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	OptInID           *string         `json:"opt_in_id,omitempty"`
	Category          Category        `json:"category"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	RecipientPhone    string          `json:"recipient_phone"`
	Content           string          `json:"content"`
	TemplateName      string          `json:"template_name,omitempty"`
	LinkedObjectID    *string         `json:"linked_object_id,omitempty"`
	MonetaryValue     decimal.Decimal `json:"monetary_value"`
	Currency          string          `json:"currency,omitempty"`
	Status            MessageStatus   `json:"status"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	ReadAt            *time.Time      `json:"read_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Clicked           bool            `json:"clicked"`
	ClickedAt         *time.Time      `json:"clicked_at,omitempty"`
	ClickedURL        string          `json:"clicked_url,omitempty"`
	Converted         bool            `json:"converted"`
	ConvertedAt       *time.Time      `json:"converted_at,omitempty"`
	ConversionValue   decimal.Decimal `json:"conversion_value"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IdempotencyKey returns the (tenant, linked object, category) key. Messages without a
// linked object are never deduplicated.
func (m *Message) IdempotencyKey() (string, bool) {
	if m.LinkedObjectID == nil || *m.LinkedObjectID == "" {
		return "", false
	}
	return IdempotencyKey(m.TenantID, *m.LinkedObjectID, m.Category), true
}

func IdempotencyKey(tenantID, linkedObjectID string, c Category) string {
	return tenantID + "|" + linkedObjectID + "|" + string(c)
}

// CategoryStats is one row of the per-category analytics breakdown.
type CategoryStats struct {
	Category  Category `json:"category"`
	Count     int      `json:"count"`
	Clicked   int      `json:"clicked"`
	Converted int      `json:"converted"`
}
