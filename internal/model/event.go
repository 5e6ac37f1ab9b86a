// internal/model/event.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RenderContext is the structured data a message template is rendered from.
type RenderContext struct {
	CustomerName  string          `json:"customer_name,omitempty"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	ItemCount     int             `json:"item_count"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	Currency      string          `json:"currency,omitempty"`
	CheckoutURL   string          `json:"checkout_url,omitempty"`
	OrderNumber   string          `json:"order_number,omitempty"`
	TrackingURL   string          `json:"tracking_url,omitempty"`
	StoreName     string          `json:"store_name,omitempty"`
	PromotionText string          `json:"promotion_text,omitempty"`
}

// CommerceEvent is a normalized commerce-platform webhook (checkout or order).
type CommerceEvent struct {
	TenantID        string          `json:"tenant_id"`
	Category        Category        `json:"category"`
	LinkedObjectID  string          `json:"linked_object_id"`
	PhoneCandidates []string        `json:"phone_candidates"`
	CustomerID      string          `json:"customer_id,omitempty"`
	MonetaryValue   decimal.Decimal `json:"monetary_value"`
	Currency        string          `json:"currency,omitempty"`
	Render          RenderContext   `json:"render"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// StatusEvent is a normalized provider delivery callback.
type StatusEvent struct {
	TenantID          string `json:"tenant_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	Timestamp         int64  `json:"timestamp"`
	RecipientID       string `json:"recipient_id,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
}

// InboundEvent is a message a customer sent to the tenant's number.
type InboundEvent struct {
	TenantID          string `json:"tenant_id"`
	ProviderMessageID string `json:"provider_message_id"`
	From              string `json:"from"`
	Text              string `json:"text"`
	MessageType       string `json:"message_type"`
	Timestamp         int64  `json:"timestamp"`
}
