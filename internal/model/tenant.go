// internal/model/tenant.go
package model

import "time"

// FeatureFlags toggles which commerce events a tenant wants messages for.
type FeatureFlags struct {
	AbandonedCart     bool `json:"abandoned_cart" yaml:"abandoned_cart"`
	OrderConfirmation bool `json:"order_confirmation" yaml:"order_confirmation"`
	OrderDelivered    bool `json:"order_delivered" yaml:"order_delivered"`
}

// DefaultFeatureFlags mirrors what a freshly connected store gets.
func DefaultFeatureFlags() FeatureFlags {
	return FeatureFlags{AbandonedCart: true, OrderConfirmation: true, OrderDelivered: false}
}

// ChannelConfig holds the per-tenant messaging provider credentials and webhook secrets.
type ChannelConfig struct {
	IsConfigured       bool         `json:"is_configured" yaml:"is_configured"`
	AccessToken        string       `json:"access_token" yaml:"access_token"`
	PhoneNumberID      string       `json:"phone_number_id" yaml:"phone_number_id"`
	BusinessAccountID  string       `json:"business_account_id" yaml:"business_account_id"`
	WebhookVerifyToken string       `json:"webhook_verify_token" yaml:"webhook_verify_token"`
	AppSecret          string       `json:"app_secret" yaml:"app_secret"`
	CommerceSecret     string       `json:"commerce_secret" yaml:"commerce_secret"`
	Features           FeatureFlags `json:"features" yaml:"features"`
}

// TenantStats are the lifetime counters shown on the dashboard.
type TenantStats struct {
	TotalOptIns       int64 `json:"total_opt_ins"`
	MessagesDelivered int64 `json:"messages_delivered"`
	MessagesClicked   int64 `json:"messages_clicked"`
	Conversions       int64 `json:"conversions"`
}

// StatField names one of the TenantStats counters.
type StatField string

const (
	StatTotalOptIns       StatField = "total_opt_ins"
	StatMessagesDelivered StatField = "messages_delivered"
	StatMessagesClicked   StatField = "messages_clicked"
	StatConversions       StatField = "conversions"
)

type Tenant struct {
	ID         string        `json:"id"`
	ShopDomain string        `json:"shop_domain"`
	Name       string        `json:"name"`
	IsActive   bool          `json:"is_active"`
	Channel    ChannelConfig `json:"channel"`
	Stats      TenantStats   `json:"stats"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// FeatureEnabled reports whether the tenant wants messages of the given category.
// Test sends are always allowed; promotions are gated by recipient preference only.
func (t *Tenant) FeatureEnabled(c Category) bool {
	f := t.Channel.Features
	switch c {
	case CategoryAbandonedCart:
		return f.AbandonedCart
	case CategoryOrderConfirmation:
		return f.OrderConfirmation
	case CategoryOrderShipped, CategoryOrderDelivered:
		return f.OrderDelivered
	case CategoryPromotion, CategoryTest:
		return true
	}
	return false
}

// CanSend reports whether the tenant is able to send at all.
func (t *Tenant) CanSend() bool {
	return t.IsActive && t.Channel.IsConfigured && t.Channel.AccessToken != "" && t.Channel.PhoneNumberID != ""
}
