// internal/model/optin.go
package model

import "time"

type OptInSource string

const (
	SourceWidget   OptInSource = "widget"
	SourceCheckout OptInSource = "checkout"
	SourceManual   OptInSource = "manual"
)

func (s OptInSource) Valid() bool {
	switch s {
	case SourceWidget, SourceCheckout, SourceManual:
		return true
	}
	return false
}

// Preference names a message category a recipient can consent to.
type Preference string

const (
	PrefAbandonedCart Preference = "abandoned_cart"
	PrefOrderUpdates  Preference = "order_updates"
	PrefPromotions    Preference = "promotions"
)

type Preferences struct {
	AbandonedCart bool `json:"abandoned_cart"`
	OrderUpdates  bool `json:"order_updates"`
	Promotions    bool `json:"promotions"`
}

func DefaultPreferences() Preferences {
	return Preferences{AbandonedCart: true, OrderUpdates: true, Promotions: false}
}

// Allows reports whether the named preference flag is set.
func (p Preferences) Allows(pref Preference) bool {
	switch pref {
	case PrefAbandonedCart:
		return p.AbandonedCart
	case PrefOrderUpdates:
		return p.OrderUpdates
	case PrefPromotions:
		return p.Promotions
	}
	return false
}

// Recipient is the identity supplied when someone opts in.
// A nil Preferences keeps the stored flags (or defaults for a new record).
type Recipient struct {
	CustomerID  string       `json:"customer_id"`
	Email       string       `json:"email,omitempty"`
	Name        string       `json:"name,omitempty"`
	Phone       string       `json:"phone"`
	Preferences *Preferences `json:"preferences,omitempty"`
}

type OptIn struct {
	ID               string      `json:"id"`
	TenantID         string      `json:"tenant_id"`
	CustomerID       string      `json:"customer_id"`
	CustomerEmail    string      `json:"customer_email,omitempty"`
	CustomerName     string      `json:"customer_name,omitempty"`
	PhoneNumber      string      `json:"phone_number"`
	Source           OptInSource `json:"source"`
	IsActive         bool        `json:"is_active"`
	Preferences      Preferences `json:"preferences"`
	MessagesReceived int         `json:"messages_received"`
	MessagesClicked  int         `json:"messages_clicked"`
	LastMessageAt    *time.Time  `json:"last_message_at,omitempty"`
	OptedInAt        time.Time   `json:"opted_in_at"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

type EngagementKind string

const (
	EngagementReceived EngagementKind = "received"
	EngagementClicked  EngagementKind = "clicked"
)
