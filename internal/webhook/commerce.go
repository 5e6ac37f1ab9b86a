// Package webhook turns raw commerce and provider webhook bodies into normalized events.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
)

// Commerce platform topics.
const (
	TopicCheckoutAbandoned = "checkouts/abandoned"
	TopicOrderCreated      = "orders/create"
	TopicOrderFulfilled    = "orders/fulfilled"
	TopicOrderDelivered    = "orders/delivered"
)

var topicCategories = map[string]model.Category{
	TopicCheckoutAbandoned: model.CategoryAbandonedCart,
	TopicOrderCreated:      model.CategoryOrderConfirmation,
	TopicOrderFulfilled:    model.CategoryOrderShipped,
	TopicOrderDelivered:    model.CategoryOrderDelivered,
}

// CategoryForTopic maps a commerce topic to a message category. Path-style topics such
// as "orders-create" or "orders_create" are accepted too.
func CategoryForTopic(topic string) (model.Category, bool) {
	t := strings.ToLower(strings.Trim(topic, "/ "))
	if c, ok := topicCategories[t]; ok {
		return c, true
	}
	t = strings.NewReplacer("-", "/", "_", "/").Replace(t)
	c, ok := topicCategories[t]
	return c, ok
}

// flexString accepts ids sent either as JSON strings or as numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type address struct {
	FirstName string `json:"first_name"`
	Phone     string `json:"phone"`
}

type customer struct {
	ID        flexString `json:"id"`
	FirstName string     `json:"first_name"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone"`
}

type lineItem struct {
	ID       flexString `json:"id"`
	Title    string     `json:"title"`
	Quantity int        `json:"quantity"`
}

type fulfillment struct {
	TrackingURL  string   `json:"tracking_url"`
	TrackingURLs []string `json:"tracking_urls"`
}

// checkoutPayload is an abandoned checkout.
type checkoutPayload struct {
	ID                   flexString      `json:"id"`
	Token                string          `json:"token"`
	Email                string          `json:"email"`
	Phone                string          `json:"phone"`
	AbandonedCheckoutURL string          `json:"abandoned_checkout_url"`
	TotalPrice           decimal.Decimal `json:"total_price"`
	Currency             string          `json:"currency"`
	PresentmentCurrency  string          `json:"presentment_currency"`
	LineItems            []lineItem      `json:"line_items"`
	BillingAddress       *address        `json:"billing_address"`
	ShippingAddress      *address        `json:"shipping_address"`
	Customer             *customer       `json:"customer"`
}

// orderPayload covers order created, fulfilled and delivered.
type orderPayload struct {
	ID                  flexString      `json:"id"`
	Name                string          `json:"name"`
	OrderNumber         flexString      `json:"order_number"`
	Email               string          `json:"email"`
	Phone               string          `json:"phone"`
	TotalPrice          decimal.Decimal `json:"total_price"`
	Currency            string          `json:"currency"`
	PresentmentCurrency string          `json:"presentment_currency"`
	LineItems           []lineItem      `json:"line_items"`
	BillingAddress      *address        `json:"billing_address"`
	ShippingAddress     *address        `json:"shipping_address"`
	Customer            *customer       `json:"customer"`
	Fulfillments        []fulfillment   `json:"fulfillments"`
}

// phoneCandidates lists recipient phones in priority order: billing, shipping, customer,
// then the top-level phone.
func phoneCandidates(billing, shipping *address, c *customer, top string) []string {
	var out []string
	if billing != nil {
		out = append(out, billing.Phone)
	}
	if shipping != nil {
		out = append(out, shipping.Phone)
	}
	if c != nil {
		out = append(out, c.Phone)
	}
	return append(out, top)
}

func customerName(billing *address, c *customer) string {
	if billing != nil && billing.FirstName != "" {
		return billing.FirstName
	}
	if c != nil {
		return c.FirstName
	}
	return ""
}

func customerID(c *customer) string {
	if c == nil {
		return ""
	}
	return string(c.ID)
}

func currencyOf(currency, presentment string) string {
	if currency != "" {
		return currency
	}
	return presentment
}

func (p checkoutPayload) toEvent(tenantID string) model.CommerceEvent {
	linked := string(p.ID)
	if linked == "" {
		linked = p.Token
	}
	email := p.Email
	if email == "" && p.Customer != nil {
		email = p.Customer.Email
	}
	currency := currencyOf(p.Currency, p.PresentmentCurrency)
	return model.CommerceEvent{
		TenantID:        tenantID,
		Category:        model.CategoryAbandonedCart,
		LinkedObjectID:  linked,
		PhoneCandidates: phoneCandidates(p.BillingAddress, p.ShippingAddress, p.Customer, p.Phone),
		CustomerID:      customerID(p.Customer),
		MonetaryValue:   p.TotalPrice,
		Currency:        currency,
		Render: model.RenderContext{
			CustomerName:  customerName(p.BillingAddress, p.Customer),
			CustomerEmail: email,
			ItemCount:     len(p.LineItems),
			TotalPrice:    p.TotalPrice,
			Currency:      currency,
			CheckoutURL:   p.AbandonedCheckoutURL,
		},
	}
}

func (p orderPayload) trackingURL() string {
	for _, f := range p.Fulfillments {
		if f.TrackingURL != "" {
			return f.TrackingURL
		}
		for _, u := range f.TrackingURLs {
			if u != "" {
				return u
			}
		}
	}
	return ""
}

func (p orderPayload) toEvent(tenantID string, c model.Category) model.CommerceEvent {
	number := string(p.OrderNumber)
	if number == "" {
		number = strings.TrimPrefix(p.Name, "#")
	}
	email := p.Email
	if email == "" && p.Customer != nil {
		email = p.Customer.Email
	}
	currency := currencyOf(p.Currency, p.PresentmentCurrency)
	ev := model.CommerceEvent{
		TenantID:        tenantID,
		Category:        c,
		LinkedObjectID:  string(p.ID),
		PhoneCandidates: phoneCandidates(p.BillingAddress, p.ShippingAddress, p.Customer, p.Phone),
		CustomerID:      customerID(p.Customer),
		MonetaryValue:   p.TotalPrice,
		Currency:        currency,
		Render: model.RenderContext{
			CustomerName:  customerName(p.BillingAddress, p.Customer),
			CustomerEmail: email,
			ItemCount:     len(p.LineItems),
			TotalPrice:    p.TotalPrice,
			Currency:      currency,
			OrderNumber:   number,
		},
	}
	if c == model.CategoryOrderShipped {
		ev.Render.TrackingURL = p.trackingURL()
	}
	return ev
}

// ParseCommerce decodes a commerce webhook body for the given topic. Unknown topics and
// undecodable bodies are ValidationErrors.
func ParseCommerce(tenantID, topic string, body []byte) (model.CommerceEvent, error) {
	c, ok := CategoryForTopic(topic)
	if !ok {
		return model.CommerceEvent{}, appErrors.NewValidation("topic", fmt.Sprintf("unsupported topic %q", topic))
	}

	var ev model.CommerceEvent
	switch c {
	case model.CategoryAbandonedCart:
		var p checkoutPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return model.CommerceEvent{}, appErrors.NewValidation("body", "invalid checkout payload: "+err.Error())
		}
		ev = p.toEvent(tenantID)
	default:
		var p orderPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return model.CommerceEvent{}, appErrors.NewValidation("body", "invalid order payload: "+err.Error())
		}
		ev = p.toEvent(tenantID, c)
	}

	if ev.LinkedObjectID == "" {
		return model.CommerceEvent{}, appErrors.NewValidation("id", "payload carries no object id")
	}
	ev.ReceivedAt = time.Now().UTC()
	return ev, nil
}
