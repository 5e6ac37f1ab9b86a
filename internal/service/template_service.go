// internal/service/template_service.go
package service

import (
	"fmt"
	"sort"
	"strings"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
)

var messageTemplates = map[model.Category]string{
	model.CategoryAbandonedCart: "Hi {name}! 👋\n\n" +
		"You left {items} in your cart worth {total}.\n\n" +
		"Complete your purchase before they're gone: {checkout_url}\n\n" +
		"Need help? Just reply to this message!",
	model.CategoryOrderConfirmation: "Hi {name}! ✅\n\n" +
		"Your order #{order_number} has been confirmed.\n\n" +
		"Order total: {total}\n" +
		"We'll send you tracking info once your order ships.\n\n" +
		"Thanks for shopping with {store}!",
	model.CategoryOrderShipped: "Hi {name}! 🚚\n\n" +
		"Your order #{order_number} is on its way.{tracking}\n\n" +
		"Thanks for shopping with {store}!",
	model.CategoryOrderDelivered: "Hi {name}! 📦\n\n" +
		"Your order #{order_number} has been delivered. We hope you love it!\n\n" +
		"Thanks for shopping with {store}!",
	model.CategoryPromotion: "Hi {name}! {promotion}",
}

// RenderTemplate substitutes {key} placeholders in a single pass, so values that
// themselves contain braces are never expanded again.
func RenderTemplate(template string, data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// RenderMessage renders the outbound text for a category. Output depends only on its inputs.
func RenderMessage(c model.Category, rc model.RenderContext) (string, error) {
	tmpl, ok := messageTemplates[c]
	if !ok {
		return "", appErrors.NewValidation("category", fmt.Sprintf("no template for %q", c))
	}
	tracking := ""
	if rc.TrackingURL != "" {
		tracking = "\n\nTrack it here: " + rc.TrackingURL
	}
	store := rc.StoreName
	if store == "" {
		store = "us"
	}
	return RenderTemplate(tmpl, map[string]string{
		"name":         DisplayName(rc.CustomerName, rc.CustomerEmail),
		"items":        ItemCountLabel(rc.ItemCount),
		"total":        FormatMoney(rc),
		"checkout_url": rc.CheckoutURL,
		"order_number": rc.OrderNumber,
		"tracking":     tracking,
		"store":        store,
		"promotion":    rc.PromotionText,
	}), nil
}

// DisplayName falls back from the explicit name to the email local part to "there".
func DisplayName(name, email string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	if at := strings.Index(email, "@"); at > 0 {
		return strings.TrimSpace(email[:at])
	}
	return "there"
}

func ItemCountLabel(n int) string {
	if n == 1 {
		return "1 item"
	}
	return fmt.Sprintf("%d items", n)
}

// FormatMoney renders "<CODE> <amount>" with two decimals, e.g. "USD 49.99".
func FormatMoney(rc model.RenderContext) string {
	amount := rc.TotalPrice.StringFixed(2)
	if rc.Currency == "" {
		return amount
	}
	return strings.ToUpper(rc.Currency) + " " + amount
}
