package controller

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
	"github.com/unclebandit/cartnotify-backend/internal/provider"
	"github.com/unclebandit/cartnotify-backend/internal/repository"
	"github.com/unclebandit/cartnotify-backend/internal/service"
)

// DirectSender is implemented by service.Dispatcher.
type DirectSender interface {
	SendTest(ctx context.Context, tenantID, rawPhone, text string) (service.DispatchResult, error)
	SendPromotion(ctx context.Context, tenantID, rawPhone string, tmpl provider.TemplateMessage) (service.DispatchResult, error)
}

// TemplateLister is implemented by provider.Client.
type TemplateLister interface {
	ListTemplates(ctx context.Context, accessToken, businessAccountID string) ([]provider.Template, error)
}

type TenantController struct {
	Tenants   repository.TenantRepositoryInterface
	Sender    DirectSender
	Templates TemplateLister
	Logger    *zap.Logger
}

// channelView is the channel configuration without its secrets.
type channelView struct {
	IsConfigured      bool               `json:"is_configured"`
	PhoneNumberID     string             `json:"phone_number_id"`
	BusinessAccountID string             `json:"business_account_id,omitempty"`
	HasVerifyToken    bool               `json:"has_verify_token"`
	HasAppSecret      bool               `json:"has_app_secret"`
	HasCommerceSecret bool               `json:"has_commerce_secret"`
	Features          model.FeatureFlags `json:"features"`
}

func viewChannel(ch model.ChannelConfig) channelView {
	return channelView{
		IsConfigured:      ch.IsConfigured,
		PhoneNumberID:     ch.PhoneNumberID,
		BusinessAccountID: ch.BusinessAccountID,
		HasVerifyToken:    ch.WebhookVerifyToken != "",
		HasAppSecret:      ch.AppSecret != "",
		HasCommerceSecret: ch.CommerceSecret != "",
		Features:          ch.Features,
	}
}

// ConfigureChannel handles PUT /api/tenants/{id}/channel. Omitted secrets keep their
// stored values; omitted features fall back to the defaults.
func (c *TenantController) ConfigureChannel(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	var body struct {
		AccessToken        string              `json:"access_token"`
		PhoneNumberID      string              `json:"phone_number_id"`
		BusinessAccountID  string              `json:"business_account_id"`
		WebhookVerifyToken string              `json:"webhook_verify_token"`
		AppSecret          string              `json:"app_secret"`
		CommerceSecret     string              `json:"commerce_secret"`
		Features           *model.FeatureFlags `json:"features"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, c.Logger, err)
		return
	}
	if strings.TrimSpace(body.AccessToken) == "" || strings.TrimSpace(body.PhoneNumberID) == "" {
		respondError(w, c.Logger, appErrors.NewValidation("channel", "access_token and phone_number_id are required"))
		return
	}

	tenant, err := c.Tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		respondError(w, c.Logger, err)
		return
	}
	ch := tenant.Channel
	ch.IsConfigured = true
	ch.AccessToken = body.AccessToken
	ch.PhoneNumberID = body.PhoneNumberID
	if body.BusinessAccountID != "" {
		ch.BusinessAccountID = body.BusinessAccountID
	}
	if body.WebhookVerifyToken != "" {
		ch.WebhookVerifyToken = body.WebhookVerifyToken
	}
	if body.AppSecret != "" {
		ch.AppSecret = body.AppSecret
	}
	if body.CommerceSecret != "" {
		ch.CommerceSecret = body.CommerceSecret
	}
	if body.Features != nil {
		ch.Features = *body.Features
	} else {
		ch.Features = model.DefaultFeatureFlags()
	}

	if err := c.Tenants.UpdateChannel(r.Context(), tenantID, ch); err != nil {
		respondError(w, c.Logger, err)
		return
	}
	c.Logger.Info("channel configured", zap.String("tenant_id", tenantID))
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "channel": viewChannel(ch)})
}

// SendTestMessage handles POST /api/tenants/{id}/test-message. Provider failures are
// reported to the caller with the recorded outcome.
func (c *TenantController) SendTestMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PhoneNumber string `json:"phoneNumber"`
		Message     string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, c.Logger, err)
		return
	}
	res, err := c.Sender.SendTest(r.Context(), chi.URLParam(r, "id"), body.PhoneNumber, body.Message)
	if err != nil {
		if appErrors.IsProvider(err) {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
			return
		}
		respondError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SendPromotion handles POST /api/tenants/{id}/promotions.
func (c *TenantController) SendPromotion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PhoneNumber  string   `json:"phoneNumber"`
		TemplateName string   `json:"template_name"`
		LanguageCode string   `json:"language_code"`
		Params       []string `json:"params"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, c.Logger, err)
		return
	}
	res, err := c.Sender.SendPromotion(r.Context(), chi.URLParam(r, "id"), body.PhoneNumber, provider.TemplateMessage{
		Name:         body.TemplateName,
		LanguageCode: body.LanguageCode,
		Params:       body.Params,
	})
	if err != nil {
		respondError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListTemplates handles GET /api/tenants/{id}/templates, the approved templates a
// promotion can be sent with.
func (c *TenantController) ListTemplates(w http.ResponseWriter, r *http.Request) {
	tenant, err := c.Tenants.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, c.Logger, err)
		return
	}
	ch := tenant.Channel
	if ch.AccessToken == "" || ch.BusinessAccountID == "" {
		respondError(w, c.Logger, appErrors.NewValidation("channel", "access_token and business_account_id must be configured"))
		return
	}
	templates, err := c.Templates.ListTemplates(r.Context(), ch.AccessToken, ch.BusinessAccountID)
	if err != nil {
		respondError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}
