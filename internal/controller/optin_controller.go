package controller

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/model"
)

// OptInService is implemented by service.OptInRegistry.
type OptInService interface {
	UpsertOptIn(ctx context.Context, tenantID string, rec model.Recipient, source model.OptInSource) (string, error)
	OptOut(ctx context.Context, tenantID, rawPhone string) error
	UpdatePreferences(ctx context.Context, tenantID, rawPhone string, prefs model.Preferences) error
}

type OptInController struct {
	Registry OptInService
	Logger   *zap.Logger
}

// CreateOptIn handles POST /api/optins from the storefront widget or checkout.
func (c *OptInController) CreateOptIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID    string             `json:"tenantId"`
		PhoneNumber string             `json:"phoneNumber"`
		CustomerID  string             `json:"customerId"`
		Email       string             `json:"email"`
		Name        string             `json:"name"`
		Source      model.OptInSource  `json:"source"`
		Preferences *model.Preferences `json:"preferences"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, c.Logger, err)
		return
	}

	id, err := c.Registry.UpsertOptIn(r.Context(), body.TenantID, model.Recipient{
		CustomerID:  body.CustomerID,
		Email:       body.Email,
		Name:        body.Name,
		Phone:       body.PhoneNumber,
		Preferences: body.Preferences,
	}, body.Source)
	if err != nil {
		respondError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"optInId": id,
	})
}

// DeleteOptIn handles DELETE /api/tenants/{id}/optins/{phone}.
func (c *OptInController) DeleteOptIn(w http.ResponseWriter, r *http.Request) {
	if err := c.Registry.OptOut(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "phone")); err != nil {
		respondError(w, c.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdatePreferences handles PUT /api/tenants/{id}/optins/{phone}/preferences.
func (c *OptInController) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs model.Preferences
	if err := decodeBody(r, &prefs); err != nil {
		respondError(w, c.Logger, err)
		return
	}
	if err := c.Registry.UpdatePreferences(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "phone"), prefs); err != nil {
		respondError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}
