package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unclebandit/cartnotify-backend/internal/handler"
	"github.com/unclebandit/cartnotify-backend/internal/middleware"
)

// Routes groups the HTTP surface. A nil Limiter disables rate limiting on /api.
type Routes struct {
	Webhooks *WebhookController
	OptIns   *OptInController
	Tenants  *TenantController
	Messages *MessageController
	Stats    *handler.StatsHandler
	Limiter  *middleware.RateLimiter
}

func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Webhook routes
	r.Post("/webhooks/commerce/{tenantID}/*", rt.Webhooks.CommerceByPath)
	r.Post("/webhooks/shopify", rt.Webhooks.CommerceByHeaders)
	r.Get("/webhooks/provider/{tenantID}", rt.Webhooks.VerifyProvider)
	r.Post("/webhooks/provider/{tenantID}", rt.Webhooks.ProviderCallback)

	// API routes
	r.Route("/api", func(r chi.Router) {
		if rt.Limiter != nil {
			r.Use(rt.Limiter.Middleware)
		}
		r.Post("/optins", rt.OptIns.CreateOptIn)
		r.Route("/tenants/{id}", func(r chi.Router) {
			r.Delete("/optins/{phone}", rt.OptIns.DeleteOptIn)
			r.Put("/optins/{phone}/preferences", rt.OptIns.UpdatePreferences)
			r.Put("/channel", rt.Tenants.ConfigureChannel)
			r.Post("/test-message", rt.Tenants.SendTestMessage)
			r.Post("/promotions", rt.Tenants.SendPromotion)
			r.Get("/templates", rt.Tenants.ListTemplates)
			r.Get("/stats", rt.Stats.GetStatsHandler)
			r.Get("/analytics", rt.Stats.GetAnalyticsHandler)
		})
		r.Post("/messages/{id}/click", rt.Messages.RecordClick)
		r.Post("/messages/{id}/conversion", rt.Messages.RecordConversion)
	})
	return r
}
