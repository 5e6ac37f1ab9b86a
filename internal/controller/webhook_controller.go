// internal/controller/webhook_controller.go
package controller

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/metrics"
	"github.com/unclebandit/cartnotify-backend/internal/model"
	"github.com/unclebandit/cartnotify-backend/internal/provider"
	"github.com/unclebandit/cartnotify-backend/internal/queue"
	"github.com/unclebandit/cartnotify-backend/internal/repository"
	"github.com/unclebandit/cartnotify-backend/internal/webhook"
)

// Publisher is the part of queue.Queue the gateway needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, env queue.Envelope) error
}

// WebhookController is the ingestion gateway: it authenticates and normalizes inbound
// webhooks, publishes them and acknowledges without waiting for processing.
type WebhookController struct {
	Tenants          repository.TenantRepositoryInterface
	Queue            Publisher
	RequireSignature bool
	Logger           *zap.Logger
}

const (
	sourceCommerce = "commerce"
	sourceProvider = "provider"
)

func (c *WebhookController) reject(w http.ResponseWriter, source, result string, status int, msg string) {
	metrics.WebhooksReceivedTotal.WithLabelValues(source, result).Inc()
	writeError(w, status, msg)
}

// rejectErr writes err with the status statusFor maps it to.
func (c *WebhookController) rejectErr(w http.ResponseWriter, source, result string, err error) {
	c.reject(w, source, result, statusFor(err), err.Error())
}

// verify checks the body signature against secret. Without a configured secret the
// request passes unless signatures are required globally.
func (c *WebhookController) verify(body []byte, signature, secret string) error {
	if secret == "" {
		if c.RequireSignature {
			return appErrors.NewAuthentication("signature required but no secret is configured")
		}
		return nil
	}
	if !provider.VerifyHMACSHA256(body, signature, secret) {
		return appErrors.NewAuthentication("invalid signature")
	}
	return nil
}

func (c *WebhookController) lookupTenant(w http.ResponseWriter, r *http.Request, source string, find func(context.Context) (*model.Tenant, error)) (*model.Tenant, bool) {
	tenant, err := find(r.Context())
	if err != nil {
		if appErrors.IsNotFound(err) {
			c.reject(w, source, "unknown_tenant", http.StatusNotFound, "unknown tenant")
			return nil, false
		}
		c.Logger.Error("tenant lookup failed", zap.Error(err))
		c.reject(w, source, "error", http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return tenant, true
}

// ====================== Commerce ======================

// CommerceByPath handles POST /webhooks/commerce/{tenantID}/{topic...}.
func (c *WebhookController) CommerceByPath(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	topic := chi.URLParam(r, "*")
	c.handleCommerce(w, r, topic, func(ctx context.Context) (*model.Tenant, error) {
		return c.Tenants.GetByID(ctx, tenantID)
	})
}

// CommerceByHeaders handles POST /webhooks/shopify, resolving the tenant from the shop
// domain header.
func (c *WebhookController) CommerceByHeaders(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Shopify-Shop-Domain")))
	topic := r.Header.Get("X-Shopify-Topic")
	if domain == "" || topic == "" {
		c.reject(w, sourceCommerce, "invalid", http.StatusBadRequest, "missing shop domain or topic header")
		return
	}
	c.handleCommerce(w, r, topic, func(ctx context.Context) (*model.Tenant, error) {
		return c.Tenants.GetByShopDomain(ctx, domain)
	})
}

func commerceSignature(r *http.Request) string {
	if sig := r.Header.Get("X-Shopify-Hmac-Sha256"); sig != "" {
		return sig
	}
	return r.Header.Get("X-Hmac-Sha256")
}

func (c *WebhookController) handleCommerce(w http.ResponseWriter, r *http.Request, topic string, find func(context.Context) (*model.Tenant, error)) {
	body, err := readWebhookBody(w, r)
	if err != nil {
		c.reject(w, sourceCommerce, "invalid", http.StatusBadRequest, err.Error())
		return
	}
	tenant, ok := c.lookupTenant(w, r, sourceCommerce, find)
	if !ok {
		return
	}
	if err := c.verify(body, commerceSignature(r), tenant.Channel.CommerceSecret); err != nil {
		c.Logger.Warn("commerce webhook rejected", zap.String("tenant_id", tenant.ID), zap.String("topic", topic), zap.Error(err))
		c.rejectErr(w, sourceCommerce, "unauthorized", err)
		return
	}

	ev, err := webhook.ParseCommerce(tenant.ID, topic, body)
	if err != nil {
		c.Logger.Warn("rejecting commerce webhook", zap.String("tenant_id", tenant.ID), zap.String("topic", topic), zap.Error(err))
		c.rejectErr(w, sourceCommerce, "invalid", err)
		return
	}

	env := queue.NewCommerceEnvelope(ev)
	if err := c.Queue.Publish(r.Context(), queue.TopicCommerceEvents, env); err != nil {
		c.Logger.Error("failed to publish commerce event", zap.String("tenant_id", tenant.ID), zap.Error(err))
		c.reject(w, sourceCommerce, "unavailable", http.StatusServiceUnavailable, "event could not be queued")
		return
	}

	metrics.WebhooksReceivedTotal.WithLabelValues(sourceCommerce, "accepted").Inc()
	c.Logger.Info("commerce webhook accepted",
		zap.String("tenant_id", tenant.ID),
		zap.String("category", string(ev.Category)),
		zap.String("linked_object_id", ev.LinkedObjectID),
		zap.String("envelope_id", env.ID),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "event_id": env.ID})
}

// ====================== Provider ======================

func firstParam(r *http.Request, names ...string) string {
	q := r.URL.Query()
	for _, n := range names {
		if v := q.Get(n); v != "" {
			return v
		}
	}
	return ""
}

// VerifyProvider handles the provider's subscription handshake.
func (c *WebhookController) VerifyProvider(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	tenant, ok := c.lookupTenant(w, r, sourceProvider, func(ctx context.Context) (*model.Tenant, error) {
		return c.Tenants.GetByID(ctx, tenantID)
	})
	if !ok {
		return
	}

	mode := firstParam(r, "hub.mode", "mode")
	token := firstParam(r, "hub.verify_token", "verify_token")
	challenge := firstParam(r, "hub.challenge", "challenge")
	expected := tenant.Channel.WebhookVerifyToken

	if mode != "subscribe" || expected == "" || token != expected {
		c.Logger.Warn("provider verification failed", zap.String("tenant_id", tenantID), zap.String("mode", mode))
		c.reject(w, sourceProvider, "forbidden", http.StatusForbidden, "verification failed")
		return
	}
	metrics.WebhooksReceivedTotal.WithLabelValues(sourceProvider, "verified").Inc()
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// ProviderCallback handles delivery statuses and inbound messages. Each item in the batch
// is published on its own; malformed items are logged and skipped.
func (c *WebhookController) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	body, err := readWebhookBody(w, r)
	if err != nil {
		c.reject(w, sourceProvider, "invalid", http.StatusBadRequest, err.Error())
		return
	}
	tenant, ok := c.lookupTenant(w, r, sourceProvider, func(ctx context.Context) (*model.Tenant, error) {
		return c.Tenants.GetByID(ctx, tenantID)
	})
	if !ok {
		return
	}
	if err := c.verify(body, r.Header.Get("X-Hub-Signature-256"), tenant.Channel.AppSecret); err != nil {
		c.Logger.Warn("provider callback rejected", zap.String("tenant_id", tenant.ID), zap.Error(err))
		c.rejectErr(w, sourceProvider, "unauthorized", err)
		return
	}

	batch, err := webhook.ParseProvider(tenant.ID, body)
	if err != nil {
		c.reject(w, sourceProvider, "invalid", http.StatusBadRequest, err.Error())
		return
	}
	for _, rej := range batch.Rejections {
		c.Logger.Warn("skipping malformed provider item",
			zap.String("tenant_id", tenant.ID),
			zap.String("kind", rej.Kind),
			zap.Int("index", rej.Index),
			zap.String("reason", rej.Reason),
		)
	}

	envs := make([]queue.Envelope, 0, len(batch.Statuses)+len(batch.Inbound))
	for _, s := range batch.Statuses {
		envs = append(envs, queue.NewStatusEnvelope(s))
	}
	for _, m := range batch.Inbound {
		envs = append(envs, queue.NewInboundEnvelope(m))
	}
	for _, env := range envs {
		if err := c.Queue.Publish(r.Context(), queue.TopicProviderCallbacks, env); err != nil {
			// reconciliation is idempotent, so a provider retry of the whole batch is safe
			c.Logger.Error("failed to publish provider callback", zap.String("tenant_id", tenant.ID), zap.Error(err))
			c.reject(w, sourceProvider, "unavailable", http.StatusServiceUnavailable, "callback could not be queued")
			return
		}
	}

	metrics.WebhooksReceivedTotal.WithLabelValues(sourceProvider, "accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "accepted",
		"statuses": len(batch.Statuses),
		"messages": len(batch.Inbound),
		"rejected": len(batch.Rejections),
	})
}
