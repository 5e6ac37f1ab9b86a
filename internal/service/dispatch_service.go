package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/metrics"
	"github.com/unclebandit/cartnotify-backend/internal/model"
	"github.com/unclebandit/cartnotify-backend/internal/phone"
	"github.com/unclebandit/cartnotify-backend/internal/provider"
	"github.com/unclebandit/cartnotify-backend/internal/repository"
	"github.com/unclebandit/cartnotify-backend/internal/tracing"
	"github.com/unclebandit/cartnotify-backend/internal/workflow"
)

type Outcome string

const (
	OutcomeSent            Outcome = "sent"
	OutcomeSendFailed      Outcome = "send_failed"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeNoRecipient     Outcome = "no_recipient"
	OutcomeNoConsent       Outcome = "no_consent"
	OutcomeFeatureDisabled Outcome = "feature_disabled"
	OutcomeTenantInactive  Outcome = "tenant_inactive"
	OutcomeUnknownTenant   Outcome = "unknown_tenant"
)

// DispatchResult describes what happened to one triggering event.
type DispatchResult struct {
	Outcome           Outcome `json:"outcome"`
	MessageID         string  `json:"message_id,omitempty"`
	ProviderMessageID string  `json:"provider_message_id,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

const (
	defaultSendTimeout = 5 * time.Second
	insertAttempts     = 3
	defaultTestText    = "Test message from your store's WhatsApp integration! 🎉"
)

// Dispatcher turns a commerce event into at most one outbound message.
type Dispatcher struct {
	Tenants     repository.TenantRepositoryInterface
	Messages    repository.MessageRepositoryInterface
	OptIns      *OptInRegistry
	Stats       *StatsAggregator
	Sender      provider.Sender
	Workflow    workflow.Notifier
	SendTimeout time.Duration
	Logger      *zap.Logger

	flight singleflight.Group
}

func NewDispatcher(tenants repository.TenantRepositoryInterface, messages repository.MessageRepositoryInterface, optIns *OptInRegistry, stats *StatsAggregator, sender provider.Sender, hook workflow.Notifier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Tenants:     tenants,
		Messages:    messages,
		OptIns:      optIns,
		Stats:       stats,
		Sender:      sender,
		Workflow:    hook,
		SendTimeout: defaultSendTimeout,
		Logger:      logger,
	}
}

func validateCommerceEvent(ev model.CommerceEvent) error {
	if strings.TrimSpace(ev.TenantID) == "" {
		return appErrors.NewValidation("tenant_id", "required")
	}
	if !ev.Category.EventTriggered() {
		return appErrors.NewValidation("category", fmt.Sprintf("%q is not an event category", ev.Category))
	}
	if strings.TrimSpace(ev.LinkedObjectID) == "" {
		return appErrors.NewValidation("linked_object_id", "required for "+string(ev.Category))
	}
	return nil
}

// Dispatch runs one commerce event through dedupe, consent, render and send. Skips are
// reported as outcomes with a nil error. An error is returned only for invalid events and
// for store failures before the provider was called, both of which leave no record.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.CommerceEvent) (DispatchResult, error) {
	if err := validateCommerceEvent(ev); err != nil {
		return DispatchResult{}, err
	}
	ctx, span := tracing.Start(ctx, "dispatch",
		attribute.String("tenant.id", ev.TenantID),
		attribute.String("message.category", string(ev.Category)),
		attribute.String("message.linked_object_id", ev.LinkedObjectID),
	)
	defer span.End()

	key := model.IdempotencyKey(ev.TenantID, ev.LinkedObjectID, ev.Category)
	leader := false
	v, err, _ := d.flight.Do(key, func() (any, error) {
		leader = true
		return d.dispatch(ctx, ev)
	})
	if err != nil {
		return DispatchResult{}, err
	}
	res := v.(DispatchResult)
	if !leader {
		res = DispatchResult{Outcome: OutcomeDuplicate, MessageID: res.MessageID, Reason: "collapsed with concurrent dispatch"}
	}
	span.SetAttributes(attribute.String("dispatch.outcome", string(res.Outcome)))
	metrics.DispatchOutcomesTotal.WithLabelValues(string(ev.Category), string(res.Outcome)).Inc()
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev model.CommerceEvent) (DispatchResult, error) {
	log := d.Logger.With(
		zap.String("tenant_id", ev.TenantID),
		zap.String("category", string(ev.Category)),
		zap.String("linked_object_id", ev.LinkedObjectID),
	)

	exists, err := d.Messages.ExistsActive(ctx, ev.TenantID, ev.LinkedObjectID, ev.Category)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("idempotency check: %w", err)
	}
	if exists {
		log.Info("event already dispatched, skipping")
		return DispatchResult{Outcome: OutcomeDuplicate}, nil
	}

	to, ok := phone.FirstUsable(ev.PhoneCandidates)
	if !ok {
		log.Info("no usable phone number on event")
		return DispatchResult{Outcome: OutcomeNoRecipient}, nil
	}

	tenant, err := d.Tenants.GetByID(ctx, ev.TenantID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Warn("event for unknown tenant dropped")
			return DispatchResult{Outcome: OutcomeUnknownTenant}, nil
		}
		return DispatchResult{}, err
	}
	if !tenant.CanSend() {
		log.Info("tenant inactive or channel not configured")
		return DispatchResult{Outcome: OutcomeTenantInactive}, nil
	}
	if !tenant.FeatureEnabled(ev.Category) {
		log.Info("feature disabled for tenant")
		return DispatchResult{Outcome: OutcomeFeatureDisabled}, nil
	}

	pref, _ := ev.Category.RequiredPreference()
	optIn, err := d.OptIns.FindActiveOptIn(ctx, ev.TenantID, to, pref)
	if err != nil {
		return DispatchResult{}, err
	}
	if optIn == nil {
		log.Info("no active opt-in for recipient")
		return DispatchResult{Outcome: OutcomeNoConsent}, nil
	}

	rc := ev.Render
	if rc.CustomerName == "" && rc.CustomerEmail == "" {
		rc.CustomerName = optIn.CustomerName
		rc.CustomerEmail = optIn.CustomerEmail
	}
	if rc.StoreName == "" {
		rc.StoreName = tenant.Name
	}
	content, err := RenderMessage(ev.Category, rc)
	if err != nil {
		return DispatchResult{}, err
	}

	linked := ev.LinkedObjectID
	optInID := optIn.ID
	msg := &model.Message{
		TenantID:       ev.TenantID,
		OptInID:        &optInID,
		Category:       ev.Category,
		RecipientPhone: to,
		Content:        content,
		LinkedObjectID: &linked,
		MonetaryValue:  ev.MonetaryValue,
		Currency:       strings.ToUpper(ev.Currency),
	}

	providerID, sendErr := d.send(ctx, tenant, func(sctx context.Context, creds provider.Credentials) (string, error) {
		return d.Sender.SendText(sctx, creds, to, content)
	})
	if sendErr != nil {
		log.Warn("provider send failed", zap.Error(sendErr))
		return d.persistFailure(ctx, msg, sendErr, log), nil
	}

	res := d.persistSent(ctx, msg, providerID, log)
	if res.Outcome != OutcomeSent {
		return res, nil
	}
	d.afterSent(ctx, msg, log)
	d.notify(workflowType(ev.Category), map[string]any{
		"tenantId":          ev.TenantID,
		"shopDomain":        tenant.ShopDomain,
		"messageId":         msg.ID,
		"providerMessageId": providerID,
		"linkedObjectId":    ev.LinkedObjectID,
		"customerPhone":     to,
		"customerName":      DisplayName(rc.CustomerName, rc.CustomerEmail),
		"totalPrice":        ev.MonetaryValue.StringFixed(2),
		"currency":          msg.Currency,
	})
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, tenant *model.Tenant, call func(context.Context, provider.Credentials) (string, error)) (string, error) {
	timeout := d.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	creds := provider.Credentials{
		AccessToken:   tenant.Channel.AccessToken,
		PhoneNumberID: tenant.Channel.PhoneNumberID,
	}
	id, err := call(sctx, creds)
	if err != nil && !appErrors.IsProvider(err) {
		if errors.Is(err, context.DeadlineExceeded) {
			err = appErrors.NewProviderTimeout(err)
		} else {
			err = appErrors.NewProvider(0, err.Error(), err)
		}
	}
	return id, err
}

// persistFailure records a send_failed message. It never conflicts with the dispatch key,
// so a later retry of the same event is still allowed to send.
func (d *Dispatcher) persistFailure(ctx context.Context, msg *model.Message, sendErr error, log *zap.Logger) DispatchResult {
	now := time.Now()
	msg.Status = model.StatusSendFailed
	msg.FailedAt = &now
	msg.FailureReason = sendErr.Error()
	if err := d.Messages.Insert(ctx, msg); err != nil {
		log.Error("failed to record send failure", zap.Error(err))
		return DispatchResult{Outcome: OutcomeSendFailed, Reason: msg.FailureReason}
	}
	return DispatchResult{Outcome: OutcomeSendFailed, MessageID: msg.ID, Reason: msg.FailureReason}
}

// persistSent records a delivered send. The provider has already accepted the message at
// this point, so store errors are retried briefly and then logged instead of returned;
// returning them would make the queue redeliver the event and send it twice.
func (d *Dispatcher) persistSent(ctx context.Context, msg *model.Message, providerID string, log *zap.Logger) DispatchResult {
	now := time.Now()
	msg.Status = model.StatusSent
	msg.ProviderMessageID = &providerID
	msg.SentAt = &now

	var err error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		err = d.Messages.Insert(ctx, msg)
		if err == nil || errors.Is(err, appErrors.ErrDuplicate) {
			break
		}
		log.Warn("failed to record sent message, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			attempt = insertAttempts
		case <-time.After(time.Duration(attempt*100) * time.Millisecond):
		}
	}
	switch {
	case err == nil:
		return DispatchResult{Outcome: OutcomeSent, MessageID: msg.ID, ProviderMessageID: providerID}
	case errors.Is(err, appErrors.ErrDuplicate):
		log.Warn("message was dispatched concurrently by another worker", zap.String("provider_message_id", providerID))
		return DispatchResult{Outcome: OutcomeDuplicate, ProviderMessageID: providerID}
	default:
		log.Error("sent message could not be recorded",
			zap.String("provider_message_id", providerID),
			zap.Error(err),
		)
		return DispatchResult{Outcome: OutcomeSent, ProviderMessageID: providerID, Reason: "record not persisted"}
	}
}

func (d *Dispatcher) afterSent(ctx context.Context, msg *model.Message, log *zap.Logger) {
	d.Stats.IncrementDelivered(ctx, msg.TenantID)
	if msg.OptInID != nil {
		if err := d.OptIns.RecordEngagement(ctx, *msg.OptInID, model.EngagementReceived); err != nil {
			log.Error("failed to record opt-in engagement", zap.Error(err))
		}
	}
}

func (d *Dispatcher) notify(kind string, payload map[string]any) {
	if d.Workflow != nil {
		d.Workflow.Notify(kind, payload)
	}
}

func workflowType(c model.Category) string {
	return strings.ReplaceAll(string(c), "_", "-")
}

// HandleCommerceEvent adapts Dispatch to the queue: invalid events are dropped, only
// transient store errors are returned for redelivery.
func (d *Dispatcher) HandleCommerceEvent(ctx context.Context, ev model.CommerceEvent) error {
	res, err := d.Dispatch(ctx, ev)
	if err != nil {
		if appErrors.IsValidation(err) {
			d.Logger.Warn("dropping invalid commerce event",
				zap.String("tenant_id", ev.TenantID),
				zap.String("category", string(ev.Category)),
				zap.Error(err),
			)
			return nil
		}
		return err
	}
	d.Logger.Info("commerce event dispatched",
		zap.String("tenant_id", ev.TenantID),
		zap.String("category", string(ev.Category)),
		zap.String("linked_object_id", ev.LinkedObjectID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("message_id", res.MessageID),
	)
	return nil
}

// ====================== Direct sends ======================

func (d *Dispatcher) sendableTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	tenant, err := d.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.CanSend() {
		return nil, appErrors.NewValidation("tenant_id", "tenant is inactive or its channel is not configured")
	}
	return tenant, nil
}

// SendTest sends a diagnostic text synchronously. It needs no consent, is never
// deduplicated and does not touch tenant counters. A provider failure is recorded as
// send_failed and also returned.
func (d *Dispatcher) SendTest(ctx context.Context, tenantID, rawPhone, text string) (DispatchResult, error) {
	tenant, err := d.sendableTenant(ctx, tenantID)
	if err != nil {
		return DispatchResult{}, err
	}
	if !phone.Plausible(rawPhone) {
		return DispatchResult{}, appErrors.NewValidation("phone", "not a usable phone number")
	}
	to := phone.Normalize(rawPhone)
	if strings.TrimSpace(text) == "" {
		text = defaultTestText
	}
	log := d.Logger.With(zap.String("tenant_id", tenantID), zap.String("category", string(model.CategoryTest)))

	msg := &model.Message{
		TenantID:       tenantID,
		Category:       model.CategoryTest,
		RecipientPhone: to,
		Content:        text,
	}
	providerID, sendErr := d.send(ctx, tenant, func(sctx context.Context, creds provider.Credentials) (string, error) {
		return d.Sender.SendText(sctx, creds, to, text)
	})
	if sendErr != nil {
		res := d.persistFailure(ctx, msg, sendErr, log)
		metrics.DispatchOutcomesTotal.WithLabelValues(string(model.CategoryTest), string(res.Outcome)).Inc()
		return res, sendErr
	}
	res := d.persistSent(ctx, msg, providerID, log)
	metrics.DispatchOutcomesTotal.WithLabelValues(string(model.CategoryTest), string(res.Outcome)).Inc()
	return res, nil
}

// SendPromotion sends an approved template to a recipient who opted in to promotions.
// Promotions are never deduplicated.
func (d *Dispatcher) SendPromotion(ctx context.Context, tenantID, rawPhone string, tmpl provider.TemplateMessage) (DispatchResult, error) {
	if strings.TrimSpace(tmpl.Name) == "" {
		return DispatchResult{}, appErrors.NewValidation("template_name", "required")
	}
	tenant, err := d.sendableTenant(ctx, tenantID)
	if err != nil {
		return DispatchResult{}, err
	}
	to := phone.Normalize(rawPhone)
	log := d.Logger.With(zap.String("tenant_id", tenantID), zap.String("category", string(model.CategoryPromotion)))

	optIn, err := d.OptIns.FindActiveOptIn(ctx, tenantID, to, model.PrefPromotions)
	if err != nil {
		return DispatchResult{}, err
	}
	if optIn == nil {
		metrics.DispatchOutcomesTotal.WithLabelValues(string(model.CategoryPromotion), string(OutcomeNoConsent)).Inc()
		return DispatchResult{Outcome: OutcomeNoConsent}, nil
	}

	optInID := optIn.ID
	msg := &model.Message{
		TenantID:       tenantID,
		OptInID:        &optInID,
		Category:       model.CategoryPromotion,
		RecipientPhone: to,
		Content:        templateContent(tmpl),
		TemplateName:   tmpl.Name,
	}
	providerID, sendErr := d.send(ctx, tenant, func(sctx context.Context, creds provider.Credentials) (string, error) {
		return d.Sender.SendTemplate(sctx, creds, to, tmpl)
	})
	var res DispatchResult
	if sendErr != nil {
		log.Warn("promotion send failed", zap.Error(sendErr))
		res = d.persistFailure(ctx, msg, sendErr, log)
	} else {
		res = d.persistSent(ctx, msg, providerID, log)
		d.afterSent(ctx, msg, log)
	}
	metrics.DispatchOutcomesTotal.WithLabelValues(string(model.CategoryPromotion), string(res.Outcome)).Inc()
	return res, nil
}

func templateContent(tmpl provider.TemplateMessage) string {
	if len(tmpl.Params) == 0 {
		return "template:" + tmpl.Name
	}
	return "template:" + tmpl.Name + " [" + strings.Join(tmpl.Params, ", ") + "]"
}
