package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/metrics"
	"github.com/unclebandit/cartnotify-backend/internal/model"
	"github.com/unclebandit/cartnotify-backend/internal/repository"
	"github.com/unclebandit/cartnotify-backend/internal/tracing"
)

type ReconcileOutcome string

const (
	ReconcileApplied        ReconcileOutcome = "applied"
	ReconcileStale          ReconcileOutcome = "stale"
	ReconcileUnknownMessage ReconcileOutcome = "unknown_message"
	ReconcileUnknownStatus  ReconcileOutcome = "unknown_status"
)

// Reconciler folds asynchronous provider callbacks and engagement signals back onto
// message records.
type Reconciler struct {
	Messages repository.MessageRepositoryInterface
	OptIns   *OptInRegistry
	Stats    *StatsAggregator
	Logger   *zap.Logger
	Now      func() time.Time
}

func NewReconciler(messages repository.MessageRepositoryInterface, optIns *OptInRegistry, stats *StatsAggregator, logger *zap.Logger) *Reconciler {
	return &Reconciler{Messages: messages, OptIns: optIns, Stats: stats, Logger: logger, Now: time.Now}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ApplyStatus applies one delivery callback. Status only moves forward along
// sent < delivered < read; failed overrides any non-terminal status. Callbacks for unknown
// messages, unknown statuses and stale transitions are dropped without error.
func (r *Reconciler) ApplyStatus(ctx context.Context, ev model.StatusEvent) (ReconcileOutcome, error) {
	if ev.ProviderMessageID == "" {
		return "", appErrors.NewValidation("provider_message_id", "required")
	}
	ctx, span := tracing.Start(ctx, "reconcile.status",
		attribute.String("provider.message_id", ev.ProviderMessageID),
		attribute.String("provider.status", ev.Status),
	)
	defer span.End()

	outcome, err := r.applyStatus(ctx, ev)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("reconcile.outcome", string(outcome)))
	metrics.ReconcileOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (r *Reconciler) applyStatus(ctx context.Context, ev model.StatusEvent) (ReconcileOutcome, error) {
	log := r.Logger.With(
		zap.String("provider_message_id", ev.ProviderMessageID),
		zap.String("status", ev.Status),
	)

	to, ok := model.ParseProviderStatus(ev.Status)
	if !ok {
		log.Warn("ignoring unknown provider status")
		return ReconcileUnknownStatus, nil
	}

	msg, err := r.Messages.GetByProviderID(ctx, ev.ProviderMessageID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Warn("status callback for unknown message")
			return ReconcileUnknownMessage, nil
		}
		return "", err
	}
	if ev.TenantID != "" && msg.TenantID != ev.TenantID {
		log.Warn("status callback tenant does not own message", zap.String("tenant_id", ev.TenantID))
		return ReconcileUnknownMessage, nil
	}

	if !model.CanTransition(msg.Status, to) {
		log.Debug("stale status callback ignored", zap.String("current", string(msg.Status)))
		return ReconcileStale, nil
	}

	at := r.now()
	if ev.Timestamp > 0 {
		at = time.Unix(ev.Timestamp, 0)
	}
	reason := ""
	if to == model.StatusFailed {
		reason = ev.FailureReason
		if reason == "" {
			reason = "provider reported failure"
		}
	}

	applied, err := r.Messages.ApplyStatus(ctx, ev.ProviderMessageID, to, at, reason)
	if err != nil {
		return "", err
	}
	if !applied {
		// another callback moved the message between read and update
		return ReconcileStale, nil
	}
	log.Info("message status updated", zap.String("message_id", msg.ID), zap.String("from", string(msg.Status)))
	return ReconcileApplied, nil
}

// HandleInbound records a customer's inbound message. Replies are not acted on.
func (r *Reconciler) HandleInbound(ctx context.Context, ev model.InboundEvent) error {
	r.Logger.Info("inbound message received",
		zap.String("tenant_id", ev.TenantID),
		zap.String("provider_message_id", ev.ProviderMessageID),
		zap.String("from", ev.From),
		zap.String("type", ev.MessageType),
		zap.Int("text_length", len(ev.Text)),
	)
	return nil
}

// RecordClick attributes a tracked-link click to a message. Only the first click counts.
func (r *Reconciler) RecordClick(ctx context.Context, messageID, url string) (bool, error) {
	msg, err := r.Messages.GetByID(ctx, messageID)
	if err != nil {
		return false, err
	}
	first, err := r.Messages.MarkClicked(ctx, messageID, url, r.now())
	if err != nil || !first {
		return false, err
	}
	r.Stats.IncrementClicked(ctx, msg.TenantID)
	if msg.OptInID != nil {
		if err := r.OptIns.RecordEngagement(ctx, *msg.OptInID, model.EngagementClicked); err != nil {
			r.Logger.Error("failed to record click on opt-in", zap.String("opt_in_id", *msg.OptInID), zap.Error(err))
		}
	}
	return true, nil
}

// RecordConversion attributes a purchase to a message. Only the first conversion counts.
func (r *Reconciler) RecordConversion(ctx context.Context, messageID string, value decimal.Decimal) (bool, error) {
	if value.IsNegative() {
		return false, appErrors.NewValidation("value", "must not be negative")
	}
	msg, err := r.Messages.GetByID(ctx, messageID)
	if err != nil {
		return false, err
	}
	first, err := r.Messages.MarkConverted(ctx, messageID, value, r.now())
	if err != nil || !first {
		return false, err
	}
	r.Stats.IncrementConversions(ctx, msg.TenantID)
	return true, nil
}

// HandleStatusEvent adapts ApplyStatus to the queue.
func (r *Reconciler) HandleStatusEvent(ctx context.Context, ev model.StatusEvent) error {
	_, err := r.ApplyStatus(ctx, ev)
	if appErrors.IsValidation(err) {
		r.Logger.Warn("dropping invalid status event", zap.Error(err))
		return nil
	}
	return err
}

func (r *Reconciler) HandleInboundEvent(ctx context.Context, ev model.InboundEvent) error {
	return r.HandleInbound(ctx, ev)
}
