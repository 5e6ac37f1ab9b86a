package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/config"
	"github.com/unclebandit/cartnotify-backend/internal/model"
)

// EventDispatcher consumes normalized commerce events.
type EventDispatcher interface {
	HandleCommerceEvent(ctx context.Context, ev model.CommerceEvent) error
}

// CallbackReconciler consumes normalized provider callbacks.
type CallbackReconciler interface {
	HandleStatusEvent(ctx context.Context, ev model.StatusEvent) error
	HandleInboundEvent(ctx context.Context, ev model.InboundEvent) error
}

// New builds the driver selected by cfg.Driver.
func New(cfg config.QueueConfig, logger *zap.Logger) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewInMemoryQueue(cfg.MaxRetries, logger), nil
	case "amqp":
		q, err := NewAMQPQueue(cfg.AMQPURL, cfg.MaxRetries, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "kafka":
		q, err := NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.MaxRetries, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
}

// StartConsumers subscribes the dispatcher to commerce events and the reconciler to
// provider callbacks. Envelopes of the wrong kind are logged and acknowledged.
func StartConsumers(q Queue, dispatcher EventDispatcher, reconciler CallbackReconciler, logger *zap.Logger) error {
	err := q.Subscribe(TopicCommerceEvents, func(ctx context.Context, env Envelope) error {
		if env.Kind != KindCommerce || env.Commerce == nil {
			logger.Warn("unexpected envelope on commerce topic", zap.String("envelope_id", env.ID), zap.String("kind", env.Kind))
			return nil
		}
		return dispatcher.HandleCommerceEvent(ctx, *env.Commerce)
	})
	if err != nil {
		return fmt.Errorf("failed to start subscriber for %s: %w", TopicCommerceEvents, err)
	}

	err = q.Subscribe(TopicProviderCallbacks, func(ctx context.Context, env Envelope) error {
		switch {
		case env.Kind == KindStatus && env.Status != nil:
			return reconciler.HandleStatusEvent(ctx, *env.Status)
		case env.Kind == KindInbound && env.Inbound != nil:
			return reconciler.HandleInboundEvent(ctx, *env.Inbound)
		}
		logger.Warn("unexpected envelope on callback topic", zap.String("envelope_id", env.ID), zap.String("kind", env.Kind))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to start subscriber for %s: %w", TopicProviderCallbacks, err)
	}
	return nil
}
