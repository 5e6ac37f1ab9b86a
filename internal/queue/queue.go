package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/metrics"
	"github.com/unclebandit/cartnotify-backend/internal/model"
)

// Topics
const (
	TopicCommerceEvents    = "commerce_events"
	TopicProviderCallbacks = "provider_callbacks"
)

// Envelope kinds
const (
	KindCommerce = "commerce"
	KindStatus   = "status"
	KindInbound  = "inbound"
)

var ErrClosed = errors.New("queue closed")

// Envelope is the unit carried by every driver. Exactly one payload is set, matching Kind.
type Envelope struct {
	ID          string               `json:"id"`
	Kind        string               `json:"kind"`
	Commerce    *model.CommerceEvent `json:"commerce,omitempty"`
	Status      *model.StatusEvent   `json:"status,omitempty"`
	Inbound     *model.InboundEvent  `json:"inbound,omitempty"`
	PublishedAt time.Time            `json:"published_at"`
}

func NewCommerceEnvelope(ev model.CommerceEvent) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindCommerce, Commerce: &ev, PublishedAt: time.Now().UTC()}
}

func NewStatusEnvelope(ev model.StatusEvent) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindStatus, Status: &ev, PublishedAt: time.Now().UTC()}
}

func NewInboundEnvelope(ev model.InboundEvent) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindInbound, Inbound: &ev, PublishedAt: time.Now().UTC()}
}

// Key is the partition key: events of one tenant stay ordered on partitioned drivers.
func (e Envelope) Key() string {
	switch {
	case e.Commerce != nil:
		return e.Commerce.TenantID
	case e.Status != nil:
		return e.Status.TenantID
	case e.Inbound != nil:
		return e.Inbound.TenantID
	}
	return e.ID
}

// Handler processes one envelope. A returned error triggers a retry unless it is a
// ValidationError, which can never succeed.
type Handler func(ctx context.Context, env Envelope) error

// Queue is implemented by the memory, amqp and kafka drivers.
type Queue interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

func permanent(err error) bool {
	return appErrors.IsValidation(err)
}

// runWithRetry calls h until it succeeds, fails permanently or runs out of attempts.
// The wait before retry n is n*backoff.
func runWithRetry(ctx context.Context, topic string, env Envelope, h Handler, maxRetries int, backoff time.Duration, logger *zap.Logger) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.QueueJobRetriesTotal.WithLabelValues(topic).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * backoff):
			}
		}
		err = h(ctx, env)
		if err == nil {
			return nil
		}
		if permanent(err) {
			logger.Warn("job rejected permanently", zap.String("topic", topic), zap.String("envelope_id", env.ID), zap.Error(err))
			return nil
		}
		logger.Warn("job failed",
			zap.String("topic", topic),
			zap.String("envelope_id", env.ID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries+1),
			zap.Error(err),
		)
	}
	metrics.QueueJobFailuresTotal.WithLabelValues(topic).Inc()
	logger.Error("job permanently failed", zap.String("topic", topic), zap.String("envelope_id", env.ID), zap.Error(err))
	return err
}

// ====================== In-memory driver ======================

// InMemoryQueue fans every published envelope out to the topic's subscribers, each on
// its own goroutine with retry.
type InMemoryQueue struct {
	MaxRetries int
	Backoff    time.Duration
	Logger     *zap.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
	closed   bool
	wg       sync.WaitGroup
}

var _ Queue = (*InMemoryQueue)(nil)

func NewInMemoryQueue(maxRetries int, logger *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		MaxRetries: maxRetries,
		Backoff:    500 * time.Millisecond,
		Logger:     logger,
		handlers:   make(map[string][]Handler),
	}
}

// Publish returns as soon as the jobs are scheduled.
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		metrics.QueuePublishFailuresTotal.WithLabelValues(topic).Inc()
		return ErrClosed
	}
	handlers := q.handlers[topic]
	if len(handlers) == 0 {
		metrics.QueuePublishFailuresTotal.WithLabelValues(topic).Inc()
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	for _, h := range handlers {
		q.wg.Add(1)
		go func(h Handler) {
			defer q.wg.Done()
			_ = runWithRetry(context.Background(), topic, env, h, q.MaxRetries, q.Backoff, q.Logger)
		}(h)
	}
	return nil
}

func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close rejects new publishes and waits for in-flight jobs, retries included.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
