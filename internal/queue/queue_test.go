package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/config"
	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
)

func newTestQueue(maxRetries int) *InMemoryQueue {
	q := NewInMemoryQueue(maxRetries, zap.NewNop())
	q.Backoff = time.Millisecond
	return q
}

func TestInMemoryQueue_DeliversToEverySubscriber(t *testing.T) {
	q := newTestQueue(0)
	var got sync.Map
	for _, name := range []string{"a", "b"} {
		name := name
		require.NoError(t, q.Subscribe(TopicCommerceEvents, func(_ context.Context, env Envelope) error {
			got.Store(name, env.Commerce.LinkedObjectID)
			return nil
		}))
	}

	require.NoError(t, q.Publish(context.Background(), TopicCommerceEvents,
		NewCommerceEnvelope(model.CommerceEvent{TenantID: "t1", LinkedObjectID: "chk_1"})))
	require.NoError(t, q.Close())

	for _, name := range []string{"a", "b"} {
		v, ok := got.Load(name)
		require.True(t, ok, name)
		assert.Equal(t, "chk_1", v)
	}
}

func TestInMemoryQueue_RetriesTransientErrors(t *testing.T) {
	q := newTestQueue(3)
	var calls int32
	require.NoError(t, q.Subscribe(TopicProviderCallbacks, func(context.Context, Envelope) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("db unavailable")
		}
		return nil
	}))

	require.NoError(t, q.Publish(context.Background(), TopicProviderCallbacks, NewStatusEnvelope(model.StatusEvent{ProviderMessageID: "wamid.1"})))
	require.NoError(t, q.Close())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInMemoryQueue_GivesUpAfterMaxRetries(t *testing.T) {
	q := newTestQueue(2)
	var calls int32
	require.NoError(t, q.Subscribe(TopicCommerceEvents, func(context.Context, Envelope) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("still down")
	}))
	require.NoError(t, q.Publish(context.Background(), TopicCommerceEvents, NewCommerceEnvelope(model.CommerceEvent{})))
	require.NoError(t, q.Close())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInMemoryQueue_ValidationErrorsAreNotRetried(t *testing.T) {
	q := newTestQueue(3)
	var calls int32
	require.NoError(t, q.Subscribe(TopicCommerceEvents, func(context.Context, Envelope) error {
		atomic.AddInt32(&calls, 1)
		return appErrors.NewValidation("linked_object_id", "required")
	}))
	require.NoError(t, q.Publish(context.Background(), TopicCommerceEvents, NewCommerceEnvelope(model.CommerceEvent{})))
	require.NoError(t, q.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInMemoryQueue_PublishErrors(t *testing.T) {
	q := newTestQueue(0)
	err := q.Publish(context.Background(), TopicCommerceEvents, NewCommerceEnvelope(model.CommerceEvent{}))
	assert.Error(t, err)

	require.NoError(t, q.Subscribe(TopicCommerceEvents, func(context.Context, Envelope) error { return nil }))
	require.NoError(t, q.Close())
	err = q.Publish(context.Background(), TopicCommerceEvents, NewCommerceEnvelope(model.CommerceEvent{}))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInMemoryQueue_CloseDrainsInFlightJobs(t *testing.T) {
	q := newTestQueue(0)
	var done int32
	require.NoError(t, q.Subscribe(TopicCommerceEvents, func(context.Context, Envelope) error {
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&done, 1)
		return nil
	}))
	require.NoError(t, q.Publish(context.Background(), TopicCommerceEvents, NewCommerceEnvelope(model.CommerceEvent{})))
	require.NoError(t, q.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
}

type recordingConsumers struct {
	mu       sync.Mutex
	commerce []model.CommerceEvent
	statuses []model.StatusEvent
	inbound  []model.InboundEvent
}

func (r *recordingConsumers) HandleCommerceEvent(_ context.Context, ev model.CommerceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commerce = append(r.commerce, ev)
	return nil
}

func (r *recordingConsumers) HandleStatusEvent(_ context.Context, ev model.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, ev)
	return nil
}

func (r *recordingConsumers) HandleInboundEvent(_ context.Context, ev model.InboundEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = append(r.inbound, ev)
	return nil
}

func TestStartConsumers_RoutesByKind(t *testing.T) {
	q := newTestQueue(0)
	rec := &recordingConsumers{}
	require.NoError(t, StartConsumers(q, rec, rec, zap.NewNop()))

	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, TopicCommerceEvents, NewCommerceEnvelope(model.CommerceEvent{TenantID: "t1", LinkedObjectID: "chk_1"})))
	require.NoError(t, q.Publish(ctx, TopicProviderCallbacks, NewStatusEnvelope(model.StatusEvent{TenantID: "t1", ProviderMessageID: "wamid.1"})))
	require.NoError(t, q.Publish(ctx, TopicProviderCallbacks, NewInboundEnvelope(model.InboundEvent{TenantID: "t1", From: "1555"})))
	// a status envelope on the commerce topic is acknowledged and ignored
	require.NoError(t, q.Publish(ctx, TopicCommerceEvents, NewStatusEnvelope(model.StatusEvent{})))
	require.NoError(t, q.Close())

	require.Len(t, rec.commerce, 1)
	assert.Equal(t, "chk_1", rec.commerce[0].LinkedObjectID)
	require.Len(t, rec.statuses, 1)
	require.Len(t, rec.inbound, 1)
}

func TestEnvelopeKeyIsTenant(t *testing.T) {
	assert.Equal(t, "t1", NewCommerceEnvelope(model.CommerceEvent{TenantID: "t1"}).Key())
	assert.Equal(t, "t2", NewStatusEnvelope(model.StatusEvent{TenantID: "t2"}).Key())
	env := Envelope{ID: "e1"}
	assert.Equal(t, "e1", env.Key())
}

func TestAMQPRetryRoute(t *testing.T) {
	name, exp := route(TopicCommerceEvents, 0, 500*time.Millisecond)
	assert.Equal(t, TopicCommerceEvents, name)
	assert.Empty(t, exp)

	name, exp = route(TopicCommerceEvents, 1, 500*time.Millisecond)
	assert.Equal(t, "commerce_events.retry", name)
	assert.Equal(t, "500", exp)

	name, exp = route(TopicProviderCallbacks, 3, 500*time.Millisecond)
	assert.Equal(t, "provider_callbacks.retry", name)
	assert.Equal(t, "1500", exp)
}

func TestRetryCountHeader(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 3, retryCount(amqp.Table{retryHeader: int64(3)}))
	assert.Equal(t, 0, retryCount(amqp.Table{retryHeader: "x"}))
}

func TestNew_SelectsDriver(t *testing.T) {
	q, err := New(config.QueueConfig{Driver: "memory", MaxRetries: 1}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &InMemoryQueue{}, q)

	_, err = New(config.QueueConfig{Driver: "kafka"}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(config.QueueConfig{Driver: "sqs"}, zap.NewNop())
	assert.Error(t, err)
}
