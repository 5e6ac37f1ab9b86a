package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/metrics"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes to durable RabbitMQ queues named after the topic. A failed job is
// parked on "<topic>.retry" with a per-message TTL of attempt*Backoff; when it expires
// RabbitMQ dead-letters it back onto the topic queue. x-retry-count is incremented on each
// pass until MaxRetries is reached.
type AMQPQueue struct {
	MaxRetries int
	Backoff    time.Duration
	Logger     *zap.Logger

	conn     *amqp.Connection
	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]bool

	mu        sync.Mutex
	consumers []amqpConsumer
	wg        sync.WaitGroup
}

type amqpConsumer struct {
	ch  *amqp.Channel
	tag string
}

var _ Queue = (*AMQPQueue)(nil)

func NewAMQPQueue(url string, maxRetries int, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	return &AMQPQueue{
		MaxRetries: maxRetries,
		Backoff:    500 * time.Millisecond,
		Logger:     logger,
		conn:       conn,
		pubCh:      ch,
		declared:   map[string]bool{},
	}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

func retryQueueName(topic string) string { return topic + ".retry" }

// declareRetry declares the parking queue for topic. It has no consumers; expired
// messages are routed back to topic through the default exchange.
func declareRetry(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		retryQueueName(topic),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": topic,
		},
	)
	return err
}

// route returns the queue a job with the given retry count is published to and its
// expiration in milliseconds. First attempts go straight to the topic queue.
func route(topic string, retries int, backoff time.Duration) (queueName, expiration string) {
	if retries <= 0 {
		return topic, ""
	}
	delay := time.Duration(retries) * backoff
	return retryQueueName(topic), strconv.FormatInt(delay.Milliseconds(), 10)
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.publish(topic, env, 0); err != nil {
		metrics.QueuePublishFailuresTotal.WithLabelValues(topic).Inc()
		return err
	}
	return nil
}

func (q *AMQPQueue) publish(topic string, env Envelope, retries int) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	name, expiration := route(topic, retries, q.Backoff)

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if !q.declared[name] {
		decl := declare
		if name != topic {
			decl = declareRetry
		}
		if err := decl(q.pubCh, topic); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		q.declared[name] = true
	}
	return q.pubCh.Publish(
		"",    // exchange
		name,  // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Timestamp:    time.Now(),
			Expiration:   expiration,
			Headers:      amqp.Table{retryHeader: int32(retries)},
			Body:         body,
		},
	)
}

func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		return err
	}
	tag := "cartnotify-" + uuid.NewString()
	msgs, err := ch.Consume(
		topic,
		tag,
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.mu.Lock()
	q.consumers = append(q.consumers, amqpConsumer{ch: ch, tag: tag})
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range msgs {
			q.handle(topic, d, handler)
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler Handler) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		q.Logger.Warn("dropping undecodable job", zap.String("topic", topic), zap.Error(err))
		d.Ack(false)
		return
	}

	err := handler(context.Background(), env)
	if err == nil || permanent(err) {
		if err != nil {
			q.Logger.Warn("job rejected permanently", zap.String("topic", topic), zap.String("envelope_id", env.ID), zap.Error(err))
		}
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries < q.MaxRetries {
		metrics.QueueJobRetriesTotal.WithLabelValues(topic).Inc()
		q.Logger.Warn("job failed, scheduling retry",
			zap.String("topic", topic),
			zap.String("envelope_id", env.ID),
			zap.Int("attempt", retries+1),
			zap.Duration("delay", time.Duration(retries+1)*q.Backoff),
			zap.Error(err),
		)
		if perr := q.publish(topic, env, retries+1); perr != nil {
			q.Logger.Error("failed to requeue job", zap.String("envelope_id", env.ID), zap.Error(perr))
			d.Nack(false, true)
			return
		}
		d.Ack(false)
		return
	}

	metrics.QueueJobFailuresTotal.WithLabelValues(topic).Inc()
	q.Logger.Error("job permanently failed", zap.String("topic", topic), zap.String("envelope_id", env.ID), zap.Error(err))
	d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

// Close cancels the consumers, waits for in-flight deliveries and closes the connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	consumers := q.consumers
	q.consumers = nil
	q.mu.Unlock()

	for _, c := range consumers {
		if err := c.ch.Cancel(c.tag, false); err != nil {
			q.Logger.Warn("failed to cancel consumer", zap.String("tag", c.tag), zap.Error(err))
		}
	}
	q.wg.Wait()
	for _, c := range consumers {
		c.ch.Close()
	}
	q.pubMu.Lock()
	q.pubCh.Close()
	q.pubMu.Unlock()
	return q.conn.Close()
}
