package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/metrics"
)

// KafkaQueue writes envelopes keyed by tenant and consumes them through a consumer group.
// Offsets are committed after the handler finishes, retries included.
type KafkaQueue struct {
	MaxRetries int
	Backoff    time.Duration
	Logger     *zap.Logger

	brokers []string
	groupID string
	writer  *kafka.Writer

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

var _ Queue = (*KafkaQueue)(nil)

func NewKafkaQueue(brokers []string, groupID string, maxRetries int, logger *zap.Logger) (*KafkaQueue, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaQueue{
		MaxRetries: maxRetries,
		Backoff:    500 * time.Millisecond,
		Logger:     logger,
		brokers:    brokers,
		groupID:    groupID,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (q *KafkaQueue) Publish(ctx context.Context, topic string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(env.Key()),
		Value: body,
	})
	if err != nil {
		q.Logger.Error("failed to write message", zap.String("topic", topic), zap.Error(err))
		metrics.QueuePublishFailuresTotal.WithLabelValues(topic).Inc()
		return err
	}
	return nil
}

func (q *KafkaQueue) Subscribe(topic string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.brokers,
		Topic:    topic,
		GroupID:  q.groupID,
		MaxBytes: 10e6, // 10MB
	})
	q.mu.Lock()
	q.readers = append(q.readers, reader)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.consume(topic, reader, handler)
	}()
	return nil
}

func (q *KafkaQueue) consume(topic string, reader *kafka.Reader, handler Handler) {
	for {
		m, err := reader.FetchMessage(q.ctx)
		if err != nil {
			if q.ctx.Err() != nil {
				return
			}
			q.Logger.Error("failed to fetch message", zap.String("topic", topic), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			q.Logger.Warn("dropping undecodable job", zap.String("topic", topic), zap.Int64("offset", m.Offset), zap.Error(err))
		} else {
			// in-flight jobs finish even when the queue is closing
			_ = runWithRetry(context.Background(), topic, env, handler, q.MaxRetries, q.Backoff, q.Logger)
		}

		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := reader.CommitMessages(cctx, m); err != nil {
			q.Logger.Error("failed to commit offset", zap.String("topic", topic), zap.Int64("offset", m.Offset), zap.Error(err))
		}
		cancel()
	}
}

func (q *KafkaQueue) Close() error {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	readers := q.readers
	q.readers = nil
	q.mu.Unlock()

	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, q.writer.Close())
	return errors.Join(errs...)
}
