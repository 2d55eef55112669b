package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProducerOption tunes the Kafka writers created by a KafkaProducer.
type ProducerOption func(*KafkaProducer)

// WithBatchTimeout bounds how long a writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(p *KafkaProducer) {
		if d > 0 {
			p.batchTimeout = d
		}
	}
}

// WithTopicCreation lets writers create missing topics on first publish.
func WithTopicCreation(enabled bool) ProducerOption {
	return func(p *KafkaProducer) {
		p.createTopics = enabled
	}
}

// KafkaProducer publishes outbox batches, one writer per topic. Messages are
// hash-partitioned by key so the events of one device stay ordered.
type KafkaProducer struct {
	brokers      []string
	batchTimeout time.Duration
	createTopics bool

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

// NewKafkaProducer creates a producer for brokers. Writers are opened lazily.
func NewKafkaProducer(brokers []string, opts ...ProducerOption) *KafkaProducer {
	p := &KafkaProducer{
		brokers:      brokers,
		batchTimeout: 50 * time.Millisecond,
		writers:      make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WriteMessages publishes msgs to topic and waits for all in-sync replicas.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	writer, err := p.writer(topic)
	if err != nil {
		return err
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d event(s) to %s: %w", len(msgs), topic, err)
	}
	return nil
}

func (p *KafkaProducer) writer(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("producer closed")
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           p.batchTimeout,
		AllowAutoTopicCreation: p.createTopics,
	}
	p.writers[topic] = w
	return w, nil
}

// Close flushes and closes every writer. Later writes fail.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs error
	for topic, w := range p.writers {
		errs = errors.Join(errs, w.Close())
		delete(p.writers, topic)
	}
	return errs
}
