// Package outbox delivers events recorded in the local outbox table to Kafka.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const maxBackoff = time.Hour

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the logger used by the Dispatcher.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithPolling sets the poll interval and the maximum events fetched per batch.
func WithPolling(interval time.Duration, batchSize int) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
		if batchSize > 0 {
			d.batchSize = batchSize
		}
	}
}

// WithRetry sets how often an event is attempted before it is quarantined and
// the base delay of the exponential backoff between attempts.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			d.baseDelay = baseDelay
		}
	}
}

// Dispatcher drains the outbox table and delivers events to Kafka.
type Dispatcher struct {
	db               *sql.DB
	producer         messageWriter
	logger           *log.Logger
	pollInterval     time.Duration
	batchSize        int
	maxAttempts      int
	baseDelay        time.Duration
	now              func() time.Time
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(db *sql.DB, producer messageWriter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		db:               db,
		producer:         producer,
		logger:           log.New(log.Writer(), "[outbox] ", log.LstdFlags|log.Lshortfile),
		pollInterval:     2 * time.Second,
		batchSize:        100,
		maxAttempts:      10,
		baseDelay:        5 * time.Second,
		now:              time.Now,
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("dispatcher error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.fetchPending(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	defer batchDuration.Observe(time.Since(start).Seconds())

	batches := make(map[string][]Message)
	topics := make([]string, 0)
	for _, msg := range messages {
		if _, ok := batches[msg.Topic]; !ok {
			topics = append(topics, msg.Topic)
		}
		batches[msg.Topic] = append(batches[msg.Topic], msg)
	}

	var errs error
	for _, topic := range topics {
		batch := batches[topic]
		if deliverErr := d.deliver(ctx, topic, batch); deliverErr != nil {
			d.logger.Printf("delivery to %s failed: %v", topic, deliverErr)
			failedCounter.Add(float64(len(batch)))
			errs = errors.Join(errs, d.recordFailure(ctx, batch, deliverErr.Error()))
			continue
		}
		deliveredCounter.Add(float64(len(batch)))
		errs = errors.Join(errs, d.markPublished(ctx, batch))
	}
	return errs
}

func (d *Dispatcher) fetchPending(ctx context.Context) ([]Message, error) {
	const query = `SELECT event_id, aggregate_id, event_type, topic, partition_key, payload, attempts
        FROM outbox
        WHERE published_ms IS NULL AND quarantined_ms IS NULL AND next_attempt_ms <= ?
        ORDER BY event_id
        LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, d.now().UnixMilli(), d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var payload []byte
		if err := rows.Scan(&msg.EventID, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.PartitionKey, &payload, &msg.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		msg.Payload = json.RawMessage(payload)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	return messages, nil
}

func (d *Dispatcher) deliver(ctx context.Context, topic string, messages []Message) error {
	records := make([]kafka.Message, 0, len(messages))
	for _, msg := range messages {
		records = append(records, kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: []byte(msg.Payload),
			Time:  d.now().UTC(),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(msg.EventType)},
				{Key: "device_id", Value: []byte(msg.PartitionKey)},
				{Key: "outbox_event_id", Value: []byte(strconv.FormatInt(msg.EventID, 10))},
			},
		})
	}
	return d.producer.WriteMessages(ctx, topic, records...)
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]any, 0, len(messages)+1)
	ids = append(ids, d.now().UnixMilli())
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
	}
	stmt := `UPDATE outbox SET published_ms = ?, last_error = NULL WHERE event_id IN (` + placeholders(len(messages)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, ids...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// recordFailure schedules the next attempt, or quarantines events that exhausted their attempts.
func (d *Dispatcher) recordFailure(ctx context.Context, messages []Message, reason string) error {
	now := d.now()
	var errs error
	for _, msg := range messages {
		attempts := msg.Attempts + 1
		if attempts >= d.maxAttempts {
			if _, err := d.db.ExecContext(ctx,
				`UPDATE outbox SET attempts = ?, last_error = ?, quarantined_ms = ? WHERE event_id = ?`,
				attempts, reason, now.UnixMilli(), msg.EventID,
			); err != nil {
				errs = errors.Join(errs, fmt.Errorf("quarantine event %d: %w", msg.EventID, err))
				continue
			}
			d.logger.Printf("event %d (%s) quarantined after %d attempts: %s", msg.EventID, msg.EventType, attempts, reason)
			quarantinedCounter.WithLabelValues(msg.Topic).Inc()
			continue
		}

		next := now.Add(d.backoffDelay(attempts))
		if _, err := d.db.ExecContext(ctx,
			`UPDATE outbox SET attempts = ?, last_error = ?, next_attempt_ms = ? WHERE event_id = ?`,
			attempts, reason, next.UnixMilli(), msg.EventID,
		); err != nil {
			errs = errors.Join(errs, fmt.Errorf("reschedule event %d: %w", msg.EventID, err))
		}
	}
	return errs
}

// backoffDelay calculates exponential backoff capped at one hour.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	if attempt > 20 {
		return maxBackoff
	}
	delay := time.Duration(1<<uint(attempt-1)) * d.baseDelay
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Message represents a row fetched from outbox.
type Message struct {
	EventID      int64
	AggregateID  string
	EventType    string
	Topic        string
	PartitionKey string
	Payload      json.RawMessage
	Attempts     int
}
