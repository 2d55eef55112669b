package transition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/segmentio/kafka-go"

	"example.com/tracker/internal/consumer"
	"example.com/tracker/internal/domain"
)

// DefaultTopic carries activity.transition events.
const DefaultTopic = "activity_transitions"

// ReaderFactory opens a fresh reader for each registration.
type ReaderFactory func() consumer.Reader

// KafkaReaderFactory returns a factory for consumer-group readers on topic.
// No brokers yields a nil factory, which Register reports as a denied permission.
func KafkaReaderFactory(brokers []string, topic, groupID string) ReaderFactory {
	if len(brokers) == 0 {
		return nil
	}
	return func() consumer.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    1 << 20,
			StartOffset: kafka.LastOffset,
		})
	}
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedLogger overrides the feed logger, which is also handed to the processor.
func WithFeedLogger(logger *log.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = logger
	}
}

// WithPermission toggles whether registration is allowed.
func WithPermission(granted bool) FeedOption {
	return func(f *Feed) {
		f.permitted = granted
	}
}

// Feed runs a consumer.Processor over the transition topic while registered.
// It implements session.Registrar.
type Feed struct {
	newReader ReaderFactory
	handler   consumer.Handler
	logger    *log.Logger
	permitted bool

	mu     sync.Mutex
	reader consumer.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed constructs an unregistered Feed.
func NewFeed(newReader ReaderFactory, handler consumer.Handler, opts ...FeedOption) *Feed {
	f := &Feed{
		newReader: newReader,
		handler:   handler,
		logger:    log.New(log.Writer(), "[transition] ", log.LstdFlags|log.Lshortfile),
		permitted: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register starts consuming. The processor outlives ctx and runs until Unregister.
func (f *Feed) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !f.permitted || f.newReader == nil {
		return domain.ErrPermissionDenied
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return nil
	}

	reader := f.newReader()
	if reader == nil {
		return fmt.Errorf("transition feed: reader factory returned nil")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	processor := consumer.NewProcessor(reader, f.handler, consumer.WithLogger(f.logger), consumer.WithName("transitions"))

	go func() {
		defer close(done)
		if err := processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Printf("transition feed stopped: %v", err)
		}
	}()

	f.reader = reader
	f.cancel = cancel
	f.done = done
	f.logger.Printf("transition feed registered")
	return nil
}

// Unregister stops consuming and closes the reader. It is a no-op when not registered.
func (f *Feed) Unregister() error {
	f.mu.Lock()
	cancel, done, reader := f.cancel, f.done, f.reader
	f.cancel, f.done, f.reader = nil, nil, nil
	f.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if err := reader.Close(); err != nil {
		return fmt.Errorf("close transition reader: %w", err)
	}
	f.logger.Printf("transition feed unregistered")
	return nil
}

// Registered reports whether the feed is consuming.
func (f *Feed) Registered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}
