// Package sensor models the cumulative hardware step counter.
package sensor

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrUnavailable indicates the device has no step counter.
var ErrUnavailable = errors.New("step counter sensor unavailable")

// Source is a cumulative step counter that only increases until device reboot.
//
// Start registers a listener and returns the sequence of raw cumulative counts.
// Stop deregisters it and closes the sequence; nothing is delivered afterwards.
// A stopped Source may be started again.
type Source interface {
	Start(ctx context.Context) (<-chan int64, error)
	Stop()
}

// Unavailable is the Source of a device without a step counter.
type Unavailable struct{}

// Start always fails with ErrUnavailable.
func (Unavailable) Start(context.Context) (<-chan int64, error) { return nil, ErrUnavailable }

// Stop does nothing.
func (Unavailable) Stop() {}

// Option configures a Feed.
type Option func(*Feed)

// WithLogger overrides the logger used by the Feed.
func WithLogger(logger *log.Logger) Option {
	return func(f *Feed) {
		f.logger = logger
	}
}

// WithBuffer sets how many readings may queue before older ones are replaced.
func WithBuffer(size int) Option {
	return func(f *Feed) {
		if size > 0 {
			f.buffer = size
		}
	}
}

// Feed is a Source driven by readings pushed from a device bridge.
type Feed struct {
	mu      sync.Mutex
	logger  *log.Logger
	buffer  int
	out     chan int64
	last    int64
	started bool
}

// NewFeed constructs a stopped Feed.
func NewFeed(opts ...Option) *Feed {
	f := &Feed{
		logger: log.New(log.Writer(), "[sensor] ", log.LstdFlags|log.Lshortfile),
		buffer: 16,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start registers the listener. Starting an already started Feed returns the live channel.
func (f *Feed) Start(ctx context.Context) (<-chan int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return f.out, nil
	}
	f.out = make(chan int64, f.buffer)
	f.started = true
	return f.out, nil
}

// Stop deregisters the listener and closes the sequence.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return
	}
	close(f.out)
	f.out = nil
	f.started = false
}

// Listening reports whether a listener is registered.
func (f *Feed) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Push delivers a raw cumulative reading. Readings are dropped while no listener is registered.
// It reports whether the reading was delivered.
func (f *Feed) Push(raw int64) bool {
	if raw < 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if raw < f.last {
		f.logger.Printf("step counter went backwards (%d -> %d), assuming device reboot", f.last, raw)
	}
	f.last = raw
	if !f.started {
		return false
	}
	for {
		select {
		case f.out <- raw:
			return true
		default:
		}
		// Full: the listener is behind, replace the oldest reading since counts are cumulative.
		select {
		case <-f.out:
		default:
		}
	}
}
