package session

import (
	"context"
	"log"
	"sync"
	"time"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/observability"
)

const (
	maxRetryDelay = time.Minute
	// finalAttemptTimeout bounds each write made after Close gave up waiting.
	finalAttemptTimeout = 2 * time.Second
)

// RecordSink accepts finalized records without blocking the caller.
type RecordSink interface {
	Enqueue(record domain.ActivityRecord)
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger overrides the logger used by the Recorder.
func WithRecorderLogger(logger *log.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithRetry sets the attempt limit and the base delay of the exponential backoff.
func WithRetry(maxAttempts int, baseDelay time.Duration) RecorderOption {
	return func(r *Recorder) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			r.baseDelay = baseDelay
		}
	}
}

// withStoredHook registers a callback invoked after each successful insert.
func withStoredHook(fn func(domain.ActivityRecord)) RecorderOption {
	return func(r *Recorder) {
		r.onStored = fn
	}
}

// Recorder persists finalized records on a single worker, in enqueue order.
type Recorder struct {
	store       domain.RecordStore
	logger      *log.Logger
	maxAttempts int
	baseDelay   time.Duration
	onStored    func(domain.ActivityRecord)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []domain.ActivityRecord
	closing bool
	signal  chan struct{}
	done    chan struct{}
}

// NewRecorder starts the worker goroutine. Close must be called to stop it.
func NewRecorder(store domain.RecordStore, opts ...RecorderOption) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:       store,
		logger:      log.New(log.Writer(), "[recorder] ", log.LstdFlags|log.Lshortfile),
		maxAttempts: 5,
		baseDelay:   500 * time.Millisecond,
		ctx:         ctx,
		cancel:      cancel,
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Enqueue appends record to the queue. It never blocks.
func (r *Recorder) Enqueue(record domain.ActivityRecord) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		r.logger.Printf("recorder closed, dropping record %+v", record)
		observability.RecordDropped()
		return
	}
	r.queue = append(r.queue, record)
	r.mu.Unlock()
	r.wake()
}

// Pending returns the number of records not yet attempted.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close stops accepting records and drains the queue. If ctx expires first,
// in-flight retries are abandoned and every remaining record gets one last
// write bounded by finalAttemptTimeout; records that still fail are dropped.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.wake()

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return ctx.Err()
	}
}

func (r *Recorder) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Recorder) next() (domain.ActivityRecord, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return domain.ActivityRecord{}, false, r.closing
	}
	record := r.queue[0]
	r.queue[0] = domain.ActivityRecord{}
	r.queue = r.queue[1:]
	return record, true, r.closing
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		record, ok, closing := r.next()
		if !ok {
			if closing {
				return
			}
			<-r.signal
			continue
		}
		r.persist(record)
	}
}

func (r *Recorder) persist(record domain.ActivityRecord) {
	for attempt := 1; ; attempt++ {
		final := r.ctx.Err() != nil
		stored, err := r.insert(record, final)
		if err == nil {
			observability.RecordStored(string(stored.Type), time.Now())
			if r.onStored != nil {
				r.onStored(stored)
			}
			return
		}
		if attempt >= r.maxAttempts || final {
			r.logger.Printf("store write failed after %d attempts, dropping record %+v: %v", attempt, record, err)
			observability.RecordDropped()
			return
		}
		if r.ctx.Err() != nil {
			continue
		}

		delay := backoffDelay(r.baseDelay, attempt)
		r.logger.Printf("store write attempt %d failed, retrying in %s: %v", attempt, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
		}
	}
}

// insert writes with the worker context, or with a fresh bounded one once
// Close has cancelled it.
func (r *Recorder) insert(record domain.ActivityRecord, final bool) (domain.ActivityRecord, error) {
	if !final {
		return r.store.Insert(r.ctx, record)
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalAttemptTimeout)
	defer cancel()
	return r.store.Insert(ctx, record)
}

// backoffDelay doubles base per attempt, capped at maxRetryDelay.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		return maxRetryDelay
	}
	delay := time.Duration(1<<uint(attempt-1)) * base
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
