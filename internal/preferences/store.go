// Package preferences implements the durable key-value Preference Store as a YAML file.
package preferences

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"example.com/tracker/internal/domain"
)

// ErrClosed is returned by Update after Close.
var ErrClosed = errors.New("preference store closed")

type yamlPreferences struct {
	CurrentActivityType      string `yaml:"current_activity_type"`
	IsActivityRunning        bool   `yaml:"is_activity_running"`
	CurrentActivityStartTime *int64 `yaml:"current_activity_start_time,omitempty"`
	IsRecognitionActive      bool   `yaml:"is_recognition_active"`
	UserPriority             bool   `yaml:"user_priority"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the logger used by the Store.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store keeps the authoritative snapshot in memory and writes it to disk on a
// background flusher, so Update never waits for the file system while Snapshot
// always observes every completed Update.
type Store struct {
	path   string
	logger *log.Logger

	mu      sync.Mutex
	current domain.Preferences
	subs    map[int]chan domain.Preferences
	nextSub int
	closed  bool

	// writeMu serializes file writes between the flusher and Flush.
	writeMu sync.Mutex
	dirty   chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

// Open loads path and starts the flusher. A missing file yields defaults; a
// corrupt file is logged and replaced by defaults on the next write.
func Open(path string, opts ...Option) (*Store, error) {
	s := newStore(path, opts...)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create preferences directory: %w", err)
		}
		prefs, err := load(path)
		if err != nil {
			s.logger.Printf("ignoring unreadable preferences %s: %v", path, err)
		}
		s.current = prefs
	}
	go s.flushLoop()
	return s, nil
}

// NewMemory returns a Store that never touches disk.
func NewMemory(opts ...Option) *Store {
	s := newStore("", opts...)
	go s.flushLoop()
	return s
}

func newStore(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: log.New(log.Writer(), "[preferences] ", log.LstdFlags|log.Lshortfile),
		subs:   make(map[int]chan domain.Preferences),
		dirty:  make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func load(path string) (domain.Preferences, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Preferences{}, nil
		}
		return domain.Preferences{}, fmt.Errorf("read preferences file: %w", err)
	}
	var doc yamlPreferences
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return domain.Preferences{}, fmt.Errorf("parse preferences yaml: %w", err)
	}
	return domain.Preferences{
		CurrentActivityType:      doc.CurrentActivityType,
		IsActivityRunning:        doc.IsActivityRunning,
		CurrentActivityStartTime: doc.CurrentActivityStartTime,
		IsRecognitionActive:      doc.IsRecognitionActive,
		UserPriority:             doc.UserPriority,
	}, nil
}

// Snapshot returns the current preferences.
func (s *Store) Snapshot(ctx context.Context) (domain.Preferences, error) {
	if err := ctx.Err(); err != nil {
		return domain.Preferences{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

// Update applies mutate atomically and schedules a durable write.
func (s *Store) Update(ctx context.Context, mutate func(*domain.Preferences)) (domain.Preferences, error) {
	if err := ctx.Err(); err != nil {
		return domain.Preferences{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Preferences{}, ErrClosed
	}
	next := s.current
	mutate(&next)
	changed := next != s.current
	s.current = next
	if changed {
		for _, ch := range s.subs {
			publish(ch, next)
		}
	}
	s.mu.Unlock()

	if changed {
		select {
		case s.dirty <- struct{}{}:
		default:
		}
	}
	return next, nil
}

// publish delivers the latest value, discarding a stale one if the subscriber lags.
func publish(ch chan domain.Preferences, prefs domain.Preferences) {
	for {
		select {
		case ch <- prefs:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe streams changes, starting with the current value. cancel closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan domain.Preferences, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan domain.Preferences, buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.current
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// Flush writes the current snapshot to disk.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write()
}

// Close stops the flusher, writes the final snapshot and closes subscribers.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.done
	return s.write()
}

func (s *Store) flushLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.dirty:
			if err := s.write(); err != nil {
				s.logger.Printf("flush preferences: %v", err)
			}
		}
	}
}

func (s *Store) write() error {
	if s.path == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prefs := s.current
	s.mu.Unlock()

	serialized, err := yaml.Marshal(yamlPreferences{
		CurrentActivityType:      prefs.CurrentActivityType,
		IsActivityRunning:        prefs.IsActivityRunning,
		CurrentActivityStartTime: prefs.CurrentActivityStartTime,
		IsRecognitionActive:      prefs.IsRecognitionActive,
		UserPriority:             prefs.UserPriority,
	})
	if err != nil {
		return fmt.Errorf("marshal preferences yaml: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, serialized, 0o644); err != nil {
		return fmt.Errorf("write preferences file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace preferences file: %w", err)
	}
	return nil
}
