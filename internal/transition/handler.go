// Package transition feeds activity transitions from Kafka or HTTP into the session coordinator.
package transition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"example.com/tracker/internal/consumer"
	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/events"
)

// ErrInvalidTransition rejects transitions that are neither enter nor exit.
var ErrInvalidTransition = errors.New("invalid activity transition")

// DefaultDedupWindow is the number of recent event ids remembered.
const DefaultDedupWindow = 1024

// Applier receives validated transitions.
type Applier interface {
	OnTransition(ctx context.Context, activityType domain.ActivityType, entering bool) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, activityType domain.ActivityType, entering bool) error

// OnTransition calls f.
func (f ApplierFunc) OnTransition(ctx context.Context, activityType domain.ActivityType, entering bool) error {
	return f(ctx, activityType, entering)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger overrides the handler logger.
func WithHandlerLogger(logger *log.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithDedupWindow sets how many event ids are remembered.
func WithDedupWindow(size int) HandlerOption {
	return func(h *Handler) {
		if size > 0 {
			h.window = size
		}
	}
}

// Handler validates transitions, drops redelivered event ids and forwards the
// rest to an Applier. It implements consumer.Handler.
type Handler struct {
	applier Applier
	logger  *log.Logger
	window  int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

var _ consumer.Handler = (*Handler)(nil)

// NewHandler constructs a Handler.
func NewHandler(applier Applier, opts ...HandlerOption) *Handler {
	h := &Handler{
		applier: applier,
		logger:  log.New(log.Writer(), "[transition] ", log.LstdFlags|log.Lshortfile),
		window:  DefaultDedupWindow,
		seen:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle decodes a Kafka transition. Payloads that cannot be applied are logged
// and skipped so the offset is committed.
func (h *Handler) Handle(ctx context.Context, msg consumer.Message) error {
	if msg.EventType != "" && msg.EventType != events.TypeActivityTransition {
		h.logger.Printf("skipping %q at offset %d", msg.EventType, msg.Offset)
		return nil
	}
	var event events.ActivityTransition
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		h.logger.Printf("skipping undecodable transition at offset %d: %v", msg.Offset, err)
		return nil
	}
	err := h.Deliver(ctx, event)
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, domain.ErrInvalidActivityType) {
		h.logger.Printf("skipping transition at offset %d: %v", msg.Offset, err)
		return nil
	}
	return err
}

// Deliver applies a single transition. An event id is remembered only after
// the applier accepted it, so a failed delivery can be retried.
func (h *Handler) Deliver(ctx context.Context, event events.ActivityTransition) error {
	var entering bool
	switch strings.ToLower(strings.TrimSpace(event.Transition)) {
	case events.TransitionEnter:
		entering = true
	case events.TransitionExit:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransition, event.Transition)
	}
	activityType, err := domain.ParseActivityType(event.ActivityType)
	if err != nil {
		return err
	}

	if event.EventID != "" && h.seenBefore(event.EventID) {
		h.logger.Printf("dropping duplicate transition %s", event.EventID)
		return nil
	}

	if err := h.applier.OnTransition(ctx, activityType, entering); err != nil {
		return err
	}
	if event.EventID != "" {
		h.remember(event.EventID)
	}
	return nil
}

func (h *Handler) seenBefore(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.seen[id]
	return ok
}

func (h *Handler) remember(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[id]; ok {
		return
	}
	h.seen[id] = struct{}{}
	h.order = append(h.order, id)
	for len(h.order) > h.window {
		delete(h.seen, h.order[0])
		h.order = h.order[1:]
	}
}
