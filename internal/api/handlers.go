// Package api exposes the tracker's local HTTP control surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/tracker/internal/auth"
	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/events"
	"example.com/tracker/internal/session"
	"example.com/tracker/internal/transition"
)

// SessionController is the command surface of the session coordinator.
type SessionController interface {
	Status() session.Status
	Subscribe(buffer int) <-chan session.Event
	Unsubscribe(ch <-chan session.Event)
	StartManual(ctx context.Context, activityType domain.ActivityType) error
	StopManual(ctx context.Context) (*domain.ActivityRecord, error)
	ChangeType(ctx context.Context, activityType domain.ActivityType) (*domain.ActivityRecord, error)
	StartRecognition(ctx context.Context) error
	StopRecognition(ctx context.Context) error
	RecognitionActive() bool
}

// TransitionSink accepts transitions posted over HTTP.
type TransitionSink interface {
	Deliver(ctx context.Context, event events.ActivityTransition) error
}

// StepSink accepts raw cumulative step readings.
type StepSink interface {
	Push(raw int64) bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the handler logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler coordinates HTTP requests with the session coordinator and the history service.
type Handler struct {
	service     *domain.Service
	session     SessionController
	transitions TransitionSink
	steps       StepSink
	logger      *log.Logger

	streamsDone  chan struct{}
	closeStreams sync.Once
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, controller SessionController, transitions TransitionSink, steps StepSink, opts ...Option) *Handler {
	h := &Handler{
		service:     service,
		session:     controller,
		transitions: transitions,
		steps:       steps,
		logger:      log.New(log.Writer(), "[api] ", log.LstdFlags|log.Lshortfile),
		streamsDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router. Everything except health and metrics requires a bearer token.
func (h *Handler) Routes(authn auth.Middleware) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(authn.Wrap)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeHistoryRead))
			r.Get("/session", h.getSession)
			r.Get("/session/events", h.streamSession)
			r.Get("/activities", h.listActivities)
			r.Get("/stats/daily", h.dailyStats)
			r.Get("/stats/weekly-steps", h.weeklySteps)
			r.Get("/stats/monthly", h.monthlyCoverage)
			r.Get("/stats/types", h.typeTotals)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeSessionWrite))
			r.Post("/session/start", h.startSession)
			r.Post("/session/stop", h.stopSession)
			r.Post("/session/change", h.changeSession)
			r.Post("/recognition/start", h.startRecognition)
			r.Post("/recognition/stop", h.stopRecognition)
			r.Post("/transitions", h.postTransition)
			r.Post("/sensor/steps", h.postSteps)
		})

		r.With(auth.RequireScope(auth.ScopeHistoryWrite)).Delete("/activities/{id}", h.deleteActivity)
	})
	return r
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStatusView(h.session.Status()))
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req ActivityTypeRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	var activityType domain.ActivityType
	if req.ActivityType != "" {
		parsed, err := domain.ParseActivityType(req.ActivityType)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		activityType = parsed
	}

	if err := h.session.StartManual(r.Context(), activityType); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusView(h.session.Status()))
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	record, err := h.session.StopManual(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if record == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	view := toRecordView(*record)
	writeJSON(w, http.StatusOK, SessionChangeResponse{Record: &view, Status: toStatusView(h.session.Status())})
}

func (h *Handler) changeSession(w http.ResponseWriter, r *http.Request) {
	var req ActivityTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	activityType, err := domain.ParseActivityType(req.ActivityType)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	record, err := h.session.ChangeType(r.Context(), activityType)
	if err != nil && !errors.Is(err, domain.ErrMissingSessionData) {
		h.writeDomainError(w, err)
		return
	}
	resp := SessionChangeResponse{Status: toStatusView(h.session.Status())}
	if record != nil {
		view := toRecordView(*record)
		resp.Record = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) startRecognition(w http.ResponseWriter, r *http.Request) {
	if err := h.session.StartRecognition(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecognitionResponse{Active: h.session.RecognitionActive()})
}

func (h *Handler) stopRecognition(w http.ResponseWriter, r *http.Request) {
	if err := h.session.StopRecognition(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecognitionResponse{Active: h.session.RecognitionActive()})
}

func (h *Handler) postTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	event, err := req.Event()
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if err := h.transitions.Deliver(r.Context(), event); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RecognitionResponse{Active: h.session.RecognitionActive()})
}

func (h *Handler) postSteps(w http.ResponseWriter, r *http.Request) {
	var req StepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if req.Count == nil || *req.Count < 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "count must be a non-negative cumulative reading")
		return
	}
	writeJSON(w, http.StatusAccepted, StepsResponse{Delivered: h.steps.Push(*req.Count)})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidActivityType),
		errors.Is(err, domain.ErrInvalidRecord),
		errors.Is(err, transition.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
	case errors.Is(err, domain.ErrMissingSessionData):
		writeError(w, http.StatusConflict, "missing_session_data", err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, "cancelled", err.Error())
	default:
		h.logger.Printf("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func decodeOptional(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
