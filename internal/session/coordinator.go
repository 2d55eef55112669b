// Package session coordinates the single in-progress activity session.
//
// All mutating operations are serialized by one mutex per Coordinator. The
// chronometer and the step reader only take the snapshot lock, so stopping them
// from inside an operation cannot deadlock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/observability"
	"example.com/tracker/internal/sensor"
)

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("session coordinator closed")

// DefaultEnterDelay is the settle time applied to ENTER transitions.
const DefaultEnterDelay = 150 * time.Millisecond

// Registrar subscribes the coordinator to the activity transition feed.
// Register returns domain.ErrPermissionDenied when recognition is not permitted.
type Registrar interface {
	Register(ctx context.Context) error
	Unregister() error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the logger used by the Coordinator.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithTickInterval sets the chronometer period.
func WithTickInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.tickInterval = interval
		}
	}
}

// WithEnterDelay sets the settle time of ENTER transitions. Zero disables it.
func WithEnterDelay(delay time.Duration) Option {
	return func(c *Coordinator) {
		if delay >= 0 {
			c.enterDelay = delay
		}
	}
}

// Coordinator owns the in-progress session.
type Coordinator struct {
	prefs     domain.PreferenceStore
	sink      RecordSink
	sensor    sensor.Source
	registrar Registrar
	logger    *log.Logger
	now       func() time.Time

	tickInterval time.Duration
	enterDelay   time.Duration

	opMu      sync.Mutex
	manualSeq atomic.Uint64
	chrono    *chronometer

	// stateMu guards the live snapshot read by the chronometer and step reader.
	stateMu      sync.RWMutex
	running      bool
	activityType domain.ActivityType
	startTime    time.Time
	recognition  bool
	closed       bool
	steps        sensor.StepTracker

	sensorMu     sync.Mutex
	sensorOn     bool
	sensorDone   chan struct{}
	sensorWarned bool

	recognitionMu sync.Mutex

	subMu       sync.Mutex
	subscribers []chan Event
	subsClosed  bool

	closeOnce sync.Once
}

// New wires a Coordinator. A nil source or registrar means the device lacks that capability.
func New(prefs domain.PreferenceStore, sink RecordSink, source sensor.Source, registrar Registrar, opts ...Option) *Coordinator {
	if source == nil {
		source = sensor.Unavailable{}
	}
	if registrar == nil {
		registrar = deniedRegistrar{}
	}
	c := &Coordinator{
		prefs:        prefs,
		sink:         sink,
		sensor:       source,
		registrar:    registrar,
		logger:       log.New(log.Writer(), "[session] ", log.LstdFlags|log.Lshortfile),
		now:          time.Now,
		tickInterval: time.Second,
		enterDelay:   DefaultEnterDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.chrono = newChronometer(c.tickInterval, c.tick)
	return c
}

// Subscribe registers an observer. Slow observers miss events rather than block.
// The channel is closed by Close.
func (c *Coordinator) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch
	}
	c.subscribers = append(c.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes an observer channel returned by Subscribe.
func (c *Coordinator) Unsubscribe(ch <-chan Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for i, sub := range c.subscribers {
		if sub == ch {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (c *Coordinator) emit(event Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Status returns the current projection.
func (c *Coordinator) Status() Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.statusLocked(c.now())
}

func (c *Coordinator) statusLocked(now time.Time) Status {
	status := Status{
		Running:           c.running,
		RecognitionActive: c.recognition,
		At:                now,
	}
	if c.running {
		status.Type = c.activityType
		status.StartTime = c.startTime
		status.Elapsed = now.Sub(c.startTime)
		if status.Elapsed < 0 {
			status.Elapsed = 0
		}
		status.Steps = c.steps.Delta()
		status.Walking = c.activityType.IsWalking()
	}
	status.Formatted = FormatElapsed(status.Elapsed)
	return status
}

// RecognitionActive reports whether transitions are currently applied.
func (c *Coordinator) RecognitionActive() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.recognition
}

// Start begins a session of activityType. Starting the running type is a no-op;
// starting another type behaves like ChangeType.
func (c *Coordinator) Start(ctx context.Context, activityType domain.ActivityType) error {
	if !activityType.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidActivityType, activityType)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.manualSeq.Add(1)
	return c.startLocked(ctx, activityType, c.now())
}

// Stop finalizes the running session and returns the enqueued record.
// Stopping while idle returns a nil record and no error.
func (c *Coordinator) Stop(ctx context.Context) (*domain.ActivityRecord, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.manualSeq.Add(1)
	if !c.isRunning() {
		return nil, nil
	}
	return c.endLocked(ctx, c.now())
}

// ChangeType closes the running session and opens one of activityType at the same instant.
// While idle it only records activityType as the selected type.
func (c *Coordinator) ChangeType(ctx context.Context, activityType domain.ActivityType) (*domain.ActivityRecord, error) {
	if !activityType.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidActivityType, activityType)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.manualSeq.Add(1)
	return c.changeLocked(ctx, activityType, c.now())
}

// StartManual starts a user-chosen session and marks it as user priority.
// An empty activityType selects the type stored in the preference store.
func (c *Coordinator) StartManual(ctx context.Context, activityType domain.ActivityType) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.manualSeq.Add(1)

	if activityType == "" {
		prefs, err := c.prefs.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("read selected activity type: %w", err)
		}
		if activityType, err = prefs.ActivityType(); err != nil {
			return err
		}
	}
	if !activityType.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidActivityType, activityType)
	}
	if err := c.startLocked(ctx, activityType, c.now()); err != nil {
		return err
	}
	if _, err := c.prefs.Update(ctx, func(p *domain.Preferences) { p.UserPriority = true }); err != nil {
		return fmt.Errorf("persist user priority: %w", err)
	}
	return nil
}

// StopManual is the user-driven Stop.
func (c *Coordinator) StopManual(ctx context.Context) (*domain.ActivityRecord, error) {
	return c.Stop(ctx)
}

// OnTransition applies an activity transition. Transitions are ignored while
// recognition is inactive. ENTER waits out the settle delay and is dropped if a
// manual operation was serialized meanwhile. EXIT only stops the matching type.
func (c *Coordinator) OnTransition(ctx context.Context, activityType domain.ActivityType, entering bool) error {
	direction := "exit"
	if entering {
		direction = "enter"
	}
	if !activityType.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidActivityType, activityType)
	}
	if !c.RecognitionActive() {
		observability.RecordTransition(direction, observability.TransitionIgnored)
		return nil
	}

	if !entering {
		c.opMu.Lock()
		defer c.opMu.Unlock()
		if err := c.checkOpen(); err != nil {
			return err
		}
		running, current := c.current()
		if !running || current != activityType {
			observability.RecordTransition(direction, observability.TransitionIgnored)
			return nil
		}
		observability.RecordTransition(direction, observability.TransitionApplied)
		_, err := c.endLocked(ctx, c.now())
		return err
	}

	seq := c.manualSeq.Load()
	if c.enterDelay > 0 {
		timer := time.NewTimer(c.enterDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.manualSeq.Load() != seq {
		c.logger.Printf("dropping stale %s transition for %s: manual operation intervened", direction, activityType)
		observability.RecordTransition(direction, observability.TransitionStale)
		return nil
	}
	if !c.RecognitionActive() {
		observability.RecordTransition(direction, observability.TransitionIgnored)
		return nil
	}
	observability.RecordTransition(direction, observability.TransitionApplied)
	return c.startLocked(ctx, activityType, c.now())
}

// StartRecognition subscribes to the transition feed. A permission refusal is
// logged and leaves recognition off without error.
func (c *Coordinator) StartRecognition(ctx context.Context) error {
	c.recognitionMu.Lock()
	defer c.recognitionMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.RecognitionActive() {
		return nil
	}
	return c.enableRecognition(ctx)
}

func (c *Coordinator) enableRecognition(ctx context.Context) error {
	if err := c.registrar.Register(ctx); err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			c.logger.Printf("activity recognition unavailable: %v", err)
			if _, err := c.prefs.Update(ctx, func(p *domain.Preferences) { p.IsRecognitionActive = false }); err != nil {
				c.logger.Printf("persist recognition flag: %v", err)
			}
			return nil
		}
		return fmt.Errorf("register transition feed: %w", err)
	}
	if _, err := c.prefs.Update(ctx, func(p *domain.Preferences) { p.IsRecognitionActive = true }); err != nil {
		if unregErr := c.registrar.Unregister(); unregErr != nil {
			c.logger.Printf("unregister transition feed: %v", unregErr)
		}
		return fmt.Errorf("persist recognition flag: %w", err)
	}
	c.setRecognition(true)
	return nil
}

// StopRecognition unsubscribes from the transition feed. The running session is left open.
func (c *Coordinator) StopRecognition(ctx context.Context) error {
	c.recognitionMu.Lock()
	defer c.recognitionMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.RecognitionActive() {
		return nil
	}
	c.setRecognition(false)
	if err := c.registrar.Unregister(); err != nil {
		c.logger.Printf("unregister transition feed: %v", err)
	}
	if _, err := c.prefs.Update(ctx, func(p *domain.Preferences) { p.IsRecognitionActive = false }); err != nil {
		return fmt.Errorf("persist recognition flag: %w", err)
	}
	return nil
}

func (c *Coordinator) setRecognition(active bool) {
	c.stateMu.Lock()
	c.recognition = active
	status := c.statusLocked(c.now())
	c.stateMu.Unlock()
	c.emit(Event{Type: EventRecognition, Status: status})
}

// Restore resumes state persisted by a previous process: a running session gets
// its chronometer back and recognition is re-registered if it was active.
// Steps are only counted from the restart.
func (c *Coordinator) Restore(ctx context.Context) error {
	prefs, err := c.restoreSession(ctx)
	if err != nil {
		return err
	}
	if !prefs.IsRecognitionActive {
		return nil
	}
	c.recognitionMu.Lock()
	defer c.recognitionMu.Unlock()
	if c.RecognitionActive() {
		return nil
	}
	return c.enableRecognition(ctx)
}

func (c *Coordinator) restoreSession(ctx context.Context) (domain.Preferences, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return domain.Preferences{}, err
	}

	prefs, err := c.prefs.Snapshot(ctx)
	if err != nil {
		return domain.Preferences{}, fmt.Errorf("read preferences: %w", err)
	}
	if !prefs.IsActivityRunning || c.isRunning() {
		return prefs, nil
	}

	activityType, typeErr := prefs.ActivityType()
	start, hasStart := prefs.StartTime()
	if typeErr != nil || !hasStart {
		c.logger.Printf("cannot resume session: %v (type=%q start set=%t)", domain.ErrMissingSessionData, prefs.CurrentActivityType, hasStart)
		observability.RecordMissingSessionData()
		if _, err := c.prefs.Update(ctx, func(p *domain.Preferences) {
			p.IsActivityRunning = false
			p.UserPriority = false
		}); err != nil {
			return prefs, fmt.Errorf("clear running flag: %w", err)
		}
		return prefs, nil
	}

	c.logger.Printf("resuming %s session started at %s", activityType, start.Format(time.RFC3339))
	c.activate(activityType, start)
	return prefs, nil
}

// Close stops the chronometer, the step sensor and the transition feed and closes
// every subscriber channel. The persisted state is left untouched for Restore.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.closed = true
		recognition := c.recognition
		c.recognition = false
		c.stateMu.Unlock()

		if recognition {
			c.recognitionMu.Lock()
			err = c.registrar.Unregister()
			c.recognitionMu.Unlock()
		}

		c.opMu.Lock()
		c.chrono.stop()
		c.reconcileSensor()
		c.opMu.Unlock()

		c.subMu.Lock()
		for _, ch := range c.subscribers {
			close(ch)
		}
		c.subscribers = nil
		c.subsClosed = true
		c.subMu.Unlock()
	})
	return err
}

func (c *Coordinator) checkOpen() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Coordinator) isRunning() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.running
}

func (c *Coordinator) current() (bool, domain.ActivityType) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.running, c.activityType
}

func (c *Coordinator) startLocked(ctx context.Context, activityType domain.ActivityType, now time.Time) error {
	running, current := c.current()
	if running {
		if current == activityType {
			return nil
		}
		// The new session is running; endLocked already logged the unrecorded one.
		if _, err := c.changeLocked(ctx, activityType, now); err != nil && !errors.Is(err, domain.ErrMissingSessionData) {
			return err
		}
		return nil
	}
	return c.beginLocked(ctx, activityType, now)
}

func (c *Coordinator) changeLocked(ctx context.Context, activityType domain.ActivityType, now time.Time) (*domain.ActivityRecord, error) {
	running, current := c.current()
	if !running {
		if _, err := c.prefs.Update(ctx, func(p *domain.Preferences) { p.CurrentActivityType = string(activityType) }); err != nil {
			return nil, fmt.Errorf("persist selected activity type: %w", err)
		}
		return nil, nil
	}
	if current == activityType {
		return nil, nil
	}

	record, err := c.endLocked(ctx, now)
	if err != nil && !errors.Is(err, domain.ErrMissingSessionData) {
		return nil, err
	}
	if beginErr := c.beginLocked(ctx, activityType, now); beginErr != nil {
		return record, beginErr
	}
	return record, err
}

func (c *Coordinator) beginLocked(ctx context.Context, activityType domain.ActivityType, now time.Time) error {
	start := domain.TruncateMillis(now)
	if _, err := c.prefs.Update(ctx, func(p *domain.Preferences) {
		p.CurrentActivityType = string(activityType)
		p.IsActivityRunning = true
		p.SetStartTime(start)
	}); err != nil {
		return fmt.Errorf("persist session start: %w", err)
	}

	c.logger.Printf("started %s session", activityType)
	observability.RecordSessionStarted(string(activityType))
	c.activate(activityType, start)
	return nil
}

func (c *Coordinator) activate(activityType domain.ActivityType, start time.Time) {
	c.stateMu.Lock()
	c.running = true
	c.activityType = activityType
	c.startTime = start
	c.steps.Reset()
	status := c.statusLocked(c.now())
	c.stateMu.Unlock()

	c.chrono.start()
	c.reconcileSensor()
	c.emit(Event{Type: EventStarted, Status: status})
}

// endLocked closes the running session. The type and start time are read back
// from the preference store; if either is unusable no record is written.
func (c *Coordinator) endLocked(ctx context.Context, now time.Time) (*domain.ActivityRecord, error) {
	ctx = context.WithoutCancel(ctx)
	prefs, readErr := c.prefs.Snapshot(ctx)

	c.stateMu.Lock()
	steps := c.steps.Delta()
	c.running = false
	c.activityType = ""
	c.startTime = time.Time{}
	c.steps.Reset()
	status := c.statusLocked(c.now())
	c.stateMu.Unlock()

	c.chrono.stop()
	c.reconcileSensor()
	observability.RecordSessionStopped()

	defer func() {
		if _, err := c.prefs.Update(ctx, func(p *domain.Preferences) {
			p.IsActivityRunning = false
			p.UserPriority = false
		}); err != nil {
			c.logger.Printf("clear running flag: %v", err)
		}
	}()

	record, err := c.finalize(prefs, readErr, now, steps)
	if err != nil {
		c.logger.Printf("session closed without record: %v", err)
		c.emit(Event{Type: EventStopped, Status: status})
		return nil, err
	}

	c.sink.Enqueue(record)
	c.logger.Printf("stopped %s session after %s with %d steps", record.Type, FormatElapsed(record.Duration), record.Steps)
	c.emit(Event{Type: EventStopped, Status: status, Record: &record})
	return &record, nil
}

func (c *Coordinator) finalize(prefs domain.Preferences, readErr error, now time.Time, steps int64) (domain.ActivityRecord, error) {
	if readErr != nil {
		observability.RecordMissingSessionData()
		return domain.ActivityRecord{}, fmt.Errorf("%w: read preferences: %v", domain.ErrMissingSessionData, readErr)
	}
	activityType, err := prefs.ActivityType()
	if err != nil {
		observability.RecordMissingSessionData()
		return domain.ActivityRecord{}, fmt.Errorf("%w: %v", domain.ErrMissingSessionData, err)
	}
	start, ok := prefs.StartTime()
	if !ok {
		observability.RecordMissingSessionData()
		return domain.ActivityRecord{}, fmt.Errorf("%w: start time not set", domain.ErrMissingSessionData)
	}

	end := domain.TruncateMillis(now)
	if end.Before(start) {
		c.logger.Printf("clock moved backwards (start=%s end=%s), clamping end to start", start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))
		end = start
	}
	return domain.NewActivityRecord(activityType, start, end, steps)
}

func (c *Coordinator) tick() {
	c.stateMu.RLock()
	if !c.running {
		c.stateMu.RUnlock()
		return
	}
	status := c.statusLocked(c.now())
	c.stateMu.RUnlock()

	c.reconcileSensor()
	c.emit(Event{Type: EventTick, Status: status})
}

// reconcileSensor moves the sensor between SENSOR_OFF and SENSOR_ON so that it
// listens exactly while a Walking session runs.
func (c *Coordinator) reconcileSensor() {
	c.sensorMu.Lock()
	defer c.sensorMu.Unlock()

	c.stateMu.RLock()
	want := c.running && !c.closed && c.activityType.IsWalking()
	c.stateMu.RUnlock()

	if want == c.sensorOn {
		return
	}
	if !want {
		c.sensor.Stop()
		if c.sensorDone != nil {
			<-c.sensorDone
		}
		c.sensorOn = false
		c.sensorDone = nil
		return
	}

	readings, err := c.sensor.Start(context.Background())
	if err != nil {
		if !c.sensorWarned {
			c.logger.Printf("step sensor unavailable, steps will read 0: %v", err)
			c.sensorWarned = true
		}
		return
	}
	done := make(chan struct{})
	c.sensorOn = true
	c.sensorDone = done
	go c.readSteps(readings, done)
}

func (c *Coordinator) readSteps(readings <-chan int64, done chan<- struct{}) {
	defer close(done)
	for raw := range readings {
		c.stateMu.Lock()
		if !c.running || !c.activityType.IsWalking() {
			c.stateMu.Unlock()
			continue
		}
		c.steps.Observe(raw)
		status := c.statusLocked(c.now())
		c.stateMu.Unlock()
		c.emit(Event{Type: EventSteps, Status: status})
	}
}

type deniedRegistrar struct{}

func (deniedRegistrar) Register(context.Context) error {
	return fmt.Errorf("%w: no transition feed configured", domain.ErrPermissionDenied)
}

func (deniedRegistrar) Unregister() error { return nil }
