package session

import (
	"context"
	"io"
	"log"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/observability"
	"example.com/tracker/internal/preferences"
	"example.com/tracker/internal/sensor"
)

var t0 = time.UnixMilli(1_700_000_000_000)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type recordingSink struct {
	mu      sync.Mutex
	records []domain.ActivityRecord
}

func (s *recordingSink) Enqueue(record domain.ActivityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

func (s *recordingSink) Records() []domain.ActivityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ActivityRecord(nil), s.records...)
}

type fakeRegistrar struct {
	mu          sync.Mutex
	err         error
	registered  bool
	unregisters int
}

func (f *fakeRegistrar) Register(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.registered = true
	return nil
}

func (f *fakeRegistrar) Unregister() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = false
	f.unregisters++
	return nil
}

func (f *fakeRegistrar) Registered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered
}

type harness struct {
	coord     *Coordinator
	prefs     *preferences.Store
	sink      *recordingSink
	feed      *sensor.Feed
	clock     *fakeClock
	registrar *fakeRegistrar
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	discard := log.New(io.Discard, "", 0)
	h := &harness{
		prefs:     preferences.NewMemory(preferences.WithLogger(discard)),
		sink:      &recordingSink{},
		feed:      sensor.NewFeed(sensor.WithLogger(discard)),
		clock:     &fakeClock{now: t0},
		registrar: &fakeRegistrar{},
	}
	base := []Option{
		WithLogger(discard),
		WithClock(h.clock.Now),
		WithTickInterval(time.Hour),
		WithEnterDelay(0),
	}
	h.coord = New(h.prefs, h.sink, h.feed, h.registrar, append(base, opts...)...)
	t.Cleanup(func() {
		require.NoError(t, h.coord.Close())
		require.NoError(t, h.prefs.Close())
	})
	return h
}

func (h *harness) snapshot(t *testing.T) domain.Preferences {
	t.Helper()
	prefs, err := h.prefs.Snapshot(context.Background())
	require.NoError(t, err)
	return prefs
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t)

	record, err := h.coord.Stop(context.Background())
	require.NoError(t, err)
	require.Nil(t, record)
	require.Empty(t, h.sink.Records())
	require.False(t, h.coord.Status().Running)
}

func TestStartSameTypeKeepsStartTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, domain.ActivitySitting))
	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.coord.Start(ctx, domain.ActivitySitting))

	status := h.coord.Status()
	require.True(t, status.StartTime.Equal(t0))
	require.Equal(t, 30*time.Second, status.Elapsed)
	require.Equal(t, "00:00:30", status.Formatted)
	stored, ok := h.snapshot(t).StartTime()
	require.True(t, ok)
	require.Equal(t, t0, stored)
	require.Empty(t, h.sink.Records())
}

func TestWalkingSessionCountsStepsFromFirstReading(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, domain.ActivityWalking))
	require.Eventually(t, h.feed.Listening, time.Second, time.Millisecond)
	require.Equal(t, int64(0), h.coord.Status().Steps)

	h.clock.Advance(time.Second)
	require.True(t, h.feed.Push(100))
	h.clock.Advance(9 * time.Second)
	require.True(t, h.feed.Push(130))
	require.Eventually(t, func() bool { return h.coord.Status().Steps == 30 }, time.Second, time.Millisecond)

	record, err := h.coord.Stop(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, domain.ActivityWalking, record.Type)
	require.Equal(t, t0.UnixMilli(), record.StartTime.UnixMilli())
	require.Equal(t, t0.Add(10*time.Second).UnixMilli(), record.EndTime.UnixMilli())
	require.Equal(t, 10*time.Second, record.Duration)
	require.Equal(t, int64(30), record.Steps)
	require.Equal(t, []domain.ActivityRecord{*record}, h.sink.Records())
	require.False(t, h.feed.Listening())
}

func TestChangeTypeClosesExactlyOneRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, domain.ActivityDriving))
	h.clock.Advance(5 * time.Second)
	closed, err := h.coord.ChangeType(ctx, domain.ActivitySitting)
	require.NoError(t, err)
	require.NotNil(t, closed)

	records := h.sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, domain.ActivityDriving, records[0].Type)
	require.Equal(t, t0.UnixMilli(), records[0].StartTime.UnixMilli())
	require.Equal(t, t0.Add(5*time.Second).UnixMilli(), records[0].EndTime.UnixMilli())
	require.Equal(t, 5*time.Second, records[0].Duration)

	status := h.coord.Status()
	require.True(t, status.Running)
	require.Equal(t, domain.ActivitySitting, status.Type)
	require.Equal(t, t0.Add(5*time.Second).UnixMilli(), status.StartTime.UnixMilli())
	require.Zero(t, status.Elapsed)
}

func TestStartDifferentTypeBehavesLikeChangeType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, domain.ActivityWalking))
	h.clock.Advance(time.Minute)
	require.NoError(t, h.coord.Start(ctx, domain.ActivityDriving))

	records := h.sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, domain.ActivityWalking, records[0].Type)
	require.Equal(t, domain.ActivityDriving, h.coord.Status().Type)
	require.False(t, h.feed.Listening())
}

func TestChangeTypeWhileIdleOnlySelectsType(t *testing.T) {
	h := newHarness(t)

	record, err := h.coord.ChangeType(context.Background(), domain.ActivityDriving)
	require.NoError(t, err)
	require.Nil(t, record)
	require.False(t, h.coord.Status().Running)
	require.Equal(t, "Driving", h.snapshot(t).CurrentActivityType)
}

func TestRecordsNeverOverlap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		h.clock.Advance(time.Duration(rng.Intn(5000)) * time.Millisecond)
		activityType := domain.ActivityTypes[rng.Intn(len(domain.ActivityTypes))]
		switch rng.Intn(3) {
		case 0:
			require.NoError(t, h.coord.Start(ctx, activityType))
		case 1:
			_, err := h.coord.Stop(ctx)
			require.NoError(t, err)
		case 2:
			_, err := h.coord.ChangeType(ctx, activityType)
			require.NoError(t, err)
		}
	}

	records := h.sink.Records()
	require.NotEmpty(t, records)
	for i, rec := range records {
		require.GreaterOrEqual(t, rec.Duration, time.Duration(0))
		require.Equal(t, rec.EndTime.Sub(rec.StartTime), rec.Duration)
		if i > 0 {
			require.False(t, rec.StartTime.Before(records[i-1].EndTime), "record %d overlaps its predecessor", i)
		}
	}
}

func TestConcurrentOperationsStaySerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				h.clock.Advance(time.Millisecond)
				activityType := domain.ActivityTypes[(i+j)%len(domain.ActivityTypes)]
				if j%3 == 0 {
					_, _ = h.coord.Stop(ctx)
					continue
				}
				_ = h.coord.Start(ctx, activityType)
			}
		}(i)
	}
	wg.Wait()

	records := h.sink.Records()
	for i := 1; i < len(records); i++ {
		require.False(t, records[i].StartTime.Before(records[i-1].EndTime))
	}
}

func TestStopWithMissingSessionDataWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, domain.ActivityDriving))
	_, err := h.prefs.Update(ctx, func(p *domain.Preferences) { p.CurrentActivityType = "corrupted" })
	require.NoError(t, err)

	record, err := h.coord.Stop(ctx)
	require.ErrorIs(t, err, domain.ErrMissingSessionData)
	require.Nil(t, record)
	require.Empty(t, h.sink.Records())
	require.False(t, h.coord.Status().Running)
	require.False(t, h.snapshot(t).IsActivityRunning)

	// The session is not stuck: a new one starts normally.
	require.NoError(t, h.coord.Start(ctx, domain.ActivitySitting))
	require.True(t, h.coord.Status().Running)
}

func TestStartManualOverCorruptedSessionStartsNewOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, domain.ActivityDriving))
	_, err := h.prefs.Update(ctx, func(p *domain.Preferences) { p.CurrentActivityType = "corrupted" })
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.coord.StartManual(ctx, domain.ActivityWalking))

	require.Empty(t, h.sink.Records())
	status := h.coord.Status()
	require.True(t, status.Running)
	require.Equal(t, domain.ActivityWalking, status.Type)
	prefs := h.snapshot(t)
	require.True(t, prefs.IsActivityRunning)
	require.True(t, prefs.UserPriority)
	require.Equal(t, "Walking", prefs.CurrentActivityType)
}

func TestStopWithMissingStartTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, domain.ActivitySitting))
	_, err := h.prefs.Update(ctx, func(p *domain.Preferences) { p.CurrentActivityStartTime = nil })
	require.NoError(t, err)

	_, err = h.coord.Stop(ctx)
	require.ErrorIs(t, err, domain.ErrMissingSessionData)
	require.Empty(t, h.sink.Records())
}

func TestSessionStartedAtEpochIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.clock.now = time.UnixMilli(0)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, domain.ActivityWalking))
	h.clock.Advance(10 * time.Second)
	record, err := h.coord.Stop(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, time.UnixMilli(0), record.StartTime)
	require.Equal(t, 10*time.Second, record.Duration)
	require.Len(t, h.sink.Records(), 1)
}

func TestClockMovingBackwardsClampsEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, domain.ActivitySitting))
	h.clock.Advance(-time.Minute)

	record, err := h.coord.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, record.StartTime, record.EndTime)
	require.Zero(t, record.Duration)
}

func TestTransitionIgnoredWhileRecognitionInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ignored := observability.Transitions().WithLabelValues("enter", observability.TransitionIgnored)
	before := testutil.ToFloat64(ignored)

	require.NoError(t, h.coord.OnTransition(ctx, domain.ActivityWalking, true))
	require.False(t, h.coord.Status().Running)
	require.Equal(t, domain.Preferences{}, h.snapshot(t))
	require.InDelta(t, before+1, testutil.ToFloat64(ignored), 0.0001)
}

func TestTransitionsDriveSessionWhileRecognitionActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.StartRecognition(ctx))
	require.True(t, h.registrar.Registered())
	require.True(t, h.snapshot(t).IsRecognitionActive)

	require.NoError(t, h.coord.OnTransition(ctx, domain.ActivityDriving, true))
	require.Equal(t, domain.ActivityDriving, h.coord.Status().Type)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.coord.OnTransition(ctx, domain.ActivityWalking, false))
	require.True(t, h.coord.Status().Running, "exit of another type is ignored")

	require.NoError(t, h.coord.OnTransition(ctx, domain.ActivityDriving, false))
	require.False(t, h.coord.Status().Running)
	records := h.sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, time.Minute, records[0].Duration)
}

func TestEnterTransitionDroppedAfterManualOperation(t *testing.T) {
	h := newHarness(t, WithEnterDelay(200*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, h.coord.StartRecognition(ctx))
	stale := observability.Transitions().WithLabelValues("enter", observability.TransitionStale)
	before := testutil.ToFloat64(stale)

	result := make(chan error, 1)
	go func() {
		result <- h.coord.OnTransition(ctx, domain.ActivityWalking, true)
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.coord.StartManual(ctx, domain.ActivityDriving))

	require.NoError(t, <-result)
	require.Equal(t, domain.ActivityDriving, h.coord.Status().Type)
	require.Empty(t, h.sink.Records())
	require.InDelta(t, before+1, testutil.ToFloat64(stale), 0.0001)
}

func TestEnterTransitionHonoursContext(t *testing.T) {
	h := newHarness(t, WithEnterDelay(time.Hour))
	require.NoError(t, h.coord.StartRecognition(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.coord.OnTransition(ctx, domain.ActivityWalking, true), context.Canceled)
	require.False(t, h.coord.Status().Running)
}

func TestStopRecognitionKeepsSessionRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.StartRecognition(ctx))
	require.NoError(t, h.coord.OnTransition(ctx, domain.ActivitySitting, true))
	require.NoError(t, h.coord.StopRecognition(ctx))

	require.False(t, h.registrar.Registered())
	require.False(t, h.snapshot(t).IsRecognitionActive)
	require.True(t, h.coord.Status().Running)
	require.Empty(t, h.sink.Records())
}

func TestStartRecognitionPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.registrar.err = domain.ErrPermissionDenied

	require.NoError(t, h.coord.StartRecognition(context.Background()))
	require.False(t, h.coord.RecognitionActive())
	require.False(t, h.snapshot(t).IsRecognitionActive)

	require.NoError(t, h.coord.StartManual(context.Background(), domain.ActivityWalking))
	require.True(t, h.coord.Status().Running)
}

func TestStartManualUsesSelectedTypeAndSetsPriority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.ChangeType(ctx, domain.ActivitySitting)
	require.NoError(t, err)
	require.NoError(t, h.coord.StartManual(ctx, ""))

	prefs := h.snapshot(t)
	require.True(t, prefs.UserPriority)
	require.True(t, prefs.IsActivityRunning)
	require.Equal(t, domain.ActivitySitting, h.coord.Status().Type)

	_, err = h.coord.StopManual(ctx)
	require.NoError(t, err)
	require.False(t, h.snapshot(t).UserPriority)
}

func TestStartManualWithoutSelectedType(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.coord.StartManual(context.Background(), ""), domain.ErrInvalidActivityType)
}

func TestChronometerPublishesTicks(t *testing.T) {
	h := newHarness(t, WithTickInterval(10*time.Millisecond))
	events := h.coord.Subscribe(16)

	require.NoError(t, h.coord.Start(context.Background(), domain.ActivityDriving))
	h.clock.Advance(65 * time.Second)

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == EventTick && ev.Status.Formatted == "00:01:05" {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
	require.True(t, h.coord.chrono.running())

	_, err := h.coord.Stop(context.Background())
	require.NoError(t, err)
	require.False(t, h.coord.chrono.running())
}

func TestRestoreResumesRunningSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.prefs.Update(ctx, func(p *domain.Preferences) {
		p.CurrentActivityType = "Walking"
		p.IsActivityRunning = true
		p.SetStartTime(t0.Add(-time.Hour))
		p.IsRecognitionActive = true
	})
	require.NoError(t, err)

	require.NoError(t, h.coord.Restore(ctx))
	status := h.coord.Status()
	require.True(t, status.Running)
	require.Equal(t, time.Hour, status.Elapsed)
	require.True(t, status.RecognitionActive)
	require.True(t, h.registrar.Registered())
	require.Eventually(t, h.feed.Listening, time.Second, time.Millisecond)

	record, err := h.coord.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, time.Hour, record.Duration)
}

func TestRestoreClearsUnusableSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.prefs.Update(ctx, func(p *domain.Preferences) {
		p.CurrentActivityType = "Walking"
		p.IsActivityRunning = true
	})
	require.NoError(t, err)

	require.NoError(t, h.coord.Restore(ctx))
	require.False(t, h.coord.Status().Running)
	require.False(t, h.snapshot(t).IsActivityRunning)
}

func TestCloseReleasesResources(t *testing.T) {
	h := newHarness(t, WithTickInterval(5*time.Millisecond))
	ctx := context.Background()
	events := h.coord.Subscribe(1)

	require.NoError(t, h.coord.StartRecognition(ctx))
	require.NoError(t, h.coord.Start(ctx, domain.ActivityWalking))
	require.Eventually(t, h.feed.Listening, time.Second, time.Millisecond)

	require.NoError(t, h.coord.Close())
	require.False(t, h.coord.chrono.running())
	require.False(t, h.feed.Listening())
	require.False(t, h.registrar.Registered())
	for range events {
	}

	require.ErrorIs(t, h.coord.Start(ctx, domain.ActivityDriving), ErrClosed)
	// Persisted state survives for the next process.
	require.True(t, h.snapshot(t).IsActivityRunning)
	require.True(t, h.snapshot(t).IsRecognitionActive)
}

func TestUnavailableSensorDegradesToZeroSteps(t *testing.T) {
	discard := log.New(io.Discard, "", 0)
	prefs := preferences.NewMemory(preferences.WithLogger(discard))
	sink := &recordingSink{}
	clock := &fakeClock{now: t0}
	coord := New(prefs, sink, nil, nil, WithLogger(discard), WithClock(clock.Now), WithTickInterval(time.Hour))
	t.Cleanup(func() {
		require.NoError(t, coord.Close())
		require.NoError(t, prefs.Close())
	})
	ctx := context.Background()

	require.NoError(t, coord.StartRecognition(ctx))
	require.False(t, coord.RecognitionActive())

	require.NoError(t, coord.Start(ctx, domain.ActivityWalking))
	clock.Advance(time.Minute)
	record, err := coord.Stop(ctx)
	require.NoError(t, err)
	require.Zero(t, record.Steps)
}

func TestInvalidActivityTypeRejected(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.coord.Start(context.Background(), "Flying"), domain.ErrInvalidActivityType)
	_, err := h.coord.ChangeType(context.Background(), "Flying")
	require.ErrorIs(t, err, domain.ErrInvalidActivityType)
}
