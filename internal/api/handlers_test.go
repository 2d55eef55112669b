package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/tracker/internal/auth"
	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/persistence/sqlite"
	"example.com/tracker/internal/preferences"
	"example.com/tracker/internal/sensor"
	"example.com/tracker/internal/session"
	"example.com/tracker/internal/transition"
)

var authConfig = auth.Config{Secret: "api-test-secret", Issuer: "tracker-test"}

type switchRegistrar struct {
	mu     sync.Mutex
	denied bool
}

func (r *switchRegistrar) Register(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied {
		return domain.ErrPermissionDenied
	}
	return nil
}

func (r *switchRegistrar) Unregister() error { return nil }

type harness struct {
	handler   *Handler
	router    http.Handler
	store     *sqlite.RecordStore
	coord     *session.Coordinator
	steps     *sensor.Feed
	registrar *switchRegistrar
	token     string
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := sqlite.NewRecordStore(db)
	require.NoError(t, err)

	recorder := session.NewRecorder(store, session.WithRecorderLogger(quiet()))
	t.Cleanup(func() { _ = recorder.Close(context.Background()) })

	steps := sensor.NewFeed(sensor.WithLogger(quiet()))
	registrar := &switchRegistrar{}
	coord := session.New(preferences.NewMemory(), recorder, steps, registrar,
		session.WithLogger(quiet()),
		session.WithTickInterval(time.Hour),
		session.WithEnterDelay(0),
	)
	t.Cleanup(func() { _ = coord.Close() })

	transitions := transition.NewHandler(coord, transition.WithHandlerLogger(quiet()))
	service := domain.NewService(store, time.UTC)
	handler := NewHandler(service, coord, transitions, steps, WithLogger(quiet()))

	token, err := auth.Issue(authConfig, "user-1", "device-1", auth.AllScopes, time.Hour, time.Now())
	require.NoError(t, err)

	return &harness{
		handler:   handler,
		router:    handler.Routes(auth.NewMiddleware(authConfig)),
		store:     store,
		coord:     coord,
		steps:     steps,
		registrar: registrar,
		token:     token,
	}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+h.token)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func (h *harness) seed(t *testing.T, activityType domain.ActivityType, start time.Time, d time.Duration, steps int64) domain.ActivityRecord {
	t.Helper()
	rec, err := domain.NewActivityRecord(activityType, start, start.Add(d), steps)
	require.NoError(t, err)
	stored, err := h.store.Insert(context.Background(), rec)
	require.NoError(t, err)
	return stored
}

func TestProbesDoNotRequireAuth(t *testing.T) {
	h := newHarness(t)

	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "tracker_")

	rr = httptest.NewRecorder()
	h.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/session", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestScopesAreEnforced(t *testing.T) {
	h := newHarness(t)
	readOnly, err := auth.Issue(authConfig, "viewer", "device-1", []string{auth.ScopeHistoryRead}, time.Hour, time.Now())
	require.NoError(t, err)
	h.token = readOnly

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/session", "").Code)
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/v1/session/start", `{"activity_type":"Walking"}`).Code)
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodDelete, "/v1/activities/1", "").Code)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/v1/session/start", `{"activity_type":"walking"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	status := decode[StatusView](t, rr)
	require.True(t, status.Running)
	require.Equal(t, "Walking", status.ActivityType)
	require.True(t, status.Walking)
	require.NotNil(t, status.StartTime)

	require.Eventually(t, h.steps.Listening, time.Second, 5*time.Millisecond)
	rr = h.do(t, http.MethodPost, "/v1/sensor/steps", `{"count":1000}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.True(t, decode[StepsResponse](t, rr).Delivered)
	h.steps.Push(1042)
	require.Eventually(t, func() bool { return h.coord.Status().Steps == 42 }, time.Second, 5*time.Millisecond)

	rr = h.do(t, http.MethodPost, "/v1/session/change", `{"activity_type":"Driving"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	changed := decode[SessionChangeResponse](t, rr)
	require.NotNil(t, changed.Record)
	require.Equal(t, "Walking", changed.Record.ActivityType)
	require.Equal(t, int64(42), changed.Record.Steps)
	require.Equal(t, "Driving", changed.Status.ActivityType)

	rr = h.do(t, http.MethodPost, "/v1/session/stop", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	stopped := decode[SessionChangeResponse](t, rr)
	require.Equal(t, "Driving", stopped.Record.ActivityType)
	require.False(t, stopped.Status.Running)

	// Stopping while idle is a no-op.
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/session/stop", "").Code)

	require.Eventually(t, func() bool {
		list := decode[ListActivitiesResponse](t, h.do(t, http.MethodGet, "/v1/activities", ""))
		return len(list.Items) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestStartWithoutTypeUsesSelectedType(t *testing.T) {
	h := newHarness(t)

	// While idle, change only records the selected type.
	rr := h.do(t, http.MethodPost, "/v1/session/change", `{"activity_type":"Sitting"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Nil(t, decode[SessionChangeResponse](t, rr).Record)

	rr = h.do(t, http.MethodPost, "/v1/session/start", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "Sitting", decode[StatusView](t, rr).ActivityType)
}

func TestSessionRejectsInvalidType(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/v1/session/start", `{"activity_type":"Cycling"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "validation_failed", decode[map[string]string](t, rr)["type"])

	rr = h.do(t, http.MethodPost, "/v1/session/change", `{`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecognitionAndTransitions(t *testing.T) {
	h := newHarness(t)

	// Transitions are ignored while recognition is off.
	rr := h.do(t, http.MethodPost, "/v1/transitions", `{"activity_type":"Driving","entering":true}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	require.False(t, h.coord.Status().Running)

	rr = h.do(t, http.MethodPost, "/v1/recognition/start", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, decode[RecognitionResponse](t, rr).Active)

	rr = h.do(t, http.MethodPost, "/v1/transitions", `{"event_id":"t1","activity_type":"Driving","entering":true}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, domain.ActivityDriving, h.coord.Status().Type)

	// Exit of another type leaves the session open.
	h.do(t, http.MethodPost, "/v1/transitions", `{"activity_type":"Walking","transition":"exit"}`)
	require.True(t, h.coord.Status().Running)

	h.do(t, http.MethodPost, "/v1/transitions", `{"activity_type":"Driving","transition":"exit"}`)
	require.False(t, h.coord.Status().Running)

	rr = h.do(t, http.MethodPost, "/v1/transitions", `{"activity_type":"Driving"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = h.do(t, http.MethodPost, "/v1/transitions", `{"activity_type":"Driving","transition":"sideways"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/recognition/stop", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, decode[RecognitionResponse](t, rr).Active)
}

func TestRecognitionPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.registrar.denied = true

	rr := h.do(t, http.MethodPost, "/v1/recognition/start", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, decode[RecognitionResponse](t, rr).Active)
}

func TestSensorStepsValidation(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/sensor/steps", `{}`).Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/sensor/steps", `{"count":-1}`).Code)

	// No walking session, no listener.
	rr := h.do(t, http.MethodPost, "/v1/sensor/steps", `{"count":10}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.False(t, decode[StepsResponse](t, rr).Delivered)
}

func TestListActivitiesPaginatesAndFilters(t *testing.T) {
	h := newHarness(t)
	day := time.Date(2024, time.March, 11, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		h.seed(t, domain.ActivityWalking, day.Add(time.Duration(i)*time.Hour), 30*time.Minute, 100)
	}
	h.seed(t, domain.ActivitySitting, day.AddDate(0, 0, 1), time.Hour, 0)

	rr := h.do(t, http.MethodGet, "/v1/activities?date=2024-03-11&limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[ListActivitiesResponse](t, rr)
	require.Len(t, page.Items, 2)
	require.Equal(t, day.Add(2*time.Hour), page.Items[0].StartTime.UTC())
	require.NotEmpty(t, page.NextCursor)

	page = decode[ListActivitiesResponse](t, h.do(t, http.MethodGet, "/v1/activities?date=2024-03-11&limit=2&cursor="+page.NextCursor, ""))
	require.Len(t, page.Items, 1)
	require.Empty(t, page.NextCursor)

	page = decode[ListActivitiesResponse](t, h.do(t, http.MethodGet, "/v1/activities?from=2024-03-11&to=2024-03-12&type=sitting", ""))
	require.Len(t, page.Items, 1)
	require.Equal(t, "Sitting", page.Items[0].ActivityType)
	require.Equal(t, "01:00:00", page.Items[0].Duration)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/activities?cursor=!!!", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/activities?from=yesterday", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/activities?from=2024-03-12&to=2024-03-10", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/activities?type=Flying", "").Code)
}

func TestDeleteActivity(t *testing.T) {
	h := newHarness(t)
	rec := h.seed(t, domain.ActivityDriving, time.Date(2024, time.March, 11, 8, 0, 0, 0, time.UTC), time.Hour, 0)

	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/v1/activities/"+itoa(rec.ID), "").Code)
	rr := h.do(t, http.MethodDelete, "/v1/activities/"+itoa(rec.ID), "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "not_found", decode[map[string]string](t, rr)["type"])
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodDelete, "/v1/activities/abc", "").Code)
}

func TestStatsEndpoints(t *testing.T) {
	h := newHarness(t)
	monday := time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)
	h.seed(t, domain.ActivityWalking, monday, time.Hour, 1500)
	h.seed(t, domain.ActivityWalking, monday.Add(3*time.Hour), time.Hour, 700)
	h.seed(t, domain.ActivityDriving, monday.AddDate(0, 0, 2), 70*time.Hour, 0)

	rr := h.do(t, http.MethodGet, "/v1/stats/daily?date=2024-04-01", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	daily := decode[DailySummaryResponse](t, rr)
	require.Equal(t, int64(2200), daily.Steps)
	require.Equal(t, "02:00:00", daily.Duration)
	require.Equal(t, 2, daily.ByType["Walking"].Count)
	require.Equal(t, "Today you walked 2200 steps. Keep it up!", daily.Reminder)

	rr = h.do(t, http.MethodGet, "/v1/stats/monthly?month=2024-04", "")
	require.Equal(t, http.StatusOK, rr.Code)
	monthly := decode[MonthlyCoverageResponse](t, rr)
	require.Equal(t, 10, monthly.RegisteredPercent)
	require.Equal(t, 90, monthly.UnknownPercent)

	rr = h.do(t, http.MethodGet, "/v1/stats/types?from=2024-04-01&to=2024-04-30", "")
	require.Equal(t, http.StatusOK, rr.Code)
	types := decode[TypeTotalsResponse](t, rr)
	require.Equal(t, (2 * time.Hour).Milliseconds(), types.Totals["Walking"])
	require.Equal(t, (70 * time.Hour).Milliseconds(), types.Totals["Driving"])

	rr = h.do(t, http.MethodGet, "/v1/stats/weekly-steps?offset=-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	weekly := decode[WeeklyStepsResponse](t, rr)
	require.Len(t, weekly.Days, 7)
	require.Equal(t, "Monday", weekly.Days[0].Weekday)
	require.Equal(t, -1, weekly.Offset)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/stats/daily?date=04/01/2024", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/stats/monthly?month=April", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/stats/weekly-steps?offset=x", "").Code)
}

func TestSessionEventStream(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(h.router)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/session/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	name, data := readEvent(t, reader)
	require.Equal(t, "status", name)
	require.False(t, decodeEvent(t, data).Status.Running)

	require.NoError(t, h.coord.StartManual(context.Background(), domain.ActivitySitting))
	name, data = readEvent(t, reader)
	require.Equal(t, string(session.EventStarted), name)
	require.Equal(t, "Sitting", decodeEvent(t, data).Status.ActivityType)

	_, err = h.coord.StopManual(context.Background())
	require.NoError(t, err)
	name, data = readEvent(t, reader)
	require.Equal(t, string(session.EventStopped), name)
	require.NotNil(t, decodeEvent(t, data).Record)
}

func readEvent(t *testing.T, reader *bufio.Reader) (string, []byte) {
	t.Helper()
	var name string
	var data []byte
	for {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		line = bytes.TrimRight(line, "\n")
		switch {
		case len(line) == 0:
			return name, data
		case bytes.HasPrefix(line, []byte("event: ")):
			name = string(line[len("event: "):])
		case bytes.HasPrefix(line, []byte("data: ")):
			data = append([]byte(nil), line[len("data: "):]...)
		}
	}
}

func decodeEvent(t *testing.T, data []byte) EventView {
	t.Helper()
	var view EventView
	require.NoError(t, json.Unmarshal(data, &view))
	return view
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
