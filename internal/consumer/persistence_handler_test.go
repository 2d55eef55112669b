package consumer

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/tracker/internal/events"
)

type memoryMirror struct {
	recorded []events.ActivityRecorded
	deleted  []events.ActivityDeleted
	err      error
}

func (m *memoryMirror) UpsertRecord(_ context.Context, event events.ActivityRecorded) error {
	if m.err != nil {
		return m.err
	}
	m.recorded = append(m.recorded, event)
	return nil
}

func (m *memoryMirror) DeleteRecord(_ context.Context, event events.ActivityDeleted) error {
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, event)
	return nil
}

func TestPersistenceHandlerRoutesByEventType(t *testing.T) {
	ctx := context.Background()
	mirror := &memoryMirror{}
	handler := NewPersistenceHandler(mirror, log.New(testWriter{t}, "", 0))

	require.NoError(t, handler.Handle(ctx, Message{
		EventType: events.TypeActivityRecorded,
		DeviceID:  "device-1",
		Payload:   []byte(`{"event_id":"e1","record_id":3,"activity_type":"Walking","start_time":"2024-03-09T16:00:00Z","end_time":"2024-03-09T16:10:00Z","duration_ms":600000,"steps":800}`),
	}))
	require.NoError(t, handler.Handle(ctx, Message{
		EventType: events.TypeActivityDeleted,
		DeviceID:  "device-1",
		Payload:   []byte(`{"event_id":"e2","device_id":"device-1","record_id":3}`),
	}))

	require.Len(t, mirror.recorded, 1)
	rec := mirror.recorded[0]
	require.Equal(t, "device-1", rec.DeviceID, "device id falls back to the message header")
	require.Equal(t, int64(3), rec.RecordID)
	require.Equal(t, int64(800), rec.Steps)
	require.Equal(t, 10*time.Minute, rec.EndTime.Sub(rec.StartTime))

	require.Len(t, mirror.deleted, 1)
	require.Equal(t, int64(3), mirror.deleted[0].RecordID)
}

func TestPersistenceHandlerSkipsUnknownAndUndecodable(t *testing.T) {
	ctx := context.Background()
	mirror := &memoryMirror{}
	handler := NewPersistenceHandler(mirror, log.New(testWriter{t}, "", 0))

	require.NoError(t, handler.Handle(ctx, Message{EventType: "activity.renamed", Payload: []byte(`{}`)}))
	require.NoError(t, handler.Handle(ctx, Message{EventType: events.TypeActivityRecorded, Payload: []byte(`[1,2]`)}))
	require.Empty(t, mirror.recorded)
}

func TestPersistenceHandlerSurfacesStoreErrors(t *testing.T) {
	mirror := &memoryMirror{err: errors.New("connection refused")}
	handler := NewPersistenceHandler(mirror, log.New(testWriter{t}, "", 0))

	err := handler.Handle(context.Background(), Message{
		EventType: events.TypeActivityDeleted,
		DeviceID:  "device-1",
		Payload:   []byte(`{"record_id":1}`),
	})
	require.ErrorContains(t, err, "connection refused")
}
