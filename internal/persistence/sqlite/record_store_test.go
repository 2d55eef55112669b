package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/events"
)

var base = time.UnixMilli(1_710_000_000_000)

func openStore(t *testing.T) (*sql.DB, *RecordStore) {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewRecordStore(db, WithDeviceID("device-1"))
	require.NoError(t, err)
	return db, store
}

func insert(t *testing.T, store *RecordStore, typ domain.ActivityType, offset, d time.Duration, steps int64) domain.ActivityRecord {
	t.Helper()
	rec, err := domain.NewActivityRecord(typ, base.Add(offset), base.Add(offset+d), steps)
	require.NoError(t, err)
	stored, err := store.Insert(context.Background(), rec)
	require.NoError(t, err)
	require.NotZero(t, stored.ID)
	return stored
}

func TestOpenMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tracker.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	var version int
	require.NoError(t, db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version))
	require.Equal(t, SchemaVersion, version)
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestInsertWritesOutboxRow(t *testing.T) {
	db, store := openStore(t)
	rec := insert(t, store, domain.ActivityWalking, 0, 10*time.Second, 30)

	var (
		eventType, topic, key string
		payload               []byte
	)
	require.NoError(t, db.QueryRow(`SELECT event_type, topic, partition_key, payload FROM outbox`).Scan(&eventType, &topic, &key, &payload))
	require.Equal(t, events.TypeActivityRecorded, eventType)
	require.Equal(t, DefaultRecordsTopic, topic)
	require.Equal(t, "device-1", key)

	var event events.ActivityRecorded
	require.NoError(t, json.Unmarshal(payload, &event))
	require.Equal(t, rec.ID, event.RecordID)
	require.Equal(t, "Walking", event.Type)
	require.Equal(t, int64(10_000), event.DurationMS)
	require.Equal(t, int64(30), event.Steps)
	require.NotEmpty(t, event.EventID)
}

func TestInsertRejectsInvalidRecord(t *testing.T) {
	_, store := openStore(t)
	_, err := store.Insert(context.Background(), domain.ActivityRecord{
		Type:      domain.ActivityWalking,
		StartTime: base,
		EndTime:   base.Add(-time.Second),
	})
	require.ErrorIs(t, err, domain.ErrInvalidRecord)
}

func TestListNewestFirstWithinWindow(t *testing.T) {
	_, store := openStore(t)
	first := insert(t, store, domain.ActivityWalking, 0, time.Minute, 10)
	second := insert(t, store, domain.ActivityDriving, time.Hour, time.Minute, 0)
	third := insert(t, store, domain.ActivityWalking, 2*time.Hour, time.Minute, 20)

	all, err := store.List(context.Background(), domain.RecordQuery{})
	require.NoError(t, err)
	require.Equal(t, []int64{third.ID, second.ID, first.ID}, ids(all))
	require.Equal(t, time.Minute, all[0].Duration)
	require.True(t, all[2].StartTime.Equal(base))

	window, err := store.List(context.Background(), domain.RecordQuery{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, []int64{second.ID}, ids(window))

	walking, err := store.List(context.Background(), domain.RecordQuery{Type: domain.ActivityWalking})
	require.NoError(t, err)
	require.Equal(t, []int64{third.ID, first.ID}, ids(walking))
}

func TestListPaginatesWithCursor(t *testing.T) {
	_, store := openStore(t)
	var want []int64
	for i := 0; i < 5; i++ {
		want = append([]int64{insert(t, store, domain.ActivitySitting, time.Duration(i)*time.Minute, time.Second, 0).ID}, want...)
	}

	var got []int64
	query := domain.RecordQuery{Limit: 2}
	for {
		page, err := store.List(context.Background(), query)
		require.NoError(t, err)
		got = append(got, ids(page)...)
		if len(page) < query.Limit {
			break
		}
		last := page[len(page)-1]
		query.Cursor = &domain.Cursor{StartTime: last.StartTime, ID: last.ID}
	}
	require.Equal(t, want, got)
}

func TestSummarizeByType(t *testing.T) {
	_, store := openStore(t)
	insert(t, store, domain.ActivityWalking, 0, 10*time.Minute, 1000)
	insert(t, store, domain.ActivityWalking, time.Hour, 5*time.Minute, 500)
	insert(t, store, domain.ActivityDriving, 2*time.Hour, time.Hour, 0)

	summary, err := store.Summarize(context.Background(), domain.RecordQuery{})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Count)
	require.Equal(t, 75*time.Minute, summary.Duration)
	require.Equal(t, int64(1500), summary.Steps)
	require.Equal(t, domain.TypeTotal{Count: 2, Duration: 15 * time.Minute, Steps: 1500}, summary.ByType[domain.ActivityWalking])

	empty, err := store.Summarize(context.Background(), domain.RecordQuery{From: base.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Zero(t, empty.Count)
	require.NotNil(t, empty.ByType)
}

func TestDeleteRecord(t *testing.T) {
	db, store := openStore(t)
	rec := insert(t, store, domain.ActivitySitting, 0, time.Minute, 0)

	require.NoError(t, store.Delete(context.Background(), rec.ID))
	require.ErrorIs(t, store.Delete(context.Background(), rec.ID), domain.ErrRecordNotFound)

	remaining, err := store.List(context.Background(), domain.RecordQuery{})
	require.NoError(t, err)
	require.Empty(t, remaining)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE event_type = ?`, events.TypeActivityDeleted).Scan(&count))
	require.Equal(t, 1, count)
}

func ids(records []domain.ActivityRecord) []int64 {
	out := make([]int64, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ID)
	}
	return out
}
