//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/events"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("tracker"),
		postgrescontainer.WithUsername("tracker"),
		postgrescontainer.WithPassword("tracker"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// Migrate is idempotent.
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func recorded(deviceID string, id int64, start time.Time) events.ActivityRecorded {
	return events.ActivityRecorded{
		EventID:    uuid.NewString(),
		DeviceID:   deviceID,
		RecordID:   id,
		Type:       string(domain.ActivityWalking),
		StartTime:  start,
		EndTime:    start.Add(10 * time.Minute),
		DurationMS: (10 * time.Minute).Milliseconds(),
		Steps:      900,
	}
}

func TestRepositoryMirrorsRecordsPerDevice(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupPool(t))

	base := time.UnixMilli(1_710_000_000_000).UTC()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, repo.UpsertRecord(ctx, recorded("device-a", i, base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, repo.UpsertRecord(ctx, recorded("device-b", 1, base)))

	// Redelivery is a no-op.
	require.NoError(t, repo.UpsertRecord(ctx, recorded("device-a", 1, base.Add(time.Hour))))

	page, next, err := repo.ListByDevice(ctx, "device-a", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(3), page[0].Record.ID)
	require.Equal(t, int64(2), page[1].Record.ID)
	require.Equal(t, 10*time.Minute, page[0].Record.Duration)
	require.NotNil(t, next)

	rest, next, err := repo.ListByDevice(ctx, "device-a", next, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, int64(1), rest[0].Record.ID)
	require.Nil(t, next)

	other, _, err := repo.ListByDevice(ctx, "device-b", nil, 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestRepositoryDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(setupPool(t))

	start := time.UnixMilli(1_710_000_000_000).UTC()
	event := recorded("device-a", 5, start)
	require.NoError(t, repo.UpsertRecord(ctx, event))

	require.NoError(t, repo.DeleteRecord(ctx, events.ActivityDeleted{
		EventID:   uuid.NewString(),
		DeviceID:  "device-a",
		RecordID:  5,
		DeletedAt: start.Add(time.Hour),
	}))

	// A late redelivery must not bring the record back.
	require.NoError(t, repo.UpsertRecord(ctx, event))

	page, _, err := repo.ListByDevice(ctx, "device-a", nil, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestRepositoryRejectsMissingDevice(t *testing.T) {
	repo := NewRepository(setupPool(t))
	require.Error(t, repo.UpsertRecord(context.Background(), recorded("", 1, time.Now())))
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
