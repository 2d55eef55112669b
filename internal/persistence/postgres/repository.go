// Package postgres holds the backup mirror of every device's Session Store.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/events"
	"example.com/tracker/internal/persistence"
)

//go:embed schema.sql
var schema string

// MirroredRecord is an activity record as replicated from a device.
type MirroredRecord struct {
	DeviceID string
	Record   domain.ActivityRecord
	EventID  string
	SyncedAt time.Time
}

// Repository persists mirrored records in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the mirror tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate mirror schema: %w", err)
	}
	return nil
}

// UpsertRecord stores a recorded event. Redelivered events and records deleted
// earlier are ignored.
func (r *Repository) UpsertRecord(ctx context.Context, event events.ActivityRecorded) error {
	if event.DeviceID == "" {
		return fmt.Errorf("activity.recorded %s: missing device id", event.EventID)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var tombstoned bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM mirrored_deletions WHERE device_id=$1 AND record_id=$2)`,
		event.DeviceID, event.RecordID,
	).Scan(&tombstoned); err != nil {
		return err
	}
	if tombstoned {
		return tx.Commit(ctx)
	}

	const stmt = `INSERT INTO mirrored_records (device_id, record_id, activity_type, start_time, end_time, duration_ms, steps, event_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (device_id, record_id) DO NOTHING`

	if _, err := tx.Exec(ctx, stmt,
		event.DeviceID,
		event.RecordID,
		event.Type,
		event.StartTime.UTC(),
		event.EndTime.UTC(),
		event.DurationMS,
		event.Steps,
		event.EventID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteRecord removes a mirrored record and leaves a tombstone so a late
// redelivery of the recorded event cannot resurrect it.
func (r *Repository) DeleteRecord(ctx context.Context, event events.ActivityDeleted) error {
	if event.DeviceID == "" {
		return fmt.Errorf("activity.deleted %s: missing device id", event.EventID)
	}
	deletedAt := event.DeletedAt
	if deletedAt.IsZero() {
		deletedAt = time.Now()
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM mirrored_records WHERE device_id=$1 AND record_id=$2`, event.DeviceID, event.RecordID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO mirrored_deletions (device_id, record_id, event_id, deleted_at) VALUES ($1,$2,$3,$4)
         ON CONFLICT (device_id, record_id) DO NOTHING`,
		event.DeviceID, event.RecordID, event.EventID, deletedAt.UTC(),
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListByDevice returns mirrored records for a device, newest first.
func (r *Repository) ListByDevice(ctx context.Context, deviceID string, cursor *domain.Cursor, limit int) ([]MirroredRecord, *domain.Cursor, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []interface{}{deviceID, limit}
	query := `SELECT device_id, record_id, activity_type, start_time, end_time, duration_ms, steps, event_id, synced_at
        FROM mirrored_records WHERE device_id=$1`

	if cursor != nil {
		query += ` AND (start_time, record_id) < ($3, $4)`
		args = append(args, cursor.StartTime.UTC(), cursor.ID)
	}

	query += ` ORDER BY start_time DESC, record_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]MirroredRecord, 0, limit)
	records := make([]domain.ActivityRecord, 0, limit)
	for rows.Next() {
		var (
			m          MirroredRecord
			typ        string
			durationMS int64
		)
		if err := rows.Scan(&m.DeviceID, &m.Record.ID, &typ, &m.Record.StartTime, &m.Record.EndTime, &durationMS, &m.Record.Steps, &m.EventID, &m.SyncedAt); err != nil {
			return nil, nil, err
		}
		m.Record.Type = domain.ActivityType(typ)
		m.Record.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, m)
		records = append(records, m.Record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return results, persistence.NextCursor(records, limit), nil
}
