package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/events"
	"example.com/tracker/internal/observability"
)

// DefaultRecordsTopic receives activity.recorded and activity.deleted events.
const DefaultRecordsTopic = "activity_records"

// Option configures a RecordStore.
type Option func(*RecordStore)

// WithDeviceID sets the device id stamped on outbox events and used as partition key.
func WithDeviceID(id string) Option {
	return func(s *RecordStore) {
		if id != "" {
			s.deviceID = id
		}
	}
}

// WithTopic overrides the outbox topic.
func WithTopic(topic string) Option {
	return func(s *RecordStore) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// RecordStore implements domain.RecordStore. Every mutation writes an outbox row
// in the same transaction.
type RecordStore struct {
	db       *sql.DB
	deviceID string
	topic    string
	now      func() time.Time
}

// NewRecordStore binds a RecordStore to an opened database.
func NewRecordStore(db *sql.DB, opts ...Option) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	s := &RecordStore{db: db, deviceID: "local", topic: DefaultRecordsTopic, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Insert appends record and returns it with its assigned ID.
func (s *RecordStore) Insert(ctx context.Context, record domain.ActivityRecord) (domain.ActivityRecord, error) {
	rec, err := domain.NewActivityRecord(record.Type, record.StartTime, record.EndTime, record.Steps)
	if err != nil {
		return domain.ActivityRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActivityRecord{}, fmt.Errorf("insert record: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO activity_records (type, start_ms, end_ms, duration_ms, steps) VALUES (?, ?, ?, ?, ?)`,
		string(rec.Type), domain.ToMillis(rec.StartTime), domain.ToMillis(rec.EndTime), rec.Duration.Milliseconds(), rec.Steps,
	)
	if err != nil {
		return domain.ActivityRecord{}, fmt.Errorf("insert record: %w", err)
	}
	if rec.ID, err = result.LastInsertId(); err != nil {
		return domain.ActivityRecord{}, fmt.Errorf("insert record: last insert id: %w", err)
	}

	eventID := uuid.NewString()
	if err := s.insertOutbox(ctx, tx, rec.ID, events.TypeActivityRecorded, events.ActivityRecorded{
		EventID:    eventID,
		DeviceID:   s.deviceID,
		RecordID:   rec.ID,
		Type:       string(rec.Type),
		StartTime:  rec.StartTime.UTC(),
		EndTime:    rec.EndTime.UTC(),
		DurationMS: rec.Duration.Milliseconds(),
		Steps:      rec.Steps,
	}); err != nil {
		return domain.ActivityRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.ActivityRecord{}, fmt.Errorf("insert record: commit: %w", err)
	}
	observability.RecordActivityPersisted(rec.EndTime)
	return rec, nil
}

// Delete removes the record with id.
func (s *RecordStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete record: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM activity_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record: rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrRecordNotFound
	}

	eventID := uuid.NewString()
	if err := s.insertOutbox(ctx, tx, id, events.TypeActivityDeleted, events.ActivityDeleted{
		EventID:   eventID,
		DeviceID:  s.deviceID,
		RecordID:  id,
		DeletedAt: s.now().UTC(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete record: commit: %w", err)
	}
	return nil
}

func (s *RecordStore) insertOutbox(ctx context.Context, tx *sql.Tx, recordID int64, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	// AUTOINCREMENT ids are never reused, so each record emits each event type once.
	dedupeKey := fmt.Sprintf("%s:%d:%s", s.deviceID, recordID, eventType)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (aggregate_id, event_type, topic, partition_key, payload, dedupe_key, created_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strconv.FormatInt(recordID, 10), eventType, s.topic, s.deviceID, body, dedupeKey, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", eventType, err)
	}
	return nil
}

// List returns records matching query, newest first.
func (s *RecordStore) List(ctx context.Context, query domain.RecordQuery) ([]domain.ActivityRecord, error) {
	where, args := whereClause(query)
	if query.Cursor != nil {
		where = append(where, "(start_ms, id) < (?, ?)")
		args = append(args, domain.ToMillis(query.Cursor.StartTime), query.Cursor.ID)
	}

	stmt := `SELECT id, type, start_ms, end_ms, duration_ms, steps FROM activity_records`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY start_ms DESC, id DESC"
	if query.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.ActivityRecord, 0)
	for rows.Next() {
		var (
			rec                        domain.ActivityRecord
			typ                        string
			startMS, endMS, durationMS int64
		)
		if err := rows.Scan(&rec.ID, &typ, &startMS, &endMS, &durationMS, &rec.Steps); err != nil {
			return nil, fmt.Errorf("list records: scan: %w", err)
		}
		rec.Type = domain.ActivityType(typ)
		rec.StartTime = domain.FromMillis(startMS)
		rec.EndTime = domain.FromMillis(endMS)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// Summarize aggregates the records matching query.
func (s *RecordStore) Summarize(ctx context.Context, query domain.RecordQuery) (domain.Summary, error) {
	where, args := whereClause(query)
	stmt := `SELECT type, COUNT(*), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(steps), 0) FROM activity_records`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " GROUP BY type"

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("summarize records: %w", err)
	}
	defer rows.Close()

	summary := domain.Summary{ByType: make(map[domain.ActivityType]domain.TypeTotal)}
	for rows.Next() {
		var (
			typ        string
			count      int
			durationMS int64
			steps      int64
		)
		if err := rows.Scan(&typ, &count, &durationMS, &steps); err != nil {
			return domain.Summary{}, fmt.Errorf("summarize records: scan: %w", err)
		}
		total := domain.TypeTotal{Count: count, Duration: time.Duration(durationMS) * time.Millisecond, Steps: steps}
		summary.ByType[domain.ActivityType(typ)] = total
		summary.Count += total.Count
		summary.Duration += total.Duration
		summary.Steps += total.Steps
	}
	if err := rows.Err(); err != nil {
		return domain.Summary{}, fmt.Errorf("summarize records: %w", err)
	}
	return summary, nil
}

func whereClause(query domain.RecordQuery) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if !query.From.IsZero() {
		where = append(where, "start_ms >= ?")
		args = append(args, domain.ToMillis(query.From))
	}
	if !query.To.IsZero() {
		where = append(where, "start_ms < ?")
		args = append(args, domain.ToMillis(query.To))
	}
	if query.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(query.Type))
	}
	return where, args
}
