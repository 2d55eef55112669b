package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Stats counts outbox rows by delivery state.
type Stats struct {
	Pending     int
	Published   int
	Quarantined int
}

// QuarantinedEvent is an event that exhausted its delivery attempts.
type QuarantinedEvent struct {
	EventID       int64
	EventType     string
	Topic         string
	Attempts      int
	LastError     string
	QuarantinedAt time.Time
}

// Quarantine inspects and releases events the Dispatcher gave up on.
type Quarantine struct {
	db *sql.DB
}

// NewQuarantine binds a Quarantine to the tracker database.
func NewQuarantine(db *sql.DB) *Quarantine {
	return &Quarantine{db: db}
}

// Stats reports how many outbox rows are pending, published and quarantined.
func (q *Quarantine) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT
            COALESCE(SUM(CASE WHEN published_ms IS NULL AND quarantined_ms IS NULL THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN published_ms IS NOT NULL THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN quarantined_ms IS NOT NULL THEN 1 ELSE 0 END), 0)
        FROM outbox`

	var stats Stats
	if err := q.db.QueryRowContext(ctx, query).Scan(&stats.Pending, &stats.Published, &stats.Quarantined); err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

// List returns up to limit quarantined events, oldest first.
func (q *Quarantine) List(ctx context.Context, limit int) ([]QuarantinedEvent, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT event_id, event_type, topic, attempts, COALESCE(last_error, ''), quarantined_ms
           FROM outbox WHERE quarantined_ms IS NOT NULL ORDER BY event_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list quarantined: %w", err)
	}
	defer rows.Close()

	out := make([]QuarantinedEvent, 0)
	for rows.Next() {
		var ev QuarantinedEvent
		var quarantinedMS int64
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.Topic, &ev.Attempts, &ev.LastError, &quarantinedMS); err != nil {
			return nil, fmt.Errorf("scan quarantined: %w", err)
		}
		ev.QuarantinedAt = time.UnixMilli(quarantinedMS)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Requeue returns up to limit quarantined events to the delivery queue with a fresh attempt budget.
func (q *Quarantine) Requeue(ctx context.Context, limit int) (int, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE outbox SET quarantined_ms = NULL, attempts = 0, next_attempt_ms = 0
          WHERE event_id IN (SELECT event_id FROM outbox WHERE quarantined_ms IS NOT NULL ORDER BY event_id LIMIT ?)`, limit)
	if err != nil {
		return 0, fmt.Errorf("requeue quarantined: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue quarantined: %w", err)
	}
	requeuedCounter.Add(float64(n))
	return int(n), nil
}

// PurgePublished deletes rows published before cutoff.
func (q *Quarantine) PurgePublished(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE published_ms IS NOT NULL AND published_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge published: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge published: %w", err)
	}
	return int(n), nil
}
