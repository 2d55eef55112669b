// Package events defines the event payloads exchanged over Kafka.
package events

import "time"

// Event type names carried in the event_type header.
const (
	TypeActivityRecorded   = "activity.recorded"
	TypeActivityDeleted    = "activity.deleted"
	TypeActivityTransition = "activity.transition"
)

// ActivityRecorded is emitted when a session is finalized into the Session Store.
type ActivityRecorded struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	RecordID   int64     `json:"record_id"`
	Type       string    `json:"activity_type"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMS int64     `json:"duration_ms"`
	Steps      int64     `json:"steps"`
}

// ActivityDeleted is emitted when the user removes a record.
type ActivityDeleted struct {
	EventID   string    `json:"event_id"`
	DeviceID  string    `json:"device_id"`
	RecordID  int64     `json:"record_id"`
	DeletedAt time.Time `json:"deleted_at"`
}
