package session

import (
	"time"

	"example.com/tracker/internal/domain"
)

// EventType identifies what changed in a published Event.
type EventType string

const (
	EventTick        EventType = "tick"
	EventStarted     EventType = "started"
	EventStopped     EventType = "stopped"
	EventRecognition EventType = "recognition"
	EventSteps       EventType = "steps"
)

// Status is the read-only projection of the in-progress session.
type Status struct {
	Running           bool
	Type              domain.ActivityType
	StartTime         time.Time
	Elapsed           time.Duration
	Formatted         string
	Steps             int64
	RecognitionActive bool
	Walking           bool
	At                time.Time
}

// Event is delivered to subscribers on every tick and state change.
type Event struct {
	Type   EventType
	Status Status
	// Record is set on EventStopped when a record was finalized.
	Record *domain.ActivityRecord
}
