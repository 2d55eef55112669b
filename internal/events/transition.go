package events

import "time"

// Transition directions.
const (
	TransitionEnter = "enter"
	TransitionExit  = "exit"
)

// ActivityTransition is an enter/exit event for a coarse activity class.
type ActivityTransition struct {
	EventID      string    `json:"event_id"`
	ActivityType string    `json:"activity_type"`
	Transition   string    `json:"transition"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Entering reports whether the transition opens the activity.
func (t ActivityTransition) Entering() bool {
	return t.Transition == TransitionEnter
}
