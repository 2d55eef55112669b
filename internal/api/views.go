package api

import (
	"errors"
	"strings"
	"time"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/events"
	"example.com/tracker/internal/session"
)

// ActivityTypeRequest selects an activity type.
type ActivityTypeRequest struct {
	ActivityType string `json:"activity_type"`
}

// TransitionRequest is the payload for POST /v1/transitions. Either Entering
// or Transition ("enter"/"exit") must be set.
type TransitionRequest struct {
	EventID      string `json:"event_id"`
	ActivityType string `json:"activity_type"`
	Entering     *bool  `json:"entering"`
	Transition   string `json:"transition"`
}

// Event converts the request to a transition event.
func (r TransitionRequest) Event() (events.ActivityTransition, error) {
	if strings.TrimSpace(r.ActivityType) == "" {
		return events.ActivityTransition{}, errors.New("activity_type is required")
	}
	direction := r.Transition
	if r.Entering != nil {
		direction = events.TransitionExit
		if *r.Entering {
			direction = events.TransitionEnter
		}
	}
	if direction == "" {
		return events.ActivityTransition{}, errors.New("entering is required")
	}
	return events.ActivityTransition{
		EventID:      r.EventID,
		ActivityType: r.ActivityType,
		Transition:   direction,
		OccurredAt:   time.Now().UTC(),
	}, nil
}

// StepsRequest carries a raw cumulative step counter reading.
type StepsRequest struct {
	Count *int64 `json:"count"`
}

// StepsResponse reports whether a listener received the reading.
type StepsResponse struct {
	Delivered bool `json:"delivered"`
}

// RecognitionResponse reports the recognition flag.
type RecognitionResponse struct {
	Active bool `json:"recognition_active"`
}

// StatusView is the JSON form of session.Status.
type StatusView struct {
	Running           bool       `json:"running"`
	ActivityType      string     `json:"activity_type,omitempty"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	ElapsedMS         int64      `json:"elapsed_ms"`
	Elapsed           string     `json:"elapsed"`
	Steps             int64      `json:"steps"`
	Walking           bool       `json:"walking"`
	RecognitionActive bool       `json:"recognition_active"`
	At                time.Time  `json:"at"`
}

// RecordView is the JSON form of an activity record.
type RecordView struct {
	ID           int64     `json:"id"`
	ActivityType string    `json:"activity_type"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	DurationMS   int64     `json:"duration_ms"`
	Duration     string    `json:"duration"`
	Steps        int64     `json:"steps"`
}

// SessionChangeResponse is returned by stop and change.
type SessionChangeResponse struct {
	Record *RecordView `json:"record,omitempty"`
	Status StatusView  `json:"status"`
}

// EventView is the data of one server-sent event.
type EventView struct {
	Status StatusView  `json:"status"`
	Record *RecordView `json:"record,omitempty"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []RecordView `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// TypeTotalView aggregates one activity type.
type TypeTotalView struct {
	Count      int   `json:"count"`
	DurationMS int64 `json:"duration_ms"`
	Steps      int64 `json:"steps"`
}

// DailySummaryResponse is returned by GET /v1/stats/daily.
type DailySummaryResponse struct {
	Day        time.Time                `json:"day"`
	DurationMS int64                    `json:"duration_ms"`
	Duration   string                   `json:"duration"`
	Steps      int64                    `json:"steps"`
	ByType     map[string]TypeTotalView `json:"by_type"`
	Reminder   string                   `json:"reminder"`
}

// DaySteps is one weekday bar.
type DaySteps struct {
	Weekday string `json:"weekday"`
	Steps   int64  `json:"steps"`
}

// WeeklyStepsResponse is returned by GET /v1/stats/weekly-steps.
type WeeklyStepsResponse struct {
	Start  time.Time  `json:"start"`
	End    time.Time  `json:"end"`
	Offset int        `json:"offset"`
	Days   []DaySteps `json:"days"`
}

// MonthlyCoverageResponse is returned by GET /v1/stats/monthly.
type MonthlyCoverageResponse struct {
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	RegisteredMS      int64     `json:"registered_ms"`
	TotalMS           int64     `json:"total_ms"`
	RegisteredPercent int       `json:"registered_percent"`
	UnknownPercent    int       `json:"unknown_percent"`
}

// TypeTotalsResponse is returned by GET /v1/stats/types.
type TypeTotalsResponse struct {
	From   *time.Time       `json:"from,omitempty"`
	To     *time.Time       `json:"to,omitempty"`
	Totals map[string]int64 `json:"duration_ms"`
}

var weekdays = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

func toStatusView(status session.Status) StatusView {
	view := StatusView{
		Running:           status.Running,
		ActivityType:      string(status.Type),
		ElapsedMS:         status.Elapsed.Milliseconds(),
		Elapsed:           status.Formatted,
		Steps:             status.Steps,
		Walking:           status.Walking,
		RecognitionActive: status.RecognitionActive,
		At:                status.At,
	}
	if !status.StartTime.IsZero() {
		start := status.StartTime
		view.StartTime = &start
	}
	return view
}

func toRecordView(rec domain.ActivityRecord) RecordView {
	return RecordView{
		ID:           rec.ID,
		ActivityType: string(rec.Type),
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		DurationMS:   rec.Duration.Milliseconds(),
		Duration:     session.FormatElapsed(rec.Duration),
		Steps:        rec.Steps,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
