package domain

import (
	"fmt"
	"strings"
	"time"
)

// ActivityType is the coarse activity class tracked by a session.
type ActivityType string

const (
	ActivityWalking ActivityType = "Walking"
	ActivityDriving ActivityType = "Driving"
	ActivitySitting ActivityType = "Sitting"
	ActivityUnknown ActivityType = "Unknown"
)

// ActivityTypes lists every known type in display order.
var ActivityTypes = []ActivityType{ActivityWalking, ActivityDriving, ActivitySitting, ActivityUnknown}

// ParseActivityType accepts the persisted name ("Walking") or the enum name ("WALKING"), case-insensitively.
func ParseActivityType(value string) (ActivityType, error) {
	trimmed := strings.TrimSpace(value)
	for _, t := range ActivityTypes {
		if strings.EqualFold(trimmed, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidActivityType, value)
}

// Valid reports whether t is one of the known activity types.
func (t ActivityType) Valid() bool {
	for _, known := range ActivityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsWalking reports whether the step counter should be listening for this type.
func (t ActivityType) IsWalking() bool {
	return t == ActivityWalking
}

// ActivityRecord is a finalized session as stored in the Session Store.
type ActivityRecord struct {
	ID        int64
	Type      ActivityType
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Steps     int64
}

// NewActivityRecord builds a record, always deriving Duration from the interval.
// Timestamps are truncated to the millisecond, the unit the stores persist.
func NewActivityRecord(activityType ActivityType, start, end time.Time, steps int64) (ActivityRecord, error) {
	if !activityType.Valid() {
		return ActivityRecord{}, fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, activityType)
	}
	start = TruncateMillis(start)
	end = TruncateMillis(end)
	if start.IsZero() {
		return ActivityRecord{}, fmt.Errorf("%w: missing start time", ErrInvalidRecord)
	}
	if end.Before(start) {
		return ActivityRecord{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidRecord, end, start)
	}
	if steps < 0 {
		return ActivityRecord{}, fmt.Errorf("%w: negative steps %d", ErrInvalidRecord, steps)
	}
	return ActivityRecord{
		Type:      activityType,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Steps:     steps,
	}, nil
}

// TruncateMillis drops sub-millisecond precision and the monotonic clock reading.
func TruncateMillis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}

// FromMillis converts a stored epoch-millisecond value.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// ToMillis converts t to epoch milliseconds; the zero time maps to zero.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
