package domain

import (
	"context"
	"time"
)

// Preferences is the small durable key-value state behind the in-progress session.
type Preferences struct {
	CurrentActivityType      string
	IsActivityRunning        bool
	CurrentActivityStartTime *int64 // epoch milliseconds; nil until a session starts
	IsRecognitionActive      bool
	UserPriority             bool
}

// StartTime returns the persisted start time and whether one was ever stored.
func (p Preferences) StartTime() (time.Time, bool) {
	if p.CurrentActivityStartTime == nil {
		return time.Time{}, false
	}
	return FromMillis(*p.CurrentActivityStartTime), true
}

// SetStartTime stores t, at millisecond precision, as the session start.
func (p *Preferences) SetStartTime(t time.Time) {
	ms := ToMillis(t)
	p.CurrentActivityStartTime = &ms
}

// ActivityType parses the persisted type; unset or corrupted values yield an error.
func (p Preferences) ActivityType() (ActivityType, error) {
	return ParseActivityType(p.CurrentActivityType)
}

// PreferenceStore persists Preferences.
//
// Read-after-write: once Update returns, every later Snapshot observes the change,
// even if the durable write has not reached disk yet. Subscribers may lag.
type PreferenceStore interface {
	Snapshot(ctx context.Context) (Preferences, error)
	Update(ctx context.Context, mutate func(*Preferences)) (Preferences, error)
	Subscribe(buffer int) (<-chan Preferences, func())
}

// RecordQuery selects records whose StartTime falls in [From, To). Zero bounds are open.
// List additionally honours Limit and resumes strictly after Cursor.
type RecordQuery struct {
	From   time.Time
	To     time.Time
	Type   ActivityType
	Limit  int
	Cursor *Cursor
}

// Cursor marks the last record of a page in newest-first order.
type Cursor struct {
	StartTime time.Time
	ID        int64
}

// TypeTotal aggregates records of one type.
type TypeTotal struct {
	Count    int
	Duration time.Duration
	Steps    int64
}

// Summary aggregates a set of records.
type Summary struct {
	Count    int
	Duration time.Duration
	Steps    int64
	ByType   map[ActivityType]TypeTotal
}

// RecordStore is the append-only Session Store.
type RecordStore interface {
	Insert(ctx context.Context, record ActivityRecord) (ActivityRecord, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, query RecordQuery) ([]ActivityRecord, error)
	Summarize(ctx context.Context, query RecordQuery) (Summary, error)
}
