// Package domain defines the activity records, session state and history statistics of the tracker.
package domain

import (
	"context"
	"fmt"
	"time"
)

// DailyStepsGoal separates the encouraging reminder from the nudging one.
const DailyStepsGoal = 2000

// Service answers history and statistics queries over the Session Store.
type Service struct {
	repo RecordStore
	loc  *time.Location
	now  func() time.Time
}

// NewService constructs a Service computing calendar windows in loc.
func NewService(repo RecordStore, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{repo: repo, loc: loc, now: time.Now}
}

// Location returns the zone used for day, week and month windows.
func (s *Service) Location() *time.Location {
	return s.loc
}

// ListActivities returns records matching query, newest first.
func (s *Service) ListActivities(ctx context.Context, query RecordQuery) ([]ActivityRecord, error) {
	return s.repo.List(ctx, query)
}

// ListActivitiesByDay returns records started on the day containing day.
func (s *Service) ListActivitiesByDay(ctx context.Context, day time.Time) ([]ActivityRecord, error) {
	from, to := DayBounds(day, s.loc)
	return s.repo.List(ctx, RecordQuery{From: from, To: to})
}

// DeleteActivity removes a record by id.
func (s *Service) DeleteActivity(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

// DailySummary aggregates the day containing day.
type DailySummary struct {
	Day      time.Time
	Duration time.Duration
	Steps    int64
	ByType   map[ActivityType]TypeTotal
	Reminder string
}

// GetDailySummary totals duration and steps for the day containing day.
func (s *Service) GetDailySummary(ctx context.Context, day time.Time) (DailySummary, error) {
	from, to := DayBounds(day, s.loc)
	summary, err := s.repo.Summarize(ctx, RecordQuery{From: from, To: to})
	if err != nil {
		return DailySummary{}, err
	}
	return DailySummary{
		Day:      from,
		Duration: summary.Duration,
		Steps:    summary.Steps,
		ByType:   summary.ByType,
		Reminder: StepsReminder(summary.Steps),
	}, nil
}

// StepsReminder is the text of the daily steps notification.
func StepsReminder(steps int64) string {
	if steps > DailyStepsGoal {
		return fmt.Sprintf("Today you walked %d steps. Keep it up!", steps)
	}
	return fmt.Sprintf("You walked only %d steps. Walk more!", steps)
}

// WeeklySteps holds steps per weekday, Monday first.
type WeeklySteps struct {
	Start time.Time
	End   time.Time
	Days  [7]int64
}

// GetWeeklySteps groups steps by weekday for the current week shifted by offset weeks.
func (s *Service) GetWeeklySteps(ctx context.Context, offset int) (WeeklySteps, error) {
	from, to := WeekBounds(s.now(), offset, s.loc)
	records, err := s.repo.List(ctx, RecordQuery{From: from, To: to})
	if err != nil {
		return WeeklySteps{}, err
	}
	out := WeeklySteps{Start: from, End: to}
	for _, rec := range records {
		out.Days[WeekdayIndex(rec.StartTime, s.loc)] += rec.Steps
	}
	return out, nil
}

// MonthlyCoverage compares registered time against the length of the month.
type MonthlyCoverage struct {
	Start             time.Time
	End               time.Time
	Registered        time.Duration
	Total             time.Duration
	RegisteredPercent int
	UnknownPercent    int
}

// GetMonthlyCoverage reports which share of the month containing month was recorded.
func (s *Service) GetMonthlyCoverage(ctx context.Context, month time.Time) (MonthlyCoverage, error) {
	from, to := MonthBounds(month, s.loc)
	summary, err := s.repo.Summarize(ctx, RecordQuery{From: from, To: to})
	if err != nil {
		return MonthlyCoverage{}, err
	}
	total := to.Sub(from)
	registered := summary.Duration
	unknown := total - registered
	if unknown < 0 {
		unknown = 0
	}
	return MonthlyCoverage{
		Start:             from,
		End:               to,
		Registered:        registered,
		Total:             total,
		RegisteredPercent: int(registered * 100 / total),
		UnknownPercent:    int(unknown * 100 / total),
	}, nil
}

// GetTypeTotals sums duration per activity type for records started in [from, to).
func (s *Service) GetTypeTotals(ctx context.Context, from, to time.Time) (map[ActivityType]time.Duration, error) {
	summary, err := s.repo.Summarize(ctx, RecordQuery{From: from, To: to})
	if err != nil {
		return nil, err
	}
	out := make(map[ActivityType]time.Duration, len(ActivityTypes))
	for _, t := range ActivityTypes {
		out[t] = summary.ByType[t].Duration
	}
	return out, nil
}
