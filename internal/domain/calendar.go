package domain

import (
	"fmt"
	"strings"
	"time"
)

// DayBounds returns [start of day, start of next day) for t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// WeekBounds returns the Monday-first week containing t, shifted by offset weeks.
func WeekBounds(t time.Time, offset int, loc *time.Location) (time.Time, time.Time) {
	dayStart, _ := DayBounds(t, loc)
	// time.Weekday has Sunday as 0; shift so Monday is 0.
	sinceMonday := (int(dayStart.Weekday()) + 6) % 7
	start := dayStart.AddDate(0, 0, -sinceMonday+7*offset)
	return start, start.AddDate(0, 0, 7)
}

// MonthBounds returns [first day of month, first day of next month) for t in loc.
func MonthBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// WeekdayIndex maps t to 0 for Monday through 6 for Sunday.
func WeekdayIndex(t time.Time, loc *time.Location) int {
	return (int(t.In(loc).Weekday()) + 6) % 7
}

// ParseWindow reads optional from/to bounds given as RFC3339 or YYYY-MM-DD in loc.
// A date-only "to" includes that whole day.
func ParseWindow(rawFrom, rawTo string, loc *time.Location) (time.Time, time.Time, error) {
	from, _, err := parseInstant(rawFrom, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
	}
	to, dateOnly, err := parseInstant(rawTo, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
	}
	if dateOnly {
		_, to = DayBounds(to, loc)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must not be before from")
	}
	return from, to, nil
}

// ParseDay parses YYYY-MM-DD in loc.
func ParseDay(raw string, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(raw), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD, got %q", raw)
	}
	return day, nil
}

// ParseMonth parses YYYY-MM in loc.
func ParseMonth(raw string, loc *time.Location) (time.Time, error) {
	month, err := time.ParseInLocation("2006-01", strings.TrimSpace(raw), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("month must be YYYY-MM, got %q", raw)
	}
	return month, nil
}

func parseInstant(raw string, loc *time.Location) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, false, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", raw)
	}
	return t, true, nil
}
