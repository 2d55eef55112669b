package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/persistence"
	"example.com/tracker/internal/session"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := h.service.Location()

	query := domain.RecordQuery{Limit: defaultPageSize}
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > maxPageSize {
				parsed = maxPageSize
			}
			query.Limit = parsed
		}
	}

	if raw := q.Get("date"); raw != "" {
		day, err := domain.ParseDay(raw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		query.From, query.To = domain.DayBounds(day, loc)
	} else {
		var err error
		if query.From, query.To, err = domain.ParseWindow(q.Get("from"), q.Get("to"), loc); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
	}

	if raw := q.Get("type"); raw != "" {
		activityType, err := domain.ParseActivityType(raw)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		query.Type = activityType
	}

	cursor, err := persistence.DecodeCursor(q.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}
	query.Cursor = cursor

	records, err := h.service.ListActivities(r.Context(), query)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]RecordView, 0, len(records))
	for _, rec := range records {
		items = append(items, toRecordView(rec))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(persistence.NextCursor(records, query.Limit)),
	})
}

func (h *Handler) deleteActivity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "activity id must be a positive integer")
		return
	}
	if err := h.service.DeleteActivity(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) dailyStats(w http.ResponseWriter, r *http.Request) {
	loc := h.service.Location()
	day := time.Now().In(loc)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := domain.ParseDay(raw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		day = parsed
	}

	summary, err := h.service.GetDailySummary(r.Context(), day)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	byType := make(map[string]TypeTotalView, len(summary.ByType))
	for activityType, total := range summary.ByType {
		byType[string(activityType)] = TypeTotalView{
			Count:      total.Count,
			DurationMS: total.Duration.Milliseconds(),
			Steps:      total.Steps,
		}
	}
	writeJSON(w, http.StatusOK, DailySummaryResponse{
		Day:        summary.Day,
		DurationMS: summary.Duration.Milliseconds(),
		Duration:   session.FormatElapsed(summary.Duration),
		Steps:      summary.Steps,
		ByType:     byType,
		Reminder:   summary.Reminder,
	})
}

func (h *Handler) weeklySteps(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "offset must be an integer")
			return
		}
		offset = parsed
	}

	week, err := h.service.GetWeeklySteps(r.Context(), offset)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := WeeklyStepsResponse{Start: week.Start, End: week.End, Offset: offset, Days: make([]DaySteps, 0, len(week.Days))}
	for i, steps := range week.Days {
		resp.Days = append(resp.Days, DaySteps{Weekday: weekdays[i], Steps: steps})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) monthlyCoverage(w http.ResponseWriter, r *http.Request) {
	loc := h.service.Location()
	month := time.Now().In(loc)
	if raw := r.URL.Query().Get("month"); raw != "" {
		parsed, err := domain.ParseMonth(raw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		month = parsed
	}

	coverage, err := h.service.GetMonthlyCoverage(r.Context(), month)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MonthlyCoverageResponse{
		Start:             coverage.Start,
		End:               coverage.End,
		RegisteredMS:      coverage.Registered.Milliseconds(),
		TotalMS:           coverage.Total.Milliseconds(),
		RegisteredPercent: coverage.RegisteredPercent,
		UnknownPercent:    coverage.UnknownPercent,
	})
}

func (h *Handler) typeTotals(w http.ResponseWriter, r *http.Request) {
	from, to, err := domain.ParseWindow(r.URL.Query().Get("from"), r.URL.Query().Get("to"), h.service.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	totals, err := h.service.GetTypeTotals(r.Context(), from, to)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := TypeTotalsResponse{From: optionalTime(from), To: optionalTime(to), Totals: make(map[string]int64, len(totals))}
	for activityType, d := range totals {
		resp.Totals[string(activityType)] = d.Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}
