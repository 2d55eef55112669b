package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/session"
)

type typeTotalJSON struct {
	Count      int   `json:"count"`
	DurationMS int64 `json:"duration_ms"`
	Steps      int64 `json:"steps"`
}

type dailyJSON struct {
	Day        time.Time                `json:"day"`
	DurationMS int64                    `json:"duration_ms"`
	Steps      int64                    `json:"steps"`
	ByType     map[string]typeTotalJSON `json:"by_type"`
	Reminder   string                   `json:"reminder"`
}

type weeklyJSON struct {
	Start time.Time        `json:"start"`
	End   time.Time        `json:"end"`
	Days  map[string]int64 `json:"days"`
}

type monthlyJSON struct {
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	RegisteredMS      int64     `json:"registered_ms"`
	RegisteredPercent int       `json:"registered_percent"`
	UnknownPercent    int       `json:"unknown_percent"`
}

var weekdayNames = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

func (a *app) statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summaries over recorded activities",
	}

	daily := &cobra.Command{
		Use:   "daily",
		Short: "Duration and steps for one day",
		Args:  cobra.NoArgs,
		RunE:  a.runDaily,
	}
	daily.Flags().String("date", "", "day to summarise (default today)")

	weekly := &cobra.Command{
		Use:   "weekly",
		Short: "Steps per weekday",
		Args:  cobra.NoArgs,
		RunE:  a.runWeekly,
	}
	weekly.Flags().Int("offset", 0, "weeks relative to the current one")

	monthly := &cobra.Command{
		Use:   "monthly",
		Short: "Share of the month with a recorded activity",
		Args:  cobra.NoArgs,
		RunE:  a.runMonthly,
	}
	monthly.Flags().String("month", "", "month to summarise, YYYY-MM (default current)")

	types := &cobra.Command{
		Use:   "types",
		Short: "Duration per activity type",
		Args:  cobra.NoArgs,
		RunE:  a.runTypes,
	}
	types.Flags().String("from", "", "lower bound (RFC3339 or YYYY-MM-DD)")
	types.Flags().String("to", "", "upper bound (RFC3339 or YYYY-MM-DD, inclusive day)")

	cmd.AddCommand(daily, weekly, monthly, types)
	return cmd
}

func (a *app) runDaily(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetString("date")
	loc := a.settings().Location()
	day := time.Now().In(loc)
	if raw != "" {
		var err error
		if day, err = domain.ParseDay(raw, loc); err != nil {
			return err
		}
	}

	db, service, err := a.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	summary, err := service.GetDailySummary(cmd.Context(), day)
	if err != nil {
		return err
	}

	payload := dailyJSON{
		Day:        summary.Day,
		DurationMS: summary.Duration.Milliseconds(),
		Steps:      summary.Steps,
		ByType:     make(map[string]typeTotalJSON, len(summary.ByType)),
		Reminder:   summary.Reminder,
	}
	for typ, total := range summary.ByType {
		payload.ByType[string(typ)] = typeTotalJSON{Count: total.Count, DurationMS: total.Duration.Milliseconds(), Steps: total.Steps}
	}

	return a.render(cmd, payload, func(w io.Writer) {
		fmt.Fprintf(w, "%s\n", summary.Day.Format("Monday 2006-01-02"))
		fmt.Fprintln(w, "TYPE\tCOUNT\tDURATION\tSTEPS")
		for _, typ := range domain.ActivityTypes {
			total, ok := summary.ByType[typ]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", typ, total.Count, session.FormatElapsed(total.Duration), total.Steps)
		}
		fmt.Fprintf(w, "total\t\t%s\t%d\n", session.FormatElapsed(summary.Duration), summary.Steps)
		fmt.Fprintln(w, summary.Reminder)
	})
}

func (a *app) runWeekly(cmd *cobra.Command, _ []string) error {
	offset, _ := cmd.Flags().GetInt("offset")

	db, service, err := a.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	week, err := service.GetWeeklySteps(cmd.Context(), offset)
	if err != nil {
		return err
	}

	payload := weeklyJSON{Start: week.Start, End: week.End, Days: make(map[string]int64, len(week.Days))}
	for i, steps := range week.Days {
		payload.Days[weekdayNames[i]] = steps
	}

	return a.render(cmd, payload, func(w io.Writer) {
		fmt.Fprintf(w, "week of %s\n", week.Start.Format("2006-01-02"))
		for i, steps := range week.Days {
			fmt.Fprintf(w, "%s\t%d\n", weekdayNames[i], steps)
		}
	})
}

func (a *app) runMonthly(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetString("month")
	loc := a.settings().Location()
	month := time.Now().In(loc)
	if raw != "" {
		var err error
		if month, err = domain.ParseMonth(raw, loc); err != nil {
			return err
		}
	}

	db, service, err := a.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	coverage, err := service.GetMonthlyCoverage(cmd.Context(), month)
	if err != nil {
		return err
	}

	payload := monthlyJSON{
		Start:             coverage.Start,
		End:               coverage.End,
		RegisteredMS:      coverage.Registered.Milliseconds(),
		RegisteredPercent: coverage.RegisteredPercent,
		UnknownPercent:    coverage.UnknownPercent,
	}
	return a.render(cmd, payload, func(w io.Writer) {
		fmt.Fprintf(w, "%s\n", coverage.Start.Format("January 2006"))
		fmt.Fprintf(w, "registered\t%d%%\t%s\n", coverage.RegisteredPercent, session.FormatElapsed(coverage.Registered))
		fmt.Fprintf(w, "unknown\t%d%%\n", coverage.UnknownPercent)
	})
}

func (a *app) runTypes(cmd *cobra.Command, _ []string) error {
	rawFrom, _ := cmd.Flags().GetString("from")
	rawTo, _ := cmd.Flags().GetString("to")
	from, to, err := domain.ParseWindow(rawFrom, rawTo, a.settings().Location())
	if err != nil {
		return err
	}

	db, service, err := a.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	totals, err := service.GetTypeTotals(cmd.Context(), from, to)
	if err != nil {
		return err
	}

	payload := make(map[string]int64, len(totals))
	for typ, d := range totals {
		payload[string(typ)] = d.Milliseconds()
	}
	return a.render(cmd, map[string]interface{}{"duration_ms": payload}, func(w io.Writer) {
		fmt.Fprintln(w, "TYPE\tDURATION")
		for _, typ := range domain.ActivityTypes {
			if d, ok := totals[typ]; ok {
				fmt.Fprintf(w, "%s\t%s\n", typ, session.FormatElapsed(d))
			}
		}
	})
}
