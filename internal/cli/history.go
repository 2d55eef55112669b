package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/persistence"
	"example.com/tracker/internal/session"
)

type recordJSON struct {
	ID           int64     `json:"id"`
	ActivityType string    `json:"activity_type"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	DurationMS   int64     `json:"duration_ms"`
	Steps        int64     `json:"steps"`
}

type historyJSON struct {
	Items      []recordJSON `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

func toRecordJSON(rec domain.ActivityRecord) recordJSON {
	return recordJSON{
		ID:           rec.ID,
		ActivityType: string(rec.Type),
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		DurationMS:   rec.Duration.Milliseconds(),
		Steps:        rec.Steps,
	}
}

func (a *app) historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded activities, newest first",
		Args:  cobra.NoArgs,
		RunE:  a.runHistory,
	}
	cmd.Flags().String("date", "", "single day (YYYY-MM-DD)")
	cmd.Flags().String("from", "", "lower bound (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().String("to", "", "upper bound (RFC3339 or YYYY-MM-DD, inclusive day)")
	cmd.Flags().String("type", "", "activity type filter")
	cmd.Flags().Int("limit", 20, "page size")
	cmd.Flags().String("cursor", "", "continue from a previous page")
	return cmd
}

func (a *app) runHistory(cmd *cobra.Command, _ []string) error {
	date, _ := cmd.Flags().GetString("date")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	typ, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")
	token, _ := cmd.Flags().GetString("cursor")

	loc := a.settings().Location()
	query := domain.RecordQuery{Limit: limit}
	if date != "" {
		day, err := domain.ParseDay(date, loc)
		if err != nil {
			return err
		}
		query.From, query.To = domain.DayBounds(day, loc)
	} else {
		var err error
		if query.From, query.To, err = domain.ParseWindow(from, to, loc); err != nil {
			return err
		}
	}
	if typ != "" {
		activityType, err := domain.ParseActivityType(typ)
		if err != nil {
			return err
		}
		query.Type = activityType
	}
	cursor, err := persistence.DecodeCursor(token)
	if err != nil {
		return err
	}
	query.Cursor = cursor

	db, service, err := a.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := service.ListActivities(cmd.Context(), query)
	if err != nil {
		return err
	}

	payload := historyJSON{
		Items:      make([]recordJSON, 0, len(records)),
		NextCursor: persistence.EncodeCursor(persistence.NextCursor(records, limit)),
	}
	for _, rec := range records {
		payload.Items = append(payload.Items, toRecordJSON(rec))
	}

	return a.render(cmd, payload, func(w io.Writer) {
		fmt.Fprintln(w, "ID\tTYPE\tSTART\tDURATION\tSTEPS")
		for _, rec := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", rec.ID, rec.Type, rec.StartTime.In(loc).Format("2006-01-02 15:04"), session.FormatElapsed(rec.Duration), rec.Steps)
		}
		if payload.NextCursor != "" {
			fmt.Fprintf(w, "next cursor: %s\n", payload.NextCursor)
		}
	})
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a recorded activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid activity id %q", args[0])
			}
			db, service, err := a.openService()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := service.DeleteActivity(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted activity %d\n", id)
			return nil
		},
	}
}
