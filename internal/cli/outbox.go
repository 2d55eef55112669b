package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"example.com/tracker/internal/outbox"
	"example.com/tracker/internal/persistence/sqlite"
)

type quarantinedJSON struct {
	EventID       int64     `json:"event_id"`
	EventType     string    `json:"event_type"`
	Topic         string    `json:"topic"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

func (a *app) outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and release events waiting for the backup topic",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count pending, published and quarantined events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withQuarantine(func(q *outbox.Quarantine) error {
				s, err := q.Stats(cmd.Context())
				if err != nil {
					return err
				}
				payload := map[string]int{"pending": s.Pending, "published": s.Published, "quarantined": s.Quarantined}
				return a.render(cmd, payload, func(w io.Writer) {
					fmt.Fprintf(w, "pending\t%d\npublished\t%d\nquarantined\t%d\n", s.Pending, s.Published, s.Quarantined)
				})
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show quarantined events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return a.withQuarantine(func(q *outbox.Quarantine) error {
				entries, err := q.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				payload := make([]quarantinedJSON, 0, len(entries))
				for _, e := range entries {
					payload = append(payload, quarantinedJSON(e))
				}
				return a.render(cmd, payload, func(w io.Writer) {
					fmt.Fprintln(w, "EVENT\tTYPE\tTOPIC\tATTEMPTS\tQUARANTINED\tLAST ERROR")
					for _, e := range entries {
						fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", e.EventID, e.EventType, e.Topic, e.Attempts, e.QuarantinedAt.Format(time.RFC3339), e.LastError)
					}
				})
			})
		},
	}
	list.Flags().Int("limit", 50, "maximum rows")

	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Return quarantined events to the delivery queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return a.withQuarantine(func(q *outbox.Quarantine) error {
				n, err := q.Requeue(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d events\n", n)
				return nil
			})
		},
	}
	requeue.Flags().Int("limit", 100, "maximum events to requeue")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete published events older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			age, _ := cmd.Flags().GetDuration("older-than")
			return a.withQuarantine(func(q *outbox.Quarantine) error {
				n, err := q.PurgePublished(cmd.Context(), time.Now().Add(-age))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d events\n", n)
				return nil
			})
		},
	}
	purge.Flags().Duration("older-than", 7*24*time.Hour, "minimum age of purged rows")

	cmd.AddCommand(stats, list, requeue, purge)
	return cmd
}

func (a *app) withQuarantine(fn func(*outbox.Quarantine) error) error {
	db, err := sqlite.Open(a.settings().DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(outbox.NewQuarantine(db))
}
