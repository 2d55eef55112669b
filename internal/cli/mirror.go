package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"example.com/tracker/internal/config"
	"example.com/tracker/internal/persistence"
	"example.com/tracker/internal/persistence/postgres"
	"example.com/tracker/internal/session"
)

type mirroredJSON struct {
	recordJSON
	EventID  string    `json:"event_id"`
	SyncedAt time.Time `json:"synced_at"`
}

type mirrorPageJSON struct {
	DeviceID   string         `json:"device_id"`
	Items      []mirroredJSON `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (a *app) mirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Read the backup copy kept by syncd",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List mirrored records of a device, newest first",
		Args:  cobra.NoArgs,
		RunE:  a.runMirrorList,
	}
	list.Flags().String("device", "", "device id (default: this device)")
	list.Flags().Int("limit", 20, "page size")
	list.Flags().String("cursor", "", "continue from a previous page")

	cmd.AddCommand(list)
	return cmd
}

func (a *app) runMirrorList(cmd *cobra.Command, _ []string) error {
	device, _ := cmd.Flags().GetString("device")
	limit, _ := cmd.Flags().GetInt("limit")
	token, _ := cmd.Flags().GetString("cursor")

	cfg := a.settings()
	if cfg.PostgresURL == "" {
		return errors.New("postgres url is required (--postgres-url or TRACKER_POSTGRES_URL)")
	}
	if device == "" {
		var err error
		if device, err = config.ResolveDeviceID(cfg); err != nil {
			return err
		}
	}
	cursor, err := persistence.DecodeCursor(token)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	records, next, err := postgres.NewRepository(pool).ListByDevice(ctx, device, cursor, limit)
	if err != nil {
		return err
	}

	payload := mirrorPageJSON{
		DeviceID:   device,
		Items:      make([]mirroredJSON, 0, len(records)),
		NextCursor: persistence.EncodeCursor(next),
	}
	for _, m := range records {
		payload.Items = append(payload.Items, mirroredJSON{recordJSON: toRecordJSON(m.Record), EventID: m.EventID, SyncedAt: m.SyncedAt})
	}

	loc := cfg.Location()
	return a.render(cmd, payload, func(w io.Writer) {
		fmt.Fprintln(w, "ID\tTYPE\tSTART\tDURATION\tSTEPS\tSYNCED")
		for _, m := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", m.Record.ID, m.Record.Type, m.Record.StartTime.In(loc).Format("2006-01-02 15:04"), session.FormatElapsed(m.Record.Duration), m.Record.Steps, m.SyncedAt.In(loc).Format(time.RFC3339))
		}
		if payload.NextCursor != "" {
			fmt.Fprintf(w, "next cursor: %s\n", payload.NextCursor)
		}
	})
}
