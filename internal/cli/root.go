// Package cli implements the tracker command line client.
package cli

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"example.com/tracker/internal/config"
	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/persistence/sqlite"
)

type app struct {
	v *viper.Viper
}

// NewRootCommand builds the command tree. Every persistent flag can also be set
// through a TRACKER_* environment variable or the YAML file passed with --config.
func NewRootCommand(version string) *cobra.Command {
	a := &app{v: viper.New()}
	defaults := config.Load()

	root := &cobra.Command{
		Use:               "tracker",
		Short:             "Inspect and manage the personal activity tracker",
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.readConfigFile,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML file with flag values")
	pf.String("data-dir", defaults.DataDir, "tracker data directory")
	pf.String("db", "", "session store path (default <data-dir>/tracker.db)")
	pf.String("device-id", defaults.DeviceID, "device id (default: the id stored in the data directory)")
	pf.String("timezone", defaults.Timezone, "IANA zone for day, week and month windows")
	pf.String("jwt-secret", defaults.JWTSecret, "HS256 signing secret")
	pf.String("jwt-issuer", defaults.JWTIssuer, "token issuer")
	pf.String("postgres-url", defaults.PostgresURL, "backup mirror connection string")
	pf.String("records-topic", defaults.RecordsTopic, "Kafka topic for queued record events (KAFKA_RECORDS_TOPIC)")
	pf.StringP("output", "o", "text", "output format: text or json")
	_ = a.v.BindPFlags(pf)

	a.v.SetEnvPrefix("TRACKER")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.historyCmd(),
		a.deleteCmd(),
		a.statsCmd(),
		a.tokenCmd(),
		a.outboxCmd(),
		a.mirrorCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute(version string) error {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func (a *app) readConfigFile(cmd *cobra.Command, _ []string) error {
	path := a.v.GetString("config")
	if path == "" {
		return nil
	}
	a.v.SetConfigFile(path)
	a.v.SetConfigType("yaml")
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func (a *app) settings() config.Config {
	cfg := config.Config{
		DataDir:      a.v.GetString("data-dir"),
		DBPath:       a.v.GetString("db"),
		DeviceID:     a.v.GetString("device-id"),
		Timezone:     a.v.GetString("timezone"),
		JWTSecret:    a.v.GetString("jwt-secret"),
		JWTIssuer:    a.v.GetString("jwt-issuer"),
		PostgresURL:  a.v.GetString("postgres-url"),
		RecordsTopic: a.v.GetString("records-topic"),
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "tracker.db")
	}
	return cfg
}

func (a *app) openStore() (*sql.DB, *sqlite.RecordStore, error) {
	cfg := a.settings()
	deviceID, err := config.ResolveDeviceID(cfg)
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlite.NewRecordStore(db, sqlite.WithDeviceID(deviceID), sqlite.WithTopic(cfg.RecordsTopic))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

func (a *app) openService() (*sql.DB, *domain.Service, error) {
	db, store, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	return db, domain.NewService(store, a.settings().Location()), nil
}

// render writes payload as indented JSON with --output json, otherwise calls text
// with a tab-aligned writer.
func (a *app) render(cmd *cobra.Command, payload interface{}, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	switch a.v.GetString("output") {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	case "text", "":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		text(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", a.v.GetString("output"))
	}
}
