package sqlite

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version of the tracker database.
const SchemaVersion = 2

var migrations = []struct {
	version    int
	statements []string
}{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS activity_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL,
				start_ms INTEGER NOT NULL,
				end_ms INTEGER NOT NULL,
				duration_ms INTEGER NOT NULL,
				steps INTEGER NOT NULL DEFAULT 0,
				CHECK (end_ms >= start_ms),
				CHECK (steps >= 0)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_activity_records_start ON activity_records(start_ms, id);`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS outbox (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				aggregate_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				topic TEXT NOT NULL,
				partition_key TEXT NOT NULL,
				payload BLOB NOT NULL,
				dedupe_key TEXT NOT NULL UNIQUE,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NULL,
				next_attempt_ms INTEGER NOT NULL DEFAULT 0,
				created_ms INTEGER NOT NULL,
				published_ms INTEGER NULL,
				quarantined_ms INTEGER NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(published_ms, quarantined_ms, next_attempt_ms);`,
		},
	},
}

// Migrate brings the schema up to SchemaVersion, one transaction per version.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(db, m.version, m.statements); err != nil {
			return err
		}
	}
	return nil
}

func apply(db *sql.DB, version int, statements []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin v%d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: v%d: %w", version, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, version); err != nil {
		return fmt.Errorf("migrate: record v%d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit v%d: %w", version, err)
	}
	return nil
}
