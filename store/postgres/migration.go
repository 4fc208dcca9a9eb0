package postgres

import (
	"database/sql"

	migrate "github.com/rubenv/sql-migrate"
)

// This file maintains the database migration code. Unlike the
// teacher's go-bindata-driven migrationSource, schema changes are
// kept as an in-process MemoryMigrationSource: there is no
// migrations/ asset directory to regenerate, just the list below.

var migrationSource = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_initial",
			Up: []string{
				`CREATE TABLE worker (
					worker_id TEXT PRIMARY KEY,
					address TEXT NOT NULL DEFAULT '',
					state TEXT NOT NULL,
					last_heartbeat TIMESTAMPTZ,
					idle_cpu DOUBLE PRECISION NOT NULL DEFAULT 0,
					idle_ram DOUBLE PRECISION NOT NULL DEFAULT 0,
					peak_cpu DOUBLE PRECISION NOT NULL DEFAULT 0,
					peak_ram DOUBLE PRECISION NOT NULL DEFAULT 0,
					disk DOUBLE PRECISION NOT NULL DEFAULT 0,
					current_job TEXT NOT NULL DEFAULT '',
					assigned INTEGER NOT NULL DEFAULT 0,
					completed INTEGER NOT NULL DEFAULT 0,
					failed INTEGER NOT NULL DEFAULT 0,
					connected_at TIMESTAMPTZ NOT NULL,
					disconnected_at TIMESTAMPTZ
				)`,
				`CREATE TABLE planet (
					planet_id TEXT PRIMARY KEY,
					next_run_time TIMESTAMPTZ NOT NULL,
					status TEXT NOT NULL,
					season INTEGER NOT NULL DEFAULT 0,
					round INTEGER NOT NULL DEFAULT 0,
					round_number INTEGER NOT NULL DEFAULT 0,
					last_processed TIMESTAMPTZ,
					processing_worker TEXT NOT NULL DEFAULT '',
					retry_count INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX planet_status_next_run_idx ON planet (status, next_run_time)`,
				`CREATE TABLE attempt (
					id SERIAL PRIMARY KEY,
					planet_id TEXT NOT NULL REFERENCES planet (planet_id),
					worker_id TEXT NOT NULL,
					start_time TIMESTAMPTZ NOT NULL,
					end_time TIMESTAMPTZ,
					outcome TEXT NOT NULL,
					error_detail TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE INDEX attempt_planet_id_idx ON attempt (planet_id, start_time DESC)`,
			},
			Down: []string{
				`DROP TABLE attempt`,
				`DROP TABLE planet`,
				`DROP TABLE worker`,
			},
		},
	},
}

// Upgrade brings a database up to the latest schema version.
func Upgrade(db *sql.DB) error {
	_, err := migrate.Exec(db, "postgres", migrationSource, migrate.Up)
	return err
}

// Drop reverses every migration, dropping all tables this package
// owns. Intended for test fixtures, not production use.
func Drop(db *sql.DB) error {
	_, err := migrate.Exec(db, "postgres", migrationSource, migrate.Down)
	return err
}
