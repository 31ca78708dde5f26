package storage

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS samples (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		instrument TEXT    NOT NULL,
		ts_us      INTEGER NOT NULL,
		value      REAL    NOT NULL,
		category   TEXT    NOT NULL,
		UNIQUE (instrument, ts_us, category)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_lookup ON samples(instrument, category, ts_us)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(ts_us)`,

	`CREATE TABLE IF NOT EXISTS daily_snapshots (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		date          TEXT    NOT NULL UNIQUE,
		payload       TEXT    NOT NULL,
		updated_at_us INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		date          TEXT    NOT NULL UNIQUE,
		external_id   INTEGER NOT NULL,
		payload       TEXT    NOT NULL,
		updated_at_us INTEGER NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS samples (
		id         BIGSERIAL PRIMARY KEY,
		instrument TEXT             NOT NULL,
		ts_us      BIGINT           NOT NULL,
		value      DOUBLE PRECISION NOT NULL,
		category   TEXT             NOT NULL,
		UNIQUE (instrument, ts_us, category)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_lookup ON samples(instrument, category, ts_us)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(ts_us)`,

	`CREATE TABLE IF NOT EXISTS daily_snapshots (
		id            BIGSERIAL PRIMARY KEY,
		date          TEXT   NOT NULL UNIQUE,
		payload       TEXT   NOT NULL,
		updated_at_us BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id            BIGSERIAL PRIMARY KEY,
		date          TEXT   NOT NULL UNIQUE,
		external_id   BIGINT NOT NULL,
		payload       TEXT   NOT NULL,
		updated_at_us BIGINT NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	stmts := sqliteSchema
	if s.dialect == DialectPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
