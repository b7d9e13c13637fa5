// Package repository provides the durable pulse store over SQLite or PostgreSQL.
package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/reeve/reeve/internal/db/dialect"
)

// schemaVersion is the store layout this build understands. Startup refuses
// to serve any other version.
const schemaVersion = 1

// ErrNotFound is returned when a pulse id does not exist.
var ErrNotFound = errors.New("pulse not found")

// priorityRankSQL projects the priority enum onto its claim rank for ORDER BY.
// String order of the enum values does not match claim order.
const priorityRankSQL = `CASE priority
	WHEN 'critical' THEN 0
	WHEN 'high' THEN 1
	WHEN 'normal' THEN 2
	WHEN 'low' THEN 3
	WHEN 'deferred' THEN 4
	ELSE 5 END`

// Repository provides pulse storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

// New creates a repository that owns its connections and closes them on Close.
func New(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, true)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection when owned.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	err := r.db.Close()
	if r.ro != r.db {
		if roErr := r.ro.Close(); roErr != nil && err == nil {
			err = roErr
		}
	}
	return err
}

// DB returns the underlying writer for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the pulses table and indexes if they don't exist, then
// verifies the recorded schema version.
func (r *Repository) initSchema() error {
	if err := r.initPulseSchema(); err != nil {
		return err
	}
	if err := r.initPulseIndexes(); err != nil {
		return err
	}
	return r.checkSchemaVersion()
}

func (r *Repository) initPulseSchema() error {
	_, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS pulses (
		id %s,
		scheduled_at TEXT NOT NULL,
		prompt TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL DEFAULT 'pending',
		session_id TEXT NOT NULL DEFAULT '',
		sticky_notes TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_by TEXT NOT NULL DEFAULT 'system',
		created_at TEXT NOT NULL,
		executed_at TEXT,
		execution_duration_ms INTEGER,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);
	`, dialect.AutoIncrementPK(r.db.DriverName())))
	return err
}

func (r *Repository) initPulseIndexes() error {
	// idx_pulse_execution covers the scheduler's hot query (claimable pulses
	// by priority then time); idx_pulse_upcoming covers the listing query.
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_pulse_execution ON pulses(status, scheduled_at, priority);
	CREATE INDEX IF NOT EXISTS idx_pulse_upcoming ON pulses(scheduled_at, status);
	`)
	return err
}

func (r *Repository) checkSchemaVersion() error {
	var version int
	err := r.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		_, err = r.db.Exec(r.db.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), schemaVersion)
		return err
	}
	if err != nil {
		return err
	}
	if version != schemaVersion {
		return fmt.Errorf("unsupported schema version %d (expected %d)", version, schemaVersion)
	}
	return nil
}
