package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	// Apply migrations based on current version
	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the device_connections table.
func (s *SQLiteStore) migrateToV1() error {
	s.log.Info().Int("version", 1).Msg("applying schema migration")

	// One row per connection. disconnected_at stays NULL while the session
	// is live. Timestamps are UTC RFC3339 strings so they sort as text.
	const connectionsTable = `
		CREATE TABLE IF NOT EXISTS device_connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			device_name TEXT NOT NULL,
			app_version TEXT NOT NULL DEFAULT '',
			connected_at TEXT NOT NULL,
			disconnected_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_connections_name
			ON device_connections(device_name, connected_at);
		CREATE INDEX IF NOT EXISTS idx_connections_session
			ON device_connections(session_id);
	`

	if _, err := s.db.Exec(connectionsTable); err != nil {
		return fmt.Errorf("create device_connections table: %w", err)
	}

	// Record the migration
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		1,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return nil
}
