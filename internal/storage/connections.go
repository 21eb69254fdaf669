package storage

// connections.go contains SQLiteStore methods for the device connection log.
// Each hello that registers a device opens a row; the matching disconnect
// closes it.

import (
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
)

// Connection is one recorded device session.
type Connection struct {
	ID             int64      `json:"id"`
	SessionID      string     `json:"session_id"`
	DeviceName     string     `json:"device_name"`
	AppVersion     string     `json:"app_version"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Open reports whether the session had not been seen disconnecting.
func (c *Connection) Open() bool {
	return c.DisconnectedAt == nil
}

// Duration is how long the session lasted, measured up to now if it is still open.
func (c *Connection) Duration(now time.Time) time.Duration {
	if c.DisconnectedAt != nil {
		return c.DisconnectedAt.Sub(c.ConnectedAt)
	}
	return now.Sub(c.ConnectedAt)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// RecordConnect inserts a new open connection row and returns its id.
func (s *SQLiteStore) RecordConnect(sessionID, name, appVersion string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO device_connections
			(session_id, device_name, app_version, connected_at)
		VALUES (?, ?, ?, ?)
	`

	res, err := s.db.Exec(query, sessionID, name, appVersion, formatTime(at))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "record connect", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "record connect", err)
	}

	s.log.Debug().Int64("id", id).Str("session", sessionID).Str("device", name).Msg("connection recorded")
	return id, nil
}

// RecordDisconnect closes the newest open row for the session.
// Returns false if the session has no open row.
func (s *SQLiteStore) RecordDisconnect(sessionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		UPDATE device_connections
		SET disconnected_at = ?
		WHERE id = (
			SELECT id FROM device_connections
			WHERE session_id = ? AND disconnected_at IS NULL
			ORDER BY id DESC
			LIMIT 1
		)
	`

	res, err := s.db.Exec(query, formatTime(at), sessionID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "record disconnect", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "record disconnect", err)
	}
	return n > 0, nil
}

// CloseOpen marks every open row as disconnected at the given time.
// A hub that crashed leaves rows open; the next start closes them.
func (s *SQLiteStore) CloseOpen(at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE device_connections SET disconnected_at = ? WHERE disconnected_at IS NULL",
		formatTime(at),
	)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "close open connections", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "close open connections", err)
	}
	if n > 0 {
		s.log.Info().Int64("rows", n).Msg("closed stale connections")
	}
	return n, nil
}

// RecentDevices returns the latest connection of each distinct device name,
// newest first. A limit of zero or less returns every device.
func (s *SQLiteStore) RecentDevices(limit int) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// MAX(id) picks the latest row per name since ids only grow.
	query := `
		SELECT c.id, c.session_id, c.device_name, c.app_version, c.connected_at, c.disconnected_at
		FROM device_connections c
		JOIN (
			SELECT MAX(id) AS id FROM device_connections GROUP BY device_name
		) latest ON latest.id = c.id
		ORDER BY c.id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.queryConnections(query, args...)
}

// Connections returns the newest rows for one device name, newest first.
func (s *SQLiteStore) Connections(name string, limit int) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, session_id, device_name, app_version, connected_at, disconnected_at
		FROM device_connections
		WHERE device_name = ?
		ORDER BY id DESC
	`
	args := []any{name}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.queryConnections(query, args...)
}

// Prune drops rows for devices outside the keep most recently seen names.
// Returns the number of rows deleted.
func (s *SQLiteStore) Prune(keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		DELETE FROM device_connections
		WHERE device_name NOT IN (
			SELECT device_name FROM device_connections
			GROUP BY device_name
			ORDER BY MAX(id) DESC
			LIMIT ?
		)
	`

	res, err := s.db.Exec(query, keep)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "prune history", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "prune history", err)
	}
	if n > 0 {
		s.log.Debug().Int64("rows", n).Int("keep", keep).Msg("pruned history")
	}
	return n, nil
}

// queryConnections runs a SELECT over device_connections columns.
// The caller holds s.mu.
func (s *SQLiteStore) queryConnections(query string, args ...any) ([]*Connection, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "query connections", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate connection rows", err)
	}
	return conns, nil
}

func scanConnection(rows *sql.Rows) (*Connection, error) {
	var (
		c            Connection
		connectedAt  string
		disconnected sql.NullString
	)
	if err := rows.Scan(&c.ID, &c.SessionID, &c.DeviceName, &c.AppVersion, &connectedAt, &disconnected); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan connection", err)
	}

	t, err := time.Parse(time.RFC3339Nano, connectedAt)
	if err != nil {
		return nil, fmt.Errorf("parse connected_at: %w", err)
	}
	c.ConnectedAt = t

	if disconnected.Valid {
		t, err := time.Parse(time.RFC3339Nano, disconnected.String)
		if err != nil {
			return nil, fmt.Errorf("parse disconnected_at: %w", err)
		}
		c.DisconnectedAt = &t
	}
	return &c, nil
}
