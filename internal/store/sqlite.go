// Package store provides storage backends for LedgerPipe.
//
// This file implements the SQLite-backed session and audit store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/FinBridge/LedgerPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions and audit events in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path; the parent directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	return &SQLiteStore{db: db}, nil
}

// GetSession returns the stored session for key, treating expired rows as absent.
func (s *SQLiteStore) GetSession(key string) (*models.Session, bool, error) {
	var sessionJSON string
	var expiresAt time.Time
	err := s.db.QueryRow(
		`SELECT session_json, expires_at FROM sessions WHERE session_key = ?`, key,
	).Scan(&sessionJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "key", key)
		return nil, false, fmt.Errorf("failed to query session %s: %w", key, err)
	}

	if time.Now().After(expiresAt) {
		// Expired between reaper sweeps; hard-delete now.
		if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
			slog.Error("SQLiteStore GetSession expiry delete failed", "error", err, "key", key)
		}
		slog.Debug("SQLiteStore GetSession expired row removed", "key", key)
		return nil, false, nil
	}

	session, err := unmarshalSession(sessionJSON)
	if err != nil {
		slog.Error("SQLiteStore GetSession unmarshal failed", "error", err, "key", key)
		return nil, false, err
	}
	return session, true, nil
}

// PutSession writes a session unconditionally.
func (s *SQLiteStore) PutSession(key string, session *models.Session, ttlSeconds int64) error {
	sessionJSON, err := marshalSession(session)
	if err != nil {
		return err
	}
	expiresAt := time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second)
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sessions (session_key, session_json, version, expires_at) VALUES (?, ?, ?, ?)`,
		key, sessionJSON, session.Version, expiresAt)
	if err != nil {
		slog.Error("SQLiteStore PutSession failed", "error", err, "key", key)
		return fmt.Errorf("failed to put session %s: %w", key, err)
	}
	slog.Debug("SQLiteStore PutSession succeeded", "key", key, "version", session.Version)
	return nil
}

// CompareAndSwapSession writes only when the stored version matches
// expectedVersion. Version zero creates the row and fails if it exists.
func (s *SQLiteStore) CompareAndSwapSession(key string, expectedVersion int64, session *models.Session, ttlSeconds int64) (bool, *models.Session, error) {
	sessionJSON, err := marshalSession(session)
	if err != nil {
		return false, nil, err
	}
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)

	if expectedVersion == 0 {
		// Create-only insert; an existing live row means someone else created
		// the session first. An expired row is replaced.
		res, err := s.db.Exec(
			`INSERT INTO sessions (session_key, session_json, version, expires_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(session_key) DO UPDATE SET
			     session_json = excluded.session_json,
			     version = excluded.version,
			     expires_at = excluded.expires_at
			 WHERE sessions.expires_at <= ?`,
			key, sessionJSON, session.Version, expiresAt, now)
		if err != nil {
			slog.Error("SQLiteStore CAS insert failed", "error", err, "key", key)
			return false, nil, fmt.Errorf("failed to insert session %s: %w", key, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			current, _, err := s.GetSession(key)
			return false, current, err
		}
		return true, nil, nil
	}

	res, err := s.db.Exec(
		`UPDATE sessions SET session_json = ?, version = ?, expires_at = ?
		 WHERE session_key = ? AND version = ?`,
		sessionJSON, session.Version, expiresAt, key, expectedVersion)
	if err != nil {
		slog.Error("SQLiteStore CAS update failed", "error", err, "key", key)
		return false, nil, fmt.Errorf("failed to update session %s: %w", key, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		slog.Debug("SQLiteStore CAS version mismatch", "key", key, "expected_version", expectedVersion)
		current, _, err := s.GetSession(key)
		return false, current, err
	}
	return true, nil, nil
}

// DeleteSession removes a session row.
func (s *SQLiteStore) DeleteSession(key string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = ?`, key)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

// AppendAuditEvent appends one audit record.
func (s *SQLiteStore) AppendAuditEvent(ev models.AuditEvent) error {
	contextJSON, err := marshalAuditContext(ev.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_events (id, flow_id, event_type, step_id, status, context_json, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.FlowID, ev.EventType, nilIfEmpty(ev.StepID), string(ev.Status),
		nilIfEmpty(contextJSON), nilIfEmpty(ev.Error), ev.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AppendAuditEvent failed", "error", err, "flow_id", ev.FlowID)
		return fmt.Errorf("failed to insert audit event for flow %s: %w", ev.FlowID, err)
	}
	return nil
}

// ListAuditEvents returns all audit records for a flow id in append order.
func (s *SQLiteStore) ListAuditEvents(flowID string) ([]models.AuditEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, flow_id, event_type, step_id, status, context_json, error, timestamp
		 FROM audit_events WHERE flow_id = ? ORDER BY timestamp, id`, flowID)
	if err != nil {
		slog.Error("SQLiteStore ListAuditEvents query failed", "error", err, "flow_id", flowID)
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			slog.Error("SQLiteStore ListAuditEvents scan failed", "error", err)
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit event rows: %w", err)
	}
	return events, nil
}

// PurgeExpired hard-deletes all expired session rows. The reaper calls this
// periodically; reads also skip expired rows so expiry is correct in between.
func (s *SQLiteStore) PurgeExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore PurgeExpired failed", "error", err)
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		slog.Debug("SQLiteStore PurgeExpired removed sessions", "count", affected)
	}
	return affected, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func marshalSession(session *models.Session) (string, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	return string(data), nil
}

func unmarshalSession(data string) (*models.Session, error) {
	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func marshalAuditContext(context map[string]string) (string, error) {
	if len(context) == 0 {
		return "", nil
	}
	data, err := json.Marshal(context)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit context: %w", err)
	}
	return string(data), nil
}
