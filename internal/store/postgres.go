// Package store provides storage backends for LedgerPipe.
//
// This file implements the PostgreSQL-backed session and audit store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/FinBridge/LedgerPipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions and audit events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied")

	return &PostgresStore{db: db}, nil
}

// GetSession returns the stored session for key, treating expired rows as absent.
func (s *PostgresStore) GetSession(key string) (*models.Session, bool, error) {
	var sessionJSON string
	var expiresAt time.Time
	err := s.db.QueryRow(
		`SELECT session_json, expires_at FROM sessions WHERE session_key = $1`, key,
	).Scan(&sessionJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "key", key)
		return nil, false, fmt.Errorf("failed to query session %s: %w", key, err)
	}

	if time.Now().After(expiresAt) {
		if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key); err != nil {
			slog.Error("PostgresStore GetSession expiry delete failed", "error", err, "key", key)
		}
		slog.Debug("PostgresStore GetSession expired row removed", "key", key)
		return nil, false, nil
	}

	session, err := unmarshalSession(sessionJSON)
	if err != nil {
		slog.Error("PostgresStore GetSession unmarshal failed", "error", err, "key", key)
		return nil, false, err
	}
	return session, true, nil
}

// PutSession writes a session unconditionally.
func (s *PostgresStore) PutSession(key string, session *models.Session, ttlSeconds int64) error {
	sessionJSON, err := marshalSession(session)
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, session_json, version, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_key) DO UPDATE SET
		     session_json = EXCLUDED.session_json,
		     version = EXCLUDED.version,
		     expires_at = EXCLUDED.expires_at`,
		key, sessionJSON, session.Version, expiresAt)
	if err != nil {
		slog.Error("PostgresStore PutSession failed", "error", err, "key", key)
		return fmt.Errorf("failed to put session %s: %w", key, err)
	}
	slog.Debug("PostgresStore PutSession succeeded", "key", key, "version", session.Version)
	return nil
}

// CompareAndSwapSession writes only when the stored version matches
// expectedVersion. Version zero creates the row and fails if it exists.
func (s *PostgresStore) CompareAndSwapSession(key string, expectedVersion int64, session *models.Session, ttlSeconds int64) (bool, *models.Session, error) {
	sessionJSON, err := marshalSession(session)
	if err != nil {
		return false, nil, err
	}
	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)

	if expectedVersion == 0 {
		res, err := s.db.Exec(
			`INSERT INTO sessions (session_key, session_json, version, expires_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_key) DO UPDATE SET
			     session_json = EXCLUDED.session_json,
			     version = EXCLUDED.version,
			     expires_at = EXCLUDED.expires_at
			 WHERE sessions.expires_at <= NOW()`,
			key, sessionJSON, session.Version, expiresAt)
		if err != nil {
			slog.Error("PostgresStore CAS insert failed", "error", err, "key", key)
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
		`UPDATE sessions SET session_json = $1, version = $2, expires_at = $3
		 WHERE session_key = $4 AND version = $5`,
		sessionJSON, session.Version, expiresAt, key, expectedVersion)
	if err != nil {
		slog.Error("PostgresStore CAS update failed", "error", err, "key", key)
		return false, nil, fmt.Errorf("failed to update session %s: %w", key, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		slog.Debug("PostgresStore CAS version mismatch", "key", key, "expected_version", expectedVersion)
		current, _, err := s.GetSession(key)
		return false, current, err
	}
	return true, nil, nil
}

// DeleteSession removes a session row.
func (s *PostgresStore) DeleteSession(key string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

// AppendAuditEvent appends one audit record.
func (s *PostgresStore) AppendAuditEvent(ev models.AuditEvent) error {
	contextJSON, err := marshalAuditContext(ev.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_events (id, flow_id, event_type, step_id, status, context_json, error, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.FlowID, ev.EventType, nilIfEmpty(ev.StepID), string(ev.Status),
		nilIfEmpty(contextJSON), nilIfEmpty(ev.Error), ev.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AppendAuditEvent failed", "error", err, "flow_id", ev.FlowID)
		return fmt.Errorf("failed to insert audit event for flow %s: %w", ev.FlowID, err)
	}
	return nil
}

// ListAuditEvents returns all audit records for a flow id in append order.
func (s *PostgresStore) ListAuditEvents(flowID string) ([]models.AuditEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, flow_id, event_type, step_id, status, context_json, error, timestamp
		 FROM audit_events WHERE flow_id = $1 ORDER BY timestamp, id`, flowID)
	if err != nil {
		slog.Error("PostgresStore ListAuditEvents query failed", "error", err, "flow_id", flowID)
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			slog.Error("PostgresStore ListAuditEvents scan failed", "error", err)
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit event rows: %w", err)
	}
	return events, nil
}

// PurgeExpired hard-deletes all expired session rows.
func (s *PostgresStore) PurgeExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		slog.Error("PostgresStore PurgeExpired failed", "error", err)
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		slog.Debug("PostgresStore PurgeExpired removed sessions", "count", affected)
	}
	return affected, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL connection pool")
	return s.db.Close()
}
