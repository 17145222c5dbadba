// Package store provides storage backends for LedgerPipe session state.
//
// It includes an in-memory store for tests and single-node setups, plus
// SQLite and PostgreSQL backends selected by DSN. All backends implement
// per-key TTL with hard-delete expiry and compare-and-swap writes keyed by
// the session version counter.
package store

import (
	"strings"

	"github.com/FinBridge/LedgerPipe/internal/models"
)

// Store is the persistence contract for session state and audit events.
//
// A successful CompareAndSwapSession is visible to all subsequent GetSession
// calls for the same key. A failed swap never partially applies a write; it
// returns ok=false together with the current stored value (nil when the key
// is absent). TTL expiry is a hard delete with no tombstones.
type Store interface {
	// GetSession returns the stored session for key, or found=false when the
	// key is absent or expired.
	GetSession(key string) (session *models.Session, found bool, err error)

	// PutSession writes a session unconditionally with the given TTL in seconds.
	PutSession(key string, session *models.Session, ttlSeconds int64) error

	// CompareAndSwapSession writes a session only when the stored version
	// matches expectedVersion. expectedVersion zero means "create", which
	// fails when the key already exists. On a version mismatch it returns
	// ok=false and the current stored session.
	CompareAndSwapSession(key string, expectedVersion int64, session *models.Session, ttlSeconds int64) (ok bool, current *models.Session, err error)

	// DeleteSession removes a session.
	DeleteSession(key string) error

	// AppendAuditEvent appends one audit record.
	AppendAuditEvent(ev models.AuditEvent) error

	// ListAuditEvents returns all audit records for a flow id in append order.
	ListAuditEvents(flowID string) ([]models.AuditEvent, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
