// Package state provides the session state manager for LedgerPipe.
//
// The manager is the single source of truth for per-user state: every read
// and write of a Session goes through it, it validates the session invariant
// at each boundary, and it serializes concurrent writers with a bounded
// compare-and-swap retry loop over the store.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/FinBridge/LedgerPipe/internal/store"
)

const (
	// DefaultTTLSeconds is the session inactivity window. A session untouched
	// for this long is hard-deleted and recreated empty on next contact.
	DefaultTTLSeconds = 300
	// maxUpdateAttempts bounds the load-merge-write retry loop.
	maxUpdateAttempts = 3
)

// FieldKey names a session field readable through the validation gate.
type FieldKey string

// Critical fields may only be read from a session that passes invariant
// validation.
const (
	FieldChannel       FieldKey = "channel"
	FieldMemberID      FieldKey = "member_id"
	FieldAuthToken     FieldKey = "auth_token"
	FieldAuthenticated FieldKey = "authenticated"
	FieldFlow          FieldKey = "flow"

	FieldAccountID       FieldKey = "account_id"
	FieldActiveAccount   FieldKey = "active_account"
	FieldProfileSnapshot FieldKey = "profile_snapshot"
)

// ErrUnknownField is returned for a field key the session does not carry.
var ErrUnknownField = errors.New("unknown session field")

// Manager wraps a Store and enforces the session invariant on every access.
type Manager struct {
	store      store.Store
	ttlSeconds int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTLSeconds overrides the session inactivity TTL.
func WithTTLSeconds(ttl int64) Option {
	return func(m *Manager) { m.ttlSeconds = ttl }
}

// NewManager creates a session state manager backed by st.
func NewManager(st store.Store, opts ...Option) *Manager {
	slog.Debug("Creating state Manager")
	m := &Manager{store: st, ttlSeconds: DefaultTTLSeconds}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load returns the authoritative session for a channel identity. An absent or
// expired key yields a fresh empty session rather than an error.
func (m *Manager) Load(ctx context.Context, channel models.ChannelIdentity) (*models.Session, error) {
	if err := channel.Validate(); err != nil {
		return nil, err
	}

	session, found, err := m.store.GetSession(channel.Key())
	if err != nil {
		slog.Error("Manager Load store error", "error", err, "channel", channel.Key())
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !found {
		slog.Debug("Manager Load creating fresh session", "channel", channel.Key())
		return models.NewSession(channel), nil
	}
	slog.Debug("Manager Load found session", "channel", channel.Key(), "version", session.Version, "authenticated", session.Authenticated)
	return session, nil
}

// Update applies a mutation to the latest authoritative copy of the session
// and persists it atomically. The apply function always runs against the
// session re-read immediately before the write, so a concurrent writer's
// committed fields are never clobbered. The resulting session must satisfy
// the invariant. After exhausting the bounded retries the update surfaces
// ErrStateConflict.
//
// Every successful update bumps the version, sets the last-updated timestamp,
// and refreshes the TTL.
func (m *Manager) Update(ctx context.Context, channel models.ChannelIdentity, apply func(*models.Session) error) (*models.Session, error) {
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	key := channel.Key()

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		session, err := m.Load(ctx, channel)
		if err != nil {
			return nil, err
		}
		expectedVersion := session.Version

		if err := apply(session); err != nil {
			return nil, err
		}
		// The channel identity is immutable once set.
		session.Channel = channel

		if err := session.Validate(); err != nil {
			slog.Error("Manager Update produced invalid session", "error", err, "channel", key)
			return nil, errors.Join(models.ErrStateInvalid, err)
		}

		session.Version = expectedVersion + 1
		session.LastUpdated = time.Now()

		ok, _, err := m.store.CompareAndSwapSession(key, expectedVersion, session, m.ttlSeconds)
		if err != nil {
			slog.Error("Manager Update store error", "error", err, "channel", key)
			return nil, fmt.Errorf("failed to persist session: %w", err)
		}
		if ok {
			slog.Debug("Manager Update succeeded", "channel", key, "version", session.Version, "attempt", attempt)
			return session, nil
		}
		slog.Debug("Manager Update version conflict, retrying", "channel", key, "attempt", attempt)
	}

	slog.Error("Manager Update exhausted retries", "channel", key, "attempts", maxUpdateAttempts)
	return nil, fmt.Errorf("%w: update still conflicting after %d attempts", models.ErrStateConflict, maxUpdateAttempts)
}

// Field reads a session field through the validation gate. Critical fields
// (channel, member id, auth token, authenticated flag, flow) return
// ErrStateInvalid when the session fails invariant validation; callers must
// never act on critical fields of a known-invalid session.
func (m *Manager) Field(session *models.Session, key FieldKey) (interface{}, error) {
	switch key {
	case FieldChannel, FieldMemberID, FieldAuthToken, FieldAuthenticated, FieldFlow:
		if err := session.Validate(); err != nil {
			slog.Error("Manager Field critical read on invalid session", "error", err, "field", string(key))
			return nil, errors.Join(models.ErrStateInvalid, err)
		}
	case FieldAccountID, FieldActiveAccount, FieldProfileSnapshot:
		// Non-critical fields are readable from any session.
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, key)
	}

	switch key {
	case FieldChannel:
		return session.Channel, nil
	case FieldMemberID:
		return session.MemberID, nil
	case FieldAuthToken:
		return session.AuthToken, nil
	case FieldAuthenticated:
		return session.Authenticated, nil
	case FieldFlow:
		return session.Flow, nil
	case FieldAccountID:
		return session.AccountID, nil
	case FieldActiveAccount:
		return session.ActiveAccount, nil
	case FieldProfileSnapshot:
		return session.ProfileSnapshot, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownField, key)
}

// Reset drops the persisted session for a channel identity entirely. The next
// load recreates it empty.
func (m *Manager) Reset(ctx context.Context, channel models.ChannelIdentity) error {
	if err := channel.Validate(); err != nil {
		return err
	}
	if err := m.store.DeleteSession(channel.Key()); err != nil {
		slog.Error("Manager Reset store error", "error", err, "channel", channel.Key())
		return fmt.Errorf("failed to reset session: %w", err)
	}
	slog.Info("Manager Reset removed session", "channel", channel.Key())
	return nil
}
