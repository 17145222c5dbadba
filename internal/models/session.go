// Package models defines session state structures for LedgerPipe.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// FlowType identifies a compiled-in conversation flow.
type FlowType string

const (
	// FlowTypeOffer creates a new credex offer.
	FlowTypeOffer FlowType = "offer"
	// FlowTypeAccept accepts a pending credex offer.
	FlowTypeAccept FlowType = "accept"
	// FlowTypeDecline declines a pending credex offer.
	FlowTypeDecline FlowType = "decline"
	// FlowTypeCancelOffer cancels an outgoing credex offer.
	FlowTypeCancelOffer FlowType = "cancel_offer"
	// FlowTypeRegister onboards a new member.
	FlowTypeRegister FlowType = "register"
)

// FlowStatus tracks the lifecycle of an active flow.
type FlowStatus string

const (
	// FlowStatusRunning means the flow is waiting for step input.
	FlowStatusRunning FlowStatus = "running"
	// FlowStatusCompleted means the last step finished and the completion
	// callback succeeded.
	FlowStatusCompleted FlowStatus = "completed"
	// FlowStatusCancelled means the user cancelled the flow.
	FlowStatusCancelled FlowStatus = "cancelled"
	// FlowStatusErrored means the completion callback or a ledger call failed.
	FlowStatusErrored FlowStatus = "errored"
)

// StepResult is the transformed output of one validated step input.
type StepResult map[string]interface{}

// String returns the string value stored under key, or "" when absent.
func (r StepResult) String(key string) string {
	if r == nil {
		return ""
	}
	s, _ := r[key].(string)
	return s
}

// Float returns the numeric value stored under key, or 0 when absent.
func (r StepResult) Float(key string) float64 {
	if r == nil {
		return 0
	}
	switch v := r[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// FlowState records progress through a flow. It is created when a flow starts,
// mutated after each validated input, and cleared (set to nil on the Session,
// not deleted from the store) on completion, cancellation, or error recovery.
type FlowState struct {
	FlowID    string                `json:"flow_id"`
	FlowType  FlowType              `json:"flow_type"`
	Status    FlowStatus            `json:"status"`
	StepIndex int                   `json:"step_index"`
	StepData  map[string]StepResult `json:"step_data,omitempty"`
	StartedAt time.Time             `json:"started_at"`
}

// Recorded reports whether the step with the given id already has a result.
func (f *FlowState) Recorded(stepID string) bool {
	if f == nil || f.StepData == nil {
		return false
	}
	_, ok := f.StepData[stepID]
	return ok
}

// Record stores a step result, allocating the map on first use.
func (f *FlowState) Record(stepID string, result StepResult) {
	if f.StepData == nil {
		f.StepData = make(map[string]StepResult)
	}
	f.StepData[stepID] = result
}

// Session is the single authoritative persisted record for one channel
// identity. All access goes through the state manager; no other component
// constructs storage keys or mutates persisted state directly.
type Session struct {
	Channel         ChannelIdentity `json:"channel_identity"`
	MemberID        string          `json:"member_id,omitempty"`
	AccountID       string          `json:"account_id,omitempty"`
	Authenticated   bool            `json:"authenticated"`
	AuthToken       string          `json:"auth_token,omitempty"`
	ProfileSnapshot json.RawMessage `json:"profile_snapshot,omitempty"`
	ActiveAccount   string          `json:"active_account,omitempty"`
	Flow            *FlowState      `json:"flow,omitempty"`
	Version         int64           `json:"_version"`
	LastUpdated     time.Time       `json:"_last_updated"`
}

// Session invariant violations.
var (
	ErrSessionNoChannel = errors.New("session is missing its channel identity")
	ErrSessionNoToken   = errors.New("authenticated session is missing an auth token")
	ErrSessionNoMember  = errors.New("authenticated session is missing a member id")
)

// NewSession returns a fresh empty session for a channel identity. Sessions
// are created on first contact and recreated empty after TTL expiry.
func NewSession(channel ChannelIdentity) *Session {
	return &Session{Channel: channel}
}

// Validate enforces the session invariant: authenticated == true requires a
// non-empty auth token and member id, and the channel identity is always set.
func (s *Session) Validate() error {
	if err := s.Channel.Validate(); err != nil {
		return errors.Join(ErrSessionNoChannel, err)
	}
	if s.Authenticated {
		if s.AuthToken == "" {
			return ErrSessionNoToken
		}
		if s.MemberID == "" {
			return ErrSessionNoMember
		}
	}
	return nil
}

// ClearAuth drops all authentication fields, returning the session to the
// unauthenticated state. Used when a token refresh fails.
func (s *Session) ClearAuth() {
	s.Authenticated = false
	s.AuthToken = ""
	s.MemberID = ""
	s.AccountID = ""
	s.ActiveAccount = ""
	s.ProfileSnapshot = nil
}

// ClearFlow drops any active flow state.
func (s *Session) ClearFlow() {
	s.Flow = nil
}

// Clone returns a deep copy of the session. Store backends hand out clones so
// callers can never mutate the stored copy in place.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ProfileSnapshot != nil {
		cp.ProfileSnapshot = append(json.RawMessage(nil), s.ProfileSnapshot...)
	}
	if s.Flow != nil {
		flowCp := *s.Flow
		if s.Flow.StepData != nil {
			flowCp.StepData = make(map[string]StepResult, len(s.Flow.StepData))
			for id, result := range s.Flow.StepData {
				resultCp := make(StepResult, len(result))
				for k, v := range result {
					resultCp[k] = v
				}
				flowCp.StepData[id] = resultCp
			}
		}
		cp.Flow = &flowCp
	}
	return &cp
}
