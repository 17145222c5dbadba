package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func testChannel() ChannelIdentity {
	return ChannelIdentity{Type: ChannelTypeWhatsApp, Identifier: "15550001111"}
}

func TestSessionValidateInvariant(t *testing.T) {
	s := NewSession(testChannel())
	if err := s.Validate(); err != nil {
		t.Errorf("fresh session should be valid, got %v", err)
	}

	s.Authenticated = true
	if err := s.Validate(); !errors.Is(err, ErrSessionNoToken) {
		t.Errorf("expected ErrSessionNoToken, got %v", err)
	}

	s.AuthToken = "token"
	if err := s.Validate(); !errors.Is(err, ErrSessionNoMember) {
		t.Errorf("expected ErrSessionNoMember, got %v", err)
	}

	s.MemberID = "member-1"
	if err := s.Validate(); err != nil {
		t.Errorf("authenticated session with token and member should be valid, got %v", err)
	}

	s.Channel = ChannelIdentity{}
	if err := s.Validate(); !errors.Is(err, ErrSessionNoChannel) {
		t.Errorf("expected ErrSessionNoChannel, got %v", err)
	}
}

func TestSessionClearAuth(t *testing.T) {
	s := NewSession(testChannel())
	s.Authenticated = true
	s.AuthToken = "token"
	s.MemberID = "member-1"
	s.AccountID = "account-1"
	s.ActiveAccount = "account-1"
	s.ProfileSnapshot = json.RawMessage(`{"memberID":"member-1"}`)

	s.ClearAuth()

	if s.Authenticated || s.AuthToken != "" || s.MemberID != "" || s.AccountID != "" || s.ActiveAccount != "" || s.ProfileSnapshot != nil {
		t.Errorf("ClearAuth left residual credentials: %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("cleared session should be valid, got %v", err)
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := NewSession(testChannel())
	s.ProfileSnapshot = json.RawMessage(`{"a":1}`)
	s.Flow = &FlowState{
		FlowID:   "f1",
		FlowType: FlowTypeOffer,
		Status:   FlowStatusRunning,
	}
	s.Flow.Record("amount", StepResult{"amount": 100.0})

	clone := s.Clone()
	clone.Flow.Record("handle", StepResult{"handle": "alice_ops"})
	clone.Flow.StepData["amount"]["amount"] = 999.0
	clone.ProfileSnapshot[2] = 'b'

	if s.Flow.Recorded("handle") {
		t.Error("mutating the clone's step data affected the original")
	}
	if got := s.Flow.StepData["amount"].Float("amount"); got != 100.0 {
		t.Errorf("original amount changed, got %v", got)
	}
	if string(s.ProfileSnapshot) != `{"a":1}` {
		t.Errorf("original snapshot changed: %s", s.ProfileSnapshot)
	}
}

func TestFlowStateRecord(t *testing.T) {
	var fs *FlowState
	if fs.Recorded("amount") {
		t.Error("nil flow state should report nothing recorded")
	}

	fs = &FlowState{FlowID: "f1"}
	if fs.Recorded("amount") {
		t.Error("empty flow state should report nothing recorded")
	}

	fs.Record("amount", StepResult{"amount": 50.0, "denom": "USD"})
	if !fs.Recorded("amount") {
		t.Error("expected amount to be recorded")
	}
	if got := fs.StepData["amount"].String("denom"); got != "USD" {
		t.Errorf("expected denom USD, got %q", got)
	}
	if got := fs.StepData["amount"].Float("amount"); got != 50.0 {
		t.Errorf("expected amount 50, got %v", got)
	}
}

func TestStepResultAccessors(t *testing.T) {
	var nilResult StepResult
	if nilResult.String("x") != "" || nilResult.Float("x") != 0 {
		t.Error("nil step result accessors should return zero values")
	}

	r := StepResult{"n": 7, "f": 2.5, "s": "text"}
	if r.Float("n") != 7 {
		t.Errorf("expected int coerced to 7, got %v", r.Float("n"))
	}
	if r.Float("f") != 2.5 {
		t.Errorf("expected 2.5, got %v", r.Float("f"))
	}
	if r.String("s") != "text" {
		t.Errorf("expected 'text', got %q", r.String("s"))
	}
	if r.String("n") != "" {
		t.Error("non-string value should read as empty string")
	}
}
