// Package testutil provides common test fixtures and helpers for LedgerPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/FinBridge/LedgerPipe/internal/ledger"
	"github.com/FinBridge/LedgerPipe/internal/models"
)

// TestChannel returns the channel identity used across tests.
func TestChannel() models.ChannelIdentity {
	return models.ChannelIdentity{Type: models.ChannelTypeWhatsApp, Identifier: "15550001111"}
}

// AuthenticatedSession returns a session that satisfies the authentication
// invariant.
func AuthenticatedSession(channel models.ChannelIdentity) *models.Session {
	return &models.Session{
		Channel:       channel,
		MemberID:      "member-1",
		AccountID:     "account-1",
		ActiveAccount: "account-1",
		Authenticated: true,
		AuthToken:     "token-1",
	}
}

// DashboardJSON marshals a dashboard fixture for use as a profile snapshot.
func DashboardJSON(t *testing.T, dashboard ledger.Dashboard) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(dashboard)
	if err != nil {
		t.Fatalf("failed to marshal dashboard fixture: %v", err)
	}
	return data
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status %q, got %q", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// FakeLedger implements the ledger surface the flows depend on. Zero value
// succeeds on every call; error fields override individual methods. All
// mutating calls are recorded for assertions.
type FakeLedger struct {
	LoginErr     error
	OnboardErr   error
	DashboardErr error
	ActionErr    error

	// Dashboard is returned by GetMemberDashboard and stored as the
	// session's profile snapshot.
	Dashboard ledger.Dashboard

	// HandleAccounts maps known handles to accounts; unknown handles get a
	// 404 APIError like the real client.
	HandleAccounts map[string]ledger.Account

	LoginCalls    int
	DashboardGets int
	Created       []ledger.OfferRequest
	Accepted      []string
	Declined      []string
	Cancelled     []string
	BulkAccepted  [][]string
	Onboarded     []ledger.OnboardRequest
}

func (f *FakeLedger) Login(ctx context.Context, session *models.Session) (*ledger.LoginResult, error) {
	f.LoginCalls++
	if f.LoginErr != nil {
		return nil, f.LoginErr
	}
	session.Authenticated = true
	session.AuthToken = "token-1"
	session.MemberID = "member-1"
	if session.AccountID == "" {
		session.AccountID = "account-1"
	}
	if session.ActiveAccount == "" {
		session.ActiveAccount = session.AccountID
	}
	return &ledger.LoginResult{Token: "token-1", MemberID: "member-1", AccountID: session.AccountID}, nil
}

func (f *FakeLedger) OnboardMember(ctx context.Context, session *models.Session, req ledger.OnboardRequest) (*ledger.LoginResult, error) {
	if f.OnboardErr != nil {
		return nil, f.OnboardErr
	}
	f.Onboarded = append(f.Onboarded, req)
	session.Authenticated = true
	session.AuthToken = "token-new"
	session.MemberID = "member-new"
	return &ledger.LoginResult{Token: "token-new", MemberID: "member-new"}, nil
}

func (f *FakeLedger) GetMemberDashboard(ctx context.Context, session *models.Session) (*ledger.Dashboard, error) {
	f.DashboardGets++
	if f.DashboardErr != nil {
		return nil, f.DashboardErr
	}
	dashboard := f.Dashboard
	if snapshot, err := json.Marshal(dashboard); err == nil {
		session.ProfileSnapshot = snapshot
	}
	return &dashboard, nil
}

func (f *FakeLedger) GetAccountByHandle(ctx context.Context, session *models.Session, handle string) (*ledger.Account, error) {
	if account, ok := f.HandleAccounts[handle]; ok {
		return &account, nil
	}
	return nil, &ledger.APIError{StatusCode: 404, Endpoint: "getAccountByHandle", Message: "account not found"}
}

func (f *FakeLedger) CreateCredex(ctx context.Context, session *models.Session, req ledger.OfferRequest) (*ledger.ActionResult, error) {
	if f.ActionErr != nil {
		return nil, f.ActionErr
	}
	f.Created = append(f.Created, req)
	return &ledger.ActionResult{CredexID: "credex-new", Action: "CREDEX_OFFERED"}, nil
}

func (f *FakeLedger) AcceptCredex(ctx context.Context, session *models.Session, credexID string) (*ledger.ActionResult, error) {
	if f.ActionErr != nil {
		return nil, f.ActionErr
	}
	f.Accepted = append(f.Accepted, credexID)
	return &ledger.ActionResult{CredexID: credexID, Action: "CREDEX_ACCEPTED"}, nil
}

func (f *FakeLedger) DeclineCredex(ctx context.Context, session *models.Session, credexID string) (*ledger.ActionResult, error) {
	if f.ActionErr != nil {
		return nil, f.ActionErr
	}
	f.Declined = append(f.Declined, credexID)
	return &ledger.ActionResult{CredexID: credexID, Action: "CREDEX_DECLINED"}, nil
}

func (f *FakeLedger) CancelCredex(ctx context.Context, session *models.Session, credexID string) (*ledger.ActionResult, error) {
	if f.ActionErr != nil {
		return nil, f.ActionErr
	}
	f.Cancelled = append(f.Cancelled, credexID)
	return &ledger.ActionResult{CredexID: credexID, Action: "CREDEX_CANCELLED"}, nil
}

func (f *FakeLedger) AcceptCredexBulk(ctx context.Context, session *models.Session, credexIDs []string) (*ledger.ActionResult, error) {
	if f.ActionErr != nil {
		return nil, f.ActionErr
	}
	f.BulkAccepted = append(f.BulkAccepted, credexIDs)
	return &ledger.ActionResult{Action: "CREDEX_ACCEPTED"}, nil
}
