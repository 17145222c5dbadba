package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/FinBridge/LedgerPipe/internal/state"
	"github.com/FinBridge/LedgerPipe/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

func testChannel() models.ChannelIdentity {
	return models.ChannelIdentity{Type: models.ChannelTypeWhatsApp, Identifier: "15550001111"}
}

func newTestClient(t *testing.T, baseURL string) (*Client, *state.Manager) {
	t.Helper()
	sessions := state.NewManager(store.NewInMemoryStore())
	client, err := NewClient(sessions, WithBaseURL(baseURL), WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client, sessions
}

func loginResponse(token string) map[string]interface{} {
	return map[string]interface{}{
		"token":            token,
		"memberID":         "member-1",
		"defaultAccountID": "account-1",
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	sessions := state.NewManager(store.NewInMemoryStore())
	if _, err := NewClient(sessions); err == nil {
		t.Error("expected error when base URL is missing")
	}
}

func TestLoginSuccessPersistsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["phone"] != "15550001111" {
			t.Errorf("expected phone in login payload, got %v", payload)
		}
		json.NewEncoder(w).Encode(loginResponse("token-1"))
	}))
	defer server.Close()

	client, sessions := newTestClient(t, server.URL)
	session := models.NewSession(testChannel())

	result, err := client.Login(context.Background(), session)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.Token != "token-1" || result.MemberID != "member-1" {
		t.Errorf("unexpected login result: %+v", result)
	}

	// The in-memory session was refreshed.
	if !session.Authenticated || session.AuthToken != "token-1" || session.AccountID != "account-1" {
		t.Errorf("session not refreshed after login: %+v", session)
	}
	if session.ActiveAccount != "account-1" {
		t.Errorf("expected active account defaulted, got %q", session.ActiveAccount)
	}

	// And the stored copy matches.
	stored, err := sessions.Load(context.Background(), testChannel())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !stored.Authenticated || stored.MemberID != "member-1" {
		t.Errorf("stored session missing credentials: %+v", stored)
	}
}

func TestLoginUnknownMember(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"message": "member not found"})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	session := models.NewSession(testChannel())

	_, err := client.Login(context.Background(), session)
	if !errors.Is(err, ErrMemberNotFound) {
		t.Errorf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestRequestRefreshesTokenOnceOn401(t *testing.T) {
	var loginCalls, dashboardCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			loginCalls++
			json.NewEncoder(w).Encode(loginResponse("token-fresh"))
		case "/getMemberDashboardByPhone":
			dashboardCalls++
			if r.Header.Get("Authorization") != "Bearer token-fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"memberID": "member-1"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, sessions := newTestClient(t, server.URL)
	session := models.NewSession(testChannel())
	if _, err := sessions.Update(context.Background(), testChannel(), func(s *models.Session) error {
		s.Authenticated = true
		s.AuthToken = "token-stale"
		s.MemberID = "member-1"
		return nil
	}); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	session.Authenticated = true
	session.AuthToken = "token-stale"
	session.MemberID = "member-1"

	dashboard, err := client.GetMemberDashboard(context.Background(), session)
	if err != nil {
		t.Fatalf("GetMemberDashboard failed: %v", err)
	}
	if dashboard.MemberID != "member-1" {
		t.Errorf("unexpected dashboard: %+v", dashboard)
	}
	if loginCalls != 1 {
		t.Errorf("expected exactly one refresh login, got %d", loginCalls)
	}
	if dashboardCalls != 2 {
		t.Errorf("expected original call plus one retry, got %d", dashboardCalls)
	}
	if session.AuthToken != "token-fresh" {
		t.Errorf("session token not refreshed: %q", session.AuthToken)
	}
}

func TestRequestClearsAuthAfterSecond401(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			json.NewEncoder(w).Encode(loginResponse("token-fresh"))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, sessions := newTestClient(t, server.URL)
	session := models.NewSession(testChannel())
	session.Authenticated = true
	session.AuthToken = "token-stale"
	session.MemberID = "member-1"

	_, err := client.GetMemberDashboard(context.Background(), session)
	if !errors.Is(err, models.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}

	if session.Authenticated || session.AuthToken != "" {
		t.Errorf("session credentials should be cleared: %+v", session)
	}
	stored, _ := sessions.Load(context.Background(), testChannel())
	if stored.Authenticated {
		t.Error("stored session should be unauthenticated after definitive 401")
	}
}

func TestRequestRefreshesExpiredTokenProactively(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to build expired token: %v", err)
	}

	var sawStaleToken bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			json.NewEncoder(w).Encode(loginResponse("token-fresh"))
			return
		}
		if r.Header.Get("Authorization") == "Bearer "+expired {
			sawStaleToken = true
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"memberID": "member-1"})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	session := models.NewSession(testChannel())
	session.Authenticated = true
	session.AuthToken = expired
	session.MemberID = "member-1"

	if _, err := client.GetMemberDashboard(context.Background(), session); err != nil {
		t.Fatalf("GetMemberDashboard failed: %v", err)
	}
	if sawStaleToken {
		t.Error("expired token should be refreshed before the request is sent")
	}
}

func TestTokenExpired(t *testing.T) {
	valid, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("test-key"))

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid token", valid, false},
		{"expired token", expired, true},
		{"opaque token", "not-a-jwt", false},
		{"empty token", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenExpired(tt.token); got != tt.want {
				t.Errorf("tokenExpired(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestRoundTripRetriesTransportFailures(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			// Drop the connection to force a transport error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("response writer does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack failed: %v", err)
			}
			conn.Close()
			return
		}
		json.NewEncoder(w).Encode(loginResponse("token-1"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	session := models.NewSession(testChannel())

	if _, err := client.Login(context.Background(), session); err != nil {
		t.Fatalf("Login should succeed on the third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRoundTripSurfacesNetworkErrorAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // all connections now fail

	client, _ := newTestClient(t, server.URL)
	session := models.NewSession(testChannel())

	_, err := client.Login(context.Background(), session)
	if !errors.Is(err, models.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		message  string
	}{
		{"server error", 500, `{}`, models.ErrNetwork, ""},
		{"client error", 422, `{"message":"bad denomination"}`, models.ErrSystem, "bad denomination"},
		{"nested reason", 400, `{"data":{"action":{"details":{"reason":"limit exceeded"}}}}`, models.ErrSystem, "limit exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, _ := newTestClient(t, server.URL)
			session := models.NewSession(testChannel())
			session.Authenticated = true
			session.AuthToken = "token-1"
			session.MemberID = "member-1"

			_, err := client.GetAccountByHandle(context.Background(), session, "someone")
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v, got %v", tt.sentinel, err)
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %T", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, apiErr.StatusCode)
			}
			if tt.message != "" && apiErr.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, apiErr.Message)
			}
		})
	}
}

func TestCredexActions(t *testing.T) {
	var gotPath string
	var gotPayload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotPayload = map[string]interface{}{}
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(ActionResult{CredexID: "credex-1", Action: "done"})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	session := models.NewSession(testChannel())
	session.Authenticated = true
	session.AuthToken = "token-1"
	session.MemberID = "member-1"
	ctx := context.Background()

	if _, err := client.AcceptCredex(ctx, session, "credex-1"); err != nil {
		t.Fatalf("AcceptCredex failed: %v", err)
	}
	if gotPath != "/acceptCredex" || gotPayload["credexID"] != "credex-1" {
		t.Errorf("unexpected accept request: path=%s payload=%v", gotPath, gotPayload)
	}

	if _, err := client.DeclineCredex(ctx, session, "credex-2"); err != nil {
		t.Fatalf("DeclineCredex failed: %v", err)
	}
	if gotPath != "/declineCredex" {
		t.Errorf("unexpected decline path %s", gotPath)
	}

	if _, err := client.CancelCredex(ctx, session, "credex-3"); err != nil {
		t.Fatalf("CancelCredex failed: %v", err)
	}
	if gotPath != "/cancelCredex" {
		t.Errorf("unexpected cancel path %s", gotPath)
	}

	if _, err := client.AcceptCredexBulk(ctx, session, []string{"a", "b"}); err != nil {
		t.Fatalf("AcceptCredexBulk failed: %v", err)
	}
	if gotPath != "/acceptCredexBulk" {
		t.Errorf("unexpected bulk path %s", gotPath)
	}
	if ids, ok := gotPayload["credexIDs"].([]interface{}); !ok || len(ids) != 2 {
		t.Errorf("unexpected bulk payload: %v", gotPayload)
	}

	if _, err := client.CreateCredex(ctx, session, OfferRequest{
		IssuerAccountID:   "account-1",
		ReceiverAccountID: "account-2",
		Amount:            100,
		Denomination:      "USD",
		Secured:           true,
	}); err != nil {
		t.Fatalf("CreateCredex failed: %v", err)
	}
	if gotPath != "/createCredex" {
		t.Errorf("unexpected create path %s", gotPath)
	}
	if gotPayload["InitialAmount"] != float64(100) || gotPayload["securedCredex"] != true {
		t.Errorf("unexpected create payload: %v", gotPayload)
	}
}

func TestGetMemberDashboardPersistsSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"memberID": "member-1",
			"accounts": []map[string]interface{}{
				{"accountID": "account-1", "accountHandle": "alice_ops", "accountName": "Alice"},
			},
		})
	}))
	defer server.Close()

	client, sessions := newTestClient(t, server.URL)
	session := models.NewSession(testChannel())
	session.Authenticated = true
	session.AuthToken = "token-1"
	session.MemberID = "member-1"

	dashboard, err := client.GetMemberDashboard(context.Background(), session)
	if err != nil {
		t.Fatalf("GetMemberDashboard failed: %v", err)
	}
	if len(dashboard.Accounts) != 1 || dashboard.Accounts[0].AccountHandle != "alice_ops" {
		t.Errorf("unexpected dashboard: %+v", dashboard)
	}

	stored, _ := sessions.Load(context.Background(), testChannel())
	if len(stored.ProfileSnapshot) == 0 {
		t.Error("profile snapshot not persisted")
	}
}
