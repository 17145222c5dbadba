package store

import (
	"path/filepath"
	"testing"

	"github.com/FinBridge/LedgerPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	st, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sqliteTestSession() *models.Session {
	return &models.Session{
		Channel:       models.ChannelIdentity{Type: models.ChannelTypeWhatsApp, Identifier: "15550001111"},
		MemberID:      "member-1",
		AccountID:     "account-1",
		Authenticated: true,
		AuthToken:     "token-1",
		Version:       1,
	}
}

func TestSQLiteSessionRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	session := sqliteTestSession()
	key := session.Channel.Key()

	if _, found, err := st.GetSession(key); err != nil || found {
		t.Fatalf("expected absent session, found=%v err=%v", found, err)
	}

	if err := st.PutSession(key, session, 300); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}

	got, found, err := st.GetSession(key)
	if err != nil || !found {
		t.Fatalf("GetSession failed: found=%v err=%v", found, err)
	}
	if got.MemberID != "member-1" || got.AuthToken != "token-1" || got.Version != 1 {
		t.Errorf("unexpected session after round trip: %+v", got)
	}

	if err := st.DeleteSession(key); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, found, _ := st.GetSession(key); found {
		t.Error("expected session gone after delete")
	}
}

func TestSQLiteCompareAndSwap(t *testing.T) {
	st := newTestSQLiteStore(t)
	session := sqliteTestSession()
	key := session.Channel.Key()

	// Version 0 creates.
	ok, _, err := st.CompareAndSwapSession(key, 0, session, 300)
	if err != nil || !ok {
		t.Fatalf("create CAS failed: ok=%v err=%v", ok, err)
	}

	// Create again must fail now that the row exists.
	ok, current, err := st.CompareAndSwapSession(key, 0, session, 300)
	if err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if ok {
		t.Fatal("create CAS over an existing session must fail")
	}
	if current == nil || current.Version != 1 {
		t.Errorf("expected the current session back, got %+v", current)
	}

	// Matching version swaps.
	next := session.Clone()
	next.Version = 2
	next.ActiveAccount = "account-2"
	ok, _, err = st.CompareAndSwapSession(key, 1, next, 300)
	if err != nil || !ok {
		t.Fatalf("version-match CAS failed: ok=%v err=%v", ok, err)
	}

	// Stale version fails and returns the current copy.
	stale := session.Clone()
	stale.Version = 2
	ok, current, err = st.CompareAndSwapSession(key, 1, stale, 300)
	if err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if ok {
		t.Fatal("stale CAS must fail")
	}
	if current.Version != 2 || current.ActiveAccount != "account-2" {
		t.Errorf("expected the swapped session back, got %+v", current)
	}
}

func TestSQLitePurgeExpired(t *testing.T) {
	st := newTestSQLiteStore(t)
	session := sqliteTestSession()

	if err := st.PutSession("whatsapp:1555000", session, -1); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}
	if err := st.PutSession("whatsapp:1555111", session, 300); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}

	purged, err := st.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged row, got %d", purged)
	}
	if _, found, _ := st.GetSession("whatsapp:1555111"); !found {
		t.Error("live session must survive the purge")
	}
}

func TestSQLiteAuditEvents(t *testing.T) {
	st := newTestSQLiteStore(t)

	events := []models.AuditEvent{
		{ID: "ev-1", FlowID: "flow-1", EventType: "flow_started", Status: models.AuditStatusInProgress, Context: map[string]string{"flow_type": "offer"}},
		{ID: "ev-2", FlowID: "flow-1", EventType: "step_completed", StepID: "amount", Status: models.AuditStatusSuccess},
		{ID: "ev-3", FlowID: "flow-2", EventType: "flow_started", Status: models.AuditStatusInProgress},
	}
	for _, ev := range events {
		if err := st.AppendAuditEvent(ev); err != nil {
			t.Fatalf("AppendAuditEvent failed: %v", err)
		}
	}

	got, err := st.ListAuditEvents("flow-1")
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for flow-1, got %d", len(got))
	}
	if got[0].ID != "ev-1" || got[1].ID != "ev-2" {
		t.Errorf("unexpected append order: %v, %v", got[0].ID, got[1].ID)
	}
	if got[0].Context["flow_type"] != "offer" {
		t.Errorf("expected context preserved, got %v", got[0].Context)
	}
	if got[1].StepID != "amount" {
		t.Errorf("expected step id preserved, got %q", got[1].StepID)
	}
}
