package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/FinBridge/LedgerPipe/internal/audit"
	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/FinBridge/LedgerPipe/internal/store"
	"github.com/FinBridge/LedgerPipe/internal/testutil"
)

func TestHealthHandler(t *testing.T) {
	server := NewServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.healthHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestHealthHandlerMethodNotAllowed(t *testing.T) {
	server := NewServer()

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rr := httptest.NewRecorder()
	server.healthHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "health POST")
	if got := rr.Header().Get("Allow"); got != http.MethodGet {
		t.Errorf("expected Allow: GET, got %q", got)
	}
}

func TestAuditHandlerReturnsFlowEvents(t *testing.T) {
	st := store.NewInMemoryStore()
	audits := audit.NewLog(st)
	audits.FlowEvent("flow-1", "flow_started", "", nil, models.AuditStatusInProgress, nil)
	audits.FlowEvent("flow-1", "step_completed", "amount", nil, models.AuditStatusSuccess, nil)
	audits.FlowEvent("flow-2", "flow_started", "", nil, models.AuditStatusInProgress, nil)

	server := NewServer(WithAuditLog(audits))

	req := httptest.NewRequest(http.MethodGet, "/audit?flow_id=flow-1", nil)
	rr := httptest.NewRecorder()
	server.auditHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "audit")
	response := testutil.AssertJSONResponse(t, rr, "ok")

	events, ok := response["result"].([]interface{})
	if !ok {
		t.Fatalf("expected a result list, got %v", response["result"])
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for flow-1, got %d", len(events))
	}
	first, _ := events[0].(map[string]interface{})
	if first["event_type"] != "flow_started" {
		t.Errorf("expected flow_started first, got %v", first["event_type"])
	}
}

func TestAuditHandlerRequiresFlowID(t *testing.T) {
	server := NewServer(WithAuditLog(audit.NewLog(store.NewInMemoryStore())))

	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	rr := httptest.NewRecorder()
	server.auditHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "audit without flow_id")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestAuditHandlerWithoutAuditLog(t *testing.T) {
	server := NewServer()

	req := httptest.NewRequest(http.MethodGet, "/audit?flow_id=flow-1", nil)
	rr := httptest.NewRecorder()
	server.auditHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "audit unconfigured")
}

func TestAuditHandlerMethodNotAllowed(t *testing.T) {
	server := NewServer(WithAuditLog(audit.NewLog(store.NewInMemoryStore())))

	req := httptest.NewRequest(http.MethodDelete, "/audit?flow_id=flow-1", nil)
	rr := httptest.NewRecorder()
	server.auditHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "audit DELETE")
}
