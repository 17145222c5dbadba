// Package audit provides the append-only structured event recorder.
//
// Audit records exist for debugging and offline replay of flow failures.
// Writes are best-effort: a failed append is logged and swallowed so it can
// never fail the primary operation, and no component may depend on audit
// history for correctness.
package audit

import (
	"log/slog"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/FinBridge/LedgerPipe/internal/store"
	"github.com/google/uuid"
)

// Log records flow and state transition events into the store.
type Log struct {
	store store.Store
}

// NewLog creates an audit log backed by st.
func NewLog(st store.Store) *Log {
	return &Log{store: st}
}

// FlowEvent records a flow transition or validation outcome. The err argument
// may be nil.
func (l *Log) FlowEvent(flowID, eventType, stepID string, context map[string]string, status models.AuditStatus, err error) {
	ev := models.AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		FlowID:    flowID,
		EventType: eventType,
		StepID:    stepID,
		Status:    status,
		Context:   context,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	l.append(ev)
}

// StateTransition records a session state transition keyed by flow id.
func (l *Log) StateTransition(flowID, before, after string, status models.AuditStatus) {
	l.append(models.AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		FlowID:    flowID,
		EventType: "state_transition",
		Status:    status,
		Context:   map[string]string{"before": before, "after": after},
	})
}

// Events returns all audit records for a flow id in append order.
func (l *Log) Events(flowID string) ([]models.AuditEvent, error) {
	return l.store.ListAuditEvents(flowID)
}

func (l *Log) append(ev models.AuditEvent) {
	if err := l.store.AppendAuditEvent(ev); err != nil {
		// Best-effort only; the primary operation must not fail.
		slog.Error("AuditLog append failed", "error", err, "flow_id", ev.FlowID, "event_type", ev.EventType)
		return
	}
	slog.Debug("AuditLog event recorded", "flow_id", ev.FlowID, "event_type", ev.EventType, "status", string(ev.Status))
}
