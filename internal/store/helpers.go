package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/FinBridge/LedgerPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanAuditEvent scans an AuditEvent from sql.Rows.
func scanAuditEvent(rows *sql.Rows) (models.AuditEvent, error) {
	var ev models.AuditEvent
	var stepID, contextJSON, errText sql.NullString
	var status string
	err := rows.Scan(&ev.ID, &ev.FlowID, &ev.EventType, &stepID, &status, &contextJSON, &errText, &ev.Timestamp)
	if err != nil {
		return ev, fmt.Errorf("scan audit event failed: %w", err)
	}
	ev.StepID = stepID.String
	ev.Status = models.AuditStatus(status)
	ev.Error = errText.String
	if contextJSON.Valid && contextJSON.String != "" {
		ev.Context = make(map[string]string)
		if err := json.Unmarshal([]byte(contextJSON.String), &ev.Context); err != nil {
			// Keep the event; a corrupt context blob is not worth losing the record.
			ev.Context = nil
		}
	}
	return ev, nil
}
