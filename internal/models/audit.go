// Package models defines audit event structures for LedgerPipe.
package models

import "time"

// AuditStatus is the outcome recorded on an audit event.
type AuditStatus string

const (
	// AuditStatusSuccess marks a completed operation.
	AuditStatusSuccess AuditStatus = "success"
	// AuditStatusFailure marks a failed operation.
	AuditStatusFailure AuditStatus = "failure"
	// AuditStatusInProgress marks an operation that has started.
	AuditStatusInProgress AuditStatus = "in_progress"
)

// AuditEvent is one append-only observability record, keyed by flow id for
// retrieval. Audit history is never consulted for correctness.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	FlowID    string            `json:"flow_id"`
	EventType string            `json:"event_type"`
	StepID    string            `json:"step_id,omitempty"`
	Status    AuditStatus       `json:"status"`
	Context   map[string]string `json:"context,omitempty"`
	Error     string            `json:"error,omitempty"`
}
