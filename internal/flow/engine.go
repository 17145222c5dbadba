package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/audit"
	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/google/uuid"
)

// Engine drives flows: it resolves the current step, runs the
// validate-transform-advance cycle, and produces the outbound message for
// each state. The engine mutates the in-memory session only; the caller
// persists through the state manager.
type Engine struct {
	deps   Dependencies
	audits *audit.Log
}

// NewEngine creates a flow engine with the given dependencies and audit log.
func NewEngine(deps Dependencies, audits *audit.Log) *Engine {
	slog.Debug("Creating flow Engine")
	return &Engine{deps: deps, audits: audits}
}

// Start begins a flow on the session and returns the prompt for the first
// eligible step. Leading steps whose condition is false are skipped.
func (e *Engine) Start(ctx context.Context, session *models.Session, flowType models.FlowType) (models.OutboundMessage, error) {
	def, ok := Get(flowType)
	if !ok {
		return models.OutboundMessage{}, fmt.Errorf("%w: no flow registered for type %s", models.ErrSystem, flowType)
	}

	session.Flow = &models.FlowState{
		FlowID:    uuid.NewString(),
		FlowType:  flowType,
		Status:    models.FlowStatusRunning,
		StartedAt: time.Now(),
	}
	e.audits.FlowEvent(session.Flow.FlowID, "flow_started", "", map[string]string{"flow_type": string(flowType)}, models.AuditStatusInProgress, nil)

	step, idx := currentStep(def, session)
	if step == nil {
		// Every step was skipped; the flow completes immediately.
		slog.Debug("Engine Start found no eligible steps, completing", "flow_type", flowType)
		return e.complete(ctx, def, session)
	}
	session.Flow.StepIndex = idx

	slog.Info("Engine started flow", "flow_id", session.Flow.FlowID, "flow_type", flowType, "first_step", step.ID)
	return step.Prompt(session), nil
}

// ProcessInput advances the session's active flow with one inbound event.
// Invalid input leaves the step unchanged and re-prompts; valid input records
// the transformed result and advances to the next eligible step, completing
// the flow when none remain.
func (e *Engine) ProcessInput(ctx context.Context, session *models.Session, event models.Event) (models.OutboundMessage, error) {
	fs := session.Flow
	if fs == nil || fs.Status != models.FlowStatusRunning {
		return models.OutboundMessage{}, fmt.Errorf("%w: no running flow on session", models.ErrSystem)
	}
	def, ok := Get(fs.FlowType)
	if !ok {
		session.ClearFlow()
		return models.OutboundMessage{}, fmt.Errorf("%w: flow type %s no longer registered", models.ErrSystem, fs.FlowType)
	}

	step, idx := currentStep(def, session)
	if step == nil {
		// All remaining steps became ineligible since the last input.
		return e.complete(ctx, def, session)
	}
	fs.StepIndex = idx

	// Reserved cancel value on button steps short-circuits to cancelled
	// without invoking the completion callback.
	if step.Kind == models.MessageKindButton && event.RawValue == CancelValue {
		e.audits.FlowEvent(fs.FlowID, "flow_cancelled", step.ID, nil, models.AuditStatusSuccess, nil)
		slog.Info("Engine flow cancelled by user", "flow_id", fs.FlowID, "step", step.ID)
		session.ClearFlow()
		return models.Text("Cancelled. Send \"menu\" to see what you can do."), nil
	}

	if step.Validate != nil && !step.Validate(event.RawValue) {
		e.audits.FlowEvent(fs.FlowID, "step_validation", step.ID, map[string]string{"kind": string(event.Kind)}, models.AuditStatusFailure, nil)
		slog.Debug("Engine step input rejected", "flow_id", fs.FlowID, "step", step.ID)
		return rePrompt(step, session, step.ErrorText), nil
	}

	result, err := e.transformStep(ctx, step, session, event.RawValue)
	if err != nil {
		if reject, ok := err.(*resolveRejectError); ok {
			e.audits.FlowEvent(fs.FlowID, "step_validation", step.ID, nil, models.AuditStatusFailure, reject)
			return rePrompt(step, session, reject.text), nil
		}
		// Non-recoverable failure: the flow is cleared so the user is never
		// stuck; the dispatcher renders the safe outbound message.
		e.audits.FlowEvent(fs.FlowID, "step_resolve", step.ID, nil, models.AuditStatusFailure, err)
		fs.Status = models.FlowStatusErrored
		session.ClearFlow()
		return models.OutboundMessage{}, err
	}

	fs.Record(step.ID, result)
	e.audits.FlowEvent(fs.FlowID, "step_completed", step.ID, nil, models.AuditStatusSuccess, nil)

	next, nextIdx := currentStep(def, session)
	if next == nil {
		return e.complete(ctx, def, session)
	}
	fs.StepIndex = nextIdx
	slog.Debug("Engine advanced to next step", "flow_id", fs.FlowID, "step", next.ID)
	return next.Prompt(session), nil
}

// transformStep turns validated raw input into a recorded step result.
func (e *Engine) transformStep(ctx context.Context, step *Step, session *models.Session, raw string) (models.StepResult, error) {
	if step.Resolve != nil {
		return step.Resolve(ctx, e.deps, session, raw)
	}
	if step.Transform != nil {
		return step.Transform(raw), nil
	}
	return models.StepResult{"value": raw}, nil
}

// complete runs the completion callback and clears the flow state. On
// failure the flow transitions to errored and is still cleared so the user
// returns to the top-level menu.
func (e *Engine) complete(ctx context.Context, def Definition, session *models.Session) (models.OutboundMessage, error) {
	fs := session.Flow
	fs.Status = models.FlowStatusCompleted

	if def.OnComplete == nil {
		e.audits.FlowEvent(fs.FlowID, "flow_completed", "", nil, models.AuditStatusSuccess, nil)
		session.ClearFlow()
		return models.Text("Done."), nil
	}

	msg, err := def.OnComplete(ctx, e.deps, session)
	if err != nil {
		fs.Status = models.FlowStatusErrored
		e.audits.FlowEvent(fs.FlowID, "flow_completed", "", nil, models.AuditStatusFailure, err)
		slog.Error("Engine flow completion failed", "error", err, "flow_id", fs.FlowID, "flow_type", fs.FlowType)
		session.ClearFlow()
		return models.OutboundMessage{}, err
	}

	e.audits.FlowEvent(fs.FlowID, "flow_completed", "", nil, models.AuditStatusSuccess, nil)
	slog.Info("Engine flow completed", "flow_id", fs.FlowID, "flow_type", fs.FlowType)
	session.ClearFlow()
	return msg, nil
}

// currentStep returns the first step in declaration order whose condition
// holds and whose result has not yet been recorded. This makes skipped steps
// transparent to callers regardless of the stored step index.
func currentStep(def Definition, session *models.Session) (*Step, int) {
	for i := range def.Steps {
		step := &def.Steps[i]
		if !step.eligible(session) {
			continue
		}
		if session.Flow.Recorded(step.ID) {
			continue
		}
		return step, i
	}
	return nil, -1
}

// rePrompt prefixes the step prompt with an error line.
func rePrompt(step *Step, session *models.Session, errorText string) models.OutboundMessage {
	msg := step.Prompt(session)
	if errorText != "" {
		msg.Body = errorText + "\n\n" + msg.Body
	}
	return msg
}
