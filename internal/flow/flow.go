// Package flow defines the typed multi-step conversation flows and the
// engine that drives them.
//
// A flow is a fixed, compiled-in sequence of steps. Each step carries a
// prompt builder, a validator, a transformer, and an optional skip condition.
// Flows are registered once at startup and looked up by type.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/FinBridge/LedgerPipe/internal/ledger"
	"github.com/FinBridge/LedgerPipe/internal/models"
)

// CancelValue is the reserved button value that short-circuits any button
// step directly to cancellation without invoking the completion callback.
const CancelValue = "cancel"

// LedgerAPI is the slice of the ledger client the flows need. Defined here so
// tests can substitute a fake.
type LedgerAPI interface {
	Login(ctx context.Context, session *models.Session) (*ledger.LoginResult, error)
	OnboardMember(ctx context.Context, session *models.Session, req ledger.OnboardRequest) (*ledger.LoginResult, error)
	GetMemberDashboard(ctx context.Context, session *models.Session) (*ledger.Dashboard, error)
	GetAccountByHandle(ctx context.Context, session *models.Session, handle string) (*ledger.Account, error)
	CreateCredex(ctx context.Context, session *models.Session, req ledger.OfferRequest) (*ledger.ActionResult, error)
	AcceptCredex(ctx context.Context, session *models.Session, credexID string) (*ledger.ActionResult, error)
	DeclineCredex(ctx context.Context, session *models.Session, credexID string) (*ledger.ActionResult, error)
	CancelCredex(ctx context.Context, session *models.Session, credexID string) (*ledger.ActionResult, error)
	AcceptCredexBulk(ctx context.Context, session *models.Session, credexIDs []string) (*ledger.ActionResult, error)
}

// Dependencies holds the collaborators injected into flow definitions.
type Dependencies struct {
	Ledger LedgerAPI
}

// Step is one unit of a flow: a prompt, a validator, a transformer, and an
// optional skip condition.
type Step struct {
	// ID identifies the step inside its flow; step results are recorded
	// under it.
	ID string

	// Kind is the input kind the step expects.
	Kind models.MessageKind

	// Prompt builds the outbound message asking for this step's input.
	Prompt func(session *models.Session) models.OutboundMessage

	// Validate checks raw input. It must be free of side effects: validating
	// the same input twice yields the same result.
	Validate func(raw string) bool

	// ErrorText is the re-prompt line shown when validation fails.
	ErrorText string

	// Transform converts validated input into the recorded step result.
	// Ignored when Resolve is set.
	Transform func(raw string) models.StepResult

	// Resolve converts validated input into a step result using external
	// services (e.g. handle lookup against the ledger). A resolveRejectError
	// re-prompts the step; any other error aborts the flow.
	Resolve func(ctx context.Context, deps Dependencies, session *models.Session, raw string) (models.StepResult, error)

	// Condition decides step visibility against the current session. Nil
	// means always visible. Conditions are re-evaluated on every input since
	// earlier steps may change downstream state.
	Condition func(session *models.Session) bool
}

// eligible reports whether the step applies to the session right now.
func (s *Step) eligible(session *models.Session) bool {
	return s.Condition == nil || s.Condition(session)
}

// Definition is an ordered list of steps plus the completion callback that
// runs when the final step's input is recorded.
type Definition struct {
	Type  models.FlowType
	Steps []Step

	// OnComplete executes the flow's final action (usually a ledger call)
	// and returns the closing message. An error transitions the flow to
	// errored and clears it from the session.
	OnComplete func(ctx context.Context, deps Dependencies, session *models.Session) (models.OutboundMessage, error)
}

// resolveRejectError marks a Resolve outcome that should re-prompt the
// current step instead of aborting the flow (e.g. an unknown handle).
type resolveRejectError struct {
	text string
}

func (e *resolveRejectError) Error() string { return e.text }

// RejectInput builds a step-level rejection that re-prompts with the given text.
func RejectInput(format string, args ...interface{}) error {
	return &resolveRejectError{text: fmt.Sprintf(format, args...)}
}

var registry = make(map[models.FlowType]Definition)

// Register associates a flow type with its definition.
func Register(def Definition) {
	registry[def.Type] = def
}

// Get retrieves the definition for a flow type.
func Get(ft models.FlowType) (Definition, bool) {
	def, ok := registry[ft]
	return def, ok
}

// RegisterDefaults registers every compiled-in flow with the given
// dependencies. Called once at startup.
func RegisterDefaults() {
	Register(OfferFlow())
	Register(AcceptFlow())
	Register(DeclineFlow())
	Register(CancelOfferFlow())
	Register(RegisterFlow())
	slog.Debug("Flow registry populated", "flows", len(registry))
}
