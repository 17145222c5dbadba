// Package dispatch provides the per-event entry point for inbound channel
// events.
//
// The dispatcher composes the state manager, flow engine, ledger client, and
// audit log. It decides whether an event starts a flow, advances the active
// flow, or falls through to menu handling, persists all state changes, and is
// the single boundary where errors become safe outbound messages. No error
// or panic escapes Handle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/FinBridge/LedgerPipe/internal/audit"
	"github.com/FinBridge/LedgerPipe/internal/flow"
	"github.com/FinBridge/LedgerPipe/internal/ledger"
	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/FinBridge/LedgerPipe/internal/state"
)

// greetings reset any active flow and show the menu.
var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "menu": true, "start": true,
}

// triggers map recognized menu keywords to flow types.
var triggers = map[string]models.FlowType{
	"offer":        models.FlowTypeOffer,
	"accept":       models.FlowTypeAccept,
	"decline":      models.FlowTypeDecline,
	"cancel offer": models.FlowTypeCancelOffer,
}

const menuText = `What would you like to do?

- "offer" - offer a new credex
- "accept" - accept a pending offer
- "accept all" - accept every pending offer
- "decline" - decline a pending offer
- "cancel offer" - cancel an outgoing offer
- "balance" - view your balances
- "menu" - show this menu`

// Dispatcher routes inbound events through the flow engine.
type Dispatcher struct {
	sessions *state.Manager
	engine   *flow.Engine
	ledger   flow.LedgerAPI
	audits   *audit.Log
}

// NewDispatcher creates a dispatcher with explicit collaborators.
func NewDispatcher(sessions *state.Manager, engine *flow.Engine, ledgerAPI flow.LedgerAPI, audits *audit.Log) *Dispatcher {
	slog.Debug("Creating Dispatcher")
	return &Dispatcher{sessions: sessions, engine: engine, ledger: ledgerAPI, audits: audits}
}

// Handle processes one inbound event and returns the outbound reply. All
// failures are audited and converted to a safe user-facing message here.
func (d *Dispatcher) Handle(ctx context.Context, event models.Event) (out models.OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher recovered from panic", "panic", r, "channel", event.Channel.Key())
			d.audits.FlowEvent("", "dispatch_panic", "", map[string]string{"panic": fmt.Sprint(r)}, models.AuditStatusFailure, nil)
			out = models.Text(models.UserMessage(models.ErrSystem))
		}
	}()

	if err := event.Validate(); err != nil {
		slog.Error("Dispatcher rejected malformed event", "error", err)
		return models.Text(models.UserMessage(models.ErrSystem))
	}

	session, err := d.sessions.Load(ctx, event.Channel)
	if err != nil {
		return d.fail(ctx, event.Channel, "", err)
	}

	input := strings.ToLower(strings.TrimSpace(event.RawValue))

	// Greetings redirect unconditionally: any in-progress flow is abandoned
	// and the user lands back on the menu. Nothing in flight is interrupted,
	// only the next message is redirected.
	if event.Kind == models.MessageKindText && greetings[input] {
		return d.showMenu(ctx, session)
	}

	if session.Flow != nil && session.Flow.Status == models.FlowStatusRunning {
		return d.advanceFlow(ctx, session, event)
	}

	if event.Kind == models.MessageKindText {
		if flowType, ok := triggers[input]; ok {
			return d.startFlow(ctx, session, flowType)
		}
		switch input {
		case "balance", "offers":
			return d.showBalance(ctx, session)
		case "accept all":
			return d.acceptAll(ctx, session)
		}
	}

	// Unrecognized input outside a flow falls through to the menu.
	return d.showMenu(ctx, session)
}

// startFlow ensures the session is authenticated, starts the flow, and
// persists the new flow state.
func (d *Dispatcher) startFlow(ctx context.Context, session *models.Session, flowType models.FlowType) models.OutboundMessage {
	if msg, ok := d.ensureAuthenticated(ctx, session); !ok {
		return msg
	}

	msg, err := d.engine.Start(ctx, session, flowType)
	if err != nil {
		return d.fail(ctx, session.Channel, flowID(session), err)
	}
	if err := d.persistFlow(ctx, session); err != nil {
		return d.fail(ctx, session.Channel, flowID(session), err)
	}
	return msg
}

// advanceFlow feeds the event into the engine and persists the result.
func (d *Dispatcher) advanceFlow(ctx context.Context, session *models.Session, event models.Event) models.OutboundMessage {
	id := flowID(session)
	msg, err := d.engine.ProcessInput(ctx, session, event)
	if persistErr := d.persistFlow(ctx, session); persistErr != nil && err == nil {
		err = persistErr
	}
	if err != nil {
		return d.fail(ctx, session.Channel, id, err)
	}
	return msg
}

// showMenu clears any active flow, makes sure the user is logged in, and
// renders the top-level menu.
func (d *Dispatcher) showMenu(ctx context.Context, session *models.Session) models.OutboundMessage {
	if session.Flow != nil {
		session.ClearFlow()
		if err := d.persistFlow(ctx, session); err != nil {
			return d.fail(ctx, session.Channel, "", err)
		}
	}
	if msg, ok := d.ensureAuthenticated(ctx, session); !ok {
		return msg
	}
	return models.Text(menuText)
}

// showBalance renders the account balances and pending offer counts from a
// fresh dashboard fetch.
func (d *Dispatcher) showBalance(ctx context.Context, session *models.Session) models.OutboundMessage {
	if msg, ok := d.ensureAuthenticated(ctx, session); !ok {
		return msg
	}
	dashboard, err := d.ledger.GetMemberDashboard(ctx, session)
	if err != nil {
		return d.fail(ctx, session.Channel, "", err)
	}

	var b strings.Builder
	b.WriteString("Your accounts:\n")
	for _, account := range dashboard.Accounts {
		fmt.Fprintf(&b, "\n%s (%s): %s", account.AccountName, account.AccountHandle, account.Balance)
		if n := len(account.PendingInData); n > 0 {
			fmt.Fprintf(&b, " - %d pending offer(s) in", n)
		}
		if n := len(account.PendingOutData); n > 0 {
			fmt.Fprintf(&b, " - %d pending offer(s) out", n)
		}
	}
	return models.Text(b.String())
}

// acceptAll accepts every pending incoming offer in one bulk ledger call.
func (d *Dispatcher) acceptAll(ctx context.Context, session *models.Session) models.OutboundMessage {
	if msg, ok := d.ensureAuthenticated(ctx, session); !ok {
		return msg
	}
	dashboard, err := d.ledger.GetMemberDashboard(ctx, session)
	if err != nil {
		return d.fail(ctx, session.Channel, "", err)
	}

	var credexIDs []string
	for _, account := range dashboard.Accounts {
		for _, offer := range account.PendingInData {
			credexIDs = append(credexIDs, offer.CredexID)
		}
	}
	if len(credexIDs) == 0 {
		return models.Text("You have no pending offers to accept.")
	}

	if _, err := d.ledger.AcceptCredexBulk(ctx, session, credexIDs); err != nil {
		return d.fail(ctx, session.Channel, "", err)
	}
	return models.Text(fmt.Sprintf("Accepted %d offer(s).", len(credexIDs)))
}

// ensureAuthenticated logs the session in when needed. An unknown phone
// number routes into the registration flow; other failures surface as the
// safe error message. The second return is false when the caller should
// return the message instead of proceeding.
func (d *Dispatcher) ensureAuthenticated(ctx context.Context, session *models.Session) (models.OutboundMessage, bool) {
	if session.Authenticated {
		return models.OutboundMessage{}, true
	}

	if _, err := d.ledger.Login(ctx, session); err != nil {
		if errors.Is(err, ledger.ErrMemberNotFound) {
			msg, startErr := d.engine.Start(ctx, session, models.FlowTypeRegister)
			if startErr != nil {
				return d.fail(ctx, session.Channel, "", startErr), false
			}
			if persistErr := d.persistFlow(ctx, session); persistErr != nil {
				return d.fail(ctx, session.Channel, flowID(session), persistErr), false
			}
			return msg, false
		}
		return d.fail(ctx, session.Channel, "", err), false
	}
	d.audits.StateTransition(flowID(session), "unauthenticated", "authenticated", models.AuditStatusSuccess)
	return models.OutboundMessage{}, true
}

// persistFlow writes the session's flow state through the state manager,
// merging onto the latest authoritative copy.
func (d *Dispatcher) persistFlow(ctx context.Context, session *models.Session) error {
	flowState := session.Flow
	updated, err := d.sessions.Update(ctx, session.Channel, func(s *models.Session) error {
		s.Flow = flowState
		return nil
	})
	if err != nil {
		return err
	}
	*session = *updated
	return nil
}

// fail audits a non-validation error, clears any active flow so the user is
// never stuck, and returns the safe outbound message.
func (d *Dispatcher) fail(ctx context.Context, channel models.ChannelIdentity, id string, err error) models.OutboundMessage {
	slog.Error("Dispatcher handling failed", "error", err, "channel", channel.Key(), "flow_id", id)
	d.audits.FlowEvent(id, "dispatch_error", "", map[string]string{"channel": channel.Key()}, models.AuditStatusFailure, err)

	// Best-effort cleanup; a failure here still returns the error message.
	if _, clearErr := d.sessions.Update(ctx, channel, func(s *models.Session) error {
		s.ClearFlow()
		return nil
	}); clearErr != nil {
		slog.Error("Dispatcher failed to clear flow after error", "error", clearErr, "channel", channel.Key())
	}

	return models.Text(models.UserMessage(err))
}

func flowID(session *models.Session) string {
	if session.Flow == nil {
		return ""
	}
	return session.Flow.FlowID
}
