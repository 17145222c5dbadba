package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/FinBridge/LedgerPipe/internal/ledger"
	"github.com/FinBridge/LedgerPipe/internal/models"
)

// offerDirection selects which side of the dashboard's pending offers a
// selection flow operates on.
type offerDirection int

const (
	offersIncoming offerDirection = iota
	offersOutgoing
)

// pendingOffers extracts pending credex summaries from the session's profile
// snapshot (the last dashboard fetch).
func pendingOffers(session *models.Session, direction offerDirection) []ledger.CredexSummary {
	if len(session.ProfileSnapshot) == 0 {
		return nil
	}
	var dashboard ledger.Dashboard
	if err := json.Unmarshal(session.ProfileSnapshot, &dashboard); err != nil {
		return nil
	}

	var offers []ledger.CredexSummary
	for _, account := range dashboard.Accounts {
		if direction == offersIncoming {
			offers = append(offers, account.PendingInData...)
		} else {
			offers = append(offers, account.PendingOutData...)
		}
	}
	return offers
}

// offerRows renders pending offers as selectable list rows.
func offerRows(offers []ledger.CredexSummary) []models.ListRow {
	rows := make([]models.ListRow, 0, len(offers))
	for _, offer := range offers {
		rows = append(rows, models.ListRow{
			ID:          offer.CredexID,
			Title:       offer.Amount,
			Description: offer.Counterparty,
		})
	}
	return rows
}

// selectionFlow is the shared shape of the accept, decline, and cancel-offer
// flows: pick a pending credex from a list, confirm, then run the action.
func selectionFlow(
	flowType models.FlowType,
	direction offerDirection,
	listBody, confirmVerb, doneVerb string,
	action func(ctx context.Context, deps Dependencies, session *models.Session, credexID string) (*ledger.ActionResult, error),
) Definition {
	return Definition{
		Type: flowType,
		Steps: []Step{
			{
				ID:   "select",
				Kind: models.MessageKindList,
				Prompt: func(s *models.Session) models.OutboundMessage {
					offers := pendingOffers(s, direction)
					if len(offers) == 0 {
						return models.Text("You have no pending offers right now.")
					}
					return models.WithList(listBody, offerRows(offers)...)
				},
				Validate: func(raw string) bool {
					return raw != ""
				},
				ErrorText: "Please pick an offer from the list.",
				Resolve: func(ctx context.Context, deps Dependencies, session *models.Session, raw string) (models.StepResult, error) {
					for _, offer := range pendingOffers(session, direction) {
						if offer.CredexID == raw {
							return models.StepResult{
								"credex_id":    offer.CredexID,
								"amount":       offer.Amount,
								"counterparty": offer.Counterparty,
							}, nil
						}
					}
					return nil, RejectInput("That offer is no longer pending.")
				},
			},
			{
				ID:   "confirm",
				Kind: models.MessageKindButton,
				Prompt: func(s *models.Session) models.OutboundMessage {
					data := s.Flow.StepData["select"]
					body := fmt.Sprintf("%s the offer of %s from %s?", confirmVerb, data.String("amount"), data.String("counterparty"))
					return models.WithButtons(body,
						models.Button{ID: "confirm", Label: confirmVerb},
						models.Button{ID: CancelValue, Label: "Cancel"},
					)
				},
				Validate: func(raw string) bool {
					return raw == "confirm"
				},
				ErrorText: "Please confirm or cancel.",
				Transform: func(raw string) models.StepResult {
					return models.StepResult{"confirmed": true}
				},
			},
		},
		OnComplete: func(ctx context.Context, deps Dependencies, session *models.Session) (models.OutboundMessage, error) {
			credexID := session.Flow.StepData["select"].String("credex_id")
			result, err := action(ctx, deps, session, credexID)
			if err != nil {
				return models.OutboundMessage{}, err
			}
			body := fmt.Sprintf("Offer %s.", doneVerb)
			if result.Message != "" {
				body = result.Message
			}
			// The dashboard snapshot is now stale; refresh it best-effort so
			// the next pending-offers listing is current.
			if _, err := deps.Ledger.GetMemberDashboard(ctx, session); err != nil {
				return models.Text(body), nil
			}
			return models.Text(body), nil
		},
	}
}

// AcceptFlow builds the accept-pending-offer flow.
func AcceptFlow() Definition {
	return selectionFlow(models.FlowTypeAccept, offersIncoming,
		"Which offer would you like to accept?", "Accept", "accepted",
		func(ctx context.Context, deps Dependencies, session *models.Session, credexID string) (*ledger.ActionResult, error) {
			return deps.Ledger.AcceptCredex(ctx, session, credexID)
		})
}

// DeclineFlow builds the decline-pending-offer flow.
func DeclineFlow() Definition {
	return selectionFlow(models.FlowTypeDecline, offersIncoming,
		"Which offer would you like to decline?", "Decline", "declined",
		func(ctx context.Context, deps Dependencies, session *models.Session, credexID string) (*ledger.ActionResult, error) {
			return deps.Ledger.DeclineCredex(ctx, session, credexID)
		})
}

// CancelOfferFlow builds the cancel-outgoing-offer flow.
func CancelOfferFlow() Definition {
	return selectionFlow(models.FlowTypeCancelOffer, offersOutgoing,
		"Which of your outgoing offers would you like to cancel?", "Cancel offer", "cancelled",
		func(ctx context.Context, deps Dependencies, session *models.Session, credexID string) (*ledger.ActionResult, error) {
			return deps.Ledger.CancelCredex(ctx, session, credexID)
		})
}
