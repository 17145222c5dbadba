package flow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/FinBridge/LedgerPipe/internal/ledger"
	"github.com/FinBridge/LedgerPipe/internal/models"
)

// DefaultDenomination is used when an amount is entered without one.
const DefaultDenomination = "USD"

var handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// knownDenominations the ledger service accepts for credex amounts.
var knownDenominations = map[string]bool{
	"USD": true, "CAD": true, "XAU": true, "ZWG": true,
}

// parseAmount accepts "100", "100.50", "USD 100", and "100 USD" forms.
func parseAmount(raw string) (denom string, amount float64, ok bool) {
	fields := strings.Fields(strings.TrimSpace(raw))
	denom = DefaultDenomination

	var numText string
	switch len(fields) {
	case 1:
		numText = fields[0]
	case 2:
		first := strings.ToUpper(fields[0])
		second := strings.ToUpper(fields[1])
		switch {
		case knownDenominations[first]:
			denom, numText = first, fields[1]
		case knownDenominations[second]:
			denom, numText = second, fields[0]
		default:
			return "", 0, false
		}
	default:
		return "", 0, false
	}

	amount, err := strconv.ParseFloat(numText, 64)
	if err != nil || amount <= 0 {
		return "", 0, false
	}
	return denom, amount, true
}

// validAmount reports whether raw parses as a positive amount.
func validAmount(raw string) bool {
	_, _, ok := parseAmount(raw)
	return ok
}

// validHandle reports whether raw is a well-formed account handle.
func validHandle(raw string) bool {
	return handlePattern.MatchString(strings.TrimSpace(raw))
}

// resolveHandle looks the handle up against the ledger. An unknown handle
// re-prompts the step; other ledger failures abort the flow.
func resolveHandle(ctx context.Context, deps Dependencies, session *models.Session, raw string) (models.StepResult, error) {
	handle := strings.TrimSpace(raw)
	account, err := deps.Ledger.GetAccountByHandle(ctx, session, handle)
	if err != nil {
		var apiErr *ledger.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, RejectInput("No account found for handle %q. Check the spelling and try again.", handle)
		}
		return nil, err
	}
	return models.StepResult{
		"handle":       handle,
		"account_id":   account.AccountID,
		"account_name": account.AccountName,
	}, nil
}

// OfferFlow builds the credex offer creation flow:
// amount -> handle -> secured -> confirm.
func OfferFlow() Definition {
	return Definition{
		Type: models.FlowTypeOffer,
		Steps: []Step{
			{
				ID:   "amount",
				Kind: models.MessageKindText,
				Prompt: func(*models.Session) models.OutboundMessage {
					return models.Text("How much would you like to offer? Enter an amount, e.g. 100 or USD 100.")
				},
				Validate:  validAmount,
				ErrorText: "That doesn't look like a valid amount.",
				Transform: func(raw string) models.StepResult {
					denom, amount, _ := parseAmount(raw)
					return models.StepResult{"amount": amount, "denom": denom}
				},
			},
			{
				ID:   "handle",
				Kind: models.MessageKindText,
				Prompt: func(*models.Session) models.OutboundMessage {
					return models.Text("Who is this offer for? Enter their account handle.")
				},
				Validate:  validHandle,
				ErrorText: "Handles may only contain letters, numbers, and underscores.",
				Resolve:   resolveHandle,
			},
			{
				ID:   "secured",
				Kind: models.MessageKindButton,
				Prompt: func(*models.Session) models.OutboundMessage {
					return models.WithButtons("Should this credex be secured?",
						models.Button{ID: "secured", Label: "Secured"},
						models.Button{ID: "unsecured", Label: "Unsecured"},
					)
				},
				Validate: func(raw string) bool {
					return raw == "secured" || raw == "unsecured"
				},
				ErrorText: "Please choose Secured or Unsecured.",
				Transform: func(raw string) models.StepResult {
					return models.StepResult{"secured": raw == "secured"}
				},
			},
			{
				ID:   "confirm",
				Kind: models.MessageKindButton,
				Prompt: func(s *models.Session) models.OutboundMessage {
					data := s.Flow.StepData
					body := fmt.Sprintf("Offer %s %.2f to %s (%s)?",
						data["amount"].String("denom"),
						data["amount"].Float("amount"),
						data["handle"].String("account_name"),
						data["handle"].String("handle"))
					return models.WithButtons(body,
						models.Button{ID: "confirm", Label: "Confirm"},
						models.Button{ID: CancelValue, Label: "Cancel"},
					)
				},
				Validate: func(raw string) bool {
					return raw == "confirm"
				},
				ErrorText: "Please confirm or cancel the offer.",
				Transform: func(raw string) models.StepResult {
					return models.StepResult{"confirmed": true}
				},
			},
		},
		OnComplete: func(ctx context.Context, deps Dependencies, session *models.Session) (models.OutboundMessage, error) {
			data := session.Flow.StepData
			issuer := session.ActiveAccount
			if issuer == "" {
				issuer = session.AccountID
			}
			result, err := deps.Ledger.CreateCredex(ctx, session, ledger.OfferRequest{
				IssuerAccountID:   issuer,
				ReceiverAccountID: data["handle"].String("account_id"),
				Amount:            data["amount"].Float("amount"),
				Denomination:      data["amount"].String("denom"),
				Secured:           data["secured"] != nil && data["secured"]["secured"] == true,
			})
			if err != nil {
				return models.OutboundMessage{}, err
			}
			body := fmt.Sprintf("Offer sent to %s. They have been notified.", data["handle"].String("account_name"))
			if result.Message != "" {
				body = result.Message
			}
			return models.Text(body), nil
		},
	}
}
