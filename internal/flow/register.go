package flow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/FinBridge/LedgerPipe/internal/ledger"
	"github.com/FinBridge/LedgerPipe/internal/models"
)

var namePattern = regexp.MustCompile(`^[\p{L}][\p{L} '-]*$`)

// RegisterFlow builds the member onboarding flow:
// first name -> last name (skipped when already captured) -> handle -> confirm.
func RegisterFlow() Definition {
	return Definition{
		Type: models.FlowTypeRegister,
		Steps: []Step{
			{
				ID:   "first_name",
				Kind: models.MessageKindText,
				Prompt: func(*models.Session) models.OutboundMessage {
					return models.Text("Welcome! Let's set up your account. What is your name?")
				},
				Validate: func(raw string) bool {
					return namePattern.MatchString(strings.TrimSpace(raw))
				},
				ErrorText: "Please enter your name using letters only.",
				Transform: func(raw string) models.StepResult {
					// A full name in one message captures the last name too,
					// making the dedicated last-name step unnecessary.
					fields := strings.Fields(strings.TrimSpace(raw))
					result := models.StepResult{"first_name": fields[0]}
					if len(fields) > 1 {
						result["last_name"] = strings.Join(fields[1:], " ")
					}
					return result
				},
			},
			{
				ID:   "last_name",
				Kind: models.MessageKindText,
				Prompt: func(*models.Session) models.OutboundMessage {
					return models.Text("And your last name?")
				},
				Validate: func(raw string) bool {
					return namePattern.MatchString(strings.TrimSpace(raw))
				},
				ErrorText: "Please enter your last name using letters only.",
				Transform: func(raw string) models.StepResult {
					return models.StepResult{"last_name": strings.TrimSpace(raw)}
				},
				Condition: func(s *models.Session) bool {
					// Skipped when the first-name step already captured it.
					return s.Flow.StepData["first_name"].String("last_name") == ""
				},
			},
			{
				ID:   "handle",
				Kind: models.MessageKindText,
				Prompt: func(*models.Session) models.OutboundMessage {
					return models.Text("Choose a handle for your account (letters, numbers, and underscores).")
				},
				Validate:  validHandle,
				ErrorText: "Handles may only contain letters, numbers, and underscores.",
				Transform: func(raw string) models.StepResult {
					return models.StepResult{"handle": strings.TrimSpace(raw)}
				},
			},
			{
				ID:   "confirm",
				Kind: models.MessageKindButton,
				Prompt: func(s *models.Session) models.OutboundMessage {
					data := s.Flow.StepData
					lastName := data["first_name"].String("last_name")
					if lastName == "" {
						lastName = data["last_name"].String("last_name")
					}
					body := fmt.Sprintf("Create an account for %s %s with handle %q?",
						data["first_name"].String("first_name"), lastName, data["handle"].String("handle"))
					return models.WithButtons(body,
						models.Button{ID: "confirm", Label: "Confirm"},
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
			data := session.Flow.StepData
			lastName := data["first_name"].String("last_name")
			if lastName == "" {
				lastName = data["last_name"].String("last_name")
			}
			result, err := deps.Ledger.OnboardMember(ctx, session, ledger.OnboardRequest{
				FirstName: data["first_name"].String("first_name"),
				LastName:  lastName,
				Phone:     session.Channel.Identifier,
				Handle:    data["handle"].String("handle"),
			})
			if err != nil {
				return models.OutboundMessage{}, err
			}
			return models.Text(fmt.Sprintf(
				"Your account is ready, %s! Send \"menu\" to see what you can do. Member id: %s",
				data["first_name"].String("first_name"), result.MemberID)), nil
		},
	}
}
