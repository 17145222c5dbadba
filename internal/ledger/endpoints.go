package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/FinBridge/LedgerPipe/internal/models"
)

// ErrMemberNotFound is returned by Login for a phone number the ledger does
// not know. Callers route the user into member onboarding.
var ErrMemberNotFound = errors.New("member not found for channel identity")

// Account is one ledger account visible on a member dashboard.
type Account struct {
	AccountID      string          `json:"accountID"`
	AccountHandle  string          `json:"accountHandle"`
	AccountName    string          `json:"accountName"`
	Balance        string          `json:"balance,omitempty"`
	PendingInData  []CredexSummary `json:"pendingInData,omitempty"`
	PendingOutData []CredexSummary `json:"pendingOutData,omitempty"`
}

// CredexSummary is a pending credex as it appears on a dashboard.
type CredexSummary struct {
	CredexID     string `json:"credexID"`
	Amount       string `json:"formattedInitialAmount"`
	Counterparty string `json:"counterpartyAccountName"`
	Secured      bool   `json:"secured"`
}

// Dashboard is a member's dashboard snapshot.
type Dashboard struct {
	MemberID   string          `json:"memberID"`
	MemberTier int             `json:"memberTier"`
	Accounts   []Account       `json:"accounts"`
	Raw        json.RawMessage `json:"-"`
}

// LoginResult carries the credentials and dashboard returned by a login.
type LoginResult struct {
	Token     string          `json:"token"`
	MemberID  string          `json:"memberID"`
	AccountID string          `json:"defaultAccountID"`
	Dashboard json.RawMessage `json:"memberDashboard"`
}

// OnboardRequest is the payload for onboarding a new member.
type OnboardRequest struct {
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Phone     string `json:"phone"`
	Handle    string `json:"defaultAccountHandle,omitempty"`
}

// OfferRequest is the payload for creating a credex offer.
type OfferRequest struct {
	IssuerAccountID   string  `json:"issuerAccountID"`
	ReceiverAccountID string  `json:"receiverAccountID"`
	Amount            float64 `json:"InitialAmount"`
	Denomination      string  `json:"Denomination"`
	Secured           bool    `json:"securedCredex"`
}

// ActionResult is the outcome of a credex mutation.
type ActionResult struct {
	CredexID string `json:"credexID"`
	Action   string `json:"action"`
	Message  string `json:"message,omitempty"`
}

// Login authenticates the session's channel identity against the ledger. On
// success the session's token, member id, authenticated flag, and profile
// snapshot are persisted in one atomic update and the in-memory session is
// refreshed. A 400 means the phone number is unknown (ErrMemberNotFound); a
// 401 means the credentials were rejected.
func (c *Client) Login(ctx context.Context, session *models.Session) (*LoginResult, error) {
	payload := map[string]string{"phone": session.Channel.Identifier}
	body, status, err := c.roundTrip(ctx, session, "login", http.MethodPost, payload, false)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		// Parsed below.
	case status == http.StatusBadRequest:
		slog.Info("Ledger login: member not found", "channel", session.Channel.Key())
		return nil, ErrMemberNotFound
	case status == http.StatusUnauthorized:
		slog.Error("Ledger login rejected", "channel", session.Channel.Key())
		c.clearAuth(ctx, session)
		return nil, fmt.Errorf("%w: login rejected by ledger service", models.ErrAuthentication)
	default:
		return nil, &APIError{StatusCode: status, Endpoint: "login", Message: extractMessage(body, status)}
	}

	var result LoginResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w", err)
	}
	if result.Token == "" {
		return nil, fmt.Errorf("%w: login response carried no token", models.ErrAuthentication)
	}

	if err := c.persistCredentials(ctx, session, &result); err != nil {
		return nil, err
	}
	slog.Info("Ledger login succeeded", "channel", session.Channel.Key(), "member_id", result.MemberID)
	return &result, nil
}

// OnboardMember registers a new member and logs the session in with the
// returned credentials.
func (c *Client) OnboardMember(ctx context.Context, session *models.Session, req OnboardRequest) (*LoginResult, error) {
	body, status, err := c.roundTrip(ctx, session, "onboardMember", http.MethodPost, req, false)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Endpoint: "onboardMember", Message: extractMessage(body, status)}
	}

	var result LoginResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse onboard response: %w", err)
	}
	if result.Token == "" {
		return nil, fmt.Errorf("%w: onboard response carried no token", models.ErrAuthentication)
	}

	if err := c.persistCredentials(ctx, session, &result); err != nil {
		return nil, err
	}
	slog.Info("Ledger member onboarded", "channel", session.Channel.Key(), "member_id", result.MemberID)
	return &result, nil
}

// GetMemberDashboard fetches the member dashboard for the session's phone
// number and persists it as the session's profile snapshot.
func (c *Client) GetMemberDashboard(ctx context.Context, session *models.Session) (*Dashboard, error) {
	payload := map[string]string{"phone": session.Channel.Identifier}
	body, err := c.request(ctx, session, "getMemberDashboardByPhone", http.MethodPost, payload, true)
	if err != nil {
		return nil, err
	}

	var dashboard Dashboard
	if err := json.Unmarshal(body, &dashboard); err != nil {
		return nil, fmt.Errorf("failed to parse dashboard response: %w", err)
	}
	dashboard.Raw = json.RawMessage(body)

	updated, err := c.sessions.Update(ctx, session.Channel, func(s *models.Session) error {
		s.ProfileSnapshot = dashboard.Raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	*session = *updated
	return &dashboard, nil
}

// GetAccountByHandle resolves a recipient handle to an account. A 404 from
// the ledger means the handle does not exist.
func (c *Client) GetAccountByHandle(ctx context.Context, session *models.Session, handle string) (*Account, error) {
	payload := map[string]string{"accountHandle": handle}
	body, err := c.request(ctx, session, "getAccountByHandle", http.MethodPost, payload, true)
	if err != nil {
		return nil, err
	}

	var account Account
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("failed to parse account response: %w", err)
	}
	return &account, nil
}

// CreateCredex submits a new credex offer.
func (c *Client) CreateCredex(ctx context.Context, session *models.Session, req OfferRequest) (*ActionResult, error) {
	return c.credexAction(ctx, session, "createCredex", req)
}

// AcceptCredex accepts a pending credex offer.
func (c *Client) AcceptCredex(ctx context.Context, session *models.Session, credexID string) (*ActionResult, error) {
	return c.credexAction(ctx, session, "acceptCredex", map[string]string{"credexID": credexID})
}

// DeclineCredex declines a pending credex offer.
func (c *Client) DeclineCredex(ctx context.Context, session *models.Session, credexID string) (*ActionResult, error) {
	return c.credexAction(ctx, session, "declineCredex", map[string]string{"credexID": credexID})
}

// CancelCredex cancels an outgoing credex offer.
func (c *Client) CancelCredex(ctx context.Context, session *models.Session, credexID string) (*ActionResult, error) {
	return c.credexAction(ctx, session, "cancelCredex", map[string]string{"credexID": credexID})
}

// AcceptCredexBulk accepts several pending offers in one call.
func (c *Client) AcceptCredexBulk(ctx context.Context, session *models.Session, credexIDs []string) (*ActionResult, error) {
	return c.credexAction(ctx, session, "acceptCredexBulk", map[string][]string{"credexIDs": credexIDs})
}

// GetCredex fetches one credex by id.
func (c *Client) GetCredex(ctx context.Context, session *models.Session, credexID string) (json.RawMessage, error) {
	return c.request(ctx, session, "getCredex", http.MethodPost, map[string]string{"credexID": credexID}, true)
}

// GetLedger fetches the transaction ledger for an account.
func (c *Client) GetLedger(ctx context.Context, session *models.Session, accountID string) (json.RawMessage, error) {
	return c.request(ctx, session, "getLedger", http.MethodPost, map[string]string{"accountID": accountID}, true)
}

func (c *Client) credexAction(ctx context.Context, session *models.Session, endpoint string, payload interface{}) (*ActionResult, error) {
	body, err := c.request(ctx, session, endpoint, http.MethodPost, payload, true)
	if err != nil {
		return nil, err
	}

	var result ActionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}
	return &result, nil
}

// persistCredentials stores refreshed login credentials in one atomic update
// and refreshes the caller's in-memory copy.
func (c *Client) persistCredentials(ctx context.Context, session *models.Session, result *LoginResult) error {
	updated, err := c.sessions.Update(ctx, session.Channel, func(s *models.Session) error {
		s.AuthToken = result.Token
		s.MemberID = result.MemberID
		s.Authenticated = true
		if result.AccountID != "" {
			s.AccountID = result.AccountID
			if s.ActiveAccount == "" {
				s.ActiveAccount = result.AccountID
			}
		}
		if len(result.Dashboard) > 0 {
			s.ProfileSnapshot = result.Dashboard
		}
		return nil
	})
	if err != nil {
		slog.Error("Ledger failed to persist credentials", "error", err, "channel", session.Channel.Key())
		return err
	}
	*session = *updated
	return nil
}
