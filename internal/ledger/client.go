// Package ledger provides the HTTP client for the external ledger service.
//
// The client owns the auth-token lifecycle: requests that require auth carry
// the session's bearer token, a 401 triggers exactly one transparent
// re-login followed by one retry of the original request, and transport
// failures are retried a bounded number of times before surfacing a network
// error. Successful logins persist the refreshed credentials through the
// state manager in a single atomic update.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// requestTimeout bounds a single HTTP round trip.
	requestTimeout = 30 * time.Second
	// maxTransportAttempts bounds retries on transport failure.
	maxTransportAttempts = 3
	// transportRetryDelay is the fixed delay between transport retries.
	transportRetryDelay = time.Second
)

// SessionUpdater persists session mutations atomically. Satisfied by
// state.Manager.
type SessionUpdater interface {
	Update(ctx context.Context, channel models.ChannelIdentity, apply func(*models.Session) error) (*models.Session, error)
}

// Opts holds configuration for the ledger client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
	RetryDelay time.Duration
}

// Option defines a configuration option for the ledger client.
type Option func(*Opts)

// WithBaseURL sets the ledger service base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient injects a custom HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithRetryDelay overrides the delay between transport retries (used by tests).
func WithRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.RetryDelay = d }
}

// Client issues HTTP calls to the ledger service.
type Client struct {
	http       *http.Client
	baseURL    string
	retryDelay time.Duration
	sessions   SessionUpdater
}

// NewClient creates a ledger client. The session updater is required because
// login and onboarding persist refreshed credentials.
func NewClient(sessions SessionUpdater, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Ledger NewClient options set", "base_url_set", cfg.BaseURL != "")

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger base URL must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = transportRetryDelay
	}

	return &Client{
		http:       cfg.HTTPClient,
		baseURL:    cfg.BaseURL,
		retryDelay: cfg.RetryDelay,
		sessions:   sessions,
	}, nil
}

// request issues one logical call to the ledger service. When requiresAuth is
// true the session's bearer token is attached; a 401 response triggers
// exactly one re-login and one retry of the original request, never more.
func (c *Client) request(ctx context.Context, session *models.Session, endpoint, method string, payload interface{}, requiresAuth bool) ([]byte, error) {
	// A token already past its expiry claim cannot succeed; refresh before
	// spending a round trip on a guaranteed 401.
	if requiresAuth && session.AuthToken != "" && tokenExpired(session.AuthToken) {
		slog.Debug("Ledger request found expired token, refreshing before call", "endpoint", endpoint)
		if _, err := c.Login(ctx, session); err != nil {
			return nil, err
		}
	}

	body, status, err := c.roundTrip(ctx, session, endpoint, method, payload, requiresAuth)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && requiresAuth {
		slog.Info("Ledger request unauthorized, attempting token refresh", "endpoint", endpoint)
		if _, err := c.Login(ctx, session); err != nil {
			return nil, err
		}
		// Retry the original request exactly once with the fresh token.
		body, status, err = c.roundTrip(ctx, session, endpoint, method, payload, requiresAuth)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			slog.Error("Ledger request still unauthorized after refresh", "endpoint", endpoint)
			c.clearAuth(ctx, session)
			return nil, fmt.Errorf("%w: request unauthorized after token refresh", models.ErrAuthentication)
		}
	}

	if status < 200 || status > 299 {
		apiErr := &APIError{StatusCode: status, Endpoint: endpoint, Message: extractMessage(body, status)}
		slog.Error("Ledger request failed", "endpoint", endpoint, "status", status, "message", apiErr.Message)
		return nil, apiErr
	}

	slog.Debug("Ledger request succeeded", "endpoint", endpoint, "status", status)
	return body, nil
}

// roundTrip performs the HTTP call with bounded transport retries.
func (c *Client) roundTrip(ctx context.Context, session *models.Session, endpoint, method string, payload interface{}, requiresAuth bool) ([]byte, int, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal payload for %s: %w", endpoint, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxTransportAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to build request for %s: %w", endpoint, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if requiresAuth {
			req.Header.Set("Authorization", "Bearer "+session.AuthToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			slog.Debug("Ledger transport attempt failed", "endpoint", endpoint, "attempt", attempt, "error", err)
			if attempt < maxTransportAttempts {
				select {
				case <-time.After(c.retryDelay):
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				}
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		return body, resp.StatusCode, nil
	}

	slog.Error("Ledger transport retries exhausted", "endpoint", endpoint, "attempts", maxTransportAttempts, "error", lastErr)
	return nil, 0, fmt.Errorf("%w: %s unreachable after %d attempts: %v", models.ErrNetwork, endpoint, maxTransportAttempts, lastErr)
}

// clearAuth drops the session's credentials after a definitive auth failure,
// leaving it unauthenticated for the next contact.
func (c *Client) clearAuth(ctx context.Context, session *models.Session) {
	updated, err := c.sessions.Update(ctx, session.Channel, func(s *models.Session) error {
		s.ClearAuth()
		return nil
	})
	if err != nil {
		slog.Error("Ledger clearAuth failed to persist", "error", err, "channel", session.Channel.Key())
		session.ClearAuth()
		return
	}
	*session = *updated
}

// tokenExpired reports whether the bearer token carries an exp claim in the
// past. The token is not verified here; the ledger service is the authority.
// Opaque or malformed tokens are passed through for the server to judge.
func tokenExpired(token string) bool {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
