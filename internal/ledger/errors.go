package ledger

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/FinBridge/LedgerPipe/internal/models"
)

// APIError is a typed error for a non-2xx ledger service response. It carries
// the best-effort human-readable message extracted from the response body.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger %s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap maps the HTTP status onto the shared error taxonomy so callers can
// use errors.Is against the models sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return models.ErrAuthentication
	case e.StatusCode >= 500:
		return models.ErrNetwork
	default:
		return models.ErrSystem
	}
}

// errorBody mirrors the error shapes the ledger service produces: a direct
// message field, or a reason nested under the action details.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Data    struct {
		Action struct {
			Details struct {
				Reason string `json:"reason"`
			} `json:"details"`
		} `json:"action"`
	} `json:"data"`
}

// extractMessage pulls the most specific human-readable message out of an
// error response body, falling back to a generic message by status code.
func extractMessage(body []byte, statusCode int) string {
	var parsed errorBody
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Data.Action.Details.Reason != "" {
			return parsed.Data.Action.Details.Reason
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}

	switch {
	case statusCode == http.StatusForbidden:
		return "you do not have permission to perform this action"
	case statusCode == http.StatusNotFound:
		return "the requested record was not found"
	case statusCode >= 500:
		return "the ledger service encountered an internal error"
	default:
		return fmt.Sprintf("the ledger service rejected the request (status %d)", statusCode)
	}
}
