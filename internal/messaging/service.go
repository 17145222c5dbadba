// Package messaging provides the pluggable channel delivery abstraction and
// the responder loop that connects inbound channel events to the dispatcher.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the buffer size for the inbound event channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the timeout for non-blocking channel sends.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex strips everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. Each channel
// adapter renders outbound message descriptors into its own wire format and
// normalizes inbound traffic into models.Event.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each service implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage renders and sends an outbound message to a recipient.
	SendMessage(ctx context.Context, to string, msg models.OutboundMessage) error

	// Start begins any background processing (e.g. listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns a channel of normalized inbound events.
	Events() <-chan models.Event
}

// canonicalizePhone removes all non-numeric characters and validates that at
// least 6 digits remain.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short (minimum 6 digits required)")
	}
	return canonical, nil
}
