package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/FinBridge/LedgerPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound traffic
// arrives over the HTTP webhook instead of a live socket.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	events  chan models.Event
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService with the given sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client: client,
		events: make(chan models.Event, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates a WhatsApp phone number by
// stripping non-numeric characters.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; inbound traffic arrives via WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.events)
	}()

	return nil
}

// SendMessage renders the outbound descriptor and sends it via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, msg models.OutboundMessage) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	return s.client.SendMessage(ctx, canonicalTo, Render(msg))
}

// Events returns the channel of normalized inbound events.
func (s *TwilioService) Events() <-chan models.Event {
	return s.events
}

// WebhookHandler handles inbound Twilio webhook requests. It parses incoming
// messages and emits them as normalized events.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonicalFrom, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Error("Twilio webhook sender validation failed", "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", canonicalFrom, "body_length", len(body))

	s.safeEmitEvent(models.Event{
		Channel:  models.ChannelIdentity{Type: models.ChannelTypeWhatsApp, Identifier: canonicalFrom},
		Kind:     models.MessageKindText,
		RawValue: body,
		Time:     time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitEvent pushes an event into the events channel without blocking.
func (s *TwilioService) safeEmitEvent(event models.Event) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound event (service stopped)", "from", event.Channel.Identifier)
		return
	}

	select {
	case s.events <- event:
		slog.Debug("TwilioService emitted inbound event", "from", event.Channel.Identifier)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService events channel blocked, dropping message", "from", event.Channel.Identifier)
	}
}
