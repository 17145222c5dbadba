package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/FinBridge/LedgerPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // nil when constructed with a mock sender
	events   chan models.Event
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		events: make(chan models.Event, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}

	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates a WhatsApp phone number by
// stripping non-numeric characters.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start begins listening for inbound WhatsApp events.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.events)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	return nil
}

// SendMessage renders the outbound descriptor and sends it as a WhatsApp
// text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, msg models.OutboundMessage) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}

	body := Render(msg)
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Info("WhatsAppService message sent", "to", canonicalTo, "kind", msg.Kind)
	return nil
}

// Events returns the channel of normalized inbound events.
func (s *WhatsAppService) Events() <-chan models.Event {
	return s.events
}

// handleEvents subscribes to whatsmeow events and feeds text messages into
// the events channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(v)
		}
	})

	slog.Debug("WhatsAppService event handler registered")
	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage normalizes an inbound text message into an event.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	fromNumber := strings.TrimSpace(evt.Info.Sender.User)
	if fromNumber == "" {
		return
	}

	event := models.Event{
		Channel:  models.ChannelIdentity{Type: models.ChannelTypeWhatsApp, Identifier: fromNumber},
		Kind:     models.MessageKindText,
		RawValue: messageText,
		Time:     evt.Info.Timestamp.Unix(),
	}

	select {
	case s.events <- event:
		slog.Debug("WhatsAppService incoming message forwarded", "from", fromNumber)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService events channel blocked, dropping message", "from", fromNumber)
	}
}
