package messaging

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/FinBridge/LedgerPipe/internal/models"
	"github.com/FinBridge/LedgerPipe/internal/testutil"
	"github.com/FinBridge/LedgerPipe/internal/twiliowhatsapp"
)

func postWebhook(t *testing.T, service *TwilioService, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	service.WebhookHandler(rr, req)
	return rr
}

func TestTwilioWebhookEmitsEvent(t *testing.T) {
	service := NewTwilioService(twiliowhatsapp.NewMockClient())

	rr := postWebhook(t, service, url.Values{
		"From": {"whatsapp:+15550001111"},
		"Body": {"hello"},
	})
	testutil.AssertHTTPStatus(t, 200, rr.Code, "webhook")

	select {
	case event := <-service.Events():
		if event.Channel.Type != models.ChannelTypeWhatsApp {
			t.Errorf("expected whatsapp channel, got %s", event.Channel.Type)
		}
		if event.Channel.Identifier != "15550001111" {
			t.Errorf("expected canonical identifier, got %q", event.Channel.Identifier)
		}
		if event.Kind != models.MessageKindText || event.RawValue != "hello" {
			t.Errorf("unexpected event payload: %+v", event)
		}
	default:
		t.Fatal("expected an event on the channel")
	}
}

func TestTwilioWebhookRejectsMissingFields(t *testing.T) {
	service := NewTwilioService(twiliowhatsapp.NewMockClient())

	rr := postWebhook(t, service, url.Values{"From": {"whatsapp:+15550001111"}})
	testutil.AssertHTTPStatus(t, 400, rr.Code, "missing body")

	rr = postWebhook(t, service, url.Values{"Body": {"hello"}})
	testutil.AssertHTTPStatus(t, 400, rr.Code, "missing sender")

	select {
	case event := <-service.Events():
		t.Fatalf("no event expected, got %+v", event)
	default:
	}
}

func TestTwilioWebhookRejectsInvalidSender(t *testing.T) {
	service := NewTwilioService(twiliowhatsapp.NewMockClient())

	rr := postWebhook(t, service, url.Values{
		"From": {"whatsapp:abc"},
		"Body": {"hello"},
	})
	testutil.AssertHTTPStatus(t, 400, rr.Code, "invalid sender")
}

func TestTwilioSendMessageRendersDescriptor(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	service := NewTwilioService(mock)

	msg := models.WithButtons("Proceed?",
		models.Button{ID: "confirm", Label: "Confirm"},
	)
	if err := service.SendMessage(context.Background(), "+1 555 000 1111", msg); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.Sent) != 1 {
		t.Fatalf("expected one sent message, got %d", len(mock.Sent))
	}
	if mock.Sent[0].To != "15550001111" {
		t.Errorf("expected canonical recipient, got %q", mock.Sent[0].To)
	}
	if !strings.Contains(mock.Sent[0].Body, "Reply \"confirm\"") {
		t.Errorf("expected rendered button text, got %q", mock.Sent[0].Body)
	}
}

func TestTwilioSendMessageAfterStop(t *testing.T) {
	service := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := service.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	err := service.SendMessage(context.Background(), "15550001111", models.Text("late"))
	if err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
