// Package models defines the core data structures for LedgerPipe.
//
// It includes channel identity and event types, outbound message descriptors,
// and the shared error taxonomy used across modules.
package models

import (
	"errors"
	"fmt"
)

// ChannelType identifies the messaging channel a user is reachable on.
type ChannelType string

const (
	// ChannelTypeWhatsApp is the WhatsApp messaging channel.
	ChannelTypeWhatsApp ChannelType = "whatsapp"
	// ChannelTypeSMS is plain SMS via the Twilio adapter.
	ChannelTypeSMS ChannelType = "sms"
)

// ChannelIdentity is the stable external address of a user on a messaging
// channel (for WhatsApp and SMS this is the phone number). It is immutable
// once set and required on every state read and write.
type ChannelIdentity struct {
	Type       ChannelType `json:"channel_type"`
	Identifier string      `json:"identifier"`
}

// Key returns the storage key for this identity.
func (c ChannelIdentity) Key() string {
	return string(c.Type) + ":" + c.Identifier
}

// Validate checks that the identity is usable as a storage key.
func (c ChannelIdentity) Validate() error {
	if c.Type == "" {
		return ErrEmptyChannelType
	}
	if c.Identifier == "" {
		return ErrEmptyIdentifier
	}
	return nil
}

// MessageKind classifies inbound channel input.
type MessageKind string

const (
	// MessageKindText is free-form text input.
	MessageKindText MessageKind = "text"
	// MessageKindButton is a button reply.
	MessageKindButton MessageKind = "button"
	// MessageKindList is a list row selection.
	MessageKindList MessageKind = "list"
	// MessageKindForm is a submitted form payload.
	MessageKindForm MessageKind = "form"
)

// IsValidMessageKind checks if the given message kind is supported.
func IsValidMessageKind(k MessageKind) bool {
	switch k {
	case MessageKindText, MessageKindButton, MessageKindList, MessageKindForm:
		return true
	default:
		return false
	}
}

// Event is a normalized inbound channel event produced by a channel adapter.
type Event struct {
	Channel  ChannelIdentity `json:"channel_identity"`
	Kind     MessageKind     `json:"message_kind"`
	RawValue string          `json:"raw_value"`
	Time     int64           `json:"time"`
}

// Validate performs validation on an inbound event.
func (e *Event) Validate() error {
	if err := e.Channel.Validate(); err != nil {
		return err
	}
	if !IsValidMessageKind(e.Kind) {
		return ErrInvalidMessageKind
	}
	return nil
}

// OutboundKind classifies an outbound message descriptor.
type OutboundKind string

const (
	// OutboundKindText is a plain text body.
	OutboundKindText OutboundKind = "text"
	// OutboundKindButtons is a body with selectable buttons.
	OutboundKindButtons OutboundKind = "buttons"
	// OutboundKindList is a body with a selectable list of rows.
	OutboundKindList OutboundKind = "list"
)

// Button is a selectable option attached to an outbound message.
type Button struct {
	ID    string `json:"id"`    // value returned when selected
	Label string `json:"label"` // text shown to the user
}

// ListRow is one selectable row of a list message.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// OutboundMessage is the channel-independent description of a reply. The
// channel adapter renders it into the channel's wire format.
type OutboundMessage struct {
	Kind    OutboundKind `json:"kind"`
	Body    string       `json:"body"`
	Buttons []Button     `json:"buttons,omitempty"`
	Rows    []ListRow    `json:"rows,omitempty"`
}

// Text builds a plain text outbound message.
func Text(body string) OutboundMessage {
	return OutboundMessage{Kind: OutboundKindText, Body: body}
}

// WithButtons builds a button outbound message.
func WithButtons(body string, buttons ...Button) OutboundMessage {
	return OutboundMessage{Kind: OutboundKindButtons, Body: body, Buttons: buttons}
}

// WithList builds a list outbound message.
func WithList(body string, rows ...ListRow) OutboundMessage {
	return OutboundMessage{Kind: OutboundKindList, Body: body, Rows: rows}
}

// Error taxonomy shared across modules. Validation errors never leave the
// current flow step; every other kind clears the active flow and produces a
// single user-visible message at the dispatch boundary.
var (
	ErrEmptyChannelType   = errors.New("channel type cannot be empty")
	ErrEmptyIdentifier    = errors.New("channel identifier cannot be empty")
	ErrInvalidMessageKind = errors.New("invalid message kind")

	// ErrValidation marks rejected step input. Recovered locally by re-prompting.
	ErrValidation = errors.New("input validation failed")
	// ErrStateConflict marks a concurrent write race that exhausted retries.
	ErrStateConflict = errors.New("session state conflict")
	// ErrStateInvalid marks a session that fails the authentication invariant.
	ErrStateInvalid = errors.New("session state invalid")
	// ErrAuthentication marks a failed login or token refresh.
	ErrAuthentication = errors.New("authentication failed")
	// ErrNetwork marks an unreachable ledger service after bounded retries.
	ErrNetwork = errors.New("ledger service unreachable")
	// ErrSystem marks an unexpected internal fault.
	ErrSystem = errors.New("internal error")
)

// UserMessage maps an error to the safe text shown to the user. Internal
// details are never leaked; validation errors are handled by the flow engine
// before reaching this boundary.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrStateInvalid):
		return "We could not verify your account. Please start over by sending \"hi\"."
	case errors.Is(err, ErrNetwork):
		return "The ledger service is unreachable right now. Please try again in a few minutes."
	case errors.Is(err, ErrStateConflict):
		return "Your session was updated by another request. Please try again."
	default:
		return "Something went wrong on our side. Please try again."
	}
}

// APIResponse is the standard JSON envelope returned by the HTTP surface.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: "ok", Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: "error", Message: message}
}

// Errorf creates an error API response with a formatted message.
func Errorf(format string, args ...interface{}) APIResponse {
	return APIResponse{Status: "error", Message: fmt.Sprintf(format, args...)}
}
