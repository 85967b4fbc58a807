package channel

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrIgnoredPayload is returned by normalizers for payloads that carry no event
// (typing notices, read receipts, our own echoed sends).
var ErrIgnoredPayload = errors.New("channel payload ignored")

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type           ChannelType
	DisplayName    string
	Capabilities   ChannelCapabilities
	OutboundPolicy OutboundPolicy
	// WebhookSecretQuery and WebhookSecretHeaders list where the ingress looks
	// for the shared secret, in order.
	WebhookSecretQuery   []string
	WebhookSecretHeaders []string
	DefaultWebhookPath   string
}

// ChannelCapabilities advertises optional side effects a channel supports.
type ChannelCapabilities struct {
	Text         bool
	Reply        bool
	Reactions    bool
	Typing       bool
	ReadReceipts bool
}

// Normalizer converts a raw webhook JSON object into an InboundEvent.
type Normalizer interface {
	Normalize(account Account, payload json.RawMessage) (InboundEvent, error)
}

// SendOptions controls threading of an outbound text message.
type SendOptions struct {
	ReplyToID string
}

// SendResult reports the provider id of a sent message. MessageID may be empty
// when the provider does not return one.
type SendResult struct {
	MessageID string
}

// Sender is an adapter capable of sending outbound messages.
type Sender interface {
	Send(ctx context.Context, account Account, target ChatTarget, text string, opts SendOptions) (SendResult, error)
}

// ReactOptions selects between adding and removing a reaction.
type ReactOptions struct {
	Remove bool
}

// Reactor adds or removes emoji reactions on messages.
type Reactor interface {
	React(ctx context.Context, account Account, target ChatTarget, messageID string, emoji string, opts ReactOptions) error
}

// TypingNotifier toggles the typing indicator in a chat.
type TypingNotifier interface {
	SetTyping(ctx context.Context, account Account, target ChatTarget, on bool) error
}

// ReadMarker marks a chat as read.
type ReadMarker interface {
	MarkRead(ctx context.Context, account Account, target ChatTarget) error
}
