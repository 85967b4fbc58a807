// Package channel provides the provider-neutral event model shared by every chat channel.
// It defines inbound events, chat targets, and the adapter registry used by the
// webhook ingress and the reply orchestrator.
package channel

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelType identifies a messaging platform (e.g., "bluebubbles", "telegram").
type ChannelType string

const (
	ChannelBlueBubbles ChannelType = "bluebubbles"
	ChannelTelegram    ChannelType = "telegram"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Label returns the human-facing channel name used in envelopes and replies.
func (c ChannelType) Label() string {
	switch c {
	case ChannelBlueBubbles:
		return "BlueBubbles"
	case ChannelTelegram:
		return "Telegram"
	}
	s := strings.TrimSpace(string(c))
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// EventKind distinguishes new messages from reactions.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventReaction EventKind = "reaction"
)

// TargetKind names the variant held by a ChatTarget.
type TargetKind string

const (
	TargetChatID         TargetKind = "chat_id"
	TargetChatGUID       TargetKind = "chat_guid"
	TargetChatIdentifier TargetKind = "chat_identifier"
	TargetHandle         TargetKind = "handle"
)

// ChatTarget addresses a conversation. Exactly one variant is meaningful,
// selected by Kind; two targets are equal when their variant and fields are equal.
type ChatTarget struct {
	Kind    TargetKind
	ChatID  int64
	Value   string
	Service string
}

// ChatIDTarget addresses a chat by numeric id.
func ChatIDTarget(id int64) ChatTarget {
	return ChatTarget{Kind: TargetChatID, ChatID: id}
}

// ChatGUIDTarget addresses a chat by provider guid (e.g. "iMessage;+;chat123").
func ChatGUIDTarget(guid string) ChatTarget {
	return ChatTarget{Kind: TargetChatGUID, Value: strings.TrimSpace(guid)}
}

// ChatIdentifierTarget addresses a chat by its provider identifier.
func ChatIdentifierTarget(identifier string) ChatTarget {
	return ChatTarget{Kind: TargetChatIdentifier, Value: strings.TrimSpace(identifier)}
}

// HandleTarget addresses a single participant, optionally pinned to a service.
func HandleTarget(address, service string) ChatTarget {
	return ChatTarget{
		Kind:    TargetHandle,
		Value:   strings.TrimSpace(address),
		Service: strings.ToLower(strings.TrimSpace(service)),
	}
}

// IsZero reports whether the target is unset.
func (t ChatTarget) IsZero() bool {
	return t == ChatTarget{}
}

// String renders the target in its canonical prefixed form, the same form
// accepted by allow-lists and ParseChatTarget.
func (t ChatTarget) String() string {
	switch t.Kind {
	case TargetChatID:
		return string(TargetChatID) + ":" + strconv.FormatInt(t.ChatID, 10)
	case TargetChatGUID, TargetChatIdentifier:
		return string(t.Kind) + ":" + t.Value
	case TargetHandle:
		if t.Service != "" {
			return string(TargetHandle) + ":" + t.Service + ":" + t.Value
		}
		return string(TargetHandle) + ":" + t.Value
	}
	return ""
}

// Key returns the chat key used by caches and lanes.
func (t ChatTarget) Key() string {
	return t.String()
}

var knownHandleServices = map[string]struct{}{
	"imessage": {},
	"sms":      {},
	"auto":     {},
}

// ParseChatTarget parses the canonical form produced by ChatTarget.String.
func ParseChatTarget(raw string) (ChatTarget, error) {
	raw = strings.TrimSpace(raw)
	kind, rest, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(rest) == "" {
		return ChatTarget{}, fmt.Errorf("invalid chat target %q", raw)
	}
	rest = strings.TrimSpace(rest)
	switch TargetKind(strings.ToLower(kind)) {
	case TargetChatID:
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return ChatTarget{}, fmt.Errorf("invalid chat id %q: %w", rest, err)
		}
		return ChatIDTarget(id), nil
	case TargetChatGUID:
		return ChatGUIDTarget(rest), nil
	case TargetChatIdentifier:
		return ChatIdentifierTarget(rest), nil
	case TargetHandle:
		if service, address, found := strings.Cut(rest, ":"); found {
			if _, known := knownHandleServices[strings.ToLower(service)]; known {
				return HandleTarget(address, service), nil
			}
		}
		return HandleTarget(rest, ""), nil
	}
	return ChatTarget{}, fmt.Errorf("unknown chat target kind %q", kind)
}

// Attachment carries metadata about inbound media. Content is never fetched here.
type Attachment struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ReplyMeta describes the message an inbound message replies to.
// Body and Sender are nil when unknown, which differs from known-but-empty.
type ReplyMeta struct {
	ID     string
	Body   *string
	Sender *string
}

// ReactionMeta describes a reaction event.
type ReactionMeta struct {
	TargetMessageID string
	ActorID         string
	IsSelf          bool
	Added           bool
	Emoji           string
}

// InboundEvent is the provider-neutral form of a webhook payload.
// It is a value and is not mutated after normalization.
type InboundEvent struct {
	Channel         ChannelType
	AccountID       string
	Kind            EventKind
	RawID           string
	DeliveryID      string
	Target          ChatTarget
	ThreadID        string
	SenderID        string
	SenderDisplay   string
	SenderUsername  string
	IsGroup         bool
	GroupSubject    string
	Members         []string
	Text            string
	Attachments     []Attachment
	ExplicitMention bool
	Reply           *ReplyMeta
	Reaction        *ReactionMeta
	TimestampMs     int64
}

// ChatKey identifies the conversation the event belongs to.
func (e InboundEvent) ChatKey() string {
	return e.Target.Key()
}

// Account carries the per-account settings adapters need to talk to a provider.
type Account struct {
	Channel     ChannelType
	ID          string
	ServerURL   string
	Secret      string
	BotToken    string
	BotUsername string
}

// StringPtr returns a pointer to s. Used for optional ReplyMeta fields.
func StringPtr(s string) *string {
	return &s
}
