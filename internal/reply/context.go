// Package reply builds the agent-facing dispatch context for allowed events,
// drives the external dispatcher and sequences the side effects around it:
// ack reactions, read receipts, typing and chunked delivery.
package reply

import (
	"context"
	"strconv"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/events"
)

// DispatchContext is the canonical envelope handed to the dispatcher. It is
// read-only once Dispatch is called.
type DispatchContext struct {
	Channel           channel.ChannelType  `json:"channel"`
	AccountID         string               `json:"account_id"`
	SessionKey        string               `json:"session_key"`
	Target            string               `json:"target"`
	ThreadID          string               `json:"thread_id,omitempty"`
	From              string               `json:"from"`
	SenderID          string               `json:"sender_id"`
	SenderName        string               `json:"sender_name,omitempty"`
	IsGroup           bool                 `json:"is_group"`
	GroupSubject      string               `json:"group_subject,omitempty"`
	GroupMembers      []string             `json:"group_members,omitempty"`
	WasMentioned      bool                 `json:"was_mentioned"`
	CommandAuthorized bool                 `json:"command_authorized"`
	MessageSid        string               `json:"message_sid,omitempty"`
	MessageSidFull    string               `json:"message_sid_full,omitempty"`
	ReplyToID         string               `json:"reply_to_id,omitempty"`
	ReplyToIDFull     string               `json:"reply_to_id_full,omitempty"`
	ReplyToBody       *string              `json:"reply_to_body,omitempty"`
	ReplyToSender     *string              `json:"reply_to_sender,omitempty"`
	RawBody           string               `json:"raw_body"`
	Body              string               `json:"body"`
	SystemEvents      []events.Event       `json:"system_events,omitempty"`
	Attachments       []channel.Attachment `json:"attachments,omitempty"`
	Timestamp         int64                `json:"timestamp,omitempty"`
}

// Hooks are the lifecycle callbacks a Dispatcher drives.
type Hooks interface {
	// OnReplyStart is called before the first chunk is produced.
	OnReplyStart(ctx context.Context)
	// Deliver sends one reply chunk.
	Deliver(ctx context.Context, text string) error
	// OnIdle is called once the dispatcher has nothing more to send.
	OnIdle(ctx context.Context)
}

// Dispatcher turns a DispatchContext into reply chunks. It is the agent seam.
type Dispatcher interface {
	Dispatch(ctx context.Context, dctx *DispatchContext, hooks Hooks) error
}

// SessionKey identifies the agent session for an event.
func SessionKey(event channel.InboundEvent) string {
	if event.IsGroup {
		return event.Channel.String() + ":" + event.AccountID + ":group:" + event.ChatKey()
	}
	return event.Channel.String() + ":" + event.AccountID + ":dm:" + event.SenderID
}

// LaneKey serializes processing per chat and, when present, per thread.
func LaneKey(event channel.InboundEvent) string {
	key := event.Channel.String() + ":" + event.AccountID + ":" + event.ChatKey()
	if event.ThreadID != "" {
		key += ":" + event.ThreadID
	}
	return key
}

func senderLabel(event channel.InboundEvent) string {
	if name := strings.TrimSpace(event.SenderDisplay); name != "" {
		return name
	}
	return event.SenderID
}

// formatBody renders the envelope the agent reads:
//
//	[BlueBubbles Ann] [[reply_to:3]] sounds good
//	[Telegram Ops] Bo: hello
func formatBody(event channel.InboundEvent, replyRef string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(event.Channel.Label())
	b.WriteString(" ")
	if event.IsGroup {
		subject := strings.TrimSpace(event.GroupSubject)
		if subject == "" {
			subject = event.ChatKey()
		}
		b.WriteString(subject)
	} else {
		b.WriteString(senderLabel(event))
	}
	b.WriteString("] ")
	if replyRef != "" {
		b.WriteString("[[reply_to:")
		b.WriteString(replyRef)
		b.WriteString("]] ")
	}
	if event.IsGroup {
		b.WriteString(senderLabel(event))
		b.WriteString(": ")
	}
	b.WriteString(event.Text)
	return b.String()
}

func formatShortID(id int64) string {
	if id <= 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
