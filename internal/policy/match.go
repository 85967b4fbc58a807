package policy

import (
	"strings"
	"unicode"

	"github.com/memohai/chatgate/internal/channel"
)

// Wildcard matches every sender and chat.
const Wildcard = "*"

// MatchAllowList reports whether the event's sender or chat is named by any entry.
//
// Accepted entry forms: "*", a bare sender id or handle, "@username",
// "<channel>:<id>", "handle:<address>", and "chat_id:", "chat_guid:",
// "chat_identifier:" entries that name the chat itself.
func MatchAllowList(entries []string, event channel.InboundEvent) bool {
	for _, raw := range entries {
		if matchEntry(strings.TrimSpace(raw), event) {
			return true
		}
	}
	return false
}

func matchEntry(entry string, event channel.InboundEvent) bool {
	if entry == "" {
		return false
	}
	if entry == Wildcard {
		return true
	}
	if strings.HasPrefix(entry, "@") {
		name := strings.TrimPrefix(entry, "@")
		return name != "" && (strings.EqualFold(name, event.SenderUsername) || sameSender(name, event.SenderID))
	}
	kind, rest, hasPrefix := strings.Cut(entry, ":")
	if hasPrefix {
		switch channel.TargetKind(strings.ToLower(kind)) {
		case channel.TargetChatID, channel.TargetChatGUID, channel.TargetChatIdentifier:
			target, err := channel.ParseChatTarget(entry)
			if err != nil {
				return false
			}
			return sameTarget(target, event.Target)
		case channel.TargetHandle:
			target, err := channel.ParseChatTarget(entry)
			if err != nil {
				return false
			}
			return sameSender(target.Value, event.SenderID)
		}
		if event.Channel != "" && strings.EqualFold(kind, event.Channel.String()) {
			return sameSender(rest, event.SenderID)
		}
	}
	return sameSender(entry, event.SenderID)
}

func sameTarget(a, b channel.ChatTarget) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == channel.TargetChatID {
		return a.ChatID == b.ChatID
	}
	return strings.EqualFold(a.Value, b.Value)
}

func sameSender(entry, sender string) bool {
	a, b := NormalizeHandle(entry), NormalizeHandle(sender)
	return a != "" && a == b
}

// NormalizeHandle canonicalizes a sender id for comparison: case is folded
// and phone-number punctuation is removed.
func NormalizeHandle(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if looksLikePhone(s) {
		var b strings.Builder
		for _, r := range s {
			if r == '+' || unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return s
}

func looksLikePhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 5
}
