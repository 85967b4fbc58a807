package bluebubbles

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
)

const (
	eventNewMessage     = "new-message"
	eventUpdatedMessage = "updated-message"
)

type webhookEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type handleInfo struct {
	Address     string `json:"address"`
	Service     string `json:"service"`
	DisplayName string `json:"displayName"`
}

type chatInfo struct {
	GUID           string       `json:"guid"`
	ChatIdentifier string       `json:"chatIdentifier"`
	DisplayName    string       `json:"displayName"`
	Service        string       `json:"service"`
	Participants   []handleInfo `json:"participants"`
}

type attachmentInfo struct {
	GUID         string `json:"guid"`
	TransferName string `json:"transferName"`
	MimeType     string `json:"mimeType"`
	TotalBytes   int64  `json:"totalBytes"`
}

type replyInfo struct {
	GUID       string      `json:"guid"`
	Text       *string     `json:"text"`
	Handle     *handleInfo `json:"handle"`
	SenderName string      `json:"senderName"`
}

type messageData struct {
	GUID                   string           `json:"guid"`
	Text                   string           `json:"text"`
	IsFromMe               bool             `json:"isFromMe"`
	IsGroup                *bool            `json:"isGroup"`
	Handle                 *handleInfo      `json:"handle"`
	Service                string           `json:"service"`
	ChatGUID               string           `json:"chatGuid"`
	ChatIdentifier         string           `json:"chatIdentifier"`
	ChatID                 json.Number      `json:"chatId"`
	Chats                  []chatInfo       `json:"chats"`
	Attachments            []attachmentInfo `json:"attachments"`
	DateCreated            int64            `json:"dateCreated"`
	AssociatedMessageGUID  string           `json:"associatedMessageGuid"`
	AssociatedMessageType  json.RawMessage  `json:"associatedMessageType"`
	AssociatedMessageEmoji string           `json:"associatedMessageEmoji"`
	ThreadOriginatorGUID   string           `json:"threadOriginatorGuid"`
	ThreadOriginatorPart   json.RawMessage  `json:"threadOriginatorPart"`
	ReplyToMessage         *replyInfo       `json:"replyToMessage"`
	ReplyTo                *replyInfo       `json:"replyTo"`
}

// Normalize converts a BlueBubbles webhook payload into an InboundEvent.
func (a *Adapter) Normalize(account channel.Account, payload json.RawMessage) (channel.InboundEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return channel.InboundEvent{}, fmt.Errorf("decode bluebubbles payload: %w", err)
	}
	switch strings.TrimSpace(env.Type) {
	case eventNewMessage, eventUpdatedMessage:
	default:
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}
	if len(env.Data) == 0 {
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}
	var data messageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return channel.InboundEvent{}, fmt.Errorf("decode bluebubbles message: %w", err)
	}

	target, ok := resolveTarget(data)
	if !ok {
		return channel.InboundEvent{}, fmt.Errorf("bluebubbles message %q has no chat target", data.GUID)
	}
	event := channel.InboundEvent{
		Channel:     channel.ChannelBlueBubbles,
		AccountID:   account.ID,
		Kind:        channel.EventMessage,
		RawID:       strings.TrimSpace(data.GUID),
		Target:      target,
		IsGroup:     isGroupChat(data, target),
		TimestampMs: data.DateCreated,
	}
	if data.Handle != nil {
		event.SenderID = strings.TrimSpace(data.Handle.Address)
		event.SenderDisplay = strings.TrimSpace(data.Handle.DisplayName)
	}
	if len(data.Chats) > 0 {
		chat := data.Chats[0]
		event.GroupSubject = strings.TrimSpace(chat.DisplayName)
		for _, p := range chat.Participants {
			if addr := strings.TrimSpace(p.Address); addr != "" {
				event.Members = append(event.Members, addr)
			}
		}
	}

	code, hasType := parseAssociatedType(data.AssociatedMessageType)
	if hasType {
		if reaction, ok := buildReaction(data, code, event.SenderID); ok {
			event.Kind = channel.EventReaction
			event.Reaction = reaction
			return event, nil
		}
	}
	if data.IsFromMe {
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}

	text := strings.TrimSpace(data.Text)
	if hasType {
		text = rewriteReactionText(text)
	}
	event.Text = text
	event.Attachments = collectAttachments(data.Attachments)
	event.Reply = resolveReply(data)
	if event.Text == "" && len(event.Attachments) == 0 {
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}
	return event, nil
}

func resolveTarget(data messageData) (channel.ChatTarget, bool) {
	if guid := strings.TrimSpace(data.ChatGUID); guid != "" {
		return channel.ChatGUIDTarget(guid), true
	}
	var first chatInfo
	if len(data.Chats) > 0 {
		first = data.Chats[0]
		if guid := strings.TrimSpace(first.GUID); guid != "" {
			return channel.ChatGUIDTarget(guid), true
		}
	}
	identifier := firstNonEmpty(data.ChatIdentifier, first.ChatIdentifier)
	service := firstNonEmpty(data.Service, first.Service)
	if identifier != "" && service != "" {
		sep := ";-;"
		if data.IsGroup != nil && *data.IsGroup {
			sep = ";+;"
		}
		return channel.ChatGUIDTarget(service + sep + identifier), true
	}
	if raw := strings.TrimSpace(data.ChatID.String()); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return channel.ChatIDTarget(id), true
		}
	}
	if identifier != "" {
		return channel.ChatIdentifierTarget(identifier), true
	}
	if data.Handle != nil && strings.TrimSpace(data.Handle.Address) != "" {
		return channel.HandleTarget(data.Handle.Address, data.Handle.Service), true
	}
	return channel.ChatTarget{}, false
}

// isGroupChat treats a ";+;" guid as a group even when the bridge says otherwise.
func isGroupChat(data messageData, target channel.ChatTarget) bool {
	if target.Kind == channel.TargetChatGUID && strings.Contains(target.Value, ";+;") {
		return true
	}
	return data.IsGroup != nil && *data.IsGroup
}

func resolveReply(data messageData) *channel.ReplyMeta {
	for _, r := range []*replyInfo{data.ReplyToMessage, data.ReplyTo} {
		if r == nil || strings.TrimSpace(r.GUID) == "" {
			continue
		}
		meta := &channel.ReplyMeta{ID: strings.TrimSpace(r.GUID), Body: r.Text}
		if r.Handle != nil && strings.TrimSpace(r.Handle.Address) != "" {
			meta.Sender = channel.StringPtr(strings.TrimSpace(r.Handle.Address))
		} else if name := strings.TrimSpace(r.SenderName); name != "" {
			meta.Sender = channel.StringPtr(name)
		}
		return meta
	}
	guid := strings.TrimSpace(data.ThreadOriginatorGUID)
	if guid == "" {
		return nil
	}
	if part, ok := parsePartIndex(data.ThreadOriginatorPart); ok {
		guid = "p:" + strconv.Itoa(part) + "/" + guid
	}
	return &channel.ReplyMeta{ID: guid}
}

// parsePartIndex accepts a number or strings like "0" and "0:0:12".
func parsePartIndex(raw json.RawMessage) (int, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	head, _, _ := strings.Cut(s, ":")
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func collectAttachments(items []attachmentInfo) []channel.Attachment {
	if len(items) == 0 {
		return nil
	}
	out := make([]channel.Attachment, 0, len(items))
	for _, item := range items {
		out = append(out, channel.Attachment{
			ID:   strings.TrimSpace(item.GUID),
			Name: strings.TrimSpace(item.TransferName),
			Mime: strings.TrimSpace(item.MimeType),
			Size: item.TotalBytes,
		})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Tapback names as used by the BlueBubbles react API, indexed by code-2000.
var tapbacks = []struct {
	name  string
	emoji string
}{
	{"love", "❤️"},
	{"like", "👍"},
	{"dislike", "👎"},
	{"laugh", "😂"},
	{"emphasize", "‼️"},
	{"question", "❓"},
}

const customEmojiOffset = 6

// parseAssociatedType returns the numeric tapback code. Named forms such as
// "love" and "-love" map onto the 2000 and 3000 ranges. BlueBubbles sends 0
// on ordinary messages, which counts as absent.
func parseAssociatedType(raw json.RawMessage) (int, bool) {
	s := strings.TrimSpace(strings.Trim(strings.TrimSpace(string(raw)), `"`))
	if s == "" || s == "null" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, n != 0
	}
	name := strings.ToLower(s)
	base := 2000
	if strings.HasPrefix(name, "-") {
		base = 3000
		name = name[1:]
	}
	for i, tb := range tapbacks {
		if tb.name == name {
			return base + i, true
		}
	}
	if name == "emoji" {
		return base + customEmojiOffset, true
	}
	return 0, true
}

func buildReaction(data messageData, code int, actor string) (*channel.ReactionMeta, bool) {
	targetID := strings.TrimSpace(data.AssociatedMessageGUID)
	if targetID == "" {
		return nil, false
	}
	var added bool
	switch {
	case code >= 2000 && code <= 2000+customEmojiOffset:
		added = true
	case code >= 3000 && code <= 3000+customEmojiOffset:
		added = false
	default:
		return nil, false
	}
	idx := code % 1000
	var emoji string
	if idx == customEmojiOffset {
		emoji = strings.TrimSpace(data.AssociatedMessageEmoji)
	} else {
		emoji = tapbacks[idx].emoji
	}
	if emoji == "" {
		return nil, false
	}
	if data.IsFromMe && actor == "" {
		actor = "me"
	}
	return &channel.ReactionMeta{
		TargetMessageID: targetID,
		ActorID:         actor,
		IsSelf:          data.IsFromMe,
		Added:           added,
		Emoji:           emoji,
	}, true
}

var (
	reactedToPattern = regexp.MustCompile(`^Reacted (.+?) to [“"](?s:.*)[”"]$`)
	verbPattern      = regexp.MustCompile(`^(Loved|Liked|Disliked|Laughed at|Emphasized|Questioned) [“"](?s:.*)[”"]$`)
)

var verbEmoji = map[string]string{
	"Loved":      "❤️",
	"Liked":      "👍",
	"Disliked":   "👎",
	"Laughed at": "😂",
	"Emphasized": "‼️",
	"Questioned": "❓",
}

// rewriteReactionText turns a tapback fallback string into a short marker.
// Only called when the payload carries an associated message type.
func rewriteReactionText(text string) string {
	if m := reactedToPattern.FindStringSubmatch(text); m != nil {
		return "reacted with " + strings.TrimSpace(m[1])
	}
	if m := verbPattern.FindStringSubmatch(text); m != nil {
		return "reacted with " + verbEmoji[m[1]]
	}
	return text
}
