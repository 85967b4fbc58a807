package telegram

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/chatgate/internal/channel"
)

// update extends tgbotapi.Update with message_reaction, which the library
// version in use predates.
type update struct {
	tgbotapi.Update
	MessageReaction *messageReactionUpdated `json:"message_reaction"`
}

type messageReactionUpdated struct {
	Chat        *tgbotapi.Chat `json:"chat"`
	MessageID   int            `json:"message_id"`
	User        *tgbotapi.User `json:"user"`
	ActorChat   *tgbotapi.Chat `json:"actor_chat"`
	Date        int            `json:"date"`
	OldReaction []reactionType `json:"old_reaction"`
	NewReaction []reactionType `json:"new_reaction"`
}

// Normalize converts a Bot API Update into an InboundEvent.
func (a *TelegramAdapter) Normalize(account channel.Account, payload json.RawMessage) (channel.InboundEvent, error) {
	var upd update
	if err := json.Unmarshal(payload, &upd); err != nil {
		return channel.InboundEvent{}, fmt.Errorf("decode telegram update: %w", err)
	}
	deliveryID := ""
	if upd.UpdateID != 0 {
		deliveryID = strconv.Itoa(upd.UpdateID)
	}
	if upd.MessageReaction != nil {
		return normalizeReaction(account, deliveryID, upd.MessageReaction)
	}

	// Edits are not redispatched. The agent already answered the original.
	if upd.EditedMessage != nil || upd.EditedChannelPost != nil {
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}
	msg := firstMessage(upd.Message, upd.ChannelPost)
	if msg == nil || msg.Chat == nil {
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}
	text := msg.Text
	entities := msg.Entities
	if strings.TrimSpace(text) == "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}
	attachments := collectTelegramAttachments(msg)
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}

	senderID, display, username := resolveTelegramSender(msg)
	event := channel.InboundEvent{
		Channel:         Type,
		AccountID:       account.ID,
		Kind:            channel.EventMessage,
		RawID:           strconv.Itoa(msg.MessageID),
		DeliveryID:      deliveryID,
		Target:          channel.ChatIDTarget(msg.Chat.ID),
		SenderID:        senderID,
		SenderDisplay:   display,
		SenderUsername:  username,
		IsGroup:         msg.Chat.Type != "private",
		Text:            strings.TrimSpace(text),
		Attachments:     attachments,
		ExplicitMention: isTelegramBotMentioned(text, entities, account.BotUsername),
		Reply:           buildTelegramReply(msg.ReplyToMessage),
		TimestampMs:     int64(msg.Date) * 1000,
	}
	if event.IsGroup {
		event.GroupSubject = strings.TrimSpace(msg.Chat.Title)
	}
	return event, nil
}

func firstMessage(msgs ...*tgbotapi.Message) *tgbotapi.Message {
	for _, m := range msgs {
		if m != nil {
			return m
		}
	}
	return nil
}

func normalizeReaction(account channel.Account, deliveryID string, r *messageReactionUpdated) (channel.InboundEvent, error) {
	if r.Chat == nil {
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}
	emoji, added, ok := reactionDelta(r.OldReaction, r.NewReaction)
	if !ok {
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}
	actor, display, username := "", "", ""
	isSelf := false
	switch {
	case r.User != nil:
		actor = strconv.FormatInt(r.User.ID, 10)
		username = strings.TrimSpace(r.User.UserName)
		display = userDisplayName(r.User)
		bot := strings.TrimPrefix(strings.TrimSpace(account.BotUsername), "@")
		isSelf = r.User.IsBot && bot != "" && strings.EqualFold(username, bot)
	case r.ActorChat != nil:
		actor = strconv.FormatInt(r.ActorChat.ID, 10)
		display = strings.TrimSpace(r.ActorChat.Title)
	}
	target := strconv.Itoa(r.MessageID)
	return channel.InboundEvent{
		Channel:        Type,
		AccountID:      account.ID,
		Kind:           channel.EventReaction,
		RawID:          target,
		DeliveryID:     deliveryID,
		Target:         channel.ChatIDTarget(r.Chat.ID),
		SenderID:       actor,
		SenderDisplay:  display,
		SenderUsername: username,
		IsGroup:        r.Chat.Type != "private",
		TimestampMs:    int64(r.Date) * 1000,
		Reaction: &channel.ReactionMeta{
			TargetMessageID: target,
			ActorID:         actor,
			IsSelf:          isSelf,
			Added:           added,
			Emoji:           emoji,
		},
	}, nil
}

// reactionDelta reports the first emoji added, or failing that the first removed.
func reactionDelta(oldR, newR []reactionType) (string, bool, bool) {
	has := func(list []reactionType, emoji string) bool {
		for _, r := range list {
			if r.Emoji == emoji {
				return true
			}
		}
		return false
	}
	for _, r := range newR {
		if r.Emoji != "" && !has(oldR, r.Emoji) {
			return r.Emoji, true, true
		}
	}
	for _, r := range oldR {
		if r.Emoji != "" && !has(newR, r.Emoji) {
			return r.Emoji, false, true
		}
	}
	return "", false, false
}

func resolveTelegramSender(msg *tgbotapi.Message) (id, display, username string) {
	if msg == nil {
		return "", "", ""
	}
	if msg.From != nil {
		return strconv.FormatInt(msg.From.ID, 10), userDisplayName(msg.From), strings.TrimSpace(msg.From.UserName)
	}
	if msg.SenderChat != nil {
		display = strings.TrimSpace(msg.SenderChat.Title)
		if display == "" {
			display = strings.TrimSpace(msg.SenderChat.UserName)
		}
		return strconv.FormatInt(msg.SenderChat.ID, 10), display, strings.TrimSpace(msg.SenderChat.UserName)
	}
	if msg.Chat != nil {
		return strconv.FormatInt(msg.Chat.ID, 10), strings.TrimSpace(msg.Chat.Title), ""
	}
	return "", "", ""
}

func userDisplayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = strings.TrimSpace(u.UserName)
	}
	return name
}

// buildTelegramReply always sets Body and Sender: Telegram embeds the full
// original message, so an empty value is known to be empty.
func buildTelegramReply(reply *tgbotapi.Message) *channel.ReplyMeta {
	if reply == nil || reply.MessageID == 0 {
		return nil
	}
	body := reply.Text
	if strings.TrimSpace(body) == "" {
		body = reply.Caption
	}
	_, display, _ := resolveTelegramSender(reply)
	return &channel.ReplyMeta{
		ID:     strconv.Itoa(reply.MessageID),
		Body:   channel.StringPtr(strings.TrimSpace(body)),
		Sender: channel.StringPtr(display),
	}
}

func isTelegramBotMentioned(text string, entities []tgbotapi.MessageEntity, botUsername string) bool {
	bot := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(botUsername), "@"))
	for _, entity := range entities {
		switch entity.Type {
		case "text_mention":
			if entity.User != nil && entity.User.IsBot && (bot == "" || strings.EqualFold(entity.User.UserName, bot)) {
				return true
			}
		case "mention":
			if bot != "" && strings.EqualFold(sliceByUTF16(text, entity.Offset, entity.Length), "@"+bot) {
				return true
			}
		}
	}
	// Some clients omit entities.
	return bot != "" && strings.Contains(strings.ToLower(text), "@"+bot)
}

func collectTelegramAttachments(msg *tgbotapi.Message) []channel.Attachment {
	var out []channel.Attachment
	if len(msg.Photo) > 0 {
		photo := pickTelegramPhoto(msg.Photo)
		out = append(out, channel.Attachment{ID: photo.FileID, Mime: "image/jpeg", Size: int64(photo.FileSize)})
	}
	if msg.Document != nil {
		out = append(out, channel.Attachment{ID: msg.Document.FileID, Name: msg.Document.FileName, Mime: msg.Document.MimeType, Size: int64(msg.Document.FileSize)})
	}
	if msg.Audio != nil {
		out = append(out, channel.Attachment{ID: msg.Audio.FileID, Name: msg.Audio.FileName, Mime: msg.Audio.MimeType, Size: int64(msg.Audio.FileSize)})
	}
	if msg.Voice != nil {
		out = append(out, channel.Attachment{ID: msg.Voice.FileID, Mime: msg.Voice.MimeType, Size: int64(msg.Voice.FileSize)})
	}
	if msg.Video != nil {
		out = append(out, channel.Attachment{ID: msg.Video.FileID, Name: msg.Video.FileName, Mime: msg.Video.MimeType, Size: int64(msg.Video.FileSize)})
	}
	if msg.Sticker != nil {
		out = append(out, channel.Attachment{ID: msg.Sticker.FileID, Mime: "image/webp", Size: int64(msg.Sticker.FileSize)})
	}
	return out
}

func pickTelegramPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize {
			best = item
			continue
		}
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}
