package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/chatgate/internal/channel"
)

// Type is the registered channel type.
const Type = channel.ChannelTelegram

// Telegram measures text length in UTF-16 code units.
const telegramMaxMessageLength = 4096

// TelegramAdapter implements channel.Normalizer, channel.Sender, channel.Reactor
// and channel.TypingNotifier for the Bot API.
type TelegramAdapter struct {
	logger     *slog.Logger
	httpClient tgbotapi.HTTPClient
	mu         sync.RWMutex
	bots       map[string]*tgbotapi.BotAPI // keyed by endpoint and bot token
}

// NewTelegramAdapter creates a TelegramAdapter with the given logger.
func NewTelegramAdapter(log *slog.Logger) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &TelegramAdapter{
		logger:     log.With(slog.String("adapter", "telegram")),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		bots:       make(map[string]*tgbotapi.BotAPI),
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

// apiEndpoint honours account.ServerURL for self-hosted Bot API servers.
func apiEndpoint(account channel.Account) string {
	base := strings.TrimRight(strings.TrimSpace(account.ServerURL), "/")
	if base == "" {
		return tgbotapi.APIEndpoint
	}
	return base + "/bot%s/%s"
}

func (a *TelegramAdapter) getOrCreateBot(account channel.Account) (*tgbotapi.BotAPI, error) {
	token := strings.TrimSpace(account.BotToken)
	if token == "" {
		return nil, fmt.Errorf("telegram bot_token is required")
	}
	endpoint := apiEndpoint(account)
	key := endpoint + "|" + token
	a.mu.RLock()
	bot, ok := a.bots[key]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[key]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, a.httpClient)
	if err != nil {
		a.logger.Error("create bot failed", slog.String("account_id", account.ID), slog.Any("error", err))
		return nil, err
	}
	a.bots[key] = bot
	return bot, nil
}

// Type returns the Telegram channel type.
func (a *TelegramAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Telegram channel metadata.
func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		Capabilities: channel.ChannelCapabilities{
			Text:      true,
			Reply:     true,
			Reactions: true,
			Typing:    true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: telegramMaxMessageLength,
			Unit:           channel.UnitUTF16,
		},
		WebhookSecretQuery:   []string{"secret"},
		WebhookSecretHeaders: []string{"X-Telegram-Bot-Api-Secret-Token"},
		DefaultWebhookPath:   "/telegram-webhook",
	}
}

// Send sends a text message to a chat_id target, or to a @channel handle.
// Callers split text with the descriptor's outbound policy first.
func (a *TelegramAdapter) Send(ctx context.Context, account channel.Account, target channel.ChatTarget, text string, opts channel.SendOptions) (channel.SendResult, error) {
	bot, err := a.getOrCreateBot(account)
	if err != nil {
		return channel.SendResult{}, err
	}
	text = sanitizeTelegramText(text)
	var message tgbotapi.MessageConfig
	switch {
	case target.Kind == channel.TargetChatID:
		message = tgbotapi.NewMessage(target.ChatID, text)
	case target.Kind == channel.TargetHandle && strings.HasPrefix(target.Value, "@"):
		message = tgbotapi.NewMessageToChannel(target.Value, text)
	default:
		return channel.SendResult{}, fmt.Errorf("telegram target must be chat_id or @username, got %q", target.String())
	}
	if replyTo := parseMessageID(opts.ReplyToID); replyTo > 0 {
		message.ReplyToMessageID = replyTo
	}
	if err := ctx.Err(); err != nil {
		return channel.SendResult{}, err
	}
	sent, err := bot.Send(message)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent.MessageID == 0 {
		return channel.SendResult{}, nil
	}
	return channel.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

type reactionType struct {
	Type          string `json:"type"`
	Emoji         string `json:"emoji,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
}

// React sets or clears the bot's reaction. Telegram clears all bot reactions at
// once, so emoji is ignored on removal.
func (a *TelegramAdapter) React(ctx context.Context, account channel.Account, target channel.ChatTarget, messageID string, emoji string, opts channel.ReactOptions) error {
	if target.Kind != channel.TargetChatID {
		return fmt.Errorf("telegram reactions need a chat_id target")
	}
	bot, err := a.getOrCreateBot(account)
	if err != nil {
		return err
	}
	reactions := []reactionType{}
	if !opts.Remove {
		reactions = append(reactions, reactionType{Type: "emoji", Emoji: emoji})
	}
	encoded, err := json.Marshal(reactions)
	if err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", target.ChatID)
	params.AddNonEmpty("message_id", strings.TrimSpace(messageID))
	params.AddNonEmpty("reaction", string(encoded))
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("telegram react: %w", err)
	}
	return nil
}

// SetTyping sends a typing chat action. Telegram expires the indicator on its
// own, so turning it off is a no-op.
func (a *TelegramAdapter) SetTyping(ctx context.Context, account channel.Account, target channel.ChatTarget, on bool) error {
	if !on {
		return nil
	}
	if target.Kind != channel.TargetChatID {
		return fmt.Errorf("telegram typing needs a chat_id target")
	}
	bot, err := a.getOrCreateBot(account)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewChatAction(target.ChatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram typing: %w", err)
	}
	return nil
}

func parseMessageID(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// sliceByUTF16 cuts s using Telegram entity offsets, which count UTF-16 units.
func sliceByUTF16(s string, offset, length int) string {
	if offset < 0 || length <= 0 || s == "" {
		return ""
	}
	units := utf16.Encode([]rune(s))
	if offset >= len(units) {
		return ""
	}
	end := offset + length
	if end > len(units) {
		end = len(units)
	}
	return string(utf16.Decode(units[offset:end]))
}
