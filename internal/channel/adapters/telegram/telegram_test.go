package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/channel"
)

var testAccount = channel.Account{Channel: channel.ChannelTelegram, ID: "bot", BotUsername: "GateBot", BotToken: "123:abc"}

func normalizeJSON(t *testing.T, raw string) (channel.InboundEvent, error) {
	t.Helper()
	return NewTelegramAdapter(nil).Normalize(testAccount, json.RawMessage(raw))
}

func TestNormalizePrivateMessage(t *testing.T) {
	t.Parallel()

	event, err := normalizeJSON(t, `{
		"update_id": 1001,
		"message": {
			"message_id": 7,
			"date": 1700000000,
			"chat": {"id": 42, "type": "private"},
			"from": {"id": 42, "first_name": "Ann", "last_name": "Lee", "username": "ann"},
			"text": "hello there"
		}
	}`)
	require.NoError(t, err)
	assert.Equal(t, channel.EventMessage, event.Kind)
	assert.Equal(t, "1001", event.DeliveryID)
	assert.Equal(t, "7", event.RawID)
	assert.Equal(t, channel.ChatIDTarget(42), event.Target)
	assert.Equal(t, "42", event.SenderID)
	assert.Equal(t, "Ann Lee", event.SenderDisplay)
	assert.Equal(t, "ann", event.SenderUsername)
	assert.False(t, event.IsGroup)
	assert.Equal(t, int64(1700000000000), event.TimestampMs)
	assert.False(t, event.ExplicitMention)
}

func TestNormalizeGroupMentionAndReply(t *testing.T) {
	t.Parallel()

	event, err := normalizeJSON(t, `{
		"update_id": 1002,
		"message": {
			"message_id": 8,
			"chat": {"id": -100, "type": "supergroup", "title": "Ops"},
			"from": {"id": 5, "first_name": "Bo"},
			"text": "👋 @gatebot ping",
			"entities": [{"type": "mention", "offset": 3, "length": 8}],
			"reply_to_message": {
				"message_id": 3,
				"chat": {"id": -100, "type": "supergroup"},
				"from": {"id": 9, "first_name": "Cy"},
				"text": ""
			}
		}
	}`)
	require.NoError(t, err)
	assert.True(t, event.IsGroup)
	assert.Equal(t, "Ops", event.GroupSubject)
	assert.True(t, event.ExplicitMention)
	require.NotNil(t, event.Reply)
	assert.Equal(t, "3", event.Reply.ID)
	require.NotNil(t, event.Reply.Body)
	assert.Equal(t, "", *event.Reply.Body)
	require.NotNil(t, event.Reply.Sender)
	assert.Equal(t, "Cy", *event.Reply.Sender)
}

func TestIsTelegramBotMentioned(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		text     string
		entities []tgbotapi.MessageEntity
		bot      string
		want     bool
	}{
		{name: "text mention", text: "hello @GateBot", bot: "gatebot", want: true},
		{name: "entity text_mention", entities: []tgbotapi.MessageEntity{{Type: "text_mention", User: &tgbotapi.User{IsBot: true}}}, want: true},
		{name: "other user text_mention", entities: []tgbotapi.MessageEntity{{Type: "text_mention", User: &tgbotapi.User{IsBot: false}}}, bot: "gatebot"},
		{name: "mention of someone else", text: "@alice hi", entities: []tgbotapi.MessageEntity{{Type: "mention", Offset: 0, Length: 6}}, bot: "gatebot"},
		{name: "not mentioned", text: "hello everyone", bot: "gatebot"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTelegramBotMentioned(tc.text, tc.entities, tc.bot); got != tc.want {
				t.Fatalf("isTelegramBotMentioned() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNormalizeIgnoresEditsKeepsChannelPosts(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"update_id": 5, "edited_message": {"message_id": 9, "chat": {"id": 1, "type": "private"}, "from": {"id": 1, "first_name": "A"}, "text": "fixed"}}`,
		`{"update_id": 9, "edited_channel_post": {"message_id": 11, "chat": {"id": -5, "type": "channel", "title": "News"}, "text": "fixed"}}`,
	} {
		_, err := normalizeJSON(t, raw)
		assert.ErrorIs(t, err, channel.ErrIgnoredPayload)
	}

	event, err := normalizeJSON(t, `{"update_id": 6, "channel_post": {"message_id": 10, "chat": {"id": -5, "type": "channel", "title": "News"}, "sender_chat": {"id": -5, "title": "News"}, "caption": "pic", "photo": [{"file_id": "s", "width": 10, "height": 10, "file_size": 10}, {"file_id": "l", "width": 100, "height": 100, "file_size": 900}]}}`)
	require.NoError(t, err)
	assert.Equal(t, "-5", event.SenderID)
	assert.Equal(t, "News", event.SenderDisplay)
	assert.Equal(t, "pic", event.Text)
	require.Len(t, event.Attachments, 1)
	assert.Equal(t, "l", event.Attachments[0].ID)
}

func TestNormalizeReaction(t *testing.T) {
	t.Parallel()

	event, err := normalizeJSON(t, `{"update_id": 7, "message_reaction": {
		"chat": {"id": 42, "type": "private"}, "message_id": 77, "date": 1,
		"user": {"id": 42, "first_name": "Ann"},
		"old_reaction": [], "new_reaction": [{"type": "emoji", "emoji": "👍"}]}}`)
	require.NoError(t, err)
	assert.Equal(t, channel.EventReaction, event.Kind)
	require.NotNil(t, event.Reaction)
	assert.Equal(t, channel.ReactionMeta{TargetMessageID: "77", ActorID: "42", Added: true, Emoji: "👍"}, *event.Reaction)

	event, err = normalizeJSON(t, `{"update_id": 8, "message_reaction": {
		"chat": {"id": 42, "type": "private"}, "message_id": 77,
		"user": {"id": 1, "is_bot": true, "username": "gatebot"},
		"old_reaction": [{"type": "emoji", "emoji": "👍"}], "new_reaction": []}}`)
	require.NoError(t, err)
	assert.False(t, event.Reaction.Added)
	assert.True(t, event.Reaction.IsSelf)
}

func TestNormalizeIgnored(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"update_id": 1}`,
		`{"update_id": 2, "callback_query": {"id": "x"}}`,
		`{"update_id": 3, "message": {"message_id": 1, "chat": {"id": 1, "type": "private"}}}`,
		`{"update_id": 4, "message_reaction": {"chat": {"id": 1, "type": "private"}, "message_id": 1, "old_reaction": [], "new_reaction": []}}`,
	} {
		_, err := normalizeJSON(t, raw)
		if !errors.Is(err, channel.ErrIgnoredPayload) {
			t.Fatalf("expected ErrIgnoredPayload for %s, got %v", raw, err)
		}
	}
	_, err := normalizeJSON(t, `not json`)
	assert.Error(t, err)
}

type botAPIServer struct {
	mu    sync.Mutex
	calls map[string][]url.Values
	srv   *httptest.Server
}

func newBotAPIServer(t *testing.T) *botAPIServer {
	t.Helper()
	b := &botAPIServer{calls: map[string][]url.Values{}}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		b.mu.Lock()
		b.calls[method] = append(b.calls[method], r.PostForm)
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Gate","username":"gatebot"}}`))
		case "sendMessage":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":555,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *botAPIServer) account() channel.Account {
	acc := testAccount
	acc.ServerURL = b.srv.URL
	return acc
}

func (b *botAPIServer) last(t *testing.T, method string) url.Values {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.calls[method], "no %s call", method)
	return b.calls[method][len(b.calls[method])-1]
}

func TestOutbound(t *testing.T) {
	t.Parallel()

	srv := newBotAPIServer(t)
	adapter := NewTelegramAdapter(nil)
	ctx := context.Background()
	target := channel.ChatIDTarget(42)

	res, err := adapter.Send(ctx, srv.account(), target, "hi", channel.SendOptions{ReplyToID: "7"})
	require.NoError(t, err)
	assert.Equal(t, "555", res.MessageID)
	form := srv.last(t, "sendMessage")
	assert.Equal(t, "42", form.Get("chat_id"))
	assert.Equal(t, "hi", form.Get("text"))
	assert.Equal(t, "7", form.Get("reply_to_message_id"))

	require.NoError(t, adapter.React(ctx, srv.account(), target, "555", "👀", channel.ReactOptions{}))
	form = srv.last(t, "setMessageReaction")
	assert.Equal(t, "555", form.Get("message_id"))
	assert.JSONEq(t, `[{"type":"emoji","emoji":"👀"}]`, form.Get("reaction"))

	require.NoError(t, adapter.React(ctx, srv.account(), target, "555", "👀", channel.ReactOptions{Remove: true}))
	assert.Equal(t, "[]", srv.last(t, "setMessageReaction").Get("reaction"))

	require.NoError(t, adapter.SetTyping(ctx, srv.account(), target, true))
	assert.Equal(t, "typing", srv.last(t, "sendChatAction").Get("action"))
	require.NoError(t, adapter.SetTyping(ctx, srv.account(), target, false))

	_, err = adapter.Send(ctx, srv.account(), channel.ChatGUIDTarget("x"), "hi", channel.SendOptions{})
	assert.Error(t, err)
}

func TestSendDeliversWholeChunks(t *testing.T) {
	t.Parallel()

	srv := newBotAPIServer(t)
	adapter := NewTelegramAdapter(nil)
	policy := adapter.Descriptor().OutboundPolicy

	for _, text := range []string{
		strings.Repeat("привет ", 400),
		strings.Repeat("😀", 3000),
	} {
		chunks := policy.Split(text, 0)
		require.NotEmpty(t, chunks)
		for _, chunk := range chunks {
			assert.LessOrEqual(t, channel.UnitUTF16.Len(chunk), telegramMaxMessageLength)
			_, err := adapter.Send(context.Background(), srv.account(), channel.ChatIDTarget(42), chunk, channel.SendOptions{})
			require.NoError(t, err)
			assert.Equal(t, chunk, srv.last(t, "sendMessage").Get("text"))
		}
	}
}

func TestSanitizeTelegramText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ok", sanitizeTelegramText("ok"))
	got := sanitizeTelegramText("a\xffb")
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "ab", got)
}
