package bluebubbles

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/channel"
)

var testAccount = channel.Account{Channel: channel.ChannelBlueBubbles, ID: "default"}

func normalize(t *testing.T, data map[string]any) (channel.InboundEvent, error) {
	t.Helper()
	return normalizeType(t, eventNewMessage, data)
}

func normalizeType(t *testing.T, typ string, data map[string]any) (channel.InboundEvent, error) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": typ, "data": data})
	require.NoError(t, err)
	return NewAdapter(nil, nil).Normalize(testAccount, raw)
}

func TestNormalizeDirectMessage(t *testing.T) {
	t.Parallel()

	event, err := normalize(t, map[string]any{
		"guid":        "MSG-1",
		"text":        " hello ",
		"handle":      map[string]any{"address": "+15551234567", "service": "iMessage"},
		"chats":       []any{map[string]any{"guid": "iMessage;-;+15551234567"}},
		"dateCreated": 1700000000000,
		"attachments": []any{map[string]any{
			"guid": "ATT-1", "transferName": "a.jpg", "mimeType": "image/jpeg", "totalBytes": 1024,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, channel.EventMessage, event.Kind)
	assert.Equal(t, "MSG-1", event.RawID)
	assert.Equal(t, "hello", event.Text)
	assert.Equal(t, "+15551234567", event.SenderID)
	assert.Equal(t, channel.ChatGUIDTarget("iMessage;-;+15551234567"), event.Target)
	assert.False(t, event.IsGroup)
	assert.Equal(t, int64(1700000000000), event.TimestampMs)
	assert.Equal(t, []channel.Attachment{{ID: "ATT-1", Name: "a.jpg", Mime: "image/jpeg", Size: 1024}}, event.Attachments)
	assert.Nil(t, event.Reply)
}

func TestNormalizeTargetPrecedence(t *testing.T) {
	t.Parallel()

	handle := map[string]any{"address": "a@b.com", "service": "iMessage"}
	cases := []struct {
		name  string
		data  map[string]any
		want  channel.ChatTarget
		group bool
	}{
		{
			name: "chatGuid wins",
			data: map[string]any{"chatGuid": "iMessage;+;chat1", "chats": []any{map[string]any{"guid": "iMessage;-;x"}}},
			want: channel.ChatGUIDTarget("iMessage;+;chat1"), group: true,
		},
		{
			name: "first chat guid",
			data: map[string]any{"chats": []any{map[string]any{"guid": "iMessage;-;x"}}, "chatId": 7},
			want: channel.ChatGUIDTarget("iMessage;-;x"),
		},
		{
			name: "synthesized group guid",
			data: map[string]any{"chatIdentifier": "chat99", "service": "iMessage", "isGroup": true},
			want: channel.ChatGUIDTarget("iMessage;+;chat99"), group: true,
		},
		{
			name: "synthesized direct guid from chat service",
			data: map[string]any{"chats": []any{map[string]any{"chatIdentifier": "+1555", "service": "SMS"}}},
			want: channel.ChatGUIDTarget("SMS;-;+1555"),
		},
		{
			name: "numeric chat id",
			data: map[string]any{"chatId": 42},
			want: channel.ChatIDTarget(42),
		},
		{
			name: "identifier without service",
			data: map[string]any{"chatIdentifier": "chat5"},
			want: channel.ChatIdentifierTarget("chat5"),
		},
		{
			name: "bare handle",
			data: map[string]any{},
			want: channel.HandleTarget("a@b.com", "imessage"),
		},
		{
			name: "plus separator overrides explicit false",
			data: map[string]any{"chatGuid": "iMessage;+;chat2", "isGroup": false},
			want: channel.ChatGUIDTarget("iMessage;+;chat2"), group: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.data["guid"] = "M"
			tc.data["text"] = "hi"
			tc.data["handle"] = handle
			event, err := normalize(t, tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, event.Target)
			assert.Equal(t, tc.group, event.IsGroup)
		})
	}
}

func TestNormalizeGroupRoster(t *testing.T) {
	t.Parallel()

	event, err := normalize(t, map[string]any{
		"guid":   "M",
		"text":   "hey",
		"handle": map[string]any{"address": "+1555"},
		"chats": []any{map[string]any{
			"guid":         "iMessage;+;chat123456",
			"displayName":  "Climbing",
			"participants": []any{map[string]any{"address": "+1555"}, map[string]any{"address": "b@c.com"}},
		}},
	})
	require.NoError(t, err)
	assert.True(t, event.IsGroup)
	assert.Equal(t, "Climbing", event.GroupSubject)
	assert.Equal(t, []string{"+1555", "b@c.com"}, event.Members)
}

func TestNormalizeReplyMeta(t *testing.T) {
	t.Parallel()

	t.Run("reply object", func(t *testing.T) {
		event, err := normalize(t, map[string]any{
			"guid": "M", "text": "yes", "chatGuid": "iMessage;-;x",
			"replyToMessage": map[string]any{"guid": "ORIG", "text": "", "handle": map[string]any{"address": "+1"}},
		})
		require.NoError(t, err)
		require.NotNil(t, event.Reply)
		assert.Equal(t, "ORIG", event.Reply.ID)
		require.NotNil(t, event.Reply.Body, "empty body is known")
		assert.Equal(t, "", *event.Reply.Body)
		require.NotNil(t, event.Reply.Sender)
		assert.Equal(t, "+1", *event.Reply.Sender)
	})

	t.Run("thread originator with part", func(t *testing.T) {
		event, err := normalize(t, map[string]any{
			"guid": "M", "text": "yes", "chatGuid": "iMessage;-;x",
			"threadOriginatorGuid": "ORIG", "threadOriginatorPart": "1:0:3",
		})
		require.NoError(t, err)
		require.NotNil(t, event.Reply)
		assert.Equal(t, "p:1/ORIG", event.Reply.ID)
		assert.Nil(t, event.Reply.Body)
		assert.Nil(t, event.Reply.Sender)
	})
}

func TestNormalizeReactions(t *testing.T) {
	t.Parallel()

	base := func(extra map[string]any) map[string]any {
		data := map[string]any{
			"guid":     "R1",
			"text":     `Loved "hello"`,
			"chatGuid": "iMessage;-;+1555",
			"handle":   map[string]any{"address": "+1555"},
		}
		for k, v := range extra {
			data[k] = v
		}
		return data
	}

	event, err := normalize(t, base(map[string]any{"associatedMessageType": 2000, "associatedMessageGuid": "p:0/ORIG"}))
	require.NoError(t, err)
	assert.Equal(t, channel.EventReaction, event.Kind)
	require.NotNil(t, event.Reaction)
	assert.Equal(t, channel.ReactionMeta{TargetMessageID: "p:0/ORIG", ActorID: "+1555", Added: true, Emoji: "❤️"}, *event.Reaction)

	event, err = normalize(t, base(map[string]any{"associatedMessageType": 3001, "associatedMessageGuid": "ORIG"}))
	require.NoError(t, err)
	assert.False(t, event.Reaction.Added)
	assert.Equal(t, "👍", event.Reaction.Emoji)

	event, err = normalize(t, base(map[string]any{"associatedMessageType": "-laugh", "associatedMessageGuid": "ORIG"}))
	require.NoError(t, err)
	assert.False(t, event.Reaction.Added)
	assert.Equal(t, "😂", event.Reaction.Emoji)

	event, err = normalize(t, base(map[string]any{
		"associatedMessageType": 2006, "associatedMessageGuid": "ORIG", "associatedMessageEmoji": "🔥",
	}))
	require.NoError(t, err)
	assert.Equal(t, "🔥", event.Reaction.Emoji)

	event, err = normalize(t, base(map[string]any{
		"associatedMessageType": 2000, "associatedMessageGuid": "ORIG", "isFromMe": true,
	}))
	require.NoError(t, err, "self reactions are normalized and dropped later")
	assert.True(t, event.Reaction.IsSelf)
}

func TestNormalizeReactionAsText(t *testing.T) {
	t.Parallel()

	// Unknown code: no reaction event can be formed, so the fallback text is rewritten.
	event, err := normalize(t, map[string]any{
		"guid": "M", "chatGuid": "iMessage;-;x", "text": `Loved “see you at 6”`,
		"associatedMessageType": 1234,
	})
	require.NoError(t, err)
	assert.Equal(t, channel.EventMessage, event.Kind)
	assert.Equal(t, "reacted with ❤️", event.Text)

	event, err = normalize(t, map[string]any{
		"guid": "M", "chatGuid": "iMessage;-;x", "text": `Reacted 🎉 to "launch"`,
		"associatedMessageType": 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, "reacted with 🎉", event.Text)

	// Without the field a message that merely looks like a tapback stays intact.
	event, err = normalize(t, map[string]any{
		"guid": "M", "chatGuid": "iMessage;-;x", "text": `Loved "the movie"`,
	})
	require.NoError(t, err)
	assert.Equal(t, `Loved "the movie"`, event.Text)

	// Ordinary messages carry a zero type.
	for _, zero := range []any{0, "0", ""} {
		event, err = normalize(t, map[string]any{
			"guid": "M", "chatGuid": "iMessage;-;x", "text": `Loved "the movie"`,
			"associatedMessageType": zero,
		})
		require.NoError(t, err)
		assert.Equal(t, channel.EventMessage, event.Kind)
		assert.Equal(t, `Loved "the movie"`, event.Text, "type %v", zero)
	}
}

func TestNormalizeIgnored(t *testing.T) {
	t.Parallel()

	_, err := normalizeType(t, "typing-indicator", map[string]any{"display": true})
	assert.True(t, errors.Is(err, channel.ErrIgnoredPayload))

	_, err = normalize(t, map[string]any{"guid": "M", "text": "echo", "chatGuid": "iMessage;-;x", "isFromMe": true})
	assert.ErrorIs(t, err, channel.ErrIgnoredPayload)

	_, err = normalize(t, map[string]any{"guid": "M", "text": "  ", "chatGuid": "iMessage;-;x"})
	assert.ErrorIs(t, err, channel.ErrIgnoredPayload)

	_, err = normalize(t, map[string]any{"guid": "M", "text": "hi"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, channel.ErrIgnoredPayload)

	_, err = NewAdapter(nil, nil).Normalize(testAccount, json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}
