package channel

import "testing"

func TestChatTargetStringAndParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		target ChatTarget
		want   string
	}{
		{ChatIDTarget(42), "chat_id:42"},
		{ChatGUIDTarget("iMessage;+;chat123456"), "chat_guid:iMessage;+;chat123456"},
		{ChatIdentifierTarget("chat123456"), "chat_identifier:chat123456"},
		{HandleTarget("+15551234567", ""), "handle:+15551234567"},
		{HandleTarget("a@b.com", "iMessage"), "handle:imessage:a@b.com"},
	}
	for _, tc := range cases {
		if got := tc.target.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
		parsed, err := ParseChatTarget(tc.want)
		if err != nil {
			t.Fatalf("ParseChatTarget(%q): %v", tc.want, err)
		}
		if parsed != tc.target {
			t.Fatalf("ParseChatTarget(%q) = %+v, want %+v", tc.want, parsed, tc.target)
		}
	}
}

func TestParseChatTargetErrors(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "chat_id", "chat_id:abc", "room:1", "chat_guid:  "} {
		if _, err := ParseChatTarget(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestChatTargetEqualityIsPerVariant(t *testing.T) {
	t.Parallel()

	if ChatGUIDTarget("x") == ChatIdentifierTarget("x") {
		t.Fatal("different variants with the same value must not be equal")
	}
	if ChatIDTarget(7) != ChatIDTarget(7) {
		t.Fatal("same chat id must be equal")
	}
	if !(ChatTarget{}).IsZero() || ChatIDTarget(0).IsZero() {
		t.Fatal("IsZero mismatch")
	}
}

func TestChannelTypeLabel(t *testing.T) {
	t.Parallel()

	if ChannelBlueBubbles.Label() != "BlueBubbles" || ChannelTelegram.Label() != "Telegram" {
		t.Fatal("unexpected builtin labels")
	}
	if ChannelType("signal").Label() != "Signal" {
		t.Fatal("expected capitalized fallback")
	}
}
