package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/memohai/chatgate/internal/channel"
)

type fakeAllowStore struct {
	items []string
	err   error
}

func (s *fakeAllowStore) ReadAllowFrom(context.Context, channel.ChannelType, string) ([]string, error) {
	return s.items, s.err
}

type fixedAuthorizer bool

func (a fixedAuthorizer) AuthorizeCommand(context.Context, CommandRequest) bool { return bool(a) }

func dm(sender, text string) channel.InboundEvent {
	return channel.InboundEvent{
		Channel:  channel.ChannelBlueBubbles,
		Kind:     channel.EventMessage,
		Target:   channel.HandleTarget(sender, ""),
		SenderID: sender,
		Text:     text,
	}
}

func group(sender, guid, text string) channel.InboundEvent {
	return channel.InboundEvent{
		Channel:  channel.ChannelBlueBubbles,
		Kind:     channel.EventMessage,
		Target:   channel.ChatGUIDTarget(guid),
		SenderID: sender,
		IsGroup:  true,
		Text:     text,
	}
}

func TestDirectMessagePolicies(t *testing.T) {
	t.Parallel()

	gate := NewGate(nil, nil, nil)
	ctx := context.Background()
	cases := []struct {
		name   string
		cfg    Config
		event  channel.InboundEvent
		expect Outcome
	}{
		{"disabled", Config{DMPolicy: DMDisabled, AllowFrom: []string{"*"}}, dm("+1555", "hi"), OutcomeDeny},
		{"open", Config{DMPolicy: DMOpen}, dm("+1555", "hi"), OutcomeAllow},
		{"allowlist member", Config{DMPolicy: DMAllowlist, AllowFrom: []string{"+1555"}}, dm("+1555", "hi"), OutcomeAllow},
		{"allowlist phone formatting", Config{DMPolicy: DMAllowlist, AllowFrom: []string{"+1 555-123-4567"}}, dm("+15551234567", "hi"), OutcomeAllow},
		{"allowlist non-member", Config{DMPolicy: DMAllowlist, AllowFrom: []string{"+1999"}}, dm("+1555", "hi"), OutcomeDeny},
		{"allowlist wildcard", Config{DMPolicy: DMAllowlist, AllowFrom: []string{"*"}}, dm("+1555", "hi"), OutcomeAllow},
		{"pairing member", Config{DMPolicy: DMPairing, AllowFrom: []string{"bluebubbles:A@B.com"}}, dm("a@b.com", "hi"), OutcomeAllow},
		{"pairing non-member", Config{DMPolicy: DMPairing}, dm("a@b.com", "hi"), OutcomePair},
	}
	for _, tc := range cases {
		got := gate.Evaluate(ctx, tc.cfg, tc.event)
		if got.Outcome != tc.expect {
			t.Fatalf("%s: outcome = %s (%s), want %s", tc.name, got.Outcome, got.Reason, tc.expect)
		}
	}
}

func TestPairingStoreApprovalsMergeIntoDMAllowList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gate := NewGate(nil, &fakeAllowStore{items: []string{"+1555"}}, nil)
	if got := gate.Evaluate(ctx, Config{DMPolicy: DMPairing}, dm("+1555", "hi")); got.Outcome != OutcomeAllow {
		t.Fatalf("paired sender: %+v", got)
	}
	if got := gate.Evaluate(ctx, Config{DMPolicy: DMAllowlist}, dm("+1555", "hi")); got.Outcome != OutcomeAllow {
		t.Fatalf("paired sender under allowlist: %+v", got)
	}

	failing := NewGate(nil, &fakeAllowStore{err: errors.New("down")}, nil)
	if got := failing.Evaluate(ctx, Config{DMPolicy: DMPairing}, dm("+1555", "hi")); got.Outcome != OutcomePair {
		t.Fatalf("store failure should fall back to config only: %+v", got)
	}
}

func TestGroupPolicies(t *testing.T) {
	t.Parallel()

	gate := NewGate(nil, nil, fixedAuthorizer(false))
	ctx := context.Background()
	cases := []struct {
		name   string
		cfg    Config
		event  channel.InboundEvent
		expect Outcome
	}{
		{"disabled", Config{GroupPolicy: GroupDisabled}, group("+1", "iMessage;+;chat1", "hi"), OutcomeDeny},
		{"open no mention required", Config{GroupPolicy: GroupOpen}, group("+1", "iMessage;+;chat1", "hi"), OutcomeAllow},
		{"open mention missing", Config{GroupPolicy: GroupOpen, RequireMention: true}, group("+1", "iMessage;+;chat1", "hi"), OutcomeDeny},
		{"allowlist sender member", Config{GroupPolicy: GroupAllowlist, GroupAllowFrom: []string{"+1"}}, group("+1", "iMessage;+;chat1", "hi"), OutcomeAllow},
		{"allowlist via allowFrom", Config{GroupPolicy: GroupAllowlist, AllowFrom: []string{"+1"}}, group("+1", "iMessage;+;chat1", "hi"), OutcomeAllow},
		{"allowlist non-member", Config{GroupPolicy: GroupAllowlist, GroupAllowFrom: []string{"+2"}}, group("+1", "iMessage;+;chat1", "hi"), OutcomeDeny},
		{"allowlist empty", Config{GroupPolicy: GroupAllowlist}, group("+1", "iMessage;+;chat1", "hi"), OutcomeDeny},
		{"allowlist member mention missing", Config{GroupPolicy: GroupAllowlist, GroupAllowFrom: []string{"*"}, RequireMention: true}, group("+1", "iMessage;+;chat1", "hi"), OutcomeDeny},
	}
	for _, tc := range cases {
		got := gate.Evaluate(ctx, tc.cfg, tc.event)
		if got.Outcome != tc.expect {
			t.Fatalf("%s: outcome = %s (%s), want %s", tc.name, got.Outcome, got.Reason, tc.expect)
		}
	}
}

func TestGroupAllowFromChatGUID(t *testing.T) {
	t.Parallel()

	gate := NewGate(nil, nil, nil)
	cfg := Config{
		GroupPolicy:    GroupAllowlist,
		GroupAllowFrom: []string{"chat_guid:iMessage;+;chat123456"},
	}
	got := gate.Evaluate(context.Background(), cfg, group("+15550001111", "iMessage;+;chat123456", "hello"))
	if got.Outcome != OutcomeAllow {
		t.Fatalf("chat guid entry should admit any member: %+v", got)
	}
	got = gate.Evaluate(context.Background(), cfg, group("+15550001111", "iMessage;+;chat999", "hello"))
	if got.Outcome != OutcomeDeny {
		t.Fatalf("other chats must stay denied: %+v", got)
	}
}

func TestMentionBypassNeedsCommandAndAuthorization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := Config{GroupPolicy: GroupOpen, RequireMention: true}

	authorized := NewGate(nil, nil, fixedAuthorizer(true))
	unauthorized := NewGate(nil, nil, fixedAuthorizer(false))

	if got := authorized.Evaluate(ctx, cfg, group("+1", "g", "/status")); got.Outcome != OutcomeAllow || !got.CommandAuthorized {
		t.Fatalf("authorized control command should bypass: %+v", got)
	}
	if got := unauthorized.Evaluate(ctx, cfg, group("+1", "g", "/status")); got.Outcome != OutcomeDeny {
		t.Fatalf("unauthorized command must not bypass: %+v", got)
	}
	if got := authorized.Evaluate(ctx, cfg, group("+1", "g", "status please")); got.Outcome != OutcomeDeny {
		t.Fatalf("authorized non-command must not bypass: %+v", got)
	}
	if got := authorized.Evaluate(ctx, cfg, group("+1", "g", "/unknowncmd")); got.Outcome != OutcomeDeny {
		t.Fatalf("unknown command must not bypass: %+v", got)
	}
}

func TestMentionSources(t *testing.T) {
	t.Parallel()

	patterns, err := CompileMentionPatterns([]string{`\bjarvis\b`, " "})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ctx := context.Background()
	gate := NewGate(nil, nil, nil)
	cfg := Config{GroupPolicy: GroupOpen, RequireMention: true, MentionPatterns: patterns}

	if got := gate.Evaluate(ctx, cfg, group("+1", "g", "hey JARVIS, lights")); got.Outcome != OutcomeAllow || !got.WasMentioned {
		t.Fatalf("pattern mention: %+v", got)
	}
	structural := group("+1", "g", "lights on")
	structural.ExplicitMention = true
	if got := gate.Evaluate(ctx, cfg, structural); got.Outcome != OutcomeAllow {
		t.Fatalf("structural mention: %+v", got)
	}
	if _, err := CompileMentionPatterns([]string{"("}); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}

func TestReactionsSkipMentionAndNeverPair(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gate := NewGate(nil, nil, nil)

	reaction := dm("+1555", "")
	reaction.Kind = channel.EventReaction
	reaction.Reaction = &channel.ReactionMeta{TargetMessageID: "m1", ActorID: "+1555", Added: true, Emoji: "👍"}
	if got := gate.Evaluate(ctx, Config{DMPolicy: DMPairing}, reaction); got.Outcome != OutcomeDeny {
		t.Fatalf("unpaired reaction should be denied: %+v", got)
	}

	groupReaction := group("+1", "g", "")
	groupReaction.Kind = channel.EventReaction
	if got := gate.Evaluate(ctx, Config{GroupPolicy: GroupOpen, RequireMention: true}, groupReaction); got.Outcome != OutcomeAllow {
		t.Fatalf("reactions are not subject to mention gating: %+v", got)
	}
}

func TestParsePolicies(t *testing.T) {
	t.Parallel()

	if p, err := ParseDMPolicy(""); err != nil || p != DMPairing {
		t.Fatalf("ParseDMPolicy(\"\") = %q, %v", p, err)
	}
	if p, err := ParseGroupPolicy("OPEN"); err != nil || p != GroupOpen {
		t.Fatalf("ParseGroupPolicy(OPEN) = %q, %v", p, err)
	}
	if _, err := ParseDMPolicy("sometimes"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := ParseGroupPolicy("pairing"); err == nil {
		t.Fatal("groups have no pairing policy")
	}
}
