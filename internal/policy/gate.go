// Package policy decides whether an inbound event may reach the agent.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
)

// DMPolicy governs direct messages.
type DMPolicy string

const (
	DMDisabled  DMPolicy = "disabled"
	DMOpen      DMPolicy = "open"
	DMAllowlist DMPolicy = "allowlist"
	DMPairing   DMPolicy = "pairing"
)

// GroupPolicy governs group chats.
type GroupPolicy string

const (
	GroupDisabled  GroupPolicy = "disabled"
	GroupOpen      GroupPolicy = "open"
	GroupAllowlist GroupPolicy = "allowlist"
)

// Outcome is the gate verdict.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
	OutcomePair  Outcome = "pair"
)

// Decision is the result of Evaluate.
type Decision struct {
	Outcome           Outcome
	Reason            string
	WasMentioned      bool
	CommandAuthorized bool
}

// Config is the per-account policy.
type Config struct {
	DMPolicy         DMPolicy
	GroupPolicy      GroupPolicy
	AllowFrom        []string
	GroupAllowFrom   []string
	CommandAllowFrom []string
	RequireMention   bool
	MentionPatterns  []*regexp.Regexp
}

// ParseDMPolicy validates a configured DM policy. Empty means pairing.
func ParseDMPolicy(raw string) (DMPolicy, error) {
	switch p := DMPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return DMPairing, nil
	case DMDisabled, DMOpen, DMAllowlist, DMPairing:
		return p, nil
	}
	return "", fmt.Errorf("unknown dm policy %q", raw)
}

// ParseGroupPolicy validates a configured group policy. Empty means allowlist.
func ParseGroupPolicy(raw string) (GroupPolicy, error) {
	switch p := GroupPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return GroupAllowlist, nil
	case GroupDisabled, GroupOpen, GroupAllowlist:
		return p, nil
	}
	return "", fmt.Errorf("unknown group policy %q", raw)
}

// CompileMentionPatterns compiles case-insensitive mention regexes.
func CompileMentionPatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("mention pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// AllowFromReader supplies senders approved through pairing.
type AllowFromReader interface {
	ReadAllowFrom(ctx context.Context, ch channel.ChannelType, accountID string) ([]string, error)
}

// CommandRequest is what a CommandAuthorizer decides on.
type CommandRequest struct {
	Config Config
	Event  channel.InboundEvent
	// StoreAllowFrom holds senders approved through pairing.
	StoreAllowFrom []string
}

// CommandAuthorizer decides whether a sender may run control commands.
type CommandAuthorizer interface {
	AuthorizeCommand(ctx context.Context, req CommandRequest) bool
}

// AllowListAuthorizer authorizes senders named in CommandAllowFrom, or when that
// is empty, in AllowFrom, GroupAllowFrom or the pairing store.
type AllowListAuthorizer struct{}

func (AllowListAuthorizer) AuthorizeCommand(_ context.Context, req CommandRequest) bool {
	if len(req.Config.CommandAllowFrom) > 0 {
		return MatchAllowList(req.Config.CommandAllowFrom, senderOnly(req.Event))
	}
	ev := senderOnly(req.Event)
	return MatchAllowList(req.Config.AllowFrom, ev) ||
		MatchAllowList(req.Config.GroupAllowFrom, ev) ||
		MatchAllowList(req.StoreAllowFrom, ev)
}

// senderOnly strips the chat so that chat-level allow entries do not grant
// command rights to every member.
func senderOnly(e channel.InboundEvent) channel.InboundEvent {
	e.Target = channel.ChatTarget{}
	return e
}

// Gate evaluates policy decisions.
type Gate struct {
	store      AllowFromReader
	authorizer CommandAuthorizer
	logger     *slog.Logger
}

// NewGate creates a Gate. store and authorizer may be nil.
func NewGate(log *slog.Logger, store AllowFromReader, authorizer CommandAuthorizer) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if authorizer == nil {
		authorizer = AllowListAuthorizer{}
	}
	return &Gate{
		store:      store,
		authorizer: authorizer,
		logger:     log.With(slog.String("component", "policy")),
	}
}

// Evaluate applies cfg to event.
func (g *Gate) Evaluate(ctx context.Context, cfg Config, event channel.InboundEvent) Decision {
	storeAllow := g.readStoreAllowFrom(ctx, event)
	dec := Decision{
		WasMentioned: event.ExplicitMention || matchesMention(cfg.MentionPatterns, event.Text),
	}
	if event.Kind == channel.EventMessage {
		dec.CommandAuthorized = g.authorizer.AuthorizeCommand(ctx, CommandRequest{
			Config:         cfg,
			Event:          event,
			StoreAllowFrom: storeAllow,
		})
	}

	if event.IsGroup {
		g.evaluateGroup(cfg, event, &dec)
	} else {
		g.evaluateDirect(cfg, event, storeAllow, &dec)
	}

	// Pairing codes are only ever offered in response to a message.
	if event.Kind == channel.EventReaction && dec.Outcome == OutcomePair {
		dec.Outcome = OutcomeDeny
		dec.Reason = "reaction from unpaired sender"
	}
	return dec
}

func (g *Gate) evaluateDirect(cfg Config, event channel.InboundEvent, storeAllow []string, dec *Decision) {
	member := MatchAllowList(cfg.AllowFrom, event) || MatchAllowList(storeAllow, event)
	switch cfg.DMPolicy {
	case DMOpen:
		dec.Outcome, dec.Reason = OutcomeAllow, "dm open"
	case DMAllowlist:
		if member {
			dec.Outcome, dec.Reason = OutcomeAllow, "dm allowlisted"
		} else {
			dec.Outcome, dec.Reason = OutcomeDeny, "dm sender not allowlisted"
		}
	case DMPairing, "":
		if member {
			dec.Outcome, dec.Reason = OutcomeAllow, "dm allowlisted"
		} else {
			dec.Outcome, dec.Reason = OutcomePair, "dm sender not paired"
		}
	default:
		dec.Outcome, dec.Reason = OutcomeDeny, "dm disabled"
	}
}

func (g *Gate) evaluateGroup(cfg Config, event channel.InboundEvent, dec *Decision) {
	switch cfg.GroupPolicy {
	case GroupOpen:
	case GroupAllowlist, "":
		if !MatchAllowList(cfg.AllowFrom, event) && !MatchAllowList(cfg.GroupAllowFrom, event) {
			dec.Outcome, dec.Reason = OutcomeDeny, "group sender not allowlisted"
			return
		}
	default:
		dec.Outcome, dec.Reason = OutcomeDeny, "group disabled"
		return
	}

	if event.Kind == channel.EventMessage && cfg.RequireMention && !dec.WasMentioned {
		if IsControlCommand(event.Text) && dec.CommandAuthorized {
			dec.Outcome, dec.Reason = OutcomeAllow, "authorized control command"
			return
		}
		dec.Outcome, dec.Reason = OutcomeDeny, "mention required"
		return
	}
	dec.Outcome, dec.Reason = OutcomeAllow, "group allowed"
}

func (g *Gate) readStoreAllowFrom(ctx context.Context, event channel.InboundEvent) []string {
	if g.store == nil {
		return nil
	}
	items, err := g.store.ReadAllowFrom(ctx, event.Channel, event.AccountID)
	if err != nil {
		g.logger.Warn("read pairing allow-from failed",
			slog.String("channel", event.Channel.String()),
			slog.String("account_id", event.AccountID),
			slog.Any("error", err),
		)
		return nil
	}
	return items
}

func matchesMention(patterns []*regexp.Regexp, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
