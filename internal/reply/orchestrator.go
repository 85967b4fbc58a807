package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/events"
	"github.com/memohai/chatgate/internal/history"
	"github.com/memohai/chatgate/internal/pairing"
	"github.com/memohai/chatgate/internal/policy"
	"github.com/memohai/chatgate/internal/shortid"
)

// AckScope selects which inbound messages get the ack reaction.
type AckScope string

const (
	AckOff           AckScope = "off"
	AckDirect        AckScope = "direct"
	AckGroupMentions AckScope = "group-mentions"
	AckGroupAll      AckScope = "group-all"
	AckAll           AckScope = "all"
)

// ParseAckScope parses a configured scope; empty means off.
func ParseAckScope(raw string) (AckScope, error) {
	switch s := AckScope(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return AckOff, nil
	case AckOff, AckDirect, AckGroupMentions, AckGroupAll, AckAll:
		return s, nil
	}
	return "", fmt.Errorf("unknown ack reaction scope %q", raw)
}

// Matches reports whether a message in this chat shape gets acked.
func (s AckScope) Matches(isGroup, mentioned bool) bool {
	switch s {
	case AckAll:
		return true
	case AckDirect:
		return !isGroup
	case AckGroupAll:
		return isGroup
	case AckGroupMentions:
		return isGroup && mentioned
	}
	return false
}

// Settings are the per-account reply options.
type Settings struct {
	AckEmoji               string
	AckScope               AckScope
	SendReadReceipts       bool
	NotifyReactionRemovals bool
	// TextChunkLimit overrides the channel's default when positive.
	TextChunkLimit int
}

// DefaultSettings applies to accounts that were never configured.
func DefaultSettings() Settings {
	return Settings{AckScope: AckOff, SendReadReceipts: true}
}

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Registry   *channel.Registry
	ShortIDs   *shortid.Cache
	History    *history.Cache
	Events     *events.Queue
	Dispatcher Dispatcher
}

// Orchestrator handles allowed events.
type Orchestrator struct {
	registry   *channel.Registry
	shortIDs   *shortid.Cache
	history    *history.Cache
	events     *events.Queue
	dispatcher Dispatcher
	logger     *slog.Logger

	mu       sync.RWMutex
	settings map[string]Settings
}

// NewOrchestrator creates an Orchestrator. Missing caches get defaults.
func NewOrchestrator(log *slog.Logger, deps Deps) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = channel.NewRegistry()
	}
	if deps.ShortIDs == nil {
		deps.ShortIDs = shortid.New(0)
	}
	if deps.History == nil {
		deps.History = history.New(history.Options{})
	}
	if deps.Events == nil {
		deps.Events = events.NewQueue()
	}
	return &Orchestrator{
		registry:   deps.Registry,
		shortIDs:   deps.ShortIDs,
		history:    deps.History,
		events:     deps.Events,
		dispatcher: deps.Dispatcher,
		logger:     log.With(slog.String("component", "reply")),
		settings:   map[string]Settings{},
	}
}

func settingsKey(ch channel.ChannelType, accountID string) string {
	return ch.String() + ":" + accountID
}

// Configure sets the reply options of one account.
func (o *Orchestrator) Configure(ch channel.ChannelType, accountID string, s Settings) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings[settingsKey(ch, accountID)] = s
}

func (o *Orchestrator) settingsFor(ch channel.ChannelType, accountID string) Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if s, ok := o.settings[settingsKey(ch, accountID)]; ok {
		return s
	}
	return DefaultSettings()
}

// HandleMessage builds the dispatch context for an allowed message, performs
// the ack and read side effects and runs the dispatcher.
func (o *Orchestrator) HandleMessage(ctx context.Context, account channel.Account, event channel.InboundEvent, decision policy.Decision) error {
	if o.dispatcher == nil {
		return errors.New("reply dispatcher not configured")
	}
	settings := o.settingsFor(event.Channel, account.ID)

	msgShort := o.shortIDs.Assign(event.RawID)
	if event.RawID != "" {
		o.history.Record(event.ChatKey(), history.Entry{
			SenderID:      event.SenderID,
			SenderDisplay: event.SenderDisplay,
			Text:          event.Text,
			FullID:        event.RawID,
			ShortID:       msgShort,
			At:            eventTime(event),
		})
	}
	dctx := o.buildContext(event, decision, msgShort)

	if settings.AckEmoji != "" && event.RawID != "" && settings.AckScope.Matches(event.IsGroup, decision.WasMentioned) {
		o.react(ctx, account, event, event.RawID, settings.AckEmoji)
	}
	if settings.SendReadReceipts {
		o.markRead(ctx, account, event)
	}

	desc, _ := o.registry.GetDescriptor(event.Channel)
	outbound := channel.NormalizeOutboundPolicy(desc.OutboundPolicy)
	// A configured limit may shrink chunks but never exceed what the channel accepts.
	chunkLimit := settings.TextChunkLimit
	if chunkLimit > outbound.TextChunkLimit {
		chunkLimit = outbound.TextChunkLimit
	}
	d := &dispatch{
		o:          o,
		account:    account,
		event:      event,
		sessionKey: dctx.SessionKey,
		policy:     outbound,
		chunkLimit: chunkLimit,
	}
	defer d.close(ctx)

	if err := o.dispatcher.Dispatch(ctx, dctx, d); err != nil {
		return fmt.Errorf("dispatch reply: %w", err)
	}
	o.logger.Debug("dispatch finished",
		slog.String("session_key", dctx.SessionKey),
		slog.Int("chunks_sent", d.sent),
	)
	return nil
}

func (o *Orchestrator) buildContext(event channel.InboundEvent, decision policy.Decision, msgShort int64) *DispatchContext {
	dctx := &DispatchContext{
		Channel:           event.Channel,
		AccountID:         event.AccountID,
		SessionKey:        SessionKey(event),
		Target:            event.Target.String(),
		ThreadID:          event.ThreadID,
		From:              event.Channel.String() + ":" + event.SenderID,
		SenderID:          event.SenderID,
		SenderName:        event.SenderDisplay,
		IsGroup:           event.IsGroup,
		WasMentioned:      decision.WasMentioned,
		CommandAuthorized: decision.CommandAuthorized,
		MessageSid:        formatShortID(msgShort),
		MessageSidFull:    event.RawID,
		RawBody:           event.Text,
		Attachments:       event.Attachments,
		Timestamp:         event.TimestampMs,
	}
	if event.IsGroup {
		dctx.GroupSubject = event.GroupSubject
		dctx.GroupMembers = event.Members
	}

	replyRef := ""
	if event.Reply != nil && strings.TrimSpace(event.Reply.ID) != "" {
		r := o.hydrateReply(event.ChatKey(), *event.Reply)
		dctx.ReplyToIDFull = r.ID
		dctx.ReplyToBody = r.Body
		dctx.ReplyToSender = r.Sender
		dctx.ReplyToID = r.ID
		if short := r.short; short > 0 {
			dctx.ReplyToID = formatShortID(short)
		}
		replyRef = dctx.ReplyToID
	}
	dctx.Body = formatBody(event, replyRef)
	dctx.SystemEvents = o.events.Drain(dctx.SessionKey)
	return dctx
}

type hydratedReply struct {
	channel.ReplyMeta
	short int64
}

// hydrateReply fills a reply's missing sender and body from the chat's recent
// messages. Fields stay nil when the quoted message is unknown.
func (o *Orchestrator) hydrateReply(chatKey string, r channel.ReplyMeta) hydratedReply {
	out := hydratedReply{ReplyMeta: r}
	if entry, ok := o.lookupHistory(chatKey, r.ID); ok {
		if out.Body == nil {
			out.Body = channel.StringPtr(entry.Text)
		}
		if out.Sender == nil {
			out.Sender = channel.StringPtr(entry.Sender())
		}
		out.short = entry.ShortID
	}
	if out.short <= 0 {
		out.short = o.shortIDFor(r.ID)
	}
	return out
}

// partIndexPrefix matches the "p:<n>/" part selector some channels put in
// front of a message id. History and short ids are keyed by the bare id.
var partIndexPrefix = regexp.MustCompile(`^p:\d+/`)

func baseMessageID(id string) string {
	return partIndexPrefix.ReplaceAllString(id, "")
}

func (o *Orchestrator) lookupHistory(chatKey, id string) (history.Entry, bool) {
	if entry, ok := o.history.Lookup(chatKey, id); ok {
		return entry, true
	}
	if base := baseMessageID(id); base != id {
		return o.history.Lookup(chatKey, base)
	}
	return history.Entry{}, false
}

// shortIDFor reuses the short id of the bare message when the part-selected
// id was never seen. A new id keeps the selector so replies thread onto the part.
func (o *Orchestrator) shortIDFor(id string) int64 {
	if n, ok := o.shortIDs.Lookup(id); ok {
		return n
	}
	if base := baseMessageID(id); base != id {
		if n, ok := o.shortIDs.Lookup(base); ok {
			return n
		}
	}
	return o.shortIDs.Assign(id)
}

// HandleReaction turns an allowed reaction into a system event for the session.
// The dispatcher is not invoked.
func (o *Orchestrator) HandleReaction(ctx context.Context, account channel.Account, event channel.InboundEvent) error {
	r := event.Reaction
	if r == nil {
		return fmt.Errorf("reaction event without reaction metadata")
	}
	if r.IsSelf {
		return nil
	}
	settings := o.settingsFor(event.Channel, account.ID)
	if !r.Added && !settings.NotifyReactionRemovals {
		return nil
	}
	action, verb := "add", "added"
	if !r.Added {
		action, verb = "remove", "removed"
	}
	actor := strings.TrimSpace(event.SenderDisplay)
	if actor == "" {
		actor = r.ActorID
	}
	short := o.shortIDFor(r.TargetMessageID)
	text := fmt.Sprintf("%s reaction %s: %s by %s on msg %s",
		event.Channel.Label(), verb, r.Emoji, actor, formatShortID(short))
	contextKey := strings.Join([]string{
		event.Channel.String(), "reaction", action, r.TargetMessageID, r.Emoji, r.ActorID,
	}, ":")
	o.events.Enqueue(text, events.Options{SessionKey: SessionKey(event), ContextKey: contextKey})
	return nil
}

// SendPairingReply sends the pairing instructions for code to the sender.
func (o *Orchestrator) SendPairingReply(ctx context.Context, account channel.Account, event channel.InboundEvent, code string) error {
	sender, ok := o.registry.Sender(event.Channel)
	if !ok {
		return fmt.Errorf("channel %s cannot send", event.Channel)
	}
	text := pairing.ReplyText(event.Channel, event.SenderID, code)
	if _, err := sender.Send(ctx, account, event.Target, text, channel.SendOptions{}); err != nil {
		return fmt.Errorf("send pairing reply: %w", err)
	}
	return nil
}

func (o *Orchestrator) setTyping(ctx context.Context, account channel.Account, event channel.InboundEvent, on bool) {
	notifier, ok := o.registry.TypingNotifier(event.Channel)
	if !ok {
		return
	}
	if err := notifier.SetTyping(ctx, account, event.Target, on); err != nil {
		o.logSideEffectError("typing", event, err)
	}
}

func (o *Orchestrator) react(ctx context.Context, account channel.Account, event channel.InboundEvent, messageID, emoji string) {
	reactor, ok := o.registry.Reactor(event.Channel)
	if !ok {
		return
	}
	if err := reactor.React(ctx, account, event.Target, messageID, emoji, channel.ReactOptions{}); err != nil {
		o.logSideEffectError("ack_reaction", event, err)
	}
}

func (o *Orchestrator) markRead(ctx context.Context, account channel.Account, event channel.InboundEvent) {
	marker, ok := o.registry.ReadMarker(event.Channel)
	if !ok {
		return
	}
	if err := marker.MarkRead(ctx, account, event.Target); err != nil {
		o.logSideEffectError("mark_read", event, err)
	}
}

func (o *Orchestrator) logSideEffectError(stage string, event channel.InboundEvent, err error) {
	o.logger.Warn("side effect failed",
		slog.String("stage", stage),
		slog.String("channel", event.Channel.String()),
		slog.String("target", event.Target.String()),
		slog.Any("error", err),
	)
}

func eventTime(event channel.InboundEvent) time.Time {
	if event.TimestampMs > 0 {
		return time.UnixMilli(event.TimestampMs)
	}
	return time.Now()
}
