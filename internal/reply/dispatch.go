package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/events"
	"github.com/memohai/chatgate/internal/history"
	"github.com/memohai/chatgate/internal/shortid"
)

// ErrDispatchClosed is returned by Deliver after the dispatch went idle.
var ErrDispatchClosed = errors.New("dispatch already closed")

type dispatchState int

const (
	stateIdle dispatchState = iota
	stateActive
	stateClosed
)

func (s dispatchState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

const previewRunes = 80

// dispatch is the Hooks implementation for one Dispatch call.
// Transitions: idle -> active (typing on) -> closed (typing off). A dispatch
// that never became active closes without touching typing.
type dispatch struct {
	mu         sync.Mutex
	state      dispatchState
	o          *Orchestrator
	account    channel.Account
	event      channel.InboundEvent
	sessionKey string
	policy     channel.OutboundPolicy
	chunkLimit int
	sent       int
}

func (d *dispatch) OnReplyStart(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateIdle {
		return
	}
	d.state = stateActive
	d.o.setTyping(ctx, d.account, d.event, true)
}

func (d *dispatch) OnIdle(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked(ctx)
}

// close is deferred by the orchestrator so typing never sticks on error paths.
func (d *dispatch) close(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked(ctx)
}

func (d *dispatch) closeLocked(ctx context.Context) {
	prev := d.state
	d.state = stateClosed
	if prev == stateActive {
		d.o.setTyping(context.WithoutCancel(ctx), d.account, d.event, false)
	}
}

func (d *dispatch) Deliver(ctx context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateClosed {
		return ErrDispatchClosed
	}
	text, dir := extractReplyDirective(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	replyTo := d.resolveReplyTarget(dir)

	sender, ok := d.o.registry.Sender(d.event.Channel)
	if !ok {
		return fmt.Errorf("channel %s cannot send", d.event.Channel)
	}
	for i, chunk := range d.policy.Split(text, d.chunkLimit) {
		opts := channel.SendOptions{}
		if i == 0 {
			opts.ReplyToID = replyTo
		}
		res, err := sender.Send(ctx, d.account, d.event.Target, chunk, opts)
		if err != nil {
			d.o.logger.Warn("deliver reply chunk failed",
				slog.String("channel", d.event.Channel.String()),
				slog.String("target", d.event.Target.String()),
				slog.Int("chunk", i),
				slog.Any("error", err),
			)
			continue
		}
		d.sent++
		d.recordOutbound(chunk, res.MessageID)
	}
	return nil
}

func (d *dispatch) resolveReplyTarget(dir replyDirective) string {
	if dir.Ref != "" {
		full, err := d.o.shortIDs.Resolve(dir.Ref, shortid.ResolveOptions{RequireKnownShortID: true})
		if err != nil {
			d.o.logger.Warn("reply_to reference not resolved, sending unthreaded",
				slog.String("ref", dir.Ref),
				slog.Any("error", err),
			)
			return ""
		}
		return full
	}
	if dir.Current {
		return d.event.RawID
	}
	return ""
}

func (d *dispatch) recordOutbound(text, messageID string) {
	preview := previewText(text)
	if messageID == "" {
		d.o.events.Enqueue(fmt.Sprintf("Assistant sent %q", preview), events.Options{SessionKey: d.sessionKey})
		return
	}
	short := d.o.shortIDs.Assign(messageID)
	d.o.history.Record(d.event.ChatKey(), history.Entry{
		SenderID:      d.account.BotUsername,
		SenderDisplay: "Assistant",
		Text:          text,
		FullID:        messageID,
		ShortID:       short,
		At:            time.Now(),
		Outbound:      true,
	})
	d.o.events.Enqueue(
		fmt.Sprintf("Assistant sent %q [message_id:%d]", preview, short),
		events.Options{
			SessionKey: d.sessionKey,
			ContextKey: d.event.Channel.String() + ":outbound:" + messageID,
		},
	)
}

func previewText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "..."
}
