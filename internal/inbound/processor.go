// Package inbound runs accepted webhook payloads through normalization,
// deduplication, the policy gate and the reply orchestrator.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/dedupe"
	"github.com/memohai/chatgate/internal/lane"
	"github.com/memohai/chatgate/internal/pairing"
	"github.com/memohai/chatgate/internal/policy"
	"github.com/memohai/chatgate/internal/reply"
)

// Route is one configured account together with its access policy.
type Route struct {
	Account channel.Account
	Policy  policy.Config
}

// Replier acts on events the gate let through.
type Replier interface {
	HandleMessage(ctx context.Context, account channel.Account, event channel.InboundEvent, decision policy.Decision) error
	HandleReaction(ctx context.Context, account channel.Account, event channel.InboundEvent) error
	SendPairingReply(ctx context.Context, account channel.Account, event channel.InboundEvent, code string) error
}

// Pairer issues pairing codes for unknown senders.
type Pairer interface {
	Upsert(ctx context.Context, ch channel.ChannelType, accountID, senderID string, meta map[string]string) (pairing.Result, error)
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Registry *channel.Registry
	Guard    dedupe.Guard
	Lanes    *lane.Manager
	Gate     *policy.Gate
	Pairing  Pairer
	Replier  Replier
}

// ErrBusy means the event was accepted but could not be queued on its chat lane.
// The dedup key is released so a provider retry is processed.
var ErrBusy = errors.New("chat lane unavailable")

// Processor is the inbound pipeline.
type Processor struct {
	registry *channel.Registry
	guard    dedupe.Guard
	lanes    *lane.Manager
	gate     *policy.Gate
	pairing  Pairer
	replier  Replier
	logger   *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(log *slog.Logger, deps Deps) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if deps.Guard == nil {
		deps.Guard = dedupe.NewMemoryGuard(0)
	}
	if deps.Gate == nil {
		deps.Gate = policy.NewGate(log, nil, nil)
	}
	return &Processor{
		registry: deps.Registry,
		guard:    deps.Guard,
		lanes:    deps.Lanes,
		gate:     deps.Gate,
		pairing:  deps.Pairing,
		replier:  deps.Replier,
		logger:   log.With(slog.String("component", "inbound")),
	}
}

// Submit queues payload on its chat lane and returns without waiting for the
// reply. Normalization and dedup run on the caller's goroutine so lanes see
// events in arrival order.
func (p *Processor) Submit(route Route, payload json.RawMessage) error {
	event, eventID, ok, err := p.accept(route, payload)
	if err != nil || !ok {
		return err
	}
	ctx := context.Background()
	err = p.lanes.Submit(reply.LaneKey(event), func() {
		p.handle(ctx, route, event, eventID)
	})
	return p.laneRejected(ctx, route, event, eventID, err)
}

// Process runs payload through the whole pipeline and waits for it.
func (p *Processor) Process(ctx context.Context, route Route, payload json.RawMessage) error {
	event, eventID, ok, err := p.accept(route, payload)
	if err != nil || !ok {
		return err
	}
	taskCtx := context.WithoutCancel(ctx)
	err = p.lanes.Do(ctx, reply.LaneKey(event), func() {
		p.handle(taskCtx, route, event, eventID)
	})
	return p.laneRejected(taskCtx, route, event, eventID, err)
}

func (p *Processor) laneRejected(ctx context.Context, route Route, event channel.InboundEvent, eventID string, err error) error {
	if !errors.Is(err, lane.ErrLaneFull) && !errors.Is(err, lane.ErrStopped) {
		return err
	}
	p.guard.Forget(ctx, route.Account.Channel, dedupe.KeyFor(event))
	p.eventLogger(eventID, event).Error("event dropped, chat lane unavailable", slog.Any("error", err))
	return fmt.Errorf("%w: %w", ErrBusy, err)
}

func (p *Processor) accept(route Route, payload json.RawMessage) (channel.InboundEvent, string, bool, error) {
	ch := route.Account.Channel
	normalizer, ok := p.registry.Normalizer(ch)
	if !ok {
		return channel.InboundEvent{}, "", false, fmt.Errorf("no normalizer for channel %s", ch)
	}
	event, err := normalizer.Normalize(route.Account, payload)
	if err != nil {
		if errors.Is(err, channel.ErrIgnoredPayload) {
			p.logger.Debug("payload ignored", slog.String("channel", ch.String()), slog.String("account_id", route.Account.ID))
			return channel.InboundEvent{}, "", false, nil
		}
		p.logger.Warn("normalize failed",
			slog.String("channel", ch.String()),
			slog.String("account_id", route.Account.ID),
			slog.Any("error", err),
		)
		return channel.InboundEvent{}, "", false, err
	}
	eventID := uuid.NewString()
	log := p.eventLogger(eventID, event)

	if event.Kind == channel.EventReaction && event.Reaction != nil && event.Reaction.IsSelf {
		log.Debug("drop self reaction")
		return event, eventID, false, nil
	}
	if p.guard.CheckAndRemember(context.Background(), ch, dedupe.KeyFor(event)) {
		log.Info("drop duplicate delivery")
		return event, eventID, false, nil
	}
	return event, eventID, true, nil
}

func (p *Processor) handle(ctx context.Context, route Route, event channel.InboundEvent, eventID string) {
	log := p.eventLogger(eventID, event)
	decision := p.gate.Evaluate(ctx, route.Policy, event)

	switch decision.Outcome {
	case policy.OutcomeDeny:
		log.Info("event denied", slog.String("reason", decision.Reason))
	case policy.OutcomePair:
		p.pair(ctx, log, route, event)
	case policy.OutcomeAllow:
		var err error
		if event.Kind == channel.EventReaction {
			err = p.replier.HandleReaction(ctx, route.Account, event)
		} else {
			err = p.replier.HandleMessage(ctx, route.Account, event, decision)
		}
		if err != nil {
			log.Error("handle event failed", slog.Any("error", err))
			return
		}
		log.Debug("event handled", slog.Bool("was_mentioned", decision.WasMentioned))
	default:
		log.Warn("unknown gate outcome", slog.String("outcome", string(decision.Outcome)))
	}
}

func (p *Processor) pair(ctx context.Context, log *slog.Logger, route Route, event channel.InboundEvent) {
	if p.pairing == nil {
		log.Warn("pairing requested but not configured")
		return
	}
	meta := map[string]string{}
	if event.SenderDisplay != "" {
		meta["name"] = event.SenderDisplay
	}
	if event.SenderUsername != "" {
		meta["username"] = event.SenderUsername
	}
	res, err := p.pairing.Upsert(ctx, event.Channel, route.Account.ID, event.SenderID, meta)
	if err != nil {
		log.Error("pairing upsert failed", slog.Any("error", err))
		return
	}
	if !res.Created {
		log.Debug("pairing request already pending")
		return
	}
	if err := p.replier.SendPairingReply(ctx, route.Account, event, res.Code); err != nil {
		log.Warn("pairing reply failed", slog.Any("error", err))
		return
	}
	log.Info("pairing code issued")
}

func (p *Processor) eventLogger(eventID string, event channel.InboundEvent) *slog.Logger {
	return p.logger.With(
		slog.String("event_id", eventID),
		slog.String("channel", event.Channel.String()),
		slog.String("account_id", event.AccountID),
		slog.String("kind", string(event.Kind)),
		slog.String("chat", event.ChatKey()),
		slog.String("sender_id", event.SenderID),
	)
}
