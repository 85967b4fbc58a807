package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/lane"
	"github.com/memohai/chatgate/internal/pairing"
	"github.com/memohai/chatgate/internal/policy"
)

type fakePayload struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	Reaction bool   `json:"reaction"`
	Self     bool   `json:"self"`
	Ignore   bool   `json:"ignore"`
}

type fakeNormalizer struct{}

func (fakeNormalizer) Type() channel.ChannelType { return channel.ChannelBlueBubbles }

func (fakeNormalizer) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: channel.ChannelBlueBubbles}
}

func (fakeNormalizer) Normalize(account channel.Account, raw json.RawMessage) (channel.InboundEvent, error) {
	var p fakePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return channel.InboundEvent{}, err
	}
	if p.Ignore {
		return channel.InboundEvent{}, channel.ErrIgnoredPayload
	}
	event := channel.InboundEvent{
		Channel:   channel.ChannelBlueBubbles,
		AccountID: account.ID,
		Kind:      channel.EventMessage,
		RawID:     p.ID,
		Target:    channel.HandleTarget(p.Sender, ""),
		SenderID:  p.Sender,
		Text:      p.Text,
	}
	if p.Reaction {
		event.Kind = channel.EventReaction
		event.Reaction = &channel.ReactionMeta{TargetMessageID: "T", ActorID: p.Sender, IsSelf: p.Self, Added: true, Emoji: "👍"}
	}
	return event, nil
}

type fakeReplier struct {
	mu        sync.Mutex
	messages  []string
	reactions []string
	pairCodes []string
}

func (f *fakeReplier) HandleMessage(_ context.Context, _ channel.Account, event channel.InboundEvent, _ policy.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, event.RawID)
	return nil
}

func (f *fakeReplier) HandleReaction(_ context.Context, _ channel.Account, event channel.InboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, event.RawID)
	return nil
}

func (f *fakeReplier) SendPairingReply(_ context.Context, _ channel.Account, _ channel.InboundEvent, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairCodes = append(f.pairCodes, code)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *fakeReplier, *pairing.Coordinator) {
	t.Helper()
	reg := channel.NewRegistry()
	reg.MustRegister(fakeNormalizer{})
	lanes := lane.NewManager(nil, lane.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = lanes.Stop(ctx)
	})
	coord := pairing.NewCoordinator(nil, pairing.NewMemoryStore(), pairing.Options{})
	replier := &fakeReplier{}
	p := NewProcessor(nil, Deps{
		Registry: reg,
		Lanes:    lanes,
		Gate:     policy.NewGate(nil, coord, nil),
		Pairing:  coord,
		Replier:  replier,
	})
	return p, replier, coord
}

func route(dm policy.DMPolicy, allow ...string) Route {
	return Route{
		Account: channel.Account{Channel: channel.ChannelBlueBubbles, ID: "default"},
		Policy:  policy.Config{DMPolicy: dm, AllowFrom: allow},
	}
}

func payload(t *testing.T, p fakePayload) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func TestDuplicateDeliveryHandledOnce(t *testing.T) {
	t.Parallel()

	p, replier, _ := newTestProcessor(t)
	ctx := context.Background()
	r := route(policy.DMOpen)
	msg := payload(t, fakePayload{ID: "M1", Sender: "+1555", Text: "hi"})

	require.NoError(t, p.Process(ctx, r, msg))
	require.NoError(t, p.Process(ctx, r, msg))
	require.NoError(t, p.Process(ctx, r, payload(t, fakePayload{ID: "M2", Sender: "+1555", Text: "hi"})))
	assert.Equal(t, []string{"M1", "M2"}, replier.messages)
}

func TestPairingReplySentOnce(t *testing.T) {
	t.Parallel()

	p, replier, coord := newTestProcessor(t)
	ctx := context.Background()
	r := route(policy.DMPairing)

	require.NoError(t, p.Process(ctx, r, payload(t, fakePayload{ID: "M1", Sender: "+1777", Text: "hello?"})))
	require.NoError(t, p.Process(ctx, r, payload(t, fakePayload{ID: "M2", Sender: "+1777", Text: "anyone?"})))
	require.Len(t, replier.pairCodes, 1)
	assert.Empty(t, replier.messages)

	approved, err := coord.Approve(ctx, channel.ChannelBlueBubbles, replier.pairCodes[0])
	require.NoError(t, err)
	assert.Equal(t, "+1777", approved.SenderID)

	require.NoError(t, p.Process(ctx, r, payload(t, fakePayload{ID: "M3", Sender: "+1777", Text: "now?"})))
	assert.Equal(t, []string{"M3"}, replier.messages)
}

func TestReactionsAndDenials(t *testing.T) {
	t.Parallel()

	p, replier, _ := newTestProcessor(t)
	ctx := context.Background()
	r := route(policy.DMAllowlist, "+1555")

	require.NoError(t, p.Process(ctx, r, payload(t, fakePayload{ID: "R1", Sender: "+1555", Reaction: true, Self: true})))
	require.NoError(t, p.Process(ctx, r, payload(t, fakePayload{ID: "R2", Sender: "+1555", Reaction: true})))
	require.NoError(t, p.Process(ctx, r, payload(t, fakePayload{ID: "M1", Sender: "+1999", Text: "let me in"})))
	require.NoError(t, p.Process(ctx, r, payload(t, fakePayload{ID: "R3", Sender: "+1999", Reaction: true})))

	assert.Equal(t, []string{"R2"}, replier.reactions)
	assert.Empty(t, replier.messages)
	assert.Empty(t, replier.pairCodes)
}

func TestNormalizeOutcomes(t *testing.T) {
	t.Parallel()

	p, replier, _ := newTestProcessor(t)
	ctx := context.Background()
	r := route(policy.DMOpen)

	require.NoError(t, p.Process(ctx, r, payload(t, fakePayload{Ignore: true})))
	require.Error(t, p.Process(ctx, r, json.RawMessage(`[1,2]`)))

	telegram := r
	telegram.Account.Channel = channel.ChannelTelegram
	require.Error(t, p.Process(ctx, telegram, payload(t, fakePayload{ID: "M1"})))
	assert.Empty(t, replier.messages)
}

func TestSubmitRunsOnLane(t *testing.T) {
	t.Parallel()

	p, replier, _ := newTestProcessor(t)
	r := route(policy.DMOpen)
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, p.Submit(r, payload(t, fakePayload{ID: id, Sender: "+1555", Text: id})))
	}
	require.Eventually(t, func() bool {
		replier.mu.Lock()
		defer replier.mu.Unlock()
		return len(replier.messages) == 3
	}, 2*time.Second, 10*time.Millisecond)
	replier.mu.Lock()
	defer replier.mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, replier.messages)
}

func TestErrorsFromRepliersAreLogged(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestProcessor(t)
	p.replier = failingReplier{}
	err := p.Process(context.Background(), route(policy.DMOpen), payload(t, fakePayload{ID: "M1", Sender: "+1", Text: "x"}))
	assert.NoError(t, err)
}

type failingReplier struct{}

func (failingReplier) HandleMessage(context.Context, channel.Account, channel.InboundEvent, policy.Decision) error {
	return errors.New("agent down")
}

func (failingReplier) HandleReaction(context.Context, channel.Account, channel.InboundEvent) error {
	return errors.New("agent down")
}

func (failingReplier) SendPairingReply(context.Context, channel.Account, channel.InboundEvent, string) error {
	return errors.New("agent down")
}

func TestLaneRejectionReleasesDedupKey(t *testing.T) {
	t.Parallel()

	p, replier, _ := newTestProcessor(t)
	r := route(policy.DMOpen)
	msg := payload(t, fakePayload{ID: "M1", Sender: "+1555", Text: "hi"})

	require.NoError(t, p.lanes.Stop(context.Background()))
	err := p.Submit(r, msg)
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, err, lane.ErrStopped)

	// The redelivery is not treated as a duplicate.
	retry := NewProcessor(nil, Deps{
		Registry: p.registry,
		Guard:    p.guard,
		Lanes:    lane.NewManager(nil, lane.Config{}),
		Gate:     p.gate,
		Replier:  replier,
	})
	t.Cleanup(func() { _ = retry.lanes.Stop(context.Background()) })
	require.NoError(t, retry.Process(context.Background(), r, msg))
	replier.mu.Lock()
	defer replier.mu.Unlock()
	assert.Equal(t, []string{"M1"}, replier.messages)
}
