// Package pairing lets unknown direct-message senders request access with a
// short code that an operator approves out of band.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/chatgate/internal/channel"
)

const (
	CodeAlphabet      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength        = 8
	DefaultTTL        = time.Hour
	DefaultMaxPending = 3
)

var (
	ErrCodeNotFound = errors.New("pairing code not found or expired")
	ErrStoreClosed  = errors.New("pairing store closed")
)

// Request is a pending pairing request.
type Request struct {
	ID         string              `json:"id"`
	Channel    channel.ChannelType `json:"channel"`
	AccountID  string              `json:"account_id"`
	SenderID   string              `json:"sender_id"`
	Code       string              `json:"code"`
	CreatedAt  time.Time           `json:"created_at"`
	LastSeenAt time.Time           `json:"last_seen_at"`
	Meta       map[string]string   `json:"meta,omitempty"`
}

// Result is returned by Upsert. Created is true only when a new code was issued.
type Result struct {
	Code    string
	Created bool
}

// Store persists pairing requests and approved senders.
type Store interface {
	// ListRequests returns requests of one channel, or of all channels when ch is empty.
	ListRequests(ctx context.Context, ch channel.ChannelType) ([]Request, error)
	PutRequest(ctx context.Context, req Request) error
	DeleteRequest(ctx context.Context, id string) error
	ListAllowFrom(ctx context.Context, ch channel.ChannelType, accountID string) ([]string, error)
	AddAllowFrom(ctx context.Context, ch channel.ChannelType, accountID, senderID string) error
	Close() error
}

// Options configures a Coordinator.
type Options struct {
	TTL        time.Duration
	MaxPending int
}

// Coordinator issues, lists and approves pairing codes.
type Coordinator struct {
	mu         sync.Mutex
	store      Store
	ttl        time.Duration
	maxPending int
	now        func() time.Time
	logger     *slog.Logger
}

// NewCoordinator creates a Coordinator over store.
func NewCoordinator(log *slog.Logger, store Store, opts Options) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	return &Coordinator{
		store:      store,
		ttl:        opts.TTL,
		maxPending: opts.MaxPending,
		now:        time.Now,
		logger:     log.With(slog.String("component", "pairing")),
	}
}

// Upsert returns the pending code for a sender, issuing one if needed.
// A repeat contact refreshes the request and returns the same code with
// Created=false. When the account already has the maximum number of pending
// requests no code is issued and Code is empty.
func (c *Coordinator) Upsert(ctx context.Context, ch channel.ChannelType, accountID, senderID string, meta map[string]string) (Result, error) {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return Result{}, fmt.Errorf("sender id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	reqs, err := c.liveRequests(ctx, ch, now)
	if err != nil {
		return Result{}, err
	}
	pending := 0
	codes := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		codes[req.Code] = struct{}{}
		if req.AccountID != accountID {
			continue
		}
		if req.SenderID == senderID {
			req.LastSeenAt = now
			if len(meta) > 0 {
				req.Meta = meta
			}
			if err := c.store.PutRequest(ctx, req); err != nil {
				return Result{}, fmt.Errorf("touch pairing request: %w", err)
			}
			return Result{Code: req.Code}, nil
		}
		pending++
	}
	if pending >= c.maxPending {
		c.logger.Warn("pairing request limit reached",
			slog.String("channel", ch.String()),
			slog.String("account_id", accountID),
			slog.Int("pending", pending),
		)
		return Result{}, nil
	}

	code, err := generateCode(codes)
	if err != nil {
		return Result{}, err
	}
	req := Request{
		ID:         uuid.NewString(),
		Channel:    ch,
		AccountID:  accountID,
		SenderID:   senderID,
		Code:       code,
		CreatedAt:  now,
		LastSeenAt: now,
		Meta:       meta,
	}
	if err := c.store.PutRequest(ctx, req); err != nil {
		return Result{}, fmt.Errorf("store pairing request: %w", err)
	}
	c.logger.Info("pairing code issued",
		slog.String("channel", ch.String()),
		slog.String("account_id", accountID),
		slog.String("sender_id", senderID),
	)
	return Result{Code: code, Created: true}, nil
}

// Approve admits the sender behind code and removes the request.
func (c *Coordinator) Approve(ctx context.Context, ch channel.ChannelType, code string) (Request, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Request{}, ErrCodeNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs, err := c.liveRequests(ctx, ch, c.now())
	if err != nil {
		return Request{}, err
	}
	for _, req := range reqs {
		if req.Code != code {
			continue
		}
		if err := c.store.AddAllowFrom(ctx, req.Channel, req.AccountID, req.SenderID); err != nil {
			return Request{}, fmt.Errorf("add allow-from: %w", err)
		}
		if err := c.store.DeleteRequest(ctx, req.ID); err != nil {
			return Request{}, fmt.Errorf("delete pairing request: %w", err)
		}
		c.logger.Info("pairing approved",
			slog.String("channel", req.Channel.String()),
			slog.String("account_id", req.AccountID),
			slog.String("sender_id", req.SenderID),
		)
		return req, nil
	}
	return Request{}, ErrCodeNotFound
}

// List returns live requests of a channel, or of all channels when ch is empty.
func (c *Coordinator) List(ctx context.Context, ch channel.ChannelType) ([]Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveRequests(ctx, ch, c.now())
}

// ReadAllowFrom returns senders approved for an account.
func (c *Coordinator) ReadAllowFrom(ctx context.Context, ch channel.ChannelType, accountID string) ([]string, error) {
	return c.store.ListAllowFrom(ctx, ch, accountID)
}

// Prune deletes expired requests and reports how many were removed.
func (c *Coordinator) Prune(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.store.ListRequests(ctx, "")
	if err != nil {
		return 0, err
	}
	now := c.now()
	removed := 0
	for _, req := range all {
		if !c.expired(req, now) {
			continue
		}
		if err := c.store.DeleteRequest(ctx, req.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *Coordinator) liveRequests(ctx context.Context, ch channel.ChannelType, now time.Time) ([]Request, error) {
	all, err := c.store.ListRequests(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("list pairing requests: %w", err)
	}
	live := all[:0]
	for _, req := range all {
		if c.expired(req, now) {
			continue
		}
		live = append(live, req)
	}
	return live, nil
}

func (c *Coordinator) expired(req Request, now time.Time) bool {
	return now.Sub(req.CreatedAt) >= c.ttl
}

func generateCode(taken map[string]struct{}) (string, error) {
	max := big.NewInt(int64(len(CodeAlphabet)))
	for attempt := 0; attempt < 100; attempt++ {
		buf := make([]byte, CodeLength)
		for i := range buf {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("generate pairing code: %w", err)
			}
			buf[i] = CodeAlphabet[n.Int64()]
		}
		code := string(buf)
		if _, dup := taken[code]; !dup {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate pairing code: no unique code found")
}

// ReplyText is the message sent to a sender when a new code is issued.
func ReplyText(ch channel.ChannelType, senderID, code string) string {
	return fmt.Sprintf(
		"Access not configured.\n\nYour %s sender id: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\nchatgate pairing approve %s %s",
		ch.Label(), senderID, code, ch.String(), code,
	)
}
