// Package dedupe suppresses repeated webhook deliveries of the same provider event.
package dedupe

import (
	"context"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/memohai/chatgate/internal/channel"
)

const (
	DefaultCapacity = 500
	DefaultRedisTTL = 10 * time.Minute
	redisKeyPrefix  = "chatgate:dedupe:"
)

// Guard remembers event keys per channel.
type Guard interface {
	IsDuplicate(ctx context.Context, ch channel.ChannelType, key string) bool
	Remember(ctx context.Context, ch channel.ChannelType, key string)
	// CheckAndRemember atomically reports whether key was already seen and records it.
	CheckAndRemember(ctx context.Context, ch channel.ChannelType, key string) bool
	// Forget drops key so a redelivery of an event that was never handled gets through.
	Forget(ctx context.Context, ch channel.ChannelType, key string)
}

// KeyFor derives the dedup key of an event: delivery id, then message id,
// then a composite of kind, raw id and reaction actor.
func KeyFor(event channel.InboundEvent) string {
	if id := strings.TrimSpace(event.DeliveryID); id != "" {
		return "delivery:" + id
	}
	if event.Kind == channel.EventMessage {
		if id := strings.TrimSpace(event.RawID); id != "" {
			return "message:" + id
		}
	}
	parts := []string{string(event.Kind), strings.TrimSpace(event.RawID)}
	if event.Reaction != nil {
		added := "remove"
		if event.Reaction.Added {
			added = "add"
		}
		parts = append(parts,
			strings.TrimSpace(event.Reaction.TargetMessageID),
			strings.TrimSpace(event.Reaction.ActorID),
			added,
			event.Reaction.Emoji,
		)
	} else {
		parts = append(parts, strings.TrimSpace(event.SenderID))
	}
	return strings.Join(parts, ":")
}

// MemoryGuard is a bounded in-process guard. Lookups never refresh an entry,
// so the oldest keys are evicted first.
type MemoryGuard struct {
	seen *lru.Cache[string, struct{}]
}

// NewMemoryGuard creates a MemoryGuard remembering up to capacity keys.
func NewMemoryGuard(capacity int) *MemoryGuard {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	seen, err := lru.New[string, struct{}](capacity)
	if err != nil {
		panic(err)
	}
	return &MemoryGuard{seen: seen}
}

func scopedKey(ch channel.ChannelType, key string) string {
	return ch.String() + "|" + key
}

func (g *MemoryGuard) IsDuplicate(_ context.Context, ch channel.ChannelType, key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	return g.seen.Contains(scopedKey(ch, key))
}

func (g *MemoryGuard) Remember(_ context.Context, ch channel.ChannelType, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	g.seen.ContainsOrAdd(scopedKey(ch, key), struct{}{})
}

func (g *MemoryGuard) CheckAndRemember(_ context.Context, ch channel.ChannelType, key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	found, _ := g.seen.ContainsOrAdd(scopedKey(ch, key), struct{}{})
	return found
}

func (g *MemoryGuard) Forget(_ context.Context, ch channel.ChannelType, key string) {
	g.seen.Remove(scopedKey(ch, key))
}

// Len reports how many keys are remembered.
func (g *MemoryGuard) Len() int {
	return g.seen.Len()
}

// RedisGuard shares dedup state between replicas through Redis SETNX.
// When Redis is unreachable it falls back to a local MemoryGuard.
type RedisGuard struct {
	client   redis.UniversalClient
	ttl      time.Duration
	fallback *MemoryGuard
	logger   *slog.Logger
}

// NewRedisGuard creates a RedisGuard.
func NewRedisGuard(log *slog.Logger, client redis.UniversalClient, ttl time.Duration, fallback *MemoryGuard) *RedisGuard {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	if fallback == nil {
		fallback = NewMemoryGuard(DefaultCapacity)
	}
	return &RedisGuard{
		client:   client,
		ttl:      ttl,
		fallback: fallback,
		logger:   log.With(slog.String("component", "dedupe")),
	}
}

func (g *RedisGuard) IsDuplicate(ctx context.Context, ch channel.ChannelType, key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	n, err := g.client.Exists(ctx, redisKeyPrefix+scopedKey(ch, key)).Result()
	if err != nil {
		g.logger.Warn("redis dedupe lookup failed, using memory", slog.Any("error", err))
		return g.fallback.IsDuplicate(ctx, ch, key)
	}
	return n > 0
}

func (g *RedisGuard) Remember(ctx context.Context, ch channel.ChannelType, key string) {
	g.CheckAndRemember(ctx, ch, key)
}

func (g *RedisGuard) CheckAndRemember(ctx context.Context, ch channel.ChannelType, key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	set, err := g.client.SetNX(ctx, redisKeyPrefix+scopedKey(ch, key), 1, g.ttl).Result()
	if err != nil {
		g.logger.Warn("redis dedupe write failed, using memory", slog.Any("error", err))
		return g.fallback.CheckAndRemember(ctx, ch, key)
	}
	// Keep the local view warm so a later Redis outage still catches recent repeats.
	g.fallback.Remember(ctx, ch, key)
	return !set
}

func (g *RedisGuard) Forget(ctx context.Context, ch channel.ChannelType, key string) {
	g.fallback.Forget(ctx, ch, key)
	if err := g.client.Del(ctx, redisKeyPrefix+scopedKey(ch, key)).Err(); err != nil {
		g.logger.Warn("redis dedupe forget failed", slog.Any("error", err))
	}
}
