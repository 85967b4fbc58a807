// Package history keeps a short window of recent messages per chat so that
// replies can be enriched with the quoted sender and body when the provider
// only sends the quoted message id.
package history

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultPerChat  = 50
	DefaultMaxChats = 1000
	DefaultTTL      = 6 * time.Hour
)

// Entry is one remembered message.
type Entry struct {
	ChatKey       string
	SenderID      string
	SenderDisplay string
	Text          string
	FullID        string
	ShortID       int64
	At            time.Time
	Outbound      bool
}

// Sender returns the best label for the entry's author.
func (e Entry) Sender() string {
	if strings.TrimSpace(e.SenderDisplay) != "" {
		return e.SenderDisplay
	}
	return e.SenderID
}

// Options configures a Cache. Zero values take defaults.
type Options struct {
	PerChat  int
	MaxChats int
	TTL      time.Duration
}

type chatRing struct {
	entries []Entry
}

// Cache holds the last PerChat entries for up to MaxChats chats. Chats idle
// longer than TTL are dropped.
type Cache struct {
	mu      sync.Mutex
	perChat int
	chats   *expirable.LRU[string, *chatRing]
}

// New creates a Cache.
func New(opts Options) *Cache {
	if opts.PerChat <= 0 {
		opts.PerChat = DefaultPerChat
	}
	if opts.MaxChats <= 0 {
		opts.MaxChats = DefaultMaxChats
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Cache{
		perChat: opts.PerChat,
		chats:   expirable.NewLRU[string, *chatRing](opts.MaxChats, nil, opts.TTL),
	}
}

// Record stores e under chatKey. Recording an id that is already present
// replaces the old entry in place; otherwise the oldest entry is evicted when full.
func (c *Cache) Record(chatKey string, e Entry) {
	chatKey = strings.TrimSpace(chatKey)
	e.FullID = strings.TrimSpace(e.FullID)
	if chatKey == "" || e.FullID == "" {
		return
	}
	e.ChatKey = chatKey
	if e.At.IsZero() {
		e.At = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.chats.Get(chatKey)
	if !ok {
		ring = &chatRing{entries: make([]Entry, 0, c.perChat)}
	}
	replaced := false
	for i := range ring.entries {
		if ring.entries[i].FullID == e.FullID {
			ring.entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		if len(ring.entries) >= c.perChat {
			copy(ring.entries, ring.entries[1:])
			ring.entries = ring.entries[:len(ring.entries)-1]
		}
		ring.entries = append(ring.entries, e)
	}
	// Re-adding refreshes the chat's expiry.
	c.chats.Add(chatKey, ring)
}

// Lookup finds a remembered message by full id within a chat.
func (c *Cache) Lookup(chatKey, fullID string) (Entry, bool) {
	chatKey = strings.TrimSpace(chatKey)
	fullID = strings.TrimSpace(fullID)
	if chatKey == "" || fullID == "" {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.chats.Peek(chatKey)
	if !ok {
		return Entry{}, false
	}
	for i := len(ring.entries) - 1; i >= 0; i-- {
		if ring.entries[i].FullID == fullID {
			return ring.entries[i], true
		}
	}
	return Entry{}, false
}

// Recent returns up to limit most recent entries of a chat, oldest first.
func (c *Cache) Recent(chatKey string, limit int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.chats.Peek(strings.TrimSpace(chatKey))
	if !ok {
		return nil
	}
	entries := ring.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Chats reports how many chats are currently tracked.
func (c *Cache) Chats() int {
	return c.chats.Len()
}
