// Package shortid maps long provider message ids to small sequential numbers
// that an agent can quote back, e.g. in [[reply_to:12]].
package shortid

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds how many ids are remembered before the oldest are forgotten.
const DefaultCapacity = 10000

// ErrShortIDNotFound is returned when a numeric reference is unknown and the
// caller required it to be known.
var ErrShortIDNotFound = errors.New("short message id not found or expired")

// ResolveOptions controls Resolve.
type ResolveOptions struct {
	RequireKnownShortID bool
}

// Cache is a bidirectional full-id <-> short-id map. Numbers are allocated
// from 1 upwards and never reused during the process lifetime.
type Cache struct {
	mu      sync.Mutex
	next    int64
	byShort *lru.Cache[int64, string]
	byFull  map[string]int64
}

// New creates a Cache holding at most capacity ids.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{byFull: make(map[string]int64, capacity)}
	byShort, err := lru.NewWithEvict[int64, string](capacity, func(_ int64, full string) {
		delete(c.byFull, full)
	})
	if err != nil {
		// Only reachable with a non-positive size, which is excluded above.
		panic(err)
	}
	c.byShort = byShort
	return c
}

// Assign returns the short id for fullID, allocating the next number on first sight.
// Empty ids get 0.
func (c *Cache) Assign(fullID string) int64 {
	fullID = strings.TrimSpace(fullID)
	if fullID == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.byFull[fullID]; ok {
		return n
	}
	c.next++
	n := c.next
	c.byFull[fullID] = n
	c.byShort.Add(n, fullID)
	return n
}

// Lookup returns the short id already assigned to fullID.
func (c *Cache) Lookup(fullID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byFull[strings.TrimSpace(fullID)]
	return n, ok
}

// Resolve turns a reference into a full id. A known short number resolves to its
// full id. An unknown number is an error when RequireKnownShortID is set and is
// passed through unchanged otherwise. Anything non-numeric is already a full id.
func (c *Cache) Resolve(ref string, opts ResolveOptions) (string, error) {
	ref = strings.TrimSpace(ref)
	n, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return ref, nil
	}
	if n > 0 {
		c.mu.Lock()
		full, ok := c.byShort.Peek(n)
		c.mu.Unlock()
		if ok {
			return full, nil
		}
	}
	if opts.RequireKnownShortID {
		return "", ErrShortIDNotFound
	}
	return ref, nil
}

// Len reports how many ids are currently remembered.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byShort.Len()
}
