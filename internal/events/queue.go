// Package events queues short system notices (sent replies, reactions) per
// session until the next agent dispatch picks them up.
package events

import (
	"strings"
	"sync"
	"time"
)

// MaxPerSession bounds each session's queue; the oldest events are dropped first.
const MaxPerSession = 20

// Event is one queued notice.
type Event struct {
	Text       string    `json:"text"`
	ContextKey string    `json:"context_key,omitempty"`
	At         time.Time `json:"at"`
}

// Options identifies where an event belongs.
type Options struct {
	SessionKey string
	ContextKey string
}

// Sink accepts system events.
type Sink interface {
	Enqueue(text string, opts Options)
}

// Queue is an in-memory Sink with per-session FIFOs.
type Queue struct {
	mu       sync.Mutex
	sessions map[string][]Event
	now      func() time.Time
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{sessions: map[string][]Event{}, now: time.Now}
}

// Enqueue appends text to the session queue. An event identical to the last
// queued one (same text and context key) is dropped.
func (q *Queue) Enqueue(text string, opts Options) {
	text = strings.TrimSpace(text)
	key := strings.TrimSpace(opts.SessionKey)
	if text == "" || key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.sessions[key]
	if n := len(items); n > 0 && items[n-1].Text == text && items[n-1].ContextKey == opts.ContextKey {
		return
	}
	items = append(items, Event{Text: text, ContextKey: opts.ContextKey, At: q.now()})
	if len(items) > MaxPerSession {
		items = items[len(items)-MaxPerSession:]
	}
	q.sessions[key] = items
}

// Drain removes and returns all queued events of a session, oldest first.
func (q *Queue) Drain(sessionKey string) []Event {
	key := strings.TrimSpace(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.sessions[key]
	delete(q.sessions, key)
	return items
}

// Peek returns a copy of the queued events without removing them.
func (q *Queue) Peek(sessionKey string) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.sessions[strings.TrimSpace(sessionKey)]
	out := make([]Event, len(items))
	copy(out, items)
	return out
}

// Sessions reports how many sessions have pending events.
func (q *Queue) Sessions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sessions)
}
