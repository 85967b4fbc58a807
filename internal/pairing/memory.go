package pairing

import (
	"context"
	"sort"
	"sync"

	"github.com/memohai/chatgate/internal/channel"
)

// MemoryStore keeps pairing state in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	requests  map[string]Request
	allowFrom map[string][]string
	closed    bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  map[string]Request{},
		allowFrom: map[string][]string{},
	}
}

func allowKey(ch channel.ChannelType, accountID string) string {
	return ch.String() + "|" + accountID
}

func (s *MemoryStore) ListRequests(_ context.Context, ch channel.ChannelType) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Request, 0, len(s.requests))
	for _, req := range s.requests {
		if ch == "" || req.Channel == ch {
			out = append(out, req)
		}
	}
	sortRequests(out)
	return out, nil
}

func (s *MemoryStore) PutRequest(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.requests[req.ID] = req
	return nil
}

func (s *MemoryStore) DeleteRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.requests, id)
	return nil
}

func (s *MemoryStore) ListAllowFrom(_ context.Context, ch channel.ChannelType, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	items := s.allowFrom[allowKey(ch, accountID)]
	out := make([]string, len(items))
	copy(out, items)
	return out, nil
}

func (s *MemoryStore) AddAllowFrom(_ context.Context, ch channel.ChannelType, accountID, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	key := allowKey(ch, accountID)
	s.allowFrom[key] = appendUnique(s.allowFrom[key], senderID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func appendUnique(items []string, v string) []string {
	for _, existing := range items {
		if existing == v {
			return items
		}
	}
	return append(items, v)
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
