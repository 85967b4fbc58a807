package channel

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters. It must be created via
// NewRegistry and passed explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Normalizer returns the normalizer for the given channel type if the adapter implements one.
func (r *Registry) Normalizer(channelType ChannelType) (Normalizer, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	n, ok := adapter.(Normalizer)
	return n, ok
}

// Sender returns the outbound sender for the given channel type.
func (r *Registry) Sender(channelType ChannelType) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	s, ok := adapter.(Sender)
	return s, ok
}

// Reactor returns the reaction capability for the given channel type.
func (r *Registry) Reactor(channelType ChannelType) (Reactor, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	s, ok := adapter.(Reactor)
	return s, ok
}

// TypingNotifier returns the typing capability for the given channel type.
func (r *Registry) TypingNotifier(channelType ChannelType) (TypingNotifier, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	s, ok := adapter.(TypingNotifier)
	return s, ok
}

// ReadMarker returns the read-receipt capability for the given channel type.
func (r *Registry) ReadMarker(channelType ChannelType) (ReadMarker, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	s, ok := adapter.(ReadMarker)
	return s, ok
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// GetDescriptor returns the descriptor for the given channel type.
func (r *Registry) GetDescriptor(channelType ChannelType) (Descriptor, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return Descriptor{}, false
	}
	return adapter.Descriptor(), true
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	normalized := normalizeChannelType(raw)
	if normalized == "" {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	if _, ok := r.Get(normalized); !ok {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	return normalized, nil
}

func normalizeChannelType(raw string) ChannelType {
	return ChannelType(strings.TrimSpace(strings.ToLower(raw)))
}
