package events

import (
	"context"
	"sync"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// MemorySource is a push-based event source. The host adapter calls Push
// for every foreground change it observes.
type MemorySource struct {
	events chan core.FocusEvent

	mu      sync.RWMutex
	filter  core.Filter
	history []core.Filter
}

var _ ports.EventSource = (*MemorySource)(nil)

// NewMemorySource creates a source with the given channel buffer
func NewMemorySource(buffer int) *MemorySource {
	return &MemorySource{
		events: make(chan core.FocusEvent, buffer),
		filter: core.WatchAll(),
	}
}

// Events returns the stream of foreground changes
func (s *MemorySource) Events() <-chan core.FocusEvent {
	return s.events
}

// Configure replaces the active filter
func (s *MemorySource) Configure(ctx context.Context, filter core.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
	s.history = append(s.history, filter)
	return nil
}

// Filter returns the active filter
func (s *MemorySource) Filter() core.Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// Filters returns every filter applied so far, oldest first
func (s *MemorySource) Filters() []core.Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Filter(nil), s.history...)
}

// Push delivers ev if the filter allows it. It reports whether the event
// was delivered.
func (s *MemorySource) Push(ctx context.Context, ev core.FocusEvent) (bool, error) {
	if ev.Package == "" {
		return false, core.ErrInvalidPackage
	}
	if !s.Filter().Allows(ev.Package) {
		return false, nil
	}

	select {
	case s.events <- ev:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
