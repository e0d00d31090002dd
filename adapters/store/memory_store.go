package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/clock"
	"github.com/layer-3/warden/ports"
)

// MemoryStore is an in-memory implementation of the Store interface
type MemoryStore struct {
	clock clock.Clock

	mu   sync.Mutex
	apps core.LockMap
	subs map[chan core.LockMap]struct{}
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clk,
		apps:  make(core.LockMap),
		subs:  make(map[chan core.LockMap]struct{}),
	}
}

// Subscribe streams the lock map, starting with the current one
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan core.LockMap, error) {
	ch := make(chan core.LockMap, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.apps.Clone()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, ch)
		close(ch)
	}()

	return ch, nil
}

// List returns a copy of the lock map
func (s *MemoryStore) List(ctx context.Context) (core.LockMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apps.Clone(), nil
}

// Get returns a single locked app
func (s *MemoryStore) Get(ctx context.Context, pkg string) (core.LockedApp, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[pkg]
	return app, ok, nil
}

// Upsert locks an app, keeping an existing authentication time
func (s *MemoryStore) Upsert(ctx context.Context, pkg, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app := core.LockedApp{
		Package:     pkg,
		DisplayName: displayName,
		LockedAt:    s.clock.Now(),
	}
	if existing, ok := s.apps[pkg]; ok {
		app.LastAuthAt = existing.LastAuthAt
	}
	s.apps[pkg] = app
	s.notifyLocked()
	return nil
}

// Remove unlocks an app
func (s *MemoryStore) Remove(ctx context.Context, pkg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[pkg]; !ok {
		return nil
	}
	delete(s.apps, pkg)
	s.notifyLocked()
	return nil
}

// RecordAuth stores the authentication time for a locked app
func (s *MemoryStore) RecordAuth(ctx context.Context, pkg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[pkg]
	if !ok {
		return nil
	}
	app.LastAuthAt = at
	s.apps[pkg] = app
	s.notifyLocked()
	return nil
}

// WasRecentlyAuthenticated reports whether pkg was unlocked less than window ago
func (s *MemoryStore) WasRecentlyAuthenticated(ctx context.Context, pkg string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[pkg]
	if !ok {
		return false, nil
	}
	return app.RecentlyAuthenticated(s.clock.Now(), window), nil
}

// Clear removes all apps
// This is useful for testing to reset the store between tests
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apps = make(core.LockMap)
	s.notifyLocked()
}

// notifyLocked must be called with mu held
func (s *MemoryStore) notifyLocked() {
	for ch := range s.subs {
		offerLatest(ch, s.apps.Clone())
	}
}
