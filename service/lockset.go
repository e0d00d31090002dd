package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/clock"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

const (
	minResubscribeDelay = 100 * time.Millisecond
	maxResubscribeDelay = 5 * time.Second
)

// LockSet mirrors the set of locked packages held by the store. Readers
// are told about changes through a capacity-1 signal and then read the
// newest set, so a superseded set is never observed.
type LockSet struct {
	store  ports.Store
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	packages map[string]struct{}
	ready    bool
	changes  chan struct{}
}

// NewLockSet creates a new lock set cache
func NewLockSet(store ports.Store, clk clock.Clock, logger *zap.Logger) *LockSet {
	return &LockSet{
		store:    store,
		clock:    clk,
		logger:   logger.Named("lockset"),
		packages: make(map[string]struct{}),
		changes:  make(chan struct{}, 1),
	}
}

// Changes signals whenever the set differs from the previous one
func (l *LockSet) Changes() <-chan struct{} {
	return l.changes
}

// Snapshot returns a copy of the current set
func (l *LockSet) Snapshot() map[string]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]struct{}, len(l.packages))
	for pkg := range l.packages {
		out[pkg] = struct{}{}
	}
	return out
}

// Run follows the store subscription until ctx is done, resubscribing
// with backoff if the stream fails or ends
func (l *LockSet) Run(ctx context.Context) error {
	delay := minResubscribeDelay
	for {
		updates, err := l.store.Subscribe(ctx)
		if err == nil {
			delay = minResubscribeDelay
			for m := range updates {
				l.apply(m)
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			l.logger.Warn("failed to subscribe to locked apps", zap.Error(err), zap.Duration("retry_in", delay))
		} else {
			l.logger.Warn("locked apps subscription ended", zap.Duration("retry_in", delay))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.clock.After(delay):
		}
		delay *= 2
		if delay > maxResubscribeDelay {
			delay = maxResubscribeDelay
		}
	}
}

// apply stores the key set of m and reports whether it changed
func (l *LockSet) apply(m core.LockMap) bool {
	next := m.Packages()

	l.mu.Lock()
	if l.ready && sameSet(l.packages, next) {
		l.mu.Unlock()
		return false
	}
	l.packages = next
	l.ready = true
	l.mu.Unlock()

	l.logger.Info("locked packages updated", zap.Strings("packages", sortedKeys(next)))

	select {
	case l.changes <- struct{}{}:
	default:
	}
	return true
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
