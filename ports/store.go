package ports

import (
	"context"
	"time"

	"github.com/layer-3/warden/core"
)

// Store persists the locked apps and their last authentication time
type Store interface {
	// Subscribe returns a stream of full lock maps. The current map is
	// delivered first; a slow reader only ever receives the newest map.
	// The channel is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan core.LockMap, error)

	// List returns the current lock map
	List(ctx context.Context) (core.LockMap, error)

	// Get returns a single locked app
	Get(ctx context.Context, pkg string) (core.LockedApp, bool, error)

	// Upsert locks an app, keeping any existing authentication time
	Upsert(ctx context.Context, pkg, displayName string) error

	// Remove unlocks an app
	Remove(ctx context.Context, pkg string) error

	// RecordAuth stores a successful authentication; unknown packages are ignored
	RecordAuth(ctx context.Context, pkg string, at time.Time) error

	// WasRecentlyAuthenticated reports whether pkg was authenticated less than window ago
	WasRecentlyAuthenticated(ctx context.Context, pkg string, window time.Duration) (bool, error)
}
