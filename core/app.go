package core

import (
	"sort"
	"time"
)

// UnknownAppName is shown when an app has no usable display name
const UnknownAppName = "Unknown App"

// LockedApp represents an app configured to require authentication
type LockedApp struct {
	Package     string    `json:"package"`      // Platform application identifier, unique key
	DisplayName string    `json:"display_name"` // Human-readable label, informational only
	LockedAt    time.Time `json:"locked_at"`    // When the lock was configured
	LastAuthAt  time.Time `json:"last_auth_at"` // Most recent successful authentication, zero if never
}

// Name returns the display name or a placeholder when it is missing
func (a LockedApp) Name() string {
	if a.DisplayName == "" {
		return UnknownAppName
	}
	return a.DisplayName
}

// RecentlyAuthenticated reports whether the app was unlocked less than window ago
func (a LockedApp) RecentlyAuthenticated(now time.Time, window time.Duration) bool {
	if a.LastAuthAt.IsZero() {
		return false
	}
	return now.Sub(a.LastAuthAt) < window
}

// LockMap is a full snapshot of the locked apps keyed by package
type LockMap map[string]LockedApp

// Packages returns the set of locked package identifiers
func (m LockMap) Packages() map[string]struct{} {
	set := make(map[string]struct{}, len(m))
	for pkg := range m {
		set[pkg] = struct{}{}
	}
	return set
}

// Clone returns a copy of the map
func (m LockMap) Clone() LockMap {
	out := make(LockMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FocusEvent is a single foreground window change delivered by the platform
type FocusEvent struct {
	Package string    `json:"package"`
	At      time.Time `json:"at"`
}

// Filter tells the event source which packages to deliver events for
type Filter struct {
	All      bool     `json:"all"`
	Packages []string `json:"packages,omitempty"`
}

// WatchAll returns a filter that delivers every package
func WatchAll() Filter {
	return Filter{All: true}
}

// WatchOnly returns a filter restricted to the given packages
func WatchOnly(set map[string]struct{}) Filter {
	pkgs := make([]string, 0, len(set))
	for pkg := range set {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return Filter{Packages: pkgs}
}

// Allows reports whether events for pkg pass the filter
func (f Filter) Allows(pkg string) bool {
	if f.All {
		return true
	}
	for _, p := range f.Packages {
		if p == pkg {
			return true
		}
	}
	return false
}

// Equal reports whether two filters select the same packages
func (f Filter) Equal(other Filter) bool {
	if f.All != other.All || len(f.Packages) != len(other.Packages) {
		return false
	}
	for i := range f.Packages {
		if f.Packages[i] != other.Packages[i] {
			return false
		}
	}
	return true
}

// Release describes an armed pending-release timer
type Release struct {
	Package  string    `json:"package"`
	Deadline time.Time `json:"deadline"`
}

// GuardState is a point-in-time view of the foreground guard
type GuardState struct {
	Watched        []string `json:"watched"`
	Active         string   `json:"active,omitempty"`
	PendingRelease *Release `json:"pending_release,omitempty"`
	InFlight       []string `json:"in_flight,omitempty"`
}
