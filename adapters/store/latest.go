package store

import "github.com/layer-3/warden/core"

// offerLatest replaces whatever is buffered in ch with m. Callers must be
// the only sender on ch and ch must have capacity 1.
func offerLatest(ch chan core.LockMap, m core.LockMap) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- m:
	default:
	}
}
