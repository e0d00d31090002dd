package ports

import (
	"context"
	"time"

	"github.com/layer-3/warden/core"
)

// EventPublisher publishes guard events to other components on the device
type EventPublisher interface {
	PublishChallenge(ctx context.Context, challenge *core.Challenge, token string) error
	PublishUnlock(ctx context.Context, pkg string, at time.Time) error
	PublishRelease(ctx context.Context, pkg string, reason string) error
	PublishFilter(ctx context.Context, filter core.Filter) error
}

// EventSource delivers foreground window changes
type EventSource interface {
	// Events returns the stream of foreground changes
	Events() <-chan core.FocusEvent

	// Configure narrows or widens the set of packages events are delivered for
	Configure(ctx context.Context, filter core.Filter) error
}
