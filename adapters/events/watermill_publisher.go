package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// Topics used on the device bus
const (
	TopicFocus     = "warden.focus"
	TopicChallenge = "warden.challenge"
	TopicUnlock    = "warden.unlock"
	TopicRelease   = "warden.release"
	TopicFilter    = "warden.filter"
)

// ChallengeEvent asks a prompt UI to show a challenge
type ChallengeEvent struct {
	Challenge *core.Challenge `json:"challenge"`
	Token     string          `json:"token"`
}

// UnlockEvent is published after a successful authentication
type UnlockEvent struct {
	Package string    `json:"package"`
	At      time.Time `json:"at"`
}

// ReleaseEvent is published when an authenticated session ends
type ReleaseEvent struct {
	Package string `json:"package"`
	Reason  string `json:"reason"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

var _ ports.EventPublisher = (*WatermillPublisher)(nil)

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishChallenge publishes a challenge for the prompt UI
func (p *WatermillPublisher) PublishChallenge(ctx context.Context, challenge *core.Challenge, token string) error {
	return p.publish(ctx, TopicChallenge, ChallengeEvent{Challenge: challenge, Token: token})
}

// PublishUnlock publishes a successful authentication
func (p *WatermillPublisher) PublishUnlock(ctx context.Context, pkg string, at time.Time) error {
	return p.publish(ctx, TopicUnlock, UnlockEvent{Package: pkg, At: at})
}

// PublishRelease publishes the end of an authenticated session
func (p *WatermillPublisher) PublishRelease(ctx context.Context, pkg string, reason string) error {
	return p.publish(ctx, TopicRelease, ReleaseEvent{Package: pkg, Reason: reason})
}

// PublishFilter publishes the packages the platform agent should report
func (p *WatermillPublisher) PublishFilter(ctx context.Context, filter core.Filter) error {
	return p.publish(ctx, TopicFilter, filter)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) PublishChallenge(context.Context, *core.Challenge, string) error { return nil }
func (NopPublisher) PublishUnlock(context.Context, string, time.Time) error         { return nil }
func (NopPublisher) PublishRelease(context.Context, string, string) error           { return nil }
func (NopPublisher) PublishFilter(context.Context, core.Filter) error               { return nil }
