package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// WatermillSource reads foreground changes reported by the platform agent
// over a Watermill subscriber. Filter changes are applied locally and
// published back so the agent can stop reporting unneeded packages.
type WatermillSource struct {
	subscriber message.Subscriber
	publisher  ports.EventPublisher
	logger     *zap.Logger
	events     chan core.FocusEvent

	mu     sync.RWMutex
	filter core.Filter
}

var _ ports.EventSource = (*WatermillSource)(nil)

// NewWatermillSource creates a source reading from TopicFocus
func NewWatermillSource(subscriber message.Subscriber, publisher ports.EventPublisher, logger *zap.Logger) *WatermillSource {
	return &WatermillSource{
		subscriber: subscriber,
		publisher:  publisher,
		logger:     logger.Named("focus-source"),
		events:     make(chan core.FocusEvent),
		filter:     core.WatchAll(),
	}
}

// Events returns the stream of foreground changes
func (s *WatermillSource) Events() <-chan core.FocusEvent {
	return s.events
}

// Configure applies the filter and forwards it to the agent
func (s *WatermillSource) Configure(ctx context.Context, filter core.Filter) error {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()

	if err := s.publisher.PublishFilter(ctx, filter); err != nil {
		return fmt.Errorf("failed to forward filter: %w", err)
	}
	return nil
}

// Run consumes focus messages until ctx is done
func (s *WatermillSource) Run(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, TopicFocus)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicFocus, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := s.handle(ctx, msg); err != nil {
				msg.Nack()
				return nil
			}
			msg.Ack()
		}
	}
}

// handle only fails when ctx is done before the event could be delivered
func (s *WatermillSource) handle(ctx context.Context, msg *message.Message) error {
	var ev core.FocusEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil || ev.Package == "" {
		s.logger.Warn("dropping malformed focus message", zap.String("uuid", msg.UUID), zap.Error(err))
		return nil
	}

	s.mu.RLock()
	allowed := s.filter.Allows(ev.Package)
	s.mu.RUnlock()
	if !allowed {
		return nil
	}

	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
