package prompt

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/clock"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// PendingChallenge is a prompt waiting for the UI to report its outcome
type PendingChallenge struct {
	Challenge core.Challenge `json:"challenge"`
	Token     string         `json:"token"`
}

type pendingPrompt struct {
	challenge core.Challenge
	token     string
	result    chan core.Outcome
}

// Broker hands challenges to an out-of-process prompt UI and collects
// their outcomes. Each challenge is bound to a signed token; only the
// holder of that token can resolve it.
type Broker struct {
	tokenizer ports.Tokenizer
	publisher ports.EventPublisher
	clock     clock.Clock
	logger    *zap.Logger
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]*pendingPrompt
}

// NewBroker creates a new prompt broker
func NewBroker(tokenizer ports.Tokenizer, publisher ports.EventPublisher, clk clock.Clock, timeout time.Duration, logger *zap.Logger) *Broker {
	return &Broker{
		tokenizer: tokenizer,
		publisher: publisher,
		clock:     clk,
		logger:    logger.Named("prompt"),
		timeout:   timeout,
		pending:   make(map[string]*pendingPrompt),
	}
}

// Prompter returns a Prompter of the given kind backed by this broker
func (b *Broker) Prompter(kind string, available bool) *RemotePrompter {
	return &RemotePrompter{broker: b, kind: kind, available: available}
}

// Pending lists outstanding challenges, oldest first
func (b *Broker) Pending() []PendingChallenge {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PendingChallenge, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, PendingChallenge{Challenge: p.challenge, Token: p.token})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Challenge.IssuedAt.Before(out[j].Challenge.IssuedAt)
	})
	return out
}

// Resolve reports the outcome of the challenge bound to token
func (b *Broker) Resolve(token string, outcome core.Outcome) error {
	claimed, err := b.tokenizer.TokenToChallenge(token)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[claimed.ID]
	if !ok {
		return core.ErrChallengeNotFound
	}
	if p.challenge.Package != claimed.Package || p.challenge.Kind != claimed.Kind {
		return core.ErrChallengeMismatch
	}

	delete(b.pending, claimed.ID)
	p.result <- outcome
	return nil
}

func (b *Broker) request(ctx context.Context, kind string, req core.ChallengeRequest) (core.Outcome, error) {
	now := b.clock.Now()
	challenge := core.Challenge{
		ID:        uuid.New().String(),
		Package:   req.Package,
		Kind:      kind,
		Title:     req.Title,
		Subtitle:  req.Subtitle,
		IssuedAt:  now,
		ExpiresAt: now.Add(b.timeout),
	}

	token, err := b.tokenizer.ChallengeToToken(&challenge)
	if err != nil {
		return core.OutcomeFailed, err
	}

	p := &pendingPrompt{
		challenge: challenge,
		token:     token,
		result:    make(chan core.Outcome, 1),
	}

	b.mu.Lock()
	b.pending[challenge.ID] = p
	b.mu.Unlock()
	defer b.forget(challenge.ID)

	// The UI can still poll Pending if the bus is down
	if err := b.publisher.PublishChallenge(ctx, &challenge, token); err != nil {
		b.logger.Warn("failed to publish challenge", zap.String("package", req.Package), zap.Error(err))
	}

	select {
	case outcome := <-p.result:
		return outcome, nil
	case <-b.clock.After(b.timeout):
		b.logger.Info("challenge expired", zap.String("package", req.Package), zap.String("kind", kind))
		return core.OutcomeCancelled, nil
	case <-ctx.Done():
		return core.OutcomeCancelled, ctx.Err()
	}
}

func (b *Broker) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// RemotePrompter is one kind of prompt served by a Broker
type RemotePrompter struct {
	broker    *Broker
	kind      string
	available bool
}

var _ ports.Prompter = (*RemotePrompter)(nil)

// Kind names the prompt type
func (r *RemotePrompter) Kind() string {
	return r.kind
}

// Available reports whether the device supports this prompt
func (r *RemotePrompter) Available() bool {
	return r.available
}

// RequestChallenge shows the prompt and waits for its outcome
func (r *RemotePrompter) RequestChallenge(ctx context.Context, req core.ChallengeRequest) (core.Outcome, error) {
	if !r.available {
		return core.OutcomeCancelled, core.ErrPromptUnavailable
	}
	return r.broker.request(ctx, r.kind, req)
}
