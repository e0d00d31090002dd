package service

import (
	"context"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/metrics"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// Prompt texts
const (
	PromptTitle          = "Authenticate to unlock"
	promptSubtitlePrefix = "Unlock "
)

// Challenger runs one authentication challenge for a package
type Challenger interface {
	Challenge(ctx context.Context, pkg string) core.Outcome
}

// Gate runs authentication challenges. A lockout on the primary prompt
// escalates to the fallback credential prompt when the device has one.
type Gate struct {
	store       ports.Store
	primary     ports.Prompter
	fallback    ports.Prompter
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

var _ Challenger = (*Gate)(nil)

// NewGate creates a new authentication gate. fallback may be nil.
func NewGate(store ports.Store, primary, fallback ports.Prompter, maxAttempts int, m *metrics.Metrics, logger *zap.Logger) *Gate {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Gate{
		store:       store,
		primary:     primary,
		fallback:    fallback,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger.Named("gate"),
	}
}

// Challenge authenticates the user for pkg. It never fails; errors from
// the prompts are logged and reported as outcomes.
func (g *Gate) Challenge(ctx context.Context, pkg string) core.Outcome {
	outcome := g.challenge(ctx, pkg)
	g.metrics.Challenges.WithLabelValues(outcome.String()).Inc()
	g.logger.Info("challenge finished", zap.String("package", pkg), zap.Stringer("outcome", outcome))
	return outcome
}

func (g *Gate) challenge(ctx context.Context, pkg string) core.Outcome {
	req := core.ChallengeRequest{
		Package:  pkg,
		Title:    PromptTitle,
		Subtitle: promptSubtitlePrefix + g.displayName(ctx, pkg),
	}

	if !usable(g.primary) {
		g.logger.Debug("primary prompt unavailable", zap.String("package", pkg))
		return g.escalate(ctx, req)
	}

	outcome := g.prompt(ctx, g.primary, req)
	if outcome != core.OutcomeLockedOut {
		return outcome
	}
	return g.escalate(ctx, req)
}

func (g *Gate) escalate(ctx context.Context, req core.ChallengeRequest) core.Outcome {
	if !usable(g.fallback) {
		g.logger.Warn("no credential fallback, staying locked", zap.String("package", req.Package))
		return core.OutcomeLockedOut
	}
	g.logger.Info("falling back to device credential", zap.String("package", req.Package))
	return g.prompt(ctx, g.fallback, req)
}

// prompt re-shows p after each failed attempt until maxAttempts
func (g *Gate) prompt(ctx context.Context, p ports.Prompter, req core.ChallengeRequest) core.Outcome {
	for attempt := 1; ; attempt++ {
		outcome, err := p.RequestChallenge(ctx, req)
		if ctx.Err() != nil {
			return core.OutcomeCancelled
		}
		if err != nil {
			g.logger.Warn("prompt failed",
				zap.String("package", req.Package),
				zap.String("kind", p.Kind()),
				zap.Error(err))
			outcome = core.OutcomeFailed
		}
		if outcome != core.OutcomeFailed || attempt >= g.maxAttempts {
			return outcome
		}
		g.logger.Debug("authentication failed, retrying",
			zap.String("package", req.Package),
			zap.Int("attempt", attempt))
	}
}

// displayName falls back to a placeholder if the app record is missing
func (g *Gate) displayName(ctx context.Context, pkg string) string {
	app, ok, err := g.store.Get(ctx, pkg)
	if err != nil {
		g.logger.Warn("failed to load app name", zap.String("package", pkg), zap.Error(err))
		return core.UnknownAppName
	}
	if !ok {
		return core.UnknownAppName
	}
	return app.Name()
}

func usable(p ports.Prompter) bool {
	return p != nil && p.Available()
}
