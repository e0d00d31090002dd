package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/clock"
	"github.com/layer-3/warden/internal/metrics"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

const (
	// DefaultReleaseGrace is how long the guard waits on a transitional
	// surface before it considers the active app left
	DefaultReleaseGrace = 3 * time.Second

	// DefaultAuthGrace is how long after an unlock the app may be re-entered
	// without a new challenge
	DefaultAuthGrace = 2 * time.Second
)

// Release reasons
const (
	ReleaseGrace    = "grace"    // grace timer expired on a transitional surface
	ReleaseLeft     = "left"     // user switched to an ordinary app
	ReleaseSwitched = "switched" // user switched to another locked app
	ReleaseUnlocked = "unlocked" // the app's lock was removed
)

// ChallengePolicy decides what happens to an in-flight challenge when
// another locked app comes to the foreground
type ChallengePolicy string

const (
	// PolicyConcurrent lets challenges for different apps run side by side
	PolicyConcurrent ChallengePolicy = "concurrent"
	// PolicySupersede cancels the in-flight challenge for the previous app
	PolicySupersede ChallengePolicy = "supersede"
)

// GuardConfig tunes the foreground guard
type GuardConfig struct {
	ReleaseGrace time.Duration
	AuthGrace    time.Duration
	Policy       ChallengePolicy
	// SelfPackage hosts the lock screen; it never ends a session
	SelfPackage string
}

// DefaultGuardConfig returns the default guard configuration
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ReleaseGrace: DefaultReleaseGrace,
		AuthGrace:    DefaultAuthGrace,
		Policy:       PolicyConcurrent,
	}
}

// GuardDeps are the collaborators of the guard
type GuardDeps struct {
	Store     ports.Store
	Source    ports.EventSource
	Locks     *LockSet
	Gate      Challenger
	Publisher ports.EventPublisher
	Surfaces  *Surfaces
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type pendingRelease struct {
	pkg      string
	deadline time.Time
	gen      uint64
	timer    clock.Timer
}

type challengeRun struct {
	id     uint64
	cancel context.CancelFunc
}

// Guard is the foreground state machine. All state is owned by the Run
// goroutine; every other entry point posts a command onto its queue.
type Guard struct {
	cfg       GuardConfig
	store     ports.Store
	source    ports.EventSource
	locks     *LockSet
	gate      Challenger
	publisher ports.EventPublisher
	surfaces  *Surfaces
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	cmds chan func(context.Context)
	done chan struct{}

	// Challenge runs and release publishes still in progress
	workers sync.WaitGroup

	// Owned by Run
	watched    map[string]struct{}
	active     string
	release    *pendingRelease
	releaseGen uint64
	inFlight   map[string]challengeRun
	runSeq     uint64
	applied    *core.Filter
}

// NewGuard creates a new foreground guard
func NewGuard(cfg GuardConfig, deps GuardDeps) *Guard {
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = DefaultReleaseGrace
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyConcurrent
	}
	surfaces := deps.Surfaces
	if surfaces == nil {
		surfaces = NewSurfaces()
	}
	return &Guard{
		cfg:       cfg,
		store:     deps.Store,
		source:    deps.Source,
		locks:     deps.Locks,
		gate:      deps.Gate,
		publisher: deps.Publisher,
		surfaces:  surfaces,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Named("guard"),
		cmds:      make(chan func(context.Context), 64),
		done:      make(chan struct{}),
		watched:   make(map[string]struct{}),
		inFlight:  make(map[string]challengeRun),
	}
}

// Run processes foreground events, lock set changes and queued commands
// until ctx is done. It returns once every challenge worker and pending
// publish has finished. It must be called once.
func (g *Guard) Run(ctx context.Context) error {
	defer g.shutdown()

	g.setWatched(ctx, g.locks.Snapshot())

	events := g.source.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				g.logger.Warn("event source closed")
				events = nil
				continue
			}
			g.onFocus(ctx, ev)
		case <-g.locks.Changes():
			g.setWatched(ctx, g.locks.Snapshot())
		case cmd := <-g.cmds:
			cmd(ctx)
		}

		// Retry a filter that failed to apply
		if g.applied == nil {
			g.reconfigure(ctx)
		}
	}
}

// State returns a snapshot of the guard state
func (g *Guard) State(ctx context.Context) (core.GuardState, error) {
	reply := make(chan core.GuardState, 1)
	if !g.post(func(context.Context) { reply <- g.snapshot() }) {
		return core.GuardState{}, context.Canceled
	}
	select {
	case state := <-reply:
		return state, nil
	case <-ctx.Done():
		return core.GuardState{}, ctx.Err()
	case <-g.done:
		return core.GuardState{}, context.Canceled
	}
}

// Authenticated is called by whatever resolved a challenge for pkg outside
// the gate. It records the authentication and activates pkg.
func (g *Guard) Authenticated(ctx context.Context, pkg string) error {
	if pkg == "" {
		return core.ErrInvalidPackage
	}
	if err := g.recordAuth(ctx, pkg); err != nil {
		return err
	}
	posted := g.post(func(ctx context.Context) {
		if run, ok := g.inFlight[pkg]; ok {
			run.cancel()
			delete(g.inFlight, pkg)
		}
		g.activate(ctx, pkg)
	})
	if !posted {
		return context.Canceled
	}
	return nil
}

// post queues cmd for the Run goroutine; it reports false once Run has exited
func (g *Guard) post(cmd func(context.Context)) bool {
	select {
	case g.cmds <- cmd:
		return true
	case <-g.done:
		return false
	}
}

func (g *Guard) onFocus(ctx context.Context, ev core.FocusEvent) {
	pkg := ev.Package
	g.logger.Debug("foreground changed", zap.String("package", pkg), zap.String("active", g.active))

	if g.active == "" {
		if g.isWatched(pkg) {
			g.beginChallenge(ctx, pkg)
		}
		return
	}

	switch {
	case pkg == g.active:
		// Back in the active app
		g.cancelRelease()
	case g.isWatched(pkg):
		g.cancelRelease()
		g.setActive(ctx, "", ReleaseSwitched)
		g.beginChallenge(ctx, pkg)
	case g.isTransitional(pkg):
		g.armRelease(ctx, ev.At)
	default:
		g.cancelRelease()
		g.setActive(ctx, "", ReleaseLeft)
	}
}

func (g *Guard) setWatched(ctx context.Context, next map[string]struct{}) {
	for pkg, run := range g.inFlight {
		if _, ok := next[pkg]; !ok {
			run.cancel()
			delete(g.inFlight, pkg)
		}
	}
	g.watched = next
	g.metrics.Watched.Set(float64(len(next)))

	if g.active != "" && !g.isWatched(g.active) {
		g.cancelRelease()
		g.setActive(ctx, "", ReleaseUnlocked)
		return
	}
	g.reconfigure(ctx)
}

func (g *Guard) beginChallenge(ctx context.Context, pkg string) {
	if _, busy := g.inFlight[pkg]; busy {
		g.logger.Debug("challenge already in flight", zap.String("package", pkg))
		return
	}
	if g.cfg.Policy == PolicySupersede {
		for other, run := range g.inFlight {
			g.logger.Info("superseding challenge", zap.String("package", other), zap.String("by", pkg))
			run.cancel()
			delete(g.inFlight, other)
		}
	}

	g.runSeq++
	runCtx, cancel := context.WithCancel(ctx)
	run := challengeRun{id: g.runSeq, cancel: cancel}
	g.inFlight[pkg] = run

	g.workers.Add(1)
	go func() {
		defer g.workers.Done()
		g.runChallenge(runCtx, pkg, run.id)
	}()
}

// runChallenge runs off the loop and reports back through the queue
func (g *Guard) runChallenge(ctx context.Context, pkg string, id uint64) {
	recent, err := g.store.WasRecentlyAuthenticated(ctx, pkg, g.cfg.AuthGrace)
	if err != nil {
		g.logger.Warn("failed to check recent authentication", zap.String("package", pkg), zap.Error(err))
	}

	outcome := core.OutcomeSuccess
	if !recent {
		g.logger.Info("challenging", zap.String("package", pkg))
		outcome = g.gate.Challenge(ctx, pkg)
		if outcome == core.OutcomeSuccess {
			if err := g.recordAuth(ctx, pkg); err != nil {
				g.logger.Warn("failed to record authentication", zap.String("package", pkg), zap.Error(err))
			}
		}
	} else {
		g.logger.Debug("recently authenticated, skipping challenge", zap.String("package", pkg))
	}

	g.post(func(ctx context.Context) {
		g.finishChallenge(ctx, pkg, id, outcome)
	})
}

func (g *Guard) finishChallenge(ctx context.Context, pkg string, id uint64, outcome core.Outcome) {
	run, ok := g.inFlight[pkg]
	if !ok || run.id != id {
		g.logger.Debug("dropping stale challenge result", zap.String("package", pkg), zap.Stringer("outcome", outcome))
		return
	}
	run.cancel()
	delete(g.inFlight, pkg)

	if outcome != core.OutcomeSuccess {
		g.logger.Info("app stays locked", zap.String("package", pkg), zap.Stringer("outcome", outcome))
		return
	}
	g.activate(ctx, pkg)
}

func (g *Guard) activate(ctx context.Context, pkg string) {
	if !g.isWatched(pkg) {
		g.logger.Info("ignoring unlock for unwatched app", zap.String("package", pkg))
		return
	}
	g.cancelRelease()
	if g.active != "" && g.active != pkg {
		g.setActive(ctx, "", ReleaseSwitched)
	}
	g.setActive(ctx, pkg, "")
}

// recordAuth persists a successful unlock and announces it
func (g *Guard) recordAuth(ctx context.Context, pkg string) error {
	now := g.clock.Now()
	if err := g.store.RecordAuth(ctx, pkg, now); err != nil {
		return err
	}
	if err := g.publisher.PublishUnlock(ctx, pkg, now); err != nil {
		g.logger.Warn("failed to publish unlock", zap.String("package", pkg), zap.Error(err))
	}
	return nil
}

// setActive changes the active app; reason is used when pkg is empty
func (g *Guard) setActive(ctx context.Context, pkg string, reason string) {
	prev := g.active
	if prev == pkg {
		return
	}
	g.active = pkg

	if pkg == "" {
		g.logger.Info("session released", zap.String("package", prev), zap.String("reason", reason))
		g.metrics.Transitions.WithLabelValues("idle").Inc()
		g.metrics.Releases.WithLabelValues(reason).Inc()
		g.metrics.Active.Set(0)
		g.workers.Add(1)
		go func() {
			defer g.workers.Done()
			if err := g.publisher.PublishRelease(ctx, prev, reason); err != nil {
				g.logger.Warn("failed to publish release", zap.String("package", prev), zap.Error(err))
			}
		}()
	} else {
		g.logger.Info("session active", zap.String("package", pkg))
		g.metrics.Transitions.WithLabelValues("active").Inc()
		g.metrics.Active.Set(1)
	}

	g.reconfigure(ctx)
}

// armRelease starts the grace timer for the active app, counted from the
// time the transitional surface came to the foreground
func (g *Guard) armRelease(ctx context.Context, at time.Time) {
	g.cancelRelease()

	now := g.clock.Now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	deadline := at.Add(g.cfg.ReleaseGrace)
	delay := deadline.Sub(now)
	if delay <= 0 {
		g.logger.Debug("release deadline already passed", zap.String("package", g.active), zap.Time("deadline", deadline))
		g.setActive(ctx, "", ReleaseGrace)
		return
	}

	g.releaseGen++
	gen := g.releaseGen
	timer := g.clock.AfterFunc(delay, func() {
		g.post(func(ctx context.Context) { g.onReleaseTimer(ctx, gen) })
	})
	g.release = &pendingRelease{
		pkg:      g.active,
		deadline: deadline,
		gen:      gen,
		timer:    timer,
	}
	g.logger.Debug("release armed", zap.String("package", g.active), zap.Time("deadline", deadline))
}

func (g *Guard) cancelRelease() {
	if g.release == nil {
		return
	}
	g.release.timer.Stop()
	g.release = nil
}

// onReleaseTimer is a no-op unless gen is still the armed timer
func (g *Guard) onReleaseTimer(ctx context.Context, gen uint64) {
	if g.release == nil || g.release.gen != gen {
		return
	}
	g.release = nil
	g.setActive(ctx, "", ReleaseGrace)
}

// reconfigure asks the source for every package while a session is
// active, and only for locked packages otherwise
func (g *Guard) reconfigure(ctx context.Context) {
	want := core.WatchOnly(g.watched)
	if g.active != "" {
		want = core.WatchAll()
	}
	if g.applied != nil && g.applied.Equal(want) {
		return
	}

	if err := g.source.Configure(ctx, want); err != nil {
		g.logger.Warn("failed to reconfigure event source", zap.Error(err))
		g.metrics.FilterErrors.Inc()
		g.applied = nil
		return
	}
	g.applied = &want
}

func (g *Guard) isWatched(pkg string) bool {
	_, ok := g.watched[pkg]
	return ok
}

func (g *Guard) isTransitional(pkg string) bool {
	return pkg == g.cfg.SelfPackage || g.surfaces.IsTransitional(pkg)
}

func (g *Guard) snapshot() core.GuardState {
	state := core.GuardState{
		Watched: sortedKeys(g.watched),
		Active:  g.active,
	}
	if g.release != nil {
		state.PendingRelease = &core.Release{Package: g.release.pkg, Deadline: g.release.deadline}
	}
	for pkg := range g.inFlight {
		state.InFlight = append(state.InFlight, pkg)
	}
	sort.Strings(state.InFlight)
	return state
}

func (g *Guard) shutdown() {
	g.cancelRelease()
	for pkg, run := range g.inFlight {
		run.cancel()
		delete(g.inFlight, pkg)
	}
	// Workers blocked in post give up once done is closed
	close(g.done)
	g.workers.Wait()
}
