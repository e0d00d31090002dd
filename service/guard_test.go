package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/warden/adapters/events"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/clock"
	"github.com/layer-3/warden/internal/metrics"
	"github.com/layer-3/warden/ports"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	alpha    = "com.alpha"
	beta     = "com.beta"
	other    = "com.other"
	launcher = "com.android.launcher"
	self     = "com.layer3.warden"
)

type gateCall struct {
	pkg   string
	ctx   context.Context
	reply chan core.Outcome
}

// fakeGate hands every challenge to the test
type fakeGate struct {
	calls chan gateCall
}

func (f *fakeGate) Challenge(ctx context.Context, pkg string) core.Outcome {
	call := gateCall{pkg: pkg, ctx: ctx, reply: make(chan core.Outcome, 1)}
	select {
	case f.calls <- call:
	case <-ctx.Done():
		return core.OutcomeCancelled
	}
	select {
	case outcome := <-call.reply:
		return outcome
	case <-ctx.Done():
		return core.OutcomeCancelled
	}
}

type guardHarness struct {
	t         *testing.T
	ctx       context.Context
	cancel    context.CancelFunc
	guardDone chan error
	stopOnce  sync.Once
	publisher ports.EventPublisher
	cfg     GuardConfig
	clock   *clock.FakeClock
	store   *store.MemoryStore
	source  *events.MemorySource
	wrap    func(*events.MemorySource) ports.EventSource
	locks   *LockSet
	gate    *fakeGate
	metrics *metrics.Metrics
	guard   *Guard
}

func newGuardHarness(t *testing.T, locked ...string) *guardHarness {
	clk := clock.Fake(epoch)
	s := store.NewMemoryStore(clk)
	for _, pkg := range locked {
		require.NoError(t, s.Upsert(context.Background(), pkg, ""))
	}
	cfg := DefaultGuardConfig()
	cfg.SelfPackage = self

	return &guardHarness{
		t:         t,
		cfg:       cfg,
		clock:     clk,
		store:     s,
		source:    events.NewMemorySource(0),
		gate:      &fakeGate{calls: make(chan gateCall, 8)},
		metrics:   metrics.New(),
		publisher: events.NopPublisher{},
	}
}

func (h *guardHarness) start() *guardHarness {
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx, h.cancel = ctx, cancel
	logger := zaptest.NewLogger(h.t)

	h.locks = NewLockSet(h.store, h.clock, logger)
	lockDone := make(chan struct{})
	go func() {
		defer close(lockDone)
		_ = h.locks.Run(ctx)
	}()
	want, err := h.store.List(ctx)
	require.NoError(h.t, err)
	require.Eventually(h.t, func() bool {
		return sameSet(h.locks.Snapshot(), want.Packages())
	}, time.Second, 5*time.Millisecond)

	var source ports.EventSource = h.source
	if h.wrap != nil {
		source = h.wrap(h.source)
	}
	h.guard = NewGuard(h.cfg, GuardDeps{
		Store:     h.store,
		Source:    source,
		Locks:     h.locks,
		Gate:      h.gate,
		Publisher: h.publisher,
		Clock:     h.clock,
		Metrics:   h.metrics,
		Logger:    logger,
	})
	h.guardDone = make(chan error, 1)
	go func() { h.guardDone <- h.guard.Run(ctx) }()

	h.t.Cleanup(func() {
		h.stop()
		<-lockDone
	})

	// The first filter is applied before the loop serves commands
	h.state()
	return h
}

// stop cancels the guard and waits for Run to return
func (h *guardHarness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case err := <-h.guardDone:
			assert.NoError(h.t, err)
		case <-time.After(time.Second):
			h.t.Error("guard did not stop")
		}
	})
}

// focus pushes a foreground change and reports whether it passed the filter
func (h *guardHarness) focus(pkg string) bool {
	h.t.Helper()
	return h.focusAt(pkg, h.clock.Now())
}

// focusAt pushes a foreground change observed at at. A delivered event has
// been handled by the loop when it returns.
func (h *guardHarness) focusAt(pkg string, at time.Time) bool {
	h.t.Helper()
	delivered, err := h.source.Push(h.ctx, core.FocusEvent{Package: pkg, At: at})
	require.NoError(h.t, err)
	if delivered {
		h.state()
	}
	return delivered
}

func (h *guardHarness) state() core.GuardState {
	h.t.Helper()
	state, err := h.guard.State(h.ctx)
	require.NoError(h.t, err)
	return state
}

func (h *guardHarness) expectChallenge(pkg string) gateCall {
	h.t.Helper()
	select {
	case call := <-h.gate.calls:
		require.Equal(h.t, pkg, call.pkg)
		return call
	case <-time.After(time.Second):
		h.t.Fatalf("no challenge for %s", pkg)
		return gateCall{}
	}
}

func (h *guardHarness) expectNoChallenge() {
	h.t.Helper()
	select {
	case call := <-h.gate.calls:
		h.t.Fatalf("unexpected challenge for %s", call.pkg)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *guardHarness) waitActive(pkg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.state().Active == pkg
	}, time.Second, 5*time.Millisecond)
}

// unlock runs a successful challenge for pkg one second after it starts
func (h *guardHarness) unlock(pkg string) {
	h.t.Helper()
	require.True(h.t, h.focus(pkg))
	call := h.expectChallenge(pkg)
	h.clock.Advance(time.Second)
	call.reply <- core.OutcomeSuccess
	h.waitActive(pkg)
}

func TestGuardUnlocksOnSuccess(t *testing.T) {
	h := newGuardHarness(t, alpha).start()

	require.True(t, h.focus(alpha))
	call := h.expectChallenge(alpha)

	state := h.state()
	assert.Empty(t, state.Active)
	assert.Equal(t, []string{alpha}, state.InFlight)

	h.clock.Advance(time.Second)
	call.reply <- core.OutcomeSuccess
	h.waitActive(alpha)

	app, ok, err := h.store.Get(h.ctx, alpha)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Second), app.LastAuthAt)
	assert.Empty(t, h.state().InFlight)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Active))
}

func TestGuardIgnoresUnlockedApps(t *testing.T) {
	h := newGuardHarness(t, alpha).start()

	// Filtered out at the source while idle
	assert.False(t, h.focus(other))
	h.expectNoChallenge()
	assert.Empty(t, h.state().Active)
}

func TestGuardFailedChallengeKeepsAppLocked(t *testing.T) {
	for _, outcome := range []core.Outcome{core.OutcomeFailed, core.OutcomeCancelled, core.OutcomeLockedOut} {
		t.Run(outcome.String(), func(t *testing.T) {
			h := newGuardHarness(t, alpha).start()

			require.True(t, h.focus(alpha))
			h.expectChallenge(alpha).reply <- outcome

			require.Eventually(t, func() bool {
				return len(h.state().InFlight) == 0
			}, time.Second, 5*time.Millisecond)
			assert.Empty(t, h.state().Active)

			app, _, err := h.store.Get(h.ctx, alpha)
			require.NoError(t, err)
			assert.True(t, app.LastAuthAt.IsZero())

			// Coming back challenges again
			require.True(t, h.focus(alpha))
			h.expectChallenge(alpha)
		})
	}
}

func TestGuardGracePeriod(t *testing.T) {
	h := newGuardHarness(t, alpha).start()
	h.unlock(alpha)

	// A quick trip through the launcher keeps the session
	require.True(t, h.focus(launcher))
	state := h.state()
	require.NotNil(t, state.PendingRelease)
	assert.Equal(t, alpha, state.PendingRelease.Package)
	assert.Equal(t, h.clock.Now().Add(DefaultReleaseGrace), state.PendingRelease.Deadline)

	h.clock.Advance(2 * time.Second)
	require.True(t, h.focus(alpha))
	state = h.state()
	assert.Equal(t, alpha, state.Active)
	assert.Nil(t, state.PendingRelease)
	assert.Zero(t, h.clock.Pending())

	// Staying away past the grace period releases it
	require.True(t, h.focus(launcher))
	h.clock.Advance(DefaultReleaseGrace)
	h.waitActive("")
	assert.Nil(t, h.state().PendingRelease)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Releases.WithLabelValues(ReleaseGrace)))

	require.True(t, h.focus(alpha))
	h.expectChallenge(alpha)
}

func TestGuardSelfPackageIsTransitional(t *testing.T) {
	h := newGuardHarness(t, alpha).start()
	h.unlock(alpha)

	require.True(t, h.focus(self))
	state := h.state()
	assert.Equal(t, alpha, state.Active)
	assert.NotNil(t, state.PendingRelease)
}

func TestGuardLeavingReleasesImmediately(t *testing.T) {
	h := newGuardHarness(t, alpha).start()
	h.unlock(alpha)

	require.True(t, h.focus(other))
	state := h.state()
	assert.Empty(t, state.Active)
	assert.Nil(t, state.PendingRelease)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Releases.WithLabelValues(ReleaseLeft)))

	// Still inside the auth grace window: no new prompt
	require.True(t, h.focus(alpha))
	h.waitActive(alpha)
	h.expectNoChallenge()

	// Outside the window a prompt is required again
	require.True(t, h.focus(other))
	h.waitActive("")
	h.clock.Advance(DefaultAuthGrace)
	require.True(t, h.focus(alpha))
	h.expectChallenge(alpha)
}

func TestGuardSwitchBetweenLockedApps(t *testing.T) {
	h := newGuardHarness(t, alpha, beta).start()
	h.unlock(alpha)

	require.True(t, h.focus(beta))
	call := h.expectChallenge(beta)
	state := h.state()
	assert.Empty(t, state.Active)
	assert.Equal(t, []string{beta}, state.InFlight)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Releases.WithLabelValues(ReleaseSwitched)))

	call.reply <- core.OutcomeSuccess
	h.waitActive(beta)
}

func TestGuardLockedSurfaceIsGated(t *testing.T) {
	h := newGuardHarness(t, alpha, "com.android.settings").start()
	h.unlock(alpha)

	require.True(t, h.focus("com.android.settings"))
	h.expectChallenge("com.android.settings")
	assert.Empty(t, h.state().Active)
}

func TestGuardRefocusIsIdempotent(t *testing.T) {
	h := newGuardHarness(t, alpha).start()
	h.unlock(alpha)

	require.True(t, h.focus(alpha))
	require.True(t, h.focus(alpha))
	h.expectNoChallenge()
	assert.Equal(t, alpha, h.state().Active)
}

func TestGuardDeduplicatesChallenges(t *testing.T) {
	h := newGuardHarness(t, alpha).start()

	require.True(t, h.focus(alpha))
	call := h.expectChallenge(alpha)
	require.True(t, h.focus(alpha))
	h.expectNoChallenge()
	assert.Equal(t, []string{alpha}, h.state().InFlight)

	call.reply <- core.OutcomeSuccess
	h.waitActive(alpha)
}

func TestGuardConcurrentChallenges(t *testing.T) {
	h := newGuardHarness(t, alpha, beta).start()

	require.True(t, h.focus(alpha))
	first := h.expectChallenge(alpha)
	require.True(t, h.focus(beta))
	second := h.expectChallenge(beta)

	assert.NoError(t, first.ctx.Err())
	assert.Equal(t, []string{alpha, beta}, h.state().InFlight)

	first.reply <- core.OutcomeSuccess
	h.waitActive(alpha)
	second.reply <- core.OutcomeSuccess
	h.waitActive(beta)
}

func TestGuardSupersedingChallenges(t *testing.T) {
	h := newGuardHarness(t, alpha, beta)
	h.cfg.Policy = PolicySupersede
	h.start()

	require.True(t, h.focus(alpha))
	first := h.expectChallenge(alpha)
	require.True(t, h.focus(beta))
	second := h.expectChallenge(beta)

	select {
	case <-first.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("first challenge was not cancelled")
	}
	assert.Equal(t, []string{beta}, h.state().InFlight)

	second.reply <- core.OutcomeSuccess
	h.waitActive(beta)
}

func TestGuardUnlockWhileActive(t *testing.T) {
	h := newGuardHarness(t, alpha).start()
	h.unlock(alpha)

	require.NoError(t, h.store.Remove(h.ctx, alpha))
	require.Eventually(t, func() bool {
		state := h.state()
		return state.Active == "" && len(state.Watched) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Releases.WithLabelValues(ReleaseUnlocked)))

	assert.False(t, h.focus(alpha))
	h.expectNoChallenge()
}

func TestGuardUnlockCancelsInFlightChallenge(t *testing.T) {
	h := newGuardHarness(t, alpha, beta).start()

	require.True(t, h.focus(alpha))
	call := h.expectChallenge(alpha)
	require.NoError(t, h.store.Remove(h.ctx, alpha))

	select {
	case <-call.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("challenge was not cancelled")
	}
	require.Eventually(t, func() bool {
		return len(h.state().InFlight) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{beta}, h.state().Watched)
}

func TestGuardNewLockTakesEffect(t *testing.T) {
	h := newGuardHarness(t).start()

	assert.False(t, h.focus(alpha))
	require.NoError(t, h.store.Upsert(h.ctx, alpha, "Alpha"))
	require.Eventually(t, func() bool {
		return len(h.state().Watched) == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, h.focus(alpha))
	h.expectChallenge(alpha)
}

func TestGuardFilterFollowsSession(t *testing.T) {
	h := newGuardHarness(t, alpha).start()
	h.unlock(alpha)
	require.True(t, h.focus(other))
	h.waitActive("")

	idle := core.WatchOnly(map[string]struct{}{alpha: {}})
	assert.Equal(t, []core.Filter{idle, core.WatchAll(), idle}, h.source.Filters())
}

func TestGuardAuthenticatedCallback(t *testing.T) {
	h := newGuardHarness(t, alpha).start()

	require.True(t, h.focus(alpha))
	call := h.expectChallenge(alpha)

	h.clock.Advance(time.Second)
	require.NoError(t, h.guard.Authenticated(h.ctx, alpha))
	h.waitActive(alpha)

	select {
	case <-call.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("gate challenge was not cancelled")
	}
	app, _, err := h.store.Get(h.ctx, alpha)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Second), app.LastAuthAt)
}

// flakySource fails the first few Configure calls
type flakySource struct {
	*events.MemorySource
	mu       sync.Mutex
	failures int
}

func (f *flakySource) Configure(ctx context.Context, filter core.Filter) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("source unavailable")
	}
	return f.MemorySource.Configure(ctx, filter)
}

func TestGuardRetriesFailedFilter(t *testing.T) {
	h := newGuardHarness(t, alpha)
	h.wrap = func(src *events.MemorySource) ports.EventSource {
		return &flakySource{MemorySource: src, failures: 1}
	}
	h.start()

	// Any loop iteration retries the pending filter
	h.state()

	assert.Equal(t, core.WatchOnly(map[string]struct{}{alpha: {}}), h.source.Filter())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.FilterErrors))
}

func TestGuardStaleReleaseTimer(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(epoch)
	src := events.NewMemorySource(0)
	m := metrics.New()
	g := NewGuard(DefaultGuardConfig(), GuardDeps{
		Store:     store.NewMemoryStore(clk),
		Source:    src,
		Locks:     NewLockSet(nil, clk, zaptest.NewLogger(t)),
		Publisher: events.NopPublisher{},
		Clock:     clk,
		Metrics:   m,
		Logger:    zaptest.NewLogger(t),
	})
	g.watched = map[string]struct{}{alpha: {}}
	g.active = alpha

	g.armRelease(ctx, time.Time{})
	stale := g.release.gen
	g.armRelease(ctx, time.Time{})
	current := g.release.gen
	assert.Equal(t, 1, clk.Pending())

	g.onReleaseTimer(ctx, stale)
	assert.Equal(t, alpha, g.active)
	require.NotNil(t, g.release)

	g.onReleaseTimer(ctx, current)
	assert.Empty(t, g.active)
	assert.Nil(t, g.release)
	assert.Equal(t, core.WatchOnly(g.watched), src.Filter())
}

func TestGuardReleaseDeadlineFollowsEventTime(t *testing.T) {
	h := newGuardHarness(t, alpha).start()
	h.unlock(alpha)

	seen := h.clock.Now().Add(-time.Second)
	require.True(t, h.focusAt(launcher, seen))
	state := h.state()
	require.NotNil(t, state.PendingRelease)
	assert.Equal(t, seen.Add(DefaultReleaseGrace), state.PendingRelease.Deadline)

	// The timer fires at the deadline, not a full grace after processing
	h.clock.Advance(DefaultReleaseGrace - time.Second)
	h.waitActive("")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Releases.WithLabelValues(ReleaseGrace)))
}

func TestGuardReleasesWhenEventIsOlderThanGrace(t *testing.T) {
	h := newGuardHarness(t, alpha).start()
	h.unlock(alpha)

	require.True(t, h.focusAt(launcher, h.clock.Now().Add(-DefaultReleaseGrace)))
	state := h.state()
	assert.Empty(t, state.Active)
	assert.Nil(t, state.PendingRelease)
	assert.Zero(t, h.clock.Pending())
}

func TestGuardFutureEventTimeIsClamped(t *testing.T) {
	h := newGuardHarness(t, alpha).start()
	h.unlock(alpha)

	require.True(t, h.focusAt(launcher, h.clock.Now().Add(time.Hour)))
	state := h.state()
	require.NotNil(t, state.PendingRelease)
	assert.Equal(t, h.clock.Now().Add(DefaultReleaseGrace), state.PendingRelease.Deadline)
}

func TestGuardAuthenticatedRejectsBlankPackage(t *testing.T) {
	h := newGuardHarness(t, alpha).start()

	assert.ErrorIs(t, h.guard.Authenticated(h.ctx, ""), core.ErrInvalidPackage)
	assert.Empty(t, h.state().Active)
}

// blockingPublisher holds every release publish until release is closed
type blockingPublisher struct {
	events.NopPublisher
	started chan string
	release chan struct{}
}

func (p *blockingPublisher) PublishRelease(ctx context.Context, pkg string, reason string) error {
	p.started <- pkg
	<-p.release
	return nil
}

func TestGuardStopWaitsForPublishes(t *testing.T) {
	pub := &blockingPublisher{started: make(chan string, 1), release: make(chan struct{})}
	h := newGuardHarness(t, alpha)
	h.publisher = pub
	h.start()
	h.unlock(alpha)

	require.True(t, h.focus(other))
	select {
	case pkg := <-pub.started:
		assert.Equal(t, alpha, pkg)
	case <-time.After(time.Second):
		t.Fatal("release was not published")
	}

	stopped := make(chan struct{})
	go func() {
		h.stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("guard stopped while a publish was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(pub.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("guard did not stop after the publish finished")
	}
}

func TestGuardStopCancelsChallengeWorkers(t *testing.T) {
	h := newGuardHarness(t, alpha).start()

	require.True(t, h.focus(alpha))
	call := h.expectChallenge(alpha)
	h.stop()

	assert.ErrorIs(t, call.ctx.Err(), context.Canceled)
	assert.ErrorIs(t, h.guard.Authenticated(context.Background(), alpha), context.Canceled)
}
