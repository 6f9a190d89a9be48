// Package manager contains the session manager responsible for bootstrapping
// sessions and reconciling provisional profiles against the profile store.
package manager

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradepost-io/identity/internal/atomicutil"
	"github.com/tradepost-io/identity/internal/log"
	"github.com/tradepost-io/identity/internal/sessions"
	"github.com/tradepost-io/identity/pkg/identity"
	"github.com/tradepost-io/identity/pkg/profile"
)

// A Manager drives the session store. It obtains the initial session from the
// identity provider, applies provider-pushed session changes in arrival
// order, and schedules a background reconciliation for every authenticated
// session. It also exposes the explicit SignOut and RefreshProfile operations
// and the derived IsAdmin query.
type Manager struct {
	cfg   *atomicutil.Value[*config]
	store *sessions.Store

	sessionCh chan *identity.Session

	// tracks in-flight reconciliations so tests can wait for quiescence
	inflight sync.WaitGroup
}

// New creates a new session manager.
func New(options ...Option) *Manager {
	return &Manager{
		cfg:       atomicutil.NewValue(newConfig(options...)),
		store:     sessions.New(),
		sessionCh: make(chan *identity.Session, 16),
	}
}

// UpdateConfig updates the manager with the new options.
func (mgr *Manager) UpdateConfig(options ...Option) {
	mgr.cfg.Store(newConfig(options...))
}

// Store returns the session store for reads and subscriptions.
func (mgr *Manager) Store() *sessions.Store {
	return mgr.store
}

func withLog(ctx context.Context) context.Context {
	return log.WithContext(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("service", "session_manager")
	})
}

// Run bootstraps the initial session and then processes provider session
// events until an error occurs or the given context is canceled. Events are
// handled strictly in arrival order on a single goroutine; only profile
// reconciliation happens in the background.
func (mgr *Manager) Run(ctx context.Context) error {
	ctx = withLog(ctx)

	provider := mgr.cfg.Load().provider
	handle := provider.OnSessionChange(func(s *identity.Session) {
		select {
		case <-ctx.Done():
		case mgr.sessionCh <- s:
		}
	})
	defer provider.RemoveSessionListener(handle)

	mgr.bootstrap(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-mgr.sessionCh:
			mgr.handleSession(ctx, s)
		}
	}
}

// bootstrap fetches the current session once at startup. A provider that
// cannot be reached is the only fatal path: the store is reset to the
// unauthenticated terminal state and the manager keeps serving later events.
func (mgr *Manager) bootstrap(ctx context.Context) {
	s, err := mgr.cfg.Load().provider.CurrentSession(ctx)
	if err != nil {
		log.Error(ctx).Err(err).Msg("manager: failed to fetch initial session")
		mgr.store.SetUnauthenticated()
		return
	}
	mgr.handleSession(ctx, s)
}

// handleSession applies a session event. The session, identity, provisional
// profile and derived admin flag are written synchronously in one transition
// with Loading cleared; reconciliation is scheduled afterwards and never
// awaited, so Loading is already false before any reconciler write can be
// observed.
func (mgr *Manager) handleSession(ctx context.Context, s *identity.Session) {
	if s == nil || s.Identity.ID == "" {
		mgr.store.SetUnauthenticated()
		return
	}

	cfg := mgr.cfg.Load()
	tier := cfg.classifier.Classify(s.Identity.Email)
	provisional := profile.New(s.Identity.ID, tier, cfg.now())
	epoch := mgr.store.SetAuthenticated(s, provisional, tier.Elevated())

	log.Debug(ctx).
		Str("user_id", s.Identity.ID).
		Str("provisional_tier", string(tier)).
		Msg("manager: session established")

	id := s.Identity
	mgr.inflight.Add(1)
	go func() {
		defer mgr.inflight.Done()
		mgr.reconcile(ctx, epoch, id, tier)
	}()
}

// SignOut invalidates the session with the provider and resets the store to
// the unauthenticated terminal state. Sign-out is unconditionally terminal:
// provider errors are logged, never surfaced, because leaving stale
// authenticated state visible is worse than a best-effort sign-out.
func (mgr *Manager) SignOut(ctx context.Context) {
	ctx = withLog(ctx)

	mgr.store.SetLoading(true)
	if err := mgr.cfg.Load().provider.Invalidate(ctx); err != nil {
		log.Error(ctx).Err(err).Msg("manager: failed to invalidate session")
	}
	mgr.store.SetUnauthenticated()
}

// RefreshProfile re-runs the heuristic-then-reconcile sequence for the
// current identity. Unlike the passive background path, an explicit refresh
// holds Loading for its duration because it was caller initiated.
func (mgr *Manager) RefreshProfile(ctx context.Context) {
	ctx = withLog(ctx)

	// The epoch must be read in the same lock acquisition as the snapshot it
	// validates: a sign-out arriving after the identity check but before a
	// separately read epoch would leave the guard satisfied while the
	// identity it vouched for is gone.
	state, epoch := mgr.store.SnapshotWithEpoch()
	if state.Identity == nil {
		return
	}
	id := *state.Identity

	cfg := mgr.cfg.Load()
	tier := cfg.classifier.Classify(id.Email)

	mgr.store.SetLoading(true)
	defer mgr.store.SetLoading(false)

	mgr.store.Apply(epoch, func(st *sessions.State) {
		st.Profile = profile.New(id.ID, tier, cfg.now())
		st.IsAdmin = tier.Elevated()
	})
	mgr.reconcile(ctx, epoch, id, tier)
}

// IsAdmin derives the authorization flag from the current state: the profile
// tier when a trustworthy profile is present, the heuristic classifier
// otherwise. Degraded mode and "not yet reconciled" mode behave identically.
func (mgr *Manager) IsAdmin() bool {
	state := mgr.store.Snapshot()
	switch {
	case state.Identity == nil:
		return false
	case state.ProfileFetchFailed || state.Profile == nil:
		return mgr.cfg.Load().classifier.Classify(state.Identity.Email).Elevated()
	default:
		return state.Profile.Tier.Elevated()
	}
}

// waitForReconciliations blocks until all in-flight reconciliations complete.
// Test hook.
func (mgr *Manager) waitForReconciliations() {
	mgr.inflight.Wait()
}
