package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepost-io/identity/internal/sessions"
	"github.com/tradepost-io/identity/pkg/identity"
	"github.com/tradepost-io/identity/pkg/profile"
	"github.com/tradepost-io/identity/pkg/profile/inmemory"
)

// hookStore wraps a profile store with error injection and call hooks.
type hookStore struct {
	inner profile.Store

	beforeFetch func()
	fetchErr    error
	existsErr   error
	insertErr   error
	// existsAlwaysFalse forces the duplicate-key race in the create path.
	existsAlwaysFalse bool

	fetchCalls  atomic.Int32
	existsCalls atomic.Int32
	insertCalls atomic.Int32
}

func (h *hookStore) FetchOne(ctx context.Context, id string) (*profile.Profile, error) {
	h.fetchCalls.Add(1)
	if h.beforeFetch != nil {
		h.beforeFetch()
	}
	if h.fetchErr != nil {
		return nil, h.fetchErr
	}
	return h.inner.FetchOne(ctx, id)
}

func (h *hookStore) Exists(ctx context.Context, id string) (bool, error) {
	h.existsCalls.Add(1)
	if h.existsErr != nil {
		return false, h.existsErr
	}
	if h.existsAlwaysFalse {
		return false, nil
	}
	return h.inner.Exists(ctx, id)
}

func (h *hookStore) InsertOne(ctx context.Context, p *profile.Profile) error {
	h.insertCalls.Add(1)
	if h.insertErr != nil {
		return h.insertErr
	}
	return h.inner.InsertOne(ctx, p)
}

func newTestManager(provider identity.Provider, store profile.Store) *Manager {
	return New(
		WithProvider(provider),
		WithProfileStore(store),
		WithClassifier(identity.Classifier{Markers: []string{"root", "admin"}}),
		WithNow(func() time.Time { return time.Unix(1700000000, 0).UTC() }),
	)
}

func TestManager_bootstrapProviderUnavailable(t *testing.T) {
	t.Parallel()

	provider := &identity.MockProvider{
		CurrentSessionError: fmt.Errorf("%w: connection refused", identity.ErrProviderUnavailable),
	}
	mgr := newTestManager(provider, inmemory.New())

	mgr.bootstrap(context.Background())

	state := mgr.Store().Snapshot()
	assert.False(t, state.Loading)
	assert.Nil(t, state.Identity)
	assert.Nil(t, state.Profile)
	assert.False(t, mgr.IsAdmin())
}

func TestManager_nullIdentity(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(&identity.MockProvider{}, inmemory.New())

	mgr.handleSession(context.Background(), nil)
	mgr.waitForReconciliations()

	state := mgr.Store().Snapshot()
	assert.Nil(t, state.Identity)
	assert.Nil(t, state.Profile)
	assert.False(t, state.IsAdmin)
	assert.False(t, state.Loading)
}

func TestManager_authoritativeTierWins(t *testing.T) {
	t.Parallel()

	backend := inmemory.New()
	authoritative := profile.New("u1", identity.TierStandard, time.Unix(1600000000, 0).UTC())
	backend.Put(authoritative)

	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, backend)

	session := identity.NewMockSession("u1", "root@x.com")
	provider.Push(session)
	mgr.handleSession(context.Background(), session)

	// optimistic render: heuristic elevates before any I/O
	state := mgr.Store().Snapshot()
	assert.False(t, state.Loading)
	assert.True(t, state.IsAdmin)
	require.NotNil(t, state.Profile)
	assert.Equal(t, identity.TierElevated, state.Profile.Tier)

	mgr.waitForReconciliations()

	state = mgr.Store().Snapshot()
	require.NotNil(t, state.Profile)
	assert.Equal(t, identity.TierStandard, state.Profile.Tier)
	assert.False(t, state.IsAdmin)
	assert.False(t, state.ProfileFetchFailed)
	assert.False(t, mgr.IsAdmin())
}

func TestManager_loadingClearedBeforeReconcilerWrites(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	store := &hookStore{
		inner:       inmemory.New(),
		beforeFetch: func() { <-release },
	}
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, store)

	var mu sync.Mutex
	var seen []sessions.State
	mgr.Store().Subscribe(func(state sessions.State) {
		mu.Lock()
		seen = append(seen, state)
		mu.Unlock()
	})

	session := identity.NewMockSession("u1", "user@example.com")
	provider.Push(session)
	mgr.handleSession(context.Background(), session)

	// the reconciler is still blocked on the store; loading is already false
	assert.False(t, mgr.Store().Snapshot().Loading)

	close(release)
	mgr.waitForReconciliations()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i, state := range seen {
		assert.False(t, state.Loading, "state %d observed with loading true", i)
	}
}

func TestManager_selfHealCreate(t *testing.T) {
	t.Parallel()

	backend := inmemory.New()
	store := &hookStore{inner: backend}
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, store)

	session := identity.NewMockSession("u1", "user@example.com")
	provider.Push(session)
	mgr.handleSession(context.Background(), session)
	mgr.waitForReconciliations()

	assert.Equal(t, int32(1), store.fetchCalls.Load())
	assert.Equal(t, int32(1), store.existsCalls.Load())
	assert.Equal(t, int32(1), store.insertCalls.Load())
	assert.Equal(t, 1, backend.Len())

	persisted, err := backend.FetchOne(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, identity.TierStandard, persisted.Tier)

	state := mgr.Store().Snapshot()
	require.NotNil(t, state.Profile)
	assert.Equal(t, *persisted, *state.Profile)
	assert.False(t, state.ProfileFetchFailed)
}

func TestManager_idempotentCreation(t *testing.T) {
	t.Parallel()

	backend := inmemory.New()
	// force both tasks past the existence guard so one insert must lose
	store := &hookStore{inner: backend, existsAlwaysFalse: true}
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, store)

	session := identity.NewMockSession("u1", "user@example.com")
	provider.Push(session)
	epoch := mgr.Store().SetAuthenticated(session,
		profile.New("u1", identity.TierStandard, time.Now()), false)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.reconcile(context.Background(), epoch, session.Identity, identity.TierStandard)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), store.insertCalls.Load())
	assert.Equal(t, 1, backend.Len(), "exactly one record must be persisted")

	state := mgr.Store().Snapshot()
	require.NotNil(t, state.Profile)
	assert.False(t, state.ProfileFetchFailed, "a lost duplicate-key race is benign")
}

func TestManager_createRaceLostViaExists(t *testing.T) {
	t.Parallel()

	backend := inmemory.New()
	backend.Put(profile.New("u1", identity.TierElevated, time.Now()))

	store := &hookStore{
		inner: backend,
		// the fetch was denied by policy even though the record exists
		fetchErr: profile.ErrDenied,
	}
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, store)

	session := identity.NewMockSession("u1", "user@example.com")
	provider.Push(session)
	mgr.handleSession(context.Background(), session)
	mgr.waitForReconciliations()

	assert.Equal(t, int32(1), store.existsCalls.Load())
	assert.Zero(t, store.insertCalls.Load(), "existing record must stop the create")

	// the provisional profile remains; nothing was persisted over the winner
	state := mgr.Store().Snapshot()
	require.NotNil(t, state.Profile)
	assert.False(t, state.ProfileFetchFailed)
}

func TestManager_otherFailureFallsBackLocally(t *testing.T) {
	t.Parallel()

	store := &hookStore{
		inner:    inmemory.New(),
		fetchErr: errors.New("storage offline"),
	}
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, store)

	session := identity.NewMockSession("u1", "root@x.com")
	provider.Push(session)
	mgr.handleSession(context.Background(), session)
	mgr.waitForReconciliations()

	state := mgr.Store().Snapshot()
	assert.True(t, state.ProfileFetchFailed)
	require.NotNil(t, state.Profile)
	assert.Equal(t, "u1", state.Profile.ID)
	assert.Equal(t, identity.TierElevated, state.Profile.Tier)
	assert.Zero(t, store.insertCalls.Load(), "no create attempt after an unclassified failure")

	// degraded mode answers from the heuristic
	assert.True(t, mgr.IsAdmin())
}

func TestManager_signOutDiscardsInflightReconciliation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	backend := inmemory.New()
	backend.Put(profile.New("u1", identity.TierElevated, time.Now()))
	store := &hookStore{
		inner:       backend,
		beforeFetch: func() { <-release },
	}
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, store)

	session := identity.NewMockSession("u1", "user@example.com")
	provider.Push(session)
	mgr.handleSession(context.Background(), session)

	mgr.SignOut(context.Background())
	close(release)
	mgr.waitForReconciliations()

	state := mgr.Store().Snapshot()
	assert.Nil(t, state.Identity, "stale reconciliation must not resurrect the session")
	assert.Nil(t, state.Profile)
	assert.False(t, state.IsAdmin)
	assert.False(t, state.Loading)
	assert.False(t, mgr.IsAdmin())
}

func TestManager_signOutSwallowsProviderError(t *testing.T) {
	t.Parallel()

	provider := &identity.MockProvider{
		InvalidateError: errors.New("revocation endpoint down"),
	}
	mgr := newTestManager(provider, inmemory.New())

	session := identity.NewMockSession("u1", "user@example.com")
	provider.Push(session)
	mgr.handleSession(context.Background(), session)
	mgr.waitForReconciliations()

	mgr.SignOut(context.Background())

	state := mgr.Store().Snapshot()
	assert.Nil(t, state.Identity)
	assert.False(t, state.Loading)
}

func TestManager_revalidationMismatchDiscards(t *testing.T) {
	t.Parallel()

	store := &hookStore{inner: inmemory.New()}
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, store)

	sessionA := identity.NewMockSession("a", "a@example.com")
	provider.Push(sessionA)
	epoch := mgr.Store().SetAuthenticated(sessionA,
		profile.New("a", identity.TierStandard, time.Now()), false)

	// the provider has since switched to another principal
	provider.Push(identity.NewMockSession("b", "b@example.com"))

	mgr.reconcile(context.Background(), epoch, sessionA.Identity, identity.TierStandard)

	assert.Zero(t, store.fetchCalls.Load(), "mismatched principal must stop before any store access")
}

func TestManager_refreshProfile(t *testing.T) {
	t.Parallel()

	backend := inmemory.New()
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, backend)

	session := identity.NewMockSession("u1", "user@example.com")
	provider.Push(session)
	mgr.handleSession(context.Background(), session)
	mgr.waitForReconciliations()
	assert.False(t, mgr.IsAdmin())

	// an operator promotes the principal out of band
	backend.Put(profile.New("u1", identity.TierElevated, time.Now()))

	var mu sync.Mutex
	var sawLoading bool
	mgr.Store().Subscribe(func(state sessions.State) {
		mu.Lock()
		if state.Loading {
			sawLoading = true
		}
		mu.Unlock()
	})

	mgr.RefreshProfile(context.Background())

	state := mgr.Store().Snapshot()
	assert.False(t, state.Loading)
	require.NotNil(t, state.Profile)
	assert.Equal(t, identity.TierElevated, state.Profile.Tier)
	assert.True(t, mgr.IsAdmin())

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawLoading, "an explicit refresh signals loading for its duration")
}

func TestManager_refreshProfileSignedOut(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(&identity.MockProvider{}, inmemory.New())
	mgr.Store().SetUnauthenticated()

	mgr.RefreshProfile(context.Background())

	state := mgr.Store().Snapshot()
	assert.Nil(t, state.Identity)
	assert.False(t, state.Loading)
}

func TestManager_signOutDuringRefreshDiscards(t *testing.T) {
	t.Parallel()

	backend := inmemory.New()
	backend.Put(profile.New("u1", identity.TierElevated, time.Now()))
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, backend)

	session := identity.NewMockSession("u1", "root@x.com")
	provider.Push(session)
	mgr.handleSession(context.Background(), session)
	mgr.waitForReconciliations()
	require.True(t, mgr.IsAdmin())

	// a sign-out lands inside the refresh's loading window, before the
	// refresh writes its provisional profile
	var once sync.Once
	mgr.Store().Subscribe(func(state sessions.State) {
		if state.Loading {
			once.Do(func() { mgr.SignOut(context.Background()) })
		}
	})

	mgr.RefreshProfile(context.Background())

	state := mgr.Store().Snapshot()
	assert.Nil(t, state.Identity, "refresh must not write into a signed-out store")
	assert.Nil(t, state.Profile)
	assert.False(t, state.IsAdmin)
	assert.False(t, state.Loading)
	assert.False(t, mgr.IsAdmin())
}

func TestManager_runProcessesPushedEvents(t *testing.T) {
	t.Parallel()

	backend := inmemory.New()
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	// wait for the bootstrap to settle in the unauthenticated state
	require.Eventually(t, func() bool {
		state := mgr.Store().Snapshot()
		return !state.Loading && state.Identity == nil
	}, time.Second, time.Millisecond)

	provider.Push(identity.NewMockSession("u1", "admin@example.com"))
	require.Eventually(t, func() bool {
		state := mgr.Store().Snapshot()
		return state.Authenticated() && state.IsAdmin
	}, time.Second, time.Millisecond)

	provider.Push(nil)
	require.Eventually(t, func() bool {
		return !mgr.Store().Snapshot().Authenticated()
	}, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_isAdminHeuristicConsistency(t *testing.T) {
	t.Parallel()

	store := &hookStore{
		inner:    inmemory.New(),
		fetchErr: errors.New("storage offline"),
	}
	provider := &identity.MockProvider{}
	mgr := newTestManager(provider, store)

	classifier := identity.Classifier{Markers: []string{"root", "admin"}}
	for _, email := range []string{"root@x.com", "user@example.com", "admin@corp.example"} {
		session := identity.NewMockSession("u-"+email, email)
		provider.Push(session)
		mgr.handleSession(context.Background(), session)
		mgr.waitForReconciliations()

		require.True(t, mgr.Store().Snapshot().ProfileFetchFailed)
		assert.Equal(t, classifier.Classify(email).Elevated(), mgr.IsAdmin(), "email=%q", email)
	}
}
