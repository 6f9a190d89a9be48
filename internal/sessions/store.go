package sessions

import (
	"sync"

	"github.com/tradepost-io/identity/internal/events"
	"github.com/tradepost-io/identity/pkg/identity"
	"github.com/tradepost-io/identity/pkg/profile"
)

// Store holds the current State and notifies subscribers of committed
// transitions. It is the only mutable shared resource of the subsystem.
//
// Every session replacement bumps an epoch. Background tasks capture the
// epoch at scheduling time and mutate the store through Apply, which discards
// writes whose epoch no longer matches. The epoch guard is the sole
// cancellation mechanism for in-flight reconciliations: a task scheduled for
// a session that has since been replaced can no longer touch the store.
type Store struct {
	mu       sync.Mutex
	state    State
	epoch    uint64
	onChange events.Target[State]

	// pending holds committed states awaiting notification; draining marks
	// that a goroutine is already delivering them. Together they keep
	// notification order equal to commit order even when commits race or a
	// subscriber mutates the store re-entrantly.
	pending  []State
	draining bool
}

// New creates a new Store. The store starts empty with Loading set, covering
// the window until the initial session fetch completes.
func New() *Store {
	return &Store{
		state: State{Loading: true},
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the current epoch.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// SnapshotWithEpoch returns a copy of the current state together with the
// epoch it was read under, in a single lock acquisition. Callers that validate
// a snapshot and later write through Apply must use this so a session
// replacement between read and write invalidates the epoch along with the
// snapshot it guards.
func (s *Store) SnapshotWithEpoch() (State, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.epoch
}

// Subscribe registers a listener invoked with the new state after every
// committed transition, in commit order.
func (s *Store) Subscribe(listener events.Listener[State]) events.Handle {
	return s.onChange.AddListener(listener)
}

// Unsubscribe removes a listener.
func (s *Store) Unsubscribe(handle events.Handle) {
	s.onChange.RemoveListener(handle)
}

// SetAuthenticated replaces the whole state for a new session in a single
// transition: session, identity, the provisional profile and the derived
// admin flag, with Loading cleared. It returns the new epoch for use by the
// background reconciliation scheduled for this session.
func (s *Store) SetAuthenticated(session *identity.Session, provisional *profile.Profile, isAdmin bool) uint64 {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.state = State{
		Session:  session,
		Identity: &session.Identity,
		Profile:  provisional,
		IsAdmin:  isAdmin,
	}
	s.pending = append(s.pending, s.state)
	s.mu.Unlock()

	s.drain()
	return epoch
}

// SetUnauthenticated resets the store to the signed-out terminal state and
// returns the new epoch. In-flight reconciliations for earlier epochs are
// discarded from this point on.
func (s *Store) SetUnauthenticated() uint64 {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.state = State{}
	s.pending = append(s.pending, s.state)
	s.mu.Unlock()

	s.drain()
	return epoch
}

// SetLoading flips the Loading flag without bumping the epoch. Used only by
// explicit caller-initiated operations.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	if s.state.Loading == loading {
		s.mu.Unlock()
		return
	}
	s.state.Loading = loading
	s.pending = append(s.pending, s.state)
	s.mu.Unlock()

	s.drain()
}

// Apply runs fn against the current state if epoch still matches, committing
// and broadcasting the result. It returns false, mutating nothing, when the
// epoch is stale. Transitions that leave the state unchanged are committed
// but not broadcast, so subscribers do not observe redundant notifications.
func (s *Store) Apply(epoch uint64, fn func(*State)) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	next := prev
	fn(&next)
	s.state = next
	if !prev.Equal(next) {
		s.pending = append(s.pending, next)
	}
	s.mu.Unlock()

	s.drain()
	return true
}

// drain delivers pending notifications in the order their transitions were
// committed. Only one goroutine drains at a time; a commit made while a drain
// is in progress, including one made by a subscriber from inside its own
// notification, enqueues and is delivered by the active drain after the
// current listener returns.
func (s *Store) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		state := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.onChange.Dispatch(state)
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}
