package identity

import (
	"context"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"

	"github.com/tradepost-io/identity/internal/events"
)

// MockProvider provides a mocked implementation of the Provider interface.
type MockProvider struct {
	// CurrentSessionError is returned by CurrentSession when set.
	CurrentSessionError error
	// CurrentIdentityError is returned by CurrentIdentity when set.
	CurrentIdentityError error
	// InvalidateError is returned by Invalidate when set.
	InvalidateError error

	mu       sync.Mutex
	session  *Session
	onChange events.Target[*Session]
}

// NewMockSession builds a session for the given principal with a random ID.
func NewMockSession(userID, email string) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Identity: Identity{ID: userID, Email: email},
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
}

// CurrentSession is a mocked Provider function.
func (mp *MockProvider) CurrentSession(_ context.Context) (*Session, error) {
	if mp.CurrentSessionError != nil {
		return nil, mp.CurrentSessionError
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.session, nil
}

// CurrentIdentity is a mocked Provider function.
func (mp *MockProvider) CurrentIdentity(_ context.Context) (*Identity, error) {
	if mp.CurrentIdentityError != nil {
		return nil, mp.CurrentIdentityError
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.session == nil {
		return nil, nil
	}
	id := mp.session.Identity
	return &id, nil
}

// Invalidate clears the current session without dispatching a change event,
// matching providers whose invalidation endpoint does not push.
func (mp *MockProvider) Invalidate(_ context.Context) error {
	if mp.InvalidateError != nil {
		return mp.InvalidateError
	}
	mp.mu.Lock()
	mp.session = nil
	mp.mu.Unlock()
	return nil
}

// OnSessionChange registers a listener for pushed session changes.
func (mp *MockProvider) OnSessionChange(listener events.Listener[*Session]) events.Handle {
	return mp.onChange.AddListener(listener)
}

// RemoveSessionListener unregisters a listener.
func (mp *MockProvider) RemoveSessionListener(handle events.Handle) {
	mp.onChange.RemoveListener(handle)
}

// Push replaces the current session and dispatches a session change event. A
// nil session simulates a provider-side sign-out or expiry.
func (mp *MockProvider) Push(s *Session) {
	mp.mu.Lock()
	mp.session = s
	mp.mu.Unlock()
	mp.onChange.Dispatch(s)
}
