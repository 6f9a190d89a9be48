package identity

import (
	"context"
	"errors"

	"github.com/tradepost-io/identity/internal/events"
)

// ErrProviderUnavailable is returned when the identity provider cannot be
// reached. It is the only failure that is fatal to session bootstrap.
var ErrProviderUnavailable = errors.New("identity: provider unavailable")

// A Provider issues and validates sessions. Session change events are pushed
// with the same taxonomy as explicit sign-in, sign-out and token refresh: a
// nil session means the principal is no longer authenticated.
type Provider interface {
	// CurrentSession returns the current session, or nil when
	// unauthenticated. Failure to reach the provider is reported as an error
	// wrapping ErrProviderUnavailable.
	CurrentSession(ctx context.Context) (*Session, error)
	// CurrentIdentity re-validates and returns the current principal, or nil
	// when the session has died.
	CurrentIdentity(ctx context.Context) (*Identity, error)
	// Invalidate invalidates the current session with the provider.
	Invalidate(ctx context.Context) error

	// OnSessionChange registers a listener for provider-pushed session
	// changes.
	OnSessionChange(events.Listener[*Session]) events.Handle
	// RemoveSessionListener unregisters a listener.
	RemoveSessionListener(events.Handle)
}
