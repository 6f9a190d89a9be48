// Package sessions contains the process-wide session store: the single
// mutable container for the current session, identity and profile.
package sessions

import (
	"github.com/tradepost-io/identity/pkg/identity"
	"github.com/tradepost-io/identity/pkg/profile"
)

// State is the tuple exposed to the rest of the application.
//
// Invariants, maintained by Store:
//   - Loading is true only during the synchronous bootstrap window and
//     explicit caller-initiated operations, never during background
//     reconciliation.
//   - Profile is non-nil whenever Identity is non-nil.
//   - Identity == nil implies Profile == nil and IsAdmin == false.
//   - ProfileFetchFailed is cleared only by a full sign-out or a subsequent
//     successful reconciliation.
//
// The pointed-to values are treated as immutable; every transition replaces
// them wholesale.
type State struct {
	Session  *identity.Session
	Identity *identity.Identity
	Profile  *profile.Profile

	IsAdmin            bool
	Loading            bool
	ProfileFetchFailed bool
}

// Authenticated returns true when a principal is signed in.
func (s State) Authenticated() bool {
	return s.Identity != nil
}

// Equal compares two states by value, dereferencing the pointer fields.
func (s State) Equal(o State) bool {
	if s.IsAdmin != o.IsAdmin || s.Loading != o.Loading || s.ProfileFetchFailed != o.ProfileFetchFailed {
		return false
	}
	if !ptrEqual(s.Session, o.Session) || !ptrEqual(s.Identity, o.Identity) || !ptrEqual(s.Profile, o.Profile) {
		return false
	}
	return true
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
