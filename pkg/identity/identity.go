// Package identity contains the core types for authenticated principals and
// the interface implemented by identity providers.
package identity

import (
	"time"

	"github.com/go-jose/go-jose/v3/jwt"
)

// A Tier is a coarse authorization level for a principal.
type Tier string

// privilege tiers
const (
	TierStandard Tier = "standard"
	TierElevated Tier = "elevated"
)

// Elevated returns true for the elevated tier.
func (t Tier) Elevated() bool {
	return t == TierElevated
}

// An Identity is an authenticated principal. A nil *Identity means
// unauthenticated.
type Identity struct {
	// ID is the provider-issued subject for the principal.
	ID string `json:"id"`
	// Email is the principal's contact address. May be empty.
	Email string `json:"email"`
}

// A Session is an opaque, provider-issued proof of authentication. Sessions
// are replaced wholesale on every provider event and their lifetime is managed
// by the provider, not by this subsystem.
type Session struct {
	// ID is the provider-issued session identifier ("jti" for OIDC).
	ID string `json:"id"`
	// Identity is the principal the session was issued to.
	Identity Identity `json:"identity"`

	IssuedAt  *jwt.NumericDate `json:"iat,omitempty"`
	ExpiresAt *jwt.NumericDate `json:"exp,omitempty"`
}

// Expired returns true if the session has an expiry in the past.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt == nil {
		return false
	}
	return s.ExpiresAt.Time().Before(now)
}
