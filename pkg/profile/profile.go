// Package profile contains the extended principal record and the repository
// adapter interface wrapping the profile store.
package profile

import (
	"time"

	"github.com/volatiletech/null/v9"

	"github.com/tradepost-io/identity/pkg/identity"
)

// A Profile holds the extended, mutable attributes of a principal. Profile.ID
// always equals the ID of the identity it describes.
//
// A profile is either authoritative (read from or durably written to the
// store) or provisional (synthesized locally, never persisted). Both share
// this shape; provenance is tracked by the reconciler, not stored.
type Profile struct {
	ID          string        `json:"id" db:"id"`
	DisplayName null.String   `json:"display_name,omitempty" db:"display_name"`
	AvatarRef   null.String   `json:"avatar_ref,omitempty" db:"avatar_ref"`
	Tier        identity.Tier `json:"tier" db:"tier"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// New returns a default record for the given principal and tier.
func New(id string, tier identity.Tier, now time.Time) *Profile {
	return &Profile{
		ID:        id,
		Tier:      tier,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	dup := *p
	return &dup
}
