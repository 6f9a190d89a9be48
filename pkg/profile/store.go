package profile

import (
	"context"
	"errors"
)

// Errors returned by profile stores. Anything else is treated as an
// unclassified store failure by callers.
var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("profile: record not found")
	// ErrDenied is returned when the store's access policy rejects the
	// operation.
	ErrDenied = errors.New("profile: access denied")
	// ErrDuplicateKey is returned when an insert collides with an existing
	// record.
	ErrDuplicateKey = errors.New("profile: duplicate key")
)

// A Store is the repository adapter over the profile store.
type Store interface {
	// FetchOne retrieves the record for the given id. Returns ErrNotFound or
	// ErrDenied when no readable record exists.
	FetchOne(ctx context.Context, id string) (*Profile, error)
	// Exists reports whether a record exists for the given id.
	Exists(ctx context.Context, id string) (bool, error)
	// InsertOne inserts a new record. Returns ErrDuplicateKey when the record
	// already exists and ErrDenied when the store's policy forbids the write.
	InsertOne(ctx context.Context, p *Profile) error
}

// IsNotFoundOrDenied reports whether err means no readable authoritative
// record exists. A record that is absent and a read rejected by access policy
// require the same remedy, so callers treat them identically.
func IsNotFoundOrDenied(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDenied)
}
