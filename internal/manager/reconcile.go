package manager

import (
	"context"
	"errors"

	"github.com/tradepost-io/identity/internal/log"
	"github.com/tradepost-io/identity/internal/sessions"
	"github.com/tradepost-io/identity/pkg/identity"
	"github.com/tradepost-io/identity/pkg/profile"
)

// reconcile fetches or lazily creates the authoritative profile for the given
// principal and folds it into the store. Every store mutation is guarded by
// the epoch captured when the task was scheduled, so a session change that
// raced with this task makes its writes no-ops.
//
// Reconciliation is not retried on a timer. A stale result is superseded by
// the next explicit RefreshProfile call or the next provider session event.
func (mgr *Manager) reconcile(ctx context.Context, epoch uint64, id identity.Identity, provisional identity.Tier) {
	cfg := mgr.cfg.Load()

	// re-validate the principal: the session may have died between the
	// synchronous store write and this task running
	current, err := cfg.provider.CurrentIdentity(ctx)
	if err != nil {
		log.Warn(ctx).Err(err).
			Str("user_id", id.ID).
			Msg("manager: failed to re-validate principal, continuing with fetch")
	} else if current == nil || current.ID != id.ID {
		log.Debug(ctx).
			Str("user_id", id.ID).
			Msg("manager: session changed before reconciliation, discarding")
		return
	}

	authoritative, err := cfg.profileStore.FetchOne(ctx, id.ID)
	switch {
	case err == nil:
		mgr.store.Apply(epoch, func(state *sessions.State) {
			state.Profile = authoritative
			state.IsAdmin = authoritative.Tier.Elevated()
			state.ProfileFetchFailed = false
		})
		log.Debug(ctx).
			Str("user_id", id.ID).
			Str("tier", string(authoritative.Tier)).
			Msg("manager: profile reconciled")

	case profile.IsNotFoundOrDenied(err):
		// no readable authoritative record exists; self-heal by creating a
		// default one
		mgr.createProfile(ctx, epoch, id, provisional)

	default:
		log.Error(ctx).Err(err).
			Str("user_id", id.ID).
			Msg("manager: profile fetch failed, falling back to heuristic profile")
		fallback := profile.New(id.ID, provisional, cfg.now())
		mgr.store.Apply(epoch, func(state *sessions.State) {
			state.Profile = fallback
			state.IsAdmin = provisional.Elevated()
			state.ProfileFetchFailed = true
		})
	}
}

// createProfile persists a default record for a principal that has none. The
// Exists check is an idempotence guard against duplicate-key races from
// concurrent reconciliations, e.g. two tabs signing in at once.
func (mgr *Manager) createProfile(ctx context.Context, epoch uint64, id identity.Identity, provisional identity.Tier) {
	cfg := mgr.cfg.Load()

	exists, err := cfg.profileStore.Exists(ctx, id.ID)
	if err != nil {
		log.Warn(ctx).Err(err).
			Str("user_id", id.ID).
			Msg("manager: profile existence check failed, keeping provisional profile")
		return
	}
	if exists {
		// another reconciliation, or the provider's own default
		// provisioning, won the race
		return
	}

	record := profile.New(id.ID, provisional, cfg.now())
	err = cfg.profileStore.InsertOne(ctx, record)
	switch {
	case err == nil:
		mgr.store.Apply(epoch, func(state *sessions.State) {
			state.Profile = record
			state.IsAdmin = provisional.Elevated()
			state.ProfileFetchFailed = false
		})
		log.Info(ctx).
			Str("user_id", id.ID).
			Str("tier", string(provisional)).
			Msg("manager: created default profile")

	case errors.Is(err, profile.ErrDuplicateKey), errors.Is(err, profile.ErrDenied):
		// benign: someone else succeeded, or policy forbids client-side
		// writes; the in-memory profile stays provisional until a later
		// successful read proves otherwise
		log.Debug(ctx).Err(err).
			Str("user_id", id.ID).
			Msg("manager: profile create superseded")

	default:
		log.Error(ctx).Err(err).
			Str("user_id", id.ID).
			Msg("manager: profile create failed, keeping provisional profile")
	}
}
