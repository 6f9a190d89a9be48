package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradepost-io/identity/internal/log"
	"github.com/tradepost-io/identity/pkg/profile"
)

const maxConnectWait = time.Minute

// Backend is a profile store implemented with postgres.
type Backend struct {
	dsn string

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// New creates a new Backend. The database connection is established lazily on
// first use.
func New(dsn string) *Backend {
	return &Backend{dsn: dsn}
}

// Close closes the underlying connection pool.
func (backend *Backend) Close() error {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.pool != nil {
		backend.pool.Close()
		backend.pool = nil
	}
	return nil
}

// FetchOne retrieves a record from the database.
func (backend *Backend) FetchOne(ctx context.Context, id string) (*profile.Profile, error) {
	pool, err := backend.init(ctx)
	if err != nil {
		return nil, translateError("fetch", err)
	}

	p, err := getProfile(ctx, pool, id)
	if err != nil {
		return nil, translateError("fetch", err)
	}
	return p, nil
}

// Exists reports whether a record exists in the database.
func (backend *Backend) Exists(ctx context.Context, id string) (bool, error) {
	pool, err := backend.init(ctx)
	if err != nil {
		return false, translateError("exists", err)
	}

	exists, err := profileExists(ctx, pool, id)
	if err != nil {
		return false, translateError("exists", err)
	}
	return exists, nil
}

// InsertOne inserts a record into the database.
func (backend *Backend) InsertOne(ctx context.Context, p *profile.Profile) error {
	pool, err := backend.init(ctx)
	if err != nil {
		return translateError("insert", err)
	}

	return translateError("insert", insertProfile(ctx, pool, p))
}

func (backend *Backend) init(ctx context.Context) (*pgxpool.Pool, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.pool != nil {
		return backend.pool, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxConnectWait

	pool, err := backoff.RetryWithData(func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.New(ctx, backend.dsn)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}

	// migration may be forbidden for restricted roles; reads and writes are
	// still attempted so policy denials surface per-operation
	if err := migrate(ctx, pool); err != nil {
		log.Warn(ctx).Err(err).Msg("postgres: skipping profile schema migration")
	}

	backend.pool = pool
	return backend.pool, nil
}
