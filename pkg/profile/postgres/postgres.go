// Package postgres contains an implementation of the profile store backed by
// postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tradepost-io/identity/pkg/profile"
)

var (
	schemaName        = "tradepost"
	profilesTableName = "profiles"
)

// SQLSTATE classes translated into the store error taxonomy.
const (
	pgCodeUniqueViolation       = "23505"
	pgCodeInsufficientPrivilege = "42501"
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func migrate(ctx context.Context, q querier) error {
	_, err := q.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS `+schemaName+`
	`)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+schemaName+`.`+profilesTableName+` (
			id TEXT PRIMARY KEY,
			display_name TEXT,
			avatar_ref TEXT,
			tier TEXT NOT NULL DEFAULT 'standard',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func getProfile(ctx context.Context, q querier, id string) (*profile.Profile, error) {
	var p profile.Profile
	err := q.QueryRow(ctx, `
		SELECT id, display_name, avatar_ref, tier, created_at, updated_at
		FROM `+schemaName+`.`+profilesTableName+`
		WHERE id=$1
	`, id).Scan(&p.ID, &p.DisplayName, &p.AvatarRef, &p.Tier, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func profileExists(ctx context.Context, q querier, id string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM `+schemaName+`.`+profilesTableName+`
			WHERE id=$1
		)
	`, id).Scan(&exists)
	return exists, err
}

func insertProfile(ctx context.Context, q querier, p *profile.Profile) error {
	_, err := q.Exec(ctx, `
		INSERT INTO `+schemaName+`.`+profilesTableName+`
			(id, display_name, avatar_ref, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.DisplayName, p.AvatarRef, p.Tier, p.CreatedAt, p.UpdatedAt)
	return err
}

// translateError maps database errors onto the store error taxonomy. Row-level
// security policies surface denied reads as zero rows, so ErrNotFound covers
// both an absent record and a read the policy filtered out.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, profile.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeUniqueViolation:
			return fmt.Errorf("postgres: %s: %w", op, profile.ErrDuplicateKey)
		case pgCodeInsufficientPrivilege:
			return fmt.Errorf("postgres: %s: %w", op, profile.ErrDenied)
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}
