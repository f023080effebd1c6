package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMonitorTokens = `
CREATE TABLE IF NOT EXISTS monitor_tokens (
    token       TEXT         PRIMARY KEY,
    identity    TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    team        TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    revoked_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_monitor_tokens_identity
    ON monitor_tokens (identity);
`

const ddlCallTeams = `
CREATE TABLE IF NOT EXISTS call_teams (
    call        TEXT         PRIMARY KEY,
    team        TEXT         NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures the admission tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlMonitorTokens, ddlCallTeams} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("admission migrate: %w", err)
		}
	}
	return nil
}

// Store is the PostgreSQL-backed credential and call-ownership store. It
// implements both [Resolver] and [TeamDirectory] over a single connection
// pool and is the production alternative to [Static].
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ Resolver      = (*Store)(nil)
	_ TeamDirectory = (*Store)(nil)
)

// NewStore connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("admission store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("admission store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("admission store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Resolve implements [Resolver]. Revoked tokens resolve to nothing.
func (s *Store) Resolve(ctx context.Context, token string) (Principal, error) {
	const q = `
		SELECT identity, role, team
		FROM   monitor_tokens
		WHERE  token = $1
		  AND  revoked_at IS NULL`

	var (
		p    Principal
		role string
	)
	err := s.pool.QueryRow(ctx, q, token).Scan(&p.Identity, &role, &p.Team)
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, ErrUnknownCredential
	}
	if err != nil {
		return Principal{}, fmt.Errorf("admission store: resolve: %w", err)
	}
	p.Role = Role(role)
	return p, nil
}

// TeamFor implements [TeamDirectory]. Calls without an ownership row return
// an empty team and no error.
func (s *Store) TeamFor(ctx context.Context, call string) (string, error) {
	const q = `SELECT team FROM call_teams WHERE call = $1`

	var team string
	err := s.pool.QueryRow(ctx, q, call).Scan(&team)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("admission store: team lookup: %w", err)
	}
	return team, nil
}

// PutToken inserts or updates a credential. Re-putting a revoked token
// reactivates it.
func (s *Store) PutToken(ctx context.Context, token string, p Principal) error {
	const q = `
		INSERT INTO monitor_tokens (token, identity, role, team)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE
		SET identity = EXCLUDED.identity,
		    role     = EXCLUDED.role,
		    team     = EXCLUDED.team,
		    revoked_at = NULL`

	if _, err := s.pool.Exec(ctx, q, token, p.Identity, string(p.Role), p.Team); err != nil {
		return fmt.Errorf("admission store: put token: %w", err)
	}
	return nil
}

// RevokeToken marks a credential as revoked. Revoking an unknown token is a
// no-op.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	const q = `UPDATE monitor_tokens SET revoked_at = now() WHERE token = $1`

	if _, err := s.pool.Exec(ctx, q, token); err != nil {
		return fmt.Errorf("admission store: revoke token: %w", err)
	}
	return nil
}

// AssignTeam records which team owns a call.
func (s *Store) AssignTeam(ctx context.Context, call, team string) error {
	const q = `
		INSERT INTO call_teams (call, team)
		VALUES ($1, $2)
		ON CONFLICT (call) DO UPDATE
		SET team = EXCLUDED.team, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, call, team); err != nil {
		return fmt.Errorf("admission store: assign team: %w", err)
	}
	return nil
}

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
