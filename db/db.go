// Package db provides the optional Postgres store: connection helper, schema
// migration, the OAuth token table used by the upload service and the session
// history written by room supervisors.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/ddrecorder/ddrecorder/crypto"
	"github.com/ddrecorder/ddrecorder/session"
)

// Connect opens a Postgres connection pool for dsn and checks it is reachable.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: empty DSN")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	dbx.SetMaxOpenConns(4)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return dbx, nil
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			raw TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id SERIAL PRIMARY KEY,
			room_id TEXT NOT NULL,
			slug TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			state TEXT NOT NULL,
			fragments INTEGER DEFAULT 0,
			parts INTEGER DEFAULT 0,
			artifact_id TEXT,
			error TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_room_started ON sessions(room_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_slug ON sessions(slug)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// TokenStore implements youtubeapi.TokenStore on the oauth_tokens table.
// With a Sealer, token columns are encrypted and encryption_version is 1.
type TokenStore struct {
	DB     *sql.DB
	Sealer *crypto.Sealer
}

func (t *TokenStore) UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, raw string) error {
	version := 0
	if t.Sealer.Enabled() {
		version = 1
	}
	vals := []string{accessToken, refreshToken, raw}
	for i, v := range vals {
		sealed, err := t.Sealer.Seal(v)
		if err != nil {
			return fmt.Errorf("seal token: %w", err)
		}
		vals[i] = sealed
	}
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, raw, encryption_version, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    raw=EXCLUDED.raw,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	_, err := t.DB.ExecContext(ctx, q, provider, vals[0], vals[1], expiry, vals[2], version)
	return err
}

// GetOAuthToken returns zero values when no row exists for provider.
func (t *TokenStore) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	var (
		access, refresh, raw sql.NullString
		expiry               sql.NullTime
		version              int
	)
	row := t.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, raw, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err := row.Scan(&access, &refresh, &expiry, &raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	out := []string{access.String, refresh.String, raw.String}
	if version == 1 {
		if !t.Sealer.Enabled() {
			return "", "", time.Time{}, "", errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		for i, v := range out {
			if out[i], err = t.Sealer.Open(v); err != nil {
				return "", "", time.Time{}, "", fmt.Errorf("open token: %w", err)
			}
		}
	}
	return out[0], out[1], expiry.Time, out[2], nil
}

// SessionStore records session outcomes.
type SessionStore struct{ DB *sql.DB }

// RecordSession inserts one outcome row.
func (s *SessionStore) RecordSession(ctx context.Context, o session.Outcome) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sessions(room_id, slug, started_at, ended_at, state, fragments, parts, artifact_id, error)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.Room, o.Slug, o.Start, o.End, o.State, o.Fragments, o.Parts, nullable(o.ArtifactID), nullable(o.Error))
	return err
}

// RecentSessions returns up to limit outcomes for room, newest first. An
// empty room returns all rooms.
func (s *SessionStore) RecentSessions(ctx context.Context, room string, limit int) ([]session.Outcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT room_id, slug, started_at, ended_at, state, fragments, parts, COALESCE(artifact_id,''), COALESCE(error,'')
		 FROM sessions WHERE ($1 = '' OR room_id = $1)
		 ORDER BY started_at DESC, id DESC LIMIT $2`, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Outcome
	for rows.Next() {
		var o session.Outcome
		if err := rows.Scan(&o.Room, &o.Slug, &o.Start, &o.End, &o.State, &o.Fragments, &o.Parts, &o.ArtifactID, &o.Error); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
