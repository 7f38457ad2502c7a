// Package postgres provides a durable storage backend on PostgreSQL via
// pgx. The single-winner state transitions are conditional UPDATE ...
// RETURNING statements, so they hold across any number of server
// instances sharing the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authagent/mcp-auth/storage"
)

const cleanupInterval = 10 * time.Minute

// Store implements the storage interfaces on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	stop   chan struct{}
}

var (
	_ storage.ClientStore   = (*Store)(nil)
	_ storage.ResourceStore = (*Store)(nil)
	_ storage.FlowStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.ConsentStore  = (*Store)(nil)
)

// New connects to PostgreSQL, creates the schema if missing, and starts
// the expiry sweep. Call Close to release the pool.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &Store{pool: pool, logger: logger, stop: make(chan struct{})}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	go s.cleanupLoop()
	return s, nil
}

// Close stops the sweep and releases the pool.
func (s *Store) Close() {
	close(s.stop)
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS clients (
	client_id     TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	secret_hash   TEXT NOT NULL DEFAULT '',
	redirect_uris TEXT[] NOT NULL,
	grant_types   TEXT[] NOT NULL,
	scopes        TEXT[] NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS resources (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	scopes     TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
	id          TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL REFERENCES resources(id),
	secret_hash TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS auth_requests (
	id                    TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	state                 TEXT NOT NULL,
	code_challenge        TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	scope                 TEXT NOT NULL DEFAULT '',
	resource              TEXT NOT NULL DEFAULT '',
	user_email            TEXT NOT NULL DEFAULT '',
	authenticated         BOOLEAN NOT NULL DEFAULT FALSE,
	authorization_code    TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL,
	expires_at            TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS auth_codes (
	code           TEXT PRIMARY KEY,
	client_id      TEXT NOT NULL,
	user_email     TEXT NOT NULL,
	resource       TEXT NOT NULL DEFAULT '',
	redirect_uri   TEXT NOT NULL,
	code_challenge TEXT NOT NULL,
	scope          TEXT NOT NULL DEFAULT '',
	used           BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS token_pairs (
	id                 TEXT PRIMARY KEY,
	access_token       TEXT NOT NULL UNIQUE,
	refresh_token      TEXT NOT NULL UNIQUE,
	client_id          TEXT NOT NULL,
	user_email         TEXT NOT NULL,
	resource           TEXT NOT NULL DEFAULT '',
	scope              TEXT NOT NULL DEFAULT '',
	revoked            BOOLEAN NOT NULL DEFAULT FALSE,
	access_expires_at  TIMESTAMPTZ NOT NULL,
	refresh_expires_at TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS user_authorizations (
	user_email  TEXT NOT NULL,
	resource_id TEXT NOT NULL DEFAULT '',
	client_id   TEXT NOT NULL,
	scope       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_email, resource_id, client_id)
);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- ClientStore ---

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	const q = `
		INSERT INTO clients (client_id, name, secret_hash, redirect_uris, grant_types, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id) DO UPDATE SET
			name = EXCLUDED.name,
			secret_hash = EXCLUDED.secret_hash,
			redirect_uris = EXCLUDED.redirect_uris,
			grant_types = EXCLUDED.grant_types,
			scopes = EXCLUDED.scopes`
	_, err := s.pool.Exec(ctx, q,
		client.ClientID, client.Name, client.SecretHash,
		client.RedirectURIs, client.GrantTypes, client.Scopes, client.CreatedAt)
	return err
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	const q = `
		SELECT client_id, name, secret_hash, redirect_uris, grant_types, scopes, created_at
		FROM clients WHERE client_id = $1`
	client := &storage.Client{}
	err := s.pool.QueryRow(ctx, q, clientID).Scan(
		&client.ClientID, &client.Name, &client.SecretHash,
		&client.RedirectURIs, &client.GrantTypes, &client.Scopes, &client.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	const q = `
		SELECT client_id, name, secret_hash, redirect_uris, grant_types, scopes, created_at
		FROM clients ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Client
	for rows.Next() {
		client := &storage.Client{}
		if err := rows.Scan(
			&client.ClientID, &client.Name, &client.SecretHash,
			&client.RedirectURIs, &client.GrantTypes, &client.Scopes, &client.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, client)
	}
	return out, rows.Err()
}

// --- ResourceStore ---

func (s *Store) SaveResource(ctx context.Context, resource *storage.Resource) error {
	const q = `
		INSERT INTO resources (id, url, name, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q,
		resource.ID, resource.URL, resource.Name, resource.Scopes, resource.CreatedAt)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetResource(ctx context.Context, resourceID string) (*storage.Resource, error) {
	const q = `SELECT id, url, name, scopes, created_at FROM resources WHERE id = $1`
	return s.scanResource(s.pool.QueryRow(ctx, q, resourceID))
}

func (s *Store) GetResourceByURL(ctx context.Context, url string) (*storage.Resource, error) {
	const q = `SELECT id, url, name, scopes, created_at FROM resources WHERE url = $1`
	return s.scanResource(s.pool.QueryRow(ctx, q, strings.TrimSuffix(url, "/")))
}

func (s *Store) scanResource(row pgx.Row) (*storage.Resource, error) {
	resource := &storage.Resource{}
	err := row.Scan(&resource.ID, &resource.URL, &resource.Name, &resource.Scopes, &resource.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return resource, nil
}

func (s *Store) ListResources(ctx context.Context) ([]*storage.Resource, error) {
	const q = `SELECT id, url, name, scopes, created_at FROM resources ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Resource
	for rows.Next() {
		resource := &storage.Resource{}
		if err := rows.Scan(&resource.ID, &resource.URL, &resource.Name, &resource.Scopes, &resource.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, resource)
	}
	return out, rows.Err()
}

func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) error {
	const q = `
		INSERT INTO api_keys (id, resource_id, secret_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, q, key.ID, key.ResourceID, key.SecretHash, key.CreatedAt)
	return err
}

func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*storage.APIKey, error) {
	const q = `SELECT id, resource_id, secret_hash, created_at FROM api_keys WHERE id = $1`
	key := &storage.APIKey{}
	err := s.pool.QueryRow(ctx, q, keyID).Scan(&key.ID, &key.ResourceID, &key.SecretHash, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}
