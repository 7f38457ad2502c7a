package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/authagent/mcp-auth/storage"
)

// --- FlowStore ---

func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	const q = `
		INSERT INTO auth_requests (
			id, client_id, redirect_uri, state, code_challenge, code_challenge_method,
			scope, resource, user_email, authenticated, authorization_code, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.pool.Exec(ctx, q,
		req.ID, req.ClientID, req.RedirectURI, req.State, req.CodeChallenge, req.CodeChallengeMethod,
		req.Scope, req.Resource, req.UserEmail, req.Authenticated, req.AuthorizationCode,
		req.CreatedAt, req.ExpiresAt)
	return err
}

func (s *Store) GetAuthorizationRequest(ctx context.Context, requestID string) (*storage.AuthorizationRequest, error) {
	const q = `
		SELECT id, client_id, redirect_uri, state, code_challenge, code_challenge_method,
		       scope, resource, user_email, authenticated, authorization_code, created_at, expires_at
		FROM auth_requests WHERE id = $1`
	req := &storage.AuthorizationRequest{}
	err := s.pool.QueryRow(ctx, q, requestID).Scan(
		&req.ID, &req.ClientID, &req.RedirectURI, &req.State, &req.CodeChallenge, &req.CodeChallengeMethod,
		&req.Scope, &req.Resource, &req.UserEmail, &req.Authenticated, &req.AuthorizationCode,
		&req.CreatedAt, &req.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	return req, nil
}

func (s *Store) CompleteAuthorizationRequest(ctx context.Context, requestID, userEmail, code string) error {
	// Conditional update: only an uncompleted, unexpired request
	// transitions. The condition makes concurrent completions race safely
	// in the database.
	const q = `
		UPDATE auth_requests
		SET user_email = $2, authenticated = TRUE, authorization_code = $3
		WHERE id = $1 AND authorization_code = '' AND expires_at > NOW()
		RETURNING id`
	var id string
	err := s.pool.QueryRow(ctx, q, requestID, userEmail, code).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	// Lost the race or the request is gone; find out which.
	req, getErr := s.GetAuthorizationRequest(ctx, requestID)
	switch {
	case errors.Is(getErr, storage.ErrExpired):
		return storage.ErrExpired
	case getErr != nil:
		return storage.ErrNotFound
	case req.AuthorizationCode != "":
		return storage.ErrRequestCompleted
	default:
		return storage.ErrNotFound
	}
}

func (s *Store) DeleteAuthorizationRequest(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM auth_requests WHERE id = $1`, requestID)
	return err
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	const q = `
		INSERT INTO auth_codes (
			code, client_id, user_email, resource, redirect_uri, code_challenge,
			scope, used, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, q,
		code.Code, code.ClientID, code.UserEmail, code.Resource, code.RedirectURI,
		code.CodeChallenge, code.Scope, code.Used, code.CreatedAt, code.ExpiresAt)
	return err
}

func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	const q = `
		SELECT code, client_id, user_email, resource, redirect_uri, code_challenge,
		       scope, used, created_at, expires_at
		FROM auth_codes WHERE code = $1`
	authCode := &storage.AuthorizationCode{}
	err := s.pool.QueryRow(ctx, q, code).Scan(
		&authCode.Code, &authCode.ClientID, &authCode.UserEmail, &authCode.Resource,
		&authCode.RedirectURI, &authCode.CodeChallenge, &authCode.Scope, &authCode.Used,
		&authCode.CreatedAt, &authCode.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if authCode.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	return authCode, nil
}

func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	// used = FALSE in the predicate is the single-use enforcement: of two
	// concurrent exchanges, exactly one UPDATE matches.
	const q = `
		UPDATE auth_codes SET used = TRUE
		WHERE code = $1 AND used = FALSE AND expires_at > NOW()
		RETURNING code, client_id, user_email, resource, redirect_uri, code_challenge,
		          scope, used, created_at, expires_at`
	authCode := &storage.AuthorizationCode{}
	err := s.pool.QueryRow(ctx, q, code).Scan(
		&authCode.Code, &authCode.ClientID, &authCode.UserEmail, &authCode.Resource,
		&authCode.RedirectURI, &authCode.CodeChallenge, &authCode.Scope, &authCode.Used,
		&authCode.CreatedAt, &authCode.ExpiresAt)
	if err == nil {
		return authCode, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	existing, getErr := s.GetAuthorizationCode(ctx, code)
	switch {
	case errors.Is(getErr, storage.ErrExpired):
		return nil, storage.ErrExpired
	case getErr != nil:
		return nil, storage.ErrNotFound
	case existing.Used:
		return nil, storage.ErrCodeUsed
	default:
		return nil, storage.ErrNotFound
	}
}

func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM auth_codes WHERE code = $1`, code)
	return err
}

// --- TokenStore ---

func (s *Store) SaveTokenPair(ctx context.Context, pair *storage.TokenPair) error {
	const q = `
		INSERT INTO token_pairs (
			id, access_token, refresh_token, client_id, user_email, resource,
			scope, revoked, access_expires_at, refresh_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, q,
		pair.ID, pair.AccessToken, pair.RefreshToken, pair.ClientID, pair.UserEmail,
		pair.Resource, pair.Scope, pair.Revoked, pair.AccessExpiresAt,
		pair.RefreshExpiresAt, pair.CreatedAt)
	return err
}

const pairColumns = `id, access_token, refresh_token, client_id, user_email, resource,
	scope, revoked, access_expires_at, refresh_expires_at, created_at`

func scanPair(row pgx.Row) (*storage.TokenPair, error) {
	pair := &storage.TokenPair{}
	err := row.Scan(
		&pair.ID, &pair.AccessToken, &pair.RefreshToken, &pair.ClientID, &pair.UserEmail,
		&pair.Resource, &pair.Scope, &pair.Revoked, &pair.AccessExpiresAt,
		&pair.RefreshExpiresAt, &pair.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *Store) GetTokenPairByAccessToken(ctx context.Context, accessToken string) (*storage.TokenPair, error) {
	return scanPair(s.pool.QueryRow(ctx,
		`SELECT `+pairColumns+` FROM token_pairs WHERE access_token = $1`, accessToken))
}

func (s *Store) GetTokenPairByRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenPair, error) {
	return scanPair(s.pool.QueryRow(ctx,
		`SELECT `+pairColumns+` FROM token_pairs WHERE refresh_token = $1`, refreshToken))
}

func (s *Store) RevokeTokenPair(ctx context.Context, pairID string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE token_pairs SET revoked = TRUE WHERE id = $1`, pairID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeTokenPairByRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenPair, error) {
	// revoked = FALSE in the predicate is the rotation synchronization
	// point: exactly one concurrent refresh wins.
	const q = `
		UPDATE token_pairs SET revoked = TRUE
		WHERE refresh_token = $1 AND revoked = FALSE AND refresh_expires_at > NOW()
		RETURNING ` + pairColumns
	pair, err := scanPair(s.pool.QueryRow(ctx, q, refreshToken))
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	existing, getErr := s.GetTokenPairByRefreshToken(ctx, refreshToken)
	switch {
	case getErr != nil:
		return nil, storage.ErrNotFound
	case existing.Revoked:
		return nil, storage.ErrRevoked
	case existing.RefreshExpired(time.Now()):
		return nil, storage.ErrExpired
	default:
		return nil, storage.ErrNotFound
	}
}

// --- ConsentStore ---

func (s *Store) SaveUserAuthorization(ctx context.Context, grant *storage.UserAuthorization) error {
	const q = `
		INSERT INTO user_authorizations (user_email, resource_id, client_id, scope, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_email, resource_id, client_id) DO UPDATE SET
			scope = EXCLUDED.scope,
			updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, q,
		grant.UserEmail, grant.ResourceID, grant.ClientID, grant.Scope,
		grant.CreatedAt, grant.UpdatedAt)
	return err
}

func (s *Store) GetUserAuthorization(ctx context.Context, userEmail, resourceID, clientID string) (*storage.UserAuthorization, error) {
	const q = `
		SELECT user_email, resource_id, client_id, scope, created_at, updated_at
		FROM user_authorizations
		WHERE user_email = $1 AND resource_id = $2 AND client_id = $3`
	grant := &storage.UserAuthorization{}
	err := s.pool.QueryRow(ctx, q, userEmail, resourceID, clientID).Scan(
		&grant.UserEmail, &grant.ResourceID, &grant.ClientID, &grant.Scope,
		&grant.CreatedAt, &grant.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// --- cleanup ---

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup(context.Background())
		case <-s.stop:
			return
		}
	}
}

// cleanup deletes records past their expiry. Reads already reject expired
// records; this only reclaims space.
func (s *Store) cleanup(ctx context.Context) {
	for _, q := range []string{
		`DELETE FROM auth_requests WHERE expires_at < NOW()`,
		`DELETE FROM auth_codes WHERE expires_at < NOW()`,
		`DELETE FROM token_pairs WHERE refresh_expires_at < NOW()`,
	} {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			s.logger.Warn("storage cleanup query failed", "error", err)
		}
	}
}
