// Package storage defines the persistence interfaces for the authorization
// server: registered clients, protected resources, in-flight authorization
// requests, single-use authorization codes, and issued token pairs.
// It supports various backend implementations including in-memory, Redis,
// and Postgres.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by all store implementations. Callers must match
// with errors.Is so backends can wrap them with driver detail.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrClientNotFound is returned for unknown client IDs.
	// Kept distinct from ErrNotFound so callers can map it to invalid_client.
	ErrClientNotFound = errors.New("storage: client not found")

	// ErrCodeUsed indicates an authorization code was already exchanged.
	// MarkAuthorizationCodeUsed returns it to the loser of a concurrent
	// exchange race.
	ErrCodeUsed = errors.New("storage: authorization code already used")

	// ErrExpired indicates the record exists but its expiry has passed.
	ErrExpired = errors.New("storage: record expired")

	// ErrRevoked indicates a token pair has been revoked.
	ErrRevoked = errors.New("storage: token pair revoked")

	// ErrRequestCompleted indicates an authorization request already went
	// through consent and cannot be consented again.
	ErrRequestCompleted = errors.New("storage: authorization request already completed")

	// ErrDuplicate indicates a uniqueness violation (e.g. resource URL).
	ErrDuplicate = errors.New("storage: duplicate record")
)

// ClientStore manages OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound if the
	// client does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes).
	ListClients(ctx context.Context) ([]*Client, error)
}

// ResourceStore manages registered protected resources and their
// introspection API keys.
type ResourceStore interface {
	// SaveResource saves a protected resource. The resource URL is unique;
	// saving a second resource with the same URL returns ErrDuplicate.
	SaveResource(ctx context.Context, resource *Resource) error

	// GetResource retrieves a resource by its ID.
	GetResource(ctx context.Context, resourceID string) (*Resource, error)

	// GetResourceByURL retrieves a resource by its canonical URL.
	// Used to validate the RFC 8707 resource parameter.
	GetResourceByURL(ctx context.Context, url string) (*Resource, error)

	// ListResources lists all registered resources.
	ListResources(ctx context.Context) ([]*Resource, error)

	// SaveAPIKey saves an introspection API key record (secret stored hashed).
	SaveAPIKey(ctx context.Context, key *APIKey) error

	// GetAPIKey retrieves an API key record by its public key ID.
	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)
}

// FlowStore manages in-flight authorization requests and single-use
// authorization codes.
//
// The two mutating operations with protocol invariants are
// CompleteAuthorizationRequest and MarkAuthorizationCodeUsed: both are
// compare-and-set operations that must have exactly one winner under
// concurrent callers.
type FlowStore interface {
	// SaveAuthorizationRequest persists a new authorization request.
	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error

	// GetAuthorizationRequest retrieves an authorization request by ID.
	// Returns ErrNotFound for unknown IDs and ErrExpired past expiry.
	GetAuthorizationRequest(ctx context.Context, requestID string) (*AuthorizationRequest, error)

	// CompleteAuthorizationRequest marks a request as consented, recording
	// the authenticated user and the minted code. The transition is
	// terminal: a request that already carries an authorization code
	// returns ErrRequestCompleted. Atomic with respect to concurrent
	// completion attempts.
	CompleteAuthorizationRequest(ctx context.Context, requestID, userEmail, code string) error

	// DeleteAuthorizationRequest removes an authorization request.
	DeleteAuthorizationRequest(ctx context.Context, requestID string) error

	// SaveAuthorizationCode persists an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code by value.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// MarkAuthorizationCodeUsed atomically transitions a code from unused
	// to used and returns it. This is the single-use enforcement point:
	// under two concurrent exchanges of the same code, exactly one call
	// returns the code and the other returns ErrCodeUsed. Expired codes
	// return ErrExpired without consuming them.
	MarkAuthorizationCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages issued token pairs.
//
// RevokeTokenPairByRefreshToken is the rotation synchronization point: it
// must guarantee exactly one winner when the same refresh token is presented
// concurrently, so two live pairs can never descend from one refresh use.
type TokenStore interface {
	// SaveTokenPair persists a newly minted token pair.
	SaveTokenPair(ctx context.Context, pair *TokenPair) error

	// GetTokenPairByAccessToken retrieves the pair carrying the given
	// access token value.
	GetTokenPairByAccessToken(ctx context.Context, accessToken string) (*TokenPair, error)

	// GetTokenPairByRefreshToken retrieves the pair carrying the given
	// refresh token value.
	GetTokenPairByRefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)

	// RevokeTokenPair marks a pair revoked by ID. Monotonic and idempotent:
	// revoking an already-revoked pair is not an error.
	RevokeTokenPair(ctx context.Context, pairID string) error

	// RevokeTokenPairByRefreshToken atomically revokes the live pair
	// carrying the given refresh token and returns it. A pair that is
	// already revoked returns ErrRevoked; an expired refresh token returns
	// ErrExpired. Exactly one concurrent caller wins.
	RevokeTokenPairByRefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// ConsentStore records durable user consent grants. Consent records drive
// "previously authorized" UX only; they are not a security control.
type ConsentStore interface {
	// SaveUserAuthorization upserts a consent record keyed by
	// (user email, resource ID, client ID).
	SaveUserAuthorization(ctx context.Context, grant *UserAuthorization) error

	// GetUserAuthorization retrieves a consent record, or ErrNotFound.
	GetUserAuthorization(ctx context.Context, userEmail, resourceID, clientID string) (*UserAuthorization, error)
}

// Counter provides shared fixed-window counters with TTL, used for rate
// limiting keyed by caller identity. Implementations backed by a shared
// store (e.g. Redis) stay correct when the server runs as multiple
// instances.
type Counter interface {
	// Incr increments the counter for key within the current window and
	// returns the new count. The counter expires window after its first
	// increment.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Client represents a registered OAuth client.
type Client struct {
	ClientID     string
	Name         string
	SecretHash   string // empty for public clients
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
	CreatedAt    time.Time
}

// Public reports whether the client is a public client (no secret).
func (c *Client) Public() bool { return c.SecretHash == "" }

// Resource represents a registered protected resource server that receives
// audience-bound tokens.
type Resource struct {
	ID        string // "srv_" prefixed identifier
	URL       string // canonical URL, unique
	Name      string
	Scopes    []string // scopes the resource declares support for
	CreatedAt time.Time
}

// APIKey is an introspection credential bound to a resource. Only the hash
// of the secret half is stored; the full "sk_<id>.<secret>" value is shown
// once at creation.
type APIKey struct {
	ID         string // public key ID half
	ResourceID string
	SecretHash string
	CreatedAt  time.Time
}

// AuthorizationRequest is the ephemeral record of one in-flight /authorize
// call. It is created unauthenticated and mutated exactly once, when the
// user completes OTP verification and consent.
type AuthorizationRequest struct {
	ID                  string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string // always "S256"
	Scope               string
	Resource            string // requested audience URL, may be empty
	UserEmail           string // set at consent
	Authenticated       bool   // set at consent
	AuthorizationCode   string // set at consent; non-empty means terminal
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Expired reports whether the request is past its expiry at the given time.
func (r *AuthorizationRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// AuthorizationCode is a single-use exchange token minted at consent.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	UserEmail     string
	Resource      string // audience URL the eventual token is bound to
	RedirectURI   string
	CodeChallenge string
	Scope         string
	Used          bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the code is past its expiry at the given time.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// UserAuthorization is a durable consent record: user X granted client Y
// access to resource Z with scopes S.
type UserAuthorization struct {
	UserEmail  string
	ResourceID string
	ClientID   string
	Scope      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
