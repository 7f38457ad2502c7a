// Package token mints and verifies the signed access tokens issued by the
// authorization server. Access tokens are HS256 JWTs carrying a fixed claim
// set; refresh tokens and authorization codes are opaque random values and
// never pass through this package.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"golang.org/x/oauth2"
)

// ErrInvalidToken is returned for any token that fails verification:
// bad signature, wrong algorithm, expired, wrong issuer, or malformed.
// Callers get one uniform error so responses cannot leak which check
// failed.
var ErrInvalidToken = errors.New("token: invalid token")

// Claims is the fixed claim set of an access token. Audience holds the
// canonical URL of the single resource the token is bound to.
type Claims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies access tokens with a single symmetric key.
// All tokens carry the configured issuer and are rejected on verification
// if the issuer does not match.
type Codec struct {
	key    []byte
	issuer string
}

// NewCodec creates a codec. The signing key must be at least 32 bytes.
func NewCodec(key []byte, issuer string) (*Codec, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key too short: need at least 32 bytes, got %d", len(key))
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	return &Codec{key: key, issuer: issuer}, nil
}

// Mint signs an access token for subject (the user email), bound to
// audience, expiring after ttl.
func (c *Codec) Mint(subject, audience, clientID, scope, jti string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		ClientID: clientID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a token string, returning its claims.
// The algorithm is pinned to HS256 before signature verification, so a
// token whose header claims any other algorithm (including "none") is
// rejected outright.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewOpaqueToken returns a high-entropy random value for refresh tokens
// and authorization codes: 32 bytes of randomness, base64url encoded.
func NewOpaqueToken() string {
	return oauth2.GenerateVerifier()
}
