package storage

import "time"

// TokenPair binds one signed access token to its opaque refresh token.
// The pair is the unit of revocation: revoking it invalidates both halves,
// and refresh rotation revokes the old pair before minting a new one.
type TokenPair struct {
	ID               string
	AccessToken      string // signed, self-contained
	RefreshToken     string // opaque random value
	ClientID         string
	UserEmail        string
	Resource         string // audience the access token is bound to
	Scope            string
	Revoked          bool
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
}

// AccessExpired reports whether the access token half has expired.
func (p *TokenPair) AccessExpired(now time.Time) bool {
	return now.After(p.AccessExpiresAt)
}

// RefreshExpired reports whether the refresh token half has expired.
func (p *TokenPair) RefreshExpired(now time.Time) bool {
	return now.After(p.RefreshExpiresAt)
}

// ActiveAccess reports whether the access token half is still usable:
// not revoked and not expired. Cryptographic validity is checked
// separately by the token codec; both must hold for introspection to
// report active.
func (p *TokenPair) ActiveAccess(now time.Time) bool {
	return !p.Revoked && !p.AccessExpired(now)
}

// ActiveRefresh reports whether the refresh token half is still usable.
func (p *TokenPair) ActiveRefresh(now time.Time) bool {
	return !p.Revoked && !p.RefreshExpired(now)
}
