// Package testutil holds small helpers shared across test packages.
package testutil

import (
	"crypto/rand"
	"testing"

	"golang.org/x/oauth2"
)

// PKCEPair returns a fresh code verifier and its S256 challenge.
func PKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// SigningKey returns a random 32-byte token signing key.
func SigningKey(t testing.TB) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}
	return key
}

// State returns a random state parameter long enough to pass the
// minimum-length check.
func State() string {
	return oauth2.GenerateVerifier()
}
