package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Secret hashing parameters. Client secrets and API keys are opaque
// high-entropy values, so PBKDF2-SHA256 with a per-secret random salt is
// sufficient; the iteration count follows current OWASP guidance.
const (
	hashIterations = 310_000
	hashSaltLen    = 16
	hashKeyLen     = 32

	hashScheme = "pbkdf2-sha256"
)

// HashSecret produces a salted, iterated one-way hash of secret in the
// form "pbkdf2-sha256$<iterations>$<salt>$<key>" with base64url-encoded
// salt and derived key.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(secret), salt, hashIterations, hashKeyLen, sha256.New)

	return strings.Join([]string{
		hashScheme,
		strconv.Itoa(hashIterations),
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(key),
	}, "$"), nil
}

// VerifySecret recomputes the hash of secret with the parameters embedded
// in encoded and compares in constant time. Returns nil on match.
func VerifySecret(secret, encoded string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != hashScheme {
		return fmt.Errorf("malformed secret hash")
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < 1 {
		return fmt.Errorf("malformed secret hash: bad iteration count")
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("malformed secret hash: bad salt encoding")
	}

	want, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("malformed secret hash: bad key encoding")
	}

	got := pbkdf2.Key([]byte(secret), salt, iterations, len(want), sha256.New)

	if subtle.ConstantTimeCompare(got, want) != 1 {
		return fmt.Errorf("secret mismatch")
	}
	return nil
}
