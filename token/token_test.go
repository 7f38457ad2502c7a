package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authagent/mcp-auth/internal/testutil"
)

const testIssuer = "https://auth.example.com"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(testutil.SigningKey(t), testIssuer)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func TestNewCodec(t *testing.T) {
	if _, err := NewCodec(make([]byte, 31), testIssuer); err == nil {
		t.Error("31-byte key accepted")
	}
	if _, err := NewCodec(make([]byte, 32), ""); err == nil {
		t.Error("empty issuer accepted")
	}
	if _, err := NewCodec(make([]byte, 32), testIssuer); err != nil {
		t.Errorf("valid codec rejected: %v", err)
	}
}

func TestMintVerifyRoundtrip(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	signed, err := codec.Mint("user@example.com", "https://api.example.com", "client-1",
		"read write", "jti-1", time.Hour, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, err := codec.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user@example.com" {
		t.Errorf("sub = %q", claims.Subject)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "https://api.example.com" {
		t.Errorf("aud = %v", claims.Audience)
	}
	if claims.Issuer != testIssuer {
		t.Errorf("iss = %q", claims.Issuer)
	}
	if claims.ClientID != "client-1" {
		t.Errorf("client_id = %q", claims.ClientID)
	}
	if claims.Scope != "read write" {
		t.Errorf("scope = %q", claims.Scope)
	}
	if claims.ID != "jti-1" {
		t.Errorf("jti = %q", claims.ID)
	}
}

func TestVerifyRejects(t *testing.T) {
	codec := newTestCodec(t)
	other := newTestCodec(t)
	now := time.Now()

	good, err := codec.Mint("user@example.com", "aud", "client-1", "", "jti", time.Hour, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	wrongIssuerCodec, err := NewCodec(codec.key, "https://other-issuer.example.com")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	wrongIssuer, err := wrongIssuerCodec.Mint("user@example.com", "aud", "client-1", "", "jti", time.Hour, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	expired, err := codec.Mint("user@example.com", "aud", "client-1", "", "jti", time.Minute, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	wrongKey, err := other.Mint("user@example.com", "aud", "client-1", "", "jti", time.Hour, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// An unsigned token claiming alg "none" must be rejected before
	// signature verification.
	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "user@example.com",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"truncated", good[:len(good)/2]},
		{"tampered payload", tamper(good)},
		{"wrong key", wrongKey},
		{"wrong issuer", wrongIssuer},
		{"expired", expired},
		{"alg none", noneToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify(%s) err = %v, want ErrInvalidToken", tt.name, err)
			}
		})
	}
}

// tamper flips a character in the payload segment of a JWT.
func tamper(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || len(parts[1]) == 0 {
		return token + "x"
	}
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	parts[1] = string(payload)
	return strings.Join(parts, ".")
}

func TestNewOpaqueToken(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		tok := NewOpaqueToken()
		if len(tok) < 32 {
			t.Fatalf("opaque token too short: %d chars", len(tok))
		}
		if _, dup := seen[tok]; dup {
			t.Fatal("opaque token repeated")
		}
		seen[tok] = struct{}{}
	}
}
