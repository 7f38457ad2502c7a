package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/authagent/mcp-auth/storage"
)

// PKCE constants per RFC 7636. Only the S256 transform is accepted; the
// plain method defeats the point of PKCE and is rejected outright.
const (
	MinCodeVerifierLength  = 43
	MaxCodeVerifierLength  = 128
	MinCodeChallengeLength = 43
	MaxCodeChallengeLength = 128
	PKCEMethodS256         = "S256"
)

// validateHTTPSEnforcement rejects a non-HTTPS issuer outside localhost
// unless AllowInsecureHTTP is set. Tokens and codes travel on every
// endpoint; plaintext transport exposes all of them.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		if isLocalhostHostname(issuerURL.Hostname()) {
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS outside localhost (got %s); set AllowInsecureHTTP for development", s.Config.Issuer)
		}
		s.Logger.Error("serving OAuth over plaintext HTTP",
			"issuer", s.Config.Issuer,
			"risk", "tokens and credentials exposed to interception")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname reports whether hostname refers to the local
// machine: localhost, 0.0.0.0, the whole 127.0.0.0/8 range, and ::1.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateStateParameter enforces presence and minimum length of the CSRF
// state value.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}
	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters", s.Config.MinStateLength)
	}
	return nil
}

// validateCodeChallenge checks the shape of a code_challenge at
// authorization time: S256 output length and base64url alphabet.
func (s *Server) validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: only S256 is accepted")
	}
	if len(challenge) < MinCodeChallengeLength || len(challenge) > MaxCodeChallengeLength {
		return fmt.Errorf("code_challenge must be %d-%d characters", MinCodeChallengeLength, MaxCodeChallengeLength)
	}
	if !isVerifierAlphabet(challenge) {
		return fmt.Errorf("code_challenge contains invalid characters")
	}
	return nil
}

// validatePKCE verifies a code_verifier against the stored challenge:
// S256(verifier) must equal the challenge, compared in constant time.
func (s *Server) validatePKCE(challenge, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if !isVerifierAlphabet(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters")
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// isVerifierAlphabet reports whether s uses only the RFC 7636 unreserved
// characters [A-Za-z0-9-._~].
func isVerifierAlphabet(s string) bool {
	for _, ch := range s {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return false
		}
	}
	return true
}

// validateResourceParameter checks the shape of an RFC 8707 resource
// indicator: an absolute http(s) URL without a fragment.
func validateResourceParameter(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid resource URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("resource must be an http or https URL")
	}
	if parsed.Host == "" {
		return fmt.Errorf("resource must be an absolute URL")
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("resource must not contain a fragment")
	}
	return nil
}

// validateScopes checks scope token grammar and, when the server carries
// an allow-list, membership in it.
func (s *Server) validateScopes(scope string) error {
	if scope == "" {
		return nil
	}

	for _, reqScope := range ParseScopes(scope) {
		if !isScopeToken(reqScope) {
			return fmt.Errorf("malformed scope: %s", reqScope)
		}
		if len(s.Config.SupportedScopes) == 0 {
			continue
		}
		found := false
		for _, supported := range s.Config.SupportedScopes {
			if reqScope == supported {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}
	return nil
}

// isScopeToken reports whether tok matches [a-zA-Z0-9_:.-]+.
func isScopeToken(tok string) bool {
	if tok == "" {
		return false
	}
	for _, ch := range tok {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '_' || ch == ':' || ch == '.' || ch == '-'
		if !ok {
			return false
		}
	}
	return true
}

// ParseScopes splits a wire-format scope string into a deduplicated,
// sorted token set. The wire format stays space-joined; internally scopes
// are always sets.
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// JoinScopes serializes a scope set back to the wire format.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// validateClientScopes restricts requested scopes to the client's
// registered set. Clients registered without scopes may request anything
// the server allows.
func (s *Server) validateClientScopes(requestedScope string, client *storage.Client) error {
	if len(client.Scopes) == 0 || requestedScope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		found := false
		for _, allowed := range client.Scopes {
			if reqScope == allowed {
				found = true
				break
			}
		}
		if !found {
			// Generic on purpose: naming the offending scope lets clients
			// enumerate other clients' grants.
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// scopeSubset reports whether every scope in requested appears in granted.
// Used at refresh time to prevent scope escalation.
func scopeSubset(requested, granted string) bool {
	if requested == "" {
		return true
	}
	grantedSet := make(map[string]struct{})
	for _, g := range strings.Fields(granted) {
		grantedSet[g] = struct{}{}
	}
	for _, r := range strings.Fields(requested) {
		if _, ok := grantedSet[r]; !ok {
			return false
		}
	}
	return true
}

// authenticateClient verifies client credentials. Confidential clients
// must present their secret; public clients must not present one.
func (s *Server) authenticateClient(client *storage.Client, clientSecret string) error {
	if client.Public() {
		if clientSecret != "" {
			return fmt.Errorf("public client must not present a secret")
		}
		return nil
	}
	if clientSecret == "" {
		return fmt.Errorf("client secret is required")
	}
	return verifyClientSecret(clientSecret, client.SecretHash)
}
