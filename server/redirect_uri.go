package server

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/authagent/mcp-auth/storage"
)

// Redirect URI schemes that are never acceptable, regardless of
// configuration. They enable XSS or local file access when the user agent
// follows the redirect.
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// defaultSchemePattern accepts any RFC 3986 compliant custom scheme.
var defaultSchemePattern = []string{`^[a-z][a-z0-9+.-]*$`}

// validateRedirectURI checks that redirectURI is registered for the client
// by exact string match, then applies the security checks shared with
// registration.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}

	return s.validateRedirectURISecurity(redirectURI)
}

// validateRedirectURISecurity applies security checks to one redirect URI,
// at registration and again at authorization time in case the policy
// tightened since the client registered.
//
//   - fragments are banned (OAuth 2.0 Security BCP 4.1.3)
//   - dangerous schemes are banned unconditionally
//   - http is allowed only for loopback hosts (RFC 8252 7.3)
//   - private and link-local IPs are banned (SSRF, cloud metadata)
//   - custom schemes must match the configured patterns
func (s *Server) validateRedirectURISecurity(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme %q is not allowed", scheme)
		}
	}

	if scheme == "http" || scheme == "https" {
		return s.validateHTTPRedirectURI(parsed, scheme)
	}

	return validateCustomScheme(scheme, s.Config.AllowedCustomSchemes)
}

func (s *Server) validateHTTPRedirectURI(parsed *url.URL, scheme string) error {
	hostname := strings.ToLower(parsed.Hostname())

	if isLocalhostHostname(hostname) {
		// Loopback redirect targets may use plain http (native apps).
		return nil
	}

	if scheme == "http" && !s.Config.AllowInsecureHTTP {
		return fmt.Errorf("redirect_uri must use HTTPS outside localhost")
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if ip.IsUnspecified() {
			return fmt.Errorf("redirect_uri must not target unspecified addresses")
		}
		if ip.IsPrivate() {
			return fmt.Errorf("redirect_uri must not target private IP addresses")
		}
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("redirect_uri must not target link-local addresses")
		}
	}

	return nil
}

// validateCustomScheme checks a non-HTTP scheme against the configured
// allow patterns.
func validateCustomScheme(scheme string, allowedPatterns []string) error {
	if len(allowedPatterns) == 0 {
		allowedPatterns = defaultSchemePattern
	}

	for _, pattern := range allowedPatterns {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern %q: %w", pattern, err)
		}
		if matched {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri scheme %q does not match allowed patterns", scheme)
}

// validateRedirectURIsForRegistration validates each URI presented at
// client registration.
func (s *Server) validateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("at least one redirect URI is required")
	}
	for _, uri := range redirectURIs {
		if err := s.validateRedirectURISecurity(uri); err != nil {
			return err
		}
	}
	return nil
}
