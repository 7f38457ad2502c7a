package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authagent/mcp-auth/security"
	"github.com/authagent/mcp-auth/storage"
)

// Grant types clients may register for.
var supportedGrantTypes = []string{"authorization_code", "refresh_token"}

// ClientRegistration is a dynamic client registration request.
type ClientRegistration struct {
	Name         string
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
	Confidential bool
}

// ResourceRegistration registers a protected resource server.
type ResourceRegistration struct {
	Name   string
	URL    string
	Scopes []string
}

// RegisterClient registers a new OAuth client. For confidential clients
// the returned secret is shown once and stored only as a hash.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration, registrationToken, clientIP string) (*storage.Client, string, error) {
	if err := s.authorizeRegistration(registrationToken, clientIP); err != nil {
		return nil, "", err
	}

	if reg.Name == "" {
		return nil, "", NewOAuthError(ErrorCodeInvalidRequest, "client name is required")
	}
	if err := s.validateRedirectURIsForRegistration(reg.RedirectURIs); err != nil {
		return nil, "", NewOAuthError(ErrorCodeInvalidRequest, err.Error())
	}

	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = supportedGrantTypes
	}
	for _, gt := range grantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, "", oauthErrorf(ErrorCodeInvalidRequest, "unsupported grant type %q", gt)
		}
	}

	if err := s.validateScopes(strings.Join(reg.Scopes, " ")); err != nil {
		return nil, "", NewOAuthError(ErrorCodeInvalidScope, err.Error())
	}

	client := &storage.Client{
		ClientID:     uuid.NewString(),
		Name:         reg.Name,
		RedirectURIs: reg.RedirectURIs,
		GrantTypes:   grantTypes,
		Scopes:       reg.Scopes,
		CreatedAt:    time.Now(),
	}

	secret := ""
	if reg.Confidential {
		secret = generateRandomToken()
		hash, err := security.HashSecret(secret)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.SecretHash = hash
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.Auditor != nil {
		clientType := "public"
		if reg.Confidential {
			clientType = "confidential"
		}
		s.Auditor.LogClientRegistered(client.ClientID, clientType, clientIP)
	}

	return client, secret, nil
}

// RegisterResource registers a protected resource server and mints its
// introspection API key. The full "sk_<id>.<secret>" value is returned
// once; only the secret's hash is stored.
func (s *Server) RegisterResource(ctx context.Context, reg ResourceRegistration, registrationToken, clientIP string) (*storage.Resource, string, error) {
	if err := s.authorizeRegistration(registrationToken, clientIP); err != nil {
		return nil, "", err
	}

	if reg.Name == "" {
		return nil, "", NewOAuthError(ErrorCodeInvalidRequest, "resource name is required")
	}
	if err := validateResourceURL(reg.URL, s.Config.AllowInsecureHTTP); err != nil {
		return nil, "", NewOAuthError(ErrorCodeInvalidRequest, err.Error())
	}

	resource := &storage.Resource{
		ID:        "srv_" + compactID(),
		URL:       strings.TrimSuffix(reg.URL, "/"),
		Name:      reg.Name,
		Scopes:    reg.Scopes,
		CreatedAt: time.Now(),
	}
	if err := s.resourceStore.SaveResource(ctx, resource); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, "", NewOAuthError(ErrorCodeInvalidRequest, "resource URL already registered")
		}
		return nil, "", fmt.Errorf("failed to save resource: %w", err)
	}

	keyID := compactID()
	secret := generateRandomToken()
	hash, err := security.HashSecret(secret)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash api key: %w", err)
	}
	key := &storage.APIKey{
		ID:         keyID,
		ResourceID: resource.ID,
		SecretHash: hash,
		CreatedAt:  time.Now(),
	}
	if err := s.resourceStore.SaveAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("failed to save api key: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogResourceRegistered(resource.ID, clientIP)
	}

	return resource, "sk_" + keyID + "." + secret, nil
}

// ListResources lists registered resources for operators. Gated by the
// same registration credential as the mutating endpoints.
func (s *Server) ListResources(ctx context.Context, registrationToken string) ([]*storage.Resource, error) {
	if !s.Config.AllowPublicClientRegistration {
		if s.Config.RegistrationAccessToken == "" ||
			subtle.ConstantTimeCompare([]byte(registrationToken), []byte(s.Config.RegistrationAccessToken)) != 1 {
			return nil, NewOAuthError(ErrorCodeInvalidClient, "invalid registration access token")
		}
	}
	return s.resourceStore.ListResources(ctx)
}

// authorizeRegistration gates the registration endpoints: a shared access
// token unless public registration is enabled, plus a per-IP budget.
func (s *Server) authorizeRegistration(registrationToken, clientIP string) error {
	if !s.Config.AllowPublicClientRegistration {
		if s.Config.RegistrationAccessToken == "" {
			return NewOAuthError(ErrorCodeInvalidClient, "registration is not enabled")
		}
		if subtle.ConstantTimeCompare([]byte(registrationToken), []byte(s.Config.RegistrationAccessToken)) != 1 {
			s.auditAuthFailure("", "", clientIP, "invalid_registration_token")
			return NewOAuthError(ErrorCodeInvalidClient, "invalid registration access token")
		}
	}

	if s.RegistrationLimiter != nil && !s.RegistrationLimiter.Allow(context.Background(), "reg:"+clientIP) {
		if s.Auditor != nil {
			s.Auditor.LogRateLimitExceeded(clientIP, "")
		}
		return ErrRegistrationRateLimited
	}
	return nil
}

// validateResourceURL checks a resource's canonical URL: absolute, https
// outside localhost, no query or fragment.
func validateResourceURL(raw string, allowInsecure bool) error {
	if raw == "" {
		return fmt.Errorf("resource URL is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid resource URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("resource URL must be http(s)")
	}
	if parsed.Host == "" {
		return fmt.Errorf("resource URL must be absolute")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("resource URL must not contain query or fragment")
	}
	if parsed.Scheme == "http" && !isLocalhostHostname(parsed.Hostname()) && !allowInsecure {
		return fmt.Errorf("resource URL must use HTTPS outside localhost")
	}
	return nil
}

// compactID returns a UUID without dashes, for srv_ and API key IDs.
func compactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// verifyClientSecret checks a presented client secret against its stored
// hash.
func verifyClientSecret(secret, hash string) error {
	return security.VerifySecret(secret, hash)
}
