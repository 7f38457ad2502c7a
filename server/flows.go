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

	"github.com/authagent/mcp-auth/identity"
	"github.com/authagent/mcp-auth/security"
	"github.com/authagent/mcp-auth/storage"
)

// Sentinel errors surfaced to the HTTP layer for status mapping.
var (
	// ErrUnauthorizedAPIKey indicates a missing or invalid introspection
	// API key. Maps to 401 with WWW-Authenticate.
	ErrUnauthorizedAPIKey = errors.New("server: invalid api key")

	// ErrOTPRateLimited indicates the address exhausted its verification
	// code budget.
	ErrOTPRateLimited = errors.New("server: verification code rate limit exceeded")

	// ErrRegistrationRateLimited indicates the IP exhausted its
	// registration budget.
	ErrRegistrationRateLimited = errors.New("server: registration rate limit exceeded")
)

// consentAudiencePrefix scopes consent proof tokens to one authorization
// request so a proof for one request cannot complete another.
const consentAudiencePrefix = "urn:consent:"

const consentProofTTL = 10 * time.Minute

// AuthorizationParams are the query parameters of a GET /authorize call.
type AuthorizationParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// TokenParams are the form parameters of a POST /token call.
type TokenParams struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	Resource     string
	RefreshToken string
	Scope        string
	ClientIP     string
}

// TokenGrant is a successful token endpoint response.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Introspection is an RFC 7662 introspection response. When Active is
// false all other fields are omitted.
type Introspection struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Audience  string `json:"aud,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// BeginAuthorization validates a new authorization request and persists it
// for the identity verification and consent steps. Validation failures
// before the redirect URI is known must be shown to the user, never
// redirected; the handler distinguishes by whether the returned error
// carries a redirectable code.
func (s *Server) BeginAuthorization(ctx context.Context, p AuthorizationParams) (*storage.AuthorizationRequest, error) {
	client, err := s.clientStore.GetClient(ctx, p.ClientID)
	if err != nil {
		s.auditAuthFailure("", p.ClientID, "", "unknown_client")
		return nil, NewOAuthError(ErrorCodeInvalidClient, "unknown client")
	}

	if err := s.validateRedirectURI(client, p.RedirectURI); err != nil {
		s.auditAuthFailure("", p.ClientID, "", "invalid_redirect_uri")
		return nil, NewOAuthError(ErrorCodeInvalidRequest, err.Error())
	}

	// From here on errors are safe to deliver via redirect.

	if p.ResponseType != "code" {
		return nil, NewOAuthError(ErrorCodeUnsupportedResponseType, "only the code response type is supported")
	}

	if err := s.validateStateParameter(p.State); err != nil {
		s.auditAuthFailure("", p.ClientID, "", "invalid_state")
		return nil, NewOAuthError(ErrorCodeInvalidRequest, err.Error())
	}

	if err := s.validateCodeChallenge(p.CodeChallenge, p.CodeChallengeMethod); err != nil {
		s.auditAuthFailure("", p.ClientID, "", "invalid_pkce_parameters")
		return nil, NewOAuthError(ErrorCodeInvalidRequest, err.Error())
	}

	if err := s.validateScopes(p.Scope); err != nil {
		return nil, NewOAuthError(ErrorCodeInvalidScope, err.Error())
	}
	if err := s.validateClientScopes(p.Scope, client); err != nil {
		return nil, NewOAuthError(ErrorCodeInvalidScope, err.Error())
	}

	if p.Resource != "" {
		if err := validateResourceParameter(p.Resource); err != nil {
			s.auditAuthFailure("", p.ClientID, "", "malformed_resource")
			return nil, NewOAuthError(ErrorCodeInvalidRequest, err.Error())
		}
		if _, err := s.resourceStore.GetResourceByURL(ctx, p.Resource); err != nil {
			s.auditAuthFailure("", p.ClientID, "", "unknown_resource")
			return nil, oauthErrorf(ErrorCodeInvalidTarget, "resource %q is not registered", p.Resource)
		}
	} else if s.Config.RequireResource {
		return nil, NewOAuthError(ErrorCodeInvalidTarget, "resource parameter is required")
	}

	now := time.Now()
	req := &storage.AuthorizationRequest{
		ID:                  uuid.NewString(),
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Scope:               JoinScopes(ParseScopes(p.Scope)),
		Resource:            p.Resource,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationRequestTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save authorization request: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     "authorization_flow_started",
			ClientID: p.ClientID,
			Details: map[string]any{
				"scope":    p.Scope,
				"resource": p.Resource,
			},
		})
	}

	return req, nil
}

// getActiveRequest loads an authorization request that is neither expired
// nor already completed.
func (s *Server) getActiveRequest(ctx context.Context, requestID string) (*storage.AuthorizationRequest, error) {
	req, err := s.flowStore.GetAuthorizationRequest(ctx, requestID)
	if errors.Is(err, storage.ErrExpired) {
		return nil, NewOAuthError(ErrorCodeExpiredRequest, "authorization request has expired")
	}
	if err != nil {
		return nil, NewOAuthError(ErrorCodeInvalidRequest, "unknown authorization request")
	}
	if req.AuthorizationCode != "" {
		return nil, NewOAuthError(ErrorCodeInvalidRequest, "authorization request already completed")
	}
	return req, nil
}

// SubmitIdentity starts identity verification for an authorization
// request: a one-time code is sent to the given address.
func (s *Server) SubmitIdentity(ctx context.Context, requestID, email, clientIP string) error {
	req, err := s.getActiveRequest(ctx, requestID)
	if err != nil {
		return err
	}

	if !identity.ValidEmail(email) {
		return NewOAuthError(ErrorCodeInvalidRequest, "invalid email address")
	}

	if s.OTPLimiter != nil && !s.OTPLimiter.Allow(ctx, "otp:"+strings.ToLower(email)) {
		if s.Auditor != nil {
			s.Auditor.LogRateLimitExceeded(clientIP, email)
		}
		return ErrOTPRateLimited
	}

	if err := s.verifier.SendCode(ctx, email); err != nil {
		s.Logger.Error("failed to send verification code", "error", err, "request_id", req.ID)
		return fmt.Errorf("failed to send verification code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogOTPSent(email, clientIP)
	}
	return nil
}

// ConfirmIdentity verifies a one-time code and returns a consent proof:
// a short-lived signed token binding the verified email to this request.
// The proof must accompany the consent decision, so a consent POST without
// a completed verification cannot mint codes.
//
// previouslyAuthorized reports whether the user already has a consent
// grant on file covering the requested client, resource, and scopes; the
// handler may then auto-approve instead of rendering the consent page.
func (s *Server) ConfirmIdentity(ctx context.Context, requestID, email, code, clientIP string) (proof string, previouslyAuthorized bool, err error) {
	req, err := s.getActiveRequest(ctx, requestID)
	if err != nil {
		return "", false, err
	}

	if err := s.verifier.VerifyCode(ctx, email, code); err != nil {
		s.auditAuthFailure(email, req.ClientID, clientIP, "otp_verification_failed")
		switch {
		case errors.Is(err, identity.ErrTooManyAttempts):
			return "", false, NewOAuthError(ErrorCodeAccessDenied, "too many verification attempts")
		default:
			return "", false, NewOAuthError(ErrorCodeInvalidGrant, "invalid verification code")
		}
	}

	proof, err = s.codec.Mint(email, consentAudiencePrefix+req.ID, req.ClientID, "", uuid.NewString(), consentProofTTL, time.Now())
	if err != nil {
		return "", false, fmt.Errorf("failed to mint consent proof: %w", err)
	}

	return proof, s.hasConsentOnFile(ctx, email, req), nil
}

// hasConsentOnFile reports whether a durable grant covers this request.
func (s *Server) hasConsentOnFile(ctx context.Context, email string, req *storage.AuthorizationRequest) bool {
	resourceID := ""
	if req.Resource != "" {
		resource, err := s.resourceStore.GetResourceByURL(ctx, req.Resource)
		if err != nil {
			return false
		}
		resourceID = resource.ID
	}

	grant, err := s.consentStore.GetUserAuthorization(ctx, email, resourceID, req.ClientID)
	if err != nil {
		return false
	}
	return scopeSubset(req.Scope, grant.Scope)
}

// Decide records the user's consent decision and finishes the interactive
// part of the flow. On approval it mints the authorization code and
// returns the client redirect URL carrying code and state; on denial it
// returns the redirect URL carrying error=access_denied.
//
// The completion is a compare-and-set: if two decisions race, one wins and
// the other gets an error rather than a second code.
func (s *Server) Decide(ctx context.Context, requestID, proof string, approved bool, clientIP string) (string, error) {
	req, err := s.getActiveRequest(ctx, requestID)
	if err != nil {
		return "", err
	}

	claims, err := s.codec.Verify(proof)
	if err != nil {
		s.auditAuthFailure("", req.ClientID, clientIP, "invalid_consent_proof")
		return "", NewOAuthError(ErrorCodeAccessDenied, "identity verification required")
	}
	wantAud := consentAudiencePrefix + req.ID
	if len(claims.Audience) != 1 || subtle.ConstantTimeCompare([]byte(claims.Audience[0]), []byte(wantAud)) != 1 {
		s.auditAuthFailure(claims.Subject, req.ClientID, clientIP, "consent_proof_request_mismatch")
		return "", NewOAuthError(ErrorCodeAccessDenied, "identity verification required")
	}
	email := claims.Subject

	if s.Auditor != nil {
		s.Auditor.LogConsentDecision(email, req.ClientID, clientIP, approved)
	}

	if !approved {
		_ = s.flowStore.DeleteAuthorizationRequest(ctx, req.ID)
		return redirectWithError(req.RedirectURI, ErrorCodeAccessDenied, "the user denied the request", req.State), nil
	}

	code := generateRandomToken()

	if err := s.flowStore.CompleteAuthorizationRequest(ctx, req.ID, email, code); err != nil {
		if errors.Is(err, storage.ErrRequestCompleted) {
			return "", NewOAuthError(ErrorCodeInvalidRequest, "authorization request already completed")
		}
		return "", fmt.Errorf("failed to complete authorization request: %w", err)
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:          code,
		ClientID:      req.ClientID,
		UserEmail:     email,
		Resource:      req.Resource,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Scope:         req.Scope,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.saveConsent(ctx, email, req)

	return redirectWithCode(req.RedirectURI, code, req.State), nil
}

// saveConsent upserts the durable grant backing "previously authorized".
// Failures are logged, not surfaced: consent records are UX, not a
// security control.
func (s *Server) saveConsent(ctx context.Context, email string, req *storage.AuthorizationRequest) {
	resourceID := ""
	if req.Resource != "" {
		resource, err := s.resourceStore.GetResourceByURL(ctx, req.Resource)
		if err != nil {
			s.Logger.Warn("failed to resolve resource for consent record", "error", err)
			return
		}
		resourceID = resource.ID
	}

	now := time.Now()
	grant := &storage.UserAuthorization{
		UserEmail:  email,
		ResourceID: resourceID,
		ClientID:   req.ClientID,
		Scope:      req.Scope,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.consentStore.SaveUserAuthorization(ctx, grant); err != nil {
		s.Logger.Warn("failed to save consent record", "error", err)
	}
}

// ExchangeCode handles grant_type=authorization_code. The code is marked
// used atomically before any further validation, so two concurrent
// exchanges of one code can never both mint tokens.
func (s *Server) ExchangeCode(ctx context.Context, p TokenParams) (*TokenGrant, error) {
	client, err := s.clientForToken(ctx, p.ClientID, p.ClientSecret, p.ClientIP)
	if err != nil {
		return nil, err
	}

	authCode, err := s.flowStore.MarkAuthorizationCodeUsed(ctx, p.Code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeUsed) {
			// A second exchange of the same code indicates interception
			// or a misbehaving client.
			if s.Auditor != nil {
				s.Auditor.LogCodeReplay(p.ClientID, p.ClientIP)
			}
			if s.Metrics != nil {
				s.Metrics.RecordCodeReuseDetected(ctx)
			}
			s.Logger.Error("authorization code replay detected",
				"client_id", p.ClientID,
				"code_prefix", safeTruncate(p.Code, 8))
		} else {
			s.Logger.Debug("authorization code validation failed",
				"reason", err.Error(),
				"client_id", p.ClientID,
				"code_prefix", safeTruncate(p.Code, 8))
		}
		s.auditAuthFailure("", p.ClientID, p.ClientIP, "invalid_authorization_code")
		return nil, NewOAuthError(ErrorCodeInvalidGrant, "invalid grant")
	}

	// The code is burned; remaining checks reject without un-burning it.

	if authCode.ClientID != p.ClientID {
		s.auditAuthFailure("", p.ClientID, p.ClientIP, "code_client_mismatch")
		return nil, NewOAuthError(ErrorCodeInvalidGrant, "invalid grant")
	}
	if authCode.RedirectURI != p.RedirectURI {
		s.auditAuthFailure("", p.ClientID, p.ClientIP, "code_redirect_uri_mismatch")
		return nil, NewOAuthError(ErrorCodeInvalidGrant, "invalid grant")
	}
	if err := s.validatePKCE(authCode.CodeChallenge, p.CodeVerifier); err != nil {
		s.auditAuthFailure(authCode.UserEmail, p.ClientID, p.ClientIP, "pkce_verification_failed")
		if s.Metrics != nil {
			s.Metrics.RecordPKCEValidationFailed(ctx)
		}
		return nil, NewOAuthError(ErrorCodeInvalidGrant, err.Error())
	}
	if p.Resource != "" && p.Resource != authCode.Resource {
		s.auditAuthFailure(authCode.UserEmail, p.ClientID, p.ClientIP, "code_resource_mismatch")
		return nil, NewOAuthError(ErrorCodeInvalidTarget, "resource does not match the authorization grant")
	}

	grant, err := s.mintTokenPair(ctx, authCode.UserEmail, client.ClientID, authCode.Resource, authCode.Scope)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserEmail, p.ClientID, p.ClientIP, authCode.Resource, authCode.Scope)
	}

	return grant, nil
}

// ExchangeRefresh handles grant_type=refresh_token with strict rotation:
// the presented refresh token is revoked atomically before the replacement
// pair is minted, so concurrent refreshes of one token have exactly one
// winner and a rotated token can never be replayed.
func (s *Server) ExchangeRefresh(ctx context.Context, p TokenParams) (*TokenGrant, error) {
	if _, err := s.clientForToken(ctx, p.ClientID, p.ClientSecret, p.ClientIP); err != nil {
		return nil, err
	}

	oldPair, err := s.tokenStore.RevokeTokenPairByRefreshToken(ctx, p.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrRevoked) {
			// Use of an already-rotated refresh token is the classic theft
			// signal.
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      "refresh_token_reuse_detected",
					ClientID:  p.ClientID,
					IPAddress: p.ClientIP,
					Details:   map[string]any{"severity": "critical"},
				})
			}
			if s.Metrics != nil {
				s.Metrics.RecordRefreshReuseDetected(ctx)
			}
			s.Logger.Error("refresh token reuse detected",
				"client_id", p.ClientID,
				"token_prefix", safeTruncate(p.RefreshToken, 8))
		} else {
			s.Logger.Debug("refresh token validation failed",
				"reason", err.Error(),
				"client_id", p.ClientID,
				"token_prefix", safeTruncate(p.RefreshToken, 8))
		}
		s.auditAuthFailure("", p.ClientID, p.ClientIP, "invalid_refresh_token")
		return nil, NewOAuthError(ErrorCodeInvalidGrant, "invalid grant")
	}

	if oldPair.ClientID != p.ClientID {
		s.auditAuthFailure(oldPair.UserEmail, p.ClientID, p.ClientIP, "refresh_client_mismatch")
		return nil, NewOAuthError(ErrorCodeInvalidGrant, "invalid grant")
	}

	// Optional scope narrowing; escalation past the original grant is not.
	scope := oldPair.Scope
	if p.Scope != "" {
		if !scopeSubset(p.Scope, oldPair.Scope) {
			return nil, NewOAuthError(ErrorCodeInvalidScope, "requested scope exceeds the original grant")
		}
		scope = p.Scope
	}

	grant, err := s.mintTokenPair(ctx, oldPair.UserEmail, oldPair.ClientID, oldPair.Resource, scope)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(oldPair.UserEmail, p.ClientID, p.ClientIP)
	}

	return grant, nil
}

// clientForToken authenticates the client on the token endpoint.
func (s *Server) clientForToken(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.auditAuthFailure("", clientID, clientIP, "unknown_client")
		return nil, NewOAuthError(ErrorCodeInvalidClient, "client authentication failed")
	}
	if err := s.authenticateClient(client, clientSecret); err != nil {
		s.auditAuthFailure("", clientID, clientIP, "client_authentication_failed")
		return nil, NewOAuthError(ErrorCodeInvalidClient, "client authentication failed")
	}
	return client, nil
}

// mintTokenPair issues a signed access token and opaque refresh token and
// persists the pair. Tokens without a requested resource are bound to the
// issuer itself.
func (s *Server) mintTokenPair(ctx context.Context, userEmail, clientID, resource, scope string) (*TokenGrant, error) {
	audience := resource
	if audience == "" {
		audience = s.Config.Issuer
	}

	now := time.Now()
	pairID := uuid.NewString()
	accessTTL := time.Duration(s.Config.AccessTokenTTL) * time.Second
	refreshTTL := time.Duration(s.Config.RefreshTokenTTL) * time.Second

	accessToken, err := s.codec.Mint(userEmail, audience, clientID, scope, pairID, accessTTL, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}
	refreshToken := generateRandomToken()

	pair := &storage.TokenPair{
		ID:               pairID,
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ClientID:         clientID,
		UserEmail:        userEmail,
		Resource:         resource,
		Scope:            scope,
		AccessExpiresAt:  now.Add(accessTTL),
		RefreshExpiresAt: now.Add(refreshTTL),
		CreatedAt:        now,
	}
	if err := s.tokenStore.SaveTokenPair(ctx, pair); err != nil {
		return nil, fmt.Errorf("failed to save token pair: %w", err)
	}

	return &TokenGrant{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// Introspect authenticates a resource server by API key and reports the
// state of an access token. Any defect in the token itself yields
// {active: false} rather than an error, so callers cannot distinguish
// expired from revoked from forged.
func (s *Server) Introspect(ctx context.Context, apiKey, tokenValue string) (*Introspection, error) {
	if _, err := s.resourceForAPIKey(ctx, apiKey); err != nil {
		return nil, ErrUnauthorizedAPIKey
	}

	inactive := &Introspection{Active: false}

	claims, err := s.codec.Verify(tokenValue)
	if err != nil {
		return inactive, nil
	}

	pair, err := s.tokenStore.GetTokenPairByAccessToken(ctx, tokenValue)
	if err != nil || !pair.ActiveAccess(time.Now()) {
		return inactive, nil
	}

	// The aud claim is reported as issued; enforcing that a token was
	// minted for the caller's own resource is the resource server's job.
	audience := ""
	if len(claims.Audience) > 0 {
		audience = claims.Audience[0]
	}

	return &Introspection{
		Active:    true,
		Subject:   claims.Subject,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		Audience:  audience,
		TokenType: "Bearer",
		ExpiresAt: claims.ExpiresAt.Unix(),
		IssuedAt:  claims.IssuedAt.Unix(),
	}, nil
}

// resourceForAPIKey resolves an "sk_<id>.<secret>" API key to its
// resource, verifying the secret against the stored hash.
func (s *Server) resourceForAPIKey(ctx context.Context, apiKey string) (*storage.Resource, error) {
	rest, ok := strings.CutPrefix(apiKey, "sk_")
	if !ok {
		return nil, fmt.Errorf("malformed api key")
	}
	keyID, secret, ok := strings.Cut(rest, ".")
	if !ok || keyID == "" || secret == "" {
		return nil, fmt.Errorf("malformed api key")
	}

	key, err := s.resourceStore.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("unknown api key")
	}
	if err := security.VerifySecret(secret, key.SecretHash); err != nil {
		return nil, fmt.Errorf("api key secret mismatch")
	}

	return s.resourceStore.GetResource(ctx, key.ResourceID)
}

// Revoke handles RFC 7009 revocation. Revoking either half of a pair
// revokes both. Unknown tokens and tokens owned by other clients succeed
// silently; the only reportable failure is client authentication.
func (s *Server) Revoke(ctx context.Context, clientID, clientSecret, tokenValue, clientIP string) error {
	if _, err := s.clientForToken(ctx, clientID, clientSecret, clientIP); err != nil {
		return err
	}

	pair, err := s.tokenStore.GetTokenPairByAccessToken(ctx, tokenValue)
	if err != nil {
		pair, err = s.tokenStore.GetTokenPairByRefreshToken(ctx, tokenValue)
	}
	if err != nil {
		return nil
	}
	if pair.ClientID != clientID {
		return nil
	}

	if err := s.tokenStore.RevokeTokenPair(ctx, pair.ID); err != nil {
		s.Logger.Warn("failed to revoke token pair", "error", err, "pair_id", pair.ID)
		return nil
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(pair.UserEmail, clientID, clientIP, "revocation_endpoint")
	}
	return nil
}

// auditAuthFailure logs an authentication failure when auditing is on.
func (s *Server) auditAuthFailure(userEmail, clientID, clientIP, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(userEmail, clientID, clientIP, reason)
	}
}

// redirectWithCode builds the success redirect back to the client.
func redirectWithCode(redirectURI, code, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

// redirectWithError builds an error redirect back to the client.
func redirectWithError(redirectURI, errorCode, description, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("error", errorCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
