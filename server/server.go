package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/authagent/mcp-auth/identity"
	"github.com/authagent/mcp-auth/security"
	"github.com/authagent/mcp-auth/storage"
	"github.com/authagent/mcp-auth/token"
)

// safeTruncate truncates a string to maxLen characters without panicking,
// for logging prefixes of codes and tokens.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// SecurityMetrics receives counters for the attack signals the flow layer
// detects. Implemented by instrumentation.Metrics.
type SecurityMetrics interface {
	RecordPKCEValidationFailed(ctx context.Context)
	RecordCodeReuseDetected(ctx context.Context)
	RecordRefreshReuseDetected(ctx context.Context)
}

// Server implements the authorization server logic: the authorization code
// flow with PKCE, email OTP identity verification, token issuance with
// refresh rotation, introspection, and revocation. It holds no per-flow
// state; everything in flight lives in the stores.
type Server struct {
	clientStore   storage.ClientStore
	resourceStore storage.ResourceStore
	flowStore     storage.FlowStore
	tokenStore    storage.TokenStore
	consentStore  storage.ConsentStore
	codec         *token.Codec
	verifier      identity.Verifier

	Auditor             *security.Auditor
	Metrics             SecurityMetrics         // optional security event counters
	RateLimiter         *security.RateLimiter   // IP-based, enforced at the HTTP layer
	OTPLimiter          *security.WindowLimiter // per-email OTP send budget
	RegistrationLimiter *security.WindowLimiter // per-IP registration budget
	Logger              *slog.Logger
	Config              *Config
}

// New creates an authorization server. All stores and the identity
// verifier are required; auditor and rate limiters are optional and set
// via the Set* methods.
func New(
	clientStore storage.ClientStore,
	resourceStore storage.ResourceStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	consentStore storage.ConsentStore,
	verifier identity.Verifier,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if resourceStore == nil {
		return nil, fmt.Errorf("resource store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if consentStore == nil {
		return nil, fmt.Errorf("consent store is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("identity verifier is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	codec, err := token.NewCodec(config.SigningKey, config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}

	srv := &Server{
		clientStore:   clientStore,
		resourceStore: resourceStore,
		flowStore:     flowStore,
		tokenStore:    tokenStore,
		consentStore:  consentStore,
		codec:         codec,
		verifier:      verifier,
		Config:        config,
		Logger:        logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetMetrics sets the security metrics sink.
func (s *Server) SetMetrics(m SecurityMetrics) {
	s.Metrics = m
}

// SetRateLimiter sets the IP-based rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetOTPLimiter sets the per-email verification code send budget.
func (s *Server) SetOTPLimiter(wl *security.WindowLimiter) {
	s.OTPLimiter = wl
}

// SetRegistrationLimiter sets the per-IP registration budget.
func (s *Server) SetRegistrationLimiter(wl *security.WindowLimiter) {
	s.RegistrationLimiter = wl
}

// Codec exposes the token codec for introspection by embedding callers.
func (s *Server) Codec() *token.Codec {
	return s.codec
}

// GetClient looks up a registered client by ID.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// GetResource looks up a registered protected resource by ID.
func (s *Server) GetResource(ctx context.Context, resourceID string) (*storage.Resource, error) {
	return s.resourceStore.GetResource(ctx, resourceID)
}

// generateRandomToken returns a URL-safe random string with the entropy of
// a PKCE verifier, used for authorization codes, refresh tokens, and IDs.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
