// Package mcpauth implements an OAuth 2.1 authorization server that
// issues audience-bound tokens for registered resource servers, with
// email one-time-code identity verification, PKCE (S256 only), strict
// refresh token rotation, and RFC 7662 introspection gated by resource
// API keys.
package mcpauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/authagent/mcp-auth/identity"
	"github.com/authagent/mcp-auth/instrumentation"
	"github.com/authagent/mcp-auth/security"
	"github.com/authagent/mcp-auth/server"
	"github.com/authagent/mcp-auth/storage"
)

// Options configures New. Stores, the verifier, and the config are
// required; everything else defaults to a working single-process setup.
type Options struct {
	ClientStore   storage.ClientStore
	ResourceStore storage.ResourceStore
	FlowStore     storage.FlowStore
	TokenStore    storage.TokenStore
	ConsentStore  storage.ConsentStore

	// Verifier sends and checks the email one-time codes.
	Verifier identity.Verifier

	Config *server.Config
	Logger *slog.Logger

	// Instrumentation is optional; nil disables metrics and tracing.
	Instrumentation *instrumentation.Instrumentation

	// Counter backs the fixed-window limiters (OTP sends, registrations).
	// Defaults to an in-process counter; use the redis counter when
	// running more than one instance.
	Counter storage.Counter

	// AuditEnabled turns on structured security audit events.
	AuditEnabled bool

	// RequestsPerSecond and Burst shape the per-IP rate limiter.
	// Zero values disable it.
	RequestsPerSecond int
	Burst             int
}

// AuthServer bundles the flow server and its HTTP handler.
type AuthServer struct {
	Server  *server.Server
	Handler *Handler

	rateLimiter *security.RateLimiter
	inst        *instrumentation.Instrumentation
}

// New wires an authorization server: flow server, audit, rate limits,
// and the HTTP handler.
func New(opts Options) (*AuthServer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv, err := server.New(
		opts.ClientStore,
		opts.ResourceStore,
		opts.FlowStore,
		opts.TokenStore,
		opts.ConsentStore,
		opts.Verifier,
		opts.Config,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	auditor := security.NewAuditor(logger, opts.AuditEnabled)
	if opts.Instrumentation != nil {
		auditor.SetRecorder(opts.Instrumentation.Metrics())
		srv.SetMetrics(opts.Instrumentation.Metrics())
	}
	srv.SetAuditor(auditor)

	counter := opts.Counter
	if counter == nil {
		counter = security.NewMemoryCounter()
	}
	srv.SetOTPLimiter(security.NewWindowLimiter(counter,
		srv.Config.OTPSendLimit, time.Duration(srv.Config.OTPSendWindow)*time.Second))
	srv.SetRegistrationLimiter(security.NewWindowLimiter(counter,
		srv.Config.MaxClientsPerIP, 24*time.Hour))

	var rl *security.RateLimiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst == 0 {
			burst = opts.RequestsPerSecond * 2
		}
		rl = security.NewRateLimiter(opts.RequestsPerSecond, burst, 10000, logger)
		srv.SetRateLimiter(rl)
	}

	return &AuthServer{
		Server:      srv,
		Handler:     NewHandler(srv, opts.Instrumentation, logger),
		rateLimiter: rl,
		inst:        opts.Instrumentation,
	}, nil
}

// Routes returns the HTTP router for mounting.
func (a *AuthServer) Routes() http.Handler {
	return a.Handler.Routes()
}

// Close releases background resources: the rate limiter's cleanup
// goroutine and the instrumentation providers.
func (a *AuthServer) Close(ctx context.Context) error {
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}
	if a.inst != nil {
		return a.inst.Shutdown(ctx)
	}
	return nil
}
