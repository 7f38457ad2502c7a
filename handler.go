package mcpauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authagent/mcp-auth/instrumentation"
	"github.com/authagent/mcp-auth/security"
	"github.com/authagent/mcp-auth/server"
)

// Handler exposes the authorization server over HTTP. It owns wire
// concerns only: parsing, status codes, security headers, and rate
// limiting. All protocol decisions live in the server package.
type Handler struct {
	server  *server.Server
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// NewHandler creates an HTTP handler for srv. The instrumentation is
// optional; passing nil disables metrics and tracing.
func NewHandler(srv *server.Server, inst *instrumentation.Instrumentation, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server: srv,
		logger: logger,
	}
	if inst != nil {
		h.metrics = inst.Metrics()
		h.tracer = inst.Tracer("handler")
	}
	return h
}

// Routes builds the endpoint router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(security.RequestIDMiddleware)
	r.Use(h.securityHeadersMiddleware)
	r.Use(h.metricsMiddleware)
	r.Use(h.rateLimitMiddleware)

	r.Get("/authorize", h.ServeAuthorization)
	r.Post("/otp/send", h.ServeOTPSend)
	r.Post("/otp/verify", h.ServeOTPVerify)
	r.Post("/consent", h.ServeConsent)
	r.Post("/token", h.ServeToken)
	r.Post("/introspect", h.ServeIntrospection)
	r.Post("/revoke", h.ServeRevocation)
	r.Post("/register", h.ServeClientRegistration)
	r.Post("/servers", h.ServeResourceRegistration)
	r.Get("/servers", h.ServeResourceList)

	r.Get("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", h.ServeProtectedResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource/{resourceID}", h.ServeProtectedResourceMetadata)

	return r
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Routes().ServeHTTP(w, r)
}

// securityHeadersMiddleware applies the standard security headers to
// every response.
func (h *Handler) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware records request counts and latency per route
// pattern. Patterns, not raw paths, keep label cardinality bounded.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, rec.status,
			float64(time.Since(start).Milliseconds()))
	})
}

// rateLimitMiddleware enforces the per-IP request budget across all
// endpoints.
func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.server.RateLimiter != nil {
			ip := h.clientIP(r)
			if !h.server.RateLimiter.Allow(ip) {
				if h.server.Auditor != nil {
					h.server.Auditor.LogRateLimitExceeded(ip, "")
				}
				if h.metrics != nil {
					h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
				}
				h.writeError(w, ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ServeAuthorization handles GET /authorize. A valid request is
// persisted and described to the consent frontend as JSON; the frontend
// completes it through /otp/send, /otp/verify, and /consent.
//
// Errors before the client and redirect URI are validated are returned
// to the caller directly. An open redirector is worse than a dead end.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "authorize")
	defer span.End()

	q := r.URL.Query()
	p := server.AuthorizationParams{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}
	instrumentation.AddFlowAttributes(span, p.ClientID, p.Scope, p.Resource)

	req, err := h.server.BeginAuthorization(ctx, p)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordAuthorizationStarted(ctx, p.ClientID)
	}

	resp := AuthorizationPromptResponse{
		RequestID: req.ID,
		ClientID:  req.ClientID,
		Scope:     req.Scope,
		Resource:  req.Resource,
		ExpiresIn: int64(time.Until(req.ExpiresAt).Seconds()),
	}
	if client, err := h.server.GetClient(ctx, req.ClientID); err == nil {
		resp.ClientName = client.Name
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeOTPSend handles POST /otp/send: emails a verification code for a
// pending authorization request.
func (h *Handler) ServeOTPSend(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "otp_send")
	defer span.End()

	var req OTPSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := h.server.SubmitIdentity(ctx, req.RequestID, req.Email, h.clientIP(r)); err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordOTPSent(ctx)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeOTPVerify handles POST /otp/verify: checks the emailed code and
// returns the consent proof required by /consent.
func (h *Handler) ServeOTPVerify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "otp_verify")
	defer span.End()

	var req OTPVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "invalid JSON body", http.StatusBadRequest)
		return
	}

	proof, previouslyAuthorized, err := h.server.ConfirmIdentity(ctx, req.RequestID, req.Email, req.Code, h.clientIP(r))
	if h.metrics != nil {
		h.metrics.RecordOTPVerified(ctx, err == nil)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, OTPVerifyResponse{
		ConsentProof:         proof,
		PreviouslyAuthorized: previouslyAuthorized,
	})
}

// ServeConsent handles POST /consent: records the user's decision and
// returns the redirect URI carrying the authorization code, or the
// access_denied error, back to the client.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "consent")
	defer span.End()

	var req ConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "invalid JSON body", http.StatusBadRequest)
		return
	}

	redirect, err := h.server.Decide(ctx, req.RequestID, req.ConsentProof, req.Approved, h.clientIP(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordConsentDecision(ctx, "", req.Approved)
	}
	h.writeJSON(w, http.StatusOK, ConsentResponse{RedirectURI: redirect})
}

// ServeToken handles POST /token for the authorization_code and
// refresh_token grants. Client credentials may arrive via HTTP Basic or
// form parameters; Basic wins when both are present.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "token")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse form data", http.StatusBadRequest)
		return
	}

	p := server.TokenParams{
		GrantType:    r.FormValue("grant_type"),
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		Code:         r.FormValue("code"),
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		Resource:     r.FormValue("resource"),
		RefreshToken: r.FormValue("refresh_token"),
		Scope:        r.FormValue("scope"),
		ClientIP:     h.clientIP(r),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		p.ClientID = id
		p.ClientSecret = secret
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, p.GrantType),
		attribute.String(instrumentation.AttrClientID, p.ClientID))

	var (
		grant *server.TokenGrant
		err   error
	)
	switch p.GrantType {
	case "authorization_code":
		grant, err = h.server.ExchangeCode(ctx, p)
		if err == nil && h.metrics != nil {
			h.metrics.RecordCodeExchange(ctx, p.ClientID)
		}
	case "refresh_token":
		grant, err = h.server.ExchangeRefresh(ctx, p)
		if err == nil && h.metrics != nil {
			h.metrics.RecordTokenRefresh(ctx, p.ClientID)
		}
	case "":
		err = NewOAuthError(ErrorCodeInvalidRequest, "grant_type is required")
	default:
		err = NewOAuthError(ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", p.GrantType))
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.Int64(instrumentation.AttrExpiresIn, grant.ExpiresIn))

	// Token responses must never be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, grant)
}

// ServeIntrospection handles POST /introspect (RFC 7662). The caller is
// a resource server authenticating with its API key as a bearer
// credential; any defect in the presented token yields {active: false}.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "introspect")
	defer span.End()

	apiKey := bearerToken(r)
	if apiKey == "" {
		h.writeUnauthorized(w, "API key required")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse form data", http.StatusBadRequest)
		return
	}
	tokenValue := r.FormValue("token")
	if tokenValue == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	result, err := h.server.Introspect(ctx, apiKey, tokenValue)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrUnauthorizedAPIKey) {
			h.writeUnauthorized(w, "invalid API key")
			return
		}
		h.writeError(w, ErrorCodeServerError, "internal error", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordIntrospection(ctx, result.Active)
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ServeRevocation handles POST /revoke (RFC 7009). Per the RFC the
// endpoint returns 200 even for unknown tokens; the only reportable
// failure is client authentication.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "revoke")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse form data", http.StatusBadRequest)
		return
	}

	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if id, secret, ok := r.BasicAuth(); ok {
		clientID = id
		clientSecret = secret
	}
	tokenValue := r.FormValue("token")
	if tokenValue == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	if err := h.server.Revoke(ctx, clientID, clientSecret, tokenValue, h.clientIP(r)); err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordTokenRevocation(ctx, clientID)
	}
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles POST /register (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "register_client")
	defer span.End()

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ClientType != "" && req.ClientType != "public" && req.ClientType != "confidential" {
		h.writeError(w, ErrorCodeInvalidRequest, "client_type must be public or confidential", http.StatusBadRequest)
		return
	}

	reg := server.ClientRegistration{
		Name:         req.ClientName,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   req.GrantTypes,
		Scopes:       req.Scopes,
		Confidential: req.ClientType == "confidential",
	}
	client, secret, err := h.server.RegisterClient(ctx, reg, bearerToken(r), h.clientIP(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err)
		return
	}

	clientType := "public"
	if secret != "" {
		clientType = "confidential"
	}
	if h.metrics != nil {
		h.metrics.RecordClientRegistration(ctx, clientType)
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		ClientName:   client.Name,
		ClientType:   clientType,
		RedirectURIs: client.RedirectURIs,
		GrantTypes:   client.GrantTypes,
		Scopes:       client.Scopes,
	})
}

// ServeResourceRegistration handles POST /servers: registers a protected
// resource and returns its introspection API key, shown exactly once.
func (h *Handler) ServeResourceRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "register_resource")
	defer span.End()

	var req ResourceRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "invalid JSON body", http.StatusBadRequest)
		return
	}

	reg := server.ResourceRegistration{
		Name:   req.Name,
		URL:    req.URL,
		Scopes: req.Scopes,
	}
	resource, apiKey, err := h.server.RegisterResource(ctx, reg, bearerToken(r), h.clientIP(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordResourceRegistration(ctx)
	}

	h.writeJSON(w, http.StatusCreated, ResourceRegistrationResponse{
		ID:     resource.ID,
		Name:   resource.Name,
		URL:    resource.URL,
		Scopes: resource.Scopes,
		APIKey: apiKey,
	})
}

// ServeResourceList handles GET /servers.
func (h *Handler) ServeResourceList(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "list_resources")
	defer span.End()

	resources, err := h.server.ListResources(ctx, bearerToken(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err)
		return
	}

	out := make([]ResourceSummary, 0, len(resources))
	for _, res := range resources {
		out = append(out, ResourceSummary{
			ID:     res.ID,
			Name:   res.Name,
			URL:    res.URL,
			Scopes: res.Scopes,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ServeAuthorizationServerMetadata handles RFC 8414 discovery.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.server.Config.Issuer
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RegistrationEndpoint:              issuer + "/register",
		RevocationEndpoint:                issuer + "/revoke",
		IntrospectionEndpoint:             issuer + "/introspect",
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}

// ServeProtectedResourceMetadata handles RFC 9728 discovery. Without a
// resource ID it describes the issuer itself; with one it describes the
// registered resource.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.server.Config.Issuer
	meta := ProtectedResourceMetadata{
		Resource:               issuer,
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.Config.SupportedScopes,
	}

	if resourceID := chi.URLParam(r, "resourceID"); resourceID != "" {
		resource, err := h.server.GetResource(r.Context(), resourceID)
		if err != nil {
			h.writeError(w, ErrorCodeInvalidRequest, "unknown resource", http.StatusNotFound)
			return
		}
		meta.Resource = resource.URL
		meta.ScopesSupported = resource.Scopes
	}

	h.writeJSON(w, http.StatusOK, meta)
}

// startSpan opens a tracing span for a request, falling back to a no-op
// span when instrumentation is disabled.
func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), trace.SpanFromContext(r.Context())
	}
	return h.tracer.Start(r.Context(), name)
}

// clientIP extracts the client IP honoring the proxy trust settings.
func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// bearerToken extracts a bearer credential from the Authorization
// header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// writeJSON writes a JSON response body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeError writes an OAuth error response body.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

// writeUnauthorized writes a 401 with a WWW-Authenticate challenge
// pointing at the protected resource metadata (RFC 9728).
func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer resource_metadata=%q, error="invalid_token", error_description=%q`,
		h.server.Config.Issuer+"/.well-known/oauth-protected-resource", description))
	h.writeError(w, ErrorCodeInvalidClient, description, http.StatusUnauthorized)
}

// writeFlowError maps a server-layer error onto the wire. Sentinel
// errors carry their own status; protocol errors arrive as *OAuthError;
// everything else is an internal failure and is reported without detail.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, server.ErrOTPRateLimited),
		errors.Is(err, server.ErrRegistrationRateLimited):
		h.writeError(w, ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests)
		return
	case errors.Is(err, server.ErrUnauthorizedAPIKey):
		h.writeUnauthorized(w, "invalid API key")
		return
	}

	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		h.logger.Error("internal error", "error", err)
		h.writeError(w, ErrorCodeServerError, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.HTTPStatus())
}
