package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/authagent/mcp-auth/identity"
	"github.com/authagent/mcp-auth/internal/testutil"
	"github.com/authagent/mcp-auth/storage"
	"github.com/authagent/mcp-auth/storage/memory"
)

const (
	testIssuer   = "http://localhost:8080"
	testEmail    = "user@example.com"
	testIP       = "203.0.113.7"
	testRedirect = "https://app.example.com/callback"
	testResource = "https://api.example.com"
)

// stubVerifier hands out a fixed code per address and consumes it on a
// successful verification, mirroring the real OTP service contract.
type stubVerifier struct {
	mu      sync.Mutex
	sent    map[string]string
	nextErr error
}

func newStubVerifier() *stubVerifier {
	return &stubVerifier{sent: make(map[string]string)}
}

func (v *stubVerifier) SendCode(_ context.Context, email string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sent[email] = "654321"
	return nil
}

func (v *stubVerifier) VerifyCode(_ context.Context, email, code string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.nextErr != nil {
		err := v.nextErr
		v.nextErr = nil
		return err
	}
	if want, ok := v.sent[email]; ok && want == code {
		delete(v.sent, email)
		return nil
	}
	return identity.ErrInvalidCode
}

func (v *stubVerifier) code(email string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sent[email]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *memory.Store, *stubVerifier) {
	t.Helper()
	store := memory.New(discardLogger())
	t.Cleanup(store.Close)

	verifier := newStubVerifier()
	srv, err := New(store, store, store, store, store, verifier, &Config{
		Issuer:                        testIssuer,
		SigningKey:                    testutil.SigningKey(t),
		AllowPublicClientRegistration: true,
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, store, verifier
}

func seedClient(t *testing.T, store *memory.Store, clientID string, redirectURIs ...string) *storage.Client {
	t.Helper()
	if len(redirectURIs) == 0 {
		redirectURIs = []string{testRedirect}
	}
	client := &storage.Client{
		ClientID:     clientID,
		Name:         "Test App",
		RedirectURIs: redirectURIs,
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		CreatedAt:    time.Now(),
	}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
	return client
}

func seedResource(t *testing.T, store *memory.Store, rawURL string) *storage.Resource {
	t.Helper()
	resource := &storage.Resource{
		ID:        "srv_" + strings.ReplaceAll(rawURL, "/", ""),
		URL:       rawURL,
		Name:      "Test API",
		CreatedAt: time.Now(),
	}
	if err := store.SaveResource(context.Background(), resource); err != nil {
		t.Fatalf("SaveResource: %v", err)
	}
	return resource
}

func authParams(clientID string) AuthorizationParams {
	_, challenge := testutil.PKCEPair()
	return AuthorizationParams{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirect,
		Scope:               "read write",
		State:               testutil.State(),
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Resource:            testResource,
	}
}

// completeFlow drives a request through OTP verification and consent
// and returns the minted authorization code plus the PKCE verifier that
// unlocks it.
func completeFlow(t *testing.T, srv *Server, v *stubVerifier, p AuthorizationParams) (code, pkceVerifier, state string) {
	t.Helper()
	ctx := context.Background()

	pkceVerifier, challenge := testutil.PKCEPair()
	p.CodeChallenge = challenge
	p.CodeChallengeMethod = PKCEMethodS256

	req, err := srv.BeginAuthorization(ctx, p)
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if err := srv.SubmitIdentity(ctx, req.ID, testEmail, testIP); err != nil {
		t.Fatalf("SubmitIdentity: %v", err)
	}
	proof, _, err := srv.ConfirmIdentity(ctx, req.ID, testEmail, v.code(testEmail), testIP)
	if err != nil {
		t.Fatalf("ConfirmIdentity: %v", err)
	}
	redirect, err := srv.Decide(ctx, req.ID, proof, true, testIP)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	code = u.Query().Get("code")
	state = u.Query().Get("state")
	if code == "" {
		t.Fatalf("redirect carries no code: %s", redirect)
	}
	return code, pkceVerifier, state
}

// wantCode asserts that err is an *OAuthError carrying the given code.
func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("expected *OAuthError with code %s, got %T: %q", code, err, err)
	}
	if oauthErr.Code != code {
		t.Fatalf("error code = %s, want %s (description %q)", oauthErr.Code, code, oauthErr.Description)
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	p := authParams("client-1")
	code, pkceVerifier, state := completeFlow(t, srv, v, p)
	if state != p.State {
		t.Errorf("state = %q, want %q", state, p.State)
	}

	grant, err := srv.ExchangeCode(ctx, TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
		Resource:     testResource,
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if grant.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", grant.TokenType)
	}
	if grant.RefreshToken == "" {
		t.Error("grant carries no refresh token")
	}
	if grant.Scope != "read write" {
		t.Errorf("scope = %q, want %q", grant.Scope, "read write")
	}

	claims, err := srv.Codec().Verify(grant.AccessToken)
	if err != nil {
		t.Fatalf("Verify access token: %v", err)
	}
	if claims.Subject != testEmail {
		t.Errorf("sub = %q, want %q", claims.Subject, testEmail)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != testResource {
		t.Errorf("aud = %v, want [%s]", claims.Audience, testResource)
	}
	if claims.ClientID != "client-1" {
		t.Errorf("client_id = %q", claims.ClientID)
	}
}

func TestBeginAuthorizationRejects(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	_, challenge := testutil.PKCEPair()

	tests := []struct {
		name     string
		mutate   func(p *AuthorizationParams)
		wantCode string
	}{
		{
			name:     "unknown client",
			mutate:   func(p *AuthorizationParams) { p.ClientID = "nobody" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect uri",
			mutate:   func(p *AuthorizationParams) { p.RedirectURI = "https://evil.example.com/cb" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "wrong response type",
			mutate:   func(p *AuthorizationParams) { p.ResponseType = "token" },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "missing state",
			mutate:   func(p *AuthorizationParams) { p.State = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "short state",
			mutate:   func(p *AuthorizationParams) { p.State = "abc" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing code challenge",
			mutate:   func(p *AuthorizationParams) { p.CodeChallenge = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain pkce method",
			mutate:   func(p *AuthorizationParams) { p.CodeChallengeMethod = "plain" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "malformed scope",
			mutate:   func(p *AuthorizationParams) { p.Scope = "read wr+te" },
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "unknown resource",
			mutate:   func(p *AuthorizationParams) { p.Resource = "https://unknown.example.com" },
			wantCode: ErrorCodeInvalidTarget,
		},
		{
			name:     "resource with fragment",
			mutate:   func(p *AuthorizationParams) { p.Resource = testResource + "#frag" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "relative resource",
			mutate:   func(p *AuthorizationParams) { p.Resource = "/api" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "non-http resource scheme",
			mutate:   func(p *AuthorizationParams) { p.Resource = "ftp://api.example.com" },
			wantCode: ErrorCodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := AuthorizationParams{
				ResponseType:        "code",
				ClientID:            "client-1",
				RedirectURI:         testRedirect,
				Scope:               "read",
				State:               testutil.State(),
				CodeChallenge:       challenge,
				CodeChallengeMethod: PKCEMethodS256,
				Resource:            testResource,
			}
			tt.mutate(&p)
			_, err := srv.BeginAuthorization(ctx, p)
			wantCode(t, err, tt.wantCode)
		})
	}
}

func TestBeginAuthorizationRequiresResourceWhenConfigured(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedClient(t, store, "client-1")
	srv.Config.RequireResource = true

	p := authParams("client-1")
	p.Resource = ""
	_, err := srv.BeginAuthorization(context.Background(), p)
	wantCode(t, err, ErrorCodeInvalidTarget)
}

func TestBeginAuthorizationNormalizesScope(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)

	p := authParams("client-1")
	p.Scope = "write  read write"
	req, err := srv.BeginAuthorization(context.Background(), p)
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if req.Scope != "read write" {
		t.Errorf("stored scope = %q, want %q", req.Scope, "read write")
	}
}

func TestSubmitIdentityExpiredRequest(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	req, err := srv.BeginAuthorization(ctx, authParams("client-1"))
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}

	req.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveAuthorizationRequest(ctx, req); err != nil {
		t.Fatalf("SaveAuthorizationRequest: %v", err)
	}

	err = srv.SubmitIdentity(ctx, req.ID, testEmail, testIP)
	wantCode(t, err, ErrorCodeExpiredRequest)
}

func TestSubmitIdentityUnknownRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)
	err := srv.SubmitIdentity(context.Background(), "no-such-request", testEmail, testIP)
	wantCode(t, err, ErrorCodeInvalidRequest)
}

func TestConfirmIdentityWrongCode(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	req, err := srv.BeginAuthorization(ctx, authParams("client-1"))
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if err := srv.SubmitIdentity(ctx, req.ID, testEmail, testIP); err != nil {
		t.Fatalf("SubmitIdentity: %v", err)
	}

	_, _, err = srv.ConfirmIdentity(ctx, req.ID, testEmail, "000000", testIP)
	wantCode(t, err, ErrorCodeInvalidGrant)
}

func TestConfirmIdentityTooManyAttempts(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	req, err := srv.BeginAuthorization(ctx, authParams("client-1"))
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	v.nextErr = identity.ErrTooManyAttempts

	_, _, err = srv.ConfirmIdentity(ctx, req.ID, testEmail, "000000", testIP)
	wantCode(t, err, ErrorCodeAccessDenied)
}

func TestDecideRequiresConsentProof(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	req, err := srv.BeginAuthorization(ctx, authParams("client-1"))
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}

	_, err = srv.Decide(ctx, req.ID, "not-a-proof", true, testIP)
	wantCode(t, err, ErrorCodeAccessDenied)
}

func TestConsentProofBoundToRequest(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	reqA, err := srv.BeginAuthorization(ctx, authParams("client-1"))
	if err != nil {
		t.Fatalf("BeginAuthorization A: %v", err)
	}
	reqB, err := srv.BeginAuthorization(ctx, authParams("client-1"))
	if err != nil {
		t.Fatalf("BeginAuthorization B: %v", err)
	}

	if err := srv.SubmitIdentity(ctx, reqA.ID, testEmail, testIP); err != nil {
		t.Fatalf("SubmitIdentity: %v", err)
	}
	proofA, _, err := srv.ConfirmIdentity(ctx, reqA.ID, testEmail, v.code(testEmail), testIP)
	if err != nil {
		t.Fatalf("ConfirmIdentity: %v", err)
	}

	// A proof minted for request A cannot complete request B.
	_, err = srv.Decide(ctx, reqB.ID, proofA, true, testIP)
	wantCode(t, err, ErrorCodeAccessDenied)
}

func TestDecideDenied(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	p := authParams("client-1")
	req, err := srv.BeginAuthorization(ctx, p)
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if err := srv.SubmitIdentity(ctx, req.ID, testEmail, testIP); err != nil {
		t.Fatalf("SubmitIdentity: %v", err)
	}
	proof, _, err := srv.ConfirmIdentity(ctx, req.ID, testEmail, v.code(testEmail), testIP)
	if err != nil {
		t.Fatalf("ConfirmIdentity: %v", err)
	}

	redirect, err := srv.Decide(ctx, req.ID, proof, false, testIP)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	u, _ := url.Parse(redirect)
	if got := u.Query().Get("error"); got != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want %q", got, ErrorCodeAccessDenied)
	}
	if got := u.Query().Get("state"); got != p.State {
		t.Errorf("state = %q, want %q", got, p.State)
	}
	if u.Query().Get("code") != "" {
		t.Error("denial redirect carries a code")
	}
}

func TestDecideIsTerminal(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	req, err := srv.BeginAuthorization(ctx, authParams("client-1"))
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if err := srv.SubmitIdentity(ctx, req.ID, testEmail, testIP); err != nil {
		t.Fatalf("SubmitIdentity: %v", err)
	}
	proof, _, err := srv.ConfirmIdentity(ctx, req.ID, testEmail, v.code(testEmail), testIP)
	if err != nil {
		t.Fatalf("ConfirmIdentity: %v", err)
	}
	if _, err := srv.Decide(ctx, req.ID, proof, true, testIP); err != nil {
		t.Fatalf("first Decide: %v", err)
	}

	// The request is terminal; a second decision cannot mint a second code.
	_, err = srv.Decide(ctx, req.ID, proof, true, testIP)
	wantCode(t, err, ErrorCodeInvalidRequest)
}

func TestExchangeCodeSingleUse(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	p := TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	}

	if _, err := srv.ExchangeCode(ctx, p); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	_, err := srv.ExchangeCode(ctx, p)
	wantCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeCodeConcurrent(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)

	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	p := TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.ExchangeCode(context.Background(), p)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d exchanges succeeded, want exactly 1", wins)
	}
}

func TestExchangeCodeRejectsMismatches(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedClient(t, store, "client-2")
	seedResource(t, store, testResource)
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(p *TokenParams)
		wantCode string
	}{
		{
			name:     "wrong client",
			mutate:   func(p *TokenParams) { p.ClientID = "client-2" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "wrong redirect uri",
			mutate:   func(p *TokenParams) { p.RedirectURI = "https://app.example.com/other" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "wrong pkce verifier",
			mutate: func(p *TokenParams) {
				other, _ := testutil.PKCEPair()
				p.CodeVerifier = other
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "resource mismatch",
			mutate:   func(p *TokenParams) { p.Resource = "https://other.example.com" },
			wantCode: ErrorCodeInvalidTarget,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
			p := TokenParams{
				GrantType:    "authorization_code",
				ClientID:     "client-1",
				Code:         code,
				RedirectURI:  testRedirect,
				CodeVerifier: pkceVerifier,
				Resource:     testResource,
			}
			tt.mutate(&p)
			_, err := srv.ExchangeCode(ctx, p)
			wantCode(t, err, tt.wantCode)

			// Every rejection burns the code.
			p = TokenParams{
				GrantType:    "authorization_code",
				ClientID:     "client-1",
				Code:         code,
				RedirectURI:  testRedirect,
				CodeVerifier: pkceVerifier,
				Resource:     testResource,
			}
			if _, err := srv.ExchangeCode(ctx, p); err == nil {
				t.Error("code survived a failed exchange")
			}
		})
	}
}

func TestExchangeCodePublicClientMustNotSendSecret(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)

	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	_, err := srv.ExchangeCode(context.Background(), TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		ClientSecret: "surprise",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	})
	wantCode(t, err, ErrorCodeInvalidClient)
}

func TestRefreshRotation(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	first, err := srv.ExchangeCode(ctx, TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	second, err := srv.ExchangeRefresh(ctx, TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "client-1",
		RefreshToken: first.RefreshToken,
	})
	if err != nil {
		t.Fatalf("ExchangeRefresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if second.AccessToken == first.AccessToken {
		t.Error("access token was not replaced")
	}

	// The rotated-out token is dead.
	_, err = srv.ExchangeRefresh(ctx, TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "client-1",
		RefreshToken: first.RefreshToken,
	})
	wantCode(t, err, ErrorCodeInvalidGrant)

	// Rotation revoked the whole first pair, access token included.
	_, apiKey := registerTestResource(t, srv, "https://api2.example.com")
	result, err := srv.Introspect(ctx, apiKey, first.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if result.Active {
		t.Error("rotated-out access token still introspects active")
	}
}

func TestRefreshConcurrent(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	grant, err := srv.ExchangeCode(ctx, TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.ExchangeRefresh(context.Background(), TokenParams{
				GrantType:    "refresh_token",
				ClientID:     "client-1",
				RefreshToken: grant.RefreshToken,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d refreshes succeeded, want exactly 1", wins)
	}
}

func TestRefreshScopeNarrowing(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	grant, err := srv.ExchangeCode(ctx, TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	narrowed, err := srv.ExchangeRefresh(ctx, TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "client-1",
		RefreshToken: grant.RefreshToken,
		Scope:        "read",
	})
	if err != nil {
		t.Fatalf("narrowing refresh: %v", err)
	}
	if narrowed.Scope != "read" {
		t.Errorf("scope = %q, want read", narrowed.Scope)
	}

	// Escalating past the original grant is refused.
	_, err = srv.ExchangeRefresh(ctx, TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "client-1",
		RefreshToken: narrowed.RefreshToken,
		Scope:        "read write admin",
	})
	wantCode(t, err, ErrorCodeInvalidScope)
}

func TestRefreshWrongClient(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedClient(t, store, "client-2")
	seedResource(t, store, testResource)
	ctx := context.Background()

	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	grant, err := srv.ExchangeCode(ctx, TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	_, err = srv.ExchangeRefresh(ctx, TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "client-2",
		RefreshToken: grant.RefreshToken,
	})
	wantCode(t, err, ErrorCodeInvalidGrant)
}

// captureMetrics counts security metric calls for assertions.
type captureMetrics struct {
	mu           sync.Mutex
	pkceFailed   int
	codeReuse    int
	refreshReuse int
}

func (m *captureMetrics) RecordPKCEValidationFailed(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pkceFailed++
}

func (m *captureMetrics) RecordCodeReuseDetected(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codeReuse++
}

func (m *captureMetrics) RecordRefreshReuseDetected(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshReuse++
}

func TestSecurityMetricsRecorded(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	metrics := &captureMetrics{}
	srv.SetMetrics(metrics)

	// PKCE failure on a fresh code.
	code, _, _ := completeFlow(t, srv, v, authParams("client-1"))
	wrongVerifier, _ := testutil.PKCEPair()
	_, err := srv.ExchangeCode(ctx, TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: wrongVerifier,
	})
	wantCode(t, err, ErrorCodeInvalidGrant)
	if metrics.pkceFailed != 1 {
		t.Errorf("pkce failures recorded = %d, want 1", metrics.pkceFailed)
	}

	// Replaying an exchanged code.
	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	p := TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	}
	grant, err := srv.ExchangeCode(ctx, p)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if _, err := srv.ExchangeCode(ctx, p); err == nil {
		t.Fatal("replayed code was accepted")
	}
	if metrics.codeReuse != 1 {
		t.Errorf("code reuse recorded = %d, want 1", metrics.codeReuse)
	}

	// Replaying a rotated refresh token.
	if _, err := srv.ExchangeRefresh(ctx, TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "client-1",
		RefreshToken: grant.RefreshToken,
	}); err != nil {
		t.Fatalf("ExchangeRefresh: %v", err)
	}
	if _, err := srv.ExchangeRefresh(ctx, TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "client-1",
		RefreshToken: grant.RefreshToken,
	}); err == nil {
		t.Fatal("rotated refresh token was accepted")
	}
	if metrics.refreshReuse != 1 {
		t.Errorf("refresh reuse recorded = %d, want 1", metrics.refreshReuse)
	}
}

// registerTestResource registers a resource through the public API and
// returns it with its one-time API key.
func registerTestResource(t *testing.T, srv *Server, rawURL string) (*storage.Resource, string) {
	t.Helper()
	resource, apiKey, err := srv.RegisterResource(context.Background(), ResourceRegistration{
		Name: "API " + rawURL,
		URL:  rawURL,
	}, "", testIP)
	if err != nil {
		t.Fatalf("RegisterResource: %v", err)
	}
	return resource, apiKey
}

func TestIntrospect(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	_, apiKey := registerTestResource(t, srv, testResource)
	ctx := context.Background()

	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	grant, err := srv.ExchangeCode(ctx, TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	result, err := srv.Introspect(ctx, apiKey, grant.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !result.Active {
		t.Fatal("fresh access token introspects inactive")
	}
	if result.Subject != testEmail || result.ClientID != "client-1" {
		t.Errorf("claims = %+v", result)
	}
	if result.Audience != testResource {
		t.Errorf("aud = %q, want %q", result.Audience, testResource)
	}

	t.Run("garbage token is inactive", func(t *testing.T) {
		result, err := srv.Introspect(ctx, apiKey, "not-a-token")
		if err != nil {
			t.Fatalf("Introspect: %v", err)
		}
		if result.Active {
			t.Error("garbage token introspects active")
		}
	})

	t.Run("bad api key is unauthorized", func(t *testing.T) {
		for _, key := range []string{"", "nonsense", "sk_missing.secret", "sk_nodot"} {
			if _, err := srv.Introspect(ctx, key, grant.AccessToken); !errors.Is(err, ErrUnauthorizedAPIKey) {
				t.Errorf("key %q: err = %v, want ErrUnauthorizedAPIKey", key, err)
			}
		}
	})

	t.Run("claims are not filtered by the caller's resource", func(t *testing.T) {
		// A key for another resource sees the same claims; audience
		// enforcement is the resource server's job.
		_, otherKey := registerTestResource(t, srv, "https://other.example.com")
		result, err := srv.Introspect(ctx, otherKey, grant.AccessToken)
		if err != nil {
			t.Fatalf("Introspect: %v", err)
		}
		if !result.Active {
			t.Fatal("token inactive for the other resource's key")
		}
		if result.Audience != testResource {
			t.Errorf("aud = %q, want %q", result.Audience, testResource)
		}
	})
}

func TestRevoke(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedClient(t, store, "client-2")
	_, apiKey := registerTestResource(t, srv, testResource)
	ctx := context.Background()

	code, pkceVerifier, _ := completeFlow(t, srv, v, authParams("client-1"))
	grant, err := srv.ExchangeCode(ctx, TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: pkceVerifier,
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	// Another client revoking someone else's token succeeds silently and
	// changes nothing.
	if err := srv.Revoke(ctx, "client-2", "", grant.RefreshToken, testIP); err != nil {
		t.Fatalf("cross-client Revoke: %v", err)
	}
	if result, _ := srv.Introspect(ctx, apiKey, grant.AccessToken); !result.Active {
		t.Fatal("cross-client revocation took effect")
	}

	// Unknown tokens succeed per RFC 7009.
	if err := srv.Revoke(ctx, "client-1", "", "no-such-token", testIP); err != nil {
		t.Fatalf("unknown-token Revoke: %v", err)
	}

	// Revoking by refresh token kills the access token too.
	if err := srv.Revoke(ctx, "client-1", "", grant.RefreshToken, testIP); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	result, err := srv.Introspect(ctx, apiKey, grant.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if result.Active {
		t.Error("access token survives refresh-token revocation")
	}

	// A revoked refresh token cannot rotate.
	_, err = srv.ExchangeRefresh(ctx, TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "client-1",
		RefreshToken: grant.RefreshToken,
	})
	wantCode(t, err, ErrorCodeInvalidGrant)
}

func TestPreviouslyAuthorizedHint(t *testing.T) {
	srv, store, v := newTestServer(t)
	seedClient(t, store, "client-1")
	seedResource(t, store, testResource)
	ctx := context.Background()

	// First pass: no grant on file yet.
	p := authParams("client-1")
	req, err := srv.BeginAuthorization(ctx, p)
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if err := srv.SubmitIdentity(ctx, req.ID, testEmail, testIP); err != nil {
		t.Fatalf("SubmitIdentity: %v", err)
	}
	proof, previously, err := srv.ConfirmIdentity(ctx, req.ID, testEmail, v.code(testEmail), testIP)
	if err != nil {
		t.Fatalf("ConfirmIdentity: %v", err)
	}
	if previously {
		t.Error("previouslyAuthorized = true before any consent")
	}
	if _, err := srv.Decide(ctx, req.ID, proof, true, testIP); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	// Second pass with the same client, resource, and scopes.
	req2, err := srv.BeginAuthorization(ctx, authParams("client-1"))
	if err != nil {
		t.Fatalf("second BeginAuthorization: %v", err)
	}
	if err := srv.SubmitIdentity(ctx, req2.ID, testEmail, testIP); err != nil {
		t.Fatalf("SubmitIdentity: %v", err)
	}
	_, previously, err = srv.ConfirmIdentity(ctx, req2.ID, testEmail, v.code(testEmail), testIP)
	if err != nil {
		t.Fatalf("ConfirmIdentity: %v", err)
	}
	if !previously {
		t.Error("previouslyAuthorized = false after an identical grant")
	}
}
