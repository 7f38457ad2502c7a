package server

import (
	"testing"

	"github.com/authagent/mcp-auth/storage"
)

func TestValidateRedirectURISecurity(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"https", "https://app.example.com/callback", false},
		{"https with query", "https://app.example.com/callback?flow=1", false},
		{"http localhost", "http://localhost:3000/callback", false},
		{"http loopback", "http://127.0.0.1:3000/callback", false},
		{"http ipv6 loopback", "http://[::1]:3000/callback", false},
		{"custom scheme", "myapp://oauth/callback", false},
		{"fragment", "https://app.example.com/callback#frag", true},
		{"javascript scheme", "javascript:alert(1)", true},
		{"data scheme", "data:text/html,x", true},
		{"file scheme", "file:///etc/passwd", true},
		{"vbscript scheme", "vbscript:msgbox", true},
		{"about scheme", "about:blank", true},
		{"http public host", "http://app.example.com/callback", true},
		{"unspecified address", "https://[::]/callback", true},
		{"private ip", "https://192.168.1.10/callback", true},
		{"private ten net", "https://10.0.0.5/callback", true},
		{"link local", "https://169.254.169.254/latest/meta-data", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateRedirectURISecurity(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURISecurity(%q) err = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRedirectURIAllowsInsecureHTTPWhenConfigured(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.Config.AllowInsecureHTTP = true

	if err := srv.validateRedirectURISecurity("http://app.example.com/callback"); err != nil {
		t.Errorf("http redirect rejected with AllowInsecureHTTP: %v", err)
	}
	// Private address bans hold even in insecure mode.
	if err := srv.validateRedirectURISecurity("http://192.168.1.10/callback"); err == nil {
		t.Error("private IP redirect accepted")
	}
}

func TestValidateRedirectURIExactMatch(t *testing.T) {
	srv, _, _ := newTestServer(t)
	client := &storage.Client{
		ClientID:     "client-1",
		RedirectURIs: []string{"https://app.example.com/callback"},
	}

	if err := srv.validateRedirectURI(client, "https://app.example.com/callback"); err != nil {
		t.Errorf("registered URI rejected: %v", err)
	}

	// Matching is exact string comparison; no prefix or subpath games.
	for _, uri := range []string{
		"https://app.example.com/callback/",
		"https://app.example.com/callback/extra",
		"https://app.example.com/other",
		"https://app.example.com.evil.com/callback",
	} {
		if err := srv.validateRedirectURI(client, uri); err == nil {
			t.Errorf("unregistered URI %q accepted", uri)
		}
	}
}

func TestValidateCustomScheme(t *testing.T) {
	if err := validateCustomScheme("myapp", nil); err != nil {
		t.Errorf("default pattern rejected myapp: %v", err)
	}
	if err := validateCustomScheme("com.example.app", nil); err != nil {
		t.Errorf("default pattern rejected reverse-domain scheme: %v", err)
	}

	patterns := []string{`^com\.example\.`}
	if err := validateCustomScheme("com.example.app", patterns); err != nil {
		t.Errorf("allowed pattern rejected matching scheme: %v", err)
	}
	if err := validateCustomScheme("myapp", patterns); err == nil {
		t.Error("non-matching scheme accepted under restricted patterns")
	}
}

func TestValidateRedirectURIsForRegistration(t *testing.T) {
	srv, _, _ := newTestServer(t)

	if err := srv.validateRedirectURIsForRegistration(nil); err == nil {
		t.Error("empty redirect URI list accepted")
	}
	if err := srv.validateRedirectURIsForRegistration([]string{
		"https://app.example.com/callback",
		"http://localhost:3000/callback",
	}); err != nil {
		t.Errorf("valid URI list rejected: %v", err)
	}
	if err := srv.validateRedirectURIsForRegistration([]string{
		"https://app.example.com/callback",
		"javascript:alert(1)",
	}); err == nil {
		t.Error("list containing a dangerous scheme accepted")
	}
}
