package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOAuthErrorMessage(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidGrant, "invalid grant")
	if got, want := err.Error(), "invalid_grant: invalid grant"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	formatted := oauthErrorf(ErrorCodeInvalidTarget, "resource %q is not registered", "https://api.example.com")
	if got, want := formatted.Description, `resource "https://api.example.com" is not registered`; got != want {
		t.Errorf("Description = %q, want %q", got, want)
	}
}

func TestOAuthErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrorCodeAccessDenied, http.StatusForbidden},
		{ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
		{ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrorCodeInvalidScope, http.StatusBadRequest},
		{ErrorCodeInvalidTarget, http.StatusBadRequest},
		{ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{ErrorCodeExpiredRequest, http.StatusBadRequest},
		{ErrorCodeServerError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewOAuthError(tt.code, "x")
			if got := err.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOAuthErrorSurvivesWrapping(t *testing.T) {
	inner := NewOAuthError(ErrorCodeInvalidScope, "unsupported scope")
	wrapped := fmt.Errorf("token endpoint: %w", inner)

	var oauthErr *OAuthError
	if !errors.As(wrapped, &oauthErr) {
		t.Fatalf("errors.As failed on %v", wrapped)
	}
	if oauthErr.Code != ErrorCodeInvalidScope {
		t.Errorf("code = %s, want %s", oauthErr.Code, ErrorCodeInvalidScope)
	}
}
