package server

import (
	"fmt"
	"net/http"
)

// OAuth error codes, RFC 6749 plus RFC 8707 invalid_target.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidTarget           = "invalid_target"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeExpiredRequest          = "expired_request"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError is a protocol rejection carrying an OAuth error code. Every
// flow method returns *OAuthError for failures that belong on the wire;
// any other error it returns is an internal failure the HTTP layer must
// not detail to the caller.
type OAuthError struct {
	Code        string // OAuth error code (e.g. "invalid_request")
	Description string // human-readable description
}

// Error implements the error interface in the RFC 6749 "code: description"
// shape.
func (e *OAuthError) Error() string {
	return e.Code + ": " + e.Description
}

// HTTPStatus maps the error code onto its response status.
func (e *OAuthError) HTTPStatus() int {
	switch e.Code {
	case ErrorCodeInvalidClient:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeInvalidRequest, ErrorCodeInvalidGrant, ErrorCodeInvalidScope,
		ErrorCodeInvalidTarget, ErrorCodeUnsupportedGrantType,
		ErrorCodeUnsupportedResponseType, ErrorCodeExpiredRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewOAuthError creates a protocol error.
func NewOAuthError(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// oauthErrorf creates a protocol error with a formatted description.
func oauthErrorf(code, format string, args ...any) *OAuthError {
	return &OAuthError{Code: code, Description: fmt.Sprintf(format, args...)}
}
