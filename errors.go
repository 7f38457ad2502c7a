package mcpauth

import "github.com/authagent/mcp-auth/server"

// OAuthError is the typed protocol error returned by the flow layer.
// Re-exported so embedding callers can match on it without importing the
// server package.
type OAuthError = server.OAuthError

// OAuth error codes, RFC 6749 plus RFC 8707 invalid_target.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidTarget           = server.ErrorCodeInvalidTarget
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeExpiredRequest          = server.ErrorCodeExpiredRequest
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
)

// NewOAuthError creates a protocol error.
func NewOAuthError(code, description string) *OAuthError {
	return server.NewOAuthError(code, description)
}
