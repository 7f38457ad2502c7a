package mcpauth

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414).
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL of the dynamic client registration
	// endpoint (RFC 7591).
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the RFC 7009 revocation endpoint.
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the RFC 7662 introspection
	// endpoint.
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported.
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported.
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists client authentication
	// methods accepted at the token endpoint.
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE methods supported.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource
// Metadata (RFC 9728).
type ProtectedResourceMetadata struct {
	// Resource is the identifier (canonical URL) of the protected
	// resource.
	Resource string `json:"resource"`

	// AuthorizationServers lists servers that issue tokens for this
	// resource.
	AuthorizationServers []string `json:"authorization_servers"`

	// BearerMethodsSupported lists how Bearer tokens may be sent
	// (RFC 6750).
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	// ScopesSupported lists the scopes understood by this resource.
	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// ErrorResponse is the wire form of an OAuth error.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationPromptResponse describes a pending authorization request
// to the consent frontend. Returned by GET /authorize; the frontend
// drives the OTP and consent steps against /otp/* and /consent using the
// request ID.
type AuthorizationPromptResponse struct {
	RequestID  string `json:"request_id"`
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Resource   string `json:"resource,omitempty"`
	ExpiresIn  int64  `json:"expires_in"`
}

// OTPSendRequest asks for a verification code to be emailed.
type OTPSendRequest struct {
	RequestID string `json:"request_id"`
	Email     string `json:"email"`
}

// OTPVerifyRequest submits a verification code.
type OTPVerifyRequest struct {
	RequestID string `json:"request_id"`
	Email     string `json:"email"`
	Code      string `json:"code"`
}

// OTPVerifyResponse carries the consent proof required by /consent.
// PreviouslyAuthorized hints that a matching grant is already on file and
// the frontend may skip the consent page.
type OTPVerifyResponse struct {
	ConsentProof         string `json:"consent_proof"`
	PreviouslyAuthorized bool   `json:"previously_authorized"`
}

// ConsentRequest records the user's decision on a pending request.
type ConsentRequest struct {
	RequestID    string `json:"request_id"`
	ConsentProof string `json:"consent_proof"`
	Approved     bool   `json:"approved"`
}

// ConsentResponse returns the redirect target carrying the code (or the
// access_denied error) back to the client.
type ConsentResponse struct {
	RedirectURI string `json:"redirect_uri"`
}

// ClientRegistrationRequest is the JSON body of POST /register.
type ClientRegistrationRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	ClientType   string   `json:"client_type,omitempty"` // "public" (default) or "confidential"
}

// ClientRegistrationResponse is returned by POST /register. The secret,
// when present, is shown exactly once.
type ClientRegistrationResponse struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	ClientName   string   `json:"client_name"`
	ClientType   string   `json:"client_type"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"scopes,omitempty"`
}

// ResourceRegistrationRequest is the JSON body of POST /servers.
type ResourceRegistrationRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Scopes []string `json:"scopes,omitempty"`
}

// ResourceRegistrationResponse is returned by POST /servers. APIKey is
// the resource's introspection credential, shown exactly once.
type ResourceRegistrationResponse struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Scopes []string `json:"scopes,omitempty"`
	APIKey string   `json:"api_key"`
}

// ResourceSummary is one entry of GET /servers.
type ResourceSummary struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Scopes []string `json:"scopes,omitempty"`
}
