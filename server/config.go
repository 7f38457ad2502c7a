package server

import (
	"log/slog"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL).
	Issuer string

	// SigningKey is the symmetric key for access token signatures.
	// Must be at least 32 bytes.
	SigningKey []byte

	// AuthorizationRequestTTL bounds how long an in-flight authorization
	// request may sit between /authorize and consent.
	AuthorizationRequestTTL int64 // seconds, default: 900 (15 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid.
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid.
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid.
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// MinStateLength is the minimum accepted length of the state
	// parameter. Short state values make CSRF tokens guessable.
	MinStateLength int // default: 8

	// SupportedScopes lists the scopes clients may request.
	// If empty, all well-formed scopes are allowed.
	SupportedScopes []string

	// RequireResource makes the resource parameter mandatory on
	// /authorize, rejecting requests for unbound tokens.
	// Default: false; tokens without a resource are bound to the issuer.
	RequireResource bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a reverse proxy you control.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server,
	// counted from the right of the X-Forwarded-For chain.
	TrustedProxyCount int // default: 1

	// AllowInsecureHTTP permits a non-localhost http:// issuer.
	// Development only.
	AllowInsecureHTTP bool

	// AllowPublicClientRegistration allows unauthenticated dynamic client
	// registration. When false, registration requires
	// RegistrationAccessToken. Default: false
	AllowPublicClientRegistration bool

	// RegistrationAccessToken authenticates /register and /servers calls
	// when public registration is disabled.
	RegistrationAccessToken string

	// MaxClientsPerIP caps registrations per IP per day.
	MaxClientsPerIP int64 // default: 10

	// OTPSendLimit caps verification codes sent per email address per
	// OTPSendWindow.
	OTPSendLimit  int64 // default: 5
	OTPSendWindow int64 // seconds, default: 3600

	// AllowedCustomSchemes lists regex patterns for custom redirect URI
	// schemes (native apps). Empty allows all RFC 3986 compliant schemes.
	AllowedCustomSchemes []string
}

// applySecureDefaults fills zero values with secure defaults.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if config.MinStateLength == 0 {
		config.MinStateLength = 8
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
	if config.OTPSendLimit == 0 {
		config.OTPSendLimit = 5
	}
	if config.OTPSendWindow == 0 {
		config.OTPSendWindow = 3600
	}

	logSecurityWarnings(config, logger)

	return config
}

func applyTimeDefaults(config *Config) {
	if config.AuthorizationRequestTTL == 0 {
		config.AuthorizationRequestTTL = 900
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
}

// logSecurityWarnings flags configuration choices that weaken security.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.TrustProxy {
		logger.Warn("trusting proxy headers for client IP extraction",
			"trusted_proxy_count", config.TrustedProxyCount,
			"note", "only enable behind reverse proxies you control")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("public client registration is enabled",
			"risk", "unauthenticated parties can register clients")
	}
	if !config.AllowPublicClientRegistration && config.RegistrationAccessToken == "" {
		logger.Warn("registration access token not configured; registration endpoints will reject all requests")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("insecure HTTP issuer is allowed", "note", "development only")
	}
}
