package mcpauth

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/authagent/mcp-auth/server"
)

// FileConfig is the YAML configuration of the mcp-auth binary.
// Environment variables override file values; secrets (signing key,
// SMTP password, registration token) are usually supplied via env only.
type FileConfig struct {
	Server struct {
		Addr            string `yaml:"addr"`             // default ":8080"
		ReadTimeout     string `yaml:"read_timeout"`     // default "10s"
		WriteTimeout    string `yaml:"write_timeout"`    // default "20s"
		ShutdownTimeout string `yaml:"shutdown_timeout"` // default "15s"
	} `yaml:"server"`

	OAuth struct {
		Issuer                        string   `yaml:"issuer"`
		SigningKey                    string   `yaml:"signing_key"` // base64, >= 32 bytes decoded
		SupportedScopes               []string `yaml:"supported_scopes"`
		RequireResource               bool     `yaml:"require_resource"`
		AllowInsecureHTTP             bool     `yaml:"allow_insecure_http"`
		AllowPublicRegistration       bool     `yaml:"allow_public_registration"`
		RegistrationAccessToken       string   `yaml:"registration_access_token"`
		AuthorizationRequestTTL       int64    `yaml:"authorization_request_ttl"` // seconds
		AuthorizationCodeTTL          int64    `yaml:"authorization_code_ttl"`    // seconds
		AccessTokenTTL                int64    `yaml:"access_token_ttl"`          // seconds
		RefreshTokenTTL               int64    `yaml:"refresh_token_ttl"`         // seconds
		TrustProxy                    bool     `yaml:"trust_proxy"`
		TrustedProxyCount             int      `yaml:"trusted_proxy_count"`
	} `yaml:"oauth"`

	Rate struct {
		RequestsPerSecond int `yaml:"requests_per_second"` // default 10, 0 disables
		Burst             int `yaml:"burst"`
	} `yaml:"rate"`

	Storage struct {
		Backend string `yaml:"backend"` // memory | redis | postgres
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	OTP struct {
		Sender string `yaml:"sender"` // smtp | log
	} `yaml:"otp"`

	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`

	Audit struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"audit"`

	Observability struct {
		Enabled        bool   `yaml:"enabled"`
		ServiceName    string `yaml:"service_name"`
		ServiceVersion string `yaml:"service_version"`
		LogClientIPs   bool   `yaml:"log_client_ips"`
	} `yaml:"observability"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// LoadConfig reads a YAML config file, applies defaults and environment
// overrides, and validates the result. An empty path yields a config
// built from defaults and environment only.
func LoadConfig(path string) (*FileConfig, error) {
	var c FileConfig

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	c.applyDefaults()
	c.applyEnvOverrides()

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *FileConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "10s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "20s"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "15s"
	}
	if c.Rate.RequestsPerSecond == 0 {
		c.Rate.RequestsPerSecond = 10
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "mcpauth"
	}
	if c.OTP.Sender == "" {
		c.OTP.Sender = "log"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "mcp-auth"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *FileConfig) applyEnvOverrides() {
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("OAUTH_ISSUER"); ok {
		c.OAuth.Issuer = v
	}
	if v, ok := getEnvStr("OAUTH_SIGNING_KEY"); ok {
		c.OAuth.SigningKey = v
	}
	if v, ok := getEnvCSV("OAUTH_SUPPORTED_SCOPES"); ok {
		c.OAuth.SupportedScopes = v
	}
	if v, ok := getEnvBool("OAUTH_REQUIRE_RESOURCE"); ok {
		c.OAuth.RequireResource = v
	}
	if v, ok := getEnvBool("OAUTH_ALLOW_INSECURE_HTTP"); ok {
		c.OAuth.AllowInsecureHTTP = v
	}
	if v, ok := getEnvBool("OAUTH_ALLOW_PUBLIC_REGISTRATION"); ok {
		c.OAuth.AllowPublicRegistration = v
	}
	if v, ok := getEnvStr("OAUTH_REGISTRATION_ACCESS_TOKEN"); ok {
		c.OAuth.RegistrationAccessToken = v
	}
	if v, ok := getEnvInt64("OAUTH_ACCESS_TOKEN_TTL"); ok {
		c.OAuth.AccessTokenTTL = v
	}
	if v, ok := getEnvInt64("OAUTH_REFRESH_TOKEN_TTL"); ok {
		c.OAuth.RefreshTokenTTL = v
	}
	if v, ok := getEnvBool("OAUTH_TRUST_PROXY"); ok {
		c.OAuth.TrustProxy = v
	}
	if v, ok := getEnvInt("OAUTH_TRUSTED_PROXY_COUNT"); ok {
		c.OAuth.TrustedProxyCount = v
	}
	if v, ok := getEnvInt("RATE_REQUESTS_PER_SECOND"); ok {
		c.Rate.RequestsPerSecond = v
	}
	if v, ok := getEnvInt("RATE_BURST"); ok {
		c.Rate.Burst = v
	}
	if v, ok := getEnvStr("STORAGE_BACKEND"); ok {
		c.Storage.Backend = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Storage.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Storage.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Storage.Redis.DB = v
	}
	if v, ok := getEnvStr("POSTGRES_DSN"); ok {
		c.Storage.Postgres.DSN = v
	}
	if v, ok := getEnvStr("OTP_SENDER"); ok {
		c.OTP.Sender = v
	}
	if v, ok := getEnvStr("SMTP_HOST"); ok {
		c.SMTP.Host = v
	}
	if v, ok := getEnvInt("SMTP_PORT"); ok {
		c.SMTP.Port = v
	}
	if v, ok := getEnvStr("SMTP_USERNAME"); ok {
		c.SMTP.Username = v
	}
	if v, ok := getEnvStr("SMTP_PASSWORD"); ok {
		c.SMTP.Password = v
	}
	if v, ok := getEnvStr("SMTP_FROM"); ok {
		c.SMTP.From = v
	}
	if v, ok := getEnvBool("AUDIT_ENABLED"); ok {
		c.Audit.Enabled = v
	}
	if v, ok := getEnvBool("OTEL_ENABLED"); ok {
		c.Observability.Enabled = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_FORMAT"); ok {
		c.Log.Format = strings.ToLower(v)
	}
}

func (c *FileConfig) validate() error {
	if c.OAuth.Issuer == "" {
		return fmt.Errorf("oauth.issuer is required")
	}
	if c.OAuth.SigningKey == "" {
		return fmt.Errorf("oauth.signing_key is required (base64, at least 32 bytes)")
	}
	if _, err := c.DecodeSigningKey(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("storage.backend must be memory, redis, or postgres (got %q)", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
	}
	switch c.OTP.Sender {
	case "smtp", "log":
	default:
		return fmt.Errorf("otp.sender must be smtp or log (got %q)", c.OTP.Sender)
	}
	if c.OTP.Sender == "smtp" && (c.SMTP.Host == "" || c.SMTP.From == "") {
		return fmt.Errorf("smtp.host and smtp.from are required for the smtp sender")
	}
	for _, d := range []string{c.Server.ReadTimeout, c.Server.WriteTimeout, c.Server.ShutdownTimeout} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid server timeout %q: %w", d, err)
		}
	}
	return nil
}

// DecodeSigningKey decodes the base64 signing key.
func (c *FileConfig) DecodeSigningKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.OAuth.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("oauth.signing_key is not valid base64: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("oauth.signing_key must decode to at least 32 bytes (got %d)", len(key))
	}
	return key, nil
}

// ServerConfig translates the file config into the flow server config.
func (c *FileConfig) ServerConfig() (*server.Config, error) {
	key, err := c.DecodeSigningKey()
	if err != nil {
		return nil, err
	}
	return &server.Config{
		Issuer:                        strings.TrimSuffix(c.OAuth.Issuer, "/"),
		SigningKey:                    key,
		SupportedScopes:               c.OAuth.SupportedScopes,
		RequireResource:               c.OAuth.RequireResource,
		AllowInsecureHTTP:             c.OAuth.AllowInsecureHTTP,
		AllowPublicClientRegistration: c.OAuth.AllowPublicRegistration,
		RegistrationAccessToken:       c.OAuth.RegistrationAccessToken,
		AuthorizationRequestTTL:       c.OAuth.AuthorizationRequestTTL,
		AuthorizationCodeTTL:          c.OAuth.AuthorizationCodeTTL,
		AccessTokenTTL:                c.OAuth.AccessTokenTTL,
		RefreshTokenTTL:               c.OAuth.RefreshTokenTTL,
		TrustProxy:                    c.OAuth.TrustProxy,
		TrustedProxyCount:             c.OAuth.TrustedProxyCount,
	}, nil
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvInt64(key string) (int64, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}
