package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// EventRecorder counts audit events by type. Implemented by
// instrumentation.Metrics.
type EventRecorder interface {
	RecordAuditEvent(ctx context.Context, eventType string)
}

// Auditor emits structured security events. User emails and OTP targets
// are hashed before logging so audit trails carry no recoverable PII.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	recorder EventRecorder
}

// NewAuditor creates a security auditor. When enabled is false all Log*
// calls are no-ops.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// SetRecorder attaches a metrics sink counting events by type.
func (a *Auditor) SetRecorder(r EventRecorder) {
	a.recorder = r
}

// Event is one security audit record.
type Event struct {
	Type      string
	UserEmail string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the user email hashed.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	if a.recorder != nil {
		a.recorder.RecordAuditEvent(context.Background(), event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_hash", hashForLogging(event.UserEmail),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued records issuance of a new token pair.
func (a *Auditor) LogTokenIssued(userEmail, clientID, ipAddress, audience, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		UserEmail: userEmail,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"audience": audience,
			"scope":    scope,
		},
	})
}

// LogTokenRefreshed records a successful refresh rotation.
func (a *Auditor) LogTokenRefreshed(userEmail, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		UserEmail: userEmail,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenRevoked records a revocation, whether by the revocation endpoint
// or as fallout from replay detection.
func (a *Auditor) LogTokenRevoked(userEmail, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "token_revoked",
		UserEmail: userEmail,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeReplay records a second exchange attempt of an authorization code.
func (a *Auditor) LogCodeReplay(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "code_replay",
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure records a failed authentication attempt: bad client
// credentials, failed PKCE verification, invalid OTP.
func (a *Auditor) LogAuthFailure(userEmail, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		UserEmail: userEmail,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogConsentDecision records the user's consent decision for a client.
func (a *Auditor) LogConsentDecision(userEmail, clientID, ipAddress string, approved bool) {
	a.LogEvent(Event{
		Type:      "consent_decision",
		UserEmail: userEmail,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"approved": approved,
		},
	})
}

// LogOTPSent records dispatch of a verification code.
func (a *Auditor) LogOTPSent(userEmail, ipAddress string) {
	a.LogEvent(Event{
		Type:      "otp_sent",
		UserEmail: userEmail,
		IPAddress: ipAddress,
	})
}

// LogRateLimitExceeded records a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, userEmail string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		UserEmail: userEmail,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered records dynamic registration of a new client.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      "client_registered",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogResourceRegistered records registration of a protected resource.
func (a *Auditor) LogResourceRegistered(resourceID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "resource_registered",
		IPAddress: ipAddress,
		Details: map[string]any{
			"resource_id": resourceID,
		},
	})
}

// hashForLogging returns a short SHA-256 prefix of a sensitive value.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
