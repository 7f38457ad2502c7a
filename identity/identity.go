// Package identity authenticates end users for the authorization flow.
// The server has no password database: possession of an email inbox is the
// identity proof, established by sending a one-time code and verifying it
// within a bounded window.
package identity

import (
	"context"
	"errors"
	"regexp"
)

// Sentinel errors returned by Verifier implementations.
var (
	// ErrInvalidCode indicates the presented code does not match, is
	// expired, or was never sent. Deliberately one error for all three.
	ErrInvalidCode = errors.New("identity: invalid verification code")

	// ErrTooManyAttempts indicates the attempt budget for the address is
	// exhausted; the user must request a fresh code.
	ErrTooManyAttempts = errors.New("identity: too many verification attempts")

	// ErrInvalidEmail indicates the address is not a plausible email.
	ErrInvalidEmail = errors.New("identity: invalid email address")
)

// Verifier establishes that the caller controls an email address.
type Verifier interface {
	// SendCode generates a one-time code for email and dispatches it.
	// A repeat call before expiry replaces the outstanding code.
	SendCode(ctx context.Context, email string) error

	// VerifyCode checks a presented code. On success the code is consumed
	// and cannot be verified again. Failures return ErrInvalidCode or
	// ErrTooManyAttempts.
	VerifyCode(ctx context.Context, email, code string) error
}

// Sender delivers a rendered message to one recipient.
type Sender interface {
	Send(to, subject, htmlBody, textBody string) error
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ValidEmail reports whether s is a plausible email address. This is a
// shape check for routing, not RFC 5322 validation.
func ValidEmail(s string) bool {
	return len(s) <= 254 && emailPattern.MatchString(s)
}
