package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	otpLength      = 6
	otpTTL         = 10 * time.Minute
	otpMaxAttempts = 5
)

type otpEntry struct {
	codeHash [32]byte
	attempts int
}

// OTPService is the default Verifier: numeric one-time codes held hashed
// in an expiring in-process cache, delivered through a Sender. Codes are
// single use, expire after ten minutes, and allow five verification
// attempts before the address must request a new one.
type OTPService struct {
	mu     sync.Mutex
	codes  *gocache.Cache
	sender Sender
	logger *slog.Logger
}

var _ Verifier = (*OTPService)(nil)

// NewOTPService creates an OTP verifier delivering codes via sender.
func NewOTPService(sender Sender, logger *slog.Logger) *OTPService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OTPService{
		codes:  gocache.New(otpTTL, 5*time.Minute),
		sender: sender,
		logger: logger,
	}
}

// SendCode mints a fresh code for email and dispatches it, replacing any
// code still outstanding for the address.
func (s *OTPService) SendCode(_ context.Context, email string) error {
	if !ValidEmail(email) {
		return ErrInvalidEmail
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate verification code: %w", err)
	}

	s.mu.Lock()
	s.codes.Set(email, &otpEntry{codeHash: sha256.Sum256([]byte(code))}, otpTTL)
	s.mu.Unlock()

	subject := "Your verification code"
	text := fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", code)
	html := fmt.Sprintf("<p>Your verification code is <strong>%s</strong>.</p><p>It expires in 10 minutes.</p>", code)

	if err := s.sender.Send(email, subject, html, text); err != nil {
		return fmt.Errorf("failed to send verification code: %w", err)
	}

	s.logger.Debug("verification code sent", "email_len", len(email))
	return nil
}

// VerifyCode checks the presented code in constant time and consumes it on
// success. After five failed attempts the outstanding code is discarded.
func (s *OTPService) VerifyCode(_ context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.codes.Get(email)
	if !ok {
		return ErrInvalidCode
	}
	entry := v.(*otpEntry)

	entry.attempts++
	if entry.attempts > otpMaxAttempts {
		s.codes.Delete(email)
		return ErrTooManyAttempts
	}

	presented := sha256.Sum256([]byte(code))
	if subtle.ConstantTimeCompare(presented[:], entry.codeHash[:]) != 1 {
		return ErrInvalidCode
	}

	s.codes.Delete(email)
	return nil
}

// generateCode returns a uniformly random numeric code with rejection
// sampling to avoid modulo bias.
func generateCode() (string, error) {
	const digits = "0123456789"
	code := make([]byte, otpLength)
	buf := make([]byte, 1)
	for i := range code {
		for {
			if _, err := rand.Read(buf); err != nil {
				return "", err
			}
			if buf[0] < 250 {
				code[i] = digits[buf[0]%10]
				break
			}
		}
	}
	return string(code), nil
}
