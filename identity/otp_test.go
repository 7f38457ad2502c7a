package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
)

var codePattern = regexp.MustCompile(`\d{6}`)

// captureSender records delivered messages and extracts the code.
type captureSender struct {
	mu       sync.Mutex
	lastTo   string
	lastText string
	sendErr  error
	sends    int
}

func (s *captureSender) Send(to, subject, htmlBody, textBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.lastTo = to
	s.lastText = textBody
	s.sends++
	return nil
}

func (s *captureSender) code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return codePattern.FindString(s.lastText)
}

func newTestOTP(t *testing.T) (*OTPService, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	return NewOTPService(sender, slog.New(slog.NewTextHandler(io.Discard, nil))), sender
}

func TestOTPSendAndVerify(t *testing.T) {
	svc, sender := newTestOTP(t)
	ctx := context.Background()

	if err := svc.SendCode(ctx, "user@example.com"); err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	if sender.lastTo != "user@example.com" {
		t.Errorf("delivered to %q", sender.lastTo)
	}
	code := sender.code()
	if len(code) != 6 {
		t.Fatalf("no 6-digit code in message %q", sender.lastText)
	}

	if err := svc.VerifyCode(ctx, "user@example.com", code); err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}

	// Codes are single use.
	if err := svc.VerifyCode(ctx, "user@example.com", code); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("second verify err = %v, want ErrInvalidCode", err)
	}
}

func TestOTPWrongCode(t *testing.T) {
	svc, sender := newTestOTP(t)
	ctx := context.Background()

	if err := svc.SendCode(ctx, "user@example.com"); err != nil {
		t.Fatalf("SendCode: %v", err)
	}

	wrong := "000000"
	if wrong == sender.code() {
		wrong = "000001"
	}
	if err := svc.VerifyCode(ctx, "user@example.com", wrong); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("err = %v, want ErrInvalidCode", err)
	}

	// A failed attempt does not consume the code.
	if err := svc.VerifyCode(ctx, "user@example.com", sender.code()); err != nil {
		t.Errorf("correct code after one failure: %v", err)
	}
}

func TestOTPAttemptBudget(t *testing.T) {
	svc, sender := newTestOTP(t)
	ctx := context.Background()

	if err := svc.SendCode(ctx, "user@example.com"); err != nil {
		t.Fatalf("SendCode: %v", err)
	}

	wrong := "000000"
	if wrong == sender.code() {
		wrong = "000001"
	}
	for i := range 5 {
		if err := svc.VerifyCode(ctx, "user@example.com", wrong); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d err = %v, want ErrInvalidCode", i+1, err)
		}
	}

	// The sixth attempt exhausts the budget and discards the code, so even
	// the correct value is dead until a new send.
	if err := svc.VerifyCode(ctx, "user@example.com", sender.code()); !errors.Is(err, ErrTooManyAttempts) {
		t.Errorf("err = %v, want ErrTooManyAttempts", err)
	}
	if err := svc.VerifyCode(ctx, "user@example.com", sender.code()); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("err after discard = %v, want ErrInvalidCode", err)
	}
}

func TestOTPResendReplacesCode(t *testing.T) {
	svc, sender := newTestOTP(t)
	ctx := context.Background()

	if err := svc.SendCode(ctx, "user@example.com"); err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	first := sender.code()

	if err := svc.SendCode(ctx, "user@example.com"); err != nil {
		t.Fatalf("second SendCode: %v", err)
	}
	second := sender.code()

	if first != second {
		// The replaced code must be dead.
		if err := svc.VerifyCode(ctx, "user@example.com", first); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("replaced code err = %v, want ErrInvalidCode", err)
		}
	}
	if err := svc.VerifyCode(ctx, "user@example.com", second); err != nil {
		t.Errorf("current code rejected: %v", err)
	}
}

func TestOTPVerifyWithoutSend(t *testing.T) {
	svc, _ := newTestOTP(t)
	if err := svc.VerifyCode(context.Background(), "user@example.com", "123456"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("err = %v, want ErrInvalidCode", err)
	}
}

func TestOTPSendErrors(t *testing.T) {
	svc, sender := newTestOTP(t)
	ctx := context.Background()

	if err := svc.SendCode(ctx, "not-an-email"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("err = %v, want ErrInvalidEmail", err)
	}

	sender.sendErr = errors.New("smtp down")
	if err := svc.SendCode(ctx, "user@example.com"); err == nil {
		t.Error("delivery failure not surfaced")
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]int)
	for range 200 {
		code, err := generateCode()
		if err != nil {
			t.Fatalf("generateCode: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q is not 6 digits", code)
		}
		if strings.Trim(code, "0123456789") != "" {
			t.Fatalf("code %q contains non-digits", code)
		}
		seen[code]++
	}
	// 200 draws from a million values colliding every time would mean the
	// generator is broken.
	if len(seen) < 100 {
		t.Errorf("only %d distinct codes in 200 draws", len(seen))
	}
}

func TestValidEmail(t *testing.T) {
	valid := []string{"user@example.com", "a.b+c@sub.example.co.uk", "x@y.io"}
	for _, s := range valid {
		if !ValidEmail(s) {
			t.Errorf("ValidEmail(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "plain", "@example.com", "user@", "user@nodot", "two@@example.com", "sp ace@example.com", strings.Repeat("a", 250) + "@example.com"}
	for _, s := range invalid {
		if ValidEmail(s) {
			t.Errorf("ValidEmail(%q) = true, want false", s)
		}
	}
}
