package security

import (
	"context"
	"testing"
)

// countingRecorder tallies audit events by type.
type countingRecorder struct {
	events map[string]int
}

func (r *countingRecorder) RecordAuditEvent(_ context.Context, eventType string) {
	if r.events == nil {
		r.events = make(map[string]int)
	}
	r.events[eventType]++
}

func TestAuditorFeedsRecorder(t *testing.T) {
	rec := &countingRecorder{}
	aud := NewAuditor(discardLogger(), true)
	aud.SetRecorder(rec)

	aud.LogTokenIssued("user@example.com", "client-1", "203.0.113.7", "https://api.example.com", "read")
	aud.LogCodeReplay("client-1", "203.0.113.7")
	aud.LogCodeReplay("client-1", "203.0.113.7")
	aud.LogAuthFailure("", "client-1", "203.0.113.7", "unknown_client")

	if got := rec.events["token_issued"]; got != 1 {
		t.Errorf("token_issued recorded %d times, want 1", got)
	}
	if got := rec.events["code_replay"]; got != 2 {
		t.Errorf("code_replay recorded %d times, want 2", got)
	}
	if got := rec.events["auth_failure"]; got != 1 {
		t.Errorf("auth_failure recorded %d times, want 1", got)
	}
}

func TestDisabledAuditorRecordsNothing(t *testing.T) {
	rec := &countingRecorder{}
	aud := NewAuditor(discardLogger(), false)
	aud.SetRecorder(rec)

	aud.LogTokenIssued("user@example.com", "client-1", "203.0.113.7", "https://api.example.com", "read")
	aud.LogRateLimitExceeded("203.0.113.7", "")

	if len(rec.events) != 0 {
		t.Errorf("disabled auditor recorded events: %v", rec.events)
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("empty value hashed to %q", got)
	}
	a, b := hashForLogging("user@example.com"), hashForLogging("user@example.com")
	if a != b {
		t.Errorf("hash is not deterministic: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if a == "user@example.com" {
		t.Error("value logged in the clear")
	}
}
