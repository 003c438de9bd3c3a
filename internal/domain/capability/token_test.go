package capability

import (
	"strings"
	"testing"
	"time"

	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func issueTest(t *testing.T, svc *Service, p Payload) string {
	t.Helper()
	token, err := svc.Issue(p)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

// ---------------------------------------------------------------------------
// Issue / Verify round trip
// ---------------------------------------------------------------------------

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(testSecret).WithClock(fixedClock(now))

	args := map[string]any{"command": "git status", "cwd": "/workspace"}
	argsHash, err := canonical.HashArgs(args)
	if err != nil {
		t.Fatalf("HashArgs: %v", err)
	}

	token := issueTest(t, svc, Payload{
		Tool:      "shell.exec",
		ArgsHash:  argsHash,
		ExpiresAt: now.Add(time.Hour).Format(time.RFC3339),
	})
	if !strings.Contains(token, ".") {
		t.Fatalf("token %q should be payload.signature", token)
	}

	res := svc.Verify(VerifyInput{Token: token, Tool: "shell.exec", ArgsHash: argsHash})
	if !res.Valid {
		t.Fatalf("Verify failed: %s", res.ReasonCode)
	}
	if res.Payload == nil || res.Payload.Tool != "shell.exec" {
		t.Errorf("payload not returned: %+v", res.Payload)
	}
}

func TestIssueFor_ComputesHashAndExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(testSecret).WithClock(fixedClock(now))

	args := map[string]any{"url": "https://api.example.com/v1"}
	token, err := svc.IssueFor("http.request", args, "deployer", "", 30*time.Minute)
	if err != nil {
		t.Fatalf("IssueFor: %v", err)
	}

	argsHash, _ := canonical.HashArgs(args)
	res := svc.Verify(VerifyInput{
		Token: token, Tool: "http.request", ArgsHash: argsHash, ActorRole: "deployer",
	})
	if !res.Valid {
		t.Fatalf("Verify failed: %s", res.ReasonCode)
	}
	if res.Payload.ExpiresAt != "2026-03-01T12:30:00Z" {
		t.Errorf("expiresAt = %q", res.Payload.ExpiresAt)
	}
}

func TestIssue_RejectsIncompletePayload(t *testing.T) {
	svc := NewService(testSecret)
	for _, p := range []Payload{
		{ArgsHash: "h", ExpiresAt: "2026-01-01T00:00:00Z"},
		{Tool: "shell.exec", ExpiresAt: "2026-01-01T00:00:00Z"},
		{Tool: "shell.exec", ArgsHash: "h"},
		{Tool: "shell.exec", ArgsHash: "h", ExpiresAt: "not-a-time"},
	} {
		if _, err := svc.Issue(p); err == nil {
			t.Errorf("Issue(%+v) should fail", p)
		}
	}
}

// ---------------------------------------------------------------------------
// Verification failures
// ---------------------------------------------------------------------------

func TestVerify_ReasonCodes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(testSecret).WithClock(fixedClock(now))

	good := issueTest(t, svc, Payload{
		Tool:      "shell.exec",
		ArgsHash:  "aaaa",
		ExpiresAt: now.Add(time.Hour).Format(time.RFC3339),
		ActorRole: "deployer",
		ActorName: "navigator-agent",
	})
	expired := issueTest(t, svc, Payload{
		Tool:      "shell.exec",
		ArgsHash:  "aaaa",
		ExpiresAt: now.Add(-time.Minute).Format(time.RFC3339),
	})

	match := VerifyInput{
		Tool: "shell.exec", ArgsHash: "aaaa",
		ActorRole: "deployer", ActorName: "navigator-agent",
	}

	tests := []struct {
		name string
		in   VerifyInput
		want string
	}{
		{"malformed token", with(match, func(v *VerifyInput) { v.Token = "no-dot-here" }), ReasonTokenInvalid},
		{"empty token", with(match, func(v *VerifyInput) { v.Token = "" }), ReasonTokenInvalid},
		{"garbage payload", with(match, func(v *VerifyInput) { v.Token = "!!!." + strings.Repeat("a", 64) }), ReasonTokenInvalid},
		{"tampered signature", with(match, func(v *VerifyInput) {
			v.Token = good[:len(good)-1] + flipHexDigit(good[len(good)-1])
		}), ReasonTokenInvalid},
		{"expired", with(match, func(v *VerifyInput) { v.Token = expired }), ReasonExpired},
		{"tool mismatch", with(match, func(v *VerifyInput) { v.Token = good; v.Tool = "files.write" }), ReasonToolMismatch},
		{"args mismatch", with(match, func(v *VerifyInput) { v.Token = good; v.ArgsHash = "bbbb" }), ReasonArgsMismatch},
		{"role mismatch", with(match, func(v *VerifyInput) { v.Token = good; v.ActorRole = "intern" }), ReasonRoleMismatch},
		{"actor mismatch", with(match, func(v *VerifyInput) { v.Token = good; v.ActorName = "other-agent" }), ReasonActorMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := svc.Verify(tt.in)
			if res.Valid {
				t.Fatal("verification should fail")
			}
			if res.ReasonCode != tt.want {
				t.Errorf("got %s, want %s", res.ReasonCode, tt.want)
			}
		})
	}
}

func TestVerify_TamperedPayloadFailsSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(testSecret).WithClock(fixedClock(now))

	token := issueTest(t, svc, Payload{
		Tool: "shell.exec", ArgsHash: "aaaa",
		ExpiresAt: now.Add(time.Hour).Format(time.RFC3339),
	})
	// Re-sign nothing; just swap the payload half for another valid-looking one.
	other := issueTest(t, svc, Payload{
		Tool: "files.write", ArgsHash: "aaaa",
		ExpiresAt: now.Add(time.Hour).Format(time.RFC3339),
	})
	otherPayload, _, _ := strings.Cut(other, ".")
	_, sig, _ := strings.Cut(token, ".")

	res := svc.Verify(VerifyInput{Token: otherPayload + "." + sig, Tool: "files.write", ArgsHash: "aaaa"})
	if res.Valid || res.ReasonCode != ReasonTokenInvalid {
		t.Fatalf("spliced token must be invalid, got %+v", res)
	}
}

func TestVerify_DifferentSecretRejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewService(testSecret).WithClock(fixedClock(now))
	verifier := NewService("another-secret-another-secret-00").WithClock(fixedClock(now))

	token := issueTest(t, issuer, Payload{
		Tool: "shell.exec", ArgsHash: "aaaa",
		ExpiresAt: now.Add(time.Hour).Format(time.RFC3339),
	})
	res := verifier.Verify(VerifyInput{Token: token, Tool: "shell.exec", ArgsHash: "aaaa"})
	if res.Valid || res.ReasonCode != ReasonTokenInvalid {
		t.Fatalf("cross-secret token must be invalid, got %+v", res)
	}
}

func TestVerify_UnpinnedActorMatchesAnyCaller(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(testSecret).WithClock(fixedClock(now))

	token := issueTest(t, svc, Payload{
		Tool: "shell.exec", ArgsHash: "aaaa",
		ExpiresAt: now.Add(time.Hour).Format(time.RFC3339),
	})
	res := svc.Verify(VerifyInput{
		Token: token, Tool: "shell.exec", ArgsHash: "aaaa",
		ActorRole: "anyone", ActorName: "any-agent",
	})
	if !res.Valid {
		t.Fatalf("token without actor pin should verify for any caller: %s", res.ReasonCode)
	}
}

func with(base VerifyInput, mut func(*VerifyInput)) VerifyInput {
	v := base
	mut(&v)
	return v
}

func flipHexDigit(c byte) string {
	if c == 'a' {
		return "b"
	}
	return "a"
}
