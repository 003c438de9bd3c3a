// Package capability implements self-describing signed tokens that
// pre-authorize one exact tool call. A verified token lets the orchestrator
// upgrade an approval-required decision to allow without a human in the loop.
package capability

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
)

// Verification reason codes.
const (
	ReasonTokenInvalid  = "CAPABILITY_TOKEN_INVALID"
	ReasonToolMismatch  = "CAPABILITY_TOOL_MISMATCH"
	ReasonArgsMismatch  = "CAPABILITY_ARGS_MISMATCH"
	ReasonRoleMismatch  = "CAPABILITY_ROLE_MISMATCH"
	ReasonActorMismatch = "CAPABILITY_ACTOR_MISMATCH"
	ReasonExpired       = "CAPABILITY_EXPIRED"
)

// Payload is the signed content of a token. A token is scoped to one tool
// and one exact argument set; ActorRole and ActorName optionally pin it to
// a caller.
type Payload struct {
	Tool      string `json:"tool"`
	ArgsHash  string `json:"argsHash"`
	ExpiresAt string `json:"expiresAt"`
	ActorRole string `json:"actorRole,omitempty"`
	ActorName string `json:"actorName,omitempty"`
}

// VerifyInput describes the request a token is being checked against.
type VerifyInput struct {
	Token     string
	Tool      string
	ArgsHash  string
	ActorRole string
	ActorName string
}

// Result is the verification outcome. ReasonCode is empty when Valid.
type Result struct {
	Valid      bool
	ReasonCode string
	Payload    *Payload
}

// Service issues and verifies tokens with a shared HMAC secret. The clock
// is injectable for expiry tests.
type Service struct {
	secret string
	now    func() time.Time
}

// NewService builds a token service around the process secret.
func NewService(secret string) *Service {
	return &Service{secret: secret, now: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue signs p and returns the wire form:
// base64url(payloadJSON) + "." + hexHMAC(base64url(payloadJSON)).
func (s *Service) Issue(p Payload) (string, error) {
	if p.Tool == "" || p.ArgsHash == "" || p.ExpiresAt == "" {
		return "", fmt.Errorf("tool, argsHash, and expiresAt are required")
	}
	if _, err := time.Parse(time.RFC3339, p.ExpiresAt); err != nil {
		return "", fmt.Errorf("expiresAt: %w", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	sig := canonical.HMACSHA256Hex(encoded, s.secret)
	return encoded + "." + sig, nil
}

// IssueFor is a convenience wrapper that hashes args and computes the
// expiry from a TTL.
func (s *Service) IssueFor(tool string, args map[string]any, actorRole, actorName string, ttl time.Duration) (string, error) {
	argsHash, err := canonical.HashArgs(args)
	if err != nil {
		return "", fmt.Errorf("hash args: %w", err)
	}
	return s.Issue(Payload{
		Tool:      tool,
		ArgsHash:  argsHash,
		ExpiresAt: s.now().Add(ttl).UTC().Format(time.RFC3339),
		ActorRole: actorRole,
		ActorName: actorName,
	})
}

// Verify checks a token against the request it claims to authorize. The
// signature check runs before any scope check and compares in constant
// time; scope mismatches report which field disagreed.
func (s *Service) Verify(in VerifyInput) Result {
	invalid := Result{Valid: false, ReasonCode: ReasonTokenInvalid}

	encoded, sig, ok := strings.Cut(in.Token, ".")
	if !ok || encoded == "" || sig == "" {
		return invalid
	}
	if !canonical.HMACEqual(sig, canonical.HMACSHA256Hex(encoded, s.secret)) {
		return invalid
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return invalid
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalid
	}
	if p.Tool == "" || p.ArgsHash == "" || p.ExpiresAt == "" {
		return invalid
	}

	expiresAt, err := time.Parse(time.RFC3339, p.ExpiresAt)
	if err != nil {
		return invalid
	}
	if s.now().After(expiresAt) {
		return Result{ReasonCode: ReasonExpired, Payload: &p}
	}

	if p.Tool != in.Tool {
		return Result{ReasonCode: ReasonToolMismatch, Payload: &p}
	}
	if p.ArgsHash != in.ArgsHash {
		return Result{ReasonCode: ReasonArgsMismatch, Payload: &p}
	}
	if p.ActorRole != "" && p.ActorRole != in.ActorRole {
		return Result{ReasonCode: ReasonRoleMismatch, Payload: &p}
	}
	if p.ActorName != "" && p.ActorName != in.ActorName {
		return Result{ReasonCode: ReasonActorMismatch, Payload: &p}
	}

	return Result{Valid: true, Payload: &p}
}
