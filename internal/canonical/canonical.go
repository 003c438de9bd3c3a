// Package canonical provides deterministic serialization and hashing for
// gatekeeper. Argument hashes, policy hashes, approval signatures, and
// capability tokens all depend on two values being canonically equal iff
// they are structurally equal, so everything here goes through RFC 8785
// (JSON Canonicalization Scheme) before any digest is taken.
package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical JSON form of v: object keys
// sorted lexicographically by UTF-8 bytes, array order preserved, no HTML
// escaping, shortest-form number formatting.
func Canonicalize(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: pre-marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return string(out), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashArgs returns the hex SHA-256 of the canonical form of args.
// This is the argsHash used in audit entries, capability tokens, and
// idempotency records.
func HashArgs(args any) (string, error) {
	c, err := Canonicalize(args)
	if err != nil {
		return "", err
	}
	return SHA256Hex(c), nil
}

// PolicyHash returns the "sha256:<hex>" digest of the canonical form of v.
// The prefix form is used wherever a hash is user-visible (health endpoint,
// audit entries, policy check command).
func PolicyHash(v any) (string, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return "sha256:" + SHA256Hex(c), nil
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA-256 of message under secret.
func HMACSHA256Hex(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACEqual compares two hex HMAC strings in constant time.
func HMACEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// NewUUID returns a random (v4) UUID string.
func NewUUID() string {
	return uuid.New().String()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
