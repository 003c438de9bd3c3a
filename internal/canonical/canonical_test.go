package canonical

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Canonicalize tests
// ---------------------------------------------------------------------------

func TestCanonicalize_SortsObjectKeys(t *testing.T) {
	got, err := Canonicalize(map[string]any{"b": 1, "a": 2, "c": 3})
	if err != nil {
		t.Fatalf("Canonicalize() error: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"command": "ls -la", "cwd": "/tmp", "timeoutMs": 500}
	b := map[string]any{"timeoutMs": 500, "cwd": "/tmp", "command": "ls -la"}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize(a) error: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("Canonicalize(b) error: %v", err)
	}
	if ca != cb {
		t.Errorf("canonical forms differ:\n  %s\n  %s", ca, cb)
	}
}

func TestCanonicalize_PreservesArrayOrder(t *testing.T) {
	got, err := Canonicalize(map[string]any{"list": []any{3, 1, 2}})
	if err != nil {
		t.Fatalf("Canonicalize() error: %v", err)
	}
	want := `{"list":[3,1,2]}`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCanonicalize_NestedObjects(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"outer": map[string]any{"z": true, "a": nil},
	})
	if err != nil {
		t.Fatalf("Canonicalize() error: %v", err)
	}
	want := `{"outer":{"a":null,"z":true}}`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCanonicalize_DistinctValuesDiffer(t *testing.T) {
	ca, _ := Canonicalize(map[string]any{"path": "/tmp/x"})
	cb, _ := Canonicalize(map[string]any{"path": "/tmp/y"})
	if ca == cb {
		t.Error("structurally different values produced equal canonical forms")
	}
}

// ---------------------------------------------------------------------------
// Hashing tests
// ---------------------------------------------------------------------------

func TestSHA256Hex_KnownVector(t *testing.T) {
	// SHA-256 of the empty string.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := SHA256Hex(""); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestHashArgs_EqualForEqualStructures(t *testing.T) {
	h1, err := HashArgs(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatalf("HashArgs() error: %v", err)
	}
	h2, err := HashArgs(map[string]any{"b": "x", "a": 1})
	if err != nil {
		t.Fatalf("HashArgs() error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ for structurally equal args: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestPolicyHash_HasPrefix(t *testing.T) {
	h, err := PolicyHash(map[string]any{"tools": map[string]any{}})
	if err != nil {
		t.Fatalf("PolicyHash() error: %v", err)
	}
	if !strings.HasPrefix(h, "sha256:") {
		t.Errorf("expected sha256: prefix, got %s", h)
	}
}

func TestHMACSHA256Hex_DependsOnSecret(t *testing.T) {
	a := HMACSHA256Hex("payload", "secret-one")
	b := HMACSHA256Hex("payload", "secret-two")
	if a == b {
		t.Error("HMACs with different secrets should differ")
	}
	if !HMACEqual(a, HMACSHA256Hex("payload", "secret-one")) {
		t.Error("HMACEqual should match identical computations")
	}
	if HMACEqual(a, b) {
		t.Error("HMACEqual should reject different digests")
	}
}

// ---------------------------------------------------------------------------
// UUID tests
// ---------------------------------------------------------------------------

func TestNewUUID_IsValid(t *testing.T) {
	id := NewUUID()
	if !IsUUID(id) {
		t.Errorf("NewUUID produced invalid UUID: %s", id)
	}
	if id == NewUUID() {
		t.Error("two UUIDs should not collide")
	}
}

func TestIsUUID_RejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-a-uuid", "1234"} {
		if IsUUID(s) {
			t.Errorf("IsUUID(%q) = true, want false", s)
		}
	}
}
