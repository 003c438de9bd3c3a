package policy

import (
	"log/slog"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ---------------------------------------------------------------------------
// Compile tests
// ---------------------------------------------------------------------------

func TestCompile_RejectsInvalidDecision(t *testing.T) {
	_, err := Compile(Policy{Tools: map[string]ToolPolicy{
		"shell.exec": {Decision: "maybe"},
	}}, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid decision")
	}
	if !strings.Contains(err.Error(), "maybe") {
		t.Errorf("error should name the bad decision: %v", err)
	}
}

func TestCompile_HashIsStableAndPrefixed(t *testing.T) {
	p := Policy{Tools: map[string]ToolPolicy{"shell.exec": {Decision: DecisionAllow}}}

	a, err := Compile(p, testLogger())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, err := Compile(p, testLogger())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.HasPrefix(a.Hash, "sha256:") {
		t.Errorf("hash %q should carry the sha256: prefix", a.Hash)
	}
	if a.Hash != b.Hash {
		t.Errorf("same policy must hash identically: %q vs %q", a.Hash, b.Hash)
	}

	p.Tools["files.write"] = ToolPolicy{Decision: DecisionDeny}
	c, err := Compile(p, testLogger())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if c.Hash == a.Hash {
		t.Error("different policies must hash differently")
	}
}

func TestCompile_InvalidToolPatternSkipped(t *testing.T) {
	snap, err := Compile(Policy{
		Tools: map[string]ToolPolicy{
			"shell.exec": {
				Decision:     DecisionAllow,
				DenyPatterns: []string{"[unclosed", "valid"},
			},
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("invalid tool pattern should not fail the load: %v", err)
	}
	if got := len(snap.toolPatterns["shell.exec"]); got != 1 {
		t.Errorf("got %d compiled patterns, want 1", got)
	}
}

func TestCompile_InvalidGlobalPatternSkipped(t *testing.T) {
	snap, err := Compile(Policy{
		Tools:              map[string]ToolPolicy{"shell.exec": {Decision: DecisionAllow}},
		GlobalDenyPatterns: []string{"(bad", "fine"},
	}, testLogger())
	if err != nil {
		t.Fatalf("invalid global pattern should not fail the load: %v", err)
	}
	if got := len(snap.globalPatterns); got != 1 {
		t.Errorf("got %d compiled patterns, want 1", got)
	}
}

func TestCompile_InvalidPrincipalPatternFails(t *testing.T) {
	_, err := Compile(Policy{
		Tools:      map[string]ToolPolicy{"shell.exec": {Decision: DecisionAllow}},
		Principals: map[string]PrincipalPolicy{"intern": {DenyPatterns: []string{"[bad"}}},
	}, testLogger())
	if err == nil {
		t.Fatal("invalid principal pattern must fail the load")
	}
}

func TestCompile_InvalidCELConditionFails(t *testing.T) {
	_, err := Compile(Policy{
		Tools: map[string]ToolPolicy{
			"shell.exec": {Decision: DecisionAllow, CELConditions: []string{"args.command ==="}},
		},
	}, testLogger())
	if err == nil {
		t.Fatal("unparsable CEL condition must fail the load")
	}
}

func TestSnapshot_ToolLookup(t *testing.T) {
	snap, err := Compile(Policy{Tools: map[string]ToolPolicy{
		"http.request": {Decision: DecisionApprove},
	}}, testLogger())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	tp, ok := snap.Tool("http.request")
	if !ok || tp.Decision != DecisionApprove {
		t.Errorf("Tool lookup: ok=%v decision=%s", ok, tp.Decision)
	}
	if _, ok := snap.Tool("nope"); ok {
		t.Error("unknown tool should not be found")
	}
}
