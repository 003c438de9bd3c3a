package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// setBaseEnv provides the minimum viable environment.
func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GATEKEEPER_SECRET", testSecret)
	t.Setenv("POLICY_PATH", "/tmp/policy.yaml")
	t.Setenv("DATA_DIR", t.TempDir())
}

// ---------------------------------------------------------------------------
// Defaults and environment overrides
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr() != "127.0.0.1:8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr())
	}
	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.ApprovalProvider != "local" || cfg.PolicySource != "file" {
		t.Errorf("provider = %q, source = %q", cfg.ApprovalProvider, cfg.PolicySource)
	}
	if cfg.ApprovalTTL != time.Hour || cfg.SweepInterval != 5*time.Minute {
		t.Errorf("ttl = %v, sweep = %v", cfg.ApprovalTTL, cfg.SweepInterval)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("level = %v", cfg.SlogLevel())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("GATEKEEPER_PORT", "9900")
	t.Setenv("BASE_URL", "https://gate.example.com")
	t.Setenv("DEMO_MODE", "true")
	t.Setenv("GATEKEEPER_ROLE", "navigator")
	t.Setenv("GATEKEEPER_APPROVAL_TTL", "30m")
	t.Setenv("GATEKEEPER_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9900 || cfg.BaseURL != "https://gate.example.com" {
		t.Errorf("port = %d, baseURL = %q", cfg.Port, cfg.BaseURL)
	}
	if !cfg.DemoMode || cfg.DefaultRole != "navigator" {
		t.Errorf("demo = %v, role = %q", cfg.DemoMode, cfg.DefaultRole)
	}
	if cfg.ApprovalTTL != 30*time.Minute {
		t.Errorf("ttl = %v", cfg.ApprovalTTL)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.SlogLevel())
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	setBaseEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "gatekeeper.yaml")
	yaml := "port: 7001\napproval_provider: slack\nslack_webhook_url: https://hooks.slack.com/services/T/B/X\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7001 || cfg.ApprovalProvider != "slack" {
		t.Errorf("port = %d, provider = %q", cfg.Port, cfg.ApprovalProvider)
	}
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	setBaseEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing explicit config file should fail")
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestLoad_ShortSecretRefused(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("GATEKEEPER_SECRET", "too-short")
	_, err := Load("")
	if err == nil {
		t.Fatal("short secret should be refused")
	}
	if !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_ProviderCrossFieldRules(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("APPROVAL_PROVIDER", "slack")
	if _, err := Load(""); err == nil {
		t.Fatal("slack without webhook URL should fail")
	}

	t.Setenv("APPROVAL_PROVIDER", "runestone")
	t.Setenv("RUNESTONE_API_URL", "https://runestone.example.com")
	if _, err := Load(""); err == nil {
		t.Fatal("runestone without API key should fail")
	}
	t.Setenv("RUNESTONE_API_KEY", "rk-123")
	if _, err := Load(""); err != nil {
		t.Fatalf("runestone fully configured: %v", err)
	}
}

func TestLoad_BadProviderRefused(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("APPROVAL_PROVIDER", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatal("unknown provider should fail")
	}
}

func TestConfig_DataSubdirs(t *testing.T) {
	c := Config{DataDir: "/srv/gatekeeper"}
	if c.ApprovalsDir() != filepath.Join("/srv/gatekeeper", "approvals") {
		t.Errorf("ApprovalsDir = %q", c.ApprovalsDir())
	}
	if c.IdempotencyDir() != filepath.Join("/srv/gatekeeper", "idempotency") {
		t.Errorf("IdempotencyDir = %q", c.IdempotencyDir())
	}
	if c.AuditDir() != filepath.Join("/srv/gatekeeper", "audit") {
		t.Errorf("AuditDir = %q", c.AuditDir())
	}
}
