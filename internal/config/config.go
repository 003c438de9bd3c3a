// Package config provides configuration loading for the gateway: an
// optional gatekeeper.yaml plus the environment variables the process
// recognizes.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Host and Port form the listen address.
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`

	// BaseURL is the public prefix signed into approval URLs.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`

	// Secret is the HMAC key for approval URLs and capability tokens.
	// Startup refuses to run with fewer than 32 bytes.
	Secret string `yaml:"secret" mapstructure:"secret" validate:"required,min=32"`

	// PolicySource selects the policy backend; only "file" is implemented.
	PolicySource string `yaml:"policy_source" mapstructure:"policy_source" validate:"oneof=file"`
	// PolicyPath is the policy file for the file source.
	PolicyPath string `yaml:"policy_path" mapstructure:"policy_path" validate:"required"`
	// WatchPolicy enables hot reload of the policy file.
	WatchPolicy bool `yaml:"watch_policy" mapstructure:"watch_policy"`

	// DataDir is the root for the approvals/, idempotency/, and audit/
	// subdirectories.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" validate:"required"`

	// ApprovalProvider selects the notifier.
	ApprovalProvider string `yaml:"approval_provider" mapstructure:"approval_provider" validate:"oneof=local slack runestone"`
	SlackWebhookURL  string `yaml:"slack_webhook_url" mapstructure:"slack_webhook_url"`
	RunestoneAPIURL  string `yaml:"runestone_api_url" mapstructure:"runestone_api_url"`
	RunestoneAPIKey  string `yaml:"runestone_api_key" mapstructure:"runestone_api_key"`

	// ApprovalTTL bounds how long an approval stays pending.
	ApprovalTTL time.Duration `yaml:"approval_ttl" mapstructure:"approval_ttl"`
	// SweepInterval is how often expired approvals are swept.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	// DemoMode includes the signed approve/deny URLs in APPROVE responses.
	DemoMode bool `yaml:"demo_mode" mapstructure:"demo_mode"`
	// DefaultRole is applied to envelopes whose actor carries no role.
	DefaultRole string `yaml:"default_role" mapstructure:"default_role"`

	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.BaseURL == "" {
		c.BaseURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	if c.PolicySource == "" {
		c.PolicySource = "file"
	}
	if c.PolicyPath == "" {
		c.PolicyPath = "policy.yaml"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ApprovalProvider == "" {
		c.ApprovalProvider = "local"
	}
	if c.ApprovalTTL == 0 {
		c.ApprovalTTL = time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks struct tags plus the cross-field provider rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	switch c.ApprovalProvider {
	case "slack":
		if c.SlackWebhookURL == "" {
			return fmt.Errorf("approval_provider \"slack\" requires SLACK_WEBHOOK_URL")
		}
	case "runestone":
		if c.RunestoneAPIURL == "" || c.RunestoneAPIKey == "" {
			return fmt.Errorf("approval_provider \"runestone\" requires RUNESTONE_API_URL and RUNESTONE_API_KEY")
		}
	}
	return nil
}

// formatValidationErrors turns validator's error soup into one actionable
// message per failing field.
func formatValidationErrors(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, fe := range errs {
		switch {
		case fe.Field() == "Secret" && (fe.Tag() == "min" || fe.Tag() == "required"):
			return fmt.Errorf("GATEKEEPER_SECRET must be set and at least 32 bytes long")
		case fe.Field() == "BaseURL":
			return fmt.Errorf("BASE_URL must be a valid URL, got %q", fe.Value())
		default:
			return fmt.Errorf("config field %s fails rule %q", fe.Field(), fe.Tag())
		}
	}
	return err
}

// ListenAddr returns the host:port the HTTP transport binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ApprovalsDir returns {DATA_DIR}/approvals.
func (c *Config) ApprovalsDir() string {
	return filepath.Join(c.DataDir, "approvals")
}

// IdempotencyDir returns {DATA_DIR}/idempotency.
func (c *Config) IdempotencyDir() string {
	return filepath.Join(c.DataDir, "idempotency")
}

// AuditDir returns {DATA_DIR}/audit.
func (c *Config) AuditDir() string {
	return filepath.Join(c.DataDir, "audit")
}

// SlogLevel maps the configured level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
