package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Load reads the optional config file, applies environment overrides and
// defaults, and validates the result. An empty configFile searches the
// standard locations; a missing file is fine because every option has an
// environment form.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		v.SetConfigName("gatekeeper")
		v.SetConfigType("yaml")
	}

	bindEnvKeys(v)

	// A missing file is fine in search mode; an explicitly named file must
	// exist and parse.
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// findConfigFile searches standard locations for gatekeeper.yaml or .yml.
// The explicit extension keeps viper from matching the binary itself.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".gatekeeper"),
		"/etc/gatekeeper",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "gatekeeper"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindEnvKeys maps each config key to its recognized environment variable.
// The names are part of the external interface, so they are bound
// explicitly rather than derived from a prefix.
func bindEnvKeys(v *viper.Viper) {
	_ = v.BindEnv("host", "GATEKEEPER_HOST")
	_ = v.BindEnv("port", "GATEKEEPER_PORT")
	_ = v.BindEnv("base_url", "BASE_URL")
	_ = v.BindEnv("secret", "GATEKEEPER_SECRET")
	_ = v.BindEnv("policy_source", "POLICY_SOURCE")
	_ = v.BindEnv("policy_path", "POLICY_PATH")
	_ = v.BindEnv("watch_policy", "GATEKEEPER_WATCH_POLICY")
	_ = v.BindEnv("data_dir", "DATA_DIR")
	_ = v.BindEnv("approval_provider", "APPROVAL_PROVIDER")
	_ = v.BindEnv("slack_webhook_url", "SLACK_WEBHOOK_URL")
	_ = v.BindEnv("runestone_api_url", "RUNESTONE_API_URL")
	_ = v.BindEnv("runestone_api_key", "RUNESTONE_API_KEY")
	_ = v.BindEnv("approval_ttl", "GATEKEEPER_APPROVAL_TTL")
	_ = v.BindEnv("sweep_interval", "GATEKEEPER_SWEEP_INTERVAL")
	_ = v.BindEnv("demo_mode", "DEMO_MODE")
	_ = v.BindEnv("default_role", "GATEKEEPER_ROLE")
	_ = v.BindEnv("log_level", "GATEKEEPER_LOG_LEVEL")
}
