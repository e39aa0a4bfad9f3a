package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validBase() *Config {
	return &Config{
		BotToken:       "123:ABC",
		RuleRepo:       "https://github.com/example/rules.git",
		DirectRuleFile: "direct-list.txt",
		UpdateInterval: 6 * time.Hour,
		DoHA:           defaultDoHA,
		DoHNS:          defaultDoHNS,
		GeoSite:        CatalogConfig{URLs: defaultGeoSiteURLs},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(c *Config)
		expectedError string
		description   string
	}{
		{
			name:          "valid minimal config",
			mutate:        func(c *Config) {},
			expectedError: "",
			description:   "Should accept minimal valid config",
		},
		{
			name:          "missing bot token",
			mutate:        func(c *Config) { c.BotToken = "" },
			expectedError: "bot_token is required",
			description:   "Should require bot_token",
		},
		{
			name:          "missing rule repo",
			mutate:        func(c *Config) { c.RuleRepo = "" },
			expectedError: "rule_repo is required",
			description:   "Should require rule_repo",
		},
		{
			name:          "missing direct rule file",
			mutate:        func(c *Config) { c.DirectRuleFile = "" },
			expectedError: "direct_rule_file is required",
			description:   "Should require direct_rule_file",
		},
		{
			name:          "zero update interval",
			mutate:        func(c *Config) { c.UpdateInterval = 0 },
			expectedError: "update_interval must be > 0",
			description:   "Should reject a zero update interval",
		},
		{
			name:          "empty doh_a pool",
			mutate:        func(c *Config) { c.DoHA = nil },
			expectedError: "doh_a must have at least one endpoint",
			description:   "Should require at least one doh_a endpoint",
		},
		{
			name: "doh_a endpoint not https",
			mutate: func(c *Config) {
				c.DoHA = []DoHEndpoint{{Name: "x", URL: "http://insecure/dns-query"}}
			},
			expectedError: "url must be https://",
			description:   "Should reject non-https DoH endpoints",
		},
		{
			name: "duplicate doh_ns endpoint names",
			mutate: func(c *Config) {
				c.DoHNS = []DoHEndpoint{
					{Name: "dup", URL: "https://a/dns-query"},
					{Name: "dup", URL: "https://b/dns-query"},
				}
			},
			expectedError: "duplicate endpoint name",
			description:   "Should reject duplicate endpoint names",
		},
		{
			name:          "empty geosite urls",
			mutate:        func(c *Config) { c.GeoSite.URLs = nil },
			expectedError: "geosite.urls must have at least one entry",
			description:   "Should require at least one geosite mirror URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.expectedError == "" {
				if err != nil {
					t.Errorf("%s\nExpected no error, got: %v", tt.description, err)
				}
			} else {
				if err == nil {
					t.Errorf("%s\nExpected error containing '%s', got no error", tt.description, tt.expectedError)
				} else if !strings.Contains(err.Error(), tt.expectedError) {
					t.Errorf("%s\nExpected error containing '%s', got: %v", tt.description, tt.expectedError, err)
				}
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	minimalYAML := `
bot_token: "123:ABC"
rule_repo: "https://github.com/example/rules.git"
direct_rule_file: "direct-list.txt"
`
	if err := os.WriteFile(configPath, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.UpdateInterval != defaultUpdateInterval {
		t.Errorf("Expected default UpdateInterval %v, got %v", defaultUpdateInterval, cfg.UpdateInterval)
	}
	if len(cfg.DoHA) != len(defaultDoHA) {
		t.Errorf("Expected %d default doh_a endpoints, got %d", len(defaultDoHA), len(cfg.DoHA))
	}
	if cfg.Control.Listen != ":8080" {
		t.Errorf("Expected default control listen ':8080', got '%s'", cfg.Control.Listen)
	}
	if cfg.CommitAuthorName() != "Rule-Bot" {
		t.Errorf("Expected commit author name 'Rule-Bot', got '%s'", cfg.CommitAuthorName())
	}
}

func TestConfigLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
bot_token: "123:ABC"
rule_repo: not: valid: yaml: here
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "parse yaml") {
		t.Errorf("Expected 'parse yaml' error, got: %v", err)
	}
}

func TestConfigLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("RULEBOT_BOT_TOKEN", "env-token")
	t.Setenv("RULEBOT_RULE_REPO", "https://github.com/example/rules.git")
	t.Setenv("RULEBOT_DIRECT_RULE_FILE", "direct-list.txt")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Expected env-only config to validate, got: %v", err)
	}
	if cfg.BotToken != "env-token" {
		t.Errorf("Expected bot token from environment, got '%s'", cfg.BotToken)
	}
}

func TestGroupCheckEnabled(t *testing.T) {
	tests := []struct {
		name     string
		group    RequiredGroupConfig
		expected bool
	}{
		{"all fields set", RequiredGroupConfig{ID: 1, Name: "g", Link: "https://t.me/g"}, true},
		{"missing link", RequiredGroupConfig{ID: 1, Name: "g"}, false},
		{"zero value", RequiredGroupConfig{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{RequiredGroup: tt.group}
			if got := cfg.GroupCheckEnabled(); got != tt.expected {
				t.Errorf("Expected GroupCheckEnabled() = %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestValidateEndpoints(t *testing.T) {
	tests := []struct {
		name          string
		eps           []DoHEndpoint
		shouldBeValid bool
		description   string
	}{
		{"empty", nil, false, "Empty pool is invalid"},
		{"one valid", []DoHEndpoint{{Name: "a", URL: "https://a/dns-query"}}, true, "Single https endpoint is valid"},
		{"missing name", []DoHEndpoint{{URL: "https://a/dns-query"}}, false, "Endpoint needs a name"},
		{"http scheme", []DoHEndpoint{{Name: "a", URL: "http://a/dns-query"}}, false, "Must be https"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEndpoints("doh_a", tt.eps)
			isValid := err == nil
			if isValid != tt.shouldBeValid {
				t.Errorf("%s: expected valid=%v, got valid=%v (error: %v)", tt.description, tt.shouldBeValid, isValid, err)
			}
		})
	}
}
