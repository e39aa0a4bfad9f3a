// Package config loads and validates Rule-Bot's configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DoHEndpoint is one named resolver in a DoH pool.
type DoHEndpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// RequiredGroupConfig gates the private chat flow on membership in a group.
// All three fields must be set together for the gate to be enabled.
type RequiredGroupConfig struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
	Link string `yaml:"link"`
}

// CatalogConfig configures the mirror list for one downloadable data source.
type CatalogConfig struct {
	URLs []string `yaml:"urls"`
}

// ControlConfig configures the optional authenticated REST control surface.
type ControlConfig struct {
	Listen       string `yaml:"listen"`
	APITokenHash string `yaml:"api_token_hash"`
}

// Config is Rule-Bot's full runtime configuration.
type Config struct {
	BotToken string `yaml:"bot_token"`

	RuleRepo       string `yaml:"rule_repo"`
	DirectRuleFile string `yaml:"direct_rule_file"`
	CommitEmail    string `yaml:"commit_identity"`
	GitHubToken    string `yaml:"github_token"`

	DataDir        string        `yaml:"data_dir"`
	UpdateInterval time.Duration `yaml:"update_interval"`

	DoHA  []DoHEndpoint `yaml:"doh_a"`
	DoHNS []DoHEndpoint `yaml:"doh_ns"`

	AllowedGroups []int64             `yaml:"allowed_groups"`
	RequiredGroup RequiredGroupConfig `yaml:"required_group"`

	GeoIP   CatalogConfig `yaml:"geoip"`
	CNIPv4  CatalogConfig `yaml:"cn_ipv4"`
	GeoSite CatalogConfig `yaml:"geosite"`

	Control ControlConfig `yaml:"control"`
}

// commitAuthorName is fixed regardless of configuration, matching the
// original bot's forced Rule-Bot git identity.
const commitAuthorName = "Rule-Bot"

const defaultUpdateInterval = 6 * time.Hour

var defaultDoHA = []DoHEndpoint{
	{Name: "alibaba", URL: "https://dns.alidns.com/dns-query"},
	{Name: "tencent", URL: "https://doh.pub/dns-query"},
	{Name: "cloudflare", URL: "https://cloudflare-dns.com/dns-query"},
}

var defaultDoHNS = []DoHEndpoint{
	{Name: "cloudflare", URL: "https://cloudflare-dns.com/dns-query"},
	{Name: "google", URL: "https://dns.google/dns-query"},
	{Name: "quad9", URL: "https://dns.quad9.net/dns-query"},
}

var defaultGeoIPURLs = []string{
	"https://gcore.jsdelivr.net/gh/Aethersailor/geoip@release/Country-without-asn.mmdb",
	"https://testingcf.jsdelivr.net/gh/Aethersailor/geoip@release/Country-without-asn.mmdb",
	"https://raw.githubusercontent.com/Aethersailor/geoip/release/Country-without-asn.mmdb",
}

var defaultCNIPv4URLs = []string{
	"https://raw.githubusercontent.com/Aethersailor/geoip/refs/heads/release/text/cn-ipv4.txt",
	"https://gcore.jsdelivr.net/gh/Aethersailor/geoip@release/text/cn-ipv4.txt",
	"https://testingcf.jsdelivr.net/gh/Aethersailor/geoip@release/text/cn-ipv4.txt",
}

var defaultGeoSiteURLs = []string{
	"https://raw.githubusercontent.com/Loyalsoldier/v2ray-rules-dat/refs/heads/release/direct-list.txt",
}

// Load reads a YAML config file and layers required-secret environment
// variable overrides on top, the way the original bot pulled its tokens
// straight from the environment while everything else lived in a file.
// A missing path is not an error: Load falls back to defaults and whatever
// the environment supplies, then validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RULEBOT_BOT_TOKEN"); v != "" {
		cfg.BotToken = v
	}
	if v := os.Getenv("RULEBOT_GITHUB_TOKEN"); v != "" {
		cfg.GitHubToken = v
	}
	if v := os.Getenv("RULEBOT_RULE_REPO"); v != "" {
		cfg.RuleRepo = v
	}
	if v := os.Getenv("RULEBOT_DIRECT_RULE_FILE"); v != "" {
		cfg.DirectRuleFile = v
	}
	if v := strings.TrimSpace(os.Getenv("RULEBOT_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RULEBOT_UPDATE_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.UpdateInterval = time.Duration(n) * time.Second
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.CommitEmail == "" {
		cfg.CommitEmail = "noreply@users.noreply.github.com"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/app/data"
		if _, err := os.Stat("/app"); err != nil {
			cfg.DataDir = os.TempDir() + "/rule-bot"
		}
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaultUpdateInterval
	}
	if len(cfg.DoHA) == 0 {
		cfg.DoHA = defaultDoHA
	}
	if len(cfg.DoHNS) == 0 {
		cfg.DoHNS = defaultDoHNS
	}
	if len(cfg.GeoIP.URLs) == 0 {
		cfg.GeoIP.URLs = defaultGeoIPURLs
	}
	if len(cfg.CNIPv4.URLs) == 0 {
		cfg.CNIPv4.URLs = defaultCNIPv4URLs
	}
	if len(cfg.GeoSite.URLs) == 0 {
		cfg.GeoSite.URLs = defaultGeoSiteURLs
	}
	if cfg.Control.Listen == "" {
		cfg.Control.Listen = ":8080"
	}
}

// CommitAuthorName is the fixed git author name used for rule appends.
func (c *Config) CommitAuthorName() string { return commitAuthorName }

// GroupCheckEnabled reports whether the private-chat membership gate is
// fully configured.
func (c *Config) GroupCheckEnabled() bool {
	return c.RequiredGroup.ID != 0 && c.RequiredGroup.Name != "" && c.RequiredGroup.Link != ""
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("bot_token is required")
	}
	if c.RuleRepo == "" {
		return fmt.Errorf("rule_repo is required")
	}
	if c.DirectRuleFile == "" {
		return fmt.Errorf("direct_rule_file is required")
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be > 0")
	}
	if err := validateEndpoints("doh_a", c.DoHA); err != nil {
		return err
	}
	if err := validateEndpoints("doh_ns", c.DoHNS); err != nil {
		return err
	}
	if len(c.GeoSite.URLs) == 0 {
		return fmt.Errorf("geosite.urls must have at least one entry")
	}
	return nil
}

func validateEndpoints(field string, eps []DoHEndpoint) error {
	if len(eps) == 0 {
		return fmt.Errorf("%s must have at least one endpoint", field)
	}
	seen := make(map[string]bool, len(eps))
	for i, ep := range eps {
		if !strings.HasPrefix(ep.URL, "https://") {
			return fmt.Errorf("%s[%d]: url must be https://, got %q", field, i, ep.URL)
		}
		if ep.Name == "" {
			return fmt.Errorf("%s[%d]: name is required", field, i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("%s[%d]: duplicate endpoint name %q", field, i, ep.Name)
		}
		seen[ep.Name] = true
	}
	return nil
}
