package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models seopilot.yml.
type Config struct {
	DefaultPlan string          `yaml:"default_plan"`
	Plans       map[string]Plan `yaml:"plans"`
	Runner      RunnerConfig    `yaml:"runner"`
	AI          AIConfig        `yaml:"ai"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
	Server      ServerConfig    `yaml:"server"`
}

type Plan struct {
	Description string `yaml:"description"`
	// AutomationRunsPerMonth: negative means unlimited, zero means none.
	AutomationRunsPerMonth int `yaml:"automation_runs_per_month"`
}

type RunnerConfig struct {
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Adapters       map[string]string `yaml:"adapters"`
	PageSpeed      PageSpeedConfig   `yaml:"pagespeed"`
	SEO            SEOConfig         `yaml:"seo"`
}

type PageSpeedConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Strategy  string `yaml:"strategy"`
}

type SEOConfig struct {
	UserAgent    string `yaml:"user_agent"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type AIConfig struct {
	TimeoutSeconds int                       `yaml:"timeout_seconds"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	Kind      string `yaml:"kind"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type ServerConfig struct {
	Addr               string `yaml:"addr"`
	BasePath           string `yaml:"base_path"`
	JWTSecretEnv       string `yaml:"jwt_secret_env"`
	AllowLegacyHeaders bool   `yaml:"allow_legacy_headers"`
	// StreamOrigins are extra browser origins (host patterns) allowed to open
	// the event stream. Same-host and non-browser clients are always allowed.
	StreamOrigins []string `yaml:"stream_origins,omitempty"`
}

var (
	runnerAdapters = []string{"mock", "pagespeed", "lighthouse", "seo"}
	auditTypes     = []string{"pagespeed", "seo", "lighthouse"}
	providerKinds  = []string{"openai", "gemini", "mock"}
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with seopilot config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Plans) == 0 {
		return fmt.Errorf("config.plans is required")
	}
	for name := range c.Plans {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.plans contains an empty plan name")
		}
	}
	if c.DefaultPlan != "" {
		if _, ok := c.Plans[c.DefaultPlan]; !ok {
			return fmt.Errorf("config.default_plan %s not defined in plans", c.DefaultPlan)
		}
	}
	if c.Runner.TimeoutSeconds < 0 {
		return fmt.Errorf("config.runner.timeout_seconds must not be negative")
	}
	for auditType, adapter := range c.Runner.Adapters {
		if !contains(auditTypes, auditType) {
			return fmt.Errorf("config.runner.adapters: unknown audit type %s", auditType)
		}
		if !contains(runnerAdapters, adapter) {
			return fmt.Errorf("config.runner.adapters.%s: unknown adapter %s (want one of %s)", auditType, adapter, strings.Join(runnerAdapters, ", "))
		}
	}
	switch c.Runner.PageSpeed.Strategy {
	case "", "mobile", "desktop":
	default:
		return fmt.Errorf("config.runner.pagespeed.strategy must be mobile or desktop")
	}
	for name, p := range c.AI.Providers {
		if !contains([]string{"gpt", "gemini", "groq"}, name) {
			return fmt.Errorf("config.ai.providers: unknown provider %s", name)
		}
		if !contains(providerKinds, p.Kind) {
			return fmt.Errorf("config.ai.providers.%s.kind must be one of %s", name, strings.Join(providerKinds, ", "))
		}
		if p.Kind != "mock" && strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("config.ai.providers.%s.model is required", name)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// PlanNames returns the configured plan names in sorted order.
func (c *Config) PlanNames() []string {
	names := make([]string, 0, len(c.Plans))
	for name := range c.Plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunnerTimeout returns the per-execution runner budget.
func (c *Config) RunnerTimeout() time.Duration {
	if c == nil || c.Runner.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Runner.TimeoutSeconds) * time.Second
}

// AITimeout returns the per-request budget for AI providers.
func (c *Config) AITimeout() time.Duration {
	if c == nil || c.AI.TimeoutSeconds <= 0 {
		return 45 * time.Second
	}
	return time.Duration(c.AI.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "seopilot.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

const defaultTemplate = `default_plan: free

plans:
  free:
    description: "Starter allowance for evaluation"
    automation_runs_per_month: 10
  starter:
    description: "Small sites"
    automation_runs_per_month: 100
  pro:
    description: "Agencies and larger sites"
    automation_runs_per_month: 1000
  enterprise:
    description: "Unmetered"
    automation_runs_per_month: -1

runner:
  timeout_seconds: 60
  adapters:
    pagespeed: pagespeed
    lighthouse: lighthouse
    seo: seo
  pagespeed:
    base_url: https://www.googleapis.com/pagespeedonline/v5
    api_key_env: PAGESPEED_API_KEY
    strategy: mobile
  seo:
    user_agent: "SEOPilotBot/1.0 (+https://seopilot.dev/bot)"
    max_body_bytes: 2097152

ai:
  timeout_seconds: 45
  providers:
    gpt:
      kind: openai
      base_url: https://api.openai.com/v1
      model: gpt-4o-mini
      api_key_env: OPENAI_API_KEY
    groq:
      kind: openai
      base_url: https://api.groq.com/openai/v1
      model: llama-3.1-8b-instant
      api_key_env: GROQ_API_KEY
    gemini:
      kind: gemini
      base_url: https://generativelanguage.googleapis.com/v1beta
      model: gemini-1.5-flash
      api_key_env: GEMINI_API_KEY

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret_env: SEOPILOT_JWT_SECRET
  allow_legacy_headers: false
  # stream_origins: [dashboard.example.com]
`
