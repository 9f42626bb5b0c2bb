package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml.
type Config struct {
	Server struct {
		Addr          string `yaml:"addr"`
		BasePath      string `yaml:"base_path"`
		PublicBaseURL string `yaml:"public_base_url"`
		// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
		// Only enable it behind a reverse proxy that sets those headers.
		TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Approvals struct {
		RequireComplete      bool            `yaml:"require_complete"`
		NotifyTimeoutSeconds int             `yaml:"notify_timeout_seconds"`
		RateLimit            RateLimitConfig `yaml:"rate_limit"`
	} `yaml:"approvals"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
		Email    EmailConfig     `yaml:"email"`
	} `yaml:"notifications"`
	Templates map[string]StageTemplate `yaml:"templates"`
}

type RateLimitConfig struct {
	Backend       string  `yaml:"backend"`
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
	WindowSeconds int     `yaml:"window_seconds"`
	RedisURL      string  `yaml:"redis_url"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     string   `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	FromName string   `yaml:"from_name"`
	To       []string `yaml:"to"`
}

type StageTemplate struct {
	Description string              `yaml:"description"`
	Stages      []StageTemplateItem `yaml:"stages"`
}

type StageTemplateItem struct {
	Name                   string   `yaml:"name"`
	Description            string   `yaml:"description"`
	RequiresClientApproval bool     `yaml:"requires_client_approval"`
	Checklist              []string `yaml:"checklist"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.PublicBaseURL == "" {
		return fmt.Errorf("config.server.public_base_url is required")
	}
	rl := c.Approvals.RateLimit
	switch rl.Backend {
	case "memory":
		if rl.RPS <= 0 || rl.Burst <= 0 {
			return fmt.Errorf("config.approvals.rate_limit needs positive rps and burst")
		}
	case "redis":
		if rl.RedisURL == "" {
			return fmt.Errorf("config.approvals.rate_limit.redis_url is required for redis backend")
		}
		if rl.Burst <= 0 || rl.WindowSeconds <= 0 {
			return fmt.Errorf("config.approvals.rate_limit needs positive burst and window_seconds")
		}
	case "none":
	default:
		return fmt.Errorf("config.approvals.rate_limit.backend must be memory, redis or none")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
	}
	if e := c.Notifications.Email; e.Host != "" && (e.From == "" || len(e.To) == 0) {
		return fmt.Errorf("notifications.email needs from and to when host is set")
	}
	for name, tpl := range c.Templates {
		if len(tpl.Stages) == 0 {
			return fmt.Errorf("template %s has no stages", name)
		}
		for i, st := range tpl.Stages {
			if strings.TrimSpace(st.Name) == "" {
				return fmt.Errorf("template %s stage %d has empty name", name, i)
			}
			for _, item := range st.Checklist {
				if strings.TrimSpace(item) == "" {
					return fmt.Errorf("template %s stage %s has empty checklist item", name, st.Name)
				}
			}
		}
	}
	return nil
}

// Template returns a named stage template.
func (c *Config) Template(name string) (StageTemplate, error) {
	tpl, ok := c.Templates[name]
	if !ok {
		return StageTemplate{}, fmt.Errorf("template %s not found", name)
	}
	return tpl, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections fall
// back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Templates = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Templates == nil {
		cfg.Templates = Default().Templates
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  public_base_url: http://127.0.0.1:8080
  trust_proxy_headers: false

database:
  driver: sqlite
  dsn: ""

approvals:
  require_complete: true
  notify_timeout_seconds: 10
  rate_limit:
    backend: memory
    rps: 1
    burst: 10
    window_seconds: 60
    redis_url: ""

notifications:
  webhooks: []
  email:
    port: "587"
    from_name: Stageline

templates:
  website:
    description: "Marketing website delivery"
    stages:
      - name: Discovery
        description: "Scope, goals and content inventory"
        requires_client_approval: true
        checklist:
          - Kickoff call held
          - Sitemap drafted
          - Content inventory collected
      - name: Design
        description: "Visual design and prototypes"
        requires_client_approval: true
        checklist:
          - Moodboard shared
          - Homepage mockup
          - Inner page mockups
          - Responsive review
      - name: Build
        description: "Implementation and content entry"
        checklist:
          - Theme implemented
          - Content entered
          - Forms wired
      - name: Launch
        description: "Go-live and handover"
        requires_client_approval: true
        checklist:
          - DNS switched
          - Analytics verified
          - Handover session held
`
